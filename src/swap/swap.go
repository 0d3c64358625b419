// Package swap implements the swap store: a bitmap of fixed-size slots on a
// blockdev.Device, one slot per evicted page. Grounded on the teacher's
// fs block-request pattern (Bdev_req_t/AckCh) for the I/O shape, and on
// original_source/vm/swap.c for slot semantics: a slot is marked free the
// instant it is read back (SwapIn consumes it), not on some later explicit
// release, so a page is never resident in both RAM and swap at once.
package swap

import (
	"sync"

	"blockdev"
	"vmconst"
	"vmerr"
)

// Slot identifies one swap-store slot. -1 is not a valid slot.
type Slot int64

const NoSlot Slot = -1

// Store manages slot allocation and the actual device I/O. One mutex
// serializes both the bitmap and the sector transfer, mirroring the
// teacher's policy of holding a single coarse lock across a block request
// rather than releasing it mid-I/O and re-validating state after.
type Store struct {
	mu     sync.Mutex
	dev    blockdev.Device
	bitmap []bool
	nslots int
	used   int
}

// NewStore carves the device into PageSize-sized slots, sizing the bitmap
// to however many whole pages the device holds.
func NewStore(dev blockdev.Device) *Store {
	secsPerSlot := vmconst.PageSize / dev.SectorSize()
	n := int(dev.Size() / int64(secsPerSlot))
	return &Store{
		dev:    dev,
		bitmap: make([]bool, n),
		nslots: n,
	}
}

// Capacity returns the total number of slots the store can hold.
func (s *Store) Capacity() int {
	return s.nslots
}

// Occupancy returns the number of slots currently in use.
func (s *Store) Occupancy() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// SwapOut writes one page's worth of data to a freshly allocated slot and
// returns that slot. Returns ENOHEAP if the store has no free slot.
func (s *Store) SwapOut(page []byte) (Slot, vmerr.Errno) {
	if len(page) != vmconst.PageSize {
		return NoSlot, vmerr.EINVAL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, busy := range s.bitmap {
		if !busy {
			idx = i
			break
		}
	}
	if idx == -1 {
		return NoSlot, vmerr.ENOHEAP
	}

	if err := s.transfer(blockdev.CmdWrite, idx, page); err != vmerr.OK {
		return NoSlot, err
	}
	s.bitmap[idx] = true
	s.used++
	return Slot(idx), vmerr.OK
}

// SwapIn reads slot's contents into page and frees the slot. A slot is
// consumed by a single SwapIn; the caller owns the data from then on and
// must SwapOut again to persist a subsequent eviction.
func (s *Store) SwapIn(slot Slot, page []byte) vmerr.Errno {
	if len(page) != vmconst.PageSize {
		return vmerr.EINVAL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := int(slot)
	if idx < 0 || idx >= s.nslots || !s.bitmap[idx] {
		return vmerr.EINVAL
	}

	if err := s.transfer(blockdev.CmdRead, idx, page); err != vmerr.OK {
		return err
	}
	s.bitmap[idx] = false
	s.used--
	return vmerr.OK
}

// ReleaseSlot frees slot without reading it back, used when a process
// exits while one of its pages is swapped out and the data is no longer
// wanted.
func (s *Store) ReleaseSlot(slot Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := int(slot)
	if idx < 0 || idx >= s.nslots || !s.bitmap[idx] {
		return
	}
	s.bitmap[idx] = false
	s.used--
}

func (s *Store) transfer(cmd blockdev.Cmd, slotIdx int, page []byte) vmerr.Errno {
	secsPerSlot := vmconst.PageSize / s.dev.SectorSize()
	req := &blockdev.Request{
		Cmd:    cmd,
		Sector: int64(slotIdx * secsPerSlot),
		Data:   page,
		AckCh:  make(chan error, 1),
	}
	s.dev.Start(req)
	if err := <-req.AckCh; err != nil {
		return vmerr.EIO
	}
	return vmerr.OK
}
