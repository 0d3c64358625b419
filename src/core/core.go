// Package core implements vmcore's top-level orchestration: Core (the
// process-wide VmCore value) and AddressSpace (the per-process container
// that binds a supplemental page table, an mmap registry, and a page
// directory together and implements frame.Owner so the frame table can
// evict any process's page without reaching back into that process's own
// lock). Grounded on the teacher's vm.Vm_t (Lock_pmap/Unlock_pmap per
// address space, Sys_pgfault's dispatch shape) and mem.Physmem_t (the
// single process-wide frame table instance threaded through every
// address space), generalized per spec section 9's note to replace
// process-wide globals with one constructed value threaded explicitly
// through the entry points instead of reached from a global or
// thread-local.
package core

import (
	"fmt"
	"sync"
	"time"

	"blockdev"
	"caller"
	"fileobj"
	"frame"
	"mmapreg"
	"pagedir"
	"spt"
	"swap"
	"vmaccnt"
	"vmconst"
	"vmerr"
	"vmstats"
)

// Core is the process-wide VM state: the frame table and swap store are
// shared by every AddressSpace constructed from it. One Core is built at
// boot and threaded through every fault/syscall entry point; nothing here
// is reached via a global variable.
type Core struct {
	Frames *frame.Table
	Swap   *swap.Store
	Stats  vmstats.Counters

	// SwapExhausted reports swap-full-during-eviction only the first time
	// it happens per call site, so a process that thrashes doesn't flood
	// logs on every subsequent fault.
	SwapExhausted caller.Distinct
}

// New constructs a Core backed by the given frame allocator and swap
// device. alloc and dev are the external collaborators spec.md section 6
// calls the paged physical-memory allocator and the block device.
func New(alloc frame.Allocator, dev blockdev.Device) *Core {
	c := &Core{
		Frames: frame.NewTable(alloc),
		Swap:   swap.NewStore(dev),
	}
	c.SwapExhausted.Enabled = true
	return c
}

// NewWithSwap constructs a Core with an already-built swap store, for
// callers that want to share one store across tests or configure it
// explicitly.
func NewWithSwap(alloc frame.Allocator, sw *swap.Store) *Core {
	c := &Core{Frames: frame.NewTable(alloc), Swap: sw}
	c.SwapExhausted.Enabled = true
	return c
}

// UserRange bounds legal user virtual addresses for an address space. A
// fault outside [Low, High) is never resolved, matching spec's "validate va
// lies in user space; otherwise kill the process".
type UserRange struct {
	Low, High uintptr
}

// AddressSpace is the per-process VM container: one supplemental page
// table, one mmap registry, one page directory, bound to the process-wide
// Core that owns the frame table and swap store. The coarse lock mirrors
// the teacher's Lock_pmap/Unlock_pmap: held across fault resolution so two
// faults in the same process never race installing a mapping for the same
// page.
type AddressSpace struct {
	mu sync.Mutex

	core  *Core
	pd    pagedir.Dir
	spt   *spt.Table
	mmaps *mmapreg.Registry
	accnt vmaccnt.Counters

	userRange UserRange
	// stackFloor is the lowest uva stack growth may ever reach; supplied
	// by the caller rather than hardcoded, since address-space layout is
	// entirely the page directory collaborator's concern.
	stackFloor uintptr
	stackPages int
}

// NewAddressSpace binds pd to a fresh, empty supplemental page table and
// mmap registry under core. stackFloor is the lowest legal stack uva.
func NewAddressSpace(core *Core, pd pagedir.Dir, userRange UserRange, stackFloor uintptr) *AddressSpace {
	return &AddressSpace{
		core:       core,
		pd:         pd,
		spt:        spt.New(),
		mmaps:      mmapreg.New(),
		userRange:  userRange,
		stackFloor: stackFloor,
	}
}

// PageDir implements frame.Owner.
func (as *AddressSpace) PageDir() pagedir.Dir {
	return as.pd
}

// Evict implements frame.Owner. It is called by the frame table with the
// frame-table lock held, so any write-back I/O it performs happens inside
// that single critical section, matching spec's concurrency model.
func (as *AddressSpace) Evict(uva, kva uintptr) vmerr.Errno {
	d, ok := as.spt.Lookup(uva)
	if !ok {
		panic("core: eviction of uva with no descriptor")
	}
	dirty := as.pd.Dirty(uva)

	slot := swap.NoSlot
	switch d.Kind {
	case spt.EXEC:
		if d.Writable && dirty {
			var err vmerr.Errno
			slot, err = as.swapOutFrame(kva)
			if err != vmerr.OK {
				return err
			}
			// Once a writable exec page has been written to, its file
			// contents are stale forever; treat it as anonymous memory
			// from here on so the slot recorded below is never dropped
			// and a later fault restores the modified bytes from swap
			// instead of re-reading the original file contents.
			d.Kind = spt.SWAP
		}
		// Read-only, or clean: discard; re-read from file on next fault.
	case spt.MMFILE:
		if dirty && d.ReadBytes > 0 {
			buf := make([]byte, d.ReadBytes)
			as.core.Frames.Read(kva, buf)
			n, err := d.File.WriteAt(buf, d.Ofs)
			if err != nil || int64(n) != d.ReadBytes {
				panic("core: mmfile eviction write-back short, data loss")
			}
			as.core.Stats.WriteBacks.Inc()
		}
	case spt.SWAP:
		var err vmerr.Errno
		slot, err = as.swapOutFrame(kva)
		if err != vmerr.OK {
			return err
		}
	}

	as.pd.Clear(uva)
	as.spt.MarkEvicted(uva, slot)
	as.core.Stats.Evictions.Inc()
	as.accnt.EvictAdd(1)
	return vmerr.OK
}

func (as *AddressSpace) swapOutFrame(kva uintptr) (swap.Slot, vmerr.Errno) {
	buf := make([]byte, vmconst.PageSize)
	as.core.Frames.Read(kva, buf)
	start := time.Now()
	slot, err := as.core.Swap.SwapOut(buf)
	as.accnt.IOTime(int64(time.Since(start)))
	if err != vmerr.OK {
		if err == vmerr.ENOHEAP {
			if first, trace := as.core.SwapExhausted.Report(); first {
				fmt.Printf("vmcore: swap exhausted during eviction\n%s", trace)
			}
		}
		return swap.NoSlot, err
	}
	as.core.Stats.SwapOuts.Inc()
	return slot, vmerr.OK
}

// Fault resolves a user page fault at va, with the process's current stack
// pointer sp used to judge the stack-growth window. It implements spec's
// fault handler contract: SPT hit loads the descriptor; a miss within the
// stack-growth window grows the stack; anything else is unresolvable and
// the caller should terminate the process.
func (as *AddressSpace) Fault(va, sp uintptr) vmerr.Errno {
	as.mu.Lock()
	defer as.mu.Unlock()

	start := time.Now()
	defer func() {
		as.accnt.FaultAdd(int64(time.Since(start)))
		as.core.Stats.Faults.Inc()
	}()

	if va < as.userRange.Low || va >= as.userRange.High {
		return vmerr.EFAULT
	}

	uva := vmconst.PageRounddown(va)
	if d, ok := as.spt.Lookup(uva); ok {
		wasSwap := d.Kind == spt.SWAP && !d.Resident
		err := as.spt.Load(d, as.core.Frames, as, as.pd, as.core.Swap)
		if err == vmerr.OK && wasSwap {
			as.core.Stats.SwapIns.Inc()
		}
		return err
	}

	if va+vmconst.StackGrowLimit >= sp && uva >= as.stackFloor && as.stackPages < vmconst.MaxStackPages {
		if err := as.spt.StackGrow(uva, as.core.Frames, as, as.pd); err != vmerr.OK {
			return err
		}
		as.stackPages++
		return vmerr.OK
	}

	return vmerr.EFAULT
}

// LoadExecSegment preloads one EXEC descriptor per page of a program
// segment without touching any frame, per spec's lazy segment load.
func (as *AddressSpace) LoadExecSegment(file fileobj.File, ofs int64, baseUVA uintptr, readBytes, zeroBytes int64, writable bool) vmerr.Errno {
	return spt.LoadExecSegment(as.spt, file, ofs, baseUVA, readBytes, zeroBytes, writable)
}

// Mmap maps file, opened by the caller as descriptor fd, at addr. The
// mapping holds its own Reopen'd handle (see mmapreg.Registry.Mmap), so it
// survives the caller closing file.
func (as *AddressSpace) Mmap(fd int, file fileobj.File, addr uintptr) (int, vmerr.Errno) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.mmaps.Mmap(fd, file, addr, as.spt)
}

// Munmap tears down mapping id, writing back dirty pages.
func (as *AddressSpace) Munmap(id int) vmerr.Errno {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.mmaps.Munmap(id, as.spt, as.core.Frames, as.pd, &as.core.Stats)
}

// Teardown releases every resource this address space holds: all mappings,
// then every remaining SPT descriptor (resident pages freed, dirty MMFILE
// pages written back, live swap slots released). Called once on process
// exit.
func (as *AddressSpace) Teardown() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.mmaps.TeardownAll(as.spt, as.core.Frames, as.pd, &as.core.Stats)
	as.spt.Destroy(as.core.Frames, as.pd, as.core.Swap, func(d *spt.Descriptor) {
		if d.ReadBytes == 0 {
			return
		}
		buf := make([]byte, d.ReadBytes)
		as.core.Frames.Read(d.KVA, buf)
		if n, err := d.File.WriteAt(buf, d.Ofs); err != nil || int64(n) != d.ReadBytes {
			panic("core: teardown write-back short, data loss")
		}
		as.core.Stats.WriteBacks.Inc()
	})
}

// Accounting returns a snapshot of this address space's fault/IO/eviction
// counters.
func (as *AddressSpace) Accounting() vmaccnt.Snapshot {
	return as.accnt.Snapshot()
}
