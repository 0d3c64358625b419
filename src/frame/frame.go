// Package frame implements the physical frame table: the global,
// process-agnostic registry of which frame backs which (owner, uva) pair,
// and the four-class clock eviction policy that reclaims one when the
// allocator is out of free frames. Grounded on the teacher's mem.Physmem_t
// (single coarse lock, Refup/Refdown-style bookkeeping around one slice of
// frame descriptors) and on original_source/vm/frame.c's find_victim_fte
// for the exact class-scan order.
package frame

import (
	"sync"

	"pagedir"
	"vmerr"
)

// Owner lets the frame table evict a frame belonging to any process without
// re-acquiring that process's own address-space lock or the frame table's
// lock recursively. Evict must only touch the victim's own bookkeeping
// (its SPT descriptor, its page directory mapping) and must never call
// back into the frame table's own lock (Table.Alloc/Free); reading or
// writing the frame's bytes via Table.Read/Table.Write is fine, since those
// do not take the table lock.
type Owner interface {
	PageDir() pagedir.Dir
	// Evict is invoked with the frame table lock held, exactly matching
	// the spec's requirement that swap or file write-back I/O triggered
	// by eviction happen inside that single critical section. It must
	// record that uva is no longer resident (writing its contents back to
	// swap or file first if dirty, per its descriptor kind) and clear the
	// hardware mapping for uva via its own PageDir().
	Evict(uva, kva uintptr) vmerr.Errno
}

// Entry describes one physical frame's occupant.
type Entry struct {
	KVA   uintptr
	Owner Owner
	UVA   uintptr
}

// Allocator supplies and reclaims physical frames and lets the core read or
// write a frame's contents by kva. A real kernel backs this with its direct
// physical-memory map (the way the teacher's mem.Dmaplen turns a physical
// address into a byte slice); this module keeps that same shape as an
// interface so vmcore never assumes a particular memory layout.
type Allocator interface {
	// AllocFrame returns a fresh physical frame, or (0, false) if the
	// underlying pool is exhausted. zerofill requests the frame be
	// zeroed before use.
	AllocFrame(zerofill bool) (kva uintptr, ok bool)
	FreeFrame(kva uintptr)
	// ZeroFrame clears the contents of an already-allocated frame kva.
	// The frame table calls this when it recycles a frame through
	// eviction instead of through AllocFrame.
	ZeroFrame(kva uintptr)
	// ReadFrame copies the full contents of frame kva into buf.
	ReadFrame(kva uintptr, buf []byte)
	// WriteFrame copies buf into the full contents of frame kva.
	WriteFrame(kva uintptr, buf []byte)
}

// Table is the frame table. One coarse lock is held across both bookkeeping
// mutation and the eviction scan, matching Physmem_t's own single-lock
// design: the scan touches every frame's metadata and must see a consistent
// snapshot, and eviction of a dirty page blocks on swap I/O anyway so a
// finer-grained lock would not shorten the critical section that matters.
type Table struct {
	mu    sync.Mutex
	alloc Allocator
	byKVA map[uintptr]*Entry
	order []uintptr // insertion/clock-scan order of live frames
	hand  int       // clock hand index into order
}

// NewTable constructs an empty frame table backed by alloc.
func NewTable(alloc Allocator) *Table {
	return &Table{
		alloc: alloc,
		byKVA: make(map[uintptr]*Entry),
	}
}

// Alloc reserves a physical frame for (owner, uva). If the underlying
// allocator has no free frame, Alloc runs the clock eviction scan to make
// one, calling victim.Evict while holding the table lock. On success the
// new frame is recorded as belonging to (owner, uva) and its kva is
// returned.
func (t *Table) Alloc(owner Owner, uva uintptr, zerofill bool) (uintptr, vmerr.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kva, ok := t.alloc.AllocFrame(zerofill)
	if !ok {
		var err vmerr.Errno
		kva, err = t.evictOne()
		if err != vmerr.OK {
			return 0, err
		}
		if zerofill {
			t.alloc.ZeroFrame(kva)
		}
	}

	e := &Entry{KVA: kva, Owner: owner, UVA: uva}
	t.byKVA[kva] = e
	t.order = append(t.order, kva)
	return kva, vmerr.OK
}

// Free releases the frame at kva back to the allocator. Callers must have
// already cleared the owning page directory's mapping and updated their own
// SPT descriptor; Free only removes the frame table's own bookkeeping.
func (t *Table) Free(kva uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(kva)
	t.alloc.FreeFrame(kva)
}

func (t *Table) removeLocked(kva uintptr) {
	if _, ok := t.byKVA[kva]; !ok {
		return
	}
	delete(t.byKVA, kva)
	for i, k := range t.order {
		if k == kva {
			t.order = append(t.order[:i], t.order[i+1:]...)
			if t.hand > i {
				t.hand--
			}
			break
		}
	}
}

// Read copies the contents of frame kva into buf.
func (t *Table) Read(kva uintptr, buf []byte) {
	t.alloc.ReadFrame(kva, buf)
}

// Write copies buf into the contents of frame kva.
func (t *Table) Write(kva uintptr, buf []byte) {
	t.alloc.WriteFrame(kva, buf)
}

// Lookup returns the entry occupying kva, if any.
func (t *Table) Lookup(kva uintptr) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byKVA[kva]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// evictOne runs the four-class clock scan. It makes at most two full passes
// over the frame order: the first pass clears the accessed bit of every
// class-2/3 frame it skips so the second pass is guaranteed to find a
// class-0 or class-1 candidate, the same termination argument
// original_source/vm/frame.c's find_victim_fte relies on for its two-pass
// clock.
func (t *Table) evictOne() (uintptr, vmerr.Errno) {
	n := len(t.order)
	if n == 0 {
		return 0, vmerr.ENOMEM
	}

	// First pass: look only for class (0,0), but clear the accessed bit of
	// every frame examined along the way. This guarantees that if no
	// (0,0) frame exists yet, every frame has A=0 by the time the second
	// pass starts, so the second pass can only ever see class 0 or 1.
	best := -1
	for i := 0; i < n && best == -1; i++ {
		idx := (t.hand + i) % n
		e := t.byKVA[t.order[idx]]
		pd := e.Owner.PageDir()
		accessed := pd.Accessed(e.UVA)
		dirty := pd.Dirty(e.UVA)
		if !accessed && !dirty {
			best = idx
		}
		if accessed {
			pd.SetAccessed(e.UVA, false)
		}
	}

	// Second pass: accessed bits are now all clear, so the lowest class
	// present is simply the first frame with D=0, else the first with
	// D=1.
	if best == -1 {
		bestClass := 2
		for i := 0; i < n; i++ {
			idx := (t.hand + i) % n
			e := t.byKVA[t.order[idx]]
			c := 0
			if e.Owner.PageDir().Dirty(e.UVA) {
				c = 1
			}
			if c < bestClass {
				bestClass = c
				best = idx
				if bestClass == 0 {
					break
				}
			}
		}
	}

	if best == -1 {
		return 0, vmerr.ENOMEM
	}

	victimKVA := t.order[best]
	victim := t.byKVA[victimKVA]
	uva := victim.UVA
	owner := victim.Owner

	if err := owner.Evict(uva, victimKVA); err != vmerr.OK {
		return 0, err
	}

	t.hand = best
	t.removeLocked(victimKVA)
	return victimKVA, vmerr.OK
}

// MemAllocator is a fixed-capacity in-memory Allocator, used by tests and by
// any embedder without a real physical-memory pool underneath. Frames are
// identified by a fabricated kva in 1..capacity rather than a real pointer,
// since a plain Go process has no direct physical-memory map to borrow
// addresses from. Free frames are handed out last-in first-out.
type MemAllocator struct {
	mu       sync.Mutex
	pageSize int
	capacity int
	free     []uintptr
	frames   map[uintptr][]byte
}

// NewMemAllocator returns an Allocator that can hand out ncapacity frames of
// pageSize bytes each before reporting exhaustion.
func NewMemAllocator(ncapacity, pageSize int) *MemAllocator {
	a := &MemAllocator{pageSize: pageSize, capacity: ncapacity, frames: make(map[uintptr][]byte)}
	for i := 0; i < ncapacity; i++ {
		a.free = append(a.free, uintptr(i+1))
	}
	return a
}

func (a *MemAllocator) AllocFrame(zerofill bool) (uintptr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return 0, false
	}
	kva := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	buf, ok := a.frames[kva]
	if !ok || zerofill {
		buf = make([]byte, a.pageSize)
	}
	a.frames[kva] = buf
	return kva, true
}

func (a *MemAllocator) FreeFrame(kva uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, kva)
}

func (a *MemAllocator) ZeroFrame(kva uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.frames[kva]
	if !ok {
		buf = make([]byte, a.pageSize)
		a.frames[kva] = buf
		return
	}
	for i := range buf {
		buf[i] = 0
	}
}

func (a *MemAllocator) ReadFrame(kva uintptr, buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	copy(buf, a.frames[kva])
}

func (a *MemAllocator) WriteFrame(kva uintptr, buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dst, ok := a.frames[kva]
	if !ok {
		dst = make([]byte, a.pageSize)
		a.frames[kva] = dst
	}
	copy(dst, buf)
}

// Capacity reports the total number of frames this allocator can hand out.
func (a *MemAllocator) Capacity() int {
	return a.capacity
}
