// Package spt implements the supplemental page table: the per-process map
// from a page-aligned user virtual address to a descriptor of where that
// page's contents live when not resident. Grounded on the teacher's
// vm.Vm_t/Vmregion_t descriptor bookkeeping and on original_source/vm/page.c
// (spt_insert/spt_load/the EXEC-vs-MMFILE-vs-SWAP dispatch a real Pintos
// assignment has to write by hand).
package spt

import (
	"fileobj"
	"frame"
	"hashtable"
	"pagedir"
	"res"
	"swap"
	"vmconst"
	"vmerr"
)

// Kind identifies what backs a non-resident page.
type Kind int

const (
	// EXEC pages are produced by reading a range of a program file. A
	// clean EXEC page is discarded on eviction and re-read on fault
	// rather than swapped.
	EXEC Kind = iota
	// MMFILE pages mirror a range of a user-mapped file; dirty pages are
	// written back on eviction or munmap instead of swapped.
	MMFILE
	// SWAP pages are anonymous; non-resident contents live in a swap
	// slot.
	SWAP
)

// Descriptor is one SPT entry. Two descriptors with the same UVA can never
// coexist in the same Table.
type Descriptor struct {
	UVA       uintptr
	KVA       uintptr
	Resident  bool
	Kind      Kind
	Writable  bool
	File      fileobj.File // EXEC/MMFILE only
	Ofs       int64        // EXEC/MMFILE only
	ReadBytes int64        // EXEC/MMFILE only
	SwapSlot  swap.Slot    // SWAP, non-resident only
}

// tableBuckets is a fixed shard count; the uva keyspace is sparse and
// per-process, so a small fixed table is enough to keep chains short
// without per-process tuning.
const tableBuckets = 64

// Table is a process's supplemental page table.
type Table struct {
	ht *hashtable.Table[*Descriptor]
}

// New returns an empty supplemental page table.
func New() *Table {
	return &Table{ht: hashtable.New[*Descriptor](tableBuckets)}
}

// Lookup returns the descriptor for a page-aligned uva, if one exists.
func (t *Table) Lookup(uva uintptr) (*Descriptor, bool) {
	return t.ht.Get(uva)
}

// InsertExec creates a non-resident EXEC descriptor at uva. It fails with
// EOVERLAP if a descriptor already exists there.
func (t *Table) InsertExec(uva uintptr, file fileobj.File, ofs, readBytes int64, writable bool) vmerr.Errno {
	d := &Descriptor{UVA: uva, Kind: EXEC, File: file, Ofs: ofs, ReadBytes: readBytes, Writable: writable}
	if !t.ht.Set(uva, d) {
		return vmerr.EOVERLAP
	}
	return vmerr.OK
}

// InsertMMFile creates a non-resident MMFILE descriptor at uva. It fails
// with EOVERLAP if a descriptor already exists there.
func (t *Table) InsertMMFile(uva uintptr, file fileobj.File, ofs, readBytes int64, writable bool) vmerr.Errno {
	d := &Descriptor{UVA: uva, Kind: MMFILE, File: file, Ofs: ofs, ReadBytes: readBytes, Writable: writable}
	if !t.ht.Set(uva, d) {
		return vmerr.EOVERLAP
	}
	return vmerr.OK
}

// Contains reports whether any descriptor covers uva, used by mmap overlap
// checks before committing a range of InsertMMFile calls.
func (t *Table) Contains(uva uintptr) bool {
	_, ok := t.ht.Get(uva)
	return ok
}

// LoadExecSegment creates one EXEC descriptor per page covering
// [baseUVA, baseUVA+readBytes+zeroBytes). readBytes and zeroBytes must sum
// to a multiple of the page size and baseUVA/ofs must be page-aligned; no
// frame is touched until the first fault on one of these pages.
func LoadExecSegment(t *Table, file fileobj.File, ofs int64, baseUVA uintptr, readBytes, zeroBytes int64, writable bool) vmerr.Errno {
	total := readBytes + zeroBytes
	if total%vmconst.PageSize != 0 {
		return vmerr.EINVAL
	}
	npages := int(total / vmconst.PageSize)
	budget := res.NewBudget(vmconst.MaxLazyLoadPages)
	for i := 0; i < npages; i++ {
		if !budget.Take() {
			return vmerr.EINVAL
		}
		pageUVA := baseUVA + uintptr(i*vmconst.PageSize)
		pageOfs := ofs + int64(i*vmconst.PageSize)
		pageRead := int64(vmconst.PageSize)
		remaining := readBytes - int64(i)*vmconst.PageSize
		if remaining < pageRead {
			if remaining < 0 {
				pageRead = 0
			} else {
				pageRead = remaining
			}
		}
		if err := t.InsertExec(pageUVA, file, pageOfs, pageRead, writable); err != vmerr.OK {
			return err
		}
	}
	return vmerr.OK
}

// LoadMMFileSegment creates one MMFILE descriptor per page covering
// [baseUVA, baseUVA+readBytes+zeroBytes). It refuses (EOVERLAP) if any
// target page is already covered by an existing descriptor, leaving the
// table unchanged.
func LoadMMFileSegment(t *Table, file fileobj.File, ofs int64, baseUVA uintptr, readBytes, zeroBytes int64, writable bool) vmerr.Errno {
	total := readBytes + zeroBytes
	if total%vmconst.PageSize != 0 {
		return vmerr.EINVAL
	}
	npages := int(total / vmconst.PageSize)
	if npages > vmconst.MaxLazyLoadPages {
		return vmerr.EINVAL
	}

	for i := 0; i < npages; i++ {
		if t.Contains(baseUVA + uintptr(i*vmconst.PageSize)) {
			return vmerr.EOVERLAP
		}
	}

	for i := 0; i < npages; i++ {
		pageUVA := baseUVA + uintptr(i*vmconst.PageSize)
		pageOfs := ofs + int64(i*vmconst.PageSize)
		pageRead := int64(vmconst.PageSize)
		remaining := readBytes - int64(i)*vmconst.PageSize
		if remaining < pageRead {
			if remaining < 0 {
				pageRead = 0
			} else {
				pageRead = remaining
			}
		}
		if err := t.InsertMMFile(pageUVA, file, pageOfs, pageRead, writable); err != vmerr.OK {
			// Shouldn't happen: Contains already checked every page.
			// Unwind what we inserted so the operation stays atomic.
			for j := 0; j < i; j++ {
				t.ht.Del(baseUVA + uintptr(j*vmconst.PageSize))
			}
			return err
		}
	}
	return vmerr.OK
}

// Load brings a non-resident descriptor to residency, allocating a frame
// through ft and installing the mapping through pd. owner is the Table's
// enclosing address space, passed through to frame.Table.Alloc so a
// concurrent eviction can charge this process as the victim's owner.
func (t *Table) Load(d *Descriptor, ft *frame.Table, owner frame.Owner, pd pagedir.Dir, sw *swap.Store) vmerr.Errno {
	if d.Resident {
		return vmerr.OK
	}

	switch d.Kind {
	case EXEC, MMFILE:
		kva, err := ft.Alloc(owner, d.UVA, false)
		if err != vmerr.OK {
			return err
		}
		buf := make([]byte, vmconst.PageSize)
		if d.ReadBytes > 0 {
			n, rerr := d.File.ReadAt(buf[:d.ReadBytes], d.Ofs)
			if rerr != nil || int64(n) != d.ReadBytes {
				ft.Free(kva)
				return vmerr.EIO
			}
		}
		ft.Write(kva, buf)
		if ierr := pd.Install(d.UVA, kva, d.Writable); ierr != nil {
			ft.Free(kva)
			return vmerr.EFAULT
		}
		d.KVA = kva
		d.Resident = true
		return vmerr.OK

	case SWAP:
		kva, err := ft.Alloc(owner, d.UVA, false)
		if err != vmerr.OK {
			return err
		}
		if ierr := pd.Install(d.UVA, kva, true); ierr != nil {
			ft.Free(kva)
			return vmerr.EFAULT
		}
		buf := make([]byte, vmconst.PageSize)
		if serr := sw.SwapIn(d.SwapSlot, buf); serr != vmerr.OK {
			pd.Clear(d.UVA)
			ft.Free(kva)
			return serr
		}
		ft.Write(kva, buf)
		d.SwapSlot = swap.NoSlot
		d.KVA = kva
		d.Resident = true
		return vmerr.OK
	}
	panic("spt: unknown descriptor kind")
}

// StackGrow creates an already-resident, writable, zero-filled SWAP
// descriptor at uva and installs it. Stack growth never goes through Load:
// the page is born resident, matching spec's distinction between lazily
// loaded segments and anonymous stack expansion.
func (t *Table) StackGrow(uva uintptr, ft *frame.Table, owner frame.Owner, pd pagedir.Dir) vmerr.Errno {
	if t.Contains(uva) {
		return vmerr.EOVERLAP
	}
	kva, err := ft.Alloc(owner, uva, true)
	if err != vmerr.OK {
		return err
	}
	if ierr := pd.Install(uva, kva, true); ierr != nil {
		ft.Free(kva)
		return vmerr.EFAULT
	}
	d := &Descriptor{UVA: uva, KVA: kva, Resident: true, Kind: SWAP, Writable: true, SwapSlot: swap.NoSlot}
	t.ht.Set(uva, d)
	return vmerr.OK
}

// MarkEvicted transitions a resident descriptor to non-resident after its
// frame has been reclaimed by the frame table. Any write-back of dirty
// contents is the caller's job and must happen before this call; slot is
// the swap slot to record for an anonymous page being swapped out (pass
// swap.NoSlot for EXEC/MMFILE). The slot is recorded only when the
// descriptor's Kind is SWAP.
func (t *Table) MarkEvicted(uva uintptr, slot swap.Slot) {
	d, ok := t.ht.Get(uva)
	if !ok {
		panic("spt: evict of unknown uva")
	}
	d.Resident = false
	d.KVA = 0
	if d.Kind == SWAP {
		d.SwapSlot = slot
	}
}

// Remove deletes the descriptor at uva, used by munmap and segment unload.
func (t *Table) Remove(uva uintptr) {
	t.ht.Del(uva)
}

// Destroy tears down every descriptor in the table, as on process exit: a
// resident page has its frame freed (after write-back for dirty MMFILE
// pages); a non-resident SWAP page has its slot released. EXEC and MMFILE
// file handles belong to higher layers and are not closed here.
func (t *Table) Destroy(ft *frame.Table, pd pagedir.Dir, sw *swap.Store, writeBack func(d *Descriptor)) {
	var live []*Descriptor
	t.ht.Iter(func(_ uintptr, d *Descriptor) bool {
		live = append(live, d)
		return false
	})

	for _, d := range live {
		if d.Resident {
			if d.Kind == MMFILE && pd.Dirty(d.UVA) && writeBack != nil {
				writeBack(d)
			}
			pd.Clear(d.UVA)
			ft.Free(d.KVA)
		} else if d.Kind == SWAP && d.SwapSlot != swap.NoSlot {
			sw.ReleaseSlot(d.SwapSlot)
		}
		t.ht.Del(d.UVA)
	}
}
