// Package mmapreg implements the per-process memory-mapped-file registry:
// bookkeeping for active mmap regions and their teardown. Grounded on
// original_source/userprog/syscall.c's mmap/munmap (fd 0/1 rejection,
// zero_bytes rounding) and on original_source/vm/page.c's munmap_sptes
// (iterate by page, write back only a dirty page's read_bytes, not the
// full page, per spec's correction of the original's full-page write).
package mmapreg

import (
	"fileobj"
	"frame"
	"pagedir"
	"spt"
	"vmconst"
	"vmerr"
	"vmstats"
)

// Mapping is one active mmap region.
type Mapping struct {
	ID        int
	BaseUVA   uintptr
	File      fileobj.File // the mapping's own reopened handle
	ReadBytes int64        // total bytes backed by the file (excludes zero tail)
	NPages    int
}

// Registry tracks a process's active mappings. mapping_id is issued
// monotonically from 0, matching spec's per-process numbering.
type Registry struct {
	next     int
	mappings map[int]*Mapping
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{mappings: make(map[int]*Mapping)}
}

// Mmap maps file at addr. The mapping keeps its own handle obtained from
// file.Reopen, so closing the caller's file does not invalidate the
// mapping; Munmap closes only that private handle. fd is the original
// descriptor number, checked only to reject the reserved console
// descriptors 0 and 1. addr must be page-aligned and
// non-zero; the file's length must be positive. Any page already covered
// by an existing descriptor in spt rejects the whole mapping with
// EOVERLAP, leaving no partial state behind.
func (r *Registry) Mmap(fd int, file fileobj.File, addr uintptr, sp *spt.Table) (int, vmerr.Errno) {
	if fd == 0 || fd == 1 {
		return 0, vmerr.EINVAL
	}
	if addr == 0 || addr%vmconst.PageSize != 0 {
		return 0, vmerr.EINVAL
	}
	length := file.Length()
	if length <= 0 {
		return 0, vmerr.EINVAL
	}

	mf, rerr := file.Reopen()
	if rerr != nil {
		return 0, vmerr.EIO
	}

	zeroBytes := vmconst.PageRoundup(length) - length
	if err := spt.LoadMMFileSegment(sp, mf, 0, addr, length, zeroBytes, true); err != vmerr.OK {
		mf.Close()
		return 0, err
	}

	npages := int((length + zeroBytes) / vmconst.PageSize)
	id := r.next
	r.next++
	r.mappings[id] = &Mapping{ID: id, BaseUVA: addr, File: mf, ReadBytes: length, NPages: npages}
	return id, vmerr.OK
}

// Munmap tears down mapping id: for every page, a resident and dirty page
// is written back to the file (write size is the descriptor's ReadBytes,
// not a full page, since the last page is typically partial); the frame is
// released and the descriptor destroyed either way. The mapping's own file
// handle is then closed and the registry entry removed.
func (r *Registry) Munmap(id int, sp *spt.Table, ft *frame.Table, pd pagedir.Dir, st *vmstats.Counters) vmerr.Errno {
	m, ok := r.mappings[id]
	if !ok {
		return vmerr.EINVAL
	}

	for i := 0; i < m.NPages; i++ {
		uva := m.BaseUVA + uintptr(i*vmconst.PageSize)
		d, ok := sp.Lookup(uva)
		if !ok {
			panic("mmapreg: munmap found no descriptor for mapped page")
		}
		if d.Resident {
			if pd.Dirty(uva) && d.ReadBytes > 0 {
				buf := make([]byte, d.ReadBytes)
				ft.Read(d.KVA, buf)
				n, err := d.File.WriteAt(buf, d.Ofs)
				if err != nil || int64(n) != d.ReadBytes {
					panic("mmapreg: munmap write-back short, data loss")
				}
				if st != nil {
					st.WriteBacks.Inc()
				}
			}
			pd.Clear(uva)
			ft.Free(d.KVA)
		}
		sp.Remove(uva)
	}

	m.File.Close()
	delete(r.mappings, id)
	return vmerr.OK
}

// TeardownAll unmaps every live mapping, used during process exit.
func (r *Registry) TeardownAll(sp *spt.Table, ft *frame.Table, pd pagedir.Dir, st *vmstats.Counters) {
	var ids []int
	for id := range r.mappings {
		ids = append(ids, id)
	}
	for _, id := range ids {
		r.Munmap(id, sp, ft, pd, st)
	}
}
