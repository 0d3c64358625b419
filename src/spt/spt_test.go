package spt

import (
	"bytes"
	"testing"

	"blockdev"
	"fileobj"
	"frame"
	"pagedir"
	"swap"
	"vmconst"
	"vmerr"
)

type fakeOwner struct {
	pd *pagedir.SimDir
}

func (o *fakeOwner) PageDir() pagedir.Dir { return o.pd }
func (o *fakeOwner) Evict(uva, kva uintptr) vmerr.Errno {
	o.pd.Clear(uva)
	return vmerr.OK
}

func newTestRig(ncapacity int) (*Table, *frame.Table, *fakeOwner, *swap.Store) {
	alloc := frame.NewMemAllocator(ncapacity, vmconst.PageSize)
	ft := frame.NewTable(alloc)
	owner := &fakeOwner{pd: pagedir.NewSimDir()}
	dev := blockdev.NewMemDisk(8*vmconst.SectorsPerPage, vmconst.SectorSize)
	sw := swap.NewStore(dev)
	return New(), ft, owner, sw
}

func TestLoadExecSegmentDescriptorCount(t *testing.T) {
	sp, _, _, _ := newTestRig(8)
	file := fileobj.NewMemFile(bytes.Repeat([]byte{1}, vmconst.PageSize*2))

	if err := LoadExecSegment(sp, file, 0, 0x400000, vmconst.PageSize*2, 0, true); err != vmerr.OK {
		t.Fatalf("LoadExecSegment: %v", err)
	}
	if !sp.Contains(0x400000) || !sp.Contains(0x400000+vmconst.PageSize) {
		t.Fatalf("LoadExecSegment did not create descriptors for both pages")
	}
	if sp.Contains(0x400000 + 2*vmconst.PageSize) {
		t.Fatalf("LoadExecSegment created a descriptor beyond the segment")
	}
}

func TestLoadExecSegmentRejectsUnaligned(t *testing.T) {
	sp, _, _, _ := newTestRig(8)
	file := fileobj.NewMemFile(make([]byte, vmconst.PageSize))
	if err := LoadExecSegment(sp, file, 0, 0x400000, vmconst.PageSize-1, 0, true); err != vmerr.EINVAL {
		t.Fatalf("LoadExecSegment with misaligned total = %v, want EINVAL", err)
	}
}

func TestLoadExecThenFault(t *testing.T) {
	sp, ft, owner, sw := newTestRig(8)
	content := bytes.Repeat([]byte{0xAB}, vmconst.PageSize)
	file := fileobj.NewMemFile(content)

	if err := LoadExecSegment(sp, file, 0, 0x400000, int64(vmconst.PageSize), 0, false); err != vmerr.OK {
		t.Fatalf("LoadExecSegment: %v", err)
	}

	d, ok := sp.Lookup(0x400000)
	if !ok {
		t.Fatalf("Lookup after LoadExecSegment found nothing")
	}
	if d.Resident {
		t.Fatalf("descriptor resident before first fault")
	}

	if err := sp.Load(d, ft, owner, owner.pd, sw); err != vmerr.OK {
		t.Fatalf("Load: %v", err)
	}
	if !d.Resident {
		t.Fatalf("descriptor not resident after Load")
	}

	buf := make([]byte, vmconst.PageSize)
	ft.Read(d.KVA, buf)
	if !bytes.Equal(buf, content) {
		t.Fatalf("loaded page contents do not match file")
	}
}

func TestMMFileOverlapRejected(t *testing.T) {
	sp, _, _, _ := newTestRig(8)
	file := fileobj.NewMemFile(make([]byte, vmconst.PageSize*2))

	if err := LoadMMFileSegment(sp, file, 0, 0x500000, vmconst.PageSize*2, 0, true); err != vmerr.OK {
		t.Fatalf("first LoadMMFileSegment: %v", err)
	}
	if err := LoadMMFileSegment(sp, file, 0, 0x500000+vmconst.PageSize, vmconst.PageSize, 0, true); err != vmerr.EOVERLAP {
		t.Fatalf("overlapping LoadMMFileSegment = %v, want EOVERLAP", err)
	}
}

func TestInsertExecOverlapRejected(t *testing.T) {
	sp, _, _, _ := newTestRig(8)
	file := fileobj.NewMemFile(make([]byte, vmconst.PageSize))

	if err := sp.InsertExec(0x400000, file, 0, vmconst.PageSize, true); err != vmerr.OK {
		t.Fatalf("first InsertExec: %v", err)
	}
	if err := sp.InsertExec(0x400000, file, 0, vmconst.PageSize, true); err != vmerr.EOVERLAP {
		t.Fatalf("second InsertExec at same uva = %v, want EOVERLAP", err)
	}
}

func TestStackGrow(t *testing.T) {
	sp, ft, owner, _ := newTestRig(8)

	if err := sp.StackGrow(0x700000, ft, owner, owner.pd); err != vmerr.OK {
		t.Fatalf("StackGrow: %v", err)
	}
	d, ok := sp.Lookup(0x700000)
	if !ok || !d.Resident || d.Kind != SWAP {
		t.Fatalf("StackGrow descriptor = %+v, %v, want resident SWAP", d, ok)
	}

	if err := sp.StackGrow(0x700000, ft, owner, owner.pd); err != vmerr.EOVERLAP {
		t.Fatalf("StackGrow of an existing uva = %v, want EOVERLAP", err)
	}
}

func TestEvictThenReloadFromSwap(t *testing.T) {
	sp, ft, owner, sw := newTestRig(8)

	if err := sp.StackGrow(0x700000, ft, owner, owner.pd); err != vmerr.OK {
		t.Fatalf("StackGrow: %v", err)
	}
	d, _ := sp.Lookup(0x700000)
	ft.Write(d.KVA, bytes.Repeat([]byte{0x42}, vmconst.PageSize))

	slot, err := sw.SwapOut(bytes.Repeat([]byte{0x42}, vmconst.PageSize))
	if err != vmerr.OK {
		t.Fatalf("SwapOut: %v", err)
	}
	ft.Free(d.KVA)
	owner.pd.Clear(0x700000)
	sp.MarkEvicted(0x700000, slot)

	d2, ok := sp.Lookup(0x700000)
	if !ok || d2.Resident {
		t.Fatalf("descriptor after MarkEvicted = %+v, %v, want non-resident", d2, ok)
	}

	if err := sp.Load(d2, ft, owner, owner.pd, sw); err != vmerr.OK {
		t.Fatalf("Load after eviction: %v", err)
	}
	buf := make([]byte, vmconst.PageSize)
	ft.Read(d2.KVA, buf)
	if !bytes.Equal(buf, bytes.Repeat([]byte{0x42}, vmconst.PageSize)) {
		t.Fatalf("reloaded page contents did not round-trip through swap")
	}
}

func TestDestroyReleasesFrames(t *testing.T) {
	sp, ft, owner, sw := newTestRig(8)
	sp.StackGrow(0x700000, ft, owner, owner.pd)
	sp.StackGrow(0x700000-vmconst.PageSize, ft, owner, owner.pd)

	sp.Destroy(ft, owner.pd, sw, nil)

	if sp.Contains(0x700000) || sp.Contains(0x700000-vmconst.PageSize) {
		t.Fatalf("descriptors survived Destroy")
	}
	if _, ok := owner.pd.Translate(0x700000); ok {
		t.Fatalf("page directory mapping survived Destroy")
	}
}

func TestMarkEvictedUnknownUVAPanics(t *testing.T) {
	sp, _, _, _ := newTestRig(8)
	defer func() {
		if recover() == nil {
			t.Fatalf("MarkEvicted of an unknown uva did not panic")
		}
	}()
	sp.MarkEvicted(0x999000, swap.NoSlot)
}
