package core

import (
	"bytes"
	"testing"

	"blockdev"
	"fileobj"
	"frame"
	"pagedir"
	"spt"
	"swap"
	"vmconst"
	"vmerr"
	"vmstats"
)

func newTestCore(ncapacity int) *Core {
	alloc := frame.NewMemAllocator(ncapacity, vmconst.PageSize)
	dev := blockdev.NewMemDisk(16*vmconst.SectorsPerPage, vmconst.SectorSize)
	return New(alloc, dev)
}

func newTestAS(c *Core) *AddressSpace {
	pd := pagedir.NewSimDir()
	return NewAddressSpace(c, pd, UserRange{Low: 0x400000, High: 0x800000}, 0x700000)
}

func TestFaultOutsideUserRange(t *testing.T) {
	c := newTestCore(4)
	as := newTestAS(c)

	if err := as.Fault(0x100, 0x700000); err != vmerr.EFAULT {
		t.Fatalf("Fault outside user range = %v, want EFAULT", err)
	}
}

func TestFaultLoadsExecSegmentLazily(t *testing.T) {
	vmstats.Enabled = true
	defer func() { vmstats.Enabled = false }()

	c := newTestCore(4)
	as := newTestAS(c)

	content := bytes.Repeat([]byte{0x11}, vmconst.PageSize)
	file := fileobj.NewMemFile(content)
	if err := as.LoadExecSegment(file, 0, 0x400000, int64(vmconst.PageSize), 0, false); err != vmerr.OK {
		t.Fatalf("LoadExecSegment: %v", err)
	}

	if err := as.Fault(0x400000+10, 0x700000); err != vmerr.OK {
		t.Fatalf("Fault on a lazily mapped exec page: %v", err)
	}
	if c.Stats.Faults == 0 {
		t.Fatalf("fault counter not incremented")
	}
}

func TestFaultGrowsStackWithinWindow(t *testing.T) {
	c := newTestCore(4)
	as := newTestAS(c)

	sp := uintptr(0x700000 + 100)
	faultVA := sp - 16 // within the 32-byte PUSHA window
	if err := as.Fault(faultVA, sp); err != vmerr.OK {
		t.Fatalf("Fault within stack growth window: %v", err)
	}
}

func TestFaultGrowsStackBelowPageAlignedSP(t *testing.T) {
	c := newTestCore(4)
	as := newTestAS(c)

	// A page-aligned sp with a fault just below it, inside the PUSHA
	// window, rounds uva down to the page below sp's own page; only
	// comparing against the unrounded faulting va makes this eligible.
	sp := uintptr(0x700000 + 0x1000)
	for _, off := range []uintptr{4, 32} {
		faultVA := sp - off
		if err := as.Fault(faultVA, sp); err != vmerr.OK {
			t.Fatalf("Fault at sp-%d below page-aligned sp = %v, want OK", off, err)
		}
	}
}

func TestFaultDeniesBeyondStackWindow(t *testing.T) {
	c := newTestCore(4)
	as := newTestAS(c)

	sp := uintptr(0x700000 + 100000)
	faultVA := sp - uintptr(vmconst.StackGrowLimit) - uintptr(vmconst.PageSize)
	if err := as.Fault(faultVA, sp); err != vmerr.EFAULT {
		t.Fatalf("Fault far below sp = %v, want EFAULT", err)
	}
}

func TestMmapMunmapRoundTrip(t *testing.T) {
	c := newTestCore(4)
	as := newTestAS(c)

	file := fileobj.NewMemFile(bytes.Repeat([]byte{0x55}, vmconst.PageSize))
	id, err := as.Mmap(3, file, 0x500000)
	if err != vmerr.OK {
		t.Fatalf("Mmap: %v", err)
	}

	if err := as.Fault(0x500000, 0x700000); err != vmerr.OK {
		t.Fatalf("Fault on mmap'd page: %v", err)
	}

	if err := as.Munmap(id); err != vmerr.OK {
		t.Fatalf("Munmap: %v", err)
	}
}

func TestEvictionUnderPressureSwapsOutAnonymousPage(t *testing.T) {
	c := newTestCore(1)
	as := newTestAS(c)

	sp := uintptr(0x700000 + 4096*10)
	if err := as.Fault(sp-16, sp); err != vmerr.OK {
		t.Fatalf("first stack fault: %v", err)
	}
	// Dirty the resident page; an anonymous page is swapped out on
	// eviction whether or not it is dirty.
	as.pd.(*pagedir.SimDir).Touch(vmconst.PageRounddown(sp-16), true)

	sp2 := uintptr(0x700000 + 4096*20)
	if err := as.Fault(sp2-16, sp2); err != vmerr.OK {
		t.Fatalf("second stack fault triggering eviction: %v", err)
	}

	if c.Swap.Occupancy() != 1 {
		t.Fatalf("Swap.Occupancy() = %d, want 1 after evicting a dirty page", c.Swap.Occupancy())
	}
}

func TestDirtyWritableExecPageSurvivesEviction(t *testing.T) {
	c := newTestCore(1)
	as := newTestAS(c)

	original := bytes.Repeat([]byte{0x11}, vmconst.PageSize)
	file := fileobj.NewMemFile(original)
	if err := as.LoadExecSegment(file, 0, 0x400000, int64(vmconst.PageSize), 0, true); err != vmerr.OK {
		t.Fatalf("LoadExecSegment: %v", err)
	}

	if err := as.Fault(0x400000, 0x700000); err != vmerr.OK {
		t.Fatalf("first fault on exec page: %v", err)
	}

	d, ok := as.spt.Lookup(0x400000)
	if !ok {
		t.Fatalf("no descriptor at 0x400000")
	}
	modified := bytes.Repeat([]byte{0x99}, vmconst.PageSize)
	as.core.Frames.Write(d.KVA, modified)
	as.pd.(*pagedir.SimDir).Touch(0x400000, true)

	// Force eviction of the sole frame by faulting a second page; the
	// pool has room for exactly one resident page.
	sp := uintptr(0x700000 + 4096*10)
	if err := as.Fault(sp-16, sp); err != vmerr.OK {
		t.Fatalf("second fault triggering eviction: %v", err)
	}

	if d.Kind != spt.SWAP {
		t.Fatalf("evicted writable exec descriptor Kind = %v, want SWAP", d.Kind)
	}
	if d.SwapSlot == swap.NoSlot {
		t.Fatalf("evicted writable exec descriptor has no swap slot recorded")
	}

	if err := as.Fault(0x400000, 0x700000+4096*20); err != vmerr.OK {
		t.Fatalf("reload after eviction: %v", err)
	}
	got := make([]byte, vmconst.PageSize)
	as.core.Frames.Read(d.KVA, got)
	if !bytes.Equal(got, modified) {
		t.Fatalf("reloaded exec page lost its dirty write; got first byte %#x, want %#x", got[0], modified[0])
	}
}

func TestTeardownReleasesAllFrames(t *testing.T) {
	c := newTestCore(4)
	as := newTestAS(c)

	file := fileobj.NewMemFile(bytes.Repeat([]byte{1}, vmconst.PageSize))
	id, _ := as.Mmap(3, file, 0x500000)
	as.Fault(0x500000, 0x700000)
	d, _ := as.spt.Lookup(0x500000)
	kva := d.KVA

	_ = id
	as.Teardown()

	if _, ok := as.spt.Lookup(0x500000); ok {
		t.Fatalf("spt descriptor survived Teardown")
	}
	if _, ok := c.Frames.Lookup(kva); ok {
		t.Fatalf("frame %#x still in the frame table after Teardown", kva)
	}
}

func TestAccountingReflectsFaults(t *testing.T) {
	c := newTestCore(4)
	as := newTestAS(c)

	file := fileobj.NewMemFile(bytes.Repeat([]byte{1}, vmconst.PageSize))
	as.LoadExecSegment(file, 0, 0x400000, int64(vmconst.PageSize), 0, false)
	as.Fault(0x400000, 0x700000)

	snap := as.Accounting()
	if snap.Faults != 1 {
		t.Fatalf("Accounting().Faults = %d, want 1", snap.Faults)
	}
}
