// Package caller provides a diagnostic logger that reports a condition only
// the first time a given call chain hits it, so a hot path that starts
// misbehaving (swap exhaustion, a degenerate eviction scan) logs once per
// call site instead of flooding output on every subsequent fault. Adapted
// from the teacher's biscuit/src/caller.Distinct_caller_t.
package caller

import (
	"fmt"
	"runtime"
	"sync"
)

// Distinct tracks which call chains have already fired. Zero value is
// usable but reports nothing until Enabled is set.
type Distinct struct {
	sync.Mutex
	Enabled bool
	seen    map[uintptr]bool
}

// poor-man's hash of the given RIP values, probably unique enough for a
// diagnostic dedup key.
func pchash(pcs []uintptr) uintptr {
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

// Len returns the number of distinct call chains recorded so far.
func (d *Distinct) Len() int {
	d.Lock()
	defer d.Unlock()
	return len(d.seen)
}

// Report returns true and a formatted stack trace the first time it is
// called from a given call chain, and false on every later call from that
// same chain. Call chains are identified by return address, not by any
// explicit tag. The recorded chain starts at the caller of the function
// that calls Report: that function's own frame is not part of the key, so
// two Report calls inside one function share dedup, while calls reached
// through different call sites of that function are reported separately.
func (d *Distinct) Report() (bool, string) {
	d.Lock()
	defer d.Unlock()
	if !d.Enabled {
		return false, ""
	}
	if d.seen == nil {
		d.seen = make(map[uintptr]bool)
	}

	pcs := make([]uintptr, 30)
	got := runtime.Callers(3, pcs)
	if got == 0 {
		return false, ""
	}
	pcs = pcs[:got]

	h := pchash(pcs)
	if d.seen[h] {
		return false, ""
	}
	d.seen[h] = true

	frames := runtime.CallersFrames(pcs)
	fs := ""
	for {
		fr, more := frames.Next()
		if fs == "" {
			fs = fmt.Sprintf("%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		} else {
			fs += fmt.Sprintf("\t%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		}
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}
	return true, fs
}
