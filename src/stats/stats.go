// Package vmstats provides toggleable counters for the virtual memory core:
// faults, evictions, swap-ins/outs, mmap write-backs. Adapted from the
// teacher's biscuit/src/stats.Counter_t/Cycles_t, which compile to no-ops
// when disabled so a production build pays nothing for instrumentation.
// The teacher's Cycles_t measures raw TSC cycles via a runtime.Rdtsc
// intrinsic that only exists in biscuit's self-hosted runtime fork; this
// module measures wall-clock nanoseconds via time.Now instead, since a
// standalone module has no such intrinsic to call.
package vmstats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Enabled toggles whether Counter/Duration record anything. Like the
// teacher's Stats/Timing consts, this is meant to be flipped once at
// program init, not raced on a hot path.
var Enabled = false

// Counter is a monotonically increasing event count.
type Counter int64

// Inc increments the counter when stats are enabled.
func (c *Counter) Inc() {
	if Enabled {
		atomic.AddInt64((*int64)(c), 1)
	}
}

// Duration accumulates elapsed nanoseconds.
type Duration int64

// Since adds the elapsed time since start to the duration when stats are
// enabled.
func (d *Duration) Since(start time.Time) {
	if Enabled {
		atomic.AddInt64((*int64)(d), int64(time.Since(start)))
	}
}

// String renders every Counter and Duration field of st (a struct value,
// not a pointer) into a human-readable report. Returns "" when stats are
// disabled.
func String(st interface{}) string {
	if !Enabled {
		return ""
	}
	v := reflect.ValueOf(st)
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		name := v.Type().Field(i).Name
		switch {
		case strings.HasSuffix(t, "Counter"):
			n := v.Field(i).Interface().(Counter)
			s += "\n\t" + name + ": " + strconv.FormatInt(int64(n), 10)
		case strings.HasSuffix(t, "Duration"):
			n := v.Field(i).Interface().(Duration)
			s += "\n\t" + name + ": " + time.Duration(n).String()
		}
	}
	return s + "\n"
}

// Counters is the fixed set of VM-core-wide stats vmcore.Core maintains.
type Counters struct {
	Faults       Counter
	Evictions    Counter
	SwapOuts     Counter
	SwapIns      Counter
	WriteBacks   Counter
	FaultLatency Duration
	EvictLatency Duration
}
