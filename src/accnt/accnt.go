// Package accnt charges wall-clock time spent servicing page faults against
// the faulting process, separately from whatever CPU-burst accounting the
// embedding kernel already does. Adapted from the teacher's
// biscuit/src/accnt.Accnt_t, repurposed from user/system CPU time to
// fault-service time: IOns tracks time blocked on I/O, FaultNs tracks total
// time inside core's AddressSpace.Fault.
package vmaccnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counters accumulates per-process VM accounting. Safe for concurrent use;
// Snapshot takes a consistent view under the embedded mutex.
type Counters struct {
	sync.Mutex
	FaultNs int64 // total time spent inside Fault
	IOns    int64 // time spent blocked on I/O (core: swap-out of this process's evicted pages)
	Faults  int64 // number of faults serviced
	Evicts  int64 // number of this process's pages evicted
}

// Now returns the current time in nanoseconds, used to bracket a
// measurement with a matching FaultAdd/IOTime call.
func Now() int64 {
	return time.Now().UnixNano()
}

// FaultAdd records that one fault took delta nanoseconds to service.
func (c *Counters) FaultAdd(delta int64) {
	atomic.AddInt64(&c.FaultNs, delta)
	atomic.AddInt64(&c.Faults, 1)
}

// IOTime records delta nanoseconds spent blocked on I/O on behalf of this
// process.
func (c *Counters) IOTime(delta int64) {
	atomic.AddInt64(&c.IOns, delta)
}

// EvictAdd records that n of this process's pages were evicted.
func (c *Counters) EvictAdd(n int64) {
	atomic.AddInt64(&c.Evicts, n)
}

// Merge folds another process's counters into c, used when accounting must
// survive past the process that generated it (e.g. a reaped child's usage
// rolled into its parent).
func (c *Counters) Merge(o *Counters) {
	c.Lock()
	defer c.Unlock()
	atomic.AddInt64(&c.FaultNs, atomic.LoadInt64(&o.FaultNs))
	atomic.AddInt64(&c.IOns, atomic.LoadInt64(&o.IOns))
	atomic.AddInt64(&c.Faults, atomic.LoadInt64(&o.Faults))
	atomic.AddInt64(&c.Evicts, atomic.LoadInt64(&o.Evicts))
}

// Snapshot is a point-in-time copy of Counters, safe to pass by value.
type Snapshot struct {
	FaultNs int64
	IOns    int64
	Faults  int64
	Evicts  int64
}

// Snapshot returns a copy of the current counters.
func (c *Counters) Snapshot() Snapshot {
	c.Lock()
	defer c.Unlock()
	return Snapshot{
		FaultNs: atomic.LoadInt64(&c.FaultNs),
		IOns:    atomic.LoadInt64(&c.IOns),
		Faults:  atomic.LoadInt64(&c.Faults),
		Evicts:  atomic.LoadInt64(&c.Evicts),
	}
}
