package engine

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Stats is a snapshot of the engine counters.
type Stats struct {
	Sent      int64 // request transmissions, resends included
	Retries   int64
	OK        int64
	Errors    int64
	Timeouts  int64
	Aborts    int64
	URCFrames int64 // URC handler invocations
	URCDrops  int64 // URC frames dropped for lack of buffer space
	Overruns  int64
	Orphans   int64 // bytes received with nothing active

	Pending int

	// CurMemory and MaxMemory track bytes held by buffers and queued items.
	CurMemory int64
	MaxMemory int64
}

type counters struct {
	sent      *xsync.Counter
	retries   *xsync.Counter
	ok        *xsync.Counter
	errors    *xsync.Counter
	timeouts  *xsync.Counter
	aborts    *xsync.Counter
	urcFrames *xsync.Counter
	urcDrops  *xsync.Counter
	overruns  *xsync.Counter
	orphans   *xsync.Counter
	memory    *xsync.Counter
	maxMemory atomic.Int64
}

func newCounters() *counters {
	return &counters{
		sent:      xsync.NewCounter(),
		retries:   xsync.NewCounter(),
		ok:        xsync.NewCounter(),
		errors:    xsync.NewCounter(),
		timeouts:  xsync.NewCounter(),
		aborts:    xsync.NewCounter(),
		urcFrames: xsync.NewCounter(),
		urcDrops:  xsync.NewCounter(),
		overruns:  xsync.NewCounter(),
		orphans:   xsync.NewCounter(),
		memory:    xsync.NewCounter(),
	}
}

func (c *counters) alloc(n int64) {
	c.memory.Add(n)
	cur := c.memory.Value()
	for {
		peak := c.maxMemory.Load()
		if cur <= peak || c.maxMemory.CompareAndSwap(peak, cur) {
			return
		}
	}
}

func (c *counters) free(n int64) {
	c.memory.Add(-n)
}

func (c *counters) result(code Code) {
	switch code {
	case CodeOK:
		c.ok.Inc()
	case CodeError:
		c.errors.Inc()
	case CodeTimeout:
		c.timeouts.Inc()
	case CodeAbort:
		c.aborts.Inc()
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Sent:      c.sent.Value(),
		Retries:   c.retries.Value(),
		OK:        c.ok.Value(),
		Errors:    c.errors.Value(),
		Timeouts:  c.timeouts.Value(),
		Aborts:    c.aborts.Value(),
		URCFrames: c.urcFrames.Value(),
		URCDrops:  c.urcDrops.Value(),
		Overruns:  c.overruns.Value(),
		Orphans:   c.orphans.Value(),
		CurMemory: c.memory.Value(),
		MaxMemory: c.maxMemory.Load(),
	}
}
