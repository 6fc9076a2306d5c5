// Package runtime implements the event-driven I/O runtime of the
// dispatcher: a fixed pool of workers, each running a cooperative
// dispatch loop over four priority queues, a descriptor poller, and
// delayed and periodic closures.
package runtime

import (
	"sync"
	"sync/atomic"
)

// Priority orders closures within a worker. Higher priorities empty
// before lower ones are drained.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMed
	PriorityHigh
	PriorityImmediate

	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMed:
		return "med"
	case PriorityHigh:
		return "high"
	case PriorityImmediate:
		return "immediate"
	default:
		return "unknown"
	}
}

// Closure is a unit of deferred work. A one-shot closure is consumed
// by its first Run; a permanent closure is re-runnable and is used for
// descriptor callbacks and periodic work.
type Closure struct {
	location  string
	fn        func()
	permanent bool
	ran       atomic.Bool
}

// NewCallback returns a one-shot closure. location names the call
// site for diagnostics, e.g. "httprpc.DoRead".
func NewCallback(location string, fn func()) *Closure {
	return &Closure{location: location, fn: fn}
}

// NewPermanentCallback returns a re-runnable closure.
func NewPermanentCallback(location string, fn func()) *Closure {
	return &Closure{location: location, fn: fn, permanent: true}
}

// Run executes the closure. Running a one-shot closure twice is a
// programming error and is ignored.
func (c *Closure) Run() {
	if c == nil || c.fn == nil {
		return
	}
	if !c.permanent && !c.ran.CompareAndSwap(false, true) {
		return
	}
	c.fn()
}

// Permanent reports whether the closure may run more than once.
func (c *Closure) Permanent() bool { return c.permanent }

// Location returns the call site the closure was created at.
func (c *Closure) Location() string { return c.location }

// CancelableClosure holds a nullable inner closure whose target can be
// dropped before invocation; the shell is drained harmlessly.
type CancelableClosure struct {
	mu       sync.Mutex
	location string
	inner    *Closure
}

// NewCancelableClosure wraps closure so it can be canceled later.
func NewCancelableClosure(location string, closure *Closure) *CancelableClosure {
	return &CancelableClosure{location: location, inner: closure}
}

// Cancel drops the inner closure. Subsequent Run calls do nothing.
func (c *CancelableClosure) Cancel() {
	c.mu.Lock()
	c.inner = nil
	c.mu.Unlock()
}

// take removes and returns the inner closure, or nil if canceled.
func (c *CancelableClosure) take() *Closure {
	c.mu.Lock()
	inner := c.inner
	c.inner = nil
	c.mu.Unlock()
	return inner
}

// Location returns the call site the closure was created at.
func (c *CancelableClosure) Location() string { return c.location }
