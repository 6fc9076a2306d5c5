// Package poller abstracts the OS readiness multiplexer used by the
// worker runtime. One poller instance exists per worker; a dedicated
// poll-breaker pipe wakes the poller when work is submitted from
// another goroutine.
package poller

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/remotecc/remotecc/internal/logger"
	"github.com/remotecc/remotecc/pkg/netio"
)

// EventType selects read or write interest for a descriptor.
type EventType int

const (
	ReadEvent EventType = iota
	WriteEvent
)

// Descriptor is the poller's view of a socket descriptor. The worker's
// SocketDescriptor implements it.
type Descriptor interface {
	FD() int
	Priority() int

	// WaitReadable reports whether a readable callback is armed and
	// not already queued; analogous for WaitWritable.
	WaitReadable() bool
	WaitWritable() bool

	// ReadableTask returns a one-shot task delivering the readable
	// callback, or nil if none should be queued. The call marks the
	// callback as in-queue. Analogous for WritableTask and
	// TimeoutTask.
	ReadableTask() func()
	WritableTask() func()
	TimeoutTask() func()

	Read(p []byte) (int, error)
}

// CallbackQueue collects tasks fired by a poll, grouped by priority.
type CallbackQueue map[int][]func()

// Poller is the OS multiplexer capability. Register/Unregister may be
// called from other goroutines with the worker lock held; PollEvents
// runs only on the worker's own goroutine.
type Poller interface {
	RegisterPollEvent(d Descriptor, t EventType)
	UnregisterPollEvent(d Descriptor, t EventType)
	RegisterTimeoutEvent(d Descriptor)
	UnregisterTimeoutEvent(d Descriptor)
	UnregisterDescriptor(d Descriptor)

	// PollEvents blocks for at most timeout, then queues callbacks
	// for every fired descriptor whose priority is strictly greater
	// than minPriority. mu is released for the duration of the OS
	// wait. Returns true if the poll breaker fired, and also when the
	// wait timed out or failed.
	PollEvents(descriptors map[int]Descriptor, timeout time.Duration, minPriority int, callbacks CallbackQueue, mu *sync.Mutex) bool

	// Signal wakes the poller; idempotent, callable from any
	// goroutine.
	Signal()
}

// New creates the platform-default poller (epoll on Linux, kqueue on
// BSD/Darwin). The poller takes ownership of both ends of the breaker
// pipe: breaker is the read end, already wrapped as a Descriptor;
// signaler is the raw write end.
func New(breaker Descriptor, signaler *netio.Socket) Poller {
	return newPlatformPoller(breaker, signaler)
}

// hooks are the per-implementation steps of PollEvents.
type hooks interface {
	// prepare runs with the lock held, before the OS wait.
	prepare(descriptors map[int]Descriptor)
	// pollInternal does the OS wait; returns the number of fired
	// descriptors, 0 on timeout.
	pollInternal(timeout time.Duration) (int, error)
	// enumerator iterates descriptors that fired (and, after a
	// timeout, the timeout waiters).
	enumerator(descriptors map[int]Descriptor) eventEnumerator
}

type eventEnumerator interface {
	// next returns the next descriptor with events, or nil.
	next() Descriptor
	isReadable() bool
	isWritable() bool
}

// pollerBase implements the PollEvents/Signal skeleton shared by all
// multiplexers.
type pollerBase struct {
	breaker  Descriptor
	signaler *netio.Socket
	impl     hooks
}

func (p *pollerBase) PollEvents(descriptors map[int]Descriptor, timeout time.Duration, minPriority int, callbacks CallbackQueue, mu *sync.Mutex) bool {
	p.impl.prepare(descriptors)

	mu.Unlock()
	n, err := p.impl.pollInternal(timeout)
	mu.Lock()

	if err != nil {
		if !errors.Is(err, unix.EINTR) {
			logger.Warn("poll failed", logger.KeyError, err.Error())
		}
		return true
	}

	if n == 0 {
		// Timed out; only timeout waiters may fire.
		enum := p.impl.enumerator(descriptors)
		for d := enum.next(); d != nil; d = enum.next() {
			if d.FD() < 0 || d.FD() == p.breaker.FD() || d.Priority() <= minPriority {
				continue
			}
			if d.WaitReadable() || d.WaitWritable() {
				if task := d.TimeoutTask(); task != nil {
					callbacks[d.Priority()] = append(callbacks[d.Priority()], task)
				}
			}
		}
		return true
	}

	broke := false
	enum := p.impl.enumerator(descriptors)
	for d := enum.next(); d != nil; d = enum.next() {
		if d.FD() < 0 {
			continue
		}
		if d.FD() == p.breaker.FD() {
			if enum.isReadable() {
				// Signalling from a cross-goroutine submission;
				// drain whatever accumulated.
				var buf [256]byte
				if _, err := p.breaker.Read(buf[:]); err != nil && !netio.IsRetryable(err) {
					logger.Warn("poll breaker read failed", logger.KeyError, err.Error())
				}
				broke = true
			}
			continue
		}
		if d.Priority() <= minPriority {
			continue
		}

		idle := true
		if enum.isReadable() {
			if task := d.ReadableTask(); task != nil {
				callbacks[d.Priority()] = append(callbacks[d.Priority()], task)
				idle = false
			}
		}
		if enum.isWritable() {
			if task := d.WritableTask(); task != nil {
				callbacks[d.Priority()] = append(callbacks[d.Priority()], task)
				idle = false
			}
		}
		if idle {
			if task := d.TimeoutTask(); task != nil {
				callbacks[d.Priority()] = append(callbacks[d.Priority()], task)
			}
		}
	}
	return broke
}

func (p *pollerBase) Signal() {
	if _, err := p.signaler.Write([]byte{0}); err != nil && !netio.IsRetryable(err) {
		logger.Warn("poll signal failed", logger.KeyError, err.Error())
	}
}
