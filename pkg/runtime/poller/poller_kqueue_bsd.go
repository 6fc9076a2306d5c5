//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package poller

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/remotecc/remotecc/internal/logger"
	"github.com/remotecc/remotecc/pkg/netio"
)

// kqueuePoller multiplexes descriptors with kqueue(2).
type kqueuePoller struct {
	pollerBase
	kq             int
	events         []unix.Kevent_t
	nfds           int
	timeoutWaiters map[int]Descriptor
}

func newPlatformPoller(breaker Descriptor, signaler *netio.Socket) Poller {
	kq, err := unix.Kqueue()
	if err != nil {
		logger.Error("kqueue failed", logger.KeyError, err.Error())
		panic(err)
	}
	p := &kqueuePoller{
		kq:             kq,
		timeoutWaiters: make(map[int]Descriptor),
	}
	p.breaker = breaker
	p.signaler = signaler
	p.impl = p

	p.change(breaker.FD(), unix.EVFILT_READ, unix.EV_ADD)
	return p
}

func (p *kqueuePoller) change(fd int, filter int16, flags uint16) {
	ev := unix.Kevent_t{Flags: flags, Filter: filter}
	ev.Ident = uint64(fd)
	if _, err := unix.Kevent(p.kq, []unix.Kevent_t{ev}, nil, nil); err != nil && err != unix.ENOENT {
		logger.Error("kevent change failed", logger.KeyFd, fd, logger.KeyError, err.Error())
	}
}

func (p *kqueuePoller) RegisterPollEvent(d Descriptor, t EventType) {
	switch t {
	case ReadEvent:
		p.change(d.FD(), unix.EVFILT_READ, unix.EV_ADD)
	case WriteEvent:
		p.change(d.FD(), unix.EVFILT_WRITE, unix.EV_ADD)
	}
}

func (p *kqueuePoller) UnregisterPollEvent(d Descriptor, t EventType) {
	switch t {
	case ReadEvent:
		p.change(d.FD(), unix.EVFILT_READ, unix.EV_DELETE)
	case WriteEvent:
		p.change(d.FD(), unix.EVFILT_WRITE, unix.EV_DELETE)
	}
}

func (p *kqueuePoller) RegisterTimeoutEvent(d Descriptor) {
	p.timeoutWaiters[d.FD()] = d
}

func (p *kqueuePoller) UnregisterTimeoutEvent(d Descriptor) {
	delete(p.timeoutWaiters, d.FD())
}

func (p *kqueuePoller) UnregisterDescriptor(d Descriptor) {
	delete(p.timeoutWaiters, d.FD())
	p.change(d.FD(), unix.EVFILT_READ, unix.EV_DELETE)
	p.change(d.FD(), unix.EVFILT_WRITE, unix.EV_DELETE)
}

func (p *kqueuePoller) prepare(descriptors map[int]Descriptor) {
	want := 2 * (len(descriptors) + 1)
	if cap(p.events) < want {
		p.events = make([]unix.Kevent_t, want)
	}
	p.events = p.events[:want]
	p.nfds = 0
}

func (p *kqueuePoller) pollInternal(timeout time.Duration) (int, error) {
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	n, err := unix.Kevent(p.kq, nil, p.events, &ts)
	if err != nil {
		return 0, err
	}
	p.nfds = n
	return n, nil
}

type kqueueEnumerator struct {
	p           *kqueuePoller
	descriptors map[int]Descriptor
	idx         int
	current     *unix.Kevent_t
	fired       map[int]bool
	waiters     []Descriptor
	widx        int
}

func (p *kqueuePoller) enumerator(descriptors map[int]Descriptor) eventEnumerator {
	waiters := make([]Descriptor, 0, len(p.timeoutWaiters))
	for _, d := range p.timeoutWaiters {
		waiters = append(waiters, d)
	}
	return &kqueueEnumerator{
		p:           p,
		descriptors: descriptors,
		fired:       make(map[int]bool),
		waiters:     waiters,
	}
}

func (e *kqueueEnumerator) next() Descriptor {
	for e.idx < e.p.nfds {
		ev := &e.p.events[e.idx]
		e.idx++
		fd := int(ev.Ident)
		e.current = ev
		e.fired[fd] = true
		if fd == e.p.breaker.FD() {
			return e.p.breaker
		}
		if d, ok := e.descriptors[fd]; ok {
			return d
		}
	}
	e.current = nil
	for e.widx < len(e.waiters) {
		d := e.waiters[e.widx]
		e.widx++
		if !e.fired[d.FD()] {
			return d
		}
	}
	return nil
}

func (e *kqueueEnumerator) isReadable() bool {
	return e.current != nil && e.current.Filter == unix.EVFILT_READ
}

func (e *kqueueEnumerator) isWritable() bool {
	return e.current != nil && e.current.Filter == unix.EVFILT_WRITE
}
