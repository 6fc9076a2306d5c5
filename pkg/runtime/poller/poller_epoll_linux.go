package poller

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/remotecc/remotecc/internal/logger"
	"github.com/remotecc/remotecc/pkg/netio"
)

// epollPoller multiplexes descriptors with epoll(7). Timeout-only
// descriptors are tracked in a side set and visited after the fired
// events.
type epollPoller struct {
	pollerBase
	epfd           int
	events         []unix.EpollEvent
	nfds           int
	timeoutWaiters map[int]Descriptor
}

func newPlatformPoller(breaker Descriptor, signaler *netio.Socket) Poller {
	return newEpollPoller(breaker, signaler)
}

func newEpollPoller(breaker Descriptor, signaler *netio.Socket) Poller {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		logger.Error("epoll_create1 failed", logger.KeyError, err.Error())
		panic(err)
	}
	p := &epollPoller{
		epfd:           epfd,
		timeoutWaiters: make(map[int]Descriptor),
	}
	p.breaker = breaker
	p.signaler = signaler
	p.impl = p

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(breaker.FD())}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, breaker.FD(), &ev); err != nil {
		panic(err)
	}
	return p
}

func (p *epollPoller) interestOf(d Descriptor, t EventType, registering bool) uint32 {
	var events uint32
	if (registering && t == ReadEvent) || d.WaitReadable() {
		events |= unix.EPOLLIN
	}
	if (registering && t == WriteEvent) || d.WaitWritable() {
		events |= unix.EPOLLOUT
	}
	return events
}

func (p *epollPoller) RegisterPollEvent(d Descriptor, t EventType) {
	ev := unix.EpollEvent{Events: p.interestOf(d, t, true), Fd: int32(d.FD())}
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, d.FD(), &ev)
	if err == unix.EEXIST {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, d.FD(), &ev)
	}
	if err != nil {
		logger.Error("epoll_ctl add failed", logger.KeyFd, d.FD(), logger.KeyError, err.Error())
	}
}

func (p *epollPoller) UnregisterPollEvent(d Descriptor, t EventType) {
	events := p.interestOf(d, t, false)
	op := unix.EPOLL_CTL_DEL
	if events != 0 {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(d.FD())}
	if err := unix.EpollCtl(p.epfd, op, d.FD(), &ev); err != nil && err != unix.ENOENT {
		logger.Error("epoll_ctl mod/del failed", logger.KeyFd, d.FD(), logger.KeyError, err.Error())
	}
}

func (p *epollPoller) RegisterTimeoutEvent(d Descriptor) {
	p.timeoutWaiters[d.FD()] = d
}

func (p *epollPoller) UnregisterTimeoutEvent(d Descriptor) {
	delete(p.timeoutWaiters, d.FD())
}

func (p *epollPoller) UnregisterDescriptor(d Descriptor) {
	delete(p.timeoutWaiters, d.FD())
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, d.FD(), nil); err != nil && err != unix.ENOENT {
		logger.Error("epoll_ctl del failed", logger.KeyFd, d.FD(), logger.KeyError, err.Error())
	}
}

func (p *epollPoller) prepare(descriptors map[int]Descriptor) {
	want := len(descriptors) + 1
	if cap(p.events) < want {
		p.events = make([]unix.EpollEvent, want)
	}
	p.events = p.events[:want]
	p.nfds = 0
}

func (p *epollPoller) pollInternal(timeout time.Duration) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.events, int(timeout/time.Millisecond))
	if err != nil {
		return 0, err
	}
	p.nfds = n
	return n, nil
}

type epollEnumerator struct {
	p           *epollPoller
	descriptors map[int]Descriptor
	idx         int
	current     *unix.EpollEvent
	fired       map[int]bool
	waiters     []Descriptor
	widx        int
}

func (p *epollPoller) enumerator(descriptors map[int]Descriptor) eventEnumerator {
	waiters := make([]Descriptor, 0, len(p.timeoutWaiters))
	for _, d := range p.timeoutWaiters {
		waiters = append(waiters, d)
	}
	return &epollEnumerator{
		p:           p,
		descriptors: descriptors,
		fired:       make(map[int]bool),
		waiters:     waiters,
	}
}

func (e *epollEnumerator) next() Descriptor {
	// Fired events first.
	for e.idx < e.p.nfds {
		ev := &e.p.events[e.idx]
		e.idx++
		fd := int(ev.Fd)
		e.current = ev
		e.fired[fd] = true
		if fd == e.p.breaker.FD() {
			return e.p.breaker
		}
		if d, ok := e.descriptors[fd]; ok {
			return d
		}
		// Stale event for a descriptor deleted this tick.
	}
	e.current = nil
	// Then timeout waiters that had no event.
	for e.widx < len(e.waiters) {
		d := e.waiters[e.widx]
		e.widx++
		if !e.fired[d.FD()] {
			return d
		}
	}
	return nil
}

func (e *epollEnumerator) isReadable() bool {
	// HUP/ERR surface through the read path so the callback can
	// observe EOF or the socket error.
	return e.current != nil && e.current.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0
}

func (e *epollEnumerator) isWritable() bool {
	return e.current != nil && e.current.Events&unix.EPOLLOUT != 0
}
