package poller

import (
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/remotecc/remotecc/internal/logger"
	"github.com/remotecc/remotecc/pkg/netio"
)

// selectPoller multiplexes descriptors with select(2). It is the
// portable fallback and is also used by tests on every platform.
//
// select can watch at most FD_SETSIZE descriptors. When more are
// waiting, the least-recently-armed ones are left out of this poll
// round; the poll breaker is never left out.
type selectPoller struct {
	pollerBase
	readSet  unix.FdSet
	writeSet unix.FdSet
	maxFD    int

	armSeq    map[int]uint64
	seq       uint64
	evictions uint64
}

// NewSelectPoller creates a select(2)-based poller regardless of
// platform default.
func NewSelectPoller(breaker Descriptor, signaler *netio.Socket) Poller {
	p := &selectPoller{
		armSeq: make(map[int]uint64),
	}
	p.breaker = breaker
	p.signaler = signaler
	p.impl = p
	return p
}

// Registration only records arming recency; the descriptor sets are
// rebuilt from the descriptor map on every poll.
func (p *selectPoller) RegisterPollEvent(d Descriptor, t EventType) {
	p.seq++
	p.armSeq[d.FD()] = p.seq
}

func (p *selectPoller) UnregisterPollEvent(d Descriptor, t EventType) {}

func (p *selectPoller) RegisterTimeoutEvent(d Descriptor) {}

func (p *selectPoller) UnregisterTimeoutEvent(d Descriptor) {}

func (p *selectPoller) UnregisterDescriptor(d Descriptor) {
	delete(p.armSeq, d.FD())
}

func (p *selectPoller) prepare(descriptors map[int]Descriptor) {
	p.readSet.Zero()
	p.writeSet.Zero()

	breakerFD := p.breaker.FD()
	p.readSet.Set(breakerFD)
	p.maxFD = breakerFD

	waiting := make([]Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if d.FD() < 0 || d.FD() >= unix.FD_SETSIZE {
			continue
		}
		if !d.WaitReadable() && !d.WaitWritable() {
			continue
		}
		waiting = append(waiting, d)
	}

	// One slot is spent on the breaker.
	if len(waiting) >= unix.FD_SETSIZE {
		p.evictions++
		logger.Warn("waiting descriptors exceed FD_SETSIZE, evicting least-recently-armed",
			logger.KeyCount, len(waiting),
			"fd_setsize", unix.FD_SETSIZE,
			"evictions", p.evictions)
		sort.Slice(waiting, func(i, j int) bool {
			return p.armSeq[waiting[i].FD()] > p.armSeq[waiting[j].FD()]
		})
		waiting = waiting[:unix.FD_SETSIZE-1]
	}

	for _, d := range waiting {
		fd := d.FD()
		if d.WaitReadable() {
			p.readSet.Set(fd)
			if fd > p.maxFD {
				p.maxFD = fd
			}
		}
		if d.WaitWritable() {
			p.writeSet.Set(fd)
			if fd > p.maxFD {
				p.maxFD = fd
			}
		}
	}
}

func (p *selectPoller) pollInternal(timeout time.Duration) (int, error) {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	return unix.Select(p.maxFD+1, &p.readSet, &p.writeSet, nil, &tv)
}

type selectEnumerator struct {
	p       *selectPoller
	order   []Descriptor
	idx     int
	current Descriptor
}

func (p *selectPoller) enumerator(descriptors map[int]Descriptor) eventEnumerator {
	order := make([]Descriptor, 0, len(descriptors)+1)
	for _, d := range descriptors {
		order = append(order, d)
	}
	order = append(order, p.breaker)
	return &selectEnumerator{p: p, order: order}
}

func (e *selectEnumerator) next() Descriptor {
	if e.idx < len(e.order) {
		e.current = e.order[e.idx]
		e.idx++
		return e.current
	}
	e.current = nil
	return nil
}

func (e *selectEnumerator) isReadable() bool {
	return e.current != nil && e.current.FD() >= 0 && e.current.FD() < unix.FD_SETSIZE &&
		e.p.readSet.IsSet(e.current.FD())
}

func (e *selectEnumerator) isWritable() bool {
	return e.current != nil && e.current.FD() >= 0 && e.current.FD() < unix.FD_SETSIZE &&
		e.p.writeSet.IsSet(e.current.FD())
}
