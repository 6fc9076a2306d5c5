package runtime

import (
	"container/heap"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/remotecc/remotecc/internal/logger"
	"github.com/remotecc/remotecc/pkg/netio"
	"github.com/remotecc/remotecc/pkg/runtime/poller"
)

const (
	// Default descriptor polling timeout. Shortened to zero when
	// lower-priority closures are pending, or to the next delayed
	// closure's due time.
	defaultPollInterval = 500 * time.Millisecond

	// A closure running longer than this is logged with its call
	// site.
	longClosureWarn = 60 * time.Second

	// A closure waiting in a queue longer than this is logged.
	longWaitWarn = 60 * time.Second
)

// closureData is a queued closure plus bookkeeping for diagnostics.
type closureData struct {
	location  string
	closure   *Closure
	queuelen  int
	tick      int
	timestamp time.Duration
}

// DelayedClosure is a closure scheduled to run after a delay. Cancel
// drops the target; the shell drains harmlessly.
type DelayedClosure struct {
	CancelableClosure
	due time.Duration
}

func (d *DelayedClosure) run() {
	if closure := d.take(); closure != nil {
		closure.Run()
	} else {
		logger.Debug("delayed closure canceled", logger.KeyLocation, d.Location())
	}
}

// delayedQueue is a min-heap of delayed closures keyed by due time.
type delayedQueue []*DelayedClosure

func (q delayedQueue) Len() int            { return len(q) }
func (q delayedQueue) Less(i, j int) bool  { return q[i].due < q[j].due }
func (q delayedQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *delayedQueue) Push(x interface{}) { *q = append(*q, x.(*DelayedClosure)) }
func (q *delayedQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// PeriodicClosureID identifies a registered periodic closure.
type PeriodicClosureID int

// InvalidPeriodicClosureID is never returned by a registration.
const InvalidPeriodicClosureID PeriodicClosureID = -1

type periodicClosure struct {
	id       PeriodicClosureID
	location string
	last     time.Duration
	period   time.Duration
	closure  *Closure // permanent
}

// getClosure returns the closure if its period elapsed, advancing the
// schedule.
func (p *periodicClosure) getClosure(now time.Duration) *Closure {
	if now >= p.last+p.period {
		p.last = now
		return p.closure
	}
	return nil
}

// unregisteredClosureData reports completion of a blocking periodic
// unregistration back to the caller's goroutine.
type unregisteredClosureData struct {
	mu       sync.Mutex
	done     bool
	location string
}

func (u *unregisteredClosureData) setDone() {
	u.mu.Lock()
	u.done = true
	u.mu.Unlock()
}

func (u *unregisteredClosureData) isDone() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.done
}

// Worker runs a cooperative dispatch loop on its own goroutine: pop
// one closure, run it, poll descriptors, repeat. All descriptors
// registered on a worker are serviced only by that worker.
type Worker struct {
	pool  int
	name  string
	start time.Time

	mu           sync.Mutex
	pendings     [numPriorities][]closureData
	maxQueueLen  [numPriorities]int
	maxWait      [numPriorities]time.Duration
	delayed      delayedQueue
	periodic     []*periodicClosure
	descriptors  map[int]poller.Descriptor
	sds          map[int]*SocketDescriptor
	poller       poller.Poller
	pollInterval time.Duration
	current      closureData
	tick         int
	shuttingDown bool
	quit         bool

	// nowNS caches "now" for the duration of one dispatch; touched
	// only on the worker goroutine.
	nowNS int64

	done chan struct{}
}

// PollerFactory constructs the descriptor poller for a worker. The
// default builds the platform poller; tests may substitute the select
// implementation.
type PollerFactory func(breaker poller.Descriptor, signaler *netio.Socket) poller.Poller

func newWorker(pool int, name string, factory PollerFactory) *Worker {
	w := &Worker{
		pool:        pool,
		name:        name,
		start:       time.Now(),
		descriptors: make(map[int]poller.Descriptor),
		sds:         make(map[int]*SocketDescriptor),
		done:        make(chan struct{}),
	}

	pr, pw, err := netio.Pipe()
	if err != nil {
		panic(fmt.Sprintf("runtime: cannot create poll breaker: %v", err))
	}
	breaker := newSocketDescriptor(pr, PriorityHigh, w)
	if factory == nil {
		factory = poller.New
	}
	w.poller = factory(breaker, pw)
	return w
}

// Pool returns the worker's pool tag.
func (w *Worker) Pool() int { return w.pool }

// Name returns the worker's name.
func (w *Worker) Name() string { return w.name }

// NowCached returns the time since worker start, cached for the
// duration of the current dispatch. Only meaningful on the worker
// goroutine.
func (w *Worker) NowCached() time.Duration {
	if w.nowNS == 0 {
		w.nowNS = time.Since(w.start).Nanoseconds()
	}
	return time.Duration(w.nowNS)
}

// now returns a fresh time since worker start; safe from any
// goroutine.
func (w *Worker) now() time.Duration {
	return time.Since(w.start)
}

// Start launches the dispatch goroutine.
func (w *Worker) Start() {
	go w.threadMain()
}

// Shutdown makes delayed closures run as soon as possible.
func (w *Worker) Shutdown() {
	w.mu.Lock()
	w.shuttingDown = true
	w.mu.Unlock()
}

// Quit requests the dispatch loop to terminate once drained.
func (w *Worker) Quit() {
	w.mu.Lock()
	w.shuttingDown = true
	w.quit = true
	w.mu.Unlock()
	w.poller.Signal()
}

// Join waits for the dispatch loop to finish. Call Quit first.
func (w *Worker) Join() {
	<-w.done
}

func (w *Worker) threadMain() {
	for w.dispatch() {
	}
	logger.Debug("dispatch loop finished", logger.KeyWorker, w.name)
	close(w.done)
}

// dispatch runs one iteration: pick the next closure and run it.
// Returns false when the worker should terminate.
func (w *Worker) dispatch() bool {
	w.nowNS = 0
	c, ok := w.nextClosure()
	if !ok {
		return false
	}
	if c.closure == nil {
		return true
	}
	started := time.Since(w.start)
	c.closure.Run()
	elapsed := time.Since(w.start) - started
	if elapsed > longClosureWarn {
		logger.Warn("closure ran too long",
			logger.KeyWorker, w.name,
			logger.KeyDurationMs, float64(elapsed.Milliseconds()),
			logger.KeyLocation, c.location)
	}
	return true
}

// nextClosure picks the next closure to run, polling descriptors as
// needed. Implements the dispatch algorithm: immediate first, then a
// poll bounded by pending and delayed work, then promotion of
// delayed, periodic and descriptor callbacks, then the highest
// non-empty queue.
func (w *Worker) nextClosure() (closureData, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.tick++
	w.current = closureData{location: "idle"}

	pollInterval := defaultPollInterval
	minPriority := int(PriorityImmediate)
	for priority := PriorityImmediate; priority >= PriorityLow; priority-- {
		if len(w.pendings[priority]) > 0 {
			// Immediate preempts descriptor processing entirely.
			if priority == PriorityImmediate {
				w.current = w.getClosure(priority)
				return w.current, true
			}
			// Lower priorities wait for one descriptor check.
			pollInterval = 0
			minPriority = int(priority)
			break
		}
		minPriority = int(priority) - 1
	}

	if pollInterval > 0 && len(w.delayed) > 0 {
		nextDelay := w.delayed[0].due - w.now()
		if nextDelay < 0 {
			nextDelay = 0
		}
		if nextDelay < pollInterval {
			pollInterval = nextDelay
		}
	}
	w.pollInterval = pollInterval

	ioPendings := make(poller.CallbackQueue)
	pollStart := time.Since(w.start)
	w.poller.PollEvents(w.descriptors, pollInterval, minPriority, ioPendings, &w.mu)
	w.nowNS = time.Since(w.start).Nanoseconds()
	pollElapsed := w.NowCached() - pollStart
	if pollInterval > 0 && pollElapsed > pollInterval+pollInterval/10 {
		logger.Warn("poll too slow",
			logger.KeyWorker, w.name,
			logger.KeyDurationMs, float64(pollElapsed.Milliseconds()),
			"interval_ms", float64(pollInterval.Milliseconds()),
			"descriptors", len(w.descriptors))
		if pollElapsed > time.Second {
			for fd, sd := range w.sds {
				logger.Warn("socket on slow poll",
					logger.KeyFd, fd,
					"readable", sd.IsReadable(),
					"closed", sd.IsClosed(),
					"can_reuse", sd.CanReuse(),
					logger.KeyError, sd.LastErrorMessage())
			}
		}
	}

	// Promote delayed closures whose time has arrived.
	for len(w.delayed) > 0 && (w.delayed[0].due < w.now() || w.shuttingDown) {
		dc := heap.Pop(&w.delayed).(*DelayedClosure)
		w.addClosure(dc.Location(), PriorityImmediate, NewCallback(dc.Location(), dc.run))
	}

	// Enqueue periodic closures that came due.
	for _, pc := range w.periodic {
		if closure := pc.getClosure(w.NowCached()); closure != nil {
			w.addClosure(pc.location, PriorityImmediate, closure)
		}
	}

	// Enqueue fired descriptor callbacks at descriptor priority.
	for priority, tasks := range ioPendings {
		for _, task := range tasks {
			w.addClosure("descriptor", Priority(priority), NewCallback("descriptor", task))
		}
	}

	for priority := PriorityImmediate; priority >= PriorityLow; priority-- {
		if len(w.pendings[priority]) > 0 {
			w.current = w.getClosure(priority)
			return w.current, true
		}
	}

	if w.quit {
		// Periodic closures are canceled at shutdown.
		w.periodic = nil
		if len(w.delayed) == 0 {
			if len(w.sds) > 0 {
				logger.Warn("terminating with descriptors still registered",
					logger.KeyWorker, w.name, logger.KeyCount, len(w.sds))
			}
			return closureData{}, false
		}
		logger.Debug("terminating but still active",
			logger.KeyWorker, w.name, "delayed", len(w.delayed))
	}
	return closureData{}, true
}

// addClosure appends to a priority queue. Caller holds mu.
func (w *Worker) addClosure(location string, priority Priority, closure *Closure) {
	data := closureData{
		location:  location,
		closure:   closure,
		queuelen:  len(w.pendings[priority]),
		tick:      w.tick,
		timestamp: time.Since(w.start),
	}
	if data.queuelen > w.maxQueueLen[priority] {
		w.maxQueueLen[priority] = data.queuelen
	}
	w.pendings[priority] = append(w.pendings[priority], data)
}

// getClosure pops the head of a priority queue. Caller holds mu.
func (w *Worker) getClosure(priority Priority) closureData {
	data := w.pendings[priority][0]
	w.pendings[priority] = w.pendings[priority][1:]
	wait := time.Since(w.start) - data.timestamp
	if wait > w.maxWait[priority] {
		w.maxWait[priority] = wait
	}
	if wait > longWaitWarn {
		logger.Warn("closure waited too long in queue",
			logger.KeyWorker, w.name,
			logger.KeyPriority, priority.String(),
			logger.KeyDurationMs, float64(wait.Milliseconds()),
			"queuelen", data.queuelen,
			"ticks", w.tick-data.tick)
	}
	return data
}

// RunClosure schedules closure at priority on this worker. Wakes the
// poller when the worker might be sitting in its poll wait.
func (w *Worker) RunClosure(location string, closure *Closure, priority Priority) {
	w.mu.Lock()
	w.addClosure(location, priority, closure)
	// If the worker is mid-closure its next dispatch re-checks the
	// queues, so no wake is needed.
	running := w.current.closure != nil
	w.mu.Unlock()
	if !running {
		w.poller.Signal()
	}
}

// RunDelayedClosure schedules closure to run after delay, at immediate
// priority. The returned handle can cancel the target before it fires.
func (w *Worker) RunDelayedClosure(location string, delay time.Duration, closure *Closure) *DelayedClosure {
	w.mu.Lock()
	defer w.mu.Unlock()
	dc := &DelayedClosure{
		CancelableClosure: CancelableClosure{location: location, inner: closure},
		due:               w.now() + delay,
	}
	heap.Push(&w.delayed, dc)
	return dc
}

// registerPeriodicClosure adds a permanent closure run every period.
// Caller is the manager, which allocates the id.
func (w *Worker) registerPeriodicClosure(id PeriodicClosureID, location string, period time.Duration, closure *Closure) {
	if !closure.Permanent() {
		panic("runtime: periodic closure must be permanent")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.periodic = append(w.periodic, &periodicClosure{
		id:       id,
		location: location,
		last:     w.now(),
		period:   period,
		closure:  closure,
	})
}

// unregisterPeriodicClosure removes the periodic closure and purges
// any queued occurrences, then reports done. After data reports done
// the closure is provably unreferenced by this worker.
func (w *Worker) unregisterPeriodicClosure(id PeriodicClosureID, data *unregisteredClosureData) {
	w.mu.Lock()
	var removed *Closure
	for i, pc := range w.periodic {
		if pc.id == id {
			removed = pc.closure
			data.location = pc.location
			w.periodic = append(w.periodic[:i], w.periodic[i+1:]...)
			break
		}
	}
	if removed != nil {
		kept := w.pendings[PriorityImmediate][:0]
		for _, pending := range w.pendings[PriorityImmediate] {
			if pending.closure != removed {
				kept = append(kept, pending)
			}
		}
		w.pendings[PriorityImmediate] = kept
	} else {
		logger.Warn("unregistering unknown periodic closure", logger.KeyCount, int(id))
	}
	w.mu.Unlock()
	data.setDone()
}

// RegisterSocketDescriptor binds a socket to this worker at the given
// priority. The descriptor must only be used from this worker's
// goroutine afterwards.
func (w *Worker) RegisterSocketDescriptor(sock *netio.Socket, priority Priority) *SocketDescriptor {
	if priority >= PriorityImmediate {
		panic("runtime: descriptor priority must be below immediate")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	d := newSocketDescriptor(sock, priority, w)
	w.descriptors[d.FD()] = d
	w.sds[d.FD()] = d
	return d
}

// DeleteSocketDescriptor unbinds the descriptor and returns its
// socket, still open, to the caller.
func (w *Worker) DeleteSocketDescriptor(d *SocketDescriptor) *netio.Socket {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.poller.UnregisterDescriptor(d)
	fd := d.FD()
	if fd >= 0 {
		delete(w.descriptors, fd)
		delete(w.sds, fd)
	}
	sock := d.sock
	d.sock = netio.NewSocket(-1)
	return sock
}

func (w *Worker) registerPollEvent(d *SocketDescriptor, t poller.EventType) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.poller.RegisterPollEvent(d, t)
}

func (w *Worker) unregisterPollEvent(d *SocketDescriptor, t poller.EventType) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.poller.UnregisterPollEvent(d, t)
}

func (w *Worker) registerTimeoutEvent(d *SocketDescriptor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.poller.RegisterTimeoutEvent(d)
}

func (w *Worker) unregisterTimeoutEvent(d *SocketDescriptor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.poller.UnregisterTimeoutEvent(d)
}

// Load estimates how busy the worker is, weighting queued closures by
// priority and counting registered descriptors.
func (w *Worker) Load() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	if w.current.closure != nil {
		n++
	}
	n += len(w.sds)
	for priority := PriorityLow; priority < numPriorities; priority++ {
		n += len(w.pendings[priority]) * (1 << priority)
	}
	return n
}

// Pendings returns the number of queued closures.
func (w *Worker) Pendings() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for priority := PriorityLow; priority < numPriorities; priority++ {
		n += len(w.pendings[priority])
	}
	return n
}

// IsIdle reports whether no closure is running and no descriptor is
// registered.
func (w *Worker) IsIdle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current.closure == nil && len(w.sds) == 0
}

// DebugString describes the worker state for the status page.
func (w *Worker) DebugString() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "worker[%s] tick=%d %s", w.name, w.tick, w.current.location)
	fmt.Fprintf(&b, ": %d descriptors", len(w.sds))
	fmt.Fprintf(&b, ": poll_interval=%s", w.pollInterval)
	for priority := PriorityLow; priority < numPriorities; priority++ {
		fmt.Fprintf(&b, ": %s[%d pendings q=%d w=%s]",
			priority, len(w.pendings[priority]),
			w.maxQueueLen[priority], w.maxWait[priority])
	}
	fmt.Fprintf(&b, ": delayed=%d: periodic=%d", len(w.delayed), len(w.periodic))
	if w.pool != 0 {
		fmt.Fprintf(&b, ": pool=%d", w.pool)
	}
	return b.String()
}
