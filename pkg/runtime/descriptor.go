package runtime

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/remotecc/remotecc/internal/logger"
	"github.com/remotecc/remotecc/pkg/netio"
	"github.com/remotecc/remotecc/pkg/runtime/poller"
)

// SocketDescriptor marries a socket with its readable / writable /
// timeout callbacks on one worker. Once registered with a worker, a
// descriptor is only read from, written to, re-armed, or destroyed on
// that worker's goroutine.
//
// At most one read-ready and one write-ready callback is pending in
// the worker queue at any time; the *InQueue flags track this.
type SocketDescriptor struct {
	sock     *netio.Socket
	priority Priority
	worker   *Worker

	readableClosure *Closure // permanent
	writableClosure *Closure // permanent
	timeoutClosure  *Closure // one-shot, from NotifyWhenTimedout
	timeout         time.Duration
	hasTimeout      bool
	lastTime        time.Duration

	readInQueue    bool
	writeInQueue   bool
	timeoutInQueue bool

	activeRead          bool
	activeWrite         bool
	writePollRegistered bool
	isClosed            bool
	needRetry           bool
	lastErrorMessage    string
}

func newSocketDescriptor(sock *netio.Socket, priority Priority, worker *Worker) *SocketDescriptor {
	return &SocketDescriptor{
		sock:     sock,
		priority: priority,
		worker:   worker,
		lastTime: worker.NowCached(),
	}
}

// FD returns the raw socket descriptor.
func (d *SocketDescriptor) FD() int { return d.sock.Get() }

// Priority implements poller.Descriptor.
func (d *SocketDescriptor) Priority() int { return int(d.priority) }

// Worker returns the worker the descriptor is bound to.
func (d *SocketDescriptor) Worker() *Worker { return d.worker }

// NotifyWhenReadable arms the readable callback. closure must be
// permanent.
func (d *SocketDescriptor) NotifyWhenReadable(closure *Closure) {
	if !closure.Permanent() {
		panic("runtime: readable closure must be permanent")
	}
	d.readableClosure = closure
	d.lastTime = d.worker.NowCached()
	d.activeRead = true
	d.worker.registerPollEvent(d, poller.ReadEvent)
}

// NotifyWhenWritable arms the writable callback. closure must be
// permanent.
func (d *SocketDescriptor) NotifyWhenWritable(closure *Closure) {
	if !closure.Permanent() {
		panic("runtime: writable closure must be permanent")
	}
	d.writableClosure = closure
	d.lastTime = d.worker.NowCached()
	d.activeWrite = true
	d.worker.registerPollEvent(d, poller.WriteEvent)
	d.writePollRegistered = true
}

// ClearReadable disarms and drops the readable callback.
func (d *SocketDescriptor) ClearReadable() {
	d.readableClosure = nil
	d.activeRead = false
	d.worker.unregisterPollEvent(d, poller.ReadEvent)
}

// ClearWritable disarms and drops the writable callback.
func (d *SocketDescriptor) ClearWritable() {
	d.writableClosure = nil
	d.activeWrite = false
	if d.writePollRegistered {
		d.worker.unregisterPollEvent(d, poller.WriteEvent)
		d.writePollRegistered = false
	}
}

// NotifyWhenTimedout arms a one-shot timeout callback. The timeout
// fires only when both read and write are idle and the elapsed time
// since the last activity exceeds timeout.
func (d *SocketDescriptor) NotifyWhenTimedout(timeout time.Duration, closure *Closure) {
	if d.timeoutClosure != nil {
		panic("runtime: timeout closure already set")
	}
	d.timeout = timeout
	d.hasTimeout = true
	d.timeoutClosure = closure
	d.lastTime = d.worker.NowCached()
	d.worker.registerTimeoutEvent(d)
}

// ChangeTimeout adjusts the armed timeout duration and restarts the
// activity clock.
func (d *SocketDescriptor) ChangeTimeout(timeout time.Duration) {
	d.timeout = timeout
	d.lastTime = d.worker.NowCached()
}

// ClearTimeout disarms the timeout callback.
func (d *SocketDescriptor) ClearTimeout() {
	d.hasTimeout = false
	d.timeoutClosure = nil
	d.worker.unregisterTimeoutEvent(d)
}

// Read reads from the socket. A return of (0, nil) means the peer
// closed the connection. EINTR/EAGAIN set the retry flag.
func (d *SocketDescriptor) Read(p []byte) (int, error) {
	d.needRetry = false
	d.lastTime = d.worker.NowCached()
	n, err := d.sock.Read(p)
	if err != nil {
		d.updateLastErrorStatus(err)
		return n, err
	}
	if n == 0 {
		d.isClosed = true
	}
	return n, nil
}

// Write writes to the socket. EINTR/EAGAIN set the retry flag.
func (d *SocketDescriptor) Write(p []byte) (int, error) {
	d.needRetry = false
	d.lastTime = d.worker.NowCached()
	n, err := d.sock.Write(p)
	if err != nil {
		d.updateLastErrorStatus(err)
	}
	return n, err
}

// ShutdownForSend half-closes the write side.
func (d *SocketDescriptor) ShutdownForSend() error {
	d.needRetry = false
	d.lastTime = d.worker.NowCached()
	err := d.sock.ShutdownForSend()
	if err != nil {
		d.updateLastErrorStatus(err)
	}
	return err
}

// NeedRetry reports whether the last I/O hit a transient error.
func (d *SocketDescriptor) NeedRetry() bool { return d.needRetry }

// IsClosed reports whether the peer has closed the connection.
func (d *SocketDescriptor) IsClosed() bool { return d.isClosed }

// CanReuse reports whether the connection is healthy enough to return
// to a keep-alive pool.
func (d *SocketDescriptor) CanReuse() bool {
	return !d.isClosed && d.lastErrorMessage == ""
}

// LastErrorMessage returns a human-readable description of the last
// socket error, or "".
func (d *SocketDescriptor) LastErrorMessage() string { return d.lastErrorMessage }

// IsReadable reports whether buffered data is available right now.
func (d *SocketDescriptor) IsReadable() bool {
	n, err := unix.IoctlGetInt(d.sock.Get(), unix.TIOCINQ)
	if err != nil {
		logger.Warn("ioctl FIONREAD failed", logger.KeyFd, d.FD(), logger.KeyError, err.Error())
		return false
	}
	return n > 0
}

// StopRead pauses delivery of readable callbacks without dropping the
// closure.
func (d *SocketDescriptor) StopRead() { d.activeRead = false }

// StopWrite pauses delivery of writable callbacks without dropping the
// closure.
func (d *SocketDescriptor) StopWrite() { d.activeWrite = false }

// RestartRead resumes delivery of readable callbacks.
func (d *SocketDescriptor) RestartRead() { d.activeRead = true }

// RestartWrite resumes delivery of writable callbacks, re-registering
// write interest if it was dropped.
func (d *SocketDescriptor) RestartWrite() {
	d.activeWrite = true
	if !d.writePollRegistered {
		d.worker.registerPollEvent(d, poller.WriteEvent)
		d.writePollRegistered = true
	}
}

// UnregisterWritable drops write poll interest if writes are inactive,
// so an idle connection consumes no write slot in the multiplexer.
func (d *SocketDescriptor) UnregisterWritable() {
	if !d.activeWrite && d.writePollRegistered {
		d.worker.unregisterPollEvent(d, poller.WriteEvent)
		d.writePollRegistered = false
	}
}

// WaitReadable implements poller.Descriptor.
func (d *SocketDescriptor) WaitReadable() bool {
	return d.activeRead && d.readableClosure != nil && !d.readInQueue
}

// WaitWritable implements poller.Descriptor.
func (d *SocketDescriptor) WaitWritable() bool {
	return d.activeWrite && d.writableClosure != nil && !d.writeInQueue
}

// ReadableTask implements poller.Descriptor. It marks the readable
// callback in-queue so no second copy is enqueued before it runs.
func (d *SocketDescriptor) ReadableTask() func() {
	closure := d.readableClosure
	if closure == nil || !d.activeRead || d.readInQueue {
		return nil
	}
	d.readInQueue = true
	d.lastTime = d.worker.NowCached()
	return func() { d.runCallback(closure, &d.readInQueue, &d.activeRead) }
}

// WritableTask implements poller.Descriptor.
func (d *SocketDescriptor) WritableTask() func() {
	closure := d.writableClosure
	if closure == nil || !d.activeWrite || d.writeInQueue {
		return nil
	}
	d.writeInQueue = true
	d.lastTime = d.worker.NowCached()
	return func() { d.runCallback(closure, &d.writeInQueue, &d.activeWrite) }
}

// TimeoutTask implements poller.Descriptor. The timeout fires only
// when no read or write callback is pending.
func (d *SocketDescriptor) TimeoutTask() func() {
	if !d.hasTimeout || d.worker.NowCached()-d.lastTime <= d.timeout {
		return nil
	}
	if !d.activeRead && !d.activeWrite {
		return nil
	}
	if d.readInQueue || d.writeInQueue || d.timeoutInQueue {
		return nil
	}
	d.timeoutInQueue = true
	return func() { d.runTimeout() }
}

// runCallback delivers a permanent readable/writable closure, clearing
// the in-queue mark first. If the direction went inactive while the
// callback waited in the queue, it is dropped.
func (d *SocketDescriptor) runCallback(closure *Closure, inQueue, active *bool) {
	*inQueue = false
	if !*active {
		return
	}
	closure.Run()
}

// runTimeout fires the one-shot timeout closure if the descriptor is
// still idle and the timeout still holds.
func (d *SocketDescriptor) runTimeout() {
	d.timeoutInQueue = false
	if d.readInQueue || d.writeInQueue {
		return
	}
	if !d.activeRead && !d.activeWrite {
		return
	}
	if d.hasTimeout && d.worker.NowCached()-d.lastTime > d.timeout {
		closure := d.timeoutClosure
		d.timeoutClosure = nil
		if closure != nil {
			logger.Info("socket timeout", logger.KeyFd, d.FD(), "timeout", d.timeout.String())
			closure.Run()
		}
	}
}

func (d *SocketDescriptor) updateLastErrorStatus(err error) {
	if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
		d.needRetry = true
		return
	}
	d.lastErrorMessage = err.Error()
}
