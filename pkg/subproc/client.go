package subproc

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/remotecc/remotecc/internal/logger"
	"github.com/remotecc/remotecc/pkg/bufpool"
	"github.com/remotecc/remotecc/pkg/netio"
	"github.com/remotecc/remotecc/pkg/runtime"
)

// Task is the client-side view of one subprocess, moving through
// SETUP → PENDING → RUN → FINISHED, with SIGNALED on kill.
type Task struct {
	Req *Req

	state        State
	started      *Started
	terminated   *Terminated
	startedCB    func(*Started)
	terminatedCB func(*Terminated)
}

// Client talks to the helper from the main process. All socket I/O
// runs on a dedicated worker pool; Register/RequestRun/Kill may be
// called from any goroutine.
type Client struct {
	wm     *runtime.Manager
	worker *runtime.Worker
	opts   Options

	helperCmd *exec.Cmd // nil when the server runs in-process

	mu            sync.Mutex
	cond          *sync.Cond
	tasks         map[int32]*Task
	nextID        int32
	shuttingDown  bool
	closed        bool
	startedCount  int
	finishedCount int

	// Touched only on the client worker.
	sock          *netio.Socket
	sd            *runtime.SocketDescriptor
	pendingWrite  []byte
	writableArmed bool
	reader        recordReader
}

// NewClient attaches a client to sock, whose peer runs a Server.
// helperCmd is the spawned helper process, or nil when the server
// runs in-process (tests, Windows-style thread mode).
func NewClient(wm *runtime.Manager, sock *netio.Socket, helperCmd *exec.Cmd, opts Options) *Client {
	c := &Client{
		wm:        wm,
		opts:      opts,
		helperCmd: helperCmd,
		tasks:     make(map[int32]*Task),
		sock:      sock,
	}
	c.cond = sync.NewCond(&c.mu)

	pool := wm.StartPool("subproc", 1)
	c.worker = wm.WorkersInPool(pool)[0]

	ready := make(chan struct{})
	c.worker.RunClosure("subproc.setup", runtime.NewCallback("subproc.setup", func() {
		if err := c.sock.SetNonBlocking(); err != nil {
			logger.Error("subproc socket nonblocking failed", logger.KeyError, err.Error())
		}
		c.sd = c.worker.RegisterSocketDescriptor(c.sock, runtime.PriorityHigh)
		c.sd.NotifyWhenReadable(runtime.NewPermanentCallback("subproc.doRead", c.doRead))
		close(ready)
	}), runtime.PriorityHigh)
	<-ready
	return c
}

// Spawn forks the helper by re-executing the current binary with the
// hidden helper command, passing the server end of a socketpair as
// fd 3.
func Spawn(wm *runtime.Manager, opts Options) (*Client, error) {
	clientEnd, serverEnd, err := netio.SocketPair()
	if err != nil {
		return nil, err
	}
	exe, err := os.Executable()
	if err != nil {
		clientEnd.Close()
		serverEnd.Close()
		return nil, fmt.Errorf("cannot find own executable: %w", err)
	}
	cmd := exec.Command(exe, "subproc-helper",
		fmt.Sprintf("--max-subprocs=%d", opts.MaxSubprocs),
		fmt.Sprintf("--max-subprocs-low-priority=%d", opts.MaxSubprocsLowPriority),
		fmt.Sprintf("--max-subprocs-heavy-weight=%d", opts.MaxSubprocsHeavyWeight),
		fmt.Sprintf("--dont-kill-subprocess=%t", opts.DontKillSubprocess))
	cmd.Stdin = nil
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{serverEnd.File("subproc-server")}
	if err := cmd.Start(); err != nil {
		clientEnd.Close()
		return nil, fmt.Errorf("spawn helper: %w", err)
	}
	logger.Info("subprocess helper launched", logger.KeySubprocPid, cmd.Process.Pid)
	return NewClient(wm, clientEnd, cmd, opts), nil
}

// ServeHelper is the helper-process entry point: serve on fd 3 until
// the parent shuts down.
func ServeHelper(opts Options) {
	sock := netio.NewSocket(3)
	NewServer(sock, opts).Loop()
}

// Register announces a subprocess to the helper. The callbacks run on
// the client's worker; terminated is called at most once.
func (c *Client) Register(req *Req, started func(*Started), terminated func(*Terminated)) int32 {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	req.ID = id
	// Detached jobs are fire-and-forget: no Terminated ever arrives,
	// so they are not tracked.
	if !req.Detach {
		task := &Task{Req: req, state: StateSetup, startedCB: started, terminatedCB: terminated}
		c.tasks[id] = task
	}
	closed := c.closed
	c.mu.Unlock()

	if closed {
		c.deliverNotStarted(id)
		return id
	}
	c.sendMessage(OpRegister, req)
	return id
}

// RequestRun asks the helper to schedule the subprocess.
func (c *Client) RequestRun(id int32) {
	c.mu.Lock()
	if t, ok := c.tasks[id]; ok && t.state == StateSetup {
		t.state = StatePending
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.deliverNotStarted(id)
		return
	}
	c.sendMessage(OpRequestRun, &RunReq{ID: id})
}

// Kill requests termination of the subprocess.
func (c *Client) Kill(id int32) {
	c.mu.Lock()
	if t, ok := c.tasks[id]; ok && t.state == StateRun {
		t.state = StateSignaled
	}
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.sendMessage(OpKill, &KillReq{ID: id})
	}
}

// SetOption adjusts the helper's admission caps at runtime.
func (c *Client) SetOption(opt *SetOptionReq) {
	c.sendMessage(OpSetOption, opt)
}

// TaskState returns the current lifecycle state of a task.
func (c *Client) TaskState(id int32) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tasks[id]; ok {
		return t.state
	}
	return StateFinished
}

// NumPending counts tasks that have not finished yet.
func (c *Client) NumPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// sendMessage frames msg and arms the write side on the client
// worker.
func (c *Client) sendMessage(op Op, msg interface{}) {
	payload, err := encodeMessage(msg)
	if err != nil {
		logger.Error("encode message failed", logger.KeyError, err.Error())
		return
	}
	c.worker.RunClosure("subproc.send", runtime.NewCallback("subproc.send", func() {
		if c.sd == nil {
			return
		}
		var wasEmpty bool
		c.pendingWrite, wasEmpty = appendRecord(c.pendingWrite, op, payload)
		if wasEmpty {
			if !c.writableArmed {
				c.sd.NotifyWhenWritable(runtime.NewPermanentCallback("subproc.doWrite", c.doWrite))
				c.writableArmed = true
			} else {
				c.sd.RestartWrite()
			}
		}
	}), runtime.PriorityHigh)
}

// doWrite drains the pending write buffer; write interest is dropped
// once empty so the idle channel costs nothing.
func (c *Client) doWrite() {
	for len(c.pendingWrite) > 0 {
		n, err := c.sd.Write(c.pendingWrite)
		if err != nil {
			if c.sd.NeedRetry() {
				return
			}
			logger.Error("write to helper failed", logger.KeyError, err.Error())
			c.handleClosed()
			return
		}
		c.pendingWrite = c.pendingWrite[n:]
	}
	c.sd.StopWrite()
	c.sd.UnregisterWritable()
}

// doRead consumes records from the helper.
func (c *Client) doRead() {
	buf := bufpool.Get(64 * 1024)
	defer bufpool.Put(buf)
	n, err := c.sd.Read(buf)
	if err != nil {
		if c.sd.NeedRetry() {
			return
		}
		logger.Error("read from helper failed", logger.KeyError, err.Error())
		c.handleClosed()
		return
	}
	if n == 0 { // EOF: synthesize CLOSED
		c.handleClosed()
		return
	}
	c.reader.add(buf[:n])
	for {
		op, payload, ok, rerr := c.reader.next()
		if rerr != nil {
			logger.Error("malformed record from helper", logger.KeyError, rerr.Error())
			c.handleClosed()
			return
		}
		if !ok {
			return
		}
		c.handleRecord(op, payload)
	}
}

func (c *Client) handleRecord(op Op, payload []byte) {
	switch op {
	case OpStarted:
		started := &Started{}
		if err := decodeMessage(payload, started); err != nil {
			logger.Error("bad STARTED payload", logger.KeyError, err.Error())
			return
		}
		c.mu.Lock()
		task, ok := c.tasks[started.ID]
		if ok {
			task.state = StateRun
			task.started = started
			c.startedCount++
		}
		c.mu.Unlock()
		if ok && task.startedCB != nil {
			task.startedCB(started)
		}

	case OpTerminated:
		terminated := &Terminated{}
		if err := decodeMessage(payload, terminated); err != nil {
			logger.Error("bad TERMINATED payload", logger.KeyError, err.Error())
			return
		}
		c.deliverTerminated(terminated)

	default:
		logger.Warn("unexpected op from helper", "op", op.String())
	}
}

func (c *Client) deliverTerminated(terminated *Terminated) {
	c.mu.Lock()
	task, ok := c.tasks[terminated.ID]
	if ok {
		delete(c.tasks, terminated.ID)
		task.state = StateFinished
		task.terminated = terminated
		c.finishedCount++
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	if ok && task.terminatedCB != nil {
		task.terminatedCB(terminated)
	}
}

// deliverNotStarted fails a task locally when the channel is gone.
func (c *Client) deliverNotStarted(id int32) {
	c.worker.RunClosure("subproc.notStarted", runtime.NewCallback("subproc.notStarted", func() {
		c.deliverTerminated(&Terminated{ID: id, Status: InvalidStatus, Error: ErrorNotStarted})
	}), runtime.PriorityHigh)
}

// handleClosed reacts to helper EOF. An unexpected close fails every
// outstanding task and, for a spawned helper, reaps the child.
func (c *Client) handleClosed() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	expected := c.shuttingDown
	outstanding := make([]*Terminated, 0, len(c.tasks))
	for id := range c.tasks {
		outstanding = append(outstanding, &Terminated{ID: id, Status: InvalidStatus, Error: ErrorNotStarted})
	}
	c.mu.Unlock()

	if !expected {
		logger.Error("subprocess helper closed unexpectedly")
	}
	for _, t := range outstanding {
		c.deliverTerminated(t)
	}
	c.sd.ClearReadable()
	c.sd.ClearWritable()
	sock := c.worker.DeleteSocketDescriptor(c.sd)
	sock.Close()
	c.sd = nil

	if c.helperCmd != nil {
		go func() {
			if err := c.helperCmd.Wait(); err != nil && !expected {
				logger.Error("helper exited with error", logger.KeyError, err.Error())
			}
		}()
	}
}

// Shutdown sends SHUTDOWN and waits (bounded) for outstanding tasks to
// terminate and the helper to close the channel.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return
	}
	c.shuttingDown = true
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		c.sendMessage(OpShutdown, &RunReq{})
	}

	deadline := time.Now().Add(10 * time.Second)
	c.mu.Lock()
	for len(c.tasks) > 0 && time.Now().Before(deadline) {
		c.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		c.mu.Lock()
	}
	remaining := len(c.tasks)
	c.mu.Unlock()
	if remaining > 0 {
		logger.Warn("shutdown with tasks outstanding", logger.KeyCount, remaining)
	}
}

// DebugString summarizes client state for the status page.
func (c *Client) DebugString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("subproc client: tasks=%d started=%d finished=%d %s",
		len(c.tasks), c.startedCount, c.finishedCount, c.opts.DebugString())
}
