package subproc

import (
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/remotecc/remotecc/internal/logger"
	"github.com/remotecc/remotecc/pkg/netio"
)

// serverProc is the helper-side state of one subprocess, keyed by the
// client-chosen id.
type serverProc struct {
	req          *Req
	runRequested bool
	signaled     bool
	started      bool
	cmd          *exec.Cmd
	files        []*os.File
}

type procExit struct {
	id     int32
	status int32
}

type record struct {
	op      Op
	payload []byte
}

// Server owns all fork/exec. It runs a single logic goroutine, so the
// subprocess table needs no locking; a reader goroutine feeds records
// and per-child waiters feed exits.
type Server struct {
	sock *netio.Socket
	opts Options

	subprocs map[int32]*serverProc
	order    []int32 // registration order, for FIFO admission

	records chan record
	exits   chan procExit

	writeMu sync.Mutex
}

// NewServer creates a helper server over sock.
func NewServer(sock *netio.Socket, opts Options) *Server {
	return &Server{
		sock:     sock,
		opts:     opts,
		subprocs: make(map[int32]*serverProc),
		records:  make(chan record, 64),
		exits:    make(chan procExit, 64),
	}
}

// Loop processes records until the peer shuts down and all tracked
// children are reaped.
func (s *Server) Loop() {
	logger.Info("subprocess controller server started", "options", s.opts.DebugString())
	go s.readLoop()

	closing := false
	for {
		if closing && s.numTracked() == 0 {
			break
		}
		select {
		case rec, ok := <-s.records:
			if !ok {
				s.records = nil
				continue
			}
			if s.handleRecord(rec) {
				closing = true
				if !s.opts.DontKillSubprocess {
					s.killAll()
				}
				s.failPending()
			}
		case exit := <-s.exits:
			s.handleExit(exit)
		}
	}
	s.sock.Close()
	logger.Info("subprocess controller server finished")
}

func (s *Server) readLoop() {
	reader := &recordReader{}
	buf := make([]byte, 64*1024)
	for {
		n, err := s.sock.Read(buf)
		if err != nil {
			if netio.IsRetryable(err) {
				continue
			}
			s.records <- record{op: OpClosed}
			return
		}
		if n == 0 {
			s.records <- record{op: OpClosed}
			return
		}
		reader.add(buf[:n])
		for {
			op, payload, ok, rerr := reader.next()
			if rerr != nil {
				logger.Error("malformed record", logger.KeyError, rerr.Error())
				s.records <- record{op: OpClosed}
				return
			}
			if !ok {
				break
			}
			s.records <- record{op: op, payload: payload}
		}
	}
}

// handleRecord returns true when the server should begin shutdown.
func (s *Server) handleRecord(rec record) bool {
	switch rec.op {
	case OpRegister:
		req := &Req{}
		if err := decodeMessage(rec.payload, req); err != nil {
			logger.Error("bad REGISTER payload", logger.KeyError, err.Error())
			return false
		}
		s.subprocs[req.ID] = &serverProc{req: req}
		s.order = append(s.order, req.ID)

	case OpRequestRun:
		run := &RunReq{}
		if err := decodeMessage(rec.payload, run); err != nil {
			logger.Error("bad REQUEST_RUN payload", logger.KeyError, err.Error())
			return false
		}
		if p, ok := s.subprocs[run.ID]; ok {
			p.runRequested = true
		}
		s.tryRunProcesses()

	case OpKill:
		kill := &KillReq{}
		if err := decodeMessage(rec.payload, kill); err != nil {
			logger.Error("bad KILL payload", logger.KeyError, err.Error())
			return false
		}
		s.killOne(kill.ID)

	case OpSetOption:
		opt := &SetOptionReq{}
		if err := decodeMessage(rec.payload, opt); err != nil {
			logger.Error("bad SET_OPTION payload", logger.KeyError, err.Error())
			return false
		}
		if opt.MaxSubprocs > 0 {
			s.opts.MaxSubprocs = int(opt.MaxSubprocs)
		}
		if opt.MaxSubprocsLowPriority > 0 {
			s.opts.MaxSubprocsLowPriority = int(opt.MaxSubprocsLowPriority)
		}
		if opt.MaxSubprocsHeavyWeight > 0 {
			s.opts.MaxSubprocsHeavyWeight = int(opt.MaxSubprocsHeavyWeight)
		}
		logger.Info("subprocess options updated", "options", s.opts.DebugString())
		s.tryRunProcesses()

	case OpShutdown, OpClosed:
		return true

	case OpNop:
	default:
		logger.Warn("unknown op", "op", rec.op.String())
	}
	return false
}

// numTracked counts processes that still owe a state transition.
func (s *Server) numTracked() int {
	return len(s.subprocs)
}

// runningCounts tallies running processes per class.
func (s *Server) runningCounts() (total, low, heavy int) {
	for _, p := range s.subprocs {
		if !p.started {
			continue
		}
		total++
		if p.req.Priority == PriorityLow {
			low++
		}
		if p.req.Weight == WeightHeavy {
			heavy++
		}
	}
	return
}

// tryRunProcesses spawns pending processes in registration order while
// the per-class quotas permit. Re-evaluated whenever a slot frees.
func (s *Server) tryRunProcesses() {
	for {
		total, low, heavy := s.runningCounts()
		if total >= s.opts.MaxSubprocs {
			return
		}
		spawned := false
		for _, id := range s.order {
			p, ok := s.subprocs[id]
			if !ok || p.started || !p.runRequested || p.signaled {
				continue
			}
			if p.req.Priority == PriorityLow && low >= s.opts.MaxSubprocsLowPriority {
				continue
			}
			if p.req.Weight == WeightHeavy && heavy >= s.opts.MaxSubprocsHeavyWeight {
				continue
			}
			s.spawn(id, p)
			spawned = true
			break
		}
		if !spawned {
			return
		}
	}
}

func (s *Server) spawn(id int32, p *serverProc) {
	req := p.req
	var args []string
	if len(req.Argv) > 1 {
		args = req.Argv[1:]
	}
	cmd := exec.Command(req.Prog, args...)
	cmd.Dir = req.Cwd
	cmd.Env = req.Env

	openOr := func(path string, out bool) *os.File {
		if path == "" {
			return nil
		}
		var f *os.File
		var err error
		if out {
			f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		} else {
			f, err = os.Open(path)
		}
		if err != nil {
			logger.Warn("cannot open redirect", logger.KeyError, err.Error())
			return nil
		}
		p.files = append(p.files, f)
		return f
	}
	if f := openOr(req.Stdin, false); f != nil {
		cmd.Stdin = f
	}
	if f := openOr(req.Stdout, true); f != nil {
		cmd.Stdout = f
	}
	if f := openOr(req.Stderr, true); f != nil {
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		logger.Warn("spawn failed",
			logger.KeySubprocID, int(id),
			"prog", req.Prog,
			logger.KeyError, err.Error())
		p.closeFiles()
		delete(s.subprocs, id)
		if !req.Detach {
			s.send(OpTerminated, &Terminated{ID: id, Status: InvalidStatus, Error: ErrorNotStarted})
		}
		return
	}

	p.started = true
	p.cmd = cmd
	logger.Info("subprocess started",
		logger.KeySubprocID, int(id),
		logger.KeySubprocPid, cmd.Process.Pid,
		"prog", req.Prog)
	s.send(OpStarted, &Started{ID: id, Pid: int32(cmd.Process.Pid)})

	go func() {
		status := int32(0)
		if err := cmd.Wait(); err != nil {
			if exit, ok := err.(*exec.ExitError); ok {
				status = int32(exit.ExitCode())
			} else {
				status = InvalidStatus
			}
		}
		s.exits <- procExit{id: id, status: status}
	}()
}

func (p *serverProc) closeFiles() {
	for _, f := range p.files {
		f.Close()
	}
	p.files = nil
}

func (s *Server) handleExit(exit procExit) {
	p, ok := s.subprocs[exit.id]
	if !ok {
		return
	}
	p.closeFiles()
	delete(s.subprocs, exit.id)
	s.removeFromOrder(exit.id)
	logger.Info("subprocess terminated",
		logger.KeySubprocID, int(exit.id),
		logger.KeyExitStatus, int(exit.status))
	if !p.req.Detach {
		s.send(OpTerminated, &Terminated{ID: exit.id, Status: exit.status})
	}
	// A slot freed; re-evaluate pending jobs.
	s.tryRunProcesses()
}

func (s *Server) removeFromOrder(id int32) {
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// killOne ends one subprocess. Killing a not-yet-started process
// reports ErrorNotStarted.
func (s *Server) killOne(id int32) {
	p, ok := s.subprocs[id]
	if !ok {
		return
	}
	if !p.started {
		delete(s.subprocs, id)
		s.removeFromOrder(id)
		if !p.req.Detach {
			s.send(OpTerminated, &Terminated{ID: id, Status: InvalidStatus, Error: ErrorNotStarted})
		}
		return
	}
	p.signaled = true
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Warn("kill failed", logger.KeySubprocID, int(id), logger.KeyError, err.Error())
	}
}

func (s *Server) killAll() {
	for id, p := range s.subprocs {
		if p.started {
			s.killOne(id)
		}
	}
}

// failPending reports ErrorNotStarted for every process that never
// spawned. Called at shutdown.
func (s *Server) failPending() {
	for _, id := range append([]int32{}, s.order...) {
		if p, ok := s.subprocs[id]; ok && !p.started {
			s.killOne(id)
			_ = p
		}
	}
}

// send frames and writes one record. Only the logic goroutine sends
// (waiter goroutines report through s.exits); writes are serialized.
func (s *Server) send(op Op, msg interface{}) {
	payload, err := encodeMessage(msg)
	if err != nil {
		logger.Error("encode message failed", logger.KeyError, err.Error())
		return
	}
	frame, _ := appendRecord(nil, op, payload)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for len(frame) > 0 {
		n, werr := s.sock.Write(frame)
		if werr != nil {
			if netio.IsRetryable(werr) {
				continue
			}
			logger.Error("write to client failed", logger.KeyError, werr.Error())
			return
		}
		frame = frame[n:]
	}
}
