package subproc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotecc/remotecc/pkg/netio"
	"github.com/remotecc/remotecc/pkg/runtime"
)

// newTestController runs client and server in-process over a
// socketpair, the way the Windows build runs the server on a thread.
func newTestController(t *testing.T, opts Options) *Client {
	t.Helper()
	clientEnd, serverEnd, err := netio.SocketPair()
	require.NoError(t, err)

	server := NewServer(serverEnd, opts)
	serverDone := make(chan struct{})
	go func() {
		server.Loop()
		close(serverDone)
	}()

	wm := runtime.NewManager()
	wm.Start(1)

	client := NewClient(wm, clientEnd, nil, opts)
	t.Cleanup(func() {
		client.Shutdown()
		select {
		case <-serverDone:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
		wm.Finish()
	})
	return client
}

type procEvents struct {
	mu         sync.Mutex
	started    []int32
	terminated []*Terminated
	startedCh  chan *Started
	termCh     chan *Terminated
}

func newProcEvents() *procEvents {
	return &procEvents{
		startedCh: make(chan *Started, 8),
		termCh:    make(chan *Terminated, 8),
	}
}

func (e *procEvents) onStarted(s *Started) {
	e.mu.Lock()
	e.started = append(e.started, s.ID)
	e.mu.Unlock()
	e.startedCh <- s
}

func (e *procEvents) onTerminated(term *Terminated) {
	e.mu.Lock()
	e.terminated = append(e.terminated, term)
	e.mu.Unlock()
	e.termCh <- term
}

func waitTerm(t *testing.T, e *procEvents) *Terminated {
	t.Helper()
	select {
	case term := <-e.termCh:
		return term
	case <-time.After(10 * time.Second):
		t.Fatal("subprocess did not terminate")
		return nil
	}
}

func shellReq(name, script string) *Req {
	return &Req{
		Name: name,
		Prog: "/bin/sh",
		Argv: []string{"sh", "-c", script},
	}
}

func TestRunSubprocess(t *testing.T) {
	client := newTestController(t, DefaultOptions())
	events := newProcEvents()

	id := client.Register(shellReq("exit7", "exit 7"), events.onStarted, events.onTerminated)
	assert.Equal(t, StateSetup, client.TaskState(id))
	client.RequestRun(id)

	term := waitTerm(t, events)
	assert.Equal(t, id, term.ID)
	assert.Equal(t, int32(7), term.Status)
	assert.Equal(t, ErrorNone, term.Error)
	assert.Equal(t, StateFinished, client.TaskState(id))

	events.mu.Lock()
	defer events.mu.Unlock()
	assert.Len(t, events.started, 1, "exactly one Started per id")
	assert.Len(t, events.terminated, 1, "at most one Terminated per id")
}

func TestAdmissionControlSerializes(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxSubprocs = 1
	client := newTestController(t, opts)

	first := newProcEvents()
	second := newProcEvents()

	id1 := client.Register(shellReq("sleeper", "sleep 0.3"), first.onStarted, first.onTerminated)
	client.RequestRun(id1)
	<-first.startedCh

	id2 := client.Register(shellReq("quick", "exit 0"), second.onStarted, second.onTerminated)
	client.RequestRun(id2)

	// The second must stay pending while the first runs.
	select {
	case <-second.startedCh:
		t.Fatal("second subprocess started beyond the quota")
	case <-time.After(100 * time.Millisecond):
	}

	waitTerm(t, first)
	select {
	case <-second.startedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("second subprocess never started after a slot freed")
	}
	waitTerm(t, second)
}

func TestKillPendingReportsNotStarted(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxSubprocs = 1
	client := newTestController(t, opts)

	blocker := newProcEvents()
	victim := newProcEvents()

	id1 := client.Register(shellReq("blocker", "sleep 5"), blocker.onStarted, blocker.onTerminated)
	client.RequestRun(id1)
	<-blocker.startedCh

	id2 := client.Register(shellReq("victim", "exit 0"), victim.onStarted, victim.onTerminated)
	client.RequestRun(id2)
	client.Kill(id2)

	term := waitTerm(t, victim)
	assert.Equal(t, ErrorNotStarted, term.Error)
	assert.Equal(t, InvalidStatus, term.Status)
	victim.mu.Lock()
	assert.Empty(t, victim.started, "killed-before-start must not deliver Started")
	victim.mu.Unlock()

	client.Kill(id1)
	waitTerm(t, blocker)
}

func TestSetOptionRaisesQuota(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxSubprocs = 1
	client := newTestController(t, opts)

	first := newProcEvents()
	second := newProcEvents()

	id1 := client.Register(shellReq("a", "sleep 0.3"), first.onStarted, first.onTerminated)
	client.RequestRun(id1)
	<-first.startedCh

	id2 := client.Register(shellReq("b", "sleep 0.3"), second.onStarted, second.onTerminated)
	client.RequestRun(id2)
	select {
	case <-second.startedCh:
		t.Fatal("second started while quota was 1")
	case <-time.After(50 * time.Millisecond):
	}

	client.SetOption(&SetOptionReq{MaxSubprocs: 2})
	select {
	case <-second.startedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("raising the quota did not admit the pending job")
	}
	waitTerm(t, first)
	waitTerm(t, second)
}

func TestHeavyWeightQuota(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxSubprocs = 3
	opts.MaxSubprocsHeavyWeight = 1
	client := newTestController(t, opts)

	h1 := newProcEvents()
	h2 := newProcEvents()

	r1 := shellReq("heavy1", "sleep 0.3")
	r1.Weight = WeightHeavy
	id1 := client.Register(r1, h1.onStarted, h1.onTerminated)
	client.RequestRun(id1)
	<-h1.startedCh

	r2 := shellReq("heavy2", "exit 0")
	r2.Weight = WeightHeavy
	id2 := client.Register(r2, h2.onStarted, h2.onTerminated)
	client.RequestRun(id2)

	select {
	case <-h2.startedCh:
		t.Fatal("second heavy job exceeded the heavy-weight quota")
	case <-time.After(100 * time.Millisecond):
	}

	waitTerm(t, h1)
	waitTerm(t, h2)
}

func TestWireFraming(t *testing.T) {
	var buf []byte
	buf, first := appendRecord(buf, OpRegister, []byte("payload-1"))
	assert.True(t, first)
	buf, first = appendRecord(buf, OpKill, nil)
	assert.False(t, first)

	r := &recordReader{}
	// Feed byte by byte to exercise partial reads.
	for _, b := range buf {
		r.add([]byte{b})
	}
	op, payload, ok, err := r.next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, OpRegister, op)
	assert.Equal(t, "payload-1", string(payload))

	op, payload, ok, err = r.next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, OpKill, op)
	assert.Empty(t, payload)

	_, _, ok, _ = r.next()
	assert.False(t, ok, "no third record")
}
