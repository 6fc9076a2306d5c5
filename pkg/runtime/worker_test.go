package runtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotecc/remotecc/pkg/netio"
	"github.com/remotecc/remotecc/pkg/runtime/poller"
)

func startManager(t *testing.T, n int, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(opts...)
	m.Start(n)
	t.Cleanup(m.Finish)
	return m
}

func waitDone(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal(msg)
	}
}

func TestRunClosure(t *testing.T) {
	m := startManager(t, 2)
	done := make(chan struct{})
	m.RunClosure("test.TestRunClosure", NewCallback("test", func() {
		close(done)
	}), PriorityMed)
	waitDone(t, done, "closure did not run")
}

func TestClosureOrderingFIFO(t *testing.T) {
	m := startManager(t, 1)
	w := m.Worker(0)

	const n = 100
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		w.RunClosure("test.fifo", NewCallback("test", func() {
			mu.Lock()
			order = append(order, i)
			if len(order) == n {
				close(done)
			}
			mu.Unlock()
		}), PriorityMed)
	}
	waitDone(t, done, "closures did not drain")

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		if order[i] != i {
			t.Fatalf("closure %d ran at position %d", order[i], i)
		}
	}
}

func TestPriorityPreemption(t *testing.T) {
	m := startManager(t, 1)
	w := m.Worker(0)

	// Hold the worker inside a closure while we queue work behind it.
	entered := make(chan struct{})
	release := make(chan struct{})
	w.RunClosure("test.block", NewCallback("test", func() {
		close(entered)
		<-release
	}), PriorityMed)
	<-entered

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	record := func(tag string, last bool) *Closure {
		return NewCallback("test", func() {
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
			if last {
				close(done)
			}
		})
	}
	w.RunClosure("test.low", record("low", true), PriorityLow)
	w.RunClosure("test.immediate", record("immediate", false), PriorityImmediate)
	w.RunClosure("test.high", record("high", false), PriorityHigh)
	close(release)

	waitDone(t, done, "queued closures did not drain")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"immediate", "high", "low"}, order)
}

func TestDelayedClosure(t *testing.T) {
	m := startManager(t, 1)
	w := m.Worker(0)

	start := time.Now()
	done := make(chan struct{})
	w.RunDelayedClosure("test.delayed", 50*time.Millisecond, NewCallback("test", func() {
		close(done)
	}))
	waitDone(t, done, "delayed closure did not run")
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("delayed closure ran after %v, want >= 50ms", elapsed)
	}
}

func TestDelayedClosureCancel(t *testing.T) {
	m := startManager(t, 1)
	w := m.Worker(0)

	ran := make(chan struct{})
	dc := w.RunDelayedClosure("test.canceled", 30*time.Millisecond, NewCallback("test", func() {
		close(ran)
	}))
	dc.Cancel()

	select {
	case <-ran:
		t.Fatal("canceled delayed closure ran")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPeriodicClosure(t *testing.T) {
	m := startManager(t, 1)

	var mu sync.Mutex
	count := 0
	id := m.RegisterPeriodicClosure("test.periodic", 10*time.Millisecond,
		NewPermanentCallback("test", func() {
			mu.Lock()
			count++
			mu.Unlock()
		}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 3
	}, 2*time.Second, 5*time.Millisecond, "periodic closure did not fire repeatedly")

	m.UnregisterPeriodicClosure(id)
	mu.Lock()
	after := count
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.LessOrEqual(t, count, after+1, "periodic closure kept firing after unregister")
	mu.Unlock()
}

func TestSocketDescriptorReadable(t *testing.T) {
	m := startManager(t, 1)
	w := m.Worker(0)

	a, b, err := netio.SocketPair()
	require.NoError(t, err)
	defer b.Close()

	received := make(chan string, 1)
	registered := make(chan *SocketDescriptor, 1)

	// Descriptor setup must happen on the owning worker.
	w.RunClosure("test.register", NewCallback("test", func() {
		d := w.RegisterSocketDescriptor(a, PriorityMed)
		d.NotifyWhenReadable(NewPermanentCallback("test.readable", func() {
			buf := make([]byte, 64)
			n, err := d.Read(buf)
			if err == nil && n > 0 {
				received <- string(buf[:n])
			}
		}))
		registered <- d
	}), PriorityMed)
	d := <-registered

	_, err = b.Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "ping", got)
	case <-time.After(5 * time.Second):
		t.Fatal("readable callback did not fire")
	}

	// Tear down on the worker as well.
	cleaned := make(chan struct{})
	w.RunClosure("test.cleanup", NewCallback("test", func() {
		d.ClearReadable()
		sock := w.DeleteSocketDescriptor(d)
		sock.Close()
		close(cleaned)
	}), PriorityMed)
	waitDone(t, cleaned, "cleanup closure did not run")
}

func TestSocketDescriptorTimeout(t *testing.T) {
	m := startManager(t, 1)
	w := m.Worker(0)

	a, b, err := netio.SocketPair()
	require.NoError(t, err)
	defer b.Close()

	timedOut := make(chan struct{})
	cleaned := make(chan struct{})
	w.RunClosure("test.register", NewCallback("test", func() {
		d := w.RegisterSocketDescriptor(a, PriorityMed)
		d.NotifyWhenReadable(NewPermanentCallback("test.readable", func() {
			buf := make([]byte, 16)
			_, _ = d.Read(buf)
		}))
		d.NotifyWhenTimedout(20*time.Millisecond, NewCallback("test.timeout", func() {
			close(timedOut)
			d.ClearTimeout()
			d.ClearReadable()
			sock := w.DeleteSocketDescriptor(d)
			sock.Close()
			close(cleaned)
		}))
	}), PriorityMed)

	waitDone(t, timedOut, "timeout callback did not fire")
	waitDone(t, cleaned, "timeout cleanup did not run")
}

func TestCrossWorkerSubmissionWakesPoller(t *testing.T) {
	m := startManager(t, 2)
	w := m.Worker(1)

	// The worker sits idle in its poll wait; a cross-goroutine
	// submission must become visible promptly via the poll breaker.
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	done := make(chan struct{})
	w.RunClosure("test.wake", NewCallback("test", func() { close(done) }), PriorityLow)
	waitDone(t, done, "cross-worker closure did not run")
	assert.Less(t, time.Since(start), 450*time.Millisecond,
		"closure waited for the full poll interval; breaker did not wake the poller")
}

func TestSelectPollerRuntime(t *testing.T) {
	m := startManager(t, 1, WithPollerFactory(poller.NewSelectPoller))
	w := m.Worker(0)

	a, b, err := netio.SocketPair()
	require.NoError(t, err)
	defer b.Close()

	received := make(chan string, 1)
	w.RunClosure("test.register", NewCallback("test", func() {
		d := w.RegisterSocketDescriptor(a, PriorityMed)
		d.NotifyWhenReadable(NewPermanentCallback("test.readable", func() {
			buf := make([]byte, 64)
			n, err := d.Read(buf)
			if err == nil && n > 0 {
				received <- string(buf[:n])
				d.ClearReadable()
				sock := w.DeleteSocketDescriptor(d)
				sock.Close()
			}
		}))
	}), PriorityMed)

	_, err = b.Write([]byte("select"))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "select", got)
	case <-time.After(5 * time.Second):
		t.Fatal("select poller did not deliver readability")
	}
}

func TestWorkerDebugString(t *testing.T) {
	m := startManager(t, 1)
	s := m.DebugString()
	assert.Contains(t, s, "worker_0")
	assert.Contains(t, s, "alarm_worker")
}
