package multirpc

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotecc/remotecc/pkg/httprpc"
	"github.com/remotecc/remotecc/pkg/netio"
	"github.com/remotecc/remotecc/pkg/runtime"
	"github.com/remotecc/remotecc/pkg/transport"
)

// testServer answers HTTP requests on the peer end of a socketpair.
// handle receives the request path and body and returns the response
// body bytes; per-request status is always 200.
type testServer struct {
	t      *testing.T
	sock   *netio.Socket
	handle func(path string, body []byte) []byte
	done   chan struct{}
}

func startTestServer(t *testing.T, sock *netio.Socket, handle func(string, []byte) []byte) *testServer {
	s := &testServer{t: t, sock: sock, handle: handle, done: make(chan struct{})}
	go s.loop()
	return s
}

func (s *testServer) loop() {
	defer close(s.done)
	buf := make([]byte, 64*1024)
	var data []byte
	for {
		path, body, consumed := parseRequest(data)
		if consumed > 0 {
			data = data[consumed:]
			resp := s.handle(path, body)
			response := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(resp), resp)
			if err := s.sock.WriteString(response, 5*time.Second); err != nil {
				return
			}
			continue
		}
		n, err := s.sock.ReadWithTimeout(buf, 5*time.Second)
		if err != nil || n == 0 {
			return
		}
		data = append(data, buf[:n]...)
	}
}

// parseRequest returns the path and body of a complete request, and
// how many bytes it consumed; consumed is 0 when incomplete.
func parseRequest(data []byte) (string, []byte, int) {
	idx := strings.Index(string(data), "\r\n\r\n")
	if idx < 0 {
		return "", nil, 0
	}
	header := string(data[:idx])
	lines := strings.Split(header, "\r\n")
	var method, path string
	fmt.Sscanf(lines[0], "%s %s", &method, &path)
	contentLength := 0
	for _, line := range lines[1:] {
		if k, v, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(k), "content-length") {
			fmt.Sscanf(strings.TrimSpace(v), "%d", &contentLength)
		}
	}
	total := idx + 4 + contentLength
	if len(data) < total {
		return "", nil, 0
	}
	return path, append([]byte{}, data[idx+4:total]...), total
}

func newMultiTestEnv(t *testing.T, opts Options, handle func(string, []byte) []byte) (*MultiRPC, *runtime.Manager) {
	t.Helper()
	a, b, err := netio.SocketPair()
	require.NoError(t, err)
	server := startTestServer(t, b, handle)
	t.Cleanup(func() {
		b.Close()
		select {
		case <-server.done:
		case <-time.After(time.Second):
		}
	})

	wm := runtime.NewManager()
	wm.Start(2)
	t.Cleanup(wm.Finish)

	client := httprpc.NewClient(wm, httprpc.Options{
		DestHostName:   "mock",
		DestPort:       80,
		MaxRetries:     -1,
		InitialBackoff: 10 * time.Millisecond,
		Timeout:        3 * time.Second,
		SocketFactory:  transport.NewMockSocketFactory(a, nil),
	})
	m := NewMultiRPC(wm, client, "/exec", "/multi_exec", opts)
	t.Cleanup(m.Shutdown)
	return m, wm
}

type childCall struct {
	status   *httprpc.Status
	resp     []byte
	finished chan struct{}
	count    int
}

func submit(m *MultiRPC, wm *runtime.Manager, payload []byte) *childCall {
	c := &childCall{status: httprpc.NewStatus(), finished: make(chan struct{})}
	m.Call(payload, &c.resp, c.status, wm.Worker(0), runtime.NewCallback("test.child", func() {
		c.count++
		close(c.finished)
	}))
	return c
}

func waitChild(t *testing.T, c *childCall) {
	t.Helper()
	select {
	case <-c.finished:
	case <-time.After(5 * time.Second):
		t.Fatal("child call did not finish")
	}
}

func TestSizeThresholdDispatch(t *testing.T) {
	multiCalls := make(chan int, 8)
	m, wm := newMultiTestEnv(t, Options{
		MaxReqInCall:           4,
		ReqSizeThresholdInCall: 10000,
		CheckInterval:          time.Hour, // timer must not be the trigger
	}, func(path string, body []byte) []byte {
		assert.Equal(t, "/multi_exec", path)
		reqs, err := DecodeCombinedRequest(body)
		assert.NoError(t, err)
		multiCalls <- len(reqs)
		items := make([]combinedItem, len(reqs))
		for i, req := range reqs {
			items[i] = CombinedResponseItem(200, append([]byte("resp:"), req[:4]...))
		}
		out, err := EncodeCombinedResponse(items)
		assert.NoError(t, err)
		return out
	})

	payload := func(tag string) []byte {
		p := make([]byte, 8000)
		copy(p, tag)
		return p
	}

	// 8000 bytes: under the threshold, stays pending.
	c1 := submit(m, wm, payload("one-"))
	select {
	case <-c1.finished:
		t.Fatal("first call dispatched before any bound was crossed")
	case <-time.After(50 * time.Millisecond):
	}

	// 16000 bytes total: crosses the size threshold; both go out.
	c2 := submit(m, wm, payload("two-"))
	waitChild(t, c1)
	waitChild(t, c2)

	assert.Equal(t, 2, <-multiCalls, "the second submission should have dispatched a batch of 2")
	assert.Equal(t, httprpc.OK, c1.status.Err)
	assert.Equal(t, httprpc.OK, c2.status.Err)
	assert.Equal(t, "resp:one-", string(c1.resp))
	assert.Equal(t, "resp:two-", string(c2.resp))
	assert.Equal(t, 1, c1.count, "child finished more than once")
	assert.Equal(t, 1, c2.count, "child finished more than once")
	assert.NotEmpty(t, c1.status.MasterTraceID)
	assert.NotZero(t, c1.status.ReqSize, "wire stats go to the first child")
	assert.Zero(t, c2.status.ReqSize, "wire stats go to the first child only")
}

func TestCountDispatch(t *testing.T) {
	m, wm := newMultiTestEnv(t, Options{
		MaxReqInCall:  2,
		CheckInterval: time.Hour,
	}, func(path string, body []byte) []byte {
		reqs, err := DecodeCombinedRequest(body)
		assert.NoError(t, err)
		items := make([]combinedItem, len(reqs))
		for i := range reqs {
			items[i] = CombinedResponseItem(200, []byte("ok"))
		}
		out, _ := EncodeCombinedResponse(items)
		return out
	})

	c1 := submit(m, wm, []byte("a"))
	c2 := submit(m, wm, []byte("b"))
	waitChild(t, c1)
	waitChild(t, c2)
	assert.Equal(t, httprpc.OK, c1.status.Err)
	assert.Equal(t, httprpc.OK, c2.status.Err)
}

func TestTimerDispatchSingleGoesToSinglePath(t *testing.T) {
	paths := make(chan string, 8)
	m, wm := newMultiTestEnv(t, Options{
		MaxReqInCall:  4,
		CheckInterval: 30 * time.Millisecond,
	}, func(path string, body []byte) []byte {
		paths <- path
		// A lone pending call is sent as a plain single RPC.
		return []byte("single-ok")
	})

	c := submit(m, wm, []byte("lonely"))
	waitChild(t, c)
	assert.Equal(t, httprpc.OK, c.status.Err)
	assert.Equal(t, "single-ok", string(c.resp))
	assert.Equal(t, "/exec", <-paths)
}

func TestPerItemFailureSynthesizesError(t *testing.T) {
	m, wm := newMultiTestEnv(t, Options{
		MaxReqInCall:  2,
		CheckInterval: time.Hour,
	}, func(path string, body []byte) []byte {
		reqs, _ := DecodeCombinedRequest(body)
		items := make([]combinedItem, len(reqs))
		items[0] = CombinedResponseItem(200, []byte("fine"))
		items[1] = CombinedResponseItem(500, nil)
		out, _ := EncodeCombinedResponse(items)
		return out
	})

	c1 := submit(m, wm, []byte("a"))
	c2 := submit(m, wm, []byte("b"))
	waitChild(t, c1)
	waitChild(t, c2)

	assert.Equal(t, httprpc.OK, c1.status.Err)
	assert.Equal(t, "fine", string(c1.resp))
	assert.Equal(t, httprpc.FAIL, c2.status.Err)
	assert.Contains(t, c2.status.ErrorMessage, "MultiCall ok but single call failed")
	assert.Equal(t, 500, c2.status.HTTPReturnCode)
}

func TestCancelAtShutdown(t *testing.T) {
	m, wm := newMultiTestEnv(t, Options{
		MaxReqInCall:  4,
		CheckInterval: time.Hour,
	}, func(path string, body []byte) []byte {
		t.Error("no network call expected for a canceled batch")
		return nil
	})

	c := submit(m, wm, []byte("never-sent"))
	m.Shutdown()
	waitChild(t, c)

	assert.False(t, c.status.ConnectSuccess)
	assert.Equal(t, httprpc.FAIL, c.status.Err)
	assert.Equal(t, ErrCanceledMessage, c.status.ErrorMessage)
}
