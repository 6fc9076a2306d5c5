package httprpc

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotecc/remotecc/pkg/netio"
	"github.com/remotecc/remotecc/pkg/runtime"
	"github.com/remotecc/remotecc/pkg/transport"
)

// mockServer drives the server side of a socketpair from its own
// goroutine.
type mockServer struct {
	t    *testing.T
	sock *netio.Socket
}

// readRequest reads until the header/body boundary plus the declared
// content length.
func (s *mockServer) readRequest() string {
	var data []byte
	buf := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if time.Now().After(deadline) {
			s.t.Error("mock server: request read timed out")
			return string(data)
		}
		n, err := s.sock.ReadWithTimeout(buf, time.Second)
		if err != nil {
			if err == netio.ErrTimeout {
				continue
			}
			return string(data)
		}
		if n == 0 {
			return string(data)
		}
		data = append(data, buf[:n]...)
		if idx := strings.Index(string(data), "\r\n\r\n"); idx >= 0 {
			header := string(data[:idx])
			contentLength := 0
			for _, line := range strings.Split(header, "\r\n") {
				if k, v, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(k), "content-length") {
					fmt.Sscanf(strings.TrimSpace(v), "%d", &contentLength)
				}
			}
			if len(data) >= idx+4+contentLength {
				return string(data)
			}
		}
	}
}

func (s *mockServer) write(response string) {
	if err := s.sock.WriteString(response, 5*time.Second); err != nil {
		s.t.Errorf("mock server write: %v", err)
	}
}

func (s *mockServer) close() {
	s.sock.Close()
}

func newTestClient(t *testing.T, factory transport.SocketFactory) (*Client, *runtime.Manager) {
	t.Helper()
	wm := runtime.NewManager()
	wm.Start(2)
	t.Cleanup(wm.Finish)
	client := NewClient(wm, Options{
		DestHostName:   "mock",
		DestPort:       80,
		MaxRetries:     -1,
		InitialBackoff: 10 * time.Millisecond,
		Timeout:        3 * time.Second,
		SocketFactory:  factory,
	})
	return client, wm
}

func pairWithServer(t *testing.T) (*transport.MockSocketFactory, *transport.SocketStatus, *mockServer) {
	t.Helper()
	a, b, err := netio.SocketPair()
	require.NoError(t, err)
	status := &transport.SocketStatus{}
	factory := transport.NewMockSocketFactory(a, status)
	server := &mockServer{t: t, sock: b}
	return factory, status, server
}

func TestPingOk(t *testing.T) {
	factory, sockStatus, server := pairWithServer(t)
	defer server.close()
	client, _ := newTestClient(t, factory)

	go func() {
		req := server.readRequest()
		assert.Contains(t, req, "POST /pingz HTTP/1.1\r\n")
		assert.Contains(t, req, "Content-Type: binary/x-protocol-buffer\r\n")
		server.write("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 2\r\n\r\nok")
	}()

	status := NewStatus()
	code := client.Ping("/pingz", status)
	assert.Equal(t, 200, code)
	assert.Equal(t, "ok", client.HealthStatusMessage())
	assert.True(t, status.ConnectSuccess)
	assert.True(t, status.Finished)
	assert.True(t, sockStatus.IsReleased(), "2xx reply should release the socket for reuse")
	assert.False(t, sockStatus.IsClosed(), "2xx reply must not close the socket")
}

func TestPingRejected(t *testing.T) {
	factory, sockStatus, server := pairWithServer(t)
	defer server.close()
	client, _ := newTestClient(t, factory)

	go func() {
		server.readRequest()
		server.write("HTTP/1.1 401 Unauthorized\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\ndeny\n")
	}()

	status := NewStatus()
	code := client.Ping("/pingz", status)
	assert.Equal(t, 401, code)
	assert.Equal(t, "running: access to backend servers was rejected.", client.HealthStatusMessage())
	assert.True(t, sockStatus.IsClosed())
	assert.True(t, sockStatus.IsErr())
}

func TestPingConnectFail(t *testing.T) {
	// A factory with no socket fails every connect.
	a, _, err := netio.SocketPair()
	require.NoError(t, err)
	factory := transport.NewMockSocketFactory(a, nil)
	_, err = factory.NewSocket() // exhaust
	require.NoError(t, err)

	client, _ := newTestClient(t, factory)
	status := NewStatus()
	code := client.Ping("/pingz", status)
	assert.Equal(t, FAIL, code)
	assert.Equal(t, "error: failed to connect to backend servers", client.HealthStatusMessage())
	assert.False(t, status.ConnectSuccess)
}

func TestPingServerError(t *testing.T) {
	factory, _, server := pairWithServer(t)
	defer server.close()
	client, _ := newTestClient(t, factory)

	go func() {
		server.readRequest()
		server.write("HTTP/1.1 500 Internal Server Error\r\nContent-Length: 0\r\n\r\n")
	}()

	status := NewStatus()
	code := client.Ping("/pingz", status)
	assert.Equal(t, 500, code)
	assert.Equal(t, "running: failed to send request to backend servers", client.HealthStatusMessage())
}

func TestAsyncCall(t *testing.T) {
	factory, _, server := pairWithServer(t)
	defer server.close()
	client, wm := newTestClient(t, factory)

	const body = "response-payload"
	requestSeen := make(chan struct{})
	respond := make(chan struct{})
	go func() {
		req := server.readRequest()
		assert.Contains(t, req, "POST /exec HTTP/1.1\r\n")
		close(requestSeen)
		<-respond
		server.write(fmt.Sprintf(
			"HTTP/1.1 200 OK\r\nContent-Type: text/x-protocol-buffer\r\nContent-Length: %d\r\n\r\n%s",
			len(body), body))
	}()

	status := NewStatus()
	var respBody []byte
	callbackRan := make(chan struct{})
	callbacks := 0
	client.CallRawWithCallback("/exec", []byte("request-payload"), &respBody, status,
		wm.Worker(0), runtime.NewCallback("test.callback", func() {
			callbacks++
			close(callbackRan)
		}))

	<-requestSeen
	assert.True(t, status.ConnectSuccess)
	assert.False(t, status.Finished, "call must not be finished before the server replies")

	close(respond)
	select {
	case <-callbackRan:
	case <-time.After(5 * time.Second):
		t.Fatal("callback did not run")
	}
	assert.True(t, status.Finished)
	assert.Equal(t, OK, status.Err)
	assert.Equal(t, 200, status.HTTPReturnCode)
	assert.Equal(t, body, string(respBody))
	assert.Equal(t, 1, callbacks)
}

func TestChunkedResponse(t *testing.T) {
	factory, _, server := pairWithServer(t)
	defer server.close()
	client, _ := newTestClient(t, factory)

	go func() {
		server.readRequest()
		server.write("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
			"6\r\nchunk1\r\n6\r\nchunk2\r\n0\r\n\r\n")
	}()

	status := NewStatus()
	var respBody []byte
	r := client.CallRaw("/exec", []byte("x"), &respBody, status)
	assert.Equal(t, OK, r)
	assert.Equal(t, "chunk1chunk2", string(respBody))
}

func TestChunkedResponseTruncated(t *testing.T) {
	factory, _, server := pairWithServer(t)
	client, _ := newTestClient(t, factory)

	go func() {
		server.readRequest()
		// One whole chunk, then close before the zero chunk.
		server.write("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n6\r\nchunk1\r\n")
		server.close()
	}()

	status := NewStatus()
	var respBody []byte
	r := client.CallRaw("/exec", []byte("x"), &respBody, status)
	assert.Equal(t, FAIL, r)
	assert.NotEmpty(t, status.ErrorMessage)
}

func TestShortContentLength(t *testing.T) {
	factory, _, server := pairWithServer(t)
	client, _ := newTestClient(t, factory)

	go func() {
		server.readRequest()
		server.write("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nshort")
		server.close()
	}()

	status := NewStatus()
	var respBody []byte
	r := client.CallRaw("/exec", []byte("x"), &respBody, status)
	assert.Equal(t, FAIL, r)
}

func TestCloseDelimitedResponse(t *testing.T) {
	factory, _, server := pairWithServer(t)
	client, _ := newTestClient(t, factory)

	go func() {
		server.readRequest()
		server.write("HTTP/1.1 200 OK\r\n\r\ndelimited-by-close")
		server.close()
	}()

	status := NewStatus()
	var respBody []byte
	r := client.CallRaw("/exec", []byte("x"), &respBody, status)
	assert.Equal(t, OK, r)
	assert.Equal(t, "delimited-by-close", string(respBody))
}

func TestEmptyCloseDelimitedBody(t *testing.T) {
	factory, _, server := pairWithServer(t)
	client, _ := newTestClient(t, factory)

	go func() {
		server.readRequest()
		// A dummy body: headers then immediate close.
		server.write("HTTP/1.1 200 OK\r\n\r\n")
		server.close()
	}()

	status := NewStatus()
	var respBody []byte
	r := client.CallRaw("/exec", []byte("x"), &respBody, status)
	assert.Equal(t, OK, r)
	assert.Empty(t, respBody)
}

func TestShuttingDownFailsFast(t *testing.T) {
	factory, _, _ := pairWithServer(t)
	client, _ := newTestClient(t, factory)
	client.SetShuttingDown()

	status := NewStatus()
	r := client.CallRaw("/exec", []byte("x"), nil, status)
	assert.Equal(t, FAIL, r)
	assert.Contains(t, status.ErrorMessage, "shutting down")
}
