// Package httprpc implements the HTTP/1.1 RPC client of the
// dispatcher: request/response framing over the descriptor runtime,
// chunked and content-length bodies, keep-alive, compression
// negotiation, bounded exponential retry, and health-status
// reporting.
package httprpc

import (
	"bytes"
	"encoding"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/remotecc/remotecc/pkg/runtime"
	"github.com/remotecc/remotecc/pkg/transport"
)

// Health status strings reported by Ping.
const (
	healthOK           = "ok"
	healthRejected     = "running: access to backend servers was rejected."
	healthConnectFail  = "error: failed to connect to backend servers"
	healthSendFail     = "running: failed to send request to backend servers"
	healthInitializing = "initializing"
)

// DefaultContentType is used when Options.ContentTypeForProtobuf is
// empty.
const DefaultContentType = "binary/x-protocol-buffer"

// Message is a serializable RPC payload. The wire body is opaque to
// this layer.
type Message interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Options configure an HTTP RPC client.
type Options struct {
	DestHostName string
	DestPort     int
	UseSSL       bool

	// ProxyHost enables a forward proxy: HTTP-CONNECT for TLS,
	// absolute-URI request lines for plain HTTP.
	ProxyHost string
	ProxyPort int

	// ContentTypeForProtobuf is the request body content type.
	ContentTypeForProtobuf string

	// StartCompression gzips request bodies and advertises gzip
	// response acceptance.
	StartCompression bool

	// Timeout bounds each attempt's socket inactivity.
	Timeout time.Duration

	// MaxRetries bounds connect-failure and 5xx retries.
	MaxRetries int

	// InitialBackoff seeds the exponential retry schedule.
	InitialBackoff time.Duration

	SocketFactory    transport.SocketFactory
	TLSEngineFactory transport.TLSEngineFactory
}

func (o *Options) contentType() string {
	if o.ContentTypeForProtobuf == "" {
		return DefaultContentType
	}
	return o.ContentTypeForProtobuf
}

func (o *Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return 30 * time.Second
	}
	return o.Timeout
}

func (o *Options) maxRetries() int {
	if o.MaxRetries < 0 {
		return 0
	}
	if o.MaxRetries == 0 {
		return 3
	}
	return o.MaxRetries
}

func (o *Options) initialBackoff() time.Duration {
	if o.InitialBackoff <= 0 {
		return 500 * time.Millisecond
	}
	return o.InitialBackoff
}

// Stats aggregates per-client counters, guarded by one lock.
type Stats struct {
	Queries  int
	Retries  int
	Timeouts int
	Errors   int
}

// Client issues RPCs to one destination.
type Client struct {
	opts Options
	wm   *runtime.Manager

	mu           sync.Mutex
	health       string
	stats        Stats
	shuttingDown bool
}

// NewClient creates a client over wm with the given options.
func NewClient(wm *runtime.Manager, opts Options) *Client {
	return &Client{
		opts:   opts,
		wm:     wm,
		health: healthInitializing,
	}
}

// Options returns the client options.
func (c *Client) Options() Options { return c.opts }

// HealthStatusMessage returns the cached health string maintained by
// Ping.
func (c *Client) HealthStatusMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

func (c *Client) setHealth(s string) {
	c.mu.Lock()
	c.health = s
	c.mu.Unlock()
}

// Stats returns a copy of the per-client counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// SetShuttingDown makes subsequent calls fail fast.
func (c *Client) SetShuttingDown() {
	c.mu.Lock()
	c.shuttingDown = true
	c.mu.Unlock()
}

// IsShuttingDown reports whether shutdown began.
func (c *Client) IsShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shuttingDown
}

func (c *Client) countRetry() {
	c.mu.Lock()
	c.stats.Retries++
	c.mu.Unlock()
}

func (c *Client) countTimeout() {
	c.mu.Lock()
	c.stats.Timeouts++
	c.mu.Unlock()
}

// Ping sends an empty POST to path as a health probe and updates the
// cached health status. Returns the HTTP status code, or FAIL when no
// connection could be made.
func (c *Client) Ping(path string, status *Status) int {
	c.CallRaw(path, nil, nil, status)

	switch {
	case !status.ConnectSuccess:
		c.setHealth(healthConnectFail)
		return FAIL
	case status.HTTPReturnCode/100 == 2:
		c.setHealth(healthOK)
	case status.HTTPReturnCode/100 == 4:
		c.setHealth(healthRejected)
	default:
		c.setHealth(healthSendFail)
	}
	return status.HTTPReturnCode
}

// CallRaw performs a synchronous RPC with an opaque body. respBody may
// be nil when the response payload is not needed.
func (c *Client) CallRaw(path string, reqBody []byte, respBody *[]byte, status *Status) int {
	c.CallRawWithCallback(path, reqBody, respBody, status, nil, nil)
	status.Wait()
	if status.Err != OK {
		return status.Err
	}
	return OK
}

// CallRawWithCallback performs an asynchronous RPC. When the call
// finishes, status.Finished is set and callback runs on
// callbackWorker. Passing a nil callback makes completion observable
// via status.Wait only.
func (c *Client) CallRawWithCallback(path string, reqBody []byte, respBody *[]byte, status *Status, callbackWorker *runtime.Worker, callback *runtime.Closure) {
	if status.notify == nil {
		panic("httprpc: status must be created with NewStatus")
	}
	status.TraceID = uuid.NewString()
	status.Timeout = c.opts.timeout()

	c.mu.Lock()
	c.stats.Queries++
	down := c.shuttingDown
	c.mu.Unlock()

	call := &httpCall{
		client:         c,
		path:           path,
		respBody:       respBody,
		status:         status,
		callbackWorker: callbackWorker,
		callback:       callback,
	}
	if down {
		call.finish(FAIL, "client is shutting down")
		return
	}
	if err := call.buildRequest(reqBody); err != nil {
		call.finish(FAIL, err.Error())
		return
	}
	call.start()
}

// Call performs a synchronous RPC with serializable messages. resp may
// be nil.
func (c *Client) Call(path string, req Message, resp Message, status *Status) int {
	var reqBody []byte
	if req != nil {
		var err error
		reqBody, err = req.MarshalBinary()
		if err != nil {
			status.Err = FAIL
			status.ErrorMessage = fmt.Sprintf("marshal request: %v", err)
			status.MarkFinished()
			return FAIL
		}
	}
	var respBody []byte
	r := c.CallRaw(path, reqBody, &respBody, status)
	if r != OK {
		return r
	}
	if resp != nil {
		if err := resp.UnmarshalBinary(respBody); err != nil {
			status.Err = FAIL
			status.ErrorMessage = fmt.Sprintf("unmarshal response: %v", err)
			return FAIL
		}
	}
	return OK
}

// CallWithCallback performs an asynchronous RPC with serializable
// messages. The response is unmarshaled into resp before callback
// runs.
func (c *Client) CallWithCallback(path string, req Message, resp Message, status *Status, callbackWorker *runtime.Worker, callback *runtime.Closure) {
	var reqBody []byte
	if req != nil {
		var err error
		reqBody, err = req.MarshalBinary()
		if err != nil {
			status.Err = FAIL
			status.ErrorMessage = fmt.Sprintf("marshal request: %v", err)
			status.MarkFinished()
			if callback != nil && callbackWorker != nil {
				callbackWorker.RunClosure("httprpc.callback", callback, runtime.PriorityMed)
			}
			return
		}
	}
	respBody := new([]byte)
	unmarshal := runtime.NewCallback("httprpc.unmarshal", func() {
		if status.Err == OK && resp != nil {
			if err := resp.UnmarshalBinary(*respBody); err != nil {
				status.Err = FAIL
				status.ErrorMessage = fmt.Sprintf("unmarshal response: %v", err)
			}
		}
		if callback != nil {
			callback.Run()
		}
	})
	c.CallRawWithCallback(path, reqBody, respBody, status, callbackWorker, unmarshal)
}

// DebugString summarizes client state for the status page.
func (c *Client) DebugString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b bytes.Buffer
	fmt.Fprintf(&b, "health: %s\n", c.health)
	fmt.Fprintf(&b, "queries=%d retries=%d timeouts=%d errors=%d\n",
		c.stats.Queries, c.stats.Retries, c.stats.Timeouts, c.stats.Errors)
	if c.opts.SocketFactory != nil {
		fmt.Fprintf(&b, "%s\n", c.opts.SocketFactory.DebugString())
	}
	return b.String()
}
