package transport

import (
	"fmt"
	"time"

	"github.com/remotecc/remotecc/internal/logger"
	"github.com/remotecc/remotecc/internal/version"
	"github.com/remotecc/remotecc/pkg/runtime"
)

// Descriptor is the connection surface the HTTP RPC layer runs over:
// either a plain socket descriptor or a TLS descriptor wrapping one.
type Descriptor interface {
	NotifyWhenReadable(closure *runtime.Closure)
	NotifyWhenWritable(closure *runtime.Closure)
	ClearReadable()
	ClearWritable()
	NotifyWhenTimedout(timeout time.Duration, closure *runtime.Closure)
	ChangeTimeout(timeout time.Duration)
	ClearTimeout()

	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	NeedRetry() bool
	CanReuse() bool
	LastErrorMessage() string

	StopRead()
	StopWrite()
}

// connectStatus tracks the optional HTTP-CONNECT preamble to a forward
// proxy.
type connectStatus int

const (
	connectReady connectStatus = iota
	connectNeedWrite
	connectNeedRead
)

// TLSOptions configure a TLS descriptor.
type TLSOptions struct {
	// UseProxy enables the HTTP-CONNECT preamble.
	UseProxy bool
	// DestHostName / DestPort name the real destination the proxy
	// should connect to.
	DestHostName string
	DestPort     int
}

// TLSDescriptor layers a TLS engine over a socket descriptor. The
// engine exchanges ciphertext with the socket through two memory
// buffers; application readable/writable closures are scheduled
// whenever the engine reports progress.
//
// While the application has no active read or write and no TLS work is
// pending, the underlying socket's poll interest is dropped so idle
// connections consume no descriptor slots.
type TLSDescriptor struct {
	sd     *runtime.SocketDescriptor
	engine TLSEngine
	worker *runtime.Worker
	opts   TLSOptions

	readableClosure *runtime.Closure // permanent
	writableClosure *runtime.Closure // permanent

	networkReadBuffer  []byte
	networkWriteBuffer []byte
	networkWriteOffset int

	proxyResponse []byte

	sslPending  bool
	activeRead  bool
	activeWrite bool
	ioFailed    bool
	isClosed    bool

	connectStatus connectStatus

	cancelReadable *runtime.DelayedClosure
}

// NewTLSDescriptor wraps sd with engine. Call Init before use.
func NewTLSDescriptor(sd *runtime.SocketDescriptor, engine TLSEngine, opts TLSOptions) *TLSDescriptor {
	return &TLSDescriptor{
		sd:                sd,
		engine:            engine,
		worker:            sd.Worker(),
		opts:              opts,
		networkReadBuffer: make([]byte, 64*1024),
	}
}

// Init arms the transport-layer callbacks and, when a proxy is
// configured on a fresh session, starts the CONNECT preamble.
func (d *TLSDescriptor) Init() {
	if d.opts.UseProxy && !d.engine.IsRecycled() {
		d.connectStatus = connectNeedWrite
	}
	d.engine.SetOutputNotify(func() {
		// Ciphertext appeared from an engine goroutine; resume
		// write polling from the owning worker.
		d.worker.RunClosure("transport.tlsOutput", runtime.NewCallback("transport.tlsOutput", func() {
			d.resumeTransportWritable()
		}), runtime.PriorityImmediate)
	})
	d.sd.NotifyWhenReadable(runtime.NewPermanentCallback("transport.tlsReadable", d.transportLayerReadable))
	d.sd.NotifyWhenWritable(runtime.NewPermanentCallback("transport.tlsWritable", d.transportLayerWritable))
}

// NotifyWhenReadable arms the application readable callback.
func (d *TLSDescriptor) NotifyWhenReadable(closure *runtime.Closure) {
	d.readableClosure = closure
	d.activeRead = true
	d.restartTransportLayer()
}

// NotifyWhenWritable arms the application writable callback.
func (d *TLSDescriptor) NotifyWhenWritable(closure *runtime.Closure) {
	d.writableClosure = closure
	d.activeWrite = true
	d.restartTransportLayer()
}

// ClearReadable drops the application readable callback.
func (d *TLSDescriptor) ClearReadable() {
	d.activeRead = false
	d.readableClosure = nil
	if d.cancelReadable != nil {
		d.cancelReadable.Cancel()
		d.cancelReadable = nil
	}
}

// ClearWritable drops the application writable callback.
func (d *TLSDescriptor) ClearWritable() {
	d.activeWrite = false
	d.writableClosure = nil
}

// ClearTimeout forwards to the underlying socket descriptor.
func (d *TLSDescriptor) ClearTimeout() {
	d.sd.ClearTimeout()
}

// NotifyWhenTimedout forwards to the underlying socket descriptor.
func (d *TLSDescriptor) NotifyWhenTimedout(timeout time.Duration, closure *runtime.Closure) {
	d.sd.NotifyWhenTimedout(timeout, closure)
}

// ChangeTimeout forwards to the underlying socket descriptor unless
// the connection is already closed.
func (d *TLSDescriptor) ChangeTimeout(timeout time.Duration) {
	if d.isClosed {
		return
	}
	d.sd.ChangeTimeout(timeout)
}

// Read returns decrypted application data.
func (d *TLSDescriptor) Read(p []byte) (int, error) {
	d.cancelReadable = nil
	if d.ioFailed {
		return 0, fmt.Errorf("tls transport failed: %s", d.LastErrorMessage())
	}
	if !d.isClosed {
		// TLS may need to send protocol data even on pure reads.
		d.sd.RestartWrite()
	}

	n, err := d.engine.Read(p)
	switch {
	case err == ErrWantRead || err == ErrWantWrite:
		if d.isClosed {
			logger.Info("socket already closed by peer", logger.KeyFd, d.sd.FD())
			return 0, nil
		}
		d.sslPending = true
		return 0, err
	case err != nil:
		logger.Error("tls read failed", logger.KeyError, err.Error())
		return 0, err
	default:
		d.sslPending = false
	}
	if d.isClosed && n > 0 {
		// Let the application drain all buffered data after close.
		d.cancelReadable = d.worker.RunDelayedClosure("transport.drainRead", 0,
			runtime.NewCallback("transport.drainRead", func() {
				if d.activeRead && d.readableClosure != nil {
					d.readableClosure.Run()
				}
			}))
	}
	return n, nil
}

// Write encrypts application data.
func (d *TLSDescriptor) Write(p []byte) (int, error) {
	if d.ioFailed || d.isClosed {
		return 0, fmt.Errorf("tls transport closed: %s", d.LastErrorMessage())
	}
	d.resumeTransportWritable()
	n, err := d.engine.Write(p)
	switch {
	case err == ErrWantRead || err == ErrWantWrite:
		d.sslPending = true
		return 0, err
	case err != nil:
		logger.Error("tls write failed", logger.KeyError, err.Error())
		return 0, err
	default:
		d.sslPending = false
	}
	return n, nil
}

// NeedRetry reports whether the last operation should be retried once
// more transport data flows.
func (d *TLSDescriptor) NeedRetry() bool {
	return d.sslPending && !d.ioFailed && !d.isClosed
}

// LastErrorMessage combines socket and engine errors.
func (d *TLSDescriptor) LastErrorMessage() string {
	return fmt.Sprintf("fd:%d socket:%s tls_engine:%s",
		d.sd.FD(), d.sd.LastErrorMessage(), d.engine.LastErrorMessage())
}

// StopRead pauses application reads; transport polling stops once both
// directions are idle.
func (d *TLSDescriptor) StopRead() {
	d.activeRead = false
	if !d.activeWrite && !d.sslPending {
		d.stopTransportLayer()
	}
	if d.cancelReadable != nil {
		d.cancelReadable.Cancel()
		d.cancelReadable = nil
	}
}

// StopWrite pauses application writes; transport polling stops once
// both directions are idle.
func (d *TLSDescriptor) StopWrite() {
	d.activeWrite = false
	if !d.activeRead && !d.sslPending {
		d.stopTransportLayer()
	}
}

// CanReuse reports whether the TLS session survived cleanly.
func (d *TLSDescriptor) CanReuse() bool {
	return !d.isClosed && !d.ioFailed && d.sd.CanReuse()
}

// SocketDescriptor exposes the wrapped descriptor for teardown.
func (d *TLSDescriptor) SocketDescriptor() *runtime.SocketDescriptor { return d.sd }

// transportLayerReadable moves ciphertext socket → engine, or consumes
// the proxy's CONNECT response during setup.
func (d *TLSDescriptor) transportLayerReadable() {
	readSize := d.engine.GetBufSizeFromTransport()
	if readSize > len(d.networkReadBuffer) {
		readSize = len(d.networkReadBuffer)
	}
	if readSize == 0 {
		logger.Info("transport readable but engine not accepting data", logger.KeyFd, d.sd.FD())
		d.putClosuresInRunQueue()
		return
	}
	n, err := d.sd.Read(d.networkReadBuffer[:readSize])
	if err != nil && d.sd.NeedRetry() {
		return
	}
	if err == nil && n == 0 { // EOF
		logger.Info("remote closed", logger.KeyFd, d.sd.FD())
		d.isClosed = true
		d.stopTransportLayer()
		d.putClosuresInRunQueue()
		return
	}
	if err != nil {
		logger.Warn("transport read failed", logger.KeyFd, d.sd.FD(), logger.KeyError, err.Error())
		d.stopTransportLayer()
		d.ioFailed = true
		d.putClosuresInRunQueue()
		return
	}

	switch d.connectStatus {
	case connectReady:
		if _, serr := d.engine.SetDataFromTransport(d.networkReadBuffer[:n]); serr != nil {
			d.stopTransportLayer()
			d.ioFailed = true
			d.putClosuresInRunQueue()
			return
		}
		d.resumeTransportWritable()
		if d.engine.IsReady() {
			d.putClosuresInRunQueue()
		}

	case connectNeedRead:
		d.proxyResponse = append(d.proxyResponse, d.networkReadBuffer[:n]...)
		statusCode, complete := parseProxyConnectResponse(d.proxyResponse)
		if !complete {
			return
		}
		if statusCode/100 == 2 {
			d.connectStatus = connectReady
			d.resumeTransportWritable()
		} else {
			logger.Error("proxy CONNECT rejected",
				logger.KeyHTTPStatus, statusCode,
				"response", string(d.proxyResponse))
			d.stopTransportLayer()
			d.ioFailed = true
			d.putClosuresInRunQueue()
		}

	case connectNeedWrite:
		logger.Error("unexpected read while waiting to send CONNECT", logger.KeyFd, d.sd.FD())
	}
}

// transportLayerWritable moves ciphertext engine → socket, or sends
// the CONNECT preamble during setup.
func (d *TLSDescriptor) transportLayerWritable() {
	if len(d.networkWriteBuffer) == 0 {
		switch d.connectStatus {
		case connectReady:
			d.networkWriteBuffer = d.engine.GetDataToSendTransport()
		case connectNeedWrite:
			d.networkWriteBuffer = []byte(d.proxyConnectRequest())
		}
		d.networkWriteOffset = 0
		if len(d.networkWriteBuffer) == 0 {
			d.suspendTransportWritable()
		}
		if !d.engine.IsIOPending() {
			d.putClosuresInRunQueue()
			return
		}
	}
	writeSize := len(d.networkWriteBuffer) - d.networkWriteOffset
	if writeSize == 0 {
		return
	}
	n, err := d.sd.Write(d.networkWriteBuffer[d.networkWriteOffset:])
	if err != nil && d.sd.NeedRetry() {
		return
	}
	if err != nil || n <= 0 {
		logger.Warn("transport write failed",
			logger.KeyFd, d.sd.FD(),
			logger.KeyError, d.sd.LastErrorMessage())
		d.stopTransportLayer()
		d.ioFailed = true
		d.putClosuresInRunQueue()
		return
	}
	d.networkWriteOffset += n
	if d.networkWriteOffset == len(d.networkWriteBuffer) {
		d.networkWriteBuffer = nil
		d.networkWriteOffset = 0
		if d.connectStatus == connectNeedWrite {
			d.connectStatus = connectNeedRead
		}
	}
}

// putClosuresInRunQueue schedules the armed application callbacks so
// control returns to the descriptor's user.
func (d *TLSDescriptor) putClosuresInRunQueue() {
	scheduled := false
	if d.activeWrite && d.writableClosure != nil {
		d.worker.RunClosure("transport.tlsAppWritable", d.writableClosure, runtime.PriorityImmediate)
		scheduled = true
	}
	if d.activeRead && d.readableClosure != nil {
		d.worker.RunClosure("transport.tlsAppReadable", d.readableClosure, runtime.PriorityImmediate)
		scheduled = true
	}
	if !scheduled {
		logger.Error("no application callback to schedule",
			"active_read", d.activeRead,
			"active_write", d.activeWrite,
			"is_closed", d.isClosed,
			"io_failed", d.ioFailed)
	}
}

func (d *TLSDescriptor) suspendTransportWritable() {
	d.sd.StopWrite()
	d.sd.UnregisterWritable()
}

func (d *TLSDescriptor) resumeTransportWritable() {
	if d.isClosed {
		return
	}
	d.sd.RestartWrite()
}

func (d *TLSDescriptor) stopTransportLayer() {
	d.sd.StopRead()
	d.sd.StopWrite()
	if d.isClosed {
		d.sd.ClearTimeout()
	}
}

func (d *TLSDescriptor) restartTransportLayer() {
	if d.isClosed {
		return
	}
	d.sd.RestartRead()
	d.sd.RestartWrite()
}

func (d *TLSDescriptor) proxyConnectRequest() string {
	hostPort := fmt.Sprintf("%s:%d", d.opts.DestHostName, d.opts.DestPort)
	return "CONNECT " + hostPort + " HTTP/1.1\r\n" +
		"Host: " + hostPort + "\r\n" +
		"UserAgent: " + version.UserAgent() + "\r\n" +
		"\r\n"
}

// parseProxyConnectResponse parses the status code out of a proxy's
// CONNECT response once the header section is complete.
func parseProxyConnectResponse(data []byte) (statusCode int, complete bool) {
	// Headers end with a blank line.
	idx := -1
	for i := 0; i+3 < len(data); i++ {
		if data[i] == '\r' && data[i+1] == '\n' && data[i+2] == '\r' && data[i+3] == '\n' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, false
	}
	var proto string
	var code int
	if _, err := fmt.Sscanf(string(data[:idx]), "%s %d", &proto, &code); err != nil {
		return 0, true
	}
	return code, true
}
