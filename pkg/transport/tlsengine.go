package transport

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// Engine drive errors. WantRead/WantWrite mirror the pending states of
// a nonblocking TLS stack: the caller should retry after moving more
// ciphertext through the transport buffers.
var (
	ErrWantRead  = errors.New("tls: want read")
	ErrWantWrite = errors.New("tls: want write")
)

// TLSEngine en/decrypts application data through a pair of in-memory
// buffers. Ciphertext received from the network is pushed in with
// SetDataFromTransport; ciphertext to send is pulled out with
// GetDataToSendTransport. The engine never touches a socket.
type TLSEngine interface {
	// IsIOPending reports whether the engine is mid-handshake or has
	// buffered work, so transport traffic must keep flowing.
	IsIOPending() bool

	// IsReady reports whether the handshake completed.
	IsReady() bool

	// IsRecycled reports whether the engine resumed a previous
	// session (so a proxy CONNECT preamble is not needed again).
	IsRecycled() bool

	// SetDataFromTransport feeds ciphertext read from the socket.
	// Returns the number of bytes consumed, or an error.
	SetDataFromTransport(p []byte) (int, error)

	// GetDataToSendTransport drains ciphertext produced by the
	// engine.
	GetDataToSendTransport() []byte

	// GetBufSizeFromTransport returns how much transport data the
	// engine is willing to accept right now.
	GetBufSizeFromTransport() int

	// Read returns decrypted application data. (0, nil) means the
	// peer cleanly closed the TLS channel. ErrWantRead means no data
	// is available yet.
	Read(p []byte) (int, error)

	// Write encrypts application data. The engine buffers internally
	// and never blocks.
	Write(p []byte) (int, error)

	// SetOutputNotify registers a callback invoked (from an engine
	// goroutine) whenever new ciphertext becomes available to send.
	SetOutputNotify(fn func())

	LastErrorMessage() string
}

// TLSEngineFactory creates engines for new connections.
type TLSEngineFactory interface {
	NewEngine() TLSEngine
}

// StdTLSEngineFactory builds engines over crypto/tls.
type StdTLSEngineFactory struct {
	// ServerName for SNI and certificate verification.
	ServerName string
	// RootCAs overrides the system pool when non-nil.
	RootCAs *x509.CertPool
	// InsecureSkipVerify disables certificate verification; for
	// tests only.
	InsecureSkipVerify bool
}

func (f *StdTLSEngineFactory) NewEngine() TLSEngine {
	e := &stdTLSEngine{
		serverName: f.ServerName,
		config: &tls.Config{
			ServerName:         f.ServerName,
			RootCAs:            f.RootCAs,
			InsecureSkipVerify: f.InsecureSkipVerify,
		},
	}
	e.transportIn.cond = sync.NewCond(&e.transportIn.mu)
	e.plain.cond = sync.NewCond(&e.plain.mu)
	return e
}

// engineBuf is a buffer with a condition variable so pump goroutines
// can block on it while the event loop fills it.
type engineBuf struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
	err    error
}

// stdTLSEngine adapts the blocking crypto/tls connection to the
// nonblocking engine contract. Two pump goroutines own the blocking
// calls; the event loop only ever touches the memory buffers.
type stdTLSEngine struct {
	serverName string
	config     *tls.Config

	started bool
	conn    *tls.Conn

	transportIn engineBuf // ciphertext from socket, consumed by tls.Conn reads

	outMu        sync.Mutex
	transportOut bytes.Buffer // ciphertext produced by tls.Conn writes
	outputNotify func()

	plain engineBuf // decrypted application data

	appWriteMu sync.Mutex
	appWrite   chan []byte

	stateMu sync.Mutex
	ready   bool
	failed  error
}

// bioConn is the net.Conn the tls.Conn runs over: reads block on the
// transport-in buffer, writes land in the transport-out buffer.
type bioConn struct {
	e *stdTLSEngine
}

func (c *bioConn) Read(p []byte) (int, error) {
	in := &c.e.transportIn
	in.mu.Lock()
	defer in.mu.Unlock()
	for in.buf.Len() == 0 && !in.closed {
		in.cond.Wait()
	}
	if in.buf.Len() == 0 {
		if in.err != nil {
			return 0, in.err
		}
		return 0, io.EOF
	}
	return in.buf.Read(p)
}

func (c *bioConn) Write(p []byte) (int, error) {
	c.e.outMu.Lock()
	c.e.transportOut.Write(p)
	notify := c.e.outputNotify
	c.e.outMu.Unlock()
	if notify != nil {
		notify()
	}
	return len(p), nil
}

func (c *bioConn) Close() error {
	in := &c.e.transportIn
	in.mu.Lock()
	in.closed = true
	in.cond.Broadcast()
	in.mu.Unlock()
	return nil
}

func (c *bioConn) LocalAddr() net.Addr                { return dummyAddr{} }
func (c *bioConn) RemoteAddr() net.Addr               { return dummyAddr{} }
func (c *bioConn) SetDeadline(t time.Time) error      { return nil }
func (c *bioConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *bioConn) SetWriteDeadline(t time.Time) error { return nil }

type dummyAddr struct{}

func (dummyAddr) Network() string { return "bio" }
func (dummyAddr) String() string  { return "bio" }

// start launches the pump goroutines on first use.
func (e *stdTLSEngine) start() {
	if e.started {
		return
	}
	e.started = true
	e.conn = tls.Client(&bioConn{e: e}, e.config)
	e.appWrite = make(chan []byte, 64)

	// Read pump: handshake + decrypt into the plaintext buffer.
	go func() {
		buf := make([]byte, 16*1024)
		for {
			n, err := e.conn.Read(buf)
			if n > 0 {
				e.plain.mu.Lock()
				e.plain.buf.Write(buf[:n])
				e.plain.cond.Broadcast()
				e.plain.mu.Unlock()
				e.markReady()
			}
			if err != nil {
				e.plain.mu.Lock()
				e.plain.closed = true
				if err != io.EOF {
					e.plain.err = err
				}
				e.plain.cond.Broadcast()
				e.plain.mu.Unlock()
				e.setFailed(err)
				return
			}
		}
	}()

	// Write pump: encrypt queued application data.
	go func() {
		for p := range e.appWrite {
			if _, err := e.conn.Write(p); err != nil {
				e.setFailed(err)
				return
			}
			e.markReady()
		}
	}()
}

func (e *stdTLSEngine) markReady() {
	e.stateMu.Lock()
	if !e.ready && e.conn.ConnectionState().HandshakeComplete {
		e.ready = true
	}
	e.stateMu.Unlock()
}

func (e *stdTLSEngine) setFailed(err error) {
	if err == io.EOF {
		return
	}
	e.stateMu.Lock()
	if e.failed == nil {
		e.failed = err
	}
	e.stateMu.Unlock()
}

func (e *stdTLSEngine) IsIOPending() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.started && !e.ready && e.failed == nil
}

func (e *stdTLSEngine) IsReady() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.ready
}

func (e *stdTLSEngine) IsRecycled() bool { return false }

func (e *stdTLSEngine) SetDataFromTransport(p []byte) (int, error) {
	if err := e.errState(); err != nil {
		return 0, err
	}
	e.start()
	e.transportIn.mu.Lock()
	e.transportIn.buf.Write(p)
	e.transportIn.cond.Broadcast()
	e.transportIn.mu.Unlock()
	return len(p), nil
}

func (e *stdTLSEngine) GetDataToSendTransport() []byte {
	e.start()
	e.outMu.Lock()
	defer e.outMu.Unlock()
	if e.transportOut.Len() == 0 {
		return nil
	}
	out := make([]byte, e.transportOut.Len())
	copy(out, e.transportOut.Bytes())
	e.transportOut.Reset()
	return out
}

func (e *stdTLSEngine) GetBufSizeFromTransport() int {
	if e.errState() != nil {
		return 0
	}
	return 64 * 1024
}

func (e *stdTLSEngine) Read(p []byte) (int, error) {
	e.start()
	e.plain.mu.Lock()
	defer e.plain.mu.Unlock()
	if e.plain.buf.Len() > 0 {
		return e.plain.buf.Read(p)
	}
	if e.plain.closed {
		if e.plain.err != nil {
			return 0, e.plain.err
		}
		return 0, nil // clean TLS close
	}
	return 0, ErrWantRead
}

func (e *stdTLSEngine) Write(p []byte) (int, error) {
	if err := e.errState(); err != nil {
		return 0, err
	}
	e.start()
	owned := make([]byte, len(p))
	copy(owned, p)
	select {
	case e.appWrite <- owned:
		return len(p), nil
	default:
		return 0, ErrWantWrite
	}
}

func (e *stdTLSEngine) SetOutputNotify(fn func()) {
	e.outMu.Lock()
	e.outputNotify = fn
	e.outMu.Unlock()
}

func (e *stdTLSEngine) errState() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.failed
}

func (e *stdTLSEngine) LastErrorMessage() string {
	if err := e.errState(); err != nil {
		return err.Error()
	}
	return ""
}
