// Package transport provides the connection layer under the HTTP RPC
// client: socket factories with keep-alive pooling, a TLS engine over
// an in-memory BIO pair, and a TLS descriptor that drives the engine
// from descriptor events, including the HTTP-CONNECT preamble through
// a forward proxy.
package transport

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/remotecc/remotecc/internal/logger"
	"github.com/remotecc/remotecc/pkg/netio"
)

// SocketFactory hands out connected sockets to one destination and
// takes them back for keep-alive reuse.
type SocketFactory interface {
	// IsInitialized reports whether the factory can produce sockets.
	IsInitialized() bool

	// NewSocket returns a connected socket, reusing a released one
	// when available.
	NewSocket() (*netio.Socket, error)

	// ReleaseSocket returns a healthy socket for reuse.
	ReleaseSocket(sock *netio.Socket)

	// CloseSocket disposes of a socket; err records whether it is
	// being discarded due to an error.
	CloseSocket(sock *netio.Socket, err bool)

	DestName() string
	HostName() string
	Port() int
	DebugString() string
}

// TCPSocketFactory connects to host:port, keeping released connections
// for reuse.
type TCPSocketFactory struct {
	host string
	port int

	mu    sync.Mutex
	idle  []*netio.Socket
	stats struct {
		connects int
		reuses   int
		errors   int
	}
}

// NewTCPSocketFactory creates a factory for host:port.
func NewTCPSocketFactory(host string, port int) *TCPSocketFactory {
	return &TCPSocketFactory{host: host, port: port}
}

func (f *TCPSocketFactory) IsInitialized() bool { return f.host != "" && f.port > 0 }

func (f *TCPSocketFactory) NewSocket() (*netio.Socket, error) {
	f.mu.Lock()
	if n := len(f.idle); n > 0 {
		sock := f.idle[n-1]
		f.idle = f.idle[:n-1]
		f.stats.reuses++
		f.mu.Unlock()
		return sock, nil
	}
	f.mu.Unlock()

	sock, err := f.connect()
	f.mu.Lock()
	if err != nil {
		f.stats.errors++
	} else {
		f.stats.connects++
	}
	f.mu.Unlock()
	return sock, err
}

func (f *TCPSocketFactory) connect() (*netio.Socket, error) {
	ips, err := net.LookupIP(f.host)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", f.host, err)
	}
	var lastErr error
	for _, ip := range ips {
		fd, sa, serr := socketFor(ip, f.port)
		if serr != nil {
			lastErr = serr
			continue
		}
		if cerr := unix.Connect(fd, sa); cerr != nil {
			unix.Close(fd)
			lastErr = fmt.Errorf("connect %s:%d: %w", ip, f.port, cerr)
			continue
		}
		sock := netio.NewSocket(fd)
		if nberr := sock.SetNonBlocking(); nberr != nil {
			sock.Close()
			lastErr = nberr
			continue
		}
		return sock, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no address for %s", f.host)
	}
	return nil, lastErr
}

func socketFor(ip net.IP, port int) (int, unix.Sockaddr, error) {
	if ip4 := ip.To4(); ip4 != nil {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return -1, nil, err
		}
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return fd, sa, nil
	}
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, err
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return fd, sa, nil
}

func (f *TCPSocketFactory) ReleaseSocket(sock *netio.Socket) {
	if !sock.Valid() {
		return
	}
	f.mu.Lock()
	f.idle = append(f.idle, sock)
	f.mu.Unlock()
}

func (f *TCPSocketFactory) CloseSocket(sock *netio.Socket, err bool) {
	if err {
		logger.Debug("closing socket on error", logger.KeyFd, sock.Get(), logger.KeyHost, f.host)
	}
	sock.Close()
}

func (f *TCPSocketFactory) DestName() string { return fmt.Sprintf("%s:%d", f.host, f.port) }
func (f *TCPSocketFactory) HostName() string { return f.host }
func (f *TCPSocketFactory) Port() int        { return f.port }

func (f *TCPSocketFactory) DebugString() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("TCPSocketFactory(%s:%d idle=%d connects=%d reuses=%d errors=%d)",
		f.host, f.port, len(f.idle), f.stats.connects, f.stats.reuses, f.stats.errors)
}

// SocketStatus observes the lifecycle of the socket handed out by a
// MockSocketFactory.
type SocketStatus struct {
	mu       sync.Mutex
	owned    bool
	closed   bool
	released bool
	errored  bool
}

func (s *SocketStatus) IsOwned() bool    { s.mu.Lock(); defer s.mu.Unlock(); return s.owned }
func (s *SocketStatus) IsClosed() bool   { s.mu.Lock(); defer s.mu.Unlock(); return s.closed }
func (s *SocketStatus) IsReleased() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.released }
func (s *SocketStatus) IsErr() bool      { s.mu.Lock(); defer s.mu.Unlock(); return s.errored }

// MockSocketFactory hands out one premade socket; used by tests to
// connect the HTTP client to an in-process server over a socketpair.
type MockSocketFactory struct {
	mu     sync.Mutex
	sock   *netio.Socket
	status *SocketStatus

	dest string
	host string
	port int
}

// NewMockSocketFactory wraps sock. status may be nil.
func NewMockSocketFactory(sock *netio.Socket, status *SocketStatus) *MockSocketFactory {
	if status != nil {
		status.mu.Lock()
		status.owned = true
		status.mu.Unlock()
	}
	return &MockSocketFactory{
		sock:   sock,
		status: status,
		dest:   "mock:80",
		host:   "mock",
		port:   80,
	}
}

func (f *MockSocketFactory) IsInitialized() bool { return true }

func (f *MockSocketFactory) NewSocket() (*netio.Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sock == nil || !f.sock.Valid() {
		return nil, fmt.Errorf("mock socket exhausted")
	}
	sock := f.sock
	f.sock = nil
	if f.status != nil {
		f.status.mu.Lock()
		f.status.owned = false
		f.status.mu.Unlock()
	}
	if err := sock.SetNonBlocking(); err != nil {
		return nil, err
	}
	return sock, nil
}

func (f *MockSocketFactory) ReleaseSocket(sock *netio.Socket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sock = sock
	if f.status != nil {
		f.status.mu.Lock()
		f.status.owned = true
		f.status.released = true
		f.status.mu.Unlock()
	}
}

func (f *MockSocketFactory) CloseSocket(sock *netio.Socket, err bool) {
	sock.Close()
	if f.status != nil {
		f.status.mu.Lock()
		f.status.closed = true
		f.status.errored = err
		f.status.mu.Unlock()
	}
}

func (f *MockSocketFactory) DestName() string { return f.dest }
func (f *MockSocketFactory) HostName() string { return f.host }
func (f *MockSocketFactory) Port() int        { return f.port }

func (f *MockSocketFactory) SetDest(dest string)  { f.dest = dest }
func (f *MockSocketFactory) SetHostName(h string) { f.host = h }
func (f *MockSocketFactory) SetPort(p int)        { f.port = p }

func (f *MockSocketFactory) DebugString() string { return "MockSocketFactory" }
