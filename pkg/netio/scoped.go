// Package netio provides thin owning wrappers around raw file
// descriptors and sockets. Each wrapper owns its descriptor: Close is
// idempotent, and Release hands the descriptor back to the caller
// without closing it. All descriptors are opened close-on-exec.
package netio

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by the timed read/write variants when the
// descriptor did not become ready within the budget.
var ErrTimeout = errors.New("netio: i/o timeout")

// ErrClosed is returned when an operation is attempted on a released
// or closed descriptor.
var ErrClosed = errors.New("netio: use of closed descriptor")

// IsRetryable reports whether err is a transient error (EINTR or
// EAGAIN) for which the operation should be retried after the
// descriptor becomes ready again.
func IsRetryable(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// FD is an owning wrapper over a raw file descriptor.
type FD struct {
	fd int
}

// NewFD wraps a raw descriptor. Pass -1 for an invalid placeholder.
func NewFD(fd int) *FD {
	return &FD{fd: fd}
}

// OpenForRead opens a file read-only with close-on-exec set.
func OpenForRead(path string) (*FD, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &FD{fd: fd}, nil
}

// CreateForWrite creates or truncates a file for writing with
// close-on-exec set.
func CreateForWrite(path string, mode uint32) (*FD, error) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, mode)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return &FD{fd: fd}, nil
}

// Get returns the raw descriptor, or -1 if invalid.
func (f *FD) Get() int {
	if f == nil {
		return -1
	}
	return f.fd
}

// Valid reports whether the wrapper holds a live descriptor.
func (f *FD) Valid() bool { return f != nil && f.fd >= 0 }

// Release gives up ownership and returns the raw descriptor.
func (f *FD) Release() int {
	fd := f.fd
	f.fd = -1
	return fd
}

// Close closes the descriptor. Safe to call more than once.
func (f *FD) Close() error {
	if f == nil || f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return err
}

func (f *FD) Read(p []byte) (int, error) {
	if !f.Valid() {
		return 0, ErrClosed
	}
	return ignoreEINTR(func() (int, error) { return unix.Read(f.fd, p) })
}

func (f *FD) Write(p []byte) (int, error) {
	if !f.Valid() {
		return 0, ErrClosed
	}
	return ignoreEINTR(func() (int, error) { return unix.Write(f.fd, p) })
}

// Seek repositions the file offset.
func (f *FD) Seek(offset int64, whence int) (int64, error) {
	if !f.Valid() {
		return 0, ErrClosed
	}
	return unix.Seek(f.fd, offset, whence)
}

// Size returns the file size via fstat.
func (f *FD) Size() (int64, error) {
	if !f.Valid() {
		return 0, ErrClosed
	}
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return 0, err
	}
	return st.Size, nil
}

// ignoreEINTR retries an I/O op interrupted by a signal. EAGAIN is
// returned to the caller; nonblocking users handle it via the poller.
func ignoreEINTR(op func() (int, error)) (int, error) {
	for {
		n, err := op()
		if err != nil && errors.Is(err, unix.EINTR) {
			continue
		}
		return n, err
	}
}

// Socket is an owning wrapper over a socket descriptor.
type Socket struct {
	fd int
}

// NewSocket wraps a raw socket descriptor.
func NewSocket(fd int) *Socket {
	return &Socket{fd: fd}
}

// Get returns the raw descriptor, or -1 if invalid.
func (s *Socket) Get() int {
	if s == nil {
		return -1
	}
	return s.fd
}

// Valid reports whether the wrapper holds a live descriptor.
func (s *Socket) Valid() bool { return s != nil && s.fd >= 0 }

// Release gives up ownership and returns the raw descriptor.
func (s *Socket) Release() int {
	fd := s.fd
	s.fd = -1
	return fd
}

// Close closes the socket. Safe to call more than once.
func (s *Socket) Close() error {
	if s == nil || s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

func (s *Socket) Read(p []byte) (int, error) {
	if !s.Valid() {
		return 0, ErrClosed
	}
	n, err := unix.Read(s.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (s *Socket) Write(p []byte) (int, error) {
	if !s.Valid() {
		return 0, ErrClosed
	}
	n, err := unix.Write(s.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// SetCloseOnExec marks the socket FD_CLOEXEC.
func (s *Socket) SetCloseOnExec() error {
	if !s.Valid() {
		return ErrClosed
	}
	_, err := unix.FcntlInt(uintptr(s.fd), unix.F_SETFD, unix.FD_CLOEXEC)
	return err
}

// SetNonBlocking puts the socket in nonblocking mode.
func (s *Socket) SetNonBlocking() error {
	if !s.Valid() {
		return ErrClosed
	}
	return unix.SetNonblock(s.fd, true)
}

// ShutdownForSend half-closes the write side.
func (s *Socket) ShutdownForSend() error {
	if !s.Valid() {
		return ErrClosed
	}
	return unix.Shutdown(s.fd, unix.SHUT_WR)
}

// wait blocks until the socket is ready for the given events or the
// timeout elapses.
func (s *Socket) wait(events int16, timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: events}}
	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 0
	}
	for {
		n, err := unix.Poll(fds, ms)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			return ErrTimeout
		}
		return nil
	}
}

// ReadWithTimeout reads from the socket, blocking at most timeout for
// the socket to become readable.
func (s *Socket) ReadWithTimeout(p []byte, timeout time.Duration) (int, error) {
	if !s.Valid() {
		return 0, ErrClosed
	}
	for {
		if err := s.wait(unix.POLLIN, timeout); err != nil {
			return 0, err
		}
		n, err := s.Read(p)
		if err != nil && IsRetryable(err) {
			continue
		}
		return n, err
	}
}

// WriteWithTimeout writes to the socket, blocking at most timeout for
// the socket to become writable.
func (s *Socket) WriteWithTimeout(p []byte, timeout time.Duration) (int, error) {
	if !s.Valid() {
		return 0, ErrClosed
	}
	for {
		if err := s.wait(unix.POLLOUT, timeout); err != nil {
			return 0, err
		}
		n, err := s.Write(p)
		if err != nil && IsRetryable(err) {
			continue
		}
		return n, err
	}
}

// WriteString writes the whole string, waiting for writability between
// short writes.
func (s *Socket) WriteString(data string, timeout time.Duration) error {
	for len(data) > 0 {
		n, err := s.WriteWithTimeout([]byte(data), timeout)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Pipe creates a close-on-exec, nonblocking pipe. Returns the read end
// and the write end.
func Pipe() (*Socket, *Socket, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, nil, fmt.Errorf("pipe: %w", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, nil, fmt.Errorf("pipe nonblock: %w", err)
		}
	}
	return &Socket{fd: fds[0]}, &Socket{fd: fds[1]}, nil
}

// SocketPair creates a connected pair of unix stream sockets, both
// close-on-exec.
func SocketPair() (*Socket, *Socket, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	return &Socket{fd: fds[0]}, &Socket{fd: fds[1]}, nil
}

// File converts the socket into an *os.File, transferring ownership.
// Used to pass descriptors to child processes via ExtraFiles.
func (s *Socket) File(name string) *os.File {
	return os.NewFile(uintptr(s.Release()), name)
}
