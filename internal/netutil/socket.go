package netutil

import (
	"github.com/kamiyo/reactor/internal/logging"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// listenBacklog is the backlog passed to listen(2), matching muduo's
// Socket::listen (spec.md §4.2).
const listenBacklog = 1024

// Socket wraps one owned, non-blocking stream-socket descriptor. The
// descriptor is closed exactly once, by Close.
type Socket struct {
	fd int
}

// NewStreamSocket creates a non-blocking, close-on-exec IPv4 TCP socket.
func NewStreamSocket() (*Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &Socket{fd: fd}, nil
}

// FromFd wraps an already-open descriptor (used for accepted
// connections).
func FromFd(fd int) *Socket { return &Socket{fd: fd} }

// Fd returns the raw descriptor.
func (s *Socket) Fd() int { return s.fd }

// Close closes the descriptor. Safe to call once; a double close is a
// caller bug, not guarded against here (mirrors the teacher's RAII
// contract — one owner, one close).
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

// Bind binds the socket to localAddr, fatal on failure as in spec.md §7
// ("inability to ... bind the listen socket").
func (s *Socket) Bind(localAddr InetAddress) {
	if err := unix.Bind(s.fd, localAddr.SockaddrInet4()); err != nil {
		logging.L().Fatal("bind failed", zap.Int("fd", s.fd), zap.Error(err))
	}
}

// Listen marks the socket as a listening socket with backlog 1024, fatal
// on failure.
func (s *Socket) Listen() {
	if err := unix.Listen(s.fd, listenBacklog); err != nil {
		logging.L().Fatal("listen failed", zap.Int("fd", s.fd), zap.Error(err))
	}
}

// Accept accepts one pending connection, returning a non-blocking,
// close-on-exec descriptor and the peer's address. It returns an error
// (unwrapped syscall errno) when none is pending or on failure; callers
// distinguish transient (EAGAIN/EWOULDBLOCK, EINTR, EMFILE) from fatal
// via IsTransient/IsResourcePressure.
func (s *Socket) Accept() (connFd int, peerAddr InetAddress, err error) {
	connFd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, InetAddress{}, err
	}
	return connFd, FromSockaddr(sa), nil
}

// Write performs one direct, non-blocking write of data to the socket,
// without retrying on a short write. Used by TcpConnection.sendInLoop's
// synchronous fast path before falling back to buffering.
func (s *Socket) Write(data []byte) (int, error) {
	return unix.Write(s.fd, data)
}

// ShutdownWrite half-closes the write side of the connection, leaving the
// read side open until the peer closes.
func (s *Socket) ShutdownWrite() error {
	return unix.Shutdown(s.fd, unix.SHUT_WR)
}

// SetTCPNoDelay disables Nagle's algorithm.
func (s *Socket) SetTCPNoDelay(on bool) {
	_ = unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(on))
}

// SetReuseAddr sets SO_REUSEADDR.
func (s *Socket) SetReuseAddr(on bool) {
	_ = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolToInt(on))
}

// SetReusePort sets SO_REUSEPORT, letting multiple sockets on this host
// bind the same port for load balancing.
func (s *Socket) SetReusePort(on bool) {
	_ = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolToInt(on))
}

// SetKeepAlive enables SO_KEEPALIVE.
func (s *Socket) SetKeepAlive(on bool) {
	_ = unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolToInt(on))
}

// IsTransient reports whether err (as returned by Accept/read/write) is a
// transient condition that should simply be retried.
func IsTransient(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

// IsResourcePressure reports descriptor exhaustion on accept.
func IsResourcePressure(err error) bool {
	return err == unix.EMFILE || err == unix.ENFILE
}

// IsPeerReset reports the per-connection-fatal write errors spec.md §7
// calls out (EPIPE, ECONNRESET).
func IsPeerReset(err error) bool {
	return err == unix.EPIPE || err == unix.ECONNRESET
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
