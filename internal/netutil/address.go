// Package netutil wraps the address and stream-socket syscalls the
// reactor needs: IPv4-only address formatting and a non-blocking,
// close-on-exec Socket (bind/listen/accept/shutdown/sockopts).
package netutil

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// InetAddress is a thin wrapper over an IPv4 socket address, constructed
// either from a bare port (INADDR_ANY) or a port plus a dotted-quad
// address string.
type InetAddress struct {
	ip   [4]byte
	port uint16
}

// NewInetAddress builds an InetAddress from a port and an optional
// address string. An empty address binds to all interfaces.
func NewInetAddress(port uint16, address string) InetAddress {
	var ip [4]byte
	if address != "" {
		if parsed := net.ParseIP(address); parsed != nil {
			if v4 := parsed.To4(); v4 != nil {
				copy(ip[:], v4)
			}
		}
	}
	return InetAddress{ip: ip, port: port}
}

// FromSockaddr converts a raw IPv4 sockaddr, as produced by Accept, into
// an InetAddress.
func FromSockaddr(sa unix.Sockaddr) InetAddress {
	addr, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return InetAddress{}
	}
	return InetAddress{ip: addr.Addr, port: uint16(addr.Port)}
}

// String formats the address as dotted-quad plus ":port".
func (a InetAddress) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.ip[0], a.ip[1], a.ip[2], a.ip[3], a.port)
}

// Port returns the numeric port.
func (a InetAddress) Port() uint16 { return a.port }

// SockaddrInet4 returns the raw syscall representation used by bind and
// connect.
func (a InetAddress) SockaddrInet4() *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Port: int(a.port), Addr: a.ip}
}

// Getsockname returns the local address bound to fd, as used by the
// server's accept path to report a TcpConnection's LocalAddr.
func Getsockname(fd int) (InetAddress, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return InetAddress{}, err
	}
	return FromSockaddr(sa), nil
}
