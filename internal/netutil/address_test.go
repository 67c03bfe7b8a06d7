package netutil

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestInetAddress_String(t *testing.T) {
	addr := NewInetAddress(8080, "192.168.1.2")
	if got, want := addr.String(), "192.168.1.2:8080"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if addr.Port() != 8080 {
		t.Fatalf("Port() = %d, want 8080", addr.Port())
	}
}

func TestInetAddress_EmptyAddressBindsAllInterfaces(t *testing.T) {
	addr := NewInetAddress(80, "")
	if got, want := addr.String(), "0.0.0.0:80"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestInetAddress_FromSockaddrRoundTrip(t *testing.T) {
	sa := &unix.SockaddrInet4{Port: 4242, Addr: [4]byte{10, 0, 0, 1}}
	addr := FromSockaddr(sa)
	if got, want := addr.String(), "10.0.0.1:4242"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestInetAddress_SockaddrInet4RoundTrip(t *testing.T) {
	addr := NewInetAddress(9999, "172.16.0.5")
	sa := addr.SockaddrInet4()
	if sa.Port != 9999 {
		t.Fatalf("sa.Port = %d, want 9999", sa.Port)
	}
	if sa.Addr != [4]byte{172, 16, 0, 5} {
		t.Fatalf("sa.Addr = %v, want [172 16 0 5]", sa.Addr)
	}
}
