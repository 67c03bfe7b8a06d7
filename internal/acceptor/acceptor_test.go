package acceptor

import (
	"testing"
	"time"

	"github.com/kamiyo/reactor/internal/ioloop"
	"github.com/kamiyo/reactor/internal/netutil"

	"golang.org/x/sys/unix"
)

func runLoop(t *testing.T) (*ioloop.EventLoop, <-chan struct{}) {
	t.Helper()
	ready := make(chan *ioloop.EventLoop, 1)
	done := make(chan struct{})
	go func() {
		loop := ioloop.New()
		ready <- loop
		loop.Loop()
		loop.Close()
		close(done)
	}()
	loop := <-ready
	return loop, done
}

func TestAcceptor_ListenAndAcceptProducesConnection(t *testing.T) {
	loop, done := runLoop(t)
	defer func() {
		loop.Quit()
		<-done
	}()

	addr := netutil.NewInetAddress(0, "127.0.0.1")
	var a *Acceptor
	accepted := make(chan int, 1)

	runOnLoop(t, loop, func() {
		a = New(loop, addr, false)
		a.SetNewConnectionCallback(func(fd int, _ netutil.InetAddress) {
			accepted <- fd
		})
		a.Listen()
	})

	var bound netutil.InetAddress
	runOnLoop(t, loop, func() {
		var err error
		bound, err = netutil.Getsockname(a.listenSocket.Fd())
		if err != nil {
			t.Fatalf("Getsockname: %v", err)
		}
	})

	client, err := netutil.NewStreamSocket()
	if err != nil {
		t.Fatalf("NewStreamSocket: %v", err)
	}
	defer client.Close()
	_ = unix.Connect(client.Fd(), bound.SockaddrInet4())

	select {
	case fd := <-accepted:
		defer unix.Close(fd)
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor never produced a connection")
	}
}

func runOnLoop(t *testing.T, loop *ioloop.EventLoop, f func()) {
	t.Helper()
	done := make(chan struct{})
	loop.RunInLoop(func() {
		f()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("function never ran on loop thread")
	}
}
