package reactor

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kamiyo/reactor/internal/ioloop"
	"github.com/kamiyo/reactor/internal/netutil"
)

func runServerLoop(t *testing.T) (*ioloop.EventLoop, <-chan struct{}) {
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

// dialServer connects a bare net.Conn to the listening port, once the
// server's Acceptor is known to be listening.
func dialServer(t *testing.T, port uint16) net.Conn {
	t.Helper()
	var (
		conn net.Conn
		err  error
	)
	for i := 0; i < 100; i++ {
		conn, err = net.Dial("tcp", netutil.NewInetAddress(port, "127.0.0.1").String())
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial 127.0.0.1:%d failed: %v", port, err)
	return nil
}

func TestTcpServer_EchoRoundTrip(t *testing.T) {
	loop, done := runServerLoop(t)
	defer func() {
		loop.Quit()
		<-done
	}()

	addr := netutil.NewInetAddress(18080, "")
	server := New(loop, addr, "EchoTest", WithThreadNum(2))

	var (
		mu       sync.Mutex
		upCount  int
		downCount int
	)
	connUp := make(chan struct{}, 1)
	connDown := make(chan struct{}, 1)

	server.SetConnectionCallback(func(conn *TcpConnection) {
		mu.Lock()
		defer mu.Unlock()
		if conn.Connected() {
			upCount++
			select {
			case connUp <- struct{}{}:
			default:
			}
		} else {
			downCount++
			select {
			case connDown <- struct{}{}:
			default:
			}
		}
	})
	server.SetMessageCallback(func(conn *TcpConnection, buf *Buffer, _ time.Time) {
		conn.SendString(buf.RetrieveAllAsString())
	})

	loop.RunInLoop(server.Start)

	conn := dialServer(t, 18080)
	defer conn.Close()

	select {
	case <-connUp:
	case <-time.After(2 * time.Second):
		t.Fatal("connection up callback never fired")
	}

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("echo = %q, want %q", buf, "hello")
	}

	if got := server.NumConnections(); got != 1 {
		t.Fatalf("NumConnections = %d, want 1", got)
	}

	conn.Close()

	select {
	case <-connDown:
	case <-time.After(2 * time.Second):
		t.Fatal("connection down callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if upCount != 1 || downCount != 1 {
		t.Fatalf("upCount=%d downCount=%d, want 1/1", upCount, downCount)
	}
}

// TestTcpServer_PeerResetRemovesConnectionOnce follows spec.md §8's
// "Peer reset" scenario: the client resets the connection while the
// server keeps sending. The connection still has read interest, so
// either the next write (ECONNRESET/EPIPE) or the read side may observe
// the reset first; either way the down callback must fire exactly once
// and the connection must leave the table.
func TestTcpServer_PeerResetRemovesConnectionOnce(t *testing.T) {
	loop, done := runServerLoop(t)
	defer func() {
		loop.Quit()
		<-done
	}()

	addr := netutil.NewInetAddress(18081, "")
	server := New(loop, addr, "ResetTest")

	var downFires int
	var mu sync.Mutex
	connUp := make(chan *TcpConnection, 1)
	connDown := make(chan struct{}, 1)
	server.SetConnectionCallback(func(conn *TcpConnection) {
		if conn.Connected() {
			select {
			case connUp <- conn:
			default:
			}
			return
		}
		mu.Lock()
		downFires++
		mu.Unlock()
		select {
		case connDown <- struct{}{}:
		default:
		}
	})

	loop.RunInLoop(server.Start)

	conn := dialServer(t, 18081)
	var serverConn *TcpConnection
	select {
	case serverConn = <-connUp:
	case <-time.After(2 * time.Second):
		t.Fatal("connection up callback never fired")
	}

	// Force RST on close: set SO_LINGER with zero timeout.
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetLinger(0)
	}
	conn.Close()

	// Keep sending from the server side until the reset is observed and
	// handleClose fires; mirrors "mid-send" in the scenario.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				serverConn.SendString("ping")
			}
		}
	}()

	select {
	case <-connDown:
	case <-time.After(2 * time.Second):
		t.Fatal("connection down callback never fired after reset")
	}

	// Give the server a moment to finish connectDestroyed/table removal.
	time.Sleep(100 * time.Millisecond)
	if got := server.NumConnections(); got != 0 {
		t.Fatalf("NumConnections after reset = %d, want 0", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if downFires != 1 {
		t.Fatalf("down callback fired %d times, want 1", downFires)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
