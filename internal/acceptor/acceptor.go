// Package acceptor implements the listening-socket half of the reactor:
// it owns the listen socket and its Channel on the main loop and hands
// accepted descriptors to the server, shedding load under descriptor
// exhaustion. Grounded on muduo's Acceptor (referenced from
// include/TcpConnection.h's comment chain and original_source/src/Socket.cc)
// and on the accept-loop shape common across the pack's epoll examples
// (other_examples/50ede73f_terrytay-claude-go-network__epoll.go.go).
package acceptor

import (
	"time"

	"github.com/kamiyo/reactor/internal/ioloop"
	"github.com/kamiyo/reactor/internal/logging"
	"github.com/kamiyo/reactor/internal/netutil"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// NewConnectionFunc is invoked once per accepted descriptor, from the
// main loop's thread.
type NewConnectionFunc func(fd int, peerAddr netutil.InetAddress)

// Acceptor owns the listen socket and its registration on the main
// loop.
type Acceptor struct {
	loop         *ioloop.EventLoop
	listenSocket *netutil.Socket
	listenChan   *ioloop.Channel

	// spareFd is a reserved descriptor, closed and reopened around a
	// shedding accept when the process runs out of descriptors
	// (spec.md §4.7, §7).
	spareFd int

	newConnectionCallback NewConnectionFunc
	listening             bool
}

// New binds to localAddr and creates the accept channel on loop. The
// socket does not listen, and the channel is not registered with the
// poller, until Listen is called.
func New(loop *ioloop.EventLoop, localAddr netutil.InetAddress, reusePort bool) *Acceptor {
	sock, err := netutil.NewStreamSocket()
	if err != nil {
		logging.L().Fatal("socket() failed", zap.Error(err))
	}
	sock.SetReuseAddr(true)
	sock.SetReusePort(reusePort)
	sock.Bind(localAddr)

	spare, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		logging.L().Fatal("reserving spare descriptor failed", zap.Error(err))
	}

	a := &Acceptor{
		loop:         loop,
		listenSocket: sock,
		spareFd:      spare,
	}
	a.listenChan = ioloop.NewChannel(loop, sock.Fd())
	a.listenChan.SetReadCallback(a.handleRead)
	return a
}

// SetNewConnectionCallback installs the callback fired for every
// accepted descriptor.
func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionFunc) { a.newConnectionCallback = cb }

// Listen starts listening and enables the accept channel's read
// interest. Must run on the owning (main) loop.
func (a *Acceptor) Listen() {
	a.loop.AssertInLoopThread()
	a.listening = true
	a.listenSocket.Listen()
	a.listenChan.EnableReading()
}

// Listening reports whether Listen has been called.
func (a *Acceptor) Listening() bool { return a.listening }

func (a *Acceptor) handleRead(time.Time) {
	for {
		connFd, peerAddr, err := a.listenSocket.Accept()
		if err != nil {
			switch {
			case netutil.IsTransient(err):
				return
			case netutil.IsResourcePressure(err):
				a.shedOneConnection()
				return
			default:
				logging.L().Error("accept failed", zap.Error(err))
				return
			}
		}
		if a.newConnectionCallback != nil {
			a.newConnectionCallback(connFd, peerAddr)
		} else {
			_ = netutil.FromFd(connFd).Close()
		}
	}
}

// shedOneConnection implements spec.md §4.7's EMFILE shedding protocol:
// give up the reserved spare descriptor, accept (and immediately close)
// one pending connection to relieve the backlog, then reopen the spare.
func (a *Acceptor) shedOneConnection() {
	_ = unix.Close(a.spareFd)
	fd, _, err := unix.Accept(a.listenSocket.Fd())
	if err == nil {
		_ = unix.Close(fd)
	}
	spare, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		logging.L().Error("failed to reopen spare descriptor", zap.Error(err))
		return
	}
	a.spareFd = spare
}

// Close releases the listen socket, its channel, and the spare
// descriptor. Must run on the owning loop.
func (a *Acceptor) Close() {
	a.listenChan.DisableAll()
	a.listenChan.Remove()
	_ = a.listenSocket.Close()
	_ = unix.Close(a.spareFd)
}
