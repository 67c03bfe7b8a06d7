// Package reactor is the public surface of the library: TcpServer and
// TcpConnection. It glues together internal/acceptor, internal/pool, and
// internal/ioloop exactly as spec.md §2's data-flow describes: the main
// loop's Acceptor produces a descriptor and peer address, the server
// picks a sub-loop via the thread pool, constructs a TcpConnection bound
// to it, and schedules connectEstablished on that sub-loop.
package reactor

import (
	"fmt"
	"sync"

	"github.com/kamiyo/reactor/internal/acceptor"
	"github.com/kamiyo/reactor/internal/ioloop"
	"github.com/kamiyo/reactor/internal/logging"
	"github.com/kamiyo/reactor/internal/netutil"
	"github.com/kamiyo/reactor/internal/pool"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TcpServer glues the Acceptor, the sub-reactor thread pool, and the
// connection table, fanning out user callbacks to every accepted
// connection.
type TcpServer struct {
	mainLoop *ioloop.EventLoop
	name     string

	numThreads         int
	reusePort          bool
	threadInitCallback pool.ThreadInitCallback
	highWaterMark      int

	acceptor   *acceptor.Acceptor
	threadPool *pool.EventLoopThreadPool

	mu          sync.Mutex
	connections map[string]*TcpConnection

	nextConnID   atomic.Int64
	numConns     atomic.Int64
	started      atomic.Bool

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
}

// New constructs a TcpServer bound to mainLoop, listening (once Start is
// called) on listenAddr.
func New(mainLoop *ioloop.EventLoop, listenAddr netutil.InetAddress, name string, opts ...ServerOption) *TcpServer {
	s := &TcpServer{
		mainLoop:      mainLoop,
		name:          name,
		highWaterMark: defaultHighWaterMark,
		connections:   make(map[string]*TcpConnection),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.acceptor = acceptor.New(mainLoop, listenAddr, s.reusePort)
	s.acceptor.SetNewConnectionCallback(s.newConnection)
	s.threadPool = pool.NewEventLoopThreadPool(mainLoop, name, s.numThreads)

	return s
}

// SetConnectionCallback installs the callback fired on connection
// up/down.
func (s *TcpServer) SetConnectionCallback(cb ConnectionCallback) { s.connectionCallback = cb }

// SetMessageCallback installs the callback fired on every message.
func (s *TcpServer) SetMessageCallback(cb MessageCallback) { s.messageCallback = cb }

// SetWriteCompleteCallback installs the callback fired when a
// connection's output buffer fully drains.
func (s *TcpServer) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeCompleteCallback = cb }

// SetHighWaterMarkCallback installs the backpressure callback propagated
// to every connection this server accepts, paired with the threshold
// configured via WithHighWaterMark (or defaultHighWaterMark if unset).
func (s *TcpServer) SetHighWaterMarkCallback(cb HighWaterMarkCallback) { s.highWaterMarkCallback = cb }

// NumConnections returns the number of currently live connections.
// Lock-free, read-only (spec.md SPEC_FULL.md §4.16).
func (s *TcpServer) NumConnections() int { return int(s.numConns.Load()) }

// Start is idempotent: only the first call starts the thread pool and
// schedules the Acceptor to begin listening, both on the main loop.
func (s *TcpServer) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.threadPool.Start(s.threadInitCallback)
	s.mainLoop.RunInLoop(func() { s.acceptor.Listen() })
}

// Stop quits every sub-reactor thread and waits for each to exit, then
// quits the main loop. It is an addition beyond spec.md's original state
// machine (SPEC_FULL.md §4.15). Quit itself reports no error, so the only
// error Stop returns is a panic raised while stopping the sub-reactors,
// recovered and wrapped via multierr; a panic ends the sub-reactor
// shutdown at that thread.
func (s *TcpServer) Stop() error {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = multierr.Append(err, fmt.Errorf("reactor: panic stopping sub-reactors: %v", r))
			}
		}()
		s.threadPool.Stop()
	}()
	s.mainLoop.Quit()
	return err
}

// newConnection runs on the main loop (it is the Acceptor's
// newConnectionCallback): it picks a sub-loop, mints a connection name,
// queries the local address, builds the TcpConnection, installs it in
// the table, and schedules connectEstablished on the sub-loop.
func (s *TcpServer) newConnection(fd int, peerAddr netutil.InetAddress) {
	loop := s.threadPool.GetNextLoop()

	suffix := s.nextConnID.Add(1)
	connName := fmt.Sprintf("%s-%s#%d", s.name, peerAddr.String(), suffix)

	localAddr, err := netutil.Getsockname(fd)
	if err != nil {
		logging.L().Error("getsockname failed", zap.String("server", s.name), zap.Int("fd", fd), zap.Error(err))
	}

	logging.L().Info("new connection", zap.String("server", s.name), zap.String("conn", connName), zap.String("peer", peerAddr.String()))

	conn := newTcpConnection(loop, connName, fd, localAddr, peerAddr)
	conn.setConnectionCallback(s.connectionCallback)
	conn.setMessageCallback(s.messageCallback)
	conn.setWriteCompleteCallback(s.writeCompleteCallback)
	conn.SetHighWaterMarkCallback(s.highWaterMarkCallback, s.highWaterMark)
	conn.setCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.connections[connName] = conn
	s.mu.Unlock()
	s.numConns.Add(1)

	loop.RunInLoop(conn.connectEstablished)
}

// removeConnection is the library-internal close callback (spec.md §6):
// it erases conn from the table and schedules connectDestroyed on the
// owning sub-loop.
func (s *TcpServer) removeConnection(conn *TcpConnection) {
	s.mu.Lock()
	delete(s.connections, conn.Name())
	s.mu.Unlock()
	s.numConns.Add(-1)

	logging.L().Info("removing connection", zap.String("server", s.name), zap.String("conn", conn.Name()))
	conn.loop.QueueInLoop(conn.connectDestroyed)
}
