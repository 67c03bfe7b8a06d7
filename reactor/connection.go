package reactor

import (
	"time"

	"github.com/kamiyo/reactor/internal/buffer"
	"github.com/kamiyo/reactor/internal/ioloop"
	"github.com/kamiyo/reactor/internal/logging"
	"github.com/kamiyo/reactor/internal/netutil"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// connState is the TcpConnection state machine of spec.md §3:
// Connecting -> Connected -> (Disconnecting?) -> Disconnected.
type connState int32

const (
	stateConnecting connState = iota
	stateConnected
	stateDisconnecting
	stateDisconnected
)

// defaultHighWaterMark is the default output-buffer backpressure
// threshold, per spec.md §3.
const defaultHighWaterMark = 64 * 1024 * 1024

// TcpConnection is the per-connection state machine: owned socket and
// channel, input/output buffers, and the five user callbacks. It is
// created by TcpServer when the Acceptor produces a descriptor and is
// pinned to exactly one sub-reactor for its lifetime.
type TcpConnection struct {
	loop   *ioloop.EventLoop
	name   string
	socket *netutil.Socket
	chn    *ioloop.Channel

	localAddr netutil.InetAddress
	peerAddr  netutil.InetAddress

	input  *buffer.Buffer
	output *buffer.Buffer

	highWaterMark int

	connectionCallback     ConnectionCallback
	messageCallback        MessageCallback
	writeCompleteCallback  WriteCompleteCallback
	highWaterMarkCallback  HighWaterMarkCallback
	closeCb                closeCallback

	state     atomic.Int32
	destroyed atomic.Bool
}

// newTcpConnection constructs a connection bound to loop over an
// already-accepted, non-blocking fd. It is unexported: connections are
// only created by TcpServer's accept path.
func newTcpConnection(loop *ioloop.EventLoop, name string, fd int, localAddr, peerAddr netutil.InetAddress) *TcpConnection {
	sock := netutil.FromFd(fd)
	c := &TcpConnection{
		loop:          loop,
		name:          name,
		socket:        sock,
		chn:           ioloop.NewChannel(loop, fd),
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		input:         buffer.New(),
		output:        buffer.New(),
		highWaterMark: defaultHighWaterMark,
	}
	c.state.Store(int32(stateConnecting))
	c.chn.SetReadCallback(c.handleRead)
	c.chn.SetWriteCallback(c.handleWrite)
	c.chn.SetCloseCallback(c.handleClose)
	c.chn.SetErrorCallback(c.handleError)
	sock.SetKeepAlive(true)

	logging.L().Info("connection ctor", zap.String("conn", name), zap.Int("fd", fd))
	return c
}

// Alive implements ioloop.Tied: an in-flight event must not dispatch
// into a connection whose connectDestroyed has already run.
func (c *TcpConnection) Alive() bool { return !c.destroyed.Load() }

// Name returns the connection's server-assigned name.
func (c *TcpConnection) Name() string { return c.name }

// LocalAddr returns the local endpoint address.
func (c *TcpConnection) LocalAddr() netutil.InetAddress { return c.localAddr }

// PeerAddr returns the remote endpoint address.
func (c *TcpConnection) PeerAddr() netutil.InetAddress { return c.peerAddr }

// Connected reports whether the connection is in the Connected state.
func (c *TcpConnection) Connected() bool {
	return connState(c.state.Load()) == stateConnected
}

// SetTcpNoDelay toggles TCP_NODELAY on the underlying socket.
func (c *TcpConnection) SetTcpNoDelay(on bool) { c.socket.SetTCPNoDelay(on) }

func (c *TcpConnection) setConnectionCallback(cb ConnectionCallback)       { c.connectionCallback = cb }
func (c *TcpConnection) setMessageCallback(cb MessageCallback)             { c.messageCallback = cb }
func (c *TcpConnection) setWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }
func (c *TcpConnection) setCloseCallback(cb closeCallback)                 { c.closeCb = cb }

// SetHighWaterMarkCallback installs the backpressure callback and
// threshold (bytes of buffered, unsent output).
func (c *TcpConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = mark
}

// Send is safe to call from any goroutine: on the owning loop's thread
// it writes synchronously via sendInLoop; from any other thread it posts
// a copy of data through RunInLoop, preserving the owning-loop invariant
// spec.md §5/§9 calls out explicitly.
func (c *TcpConnection) Send(data []byte) {
	if connState(c.state.Load()) != stateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return
	}
	cp := append([]byte(nil), data...)
	c.loop.RunInLoop(func() { c.sendInLoop(cp) })
}

// SendString is a convenience wrapper over Send.
func (c *TcpConnection) SendString(s string) { c.Send([]byte(s)) }

func (c *TcpConnection) sendInLoop(data []byte) {
	if connState(c.state.Load()) == stateDisconnected {
		logging.L().Warn("disconnected, give up writing", zap.String("conn", c.name))
		return
	}

	var (
		nwrote    int
		remaining = len(data)
		faultErr  bool
	)

	if !c.chn.IsWriting() && c.output.ReadableBytes() == 0 {
		n, err := c.socket.Write(data)
		switch {
		case err == nil:
			nwrote = n
			remaining = len(data) - n
			if remaining == 0 && c.writeCompleteCallback != nil {
				c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
			}
		case netutil.IsTransient(err):
			// EAGAIN/EWOULDBLOCK: not an error, retry via buffering below.
		default:
			logging.L().Error("sendInLoop write failed", zap.String("conn", c.name), zap.Error(err))
			if netutil.IsPeerReset(err) {
				faultErr = true
			}
		}
	}

	if faultErr {
		// EPIPE/ECONNRESET on write means the peer is gone outright:
		// demote straight to Disconnected rather than buffer data that
		// can never be delivered (spec.md §7/§8's peer-reset scenario).
		c.handleClose()
		return
	}

	if remaining > 0 {
		oldLen := c.output.ReadableBytes()
		if oldLen+remaining >= c.highWaterMark && oldLen < c.highWaterMark && c.highWaterMarkCallback != nil {
			c.loop.QueueInLoop(func() { c.highWaterMarkCallback(c, oldLen+remaining) })
		}
		c.output.Append(data[nwrote:])
		if !c.chn.IsWriting() {
			c.chn.EnableWriting()
		}
	}
}

// Shutdown half-closes the write side once any buffered output has
// drained. Safe to call from any goroutine.
func (c *TcpConnection) Shutdown() {
	if connState(c.state.Load()) == stateConnected {
		c.state.Store(int32(stateDisconnecting))
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *TcpConnection) shutdownInLoop() {
	if !c.chn.IsWriting() {
		_ = c.socket.ShutdownWrite()
	}
}

// connectEstablished runs on the owning loop: transitions to Connected,
// ties the channel to this connection, enables read interest, and fires
// the user connection callback.
func (c *TcpConnection) connectEstablished() {
	c.loop.AssertInLoopThread()
	c.state.Store(int32(stateConnected))
	c.chn.Tie(c)
	c.chn.EnableReading()
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// connectDestroyed runs on the owning loop: idempotently transitions to
// Disconnected, disables all interest, fires the connection callback if
// handleClose hasn't already, and removes the channel from the poller.
func (c *TcpConnection) connectDestroyed() {
	c.loop.AssertInLoopThread()
	if connState(c.state.Load()) == stateConnected {
		c.state.Store(int32(stateDisconnected))
		c.chn.DisableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.chn.Remove()
	_ = c.socket.Close()
	c.destroyed.Store(true)
}

func (c *TcpConnection) handleRead(receiveTime time.Time) {
	n, err := c.input.ReadFd(c.chn.Fd())
	switch {
	case err != nil:
		logging.L().Error("handleRead failed", zap.String("conn", c.name), zap.Error(err))
		c.handleError()
	case n == 0:
		c.handleClose()
	default:
		if c.messageCallback != nil {
			c.messageCallback(c, c.input, receiveTime)
		}
	}
}

func (c *TcpConnection) handleWrite() {
	if !c.chn.IsWriting() {
		logging.L().Error("fd is down, no more writing", zap.String("conn", c.name), zap.Int("fd", c.chn.Fd()))
		return
	}
	n, err := c.output.WriteFd(c.chn.Fd())
	if err != nil {
		logging.L().Error("handleWrite failed", zap.String("conn", c.name), zap.Error(err))
		return
	}
	c.output.Retrieve(n)
	if c.output.ReadableBytes() == 0 {
		c.chn.DisableWriting()
		if c.writeCompleteCallback != nil {
			c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
		}
		if connState(c.state.Load()) == stateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

func (c *TcpConnection) handleClose() {
	logging.L().Info("handleClose", zap.String("conn", c.name), zap.Int("fd", c.chn.Fd()), zap.Int32("state", c.state.Load()))
	c.state.Store(int32(stateDisconnected))
	c.chn.DisableAll()

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.closeCb != nil {
		c.closeCb(c)
	}
}

func (c *TcpConnection) handleError() {
	logging.L().Error("socket error", zap.String("conn", c.name), zap.Int("fd", c.chn.Fd()))
}
