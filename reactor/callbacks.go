package reactor

import "time"

// ConnectionCallback fires when a connection transitions to Connected
// (connection up) and again when it transitions to Disconnected
// (connection down, conn.Connected() reports false at that point).
type ConnectionCallback func(conn *TcpConnection)

// MessageCallback fires whenever bytes have been read into the
// connection's input buffer.
type MessageCallback func(conn *TcpConnection, input *Buffer, receiveTime time.Time)

// WriteCompleteCallback fires once all bytes of a Send have reached the
// socket: queued right after a synchronous write that sent everything,
// or once the output buffer has fully drained otherwise.
type WriteCompleteCallback func(conn *TcpConnection)

// HighWaterMarkCallback fires when buffered outbound bytes cross the
// configured threshold, reporting the new buffered size.
type HighWaterMarkCallback func(conn *TcpConnection, bufferedBytes int)

// closeCallback is library-internal (spec.md §6): TcpServer uses it to
// remove a connection from its table and schedule connectDestroyed.
type closeCallback func(conn *TcpConnection)
