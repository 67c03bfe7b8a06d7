// Command reactor-echo is a bounce-back demo server, translated from
// muduo's own example/testserver.cc: every byte received on a connection
// is written straight back to it.
package main

import (
	"time"

	"github.com/kamiyo/reactor/internal/ioloop"
	"github.com/kamiyo/reactor/internal/logging"
	"github.com/kamiyo/reactor/internal/netutil"
	"github.com/kamiyo/reactor/reactor"

	"go.uber.org/zap"
)

func onConnection(conn *reactor.TcpConnection) {
	if conn.Connected() {
		logging.L().Info("connection up", zap.String("peer", conn.PeerAddr().String()))
	} else {
		logging.L().Info("connection down", zap.String("peer", conn.PeerAddr().String()))
	}
}

func onMessage(conn *reactor.TcpConnection, buf *reactor.Buffer, receiveTime time.Time) {
	msg := buf.RetrieveAllAsString()
	conn.SendString(msg)
}

func main() {
	logging.SetLogger(logging.New(logging.FileConfig{}))

	loop := ioloop.New()
	addr := netutil.NewInetAddress(8080, "")

	server := reactor.New(loop, addr, "EchoServer", reactor.WithThreadNum(4))
	server.SetConnectionCallback(onConnection)
	server.SetMessageCallback(onMessage)

	server.Start()
	loop.Loop()
}
