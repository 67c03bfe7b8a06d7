package reactor

import "github.com/kamiyo/reactor/internal/pool"

// ServerOption configures a TcpServer at construction time, following
// the teacher's closure-option pattern (voltron.go's VoltronOption,
// service.go's RunOption).
type ServerOption func(s *TcpServer)

// WithThreadNum sets the number of sub-reactor threads the server's
// thread pool spawns. n == 0 keeps everything on the main loop.
func WithThreadNum(n int) ServerOption {
	return func(s *TcpServer) { s.numThreads = n }
}

// WithReusePort enables SO_REUSEPORT on the listen socket.
func WithReusePort(on bool) ServerOption {
	return func(s *TcpServer) { s.reusePort = on }
}

// WithThreadInitCallback installs a callback run once per sub-reactor
// thread, after its EventLoop is constructed but before it starts
// looping.
func WithThreadInitCallback(cb pool.ThreadInitCallback) ServerOption {
	return func(s *TcpServer) { s.threadInitCallback = cb }
}

// WithHighWaterMark overrides the default 64MiB per-connection output
// buffering threshold.
func WithHighWaterMark(n int) ServerOption {
	return func(s *TcpServer) { s.highWaterMark = n }
}
