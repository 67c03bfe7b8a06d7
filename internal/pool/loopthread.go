// Package pool implements the one-loop-per-thread dispatcher: spawning
// sub-reactor goroutines pinned to their own OS thread and handing out
// their loops round-robin, grounded on muduo's EventLoopThread /
// EventLoopThreadPool (original_source/src/EventLoopThreadPool.cc) and
// on jursonmo-evio's per-loop fd table / round-robin accept balancing
// (jursonmo-evio/evio_unix.go).
package pool

import (
	"sync"

	"github.com/kamiyo/reactor/internal/ioloop"
)

// ThreadInitCallback runs once on a sub-reactor's thread, after its
// EventLoop is constructed but before Loop starts.
type ThreadInitCallback func(loop *ioloop.EventLoop)

// EventLoopThread spawns exactly one OS thread, builds a fresh EventLoop
// on it, and runs that loop for the thread's lifetime.
type EventLoopThread struct {
	name     string
	initCb   ThreadInitCallback
	mu       sync.Mutex
	cond     *sync.Cond
	loop     *ioloop.EventLoop
	started  bool
	stopDone chan struct{}
}

// NewEventLoopThread constructs (but does not start) a named sub-reactor
// thread.
func NewEventLoopThread(name string, initCb ThreadInitCallback) *EventLoopThread {
	t := &EventLoopThread{name: name, initCb: initCb, stopDone: make(chan struct{})}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// StartLoop spawns the thread's goroutine and blocks until the child has
// published its EventLoop, returning it.
func (t *EventLoopThread) StartLoop() *ioloop.EventLoop {
	go t.threadMain()

	t.mu.Lock()
	for t.loop == nil {
		t.cond.Wait()
	}
	loop := t.loop
	t.mu.Unlock()
	return loop
}

func (t *EventLoopThread) threadMain() {
	loop := ioloop.New()

	t.mu.Lock()
	t.loop = loop
	t.cond.Signal()
	t.mu.Unlock()

	if t.initCb != nil {
		t.initCb(loop)
	}

	loop.Loop()
	loop.Close()
	close(t.stopDone)
}

// Stop asks this thread's loop to quit and waits for its goroutine to
// exit.
func (t *EventLoopThread) Stop() {
	t.mu.Lock()
	loop := t.loop
	t.mu.Unlock()
	if loop != nil {
		loop.Quit()
	}
	<-t.stopDone
}

// Loop returns this thread's EventLoop, or nil if StartLoop has not been
// called yet.
func (t *EventLoopThread) Loop() *ioloop.EventLoop {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loop
}
