package pool

import (
	"fmt"

	"github.com/kamiyo/reactor/internal/ioloop"

	"go.uber.org/atomic"
)

// EventLoopThreadPool owns the sub-reactor threads and hands their loops
// out round-robin, per spec.md §4.6.
type EventLoopThreadPool struct {
	name     string
	baseLoop *ioloop.EventLoop
	numLoops int

	threads []*EventLoopThread
	loops   []*ioloop.EventLoop
	next    atomic.Int64

	started bool
}

// NewEventLoopThreadPool binds the pool to the main loop (used directly
// when numLoops is 0) and a name used to label sub-reactor threads.
func NewEventLoopThreadPool(baseLoop *ioloop.EventLoop, name string, numLoops int) *EventLoopThreadPool {
	return &EventLoopThreadPool{name: name, baseLoop: baseLoop, numLoops: numLoops}
}

// Start spawns numLoops sub-reactor threads (0 keeps everything on the
// base loop) and runs cb, if any, as each thread's init callback — or,
// when numLoops is 0, once directly against the base loop, matching
// muduo's EventLoopThreadPool::start.
func (p *EventLoopThreadPool) Start(cb ThreadInitCallback) {
	p.started = true
	for i := 0; i < p.numLoops; i++ {
		t := NewEventLoopThread(fmt.Sprintf("%s_%d", p.name, i), cb)
		p.threads = append(p.threads, t)
		p.loops = append(p.loops, t.StartLoop())
	}
	if p.numLoops == 0 && cb != nil {
		cb(p.baseLoop)
	}
}

// GetNextLoop returns the next sub-loop round-robin, or the base loop
// when no sub-reactors were configured.
func (p *EventLoopThreadPool) GetNextLoop() *ioloop.EventLoop {
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	idx := p.next.Add(1) - 1
	return p.loops[int(idx)%len(p.loops)]
}

// GetAllLoops returns every sub-loop, or a single-element slice
// containing the base loop when no sub-reactors were configured.
func (p *EventLoopThreadPool) GetAllLoops() []*ioloop.EventLoop {
	if len(p.loops) == 0 {
		return []*ioloop.EventLoop{p.baseLoop}
	}
	return p.loops
}

// Stop quits every sub-reactor thread and waits for them to exit. The
// base loop is the caller's responsibility.
func (p *EventLoopThreadPool) Stop() {
	for _, t := range p.threads {
		t.Stop()
	}
}
