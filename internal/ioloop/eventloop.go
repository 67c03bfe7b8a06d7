package ioloop

import (
	"encoding/binary"
	"runtime"
	"sync"
	"time"

	"github.com/kamiyo/reactor/internal/logging"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// pollTimeoutMs caps how long one reactor iteration blocks in the
// readiness wait, per spec.md §4.5/§5.
const pollTimeoutMs = 10 * 1000

// loopRegistry enforces "at most one EventLoop per OS thread": the
// reactor is tied to real kernel threads (spec.md §5's "N+1 OS
// threads"), so the usual Go idiom of a goroutine-local flag is not
// enough — a loop's goroutine is pinned with runtime.LockOSThread and
// its identity is the kernel thread id (unix.Gettid), mirroring muduo's
// __thread EventLoop* t_loopInThisThread (original_source/src/EventLoop.cc).
var (
	loopRegistry   = make(map[int]*EventLoop)
	loopRegistryMu sync.Mutex
)

// EventLoop owns a Poller, a wake-up descriptor, and a cross-thread
// pending-functor queue, and runs the reactor on exactly one OS thread.
type EventLoop struct {
	tid    int
	poller *Poller

	wakeupFd      int
	wakeupChannel *Channel

	pendingMu   sync.Mutex
	pending     []func()
	callingPend atomic.Bool

	looping atomic.Bool
	quit    atomic.Bool
}

// New pins the calling goroutine to its current OS thread and
// constructs an EventLoop for it. Constructing a second EventLoop on the
// same OS thread is fatal, per spec.md §4.5/§9.
//
// New must be called from the goroutine that will run Loop — typically
// the body of an EventLoopThread.
func New() *EventLoop {
	runtime.LockOSThread()
	tid := unix.Gettid()

	loopRegistryMu.Lock()
	if _, exists := loopRegistry[tid]; exists {
		loopRegistryMu.Unlock()
		logging.L().Fatal("another EventLoop already exists in OS thread", zap.Int("tid", tid))
	}

	wakeupFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		loopRegistryMu.Unlock()
		logging.L().Fatal("eventfd failed", zap.Error(err))
	}

	loop := &EventLoop{
		tid:      tid,
		poller:   NewPoller(),
		wakeupFd: wakeupFd,
	}
	loopRegistry[tid] = loop
	loopRegistryMu.Unlock()

	loop.wakeupChannel = NewChannel(loop, wakeupFd)
	loop.wakeupChannel.SetReadCallback(func(time.Time) { loop.handleWakeupRead() })
	loop.wakeupChannel.EnableReading()

	return loop
}

// Tid returns the OS thread id this loop is pinned to.
func (l *EventLoop) Tid() int { return l.tid }

// IsInLoopThread reports whether the calling goroutine is running on
// this loop's OS thread.
func (l *EventLoop) IsInLoopThread() bool { return unix.Gettid() == l.tid }

// AssertInLoopThread fatally aborts if the caller is not on this loop's
// thread, per spec.md §4.5.
func (l *EventLoop) AssertInLoopThread() {
	if !l.IsInLoopThread() {
		logging.L().Fatal("forbidden cross-thread access", zap.Int("loopThread", l.tid), zap.Int("callerThread", unix.Gettid()))
	}
}

// Loop runs the reactor until Quit is called. It must be invoked on the
// loop's own OS thread.
func (l *EventLoop) Loop() {
	l.AssertInLoopThread()
	l.looping.Store(true)
	l.quit.Store(false)

	var (
		active []*Channel
		now    time.Time
	)
	for !l.quit.Load() {
		active = active[:0]
		active, now = l.poller.Poll(pollTimeoutMs, active)
		for _, ch := range active {
			ch.HandleEvent(now)
		}
		l.doPendingFunctors()
	}
	l.looping.Store(false)
}

// Quit stops the loop after its current iteration. Safe to call from any
// thread.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		l.wakeup()
	}
}

// RunInLoop runs f immediately if the caller is on this loop's thread,
// otherwise posts it via QueueInLoop.
func (l *EventLoop) RunInLoop(f func()) {
	if l.IsInLoopThread() {
		f()
		return
	}
	l.QueueInLoop(f)
}

// QueueInLoop always enqueues f for execution on this loop's thread,
// waking the loop if the caller isn't on it, or if a drain is already in
// progress (so f is picked up on the next iteration without added
// latency).
func (l *EventLoop) QueueInLoop(f func()) {
	l.pendingMu.Lock()
	l.pending = append(l.pending, f)
	l.pendingMu.Unlock()

	if !l.IsInLoopThread() || l.callingPend.Load() {
		l.wakeup()
	}
}

// doPendingFunctors swaps the pending queue into a local slice under the
// mutex, then runs it unlocked so functors may themselves enqueue new
// work without reentering the lock.
func (l *EventLoop) doPendingFunctors() {
	l.pendingMu.Lock()
	functors := l.pending
	l.pending = nil
	l.pendingMu.Unlock()

	l.callingPend.Store(true)
	for _, f := range functors {
		f()
	}
	l.callingPend.Store(false)
}

// wakeup writes 8 bytes to the wake-up descriptor so a blocked Poll
// returns promptly.
func (l *EventLoop) wakeup() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(l.wakeupFd, buf[:]); err != nil {
		logging.L().Error("wakeup write failed", zap.Error(err))
	}
}

func (l *EventLoop) handleWakeupRead() {
	var buf [8]byte
	n, err := unix.Read(l.wakeupFd, buf[:])
	if err != nil || n != 8 {
		logging.L().Error("wakeup read short", zap.Int("bytes", n), zap.Error(err))
	}
}

// UpdateChannel forwards to the Poller; must run on this loop's thread.
func (l *EventLoop) UpdateChannel(ch *Channel) {
	l.AssertInLoopThread()
	l.poller.UpdateChannel(ch)
}

// updateChannel is the unexported hook Channel.update calls.
func (l *EventLoop) updateChannel(ch *Channel) { l.UpdateChannel(ch) }

// RemoveChannel forwards to the Poller; must run on this loop's thread.
func (l *EventLoop) RemoveChannel(ch *Channel) {
	l.AssertInLoopThread()
	l.poller.RemoveChannel(ch)
}

func (l *EventLoop) removeChannel(ch *Channel) { l.RemoveChannel(ch) }

// HasChannel reports whether ch is currently registered with this
// loop's poller.
func (l *EventLoop) HasChannel(ch *Channel) bool {
	return l.poller.HasChannel(ch)
}

// Close tears down the wake-up descriptor, the poller, and this loop's
// OS-thread registration. Must be called after Loop has returned.
func (l *EventLoop) Close() {
	l.wakeupChannel.DisableAll()
	l.wakeupChannel.Remove()
	_ = unix.Close(l.wakeupFd)
	_ = l.poller.Close()

	loopRegistryMu.Lock()
	delete(loopRegistry, l.tid)
	loopRegistryMu.Unlock()

	runtime.UnlockOSThread()
}
