package ioloop

import (
	"time"

	"github.com/kamiyo/reactor/internal/logging"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// initEventListSize is the poller's event-list capacity at construction;
// it doubles whenever a wait returns exactly that many events, following
// muduo's EPollPoller (original_source/src/EPollPoller.cc).
const initEventListSize = 16

// Poller is the kernel readiness oracle: given the interest registered by
// every live Channel, Poll blocks (up to a timeout) and returns the
// subset that is ready. The descriptor->Channel map is single-threaded,
// touched only by the owning EventLoop.
type Poller struct {
	epfd      int
	channels  map[int]*Channel
	eventList []unix.EpollEvent
}

// NewPoller creates the epoll instance backing one EventLoop. Failure to
// create it is fatal per spec.md §7.
func NewPoller() *Poller {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		logging.L().Fatal("epoll_create1 failed", zap.Error(err))
	}
	return &Poller{
		epfd:      epfd,
		channels:  make(map[int]*Channel),
		eventList: make([]unix.EpollEvent, initEventListSize),
	}
}

// Poll waits up to timeoutMs for ready descriptors, appends their
// Channels to active, and returns the time the wait returned.
func (p *Poller) Poll(timeoutMs int, active []*Channel) ([]*Channel, time.Time) {
	n, err := unix.EpollWait(p.epfd, p.eventList, timeoutMs)
	now := time.Now()

	switch {
	case n > 0:
		for i := 0; i < n; i++ {
			ev := p.eventList[i]
			if ch, ok := p.channels[int(ev.Fd)]; ok {
				ch.SetRevents(ev.Events)
				active = append(active, ch)
			}
		}
		if n == len(p.eventList) {
			p.eventList = make([]unix.EpollEvent, len(p.eventList)*2)
		}
	case n == 0:
		// Nothing ready within the timeout.
	default:
		if err != unix.EINTR {
			logging.L().Error("epoll_wait failed", zap.Error(err))
		}
	}
	return active, now
}

// UpdateChannel pushes ch's current interest mask to epoll, classifying
// the transition via the channel's tri-state index exactly as spec.md
// §4.4 prescribes.
func (p *Poller) UpdateChannel(ch *Channel) {
	switch chanIndex(ch.Index()) {
	case indexNew, indexDeleted:
		if chanIndex(ch.Index()) == indexNew {
			p.channels[ch.Fd()] = ch
		}
		ch.SetIndex(int(indexAdded))
		p.ctl(unix.EPOLL_CTL_ADD, ch)
	default: // indexAdded
		if ch.IsNoneEvent() {
			p.ctl(unix.EPOLL_CTL_DEL, ch)
			ch.SetIndex(int(indexDeleted))
		} else {
			p.ctl(unix.EPOLL_CTL_MOD, ch)
		}
	}
}

// RemoveChannel deregisters ch from the poller entirely.
func (p *Poller) RemoveChannel(ch *Channel) {
	delete(p.channels, ch.Fd())
	if chanIndex(ch.Index()) == indexAdded {
		p.ctl(unix.EPOLL_CTL_DEL, ch)
	}
	ch.SetIndex(int(indexNew))
}

// HasChannel reports whether ch is currently registered.
func (p *Poller) HasChannel(ch *Channel) bool {
	found, ok := p.channels[ch.Fd()]
	return ok && found == ch
}

func (p *Poller) ctl(op int, ch *Channel) {
	ev := unix.EpollEvent{Events: ch.Events(), Fd: int32(ch.Fd())}
	if err := unix.EpollCtl(p.epfd, op, ch.Fd(), &ev); err != nil {
		if op == unix.EPOLL_CTL_DEL {
			logging.L().Error("epoll_ctl del failed", zap.Int("fd", ch.Fd()), zap.Error(err))
		} else {
			logging.L().Fatal("epoll_ctl failed", zap.Int("op", op), zap.Int("fd", ch.Fd()), zap.Error(err))
		}
	}
}

// Close releases the epoll descriptor.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
