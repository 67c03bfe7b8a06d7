// Package ioloop implements the reactor's channel/poller/event-loop
// layer: binding file descriptors to interest masks and callbacks,
// mediating registration with the kernel's readiness facility, and
// driving the single-threaded dispatch loop.
package ioloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// Registration state of a Channel with respect to the Poller, mirroring
// muduo's EPollPoller kNew/kAdded/kDeleted tri-state (original_source
// src/EPollPoller.cc).
type chanIndex int

const (
	indexNew chanIndex = iota - 1
	indexAdded
	indexDeleted
)

const (
	readEvent  = unix.EPOLLIN | unix.EPOLLPRI
	writeEvent = unix.EPOLLOUT
)

// Tied is the liveness check a Channel consults before dispatching, once
// an owner has been attached via Tie. Go's garbage collector keeps the
// owner's memory alive as long as the Channel references it, so unlike
// muduo's std::weak_ptr upgrade this never observes a freed object —
// what it guards against is dispatching into an owner that has already
// logically torn itself down (TcpConnection.connectDestroyed having run)
// while this Channel's event is still being processed.
type Tied interface {
	Alive() bool
}

// Channel binds one descriptor to an interest mask and a set of
// callbacks. A Channel is owned by exactly one EventLoop and must only
// have its callbacks invoked on that loop's thread.
type Channel struct {
	loop  *EventLoop
	fd    int
	event uint32 // interest mask
	rev   uint32 // most recently returned event mask
	index chanIndex

	tie Tied

	readCallback  func(receiveTime time.Time)
	writeCallback func()
	closeCallback func()
	errorCallback func()
}

// NewChannel binds fd to loop with no interest and no callbacks.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd, index: indexNew}
}

// Fd returns the bound descriptor.
func (c *Channel) Fd() int { return c.fd }

// Events returns the current interest mask.
func (c *Channel) Events() uint32 { return c.event }

// SetRevents records the event mask the poller observed for this
// channel in the most recent wait.
func (c *Channel) SetRevents(ev uint32) { c.rev = ev }

// Index returns the Poller's tri-state registration classification.
func (c *Channel) Index() int { return int(c.index) }

// SetIndex updates the Poller's tri-state registration classification.
func (c *Channel) SetIndex(i int) { c.index = chanIndex(i) }

// IsNoneEvent reports whether this channel currently has no interest
// registered.
func (c *Channel) IsNoneEvent() bool { return c.event == 0 }

// IsWriting reports whether write interest is currently enabled.
func (c *Channel) IsWriting() bool { return c.event&writeEvent != 0 }

// IsReading reports whether read interest is currently enabled.
func (c *Channel) IsReading() bool { return c.event&readEvent != 0 }

// SetReadCallback installs the handler fired on readable/high-priority
// events, receiving the poll's return timestamp.
func (c *Channel) SetReadCallback(cb func(receiveTime time.Time)) { c.readCallback = cb }

// SetWriteCallback installs the handler fired on writable events.
func (c *Channel) SetWriteCallback(cb func()) { c.writeCallback = cb }

// SetCloseCallback installs the handler fired on hang-up without
// readable data.
func (c *Channel) SetCloseCallback(cb func()) { c.closeCallback = cb }

// SetErrorCallback installs the handler fired on error events.
func (c *Channel) SetErrorCallback(cb func()) { c.errorCallback = cb }

// EnableReading adds read interest and pushes the new mask to the
// poller.
func (c *Channel) EnableReading() {
	c.event |= readEvent
	c.update()
}

// DisableReading removes read interest and pushes the new mask.
func (c *Channel) DisableReading() {
	c.event &^= readEvent
	c.update()
}

// EnableWriting adds write interest and pushes the new mask.
func (c *Channel) EnableWriting() {
	c.event |= writeEvent
	c.update()
}

// DisableWriting removes write interest and pushes the new mask.
func (c *Channel) DisableWriting() {
	c.event &^= writeEvent
	c.update()
}

// DisableAll clears all interest and pushes the new (empty) mask.
func (c *Channel) DisableAll() {
	c.event = 0
	c.update()
}

// Remove asks the owning loop to deregister this channel from the
// poller entirely.
func (c *Channel) Remove() {
	c.loop.removeChannel(c)
}

// update asks the owning loop to push this channel's new interest mask
// to the poller. Unlike the inspected muduo source — where
// Channel::update/remove are stubbed TODOs — this implementation does
// delegate, per spec.md §9's resolution of that open question.
func (c *Channel) update() {
	c.loop.updateChannel(c)
}

// Tie stores the owner whose liveness gates event dispatch.
func (c *Channel) Tie(owner Tied) { c.tie = owner }

// HandleEvent dispatches to the registered callbacks according to the
// most recently recorded event mask, in the order spec.md §4.3
// prescribes: close before read (so a hung-up descriptor is never read
// from), then error, then read, then write. If a tie was set and the
// owner is no longer alive, dispatch is skipped entirely.
func (c *Channel) HandleEvent(receiveTime time.Time) {
	if c.tie != nil && !c.tie.Alive() {
		return
	}
	c.handleEventGuarded(receiveTime)
}

func (c *Channel) handleEventGuarded(receiveTime time.Time) {
	if c.rev&unix.EPOLLHUP != 0 && c.rev&unix.EPOLLIN == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.rev&unix.EPOLLERR != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.rev&uint32(readEvent) != 0 {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}
	if c.rev&writeEvent != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}
