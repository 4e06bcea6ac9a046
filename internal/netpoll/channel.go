// Copyright (c) 2019 The Gnet Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux || freebsd || dragonfly || netbsd || openbsd || darwin
// +build linux freebsd dragonfly netbsd openbsd darwin

package netpoll

import (
	"fmt"
	"strings"
)

// IOEvent is a bitmask of interest and readiness flags.
type IOEvent uint32

const (
	// EventNone means no interest at all.
	EventNone IOEvent = 0
	// EventRead reports (or requests) readability.
	EventRead IOEvent = 1 << (iota - 1)
	// EventWrite reports (or requests) writability.
	EventWrite
	// EventError reports an error condition on the descriptor.
	EventError
	// EventHangup reports that both directions of the descriptor are shut down.
	EventHangup
	// EventReadHangup reports that the peer closed its writing half.
	EventReadHangup
	// EventPriority reports urgent data.
	EventPriority
)

func (e IOEvent) String() string {
	if e == EventNone {
		return "NONE"
	}
	var parts []string
	for _, f := range []struct {
		bit  IOEvent
		name string
	}{
		{EventRead, "IN"},
		{EventWrite, "OUT"},
		{EventError, "ERR"},
		{EventHangup, "HUP"},
		{EventReadHangup, "RDHUP"},
		{EventPriority, "PRI"},
	} {
		if e&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// Registration states of a channel inside a multiplexer.
const (
	indexNew     = -1 // unknown to the multiplexer
	indexAdded   = 1  // registered with the kernel
	indexDeleted = 2  // known to the multiplexer, removed from the kernel
)

// ChannelOwner is the event-loop a channel belongs to. Every interest change
// of a channel is forwarded to its owner, which must apply it to its multiplexer
// on its own thread.
type ChannelOwner interface {
	UpdateChannel(*Channel)
	RemoveChannel(*Channel)
}

// Channel binds one file descriptor to an interest set and the callbacks that
// run when the descriptor becomes ready. A Channel never owns its descriptor.
type Channel struct {
	fd      int
	events  IOEvent
	revents IOEvent
	index   int
	owner   ChannelOwner

	readCallback  func()
	writeCallback func()
	closeCallback func()
	errorCallback func()
}

// NewChannel creates a channel for fd that is driven by owner.
func NewChannel(owner ChannelOwner, fd int) *Channel {
	return &Channel{fd: fd, owner: owner, index: indexNew}
}

// FD returns the descriptor of the channel.
func (c *Channel) FD() int { return c.fd }

// Events returns the interest set.
func (c *Channel) Events() IOEvent { return c.events }

// Revents returns the readiness observed by the last poll.
func (c *Channel) Revents() IOEvent { return c.revents }

// SetRevents is called by multiplexers and tests.
func (c *Channel) SetRevents(ev IOEvent) { c.revents = ev }

// Owner returns the loop that drives the channel.
func (c *Channel) Owner() ChannelOwner { return c.owner }

// Registered reports whether the channel is currently active in a multiplexer.
func (c *Channel) Registered() bool { return c.index == indexAdded }

// SetReadCallback sets the callback run on readable, priority or read-hangup events.
func (c *Channel) SetReadCallback(cb func()) { c.readCallback = cb }

// SetWriteCallback sets the callback run when the descriptor becomes writable.
func (c *Channel) SetWriteCallback(cb func()) { c.writeCallback = cb }

// SetCloseCallback sets the callback run on a hang-up without pending input.
func (c *Channel) SetCloseCallback(cb func()) { c.closeCallback = cb }

// SetErrorCallback sets the callback run on an error condition.
func (c *Channel) SetErrorCallback(cb func()) { c.errorCallback = cb }

// ClearCallbacks drops every callback so that the closures, and whatever they
// captured, are no longer reachable through the channel.
func (c *Channel) ClearCallbacks() {
	c.readCallback, c.writeCallback, c.closeCallback, c.errorCallback = nil, nil, nil, nil
}

// EnableReading adds read interest and applies it through the owner.
func (c *Channel) EnableReading() {
	c.events |= EventRead
	c.update()
}

// DisableReading drops read interest and applies it through the owner.
func (c *Channel) DisableReading() {
	c.events &^= EventRead
	c.update()
}

// EnableWriting adds write interest, used while output is pending.
func (c *Channel) EnableWriting() {
	c.events |= EventWrite
	c.update()
}

// DisableWriting drops write interest once the output is flushed.
func (c *Channel) DisableWriting() {
	c.events &^= EventWrite
	c.update()
}

// DisableAll clears the interest set, it must be called before Remove.
func (c *Channel) DisableAll() {
	c.events = EventNone
	c.update()
}

// IsNoneEvent reports whether the interest set is empty.
func (c *Channel) IsNoneEvent() bool { return c.events == EventNone }

// IsReading reports whether read interest is set.
func (c *Channel) IsReading() bool { return c.events&EventRead != 0 }

// IsWriting reports whether write interest is set.
func (c *Channel) IsWriting() bool { return c.events&EventWrite != 0 }

func (c *Channel) update() {
	c.owner.UpdateChannel(c)
}

// Remove detaches the channel from its owner's multiplexer.
// It panics if the interest set is not empty.
func (c *Channel) Remove() {
	if !c.IsNoneEvent() {
		panic(fmt.Sprintf("netpoll: removing channel fd=%d with interest %s", c.fd, c.events))
	}
	c.owner.RemoveChannel(c)
}

// HandleEvent runs the callbacks matching the readiness recorded by the last
// poll. Read and write may both run in a single call, but each callback runs
// at most once. A hang-up with pending input is left to the read callback,
// which observes EOF after draining.
func (c *Channel) HandleEvent() {
	if c.index != indexAdded {
		return
	}
	ev := c.revents
	if ev&EventHangup != 0 && ev&EventRead == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if ev&EventError != 0 {
		if c.errorCallback != nil && c.index == indexAdded {
			c.errorCallback()
		}
	}
	if ev&(EventRead|EventPriority|EventReadHangup) != 0 {
		if c.readCallback != nil && c.index == indexAdded {
			c.readCallback()
		}
	}
	if ev&EventWrite != 0 {
		if c.writeCallback != nil && c.index == indexAdded {
			c.writeCallback()
		}
	}
}

// String renders the descriptor with its interest and readiness sets.
func (c *Channel) String() string {
	return fmt.Sprintf("fd=%d events=%s revents=%s", c.fd, c.events, c.revents)
}
