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

// Package netpoll implements descriptor channels and the readiness
// multiplexers (epoll, kqueue and select) that event-loops poll.
package netpoll

import (
	"strings"
	"time"

	errorx "github.com/orderengine/reactor/pkg/errors"
)

// InitPollEventsCap is the initial capacity of the kernel event list,
// it doubles whenever a poll fills it up.
const InitPollEventsCap = 16

// Multiplexer watches the descriptors of the channels registered with it and
// reports the ones that are ready. A multiplexer belongs to exactly one
// event-loop and must only be used from that loop's thread.
type Multiplexer interface {
	// Poll waits at most timeout for readiness and appends the ready channels
	// to active. A negative timeout blocks until an event arrives.
	Poll(timeout time.Duration, active []*Channel) ([]*Channel, error)
	// UpdateChannel applies the current interest set of ch.
	UpdateChannel(ch *Channel) error
	// RemoveChannel forgets ch entirely, a later update treats it as new.
	RemoveChannel(ch *Channel) error
	// HasChannel reports whether ch is known to the multiplexer.
	HasChannel(ch *Channel) bool
	// Len returns the number of known channels, active or retained.
	Len() int
	// Name returns the implementation name.
	Name() string
	// Close releases the kernel resources of the multiplexer.
	Close() error
}

// Kind selects a Multiplexer implementation.
type Kind int

const (
	// KindDefault picks the kernel event table of the platform: epoll or kqueue.
	KindDefault Kind = iota
	// KindSelect picks the portable select(2) fallback.
	KindSelect
)

func (k Kind) String() string {
	switch k {
	case KindDefault:
		return "default"
	case KindSelect:
		return "select"
	}
	return "unknown"
}

// ParseKind maps a configuration value onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default", "epoll", "kqueue":
		return KindDefault, nil
	case "select":
		return KindSelect, nil
	}
	return KindDefault, errorx.ErrUnsupportedMultiplexer
}

// OpenMultiplexer instantiates the multiplexer of the given kind.
func OpenMultiplexer(kind Kind) (Multiplexer, error) {
	switch kind {
	case KindDefault:
		return openDefaultMultiplexer()
	case KindSelect:
		return newSelectMultiplexer(), nil
	}
	return nil, errorx.ErrUnsupportedMultiplexer
}

type kernelOp int

const (
	opNone kernelOp = iota
	opAdd
	opMod
	opDel
)

// channelSet keeps the fd to channel mapping shared by all multiplexers and
// drives the New -> Added -> Deleted -> New registration cycle.
type channelSet map[int]*Channel

// plan records ch and returns the kernel operation needed to reflect its
// interest set.
func (s channelSet) plan(ch *Channel) kernelOp {
	switch ch.index {
	case indexNew, indexDeleted:
		if ch.index == indexNew {
			s[ch.fd] = ch
		}
		if ch.IsNoneEvent() {
			ch.index = indexDeleted
			return opNone
		}
		ch.index = indexAdded
		return opAdd
	default:
		if ch.IsNoneEvent() {
			ch.index = indexDeleted
			return opDel
		}
		return opMod
	}
}

// forget drops ch and reports whether it was still registered with the kernel.
func (s channelSet) forget(ch *Channel) (wasAdded bool, err error) {
	if s[ch.fd] != ch {
		return false, errorx.ErrChannelNotFound
	}
	delete(s, ch.fd)
	wasAdded = ch.index == indexAdded
	ch.index = indexNew
	ch.revents = EventNone
	return
}

func (s channelSet) has(ch *Channel) bool {
	return ch != nil && s[ch.fd] == ch
}

// msec converts a poll timeout to milliseconds, rounding up so that a
// sub-millisecond wait does not turn into a busy loop.
func msec(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := timeout / time.Millisecond
	if timeout%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}
