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
	"os"
	"time"

	"golang.org/x/sys/unix"

	errorx "github.com/orderengine/reactor/pkg/errors"
)

// maxSelectFD is FD_SETSIZE, the capacity of a unix.FdSet.
const maxSelectFD = 1024

// selectMultiplexer synthesizes readiness from three descriptor sets that are
// rebuilt from the active channels on every poll. Channels are reported in the
// order they were first registered.
type selectMultiplexer struct {
	channels channelSet
	order    []*Channel
	rset     unix.FdSet
	wset     unix.FdSet
	eset     unix.FdSet
}

func newSelectMultiplexer() *selectMultiplexer {
	return &selectMultiplexer{channels: make(channelSet)}
}

func (p *selectMultiplexer) Name() string { return "select" }

func (p *selectMultiplexer) Len() int { return len(p.channels) }

func (p *selectMultiplexer) HasChannel(ch *Channel) bool { return p.channels.has(ch) }

func (p *selectMultiplexer) Poll(timeout time.Duration, active []*Channel) ([]*Channel, error) {
	p.rset.Zero()
	p.wset.Zero()
	p.eset.Zero()
	maxFD := -1
	for _, ch := range p.order {
		if ch.index != indexAdded {
			continue
		}
		if ch.IsReading() {
			p.rset.Set(ch.fd)
		}
		if ch.IsWriting() {
			p.wset.Set(ch.fd)
		}
		p.eset.Set(ch.fd)
		if ch.fd > maxFD {
			maxFD = ch.fd
		}
	}

	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(int64(timeout))
		tv = &t
	}
	n, err := unix.Select(maxFD+1, &p.rset, &p.wset, &p.eset, tv)
	if err != nil {
		if err == unix.EINTR {
			return active, nil
		}
		return active, os.NewSyscallError("select", err)
	}
	if n <= 0 {
		return active, nil
	}
	for _, ch := range p.order {
		if ch.index != indexAdded {
			continue
		}
		var ev IOEvent
		if ch.IsReading() && p.rset.IsSet(ch.fd) {
			ev |= EventRead
		}
		if ch.IsWriting() && p.wset.IsSet(ch.fd) {
			ev |= EventWrite
		}
		if p.eset.IsSet(ch.fd) {
			ev |= EventError
		}
		if ev != EventNone {
			ch.revents = ev
			active = append(active, ch)
		}
	}
	return active, nil
}

func (p *selectMultiplexer) UpdateChannel(ch *Channel) error {
	if ch.fd < 0 || ch.fd >= maxSelectFD {
		return errorx.ErrFDOutOfRange
	}
	isNew := ch.index == indexNew
	p.channels.plan(ch)
	if isNew {
		p.order = append(p.order, ch)
	}
	return nil
}

func (p *selectMultiplexer) RemoveChannel(ch *Channel) error {
	if _, err := p.channels.forget(ch); err != nil {
		return err
	}
	for i, c := range p.order {
		if c == ch {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

func (p *selectMultiplexer) Close() error {
	p.order = nil
	clear(p.channels)
	return nil
}
