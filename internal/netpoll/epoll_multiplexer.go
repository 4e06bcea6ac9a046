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

//go:build linux
// +build linux

package netpoll

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const (
	epollRead  = unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP
	epollWrite = unix.EPOLLOUT
)

type epollMultiplexer struct {
	fd       int
	events   []unix.EpollEvent
	channels channelSet
}

func openDefaultMultiplexer() (Multiplexer, error) {
	return openEpoll()
}

func openEpoll() (*epollMultiplexer, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &epollMultiplexer{
		fd:       fd,
		events:   make([]unix.EpollEvent, InitPollEventsCap),
		channels: make(channelSet),
	}, nil
}

func (p *epollMultiplexer) Name() string { return "epoll" }

func (p *epollMultiplexer) Len() int { return len(p.channels) }

func (p *epollMultiplexer) HasChannel(ch *Channel) bool { return p.channels.has(ch) }

func (p *epollMultiplexer) Poll(timeout time.Duration, active []*Channel) ([]*Channel, error) {
	n, err := unix.EpollWait(p.fd, p.events, msec(timeout))
	if err != nil {
		if err == unix.EINTR {
			return active, nil
		}
		return active, os.NewSyscallError("epoll_wait", err)
	}
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		ch := p.channels[int(ev.Fd)]
		if ch == nil || ch.index != indexAdded {
			continue
		}
		ch.revents = fromEpollEvents(ev.Events)
		active = append(active, ch)
	}
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, n<<1)
	}
	return active, nil
}

func (p *epollMultiplexer) UpdateChannel(ch *Channel) error {
	switch p.channels.plan(ch) {
	case opAdd:
		if err := p.ctl(unix.EPOLL_CTL_ADD, ch); err != nil {
			ch.index = indexDeleted
			return err
		}
	case opMod:
		return p.ctl(unix.EPOLL_CTL_MOD, ch)
	case opDel:
		return p.ctl(unix.EPOLL_CTL_DEL, ch)
	}
	return nil
}

func (p *epollMultiplexer) RemoveChannel(ch *Channel) error {
	wasAdded, err := p.channels.forget(ch)
	if err != nil || !wasAdded {
		return err
	}
	return p.ctl(unix.EPOLL_CTL_DEL, ch)
}

func (p *epollMultiplexer) ctl(op int, ch *Channel) error {
	ev := unix.EpollEvent{Fd: int32(ch.fd), Events: toEpollEvents(ch.events)}
	if err := unix.EpollCtl(p.fd, op, ch.fd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

func (p *epollMultiplexer) Close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}

func toEpollEvents(ev IOEvent) (events uint32) {
	if ev&EventRead != 0 {
		events |= epollRead
	}
	if ev&EventWrite != 0 {
		events |= epollWrite
	}
	return
}

func fromEpollEvents(events uint32) (ev IOEvent) {
	if events&unix.EPOLLIN != 0 {
		ev |= EventRead
	}
	if events&unix.EPOLLPRI != 0 {
		ev |= EventPriority
	}
	if events&unix.EPOLLOUT != 0 {
		ev |= EventWrite
	}
	if events&unix.EPOLLERR != 0 {
		ev |= EventError
	}
	if events&unix.EPOLLHUP != 0 {
		ev |= EventHangup
	}
	if events&unix.EPOLLRDHUP != 0 {
		ev |= EventReadHangup
	}
	return
}
