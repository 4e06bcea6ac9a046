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

//go:build freebsd || dragonfly || netbsd || openbsd || darwin
// +build freebsd dragonfly netbsd openbsd darwin

package netpoll

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

type kqueueMultiplexer struct {
	fd       int
	events   []unix.Kevent_t
	changes  []unix.Kevent_t
	channels channelSet
	// filters tracks the filters currently installed in the kernel per fd.
	filters map[int]IOEvent
	seen    map[int]struct{}
}

func openDefaultMultiplexer() (Multiplexer, error) {
	return openKqueue()
}

func openKqueue() (*kqueueMultiplexer, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(fd)
	return &kqueueMultiplexer{
		fd:       fd,
		events:   make([]unix.Kevent_t, InitPollEventsCap),
		channels: make(channelSet),
		filters:  make(map[int]IOEvent),
		seen:     make(map[int]struct{}),
	}, nil
}

func (p *kqueueMultiplexer) Name() string { return "kqueue" }

func (p *kqueueMultiplexer) Len() int { return len(p.channels) }

func (p *kqueueMultiplexer) HasChannel(ch *Channel) bool { return p.channels.has(ch) }

func (p *kqueueMultiplexer) Poll(timeout time.Duration, active []*Channel) ([]*Channel, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	n, err := unix.Kevent(p.fd, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return active, nil
		}
		return active, os.NewSyscallError("kevent wait", err)
	}
	clear(p.seen)
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		fd := int(ev.Ident)
		ch := p.channels[fd]
		if ch == nil || ch.index != indexAdded {
			continue
		}
		if _, ok := p.seen[fd]; !ok {
			p.seen[fd] = struct{}{}
			ch.revents = EventNone
			active = append(active, ch)
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			ch.revents |= EventError
			continue
		}
		switch ev.Filter {
		case unix.EVFILT_READ:
			ch.revents |= EventRead
			if ev.Flags&unix.EV_EOF != 0 {
				ch.revents |= EventReadHangup
			}
		case unix.EVFILT_WRITE:
			ch.revents |= EventWrite
			if ev.Flags&unix.EV_EOF != 0 {
				ch.revents |= EventHangup
			}
		}
	}
	if n == len(p.events) {
		p.events = make([]unix.Kevent_t, n<<1)
	}
	return active, nil
}

func (p *kqueueMultiplexer) UpdateChannel(ch *Channel) error {
	switch p.channels.plan(ch) {
	case opAdd:
		if err := p.apply(ch.fd, ch.events); err != nil {
			ch.index = indexDeleted
			return err
		}
	case opMod:
		return p.apply(ch.fd, ch.events)
	case opDel:
		return p.apply(ch.fd, EventNone)
	}
	return nil
}

func (p *kqueueMultiplexer) RemoveChannel(ch *Channel) error {
	wasAdded, err := p.channels.forget(ch)
	if err != nil || !wasAdded {
		delete(p.filters, ch.fd)
		return err
	}
	return p.apply(ch.fd, EventNone)
}

// apply installs or deletes the read and write filters of fd so that they
// match want.
func (p *kqueueMultiplexer) apply(fd int, want IOEvent) error {
	have := p.filters[fd]
	p.changes = p.changes[:0]
	for _, f := range []struct {
		bit    IOEvent
		filter int
	}{
		{EventRead, unix.EVFILT_READ},
		{EventWrite, unix.EVFILT_WRITE},
	} {
		if want&f.bit == have&f.bit {
			continue
		}
		var kev unix.Kevent_t
		if want&f.bit != 0 {
			unix.SetKevent(&kev, fd, f.filter, unix.EV_ADD)
		} else {
			unix.SetKevent(&kev, fd, f.filter, unix.EV_DELETE)
		}
		p.changes = append(p.changes, kev)
	}
	if len(p.changes) > 0 {
		if _, err := unix.Kevent(p.fd, p.changes, nil, nil); err != nil && err != unix.ENOENT {
			return os.NewSyscallError("kevent add", err)
		}
	}
	if want == EventNone {
		delete(p.filters, fd)
	} else {
		p.filters[fd] = want & (EventRead | EventWrite)
	}
	return nil
}

func (p *kqueueMultiplexer) Close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}
