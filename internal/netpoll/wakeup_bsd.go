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

	"golang.org/x/sys/unix"
)

var wakeupByte = []byte{1}

// Wakeup is a self-pipe used solely to interrupt a blocked poll from another thread.
type Wakeup struct {
	r, w int
	buf  []byte
}

// OpenWakeup creates a non-blocking, close-on-exec pipe.
func OpenWakeup() (*Wakeup, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, os.NewSyscallError("pipe", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return nil, os.NewSyscallError("fcntl nonblock", err)
		}
	}
	return &Wakeup{r: p[0], w: p[1], buf: make([]byte, 64)}, nil
}

// FD returns the descriptor to watch for readability.
func (w *Wakeup) FD() int { return w.r }

// Notify writes one byte into the pipe, making FD readable.
func (w *Wakeup) Notify() error {
	_, err := unix.Write(w.w, wakeupByte)
	if err == unix.EAGAIN {
		// The pipe is full, a wakeup is already pending.
		return nil
	}
	return os.NewSyscallError("write", err)
}

// Drain empties the pipe.
func (w *Wakeup) Drain() error {
	for {
		n, err := unix.Read(w.r, w.buf)
		if err == unix.EAGAIN || (err == nil && n == 0) {
			return nil
		}
		if err != nil {
			return os.NewSyscallError("read", err)
		}
	}
}

// Close closes both ends of the pipe.
func (w *Wakeup) Close() error {
	_ = unix.Close(w.w)
	return os.NewSyscallError("close", unix.Close(w.r))
}
