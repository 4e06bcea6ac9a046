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
	"unsafe"

	"golang.org/x/sys/unix"

	errorx "github.com/orderengine/reactor/pkg/errors"
)

// Make the endianness of bytes compatible with more linux OSs under different processor-architectures,
// according to http://man7.org/linux/man-pages/man2/eventfd.2.html.
var (
	u uint64 = 1
	b        = (*(*[8]byte)(unsafe.Pointer(&u)))[:]
)

// Wakeup is an eventfd used solely to interrupt a blocked poll from another thread.
type Wakeup struct {
	efd int
	buf []byte
}

// OpenWakeup creates a non-blocking, close-on-exec eventfd.
func OpenWakeup() (*Wakeup, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}
	return &Wakeup{efd: efd, buf: make([]byte, 8)}, nil
}

// FD returns the descriptor to watch for readability.
func (w *Wakeup) FD() int { return w.efd }

// Notify increments the eventfd counter, making FD readable.
func (w *Wakeup) Notify() error {
	n, err := unix.Write(w.efd, b)
	if err == unix.EAGAIN {
		// The counter is saturated, a wakeup is already pending.
		return nil
	}
	if err != nil {
		return os.NewSyscallError("write", err)
	}
	if n != len(b) {
		return errorx.ErrShortWakeup
	}
	return nil
}

// Drain resets the counter. Exactly eight bytes are expected.
func (w *Wakeup) Drain() error {
	n, err := unix.Read(w.efd, w.buf)
	if err == unix.EAGAIN {
		return nil
	}
	if err != nil {
		return os.NewSyscallError("read", err)
	}
	if n != len(w.buf) {
		return errorx.ErrShortWakeup
	}
	return nil
}

// Close closes the eventfd.
func (w *Wakeup) Close() error {
	return os.NewSyscallError("close", unix.Close(w.efd))
}
