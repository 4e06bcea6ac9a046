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

package reactor

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/orderengine/reactor/internal/netpoll"
	"github.com/orderengine/reactor/internal/socket"
	errorx "github.com/orderengine/reactor/pkg/errors"
	"github.com/orderengine/reactor/pkg/pool/bytebuffer"
)

// ConnState is the life-cycle state of a Connection.
type ConnState int32

const (
	// StateConnecting is the state between accept and registration on the worker loop.
	StateConnecting ConnState = iota
	// StateConnected means the connection is registered and exchanging data.
	StateConnected
	// StateDisconnecting is held while the close sequence runs.
	StateDisconnecting
	// StateDisconnected is terminal, the descriptor has been released.
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("ConnState(%d)", int32(s))
}

type (
	// MessageCallback receives the bytes read from c since the last call.
	// data is only valid during the call, copy it to keep it.
	MessageCallback func(c *Connection, data []byte)

	// ConnectionCallback fires once when c becomes connected and once while
	// it is disconnecting.
	ConnectionCallback func(c *Connection)
)

// Connection is a TCP connection driven by exactly one worker event-loop.
type Connection struct {
	fd         int
	loop       *EventLoop
	channel    *netpoll.Channel
	localAddr  net.Addr
	remoteAddr net.Addr
	state      atomic.Int32
	lastActive atomic.Int64

	inboundBuffer  *bytebuffer.ByteBuffer
	outboundBuffer *bytebuffer.Queue

	keepAlive time.Duration
	noDelay   bool

	messageCallback MessageCallback
	closeCallback   func(*Connection)

	ctx interface{}
}

func newConnection(fd int, el *EventLoop, localAddr, remoteAddr net.Addr, opts *Options) *Connection {
	c := &Connection{
		fd:             fd,
		loop:           el,
		localAddr:      localAddr,
		remoteAddr:     remoteAddr,
		inboundBuffer:  bytebuffer.Get(),
		outboundBuffer: bytebuffer.NewQueue(),
		keepAlive:      opts.TCPKeepAlive,
		noDelay:        opts.TCPNoDelay,
	}
	c.state.Store(int32(StateConnecting))
	c.touch()
	return c
}

// establish registers the connection on its loop, it runs on that loop.
func (c *Connection) establish() error {
	if c.State() != StateConnecting {
		return errorx.ErrConnectionClosed
	}
	if c.noDelay {
		if err := socket.SetNoDelay(c.fd, 1); err != nil {
			c.loop.logger.Warnf("failed to set TCP_NODELAY on fd=%d: %v", c.fd, err)
		}
	}
	if c.keepAlive > 0 {
		if err := socket.SetKeepAlivePeriod(c.fd, int(c.keepAlive/time.Second)); err != nil {
			c.loop.logger.Warnf("failed to set keep-alive on fd=%d: %v", c.fd, err)
		}
	}

	ch := netpoll.NewChannel(c.loop, c.fd)
	ch.SetReadCallback(c.handleRead)
	ch.SetWriteCallback(c.handleWrite)
	ch.SetCloseCallback(func() { c.handleClose(io.EOF) })
	ch.SetErrorCallback(c.handleError)
	c.channel = ch
	ch.EnableReading()
	if !ch.Registered() {
		err := fmt.Errorf("fd=%d could not be registered on event-loop(%d)", c.fd, c.loop.idx)
		c.handleClose(err)
		return err
	}

	c.loop.addConn(c)
	c.state.Store(int32(StateConnected))
	c.touch()
	return nil
}

// Send writes data to the peer. On the owning loop the write happens right
// away, from any other goroutine data is copied and the write is queued on
// the loop. Bytes the kernel does not take are buffered and flushed when the
// socket becomes writable again.
func (c *Connection) Send(data []byte) error {
	if c.State() >= StateDisconnecting {
		return errorx.ErrConnectionClosed
	}
	if c.loop.InLoopThread() {
		return c.sendInLoop(data)
	}
	buf := append([]byte(nil), data...)
	c.loop.QueueInLoop(func() {
		_ = c.sendInLoop(buf)
	})
	return nil
}

func (c *Connection) sendInLoop(data []byte) error {
	if c.State() != StateConnected {
		return errorx.ErrConnectionClosed
	}
	var n int
	if !c.channel.IsWriting() && c.outboundBuffer.Len() == 0 {
		var err error
		n, err = unix.Write(c.fd, data)
		if err != nil {
			n = 0
			switch err {
			case unix.EAGAIN, unix.EINTR:
			case unix.EPIPE, unix.ECONNRESET:
				c.handleClose(os.NewSyscallError("write", err))
				return errorx.ErrConnectionClosed
			default:
				c.loop.logger.Errorf("write to fd=%d failed: %v", c.fd, err)
			}
		}
		c.touch()
		if n == len(data) {
			return nil
		}
	}
	_, _ = c.outboundBuffer.Write(data[n:])
	if !c.channel.IsWriting() {
		c.channel.EnableWriting()
	}
	return nil
}

// sendDirect writes from the caller's goroutine without going through the
// owning loop. It races with the loop flushing the same connection.
func (c *Connection) sendDirect(data []byte) {
	if !c.IsConnected() {
		return
	}
	n, err := unix.Write(c.fd, data)
	if err != nil {
		n = 0
		if err == unix.EPIPE || err == unix.ECONNRESET {
			_ = c.Close()
			return
		}
	}
	if n == len(data) {
		return
	}
	rest := append([]byte(nil), data[n:]...)
	c.loop.QueueInLoop(func() {
		if c.State() != StateConnected {
			return
		}
		_, _ = c.outboundBuffer.Write(rest)
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
	})
}

func (c *Connection) handleRead() {
	n, err := unix.Read(c.fd, c.loop.buffer)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		c.handleClose(os.NewSyscallError("read", err))
		return
	}
	if n == 0 {
		c.handleClose(io.EOF)
		return
	}
	c.touch()
	_, _ = c.inboundBuffer.Write(c.loop.buffer[:n])
	if c.messageCallback != nil {
		c.messageCallback(c, c.inboundBuffer.B)
	}
	// The callback may have closed the connection and released the buffer.
	if c.inboundBuffer != nil {
		c.inboundBuffer.Reset()
	}
}

func (c *Connection) handleWrite() {
	if !c.channel.IsWriting() {
		return
	}
	if c.outboundBuffer.Len() > 0 {
		n, err := unix.Write(c.fd, c.outboundBuffer.Bytes())
		if err != nil {
			switch err {
			case unix.EAGAIN, unix.EINTR:
				return
			default:
				c.handleClose(os.NewSyscallError("write", err))
			}
			return
		}
		c.touch()
		c.outboundBuffer.Discard(n)
	}
	if c.outboundBuffer.Len() == 0 {
		c.channel.DisableWriting()
	}
}

// handleError closes the connection when the socket carries a pending error.
func (c *Connection) handleError() {
	err := socket.SocketError(c.fd)
	if err == nil {
		return
	}
	c.loop.logger.Debugf("connection fd=%d peer=%v: %v", c.fd, c.remoteAddr, err)
	c.handleClose(err)
}

// handleClose runs the close sequence once: the channel leaves the
// multiplexer, the close callback fires while disconnecting, then the
// descriptor and buffers are released.
func (c *Connection) handleClose(err error) {
	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting)) &&
		!c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnecting)) {
		return
	}
	if err != nil && err != io.EOF {
		c.loop.logger.Debugf("closing connection fd=%d peer=%v: %v", c.fd, c.remoteAddr, err)
	}
	if c.channel != nil {
		c.channel.DisableAll()
		c.channel.Remove()
	}
	c.loop.delConn(c)
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
	c.release()
	c.state.Store(int32(StateDisconnected))
}

func (c *Connection) release() {
	if err := unix.Close(c.fd); err != nil {
		c.loop.logger.Warnf("failed to close fd=%d: %v", c.fd, os.NewSyscallError("close", err))
	}
	if c.channel != nil {
		c.channel.ClearCallbacks()
	}
	bytebuffer.Put(c.inboundBuffer)
	c.outboundBuffer.Release()
	c.inboundBuffer, c.outboundBuffer = nil, nil
	c.messageCallback = nil
}

// Close shuts the connection down on its owning loop. It is safe to call
// from any goroutine and more than once.
func (c *Connection) Close() error {
	if c.State() >= StateDisconnecting {
		return errorx.ErrConnectionClosed
	}
	c.loop.RunInLoop(func() {
		c.handleClose(nil)
	})
	return nil
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// IsTimeout reports whether the connection has been idle for longer than d.
// The engine never acts on it, idle eviction is left to the caller.
func (c *Connection) IsTimeout(d time.Duration) bool {
	return time.Since(c.LastActive()) > d
}

// LastActive returns the last time bytes were read from or written to the connection.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// State returns the current life-cycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// IsConnected reports whether the connection is in StateConnected.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// FD returns the descriptor of the connection.
func (c *Connection) FD() int { return c.fd }

// Loop returns the worker event-loop driving the connection.
func (c *Connection) Loop() *EventLoop { return c.loop }

// LocalAddr returns the local socket address.
func (c *Connection) LocalAddr() net.Addr { return c.localAddr }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.remoteAddr }

// Context returns the user-defined context.
func (c *Connection) Context() interface{} { return c.ctx }

// SetContext sets a user-defined context.
func (c *Connection) SetContext(ctx interface{}) { c.ctx = ctx }

func (c *Connection) String() string {
	return fmt.Sprintf("fd=%d peer=%v state=%s", c.fd, c.remoteAddr, c.State())
}
