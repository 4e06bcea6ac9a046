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

// Package reactor implements a multi-reactor, non-blocking TCP server: one
// acceptor event-loop accepts connections and hands them to a fixed pool of
// worker event-loops, each pinned to its own OS thread.
package reactor

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/orderengine/reactor/internal/netpoll"
	"github.com/orderengine/reactor/internal/socket"
)

// Server accepts TCP connections on one address and serves them on a pool
// of worker event-loops.
type Server struct {
	ip         string
	port       int
	numWorkers int
	opts       *Options

	mu      sync.Mutex // serializes Start and Stop
	running atomic.Bool

	lnFD          int
	lnAddr        net.Addr
	acceptor      *EventLoop
	acceptChannel *netpoll.Channel
	workers       loadBalancer
	acceptorGroup *errgroup.Group
	workerGroup   *errgroup.Group

	connMu             sync.Mutex
	connections        map[int]*Connection
	messageCallback    MessageCallback
	connectionCallback ConnectionCallback
}

// NewServer creates a server for ip:port with numWorkers worker event-loops,
// zero or less means one per CPU. Nothing is bound until Start.
func NewServer(ip string, port, numWorkers int, opts ...Option) *Server {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	return &Server{
		ip:          ip,
		port:        port,
		numWorkers:  numWorkers,
		opts:        loadOptions(opts...),
		lnFD:        -1,
		connections: make(map[int]*Connection),
	}
}

// SetMessageCallback sets the callback for connections accepted from now on.
func (s *Server) SetMessageCallback(cb MessageCallback) {
	s.connMu.Lock()
	s.messageCallback = cb
	s.connMu.Unlock()
}

// SetConnectionCallback sets the callback fired when a connection comes up and goes down.
func (s *Server) SetConnectionCallback(cb ConnectionCallback) {
	s.connMu.Lock()
	s.connectionCallback = cb
	s.connMu.Unlock()
}

// Start binds, listens and starts the event-loops. It returns nil right away
// when the server is already running. When binding or listening fails the
// error is returned and no event-loop is left behind.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := s.opts.Logger
	if s.running.Load() {
		logger.Warnf("server is already running on %v", s.lnAddr)
		return nil
	}

	var sockOpts []socket.Option
	if s.opts.ReuseAddr {
		sockOpts = append(sockOpts, socket.Option{SetSockopt: socket.SetReuseAddr, Opt: 1})
	}
	if s.opts.ReusePort {
		sockOpts = append(sockOpts, socket.Option{SetSockopt: socket.SetReuseport, Opt: 1})
	}
	addr := net.JoinHostPort(s.ip, strconv.Itoa(s.port))
	fd, lnAddr, err := socket.TCPListener("tcp", addr, sockOpts...)
	if err != nil {
		logger.Errorf("failed to listen on %s: %v", addr, err)
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	acceptor, err := newEventLoop(-1, s.opts)
	if err != nil {
		_ = unix.Close(fd)
		logger.Fatalf("failed to create the acceptor event-loop: %v", err)
		return err
	}
	workers := newLoadBalancer(s.opts.LB)
	for i := 0; i < s.numWorkers; i++ {
		el, err := newEventLoop(i, s.opts)
		if err != nil {
			_ = unix.Close(fd)
			_ = acceptor.Close()
			workers.iterate(func(_ int, el *EventLoop) bool {
				_ = el.Close()
				return true
			})
			logger.Fatalf("failed to create worker event-loop %d: %v", i, err)
			return err
		}
		workers.register(el)
	}

	s.lnFD, s.lnAddr = fd, lnAddr
	s.acceptor, s.workers = acceptor, workers

	s.workerGroup = new(errgroup.Group)
	workers.iterate(func(_ int, el *EventLoop) bool {
		s.workerGroup.Go(el.Run)
		return true
	})

	acceptor.RunInLoop(func() {
		ch := netpoll.NewChannel(acceptor, fd)
		ch.SetReadCallback(s.accept)
		ch.EnableReading()
		s.acceptChannel = ch
	})
	s.acceptorGroup = new(errgroup.Group)
	s.acceptorGroup.Go(acceptor.Run)

	s.running.Store(true)
	logger.Infof("server is listening on %v with %d worker event-loop(s), multiplexer: %s, load-balancing: %s",
		lnAddr, s.numWorkers, acceptor.Multiplexer(), s.opts.LB)
	return nil
}

// accept drains the accept queue, so one readiness event takes a whole burst
// of connects. It runs on the acceptor loop.
func (s *Server) accept() {
	for {
		nfd, sa, err := socket.Accept(s.lnFD)
		if err != nil {
			switch err {
			case unix.EAGAIN:
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				s.opts.Logger.Errorf("accept() failed: %v", os.NewSyscallError("accept", err))
			}
			return
		}
		s.handleNewConnection(nfd, sa)
	}
}

func (s *Server) handleNewConnection(nfd int, sa unix.Sockaddr) {
	remoteAddr := socket.SockaddrToTCPOrUnixAddr(sa)
	el := s.workers.next(remoteAddr)
	c := newConnection(nfd, el, s.lnAddr, remoteAddr, s.opts)
	c.closeCallback = s.removeConnection

	s.connMu.Lock()
	c.messageCallback = s.messageCallback
	s.connections[nfd] = c
	s.connMu.Unlock()

	el.RunInLoop(func() {
		if err := c.establish(); err != nil {
			s.opts.Logger.Errorf("failed to establish connection %v: %v", remoteAddr, err)
			return
		}
		s.connMu.Lock()
		cb := s.connectionCallback
		s.connMu.Unlock()
		if cb != nil {
			cb(c)
		}
	})
	s.opts.Logger.Debugf("accepted connection from %v, fd=%d, event-loop(%d)", remoteAddr, nfd, el.idx)
}

// removeConnection is the close callback of every connection, it runs on the
// connection's worker loop while the connection is disconnecting.
func (s *Server) removeConnection(c *Connection) {
	s.connMu.Lock()
	if s.connections[c.fd] == c {
		delete(s.connections, c.fd)
	}
	cb := s.connectionCallback
	s.connMu.Unlock()
	if cb != nil {
		cb(c)
	}
}

// Send writes data to c, see Connection.Send.
func (s *Server) Send(c *Connection, data []byte) error {
	return c.Send(data)
}

// Broadcast sends data to every connected connection. By default each send is
// routed through the connection's own event-loop; with WithBroadcastDirect
// the bytes are written from the caller's goroutine.
func (s *Server) Broadcast(data []byte) {
	for _, c := range s.snapshot() {
		if !c.IsConnected() {
			continue
		}
		if s.opts.BroadcastDirect {
			c.sendDirect(data)
		} else {
			_ = c.Send(data)
		}
	}
}

// Range calls f for every registered connection until f returns false. The
// registry is copied first, f may close connections.
func (s *Server) Range(f func(c *Connection) bool) {
	for _, c := range s.snapshot() {
		if !f(c) {
			return
		}
	}
}

func (s *Server) snapshot() []*Connection {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	return conns
}

// ConnectionCount returns the number of registered connections, including
// accepted ones that their worker has not registered yet.
func (s *Server) ConnectionCount() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.connections)
}

// Addr returns the bound address, nil before the first Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lnAddr
}

// IsRunning reports whether the server has been started and not stopped.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// NumEventLoops returns the number of worker event-loops.
func (s *Server) NumEventLoops() int {
	return s.numWorkers
}

// Stop shuts the server down: the listener goes first so nothing new is
// accepted, then the acceptor loop, then every worker after closing its
// connections, and finally whatever is left in the registry. Calling Stop on
// a stopped server does nothing.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return
	}
	logger := s.opts.Logger
	start := time.Now()

	s.acceptor.RunInLoop(s.closeListener)
	s.acceptor.Stop()
	err := s.acceptorGroup.Wait()
	// The acceptor may have exited on an error before running the task.
	s.closeListener()

	s.workers.iterate(func(_ int, el *EventLoop) bool {
		el.QueueInLoop(el.closeConnections)
		el.Stop()
		return true
	})
	err = multierr.Append(err, s.workerGroup.Wait())

	s.connMu.Lock()
	leftovers := s.connections
	s.connections = make(map[int]*Connection)
	s.connMu.Unlock()
	for _, c := range leftovers {
		c.handleClose(nil)
	}

	err = multierr.Append(err, s.acceptor.Close())
	s.workers.iterate(func(_ int, el *EventLoop) bool {
		err = multierr.Append(err, el.Close())
		return true
	})

	s.running.Store(false)
	if err != nil {
		logger.Errorf("server on %v stopped with error(s): %v", s.lnAddr, err)
	}
	logger.Infof("server on %v stopped in %v, %d leftover connection(s) force-closed",
		s.lnAddr, time.Since(start), len(leftovers))
}

// closeListener removes the acceptor channel and closes the listening
// descriptor, only the first call has an effect.
func (s *Server) closeListener() {
	if s.lnFD < 0 {
		return
	}
	if ch := s.acceptChannel; ch != nil {
		ch.DisableAll()
		ch.Remove()
		s.acceptChannel = nil
	}
	if err := unix.Close(s.lnFD); err != nil {
		s.opts.Logger.Warnf("failed to close listener %v: %v", s.lnAddr, os.NewSyscallError("close", err))
	}
	s.lnFD = -1
}
