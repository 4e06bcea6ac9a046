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
	"time"

	"github.com/orderengine/reactor/internal/netpoll"
	"github.com/orderengine/reactor/pkg/logging"
)

// Option is a function that will set up option.
type Option func(opts *Options)

// MultiplexerKind selects the readiness mechanism of every event-loop.
type MultiplexerKind = netpoll.Kind

const (
	// DefaultMultiplexer is epoll on Linux and kqueue on BSD and macOS.
	DefaultMultiplexer = netpoll.KindDefault
	// SelectMultiplexer is the portable select(2) fallback, limited to descriptors below 1024.
	SelectMultiplexer = netpoll.KindSelect
)

const (
	// DefaultPollTimeout bounds every poll so that stop requests and queued tasks
	// are observed even when no I/O happens.
	DefaultPollTimeout = time.Second
	// DefaultReadBufferCap is the size of the buffer each event-loop reads into.
	DefaultReadBufferCap = 64 * 1024
	// DefaultTCPKeepAlive is the keep-alive period set on accepted connections.
	DefaultTCPKeepAlive = 15 * time.Second
)

func loadOptions(options ...Option) *Options {
	opts := &Options{
		LB:            RoundRobin,
		PollTimeout:   DefaultPollTimeout,
		ReadBufferCap: DefaultReadBufferCap,
		TCPKeepAlive:  DefaultTCPKeepAlive,
		TCPNoDelay:    true,
		ReuseAddr:     true,
	}
	for _, option := range options {
		option(opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.ReadBufferCap <= 0 {
		opts.ReadBufferCap = DefaultReadBufferCap
	}
	return opts
}

// Options are configurations for servers and standalone event-loops.
type Options struct {
	// LB represents the load-balancing algorithm used when assigning new connections to worker event-loops.
	LB LoadBalancing

	// Logger is the customized logger for logging info, if it is not set,
	// then the default logger of package logging is used.
	Logger logging.Logger

	// PollTimeout is the upper bound of a single poll.
	PollTimeout time.Duration

	// Multiplexer selects epoll/kqueue or select.
	Multiplexer MultiplexerKind

	// ReadBufferCap is the maximum number of bytes read from a connection in one go.
	ReadBufferCap int

	// TCPKeepAlive sets up a duration for (SO_KEEPALIVE) socket option, zero disables it.
	TCPKeepAlive time.Duration

	// TCPNoDelay controls whether the operating system should delay
	// packet transmission in hopes of sending fewer packets (Nagle's algorithm).
	TCPNoDelay bool

	// ReuseAddr indicates whether to set up the SO_REUSEADDR socket option.
	ReuseAddr bool

	// ReusePort indicates whether to set up the SO_REUSEPORT socket option.
	// It is off by default so that a port held by another listener fails Start.
	ReusePort bool

	// BroadcastDirect makes Broadcast write from the caller's goroutine instead of
	// routing every send through the connection's own event-loop. The direct write
	// races with the loop flushing the same connection, so bytes of a broadcast may
	// interleave with a pending partial write. Use it only when latency matters more.
	BroadcastDirect bool
}

// WithOptions sets up all options.
func WithOptions(options Options) Option {
	return func(opts *Options) {
		*opts = options
	}
}

// WithLoadBalancing sets up the load-balancing algorithm.
func WithLoadBalancing(lb LoadBalancing) Option {
	return func(opts *Options) {
		opts.LB = lb
	}
}

// WithLogger sets up a customized logger.
func WithLogger(logger logging.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithPollTimeout sets up the upper bound of a single poll.
func WithPollTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.PollTimeout = d
	}
}

// WithMultiplexer sets up the readiness mechanism.
func WithMultiplexer(kind MultiplexerKind) Option {
	return func(opts *Options) {
		opts.Multiplexer = kind
	}
}

// WithReadBufferCap sets up ReadBufferCap for reading bytes.
func WithReadBufferCap(readBufferCap int) Option {
	return func(opts *Options) {
		opts.ReadBufferCap = readBufferCap
	}
}

// WithTCPKeepAlive sets up the SO_KEEPALIVE socket option with duration.
func WithTCPKeepAlive(tcpKeepAlive time.Duration) Option {
	return func(opts *Options) {
		opts.TCPKeepAlive = tcpKeepAlive
	}
}

// WithTCPNoDelay enable/disable the TCP_NODELAY socket option.
func WithTCPNoDelay(noDelay bool) Option {
	return func(opts *Options) {
		opts.TCPNoDelay = noDelay
	}
}

// WithReuseAddr sets up SO_REUSEADDR socket option.
func WithReuseAddr(reuseAddr bool) Option {
	return func(opts *Options) {
		opts.ReuseAddr = reuseAddr
	}
}

// WithReusePort sets up SO_REUSEPORT socket option.
func WithReusePort(reusePort bool) Option {
	return func(opts *Options) {
		opts.ReusePort = reusePort
	}
}

// WithBroadcastDirect makes Broadcast write from the caller's goroutine.
func WithBroadcastDirect(direct bool) Option {
	return func(opts *Options) {
		opts.BroadcastDirect = direct
	}
}

// ParseMultiplexer maps a configuration value (default, epoll, kqueue or
// select) onto a MultiplexerKind.
func ParseMultiplexer(s string) (MultiplexerKind, error) {
	return netpoll.ParseKind(s)
}
