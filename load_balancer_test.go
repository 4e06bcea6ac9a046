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
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestBalancer(lb LoadBalancing, n int) loadBalancer {
	b := newLoadBalancer(lb)
	for i := 0; i < n; i++ {
		b.register(&EventLoop{idx: -1})
	}
	return b
}

func TestRoundRobinLoadBalancer(t *testing.T) {
	b := newTestBalancer(RoundRobin, 3)
	assert.Equal(t, 3, b.len())
	b.iterate(func(i int, el *EventLoop) bool {
		assert.Equal(t, i, el.idx, "register assigns indices")
		return true
	})
	for i := 0; i < 10; i++ {
		assert.Equal(t, i%3, b.next(nil).idx)
	}
}

func TestLeastConnectionsLoadBalancer(t *testing.T) {
	b := newTestBalancer(LeastConnections, 3)
	loops := make([]*EventLoop, 0, 3)
	b.iterate(func(_ int, el *EventLoop) bool {
		loops = append(loops, el)
		return true
	})
	loops[0].connCount.Store(2)
	loops[1].connCount.Store(1)
	loops[2].connCount.Store(3)
	assert.Same(t, loops[1], b.next(nil))

	loops[1].connCount.Store(2)
	assert.Same(t, loops[0], b.next(nil), "ties go to the lowest index")
}

func TestSourceAddrHashLoadBalancer(t *testing.T) {
	b := newTestBalancer(SourceAddrHash, 4)
	a1 := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1000}
	a2 := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 2000}
	assert.Same(t, b.next(a1), b.next(a2), "the port does not matter")
	assert.NotNil(t, b.next(nil))
}

func TestIterateStops(t *testing.T) {
	b := newTestBalancer(RoundRobin, 4)
	visited := 0
	b.iterate(func(i int, _ *EventLoop) bool {
		visited++
		return i < 1
	})
	assert.Equal(t, 2, visited)
}

func TestLoadBalancingString(t *testing.T) {
	assert.Equal(t, "round-robin", RoundRobin.String())
	assert.Equal(t, "least-connections", LeastConnections.String())
	assert.Equal(t, "source-addr-hash", SourceAddrHash.String())
	assert.Equal(t, "unknown", LoadBalancing(42).String())
}

func TestOptions(t *testing.T) {
	opts := loadOptions()
	assert.Equal(t, RoundRobin, opts.LB)
	assert.Equal(t, DefaultPollTimeout, opts.PollTimeout)
	assert.Equal(t, DefaultReadBufferCap, opts.ReadBufferCap)
	assert.True(t, opts.TCPNoDelay)
	assert.True(t, opts.ReuseAddr)
	assert.False(t, opts.ReusePort)
	assert.False(t, opts.BroadcastDirect)
	assert.NotNil(t, opts.Logger)

	opts = loadOptions(WithLoadBalancing(SourceAddrHash), WithReadBufferCap(1024),
		WithMultiplexer(SelectMultiplexer), WithReusePort(true), WithBroadcastDirect(true))
	assert.Equal(t, SourceAddrHash, opts.LB)
	assert.Equal(t, 1024, opts.ReadBufferCap)
	assert.Equal(t, SelectMultiplexer, opts.Multiplexer)
	assert.True(t, opts.ReusePort)
	assert.True(t, opts.BroadcastDirect)

	kind, err := ParseMultiplexer("select")
	assert.NoError(t, err)
	assert.Equal(t, SelectMultiplexer, kind)
	_, err = ParseMultiplexer("iouring")
	assert.Error(t, err)
}
