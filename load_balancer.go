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
	"hash/crc32"
	"net"
)

// LoadBalancing represents the type of load-balancing algorithm.
type LoadBalancing int

const (
	// RoundRobin assigns the i-th accepted connection to worker i mod W.
	RoundRobin LoadBalancing = iota

	// LeastConnections assigns the next accepted connection to the event-loop that is
	// serving the least number of active connections at the current time.
	LeastConnections

	// SourceAddrHash assigns the next accepted connection to the event-loop by hashing the remote address.
	SourceAddrHash
)

func (lb LoadBalancing) String() string {
	switch lb {
	case RoundRobin:
		return "round-robin"
	case LeastConnections:
		return "least-connections"
	case SourceAddrHash:
		return "source-addr-hash"
	}
	return "unknown"
}

// loadBalancer manipulates the set of worker event-loops. next is only ever
// called from the acceptor loop.
type loadBalancer interface {
	register(*EventLoop)
	next(net.Addr) *EventLoop
	iterate(func(int, *EventLoop) bool)
	len() int
}

func newLoadBalancer(lb LoadBalancing) loadBalancer {
	switch lb {
	case LeastConnections:
		return new(leastConnectionsLoadBalancer)
	case SourceAddrHash:
		return new(sourceAddrHashLoadBalancer)
	default:
		return new(roundRobinLoadBalancer)
	}
}

type baseLoadBalancer struct {
	eventLoops []*EventLoop
}

func (lb *baseLoadBalancer) register(el *EventLoop) {
	el.idx = len(lb.eventLoops)
	lb.eventLoops = append(lb.eventLoops, el)
}

func (lb *baseLoadBalancer) iterate(f func(int, *EventLoop) bool) {
	for i, el := range lb.eventLoops {
		if !f(i, el) {
			break
		}
	}
}

func (lb *baseLoadBalancer) len() int {
	return len(lb.eventLoops)
}

type roundRobinLoadBalancer struct {
	baseLoadBalancer
	accepted uint64
}

// next returns worker accepted mod W and advances the counter.
func (lb *roundRobinLoadBalancer) next(_ net.Addr) *EventLoop {
	el := lb.eventLoops[lb.accepted%uint64(len(lb.eventLoops))]
	lb.accepted++
	return el
}

type leastConnectionsLoadBalancer struct {
	baseLoadBalancer
}

func (lb *leastConnectionsLoadBalancer) next(_ net.Addr) (el *EventLoop) {
	el = lb.eventLoops[0]
	minN := el.countConn()
	for _, v := range lb.eventLoops[1:] {
		if n := v.countConn(); n < minN {
			minN = n
			el = v
		}
	}
	return
}

type sourceAddrHashLoadBalancer struct {
	baseLoadBalancer
}

// next hashes the remote IP so that all connections of one peer land on the same worker.
func (lb *sourceAddrHashLoadBalancer) next(netAddr net.Addr) *EventLoop {
	key := ""
	if tcpAddr, ok := netAddr.(*net.TCPAddr); ok {
		key = tcpAddr.IP.String()
	} else if netAddr != nil {
		key = netAddr.String()
	}
	return lb.eventLoops[crc32.ChecksumIEEE([]byte(key))%uint32(len(lb.eventLoops))]
}
