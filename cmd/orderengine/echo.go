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

package main

import (
	"time"

	"go.uber.org/atomic"

	"github.com/orderengine/reactor"
	"github.com/orderengine/reactor/pkg/logging"
	"github.com/orderengine/reactor/pkg/pool/goroutine"
)

type echoServer struct {
	srv      *reactor.Server
	sink     *logging.Sink
	pool     *goroutine.Pool
	messages atomic.Int64
}

func (es *echoServer) onConnection(c *reactor.Connection) {
	if c.IsConnected() {
		es.sink.Business("connection_up", c.RemoteAddr().String())
		return
	}
	es.sink.Business("connection_down", c.RemoteAddr().String())
}

// onMessage replies from the worker pool, Send routes the reply back to the
// connection's loop.
func (es *echoServer) onMessage(c *reactor.Connection, data []byte) {
	es.messages.Inc()
	reply := append([]byte("Echo: "), data...)
	if err := es.pool.Submit(func() {
		_ = c.Send(reply)
	}); err != nil {
		es.sink.Warnf("worker pool rejected message from %v: %v", c.RemoteAddr(), err)
		_ = c.Send(reply)
	}
}

func (es *echoServer) reportStats() {
	es.sink.Infof("server stats: connections=%d messages=%d workers=%d pool_running=%d",
		es.srv.ConnectionCount(), es.messages.Load(), es.srv.NumEventLoops(), es.pool.Running())
}

// reapIdle closes every connection idle for longer than timeout and returns
// how many were closed.
func reapIdle(srv *reactor.Server, timeout time.Duration) (n int) {
	srv.Range(func(c *reactor.Connection) bool {
		if c.IsConnected() && c.IsTimeout(timeout) {
			if c.Close() == nil {
				n++
			}
		}
		return true
	})
	return
}
