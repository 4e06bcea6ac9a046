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
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type connEvents struct {
	up, down atomic.Int32
}

func (ev *connEvents) callback(c *Connection) {
	if c.IsConnected() {
		ev.up.Inc()
	} else {
		ev.down.Inc()
	}
}

func startServer(t *testing.T, workers int, onMessage MessageCallback, ev *connEvents, opts ...Option) *Server {
	srv := NewServer("127.0.0.1", 0, workers, opts...)
	if onMessage != nil {
		srv.SetMessageCallback(onMessage)
	}
	if ev != nil {
		srv.SetConnectionCallback(ev.callback)
	}
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func dial(t *testing.T, srv *Server) net.Conn {
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func echo(c *Connection, data []byte) {
	_ = c.Send(data)
}

func TestServerStartStop(t *testing.T) {
	srv := NewServer("127.0.0.1", 0, 2)
	assert.False(t, srv.IsRunning())
	assert.Nil(t, srv.Addr())
	assert.Equal(t, 2, srv.NumEventLoops())

	require.NoError(t, srv.Start())
	assert.True(t, srv.IsRunning())
	require.NoError(t, srv.Start(), "starting a running server is a no-op")
	addr := srv.Addr()
	require.NotNil(t, addr)
	assert.NotZero(t, addr.(*net.TCPAddr).Port)

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return srv.ConnectionCount() == 1 }, time.Second, time.Millisecond)

	srv.Stop()
	assert.False(t, srv.IsRunning())
	assert.Equal(t, 0, srv.ConnectionCount())

	// The server side went away with Stop.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
	_ = conn.Close()

	assert.NotPanics(t, srv.Stop)
	_, err = net.DialTimeout("tcp", addr.String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestServerStartOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv := NewServer("127.0.0.1", ln.Addr().(*net.TCPAddr).Port, 2)
	assert.Error(t, srv.Start())
	assert.False(t, srv.IsRunning())
	assert.Equal(t, 0, srv.ConnectionCount())
	assert.Nil(t, srv.acceptor)
	assert.Nil(t, srv.workers)
	assert.NotPanics(t, srv.Stop)
}

func TestServerStartOnPortHeldByServer(t *testing.T) {
	first := startServer(t, 1, echo, nil)
	port := first.Addr().(*net.TCPAddr).Port

	second := NewServer("127.0.0.1", port, 2)
	assert.Error(t, second.Start())
	assert.False(t, second.IsRunning())
	assert.Equal(t, 0, second.ConnectionCount())
	assert.Nil(t, second.acceptor)
	assert.Nil(t, second.workers)
	assert.NotPanics(t, second.Stop)

	// The first server keeps serving.
	conn := dial(t, first)
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", string(readN(t, conn, 4)))
}

func TestServerReusePortOptIn(t *testing.T) {
	first := startServer(t, 1, echo, nil, WithReusePort(true))
	port := first.Addr().(*net.TCPAddr).Port

	second := NewServer("127.0.0.1", port, 1, WithReusePort(true))
	require.NoError(t, second.Start())
	t.Cleanup(second.Stop)
	assert.Equal(t, port, second.Addr().(*net.TCPAddr).Port)
}

func TestServerRoundRobin(t *testing.T) {
	const workers = 3
	srv := startServer(t, workers, func(c *Connection, data []byte) {
		reply := append([]byte{byte('0' + c.Loop().Index())}, data...)
		_ = c.Send(reply)
	}, nil)

	for i := 0; i < 2*workers+1; i++ {
		conn := dial(t, srv)
		_, err := conn.Write([]byte("tag"))
		require.NoError(t, err)
		reply := readN(t, conn, 4)
		assert.Equal(t, byte('0'+i%workers), reply[0], "connection %d", i)
		assert.Equal(t, "tag", string(reply[1:]))
	}
	assert.Equal(t, 2*workers+1, srv.ConnectionCount())
}

func TestServerLeastConnections(t *testing.T) {
	ev := new(connEvents)
	srv := startServer(t, 2, nil, ev, WithLoadBalancing(LeastConnections))

	perLoop := make(map[int]int)
	var mu sync.Mutex
	srv.SetConnectionCallback(func(c *Connection) {
		if c.IsConnected() {
			mu.Lock()
			perLoop[c.Loop().Index()]++
			mu.Unlock()
		}
		ev.callback(c)
	})
	for i := 0; i < 4; i++ {
		dial(t, srv)
		n := int32(i + 1)
		require.Eventually(t, func() bool { return ev.up.Load() == n }, time.Second, time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[int]int{0: 2, 1: 2}, perLoop)
}

func TestServerSourceAddrHash(t *testing.T) {
	var (
		mu    sync.Mutex
		loops = make(map[int]bool)
	)
	ev := new(connEvents)
	srv := startServer(t, 4, nil, nil, WithLoadBalancing(SourceAddrHash))
	srv.SetConnectionCallback(func(c *Connection) {
		mu.Lock()
		loops[c.Loop().Index()] = true
		mu.Unlock()
		ev.callback(c)
	})
	for i := 0; i < 5; i++ {
		dial(t, srv)
	}
	require.Eventually(t, func() bool { return ev.up.Load() == 5 }, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, loops, 1, "one peer address maps to one event-loop")
}

func TestServerPeerClose(t *testing.T) {
	testEachMultiplexer(t, func(t *testing.T, kind MultiplexerKind) {
		ev := new(connEvents)
		srv := startServer(t, 2, echo, ev, WithMultiplexer(kind))

		conn := dial(t, srv)
		require.Eventually(t, func() bool { return ev.up.Load() == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, 1, srv.ConnectionCount())

		require.NoError(t, conn.Close())
		require.Eventually(t, func() bool { return ev.down.Load() == 1 }, time.Second, time.Millisecond)
		assert.Eventually(t, func() bool { return srv.ConnectionCount() == 0 }, time.Second, time.Millisecond)

		time.Sleep(20 * time.Millisecond)
		assert.EqualValues(t, 1, ev.down.Load(), "close callback fires once")
	})
}

func TestServerCloseFromMessageCallback(t *testing.T) {
	ev := new(connEvents)
	srv := startServer(t, 1, func(c *Connection, data []byte) {
		if string(data) == "quit" {
			_ = c.Send([]byte("bye"))
			assert.NoError(t, c.Close())
			assert.Error(t, c.Close())
			assert.Error(t, c.Send([]byte("late")))
		}
	}, ev)

	conn := dial(t, srv)
	_, err := conn.Write([]byte("quit"))
	require.NoError(t, err)
	assert.Equal(t, "bye", string(readN(t, conn, 3)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Eventually(t, func() bool { return ev.down.Load() == 1 && srv.ConnectionCount() == 0 },
		time.Second, time.Millisecond)
}

func TestServerBroadcast(t *testing.T) {
	cases := []struct {
		name string
		opts []Option
	}{
		{"default", nil},
		{"select", []Option{WithMultiplexer(SelectMultiplexer)}},
		{"direct", []Option{WithBroadcastDirect(true)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := new(connEvents)
			srv := startServer(t, 2, nil, ev, tc.opts...)

			conns := make([]net.Conn, 5)
			for i := range conns {
				conns[i] = dial(t, srv)
			}
			require.Eventually(t, func() bool { return ev.up.Load() == 5 }, time.Second, time.Millisecond)

			srv.Broadcast([]byte("PING"))
			for i, conn := range conns {
				assert.Equal(t, "PING", string(readN(t, conn, 4)), "client %d", i)
			}
		})
	}
}

func TestServerSendFromForeignGoroutine(t *testing.T) {
	up := make(chan *Connection, 1)
	srv := startServer(t, 2, nil, nil)
	srv.SetConnectionCallback(func(c *Connection) {
		if c.IsConnected() {
			up <- c
		}
	})

	conn := dial(t, srv)
	var c *Connection
	select {
	case c = <-up:
	case <-time.After(time.Second):
		t.Fatal("connection callback did not fire")
	}

	payload := []byte("hello")
	require.NoError(t, srv.Send(c, payload))
	payload[0] = 'j' // Send copies off-loop
	assert.Equal(t, "hello", string(readN(t, conn, 5)))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, conn.LocalAddr().String(), c.RemoteAddr().String())
	assert.Equal(t, srv.Addr().String(), c.LocalAddr().String())
}

func TestServerLargePayload(t *testing.T) {
	testEachMultiplexer(t, func(t *testing.T, kind MultiplexerKind) {
		srv := startServer(t, 2, echo, nil, WithMultiplexer(kind))

		payload := make([]byte, 8<<20)
		_, err := rand.Read(payload)
		require.NoError(t, err)

		conn := dial(t, srv)
		require.NoError(t, conn.SetDeadline(time.Now().Add(20*time.Second)))
		writeErr := make(chan error, 1)
		go func() {
			_, err := conn.Write(payload)
			writeErr <- err
		}()

		got := readN(t, conn, len(payload))
		require.NoError(t, <-writeErr)
		assert.True(t, bytes.Equal(payload, got), "echoed payload differs")
	})
}

func TestServerRangeAndIdle(t *testing.T) {
	ev := new(connEvents)
	srv := startServer(t, 2, nil, ev)
	for i := 0; i < 3; i++ {
		dial(t, srv)
	}
	require.Eventually(t, func() bool { return ev.up.Load() == 3 }, time.Second, time.Millisecond)

	visited := 0
	srv.Range(func(c *Connection) bool {
		visited++
		assert.False(t, c.IsTimeout(time.Hour))
		return true
	})
	assert.Equal(t, 3, visited)

	visited = 0
	srv.Range(func(c *Connection) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited)

	time.Sleep(30 * time.Millisecond)
	closed := 0
	srv.Range(func(c *Connection) bool {
		if c.IsTimeout(10 * time.Millisecond) {
			_ = c.Close()
			closed++
		}
		return true
	})
	assert.Equal(t, 3, closed)
	assert.Eventually(t, func() bool { return srv.ConnectionCount() == 0 }, time.Second, time.Millisecond)
}

func TestServerStopClosesConnections(t *testing.T) {
	ev := new(connEvents)
	srv := NewServer("127.0.0.1", 0, 2)
	srv.SetConnectionCallback(ev.callback)
	require.NoError(t, srv.Start())

	conns := make([]net.Conn, 4)
	for i := range conns {
		conns[i] = dial(t, srv)
	}
	require.Eventually(t, func() bool { return ev.up.Load() == 4 }, time.Second, time.Millisecond)

	srv.Stop()
	assert.EqualValues(t, 4, ev.down.Load())
	assert.Equal(t, 0, srv.ConnectionCount())
	for _, conn := range conns {
		_, err := conn.Read(make([]byte, 1))
		assert.Error(t, err)
	}

	// A stopped server can be started again.
	require.NoError(t, srv.Start())
	defer srv.Stop()
	dial(t, srv)
	assert.Eventually(t, func() bool { return ev.up.Load() == 5 }, time.Second, time.Millisecond)
}
