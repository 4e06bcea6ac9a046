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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/orderengine/reactor/internal/netpoll"
	errorx "github.com/orderengine/reactor/pkg/errors"
)

// startLoop runs a fresh event-loop on its own goroutine and returns once the
// loop thread has executed its first task.
func startLoop(t *testing.T, opts ...Option) *EventLoop {
	el, err := NewEventLoop(opts...)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- el.Run() }()

	ready := make(chan struct{})
	el.QueueInLoop(func() { close(ready) })
	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("event-loop did not start")
	}

	t.Cleanup(func() {
		el.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("event-loop did not stop")
		}
		assert.NoError(t, el.Close())
	})
	return el
}

// inLoop runs f on the loop thread and waits for it.
func inLoop(t *testing.T, el *EventLoop, f func()) {
	done := make(chan struct{})
	el.RunInLoop(func() {
		defer close(done)
		f()
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run on the event-loop")
	}
}

func testEachMultiplexer(t *testing.T, f func(t *testing.T, kind MultiplexerKind)) {
	for _, kind := range []MultiplexerKind{DefaultMultiplexer, SelectMultiplexer} {
		kind := kind
		t.Run(kind.String(), func(t *testing.T) { f(t, kind) })
	}
}

func TestEventLoopThreadAffinity(t *testing.T) {
	el := startLoop(t)
	assert.False(t, el.InLoopThread())
	assert.Equal(t, -1, el.Index())

	inLoop(t, el, func() {
		assert.True(t, el.InLoopThread())

		ran := false
		el.RunInLoop(func() { ran = true })
		assert.True(t, ran, "RunInLoop on the loop thread executes inline")
	})
}

func TestEventLoopCrossThreadWakeup(t *testing.T) {
	testEachMultiplexer(t, func(t *testing.T, kind MultiplexerKind) {
		el := startLoop(t, WithPollTimeout(10*time.Second), WithMultiplexer(kind))

		for i := 0; i < 5; i++ {
			done := make(chan time.Time, 1)
			start := time.Now()
			el.QueueInLoop(func() { done <- time.Now() })
			select {
			case at := <-done:
				assert.Less(t, at.Sub(start), 50*time.Millisecond)
			case <-time.After(time.Second):
				t.Fatal("blocked poll was not woken up")
			}
		}
	})
}

func TestEventLoopTasksQueuedDuringDrainAreDeferred(t *testing.T) {
	el := startLoop(t, WithPollTimeout(10*time.Second))

	var (
		mu    sync.Mutex
		trace []string
	)
	record := func(s string) {
		mu.Lock()
		trace = append(trace, s)
		mu.Unlock()
	}

	done := make(chan struct{})
	el.QueueInLoop(func() {
		record("outer-begin")
		el.QueueInLoop(func() {
			record("inner")
			close(done)
		})
		record("outer-end")
	})

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("task queued while draining was not picked up promptly")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"outer-begin", "outer-end", "inner"}, trace)
}

func TestEventLoopTasksRunInOrder(t *testing.T) {
	el := startLoop(t)
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		el.QueueInLoop(func() { got = append(got, i) })
	}
	inLoop(t, el, func() {})
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestEventLoopRecoversFromTaskPanic(t *testing.T) {
	el := startLoop(t)
	el.QueueInLoop(func() { panic("boom") })
	ran := false
	inLoop(t, el, func() { ran = true })
	assert.True(t, ran)
}

func TestEventLoopRunAfter(t *testing.T) {
	el := startLoop(t, WithPollTimeout(10*time.Second))

	const delay = 30 * time.Millisecond
	fired := make(chan time.Time, 1)
	start := time.Now()
	el.RunAfter(delay, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), delay)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestEventLoopTimersFireInDeadlineOrder(t *testing.T) {
	el := startLoop(t)

	var (
		mu    sync.Mutex
		order []int
	)
	done := make(chan struct{})
	for _, d := range []int{40, 10, 30, 20} {
		d := d
		el.RunAfter(time.Duration(d)*time.Millisecond, func() {
			mu.Lock()
			order = append(order, d)
			n := len(order)
			mu.Unlock()
			if n == 4 {
				close(done)
			}
		})
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timers did not fire")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{10, 20, 30, 40}, order)
}

func TestEventLoopRunEveryAndCancel(t *testing.T) {
	el := startLoop(t)

	var ticks atomic.Int32
	id := el.RunEvery(5*time.Millisecond, func() { ticks.Inc() })
	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)

	el.Cancel(id)
	var frozen int32
	inLoop(t, el, func() { frozen = ticks.Load() })
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, frozen, ticks.Load())

	// Cancelling twice or cancelling an unknown id is harmless.
	el.Cancel(id)
	el.Cancel(TimerID(1 << 40))
	inLoop(t, el, func() { assert.Empty(t, el.timers) })
}

func TestEventLoopTimerCancelsItself(t *testing.T) {
	el := startLoop(t)

	var (
		ticks atomic.Int32
		id    TimerID
	)
	idSet := make(chan struct{})
	id = el.RunEvery(time.Millisecond, func() {
		<-idSet
		if ticks.Inc() == 2 {
			el.Cancel(id)
		}
	})
	close(idSet)

	assert.Eventually(t, func() bool { return ticks.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, ticks.Load())
}

func TestEventLoopPollWait(t *testing.T) {
	el, err := NewEventLoop(WithPollTimeout(time.Second))
	require.NoError(t, err)
	defer el.Close()

	now := time.Now()
	assert.Equal(t, time.Second, el.pollWait(now))

	el.RunAfter(50*time.Millisecond, func() {})
	el.doPendingTasks()
	wait := el.pollWait(now)
	assert.LessOrEqual(t, wait, 50*time.Millisecond+time.Millisecond)
	assert.Greater(t, wait, time.Duration(0))

	assert.Equal(t, time.Duration(0), el.pollWait(now.Add(time.Hour)), "overdue timers do not block")
}

func TestEventLoopStopDrainsQueuedTasks(t *testing.T) {
	el, err := NewEventLoop()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- el.Run() }()

	var teardown atomic.Bool
	started := make(chan struct{})
	el.QueueInLoop(func() {
		close(started)
		el.QueueInLoop(func() { teardown.Store(true) })
		el.Stop()
	})
	<-started

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("event-loop did not stop")
	}
	assert.True(t, teardown.Load())
	require.NoError(t, el.Close())
}

func TestEventLoopLifecycle(t *testing.T) {
	el, err := NewEventLoop()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- el.Run() }()
	inLoop(t, el, func() {})

	assert.ErrorIs(t, el.Run(), errorx.ErrLoopRunning)
	assert.ErrorIs(t, el.Close(), errorx.ErrLoopRunning)

	el.Stop()
	el.Stop()
	require.NoError(t, <-done)

	require.NoError(t, el.Close())
	require.NoError(t, el.Close())
	assert.ErrorIs(t, el.Run(), errorx.ErrLoopClosed)

	// Posting to a closed loop neither panics nor blocks.
	assert.NotPanics(t, func() { el.QueueInLoop(func() {}) })
}

func TestEventLoopForeignThreadAccessPanics(t *testing.T) {
	el := startLoop(t)
	ch := netpoll.NewChannel(el, 0)
	assert.Panics(t, func() { el.UpdateChannel(ch) })
	assert.Panics(t, func() { el.HasChannel(ch) })
}

func TestEventLoopWakeRacingClose(t *testing.T) {
	for i := 0; i < 20; i++ {
		el, err := NewEventLoop()
		require.NoError(t, err)
		done := make(chan error, 1)
		go func() { done <- el.Run() }()
		inLoop(t, el, func() {})

		var (
			wg   sync.WaitGroup
			stop atomic.Bool
		)
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for !stop.Load() {
					el.QueueInLoop(func() {})
				}
			}()
		}

		el.Stop()
		require.NoError(t, <-done)
		require.NoError(t, el.Close())

		// The freed descriptor numbers are handed out again right away, posters
		// still running must not write into them.
		var p [2]int
		require.NoError(t, unix.Pipe(p[:]))
		require.NoError(t, unix.SetNonblock(p[0], true))
		time.Sleep(5 * time.Millisecond)
		stop.Store(true)
		wg.Wait()

		buf := make([]byte, 16)
		n, err := unix.Read(p[0], buf)
		assert.ErrorIs(t, err, unix.EAGAIN)
		assert.LessOrEqual(t, n, 0)
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
	}
}
