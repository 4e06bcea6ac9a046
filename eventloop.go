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
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/orderengine/reactor/internal/netpoll"
	errorx "github.com/orderengine/reactor/pkg/errors"
	"github.com/orderengine/reactor/pkg/logging"
)

// EventLoop is a single-threaded run loop bound to one multiplexer. Run pins
// it to an OS thread, every channel of the loop is only touched from that
// thread; other goroutines hand work to it with RunInLoop or QueueInLoop.
type EventLoop struct {
	idx           int
	mux           netpoll.Multiplexer
	wakeup        *netpoll.Wakeup
	wakeupChannel *netpoll.Channel
	logger        logging.Logger
	pollTimeout   time.Duration

	running             atomic.Bool
	closed              atomic.Bool
	wakeMu              sync.RWMutex // guards the wakeup descriptor against Close
	quit                atomic.Bool
	owner               atomic.Int64 // thread of Run, 0 while not running
	callingPendingTasks atomic.Bool

	mu           sync.Mutex
	pendingTasks []func()
	spareTasks   []func()

	activeChannels []*netpoll.Channel
	timers         timerHeap
	timerIndex     map[TimerID]*timer
	nextTimerID    atomic.Uint64

	buffer      []byte                // read buffer shared by the connections of this loop
	connections map[int]*Connection   // loop thread only
	connCount   atomic.Int32
}

// NewEventLoop creates a standalone event-loop, it returns an error when the
// multiplexer or the wakeup descriptor cannot be created.
func NewEventLoop(opts ...Option) (*EventLoop, error) {
	return newEventLoop(-1, loadOptions(opts...))
}

func newEventLoop(idx int, opts *Options) (*EventLoop, error) {
	mux, err := netpoll.OpenMultiplexer(opts.Multiplexer)
	if err != nil {
		return nil, err
	}
	wakeup, err := netpoll.OpenWakeup()
	if err != nil {
		_ = mux.Close()
		return nil, err
	}
	el := &EventLoop{
		idx:         idx,
		mux:         mux,
		wakeup:      wakeup,
		logger:      opts.Logger,
		pollTimeout: opts.PollTimeout,
		timerIndex:  make(map[TimerID]*timer),
		buffer:      make([]byte, opts.ReadBufferCap),
		connections: make(map[int]*Connection),
	}
	el.wakeupChannel = netpoll.NewChannel(el, wakeup.FD())
	el.wakeupChannel.SetReadCallback(el.handleWakeup)
	el.wakeupChannel.EnableReading()
	if !el.wakeupChannel.Registered() {
		_ = wakeup.Close()
		_ = mux.Close()
		return nil, fmt.Errorf("event-loop(%d): wakeup descriptor %d not accepted by %s", idx, wakeup.FD(), mux.Name())
	}
	return el, nil
}

// Index returns the position of the loop in its server's worker pool, -1 for
// the acceptor and standalone loops.
func (el *EventLoop) Index() int {
	return el.idx
}

// Multiplexer returns the name of the readiness mechanism in use.
func (el *EventLoop) Multiplexer() string {
	return el.mux.Name()
}

// Run polls and dispatches until Stop is called. It must be called from the
// goroutine that is to own the loop and blocks until the loop exits.
func (el *EventLoop) Run() error {
	if el.closed.Load() {
		return errorx.ErrLoopClosed
	}
	if !el.running.CompareAndSwap(false, true) {
		return errorx.ErrLoopRunning
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	el.owner.Store(currentThreadID())
	defer func() {
		el.owner.Store(0)
		el.running.Store(false)
	}()

	el.logger.Debugf("event-loop(%d) is running on %s", el.idx, el.mux.Name())

	var err error
	for !el.quit.Load() {
		el.activeChannels, err = el.mux.Poll(el.pollWait(time.Now()), el.activeChannels[:0])
		if err != nil {
			el.logger.Errorf("event-loop(%d) is exiting due to error: %v", el.idx, err)
			break
		}
		for _, ch := range el.activeChannels {
			ch.HandleEvent()
		}
		el.runTimers(time.Now())
		el.doPendingTasks()
	}
	// Tasks queued before the stop request, such as teardown, still run.
	el.doPendingTasks()

	for i := range el.activeChannels {
		el.activeChannels[i] = nil
	}
	el.logger.Debugf("event-loop(%d) exits", el.idx)
	return err
}

// Stop asks the loop to exit after the current iteration. It may be called
// any number of times from any goroutine.
func (el *EventLoop) Stop() {
	el.quit.Store(true)
	if !el.InLoopThread() {
		el.wake()
	}
}

// Close releases the multiplexer and the wakeup descriptor. The loop must not
// be running; channels still registered by connections must have been removed.
func (el *EventLoop) Close() error {
	if el.running.Load() {
		return errorx.ErrLoopRunning
	}
	if !el.closed.CompareAndSwap(false, true) {
		return nil
	}
	el.wakeupChannel.DisableAll()
	el.wakeupChannel.Remove()
	if n := el.mux.Len(); n > 0 {
		el.logger.Warnf("event-loop(%d) closed with %d channel(s) still registered", el.idx, n)
	}
	el.wakeMu.Lock()
	werr := el.wakeup.Close()
	el.wakeMu.Unlock()
	return multierr.Combine(werr, el.mux.Close())
}

// InLoopThread reports whether the caller runs on the thread that owns the loop.
func (el *EventLoop) InLoopThread() bool {
	owner := el.owner.Load()
	return owner != 0 && owner == currentThreadID()
}

// RunInLoop runs task right away when called on the loop thread, otherwise
// it queues the task.
func (el *EventLoop) RunInLoop(task func()) {
	if el.InLoopThread() {
		el.execute(task)
		return
	}
	el.QueueInLoop(task)
}

// QueueInLoop appends task to the pending list, it runs after the current
// batch of ready channels. Tasks queued while the loop drains the list run in
// the next iteration.
func (el *EventLoop) QueueInLoop(task func()) {
	el.mu.Lock()
	el.pendingTasks = append(el.pendingTasks, task)
	el.mu.Unlock()

	if !el.InLoopThread() || el.callingPendingTasks.Load() {
		el.wake()
	}
}

func (el *EventLoop) doPendingTasks() {
	el.callingPendingTasks.Store(true)
	defer el.callingPendingTasks.Store(false)

	el.mu.Lock()
	tasks := el.pendingTasks
	el.pendingTasks = el.spareTasks[:0]
	el.mu.Unlock()

	for i, task := range tasks {
		el.execute(task)
		tasks[i] = nil
	}
	el.spareTasks = tasks[:0]
}

func (el *EventLoop) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			el.logger.Errorf("event-loop(%d) recovered from panic in task: %v\n%s", el.idx, r, debug.Stack())
		}
	}()
	task()
}

func (el *EventLoop) wake() {
	el.wakeMu.RLock()
	defer el.wakeMu.RUnlock()
	if el.closed.Load() {
		return
	}
	if err := el.wakeup.Notify(); err != nil {
		el.logger.Errorf("event-loop(%d) failed to wake up: %v", el.idx, err)
	}
}

func (el *EventLoop) handleWakeup() {
	if err := el.wakeup.Drain(); err != nil {
		el.logger.Errorf("event-loop(%d) failed to drain wakeup: %v", el.idx, err)
	}
}

// pollWait returns how long the next poll may block: the poll timeout or
// the time left until the earliest timer, whichever is shorter.
func (el *EventLoop) pollWait(now time.Time) time.Duration {
	timeout := el.pollTimeout
	if len(el.timers) > 0 {
		if d := el.timers[0].when.Sub(now); d < timeout {
			timeout = d
		}
	}
	if timeout < 0 {
		timeout = 0
	}
	return timeout
}

// UpdateChannel applies the interest set of ch to the multiplexer.
func (el *EventLoop) UpdateChannel(ch *netpoll.Channel) {
	el.assertInLoopThread()
	if err := el.mux.UpdateChannel(ch); err != nil {
		el.logger.Errorf("event-loop(%d) failed to update channel %s: %v", el.idx, ch, err)
	}
}

// RemoveChannel detaches ch from the multiplexer.
func (el *EventLoop) RemoveChannel(ch *netpoll.Channel) {
	el.assertInLoopThread()
	if err := el.mux.RemoveChannel(ch); err != nil {
		el.logger.Errorf("event-loop(%d) failed to remove channel %s: %v", el.idx, ch, err)
	}
}

// HasChannel reports whether ch is known to the loop's multiplexer.
func (el *EventLoop) HasChannel(ch *netpoll.Channel) bool {
	el.assertInLoopThread()
	return el.mux.HasChannel(ch)
}

func (el *EventLoop) assertInLoopThread() {
	if el.running.Load() && !el.InLoopThread() {
		panic(fmt.Sprintf("event-loop(%d) accessed from a foreign thread", el.idx))
	}
}

func (el *EventLoop) addConn(c *Connection) {
	el.connections[c.fd] = c
	el.connCount.Inc()
}

func (el *EventLoop) delConn(c *Connection) {
	if el.connections[c.fd] == c {
		delete(el.connections, c.fd)
		el.connCount.Dec()
	}
}

// countConn is safe to call from any goroutine.
func (el *EventLoop) countConn() int32 {
	return el.connCount.Load()
}

// closeConnections runs the close sequence of every connection of the loop.
func (el *EventLoop) closeConnections() {
	for _, c := range el.connections {
		c.handleClose(nil)
	}
}
