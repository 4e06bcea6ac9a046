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
	"container/heap"
	"time"
)

// TimerID identifies a scheduled task, it is used to cancel it.
type TimerID uint64

type timer struct {
	id        TimerID
	when      time.Time
	interval  time.Duration
	task      func()
	index     int
	cancelled bool
}

// timerHeap is a min-heap of timers ordered by deadline.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].id < h[j].id
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// RunAfter runs task on the loop once delay has elapsed. The deadline is
// taken when RunAfter is called, the task never runs earlier than that.
func (el *EventLoop) RunAfter(delay time.Duration, task func()) TimerID {
	return el.addTimer(time.Now().Add(delay), 0, task)
}

// RunEvery runs task on the loop every interval. Each interval is measured
// from the end of the previous run, so drift accumulates and is never
// corrected.
func (el *EventLoop) RunEvery(interval time.Duration, task func()) TimerID {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return el.addTimer(time.Now().Add(interval), interval, task)
}

// Cancel removes a scheduled task. Cancelling a fired one-shot timer or an
// unknown id does nothing. A periodic task may cancel itself.
func (el *EventLoop) Cancel(id TimerID) {
	el.RunInLoop(func() {
		t, ok := el.timerIndex[id]
		if !ok {
			return
		}
		t.cancelled = true
		delete(el.timerIndex, id)
		if t.index >= 0 {
			heap.Remove(&el.timers, t.index)
		}
	})
}

func (el *EventLoop) addTimer(when time.Time, interval time.Duration, task func()) TimerID {
	t := &timer{
		id:       TimerID(el.nextTimerID.Inc()),
		when:     when,
		interval: interval,
		task:     task,
		index:    -1,
	}
	el.RunInLoop(func() {
		el.timerIndex[t.id] = t
		heap.Push(&el.timers, t)
	})
	return t.id
}

// runTimers fires every timer whose deadline is not after now.
func (el *EventLoop) runTimers(now time.Time) {
	for len(el.timers) > 0 && !el.timers[0].when.After(now) {
		t := heap.Pop(&el.timers).(*timer)
		el.execute(t.task)
		if t.interval > 0 && !t.cancelled {
			t.when = time.Now().Add(t.interval)
			heap.Push(&el.timers, t)
			continue
		}
		delete(el.timerIndex, t.id)
	}
}
