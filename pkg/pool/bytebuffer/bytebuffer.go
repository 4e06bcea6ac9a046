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

// Package bytebuffer is a pool of bytebufferpool.ByteBuffer backing the
// input and output buffers of connections.
package bytebuffer

import "github.com/valyala/bytebufferpool"

// ByteBuffer is the alias of bytebufferpool.ByteBuffer.
type ByteBuffer = bytebufferpool.ByteBuffer

// Get returns an empty byte buffer from the pool.
func Get() *ByteBuffer {
	return bytebufferpool.Get()
}

// Put returns b to the pool, nil is ignored.
func Put(b *ByteBuffer) {
	if b != nil {
		bytebufferpool.Put(b)
	}
}

// Queue is a FIFO of bytes over a pooled ByteBuffer. Consumed bytes are
// skipped with a read offset; the unread tail is moved to the front only once
// it is no longer than the consumed head, so draining a large backlog costs
// linear time overall.
type Queue struct {
	buf  *ByteBuffer
	head int
}

// NewQueue returns an empty queue backed by a pooled buffer.
func NewQueue() *Queue {
	return &Queue{buf: Get()}
}

// Len returns the number of unread bytes.
func (q *Queue) Len() int {
	return len(q.buf.B) - q.head
}

// Bytes returns the unread bytes, valid until the next Write or Discard.
func (q *Queue) Bytes() []byte {
	return q.buf.B[q.head:]
}

// Write appends p to the queue.
func (q *Queue) Write(p []byte) (int, error) {
	return q.buf.Write(p)
}

// Discard drops the first n unread bytes.
func (q *Queue) Discard(n int) {
	if n >= q.Len() {
		q.buf.Reset()
		q.head = 0
		return
	}
	q.head += n
	if rest := q.Len(); rest <= q.head {
		copy(q.buf.B, q.buf.B[q.head:])
		q.buf.B = q.buf.B[:rest]
		q.head = 0
	}
}

// Release returns the backing buffer to the pool, the queue must not be used
// afterwards. Releasing a nil queue is a no-op.
func (q *Queue) Release() {
	if q == nil {
		return
	}
	Put(q.buf)
	q.buf, q.head = nil, 0
}
