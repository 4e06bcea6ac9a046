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

package bytebuffer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDiscard(t *testing.T) {
	q := NewQueue()
	defer q.Release()

	_, _ = q.Write([]byte("hello, world"))
	q.Discard(7)
	assert.Equal(t, "world", string(q.Bytes()))
	assert.Equal(t, 5, q.Len())

	q.Discard(0)
	assert.Equal(t, "world", string(q.Bytes()))

	q.Discard(100)
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, q.Bytes())

	_, _ = q.Write([]byte("again"))
	assert.Equal(t, "again", string(q.Bytes()))
}

func TestQueueKeepsOrderAcrossCompaction(t *testing.T) {
	q := NewQueue()
	defer q.Release()

	var want []byte
	for i := 0; i < 64; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, 100)
		_, _ = q.Write(chunk)
		want = append(want, chunk...)
	}
	for q.Len() > 0 {
		n := 37
		if n > q.Len() {
			n = q.Len()
		}
		require.Equal(t, want[:n], q.Bytes()[:n])
		want = want[n:]
		q.Discard(n)
		if q.Len() > 0 && q.Len()%500 == 0 {
			_, _ = q.Write([]byte{0xff})
			want = append(want, 0xff)
		}
	}
	assert.Empty(t, want)
}

func TestQueueDiscardMovesLittleData(t *testing.T) {
	q := NewQueue()
	defer q.Release()

	const backlog = 1 << 20
	_, _ = q.Write(make([]byte, backlog))
	// Draining in small steps leaves the front of the buffer in place until
	// the consumed head outgrows the unread tail.
	for i := 0; i < backlog/2/512-1; i++ {
		q.Discard(512)
		require.Greater(t, q.head, 0)
	}
	q.Discard(1024)
	assert.Equal(t, 0, q.head)
	assert.Equal(t, q.Len(), len(q.buf.B))
}

func TestQueueReleaseNil(t *testing.T) {
	var q *Queue
	assert.NotPanics(t, q.Release)
}

func TestPutNil(t *testing.T) {
	assert.NotPanics(t, func() { Put(nil) })
}
