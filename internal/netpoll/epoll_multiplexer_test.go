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

//go:build linux
// +build linux

package netpoll

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEpollEventListGrows(t *testing.T) {
	mux, err := openEpoll()
	require.NoError(t, err)
	defer mux.Close()
	owner := &directOwner{t: t, mux: mux}

	const n = 40
	for i := 0; i < n; i++ {
		p := newPipe(t)
		p.fill(t)
		NewChannel(owner, p.r).EnableReading()
	}
	require.Len(t, mux.events, InitPollEventsCap)

	// Level-triggered readiness persists, each poll sees more of it.
	active, err := mux.Poll(50*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Len(t, active, InitPollEventsCap)
	assert.Len(t, mux.events, 2*InitPollEventsCap)

	active, err = mux.Poll(50*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Len(t, active, 2*InitPollEventsCap)
	assert.Len(t, mux.events, 4*InitPollEventsCap)

	active, err = mux.Poll(50*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Len(t, active, n)
	assert.Len(t, mux.events, 4*InitPollEventsCap)
}
