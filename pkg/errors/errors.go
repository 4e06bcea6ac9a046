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

// Package errors defines common errors for reactor.
package errors

import "errors"

var (
	// ErrLoopRunning occurs when Run is called on an event-loop that is already running.
	ErrLoopRunning = errors.New("reactor: event-loop is already running")
	// ErrLoopClosed occurs when trying to run or use an event-loop that has been closed.
	ErrLoopClosed = errors.New("reactor: event-loop has been closed")
	// ErrConnectionClosed occurs when trying to write to a connection that is closing or closed.
	ErrConnectionClosed = errors.New("reactor: connection is closed")
	// ErrUnsupportedMultiplexer occurs when an unknown multiplexer kind is requested.
	ErrUnsupportedMultiplexer = errors.New("reactor: unsupported multiplexer")
	// ErrFDOutOfRange occurs when a descriptor does not fit into a select(2) descriptor set.
	ErrFDOutOfRange = errors.New("reactor: file descriptor out of range for select")
	// ErrShortWakeup occurs when the wakeup descriptor transfers fewer bytes than expected.
	ErrShortWakeup = errors.New("reactor: short read or write on wakeup descriptor")
	// ErrChannelNotFound occurs when updating or removing a channel the multiplexer does not know.
	ErrChannelNotFound = errors.New("reactor: channel is not registered")
	// ErrEmptyConfigKey occurs when setting a configuration value with an empty key.
	ErrEmptyConfigKey = errors.New("reactor: empty configuration key")
	// ErrUnsupportedConfigFormat occurs when loading a configuration file with an unknown extension.
	ErrUnsupportedConfigFormat = errors.New("reactor: unsupported configuration format")
	// ErrNoConfigFile occurs when reloading a configuration that was never loaded from a file.
	ErrNoConfigFile = errors.New("reactor: configuration has no backing file")
)
