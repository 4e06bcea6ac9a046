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

package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SinkConfig configures a Sink.
type SinkConfig struct {
	// Level is the minimum level of the main channel, the perf and business
	// channels always log at info.
	Level Level
	// Dir receives main.log, perf.log and business.log, rotated by lumberjack.
	// Files are skipped when Dir is empty.
	Dir string
	// Console mirrors every channel to stdout.
	Console bool
}

// Sink is the process-wide observability collaborator: a leveled logger from
// trace to critical plus a performance channel and a business-event channel.
// It is built once at startup, injected where needed and closed once at shutdown.
// Logging failures are swallowed by zap, they never reach the caller.
type Sink struct {
	main    *zap.Logger
	sugar   *zap.SugaredLogger
	perf    *zap.Logger
	biz     *zap.Logger
	closers []io.Closer
}

// NewSink builds the three channels of a Sink from cfg.
func NewSink(cfg SinkConfig) (*Sink, error) {
	s := &Sink{}
	open := func(name string, enab zapcore.LevelEnabler) (*zap.Logger, error) {
		var cores []zapcore.Core
		if cfg.Console || cfg.Dir == "" {
			cores = append(cores, zapcore.NewCore(newEncoder(zap.NewDevelopmentEncoderConfig(), "["+name+"]"),
				zapcore.Lock(os.Stdout), enab))
		}
		if cfg.Dir != "" {
			if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
				return nil, err
			}
			f := newRotatingFile(filepath.Join(cfg.Dir, name+".log"))
			s.closers = append(s.closers, f)
			cores = append(cores, zapcore.NewCore(newEncoder(zap.NewProductionEncoderConfig(), "["+name+"]"),
				zapcore.AddSync(f), enab))
		}
		return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1)), nil
	}

	var err error
	if s.main, err = open("main", zap.NewAtomicLevelAt(cfg.Level)); err != nil {
		return nil, err
	}
	if s.perf, err = open("perf", InfoLevel); err != nil {
		return nil, err
	}
	if s.biz, err = open("business", InfoLevel); err != nil {
		return nil, err
	}
	s.sugar = s.main.Sugar()
	return s, nil
}

// Tracef logs messages at TRACE level.
func (s *Sink) Tracef(format string, args ...interface{}) {
	if ce := s.main.Check(TraceLevel, fmt.Sprintf(format, args...)); ce != nil {
		ce.Write()
	}
}

// Debugf logs messages at DEBUG level.
func (s *Sink) Debugf(format string, args ...interface{}) { s.sugar.Debugf(format, args...) }

// Infof logs messages at INFO level.
func (s *Sink) Infof(format string, args ...interface{}) { s.sugar.Infof(format, args...) }

// Warnf logs messages at WARN level.
func (s *Sink) Warnf(format string, args ...interface{}) { s.sugar.Warnf(format, args...) }

// Errorf logs messages at ERROR level.
func (s *Sink) Errorf(format string, args ...interface{}) { s.sugar.Errorf(format, args...) }

// Criticalf logs messages at CRITICAL level.
func (s *Sink) Criticalf(format string, args ...interface{}) { s.sugar.DPanicf(format, args...) }

// Fatalf logs messages at FATAL level and exits.
func (s *Sink) Fatalf(format string, args ...interface{}) { s.sugar.Fatalf(format, args...) }

// Perf records how long op took, in milliseconds.
func (s *Sink) Perf(op string, d time.Duration) {
	s.perf.Info(fmt.Sprintf("PERF %s %.3fms", op, float64(d)/float64(time.Millisecond)))
}

// Business records a business event.
func (s *Sink) Business(event, data string) {
	s.biz.Info("BIZ " + event + " " + data)
}

// Flush writes out any buffered entry of every channel.
func (s *Sink) Flush() error {
	return multierr.Combine(s.main.Sync(), s.perf.Sync(), s.biz.Sync())
}

// Close flushes the channels and closes their files.
func (s *Sink) Close() error {
	err := s.Flush()
	for _, c := range s.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}
