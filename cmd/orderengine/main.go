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
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orderengine/reactor"
	"github.com/orderengine/reactor/pkg/config"
	"github.com/orderengine/reactor/pkg/logging"
	"github.com/orderengine/reactor/pkg/pool/goroutine"
)

func main() {
	var (
		configPath string
		port       int
	)

	// Example command: go run ./cmd/orderengine --config config/server.ini --port 9000
	flag.StringVar(&configPath, "config", "config/server.ini", "configuration file (.ini, .yaml, .toml or .json)")
	flag.IntVar(&port, "port", 0, "overrides server.port when set")
	flag.Parse()

	cfg, err := config.Load(configPath, nil)
	if err != nil {
		logging.Warnf("failed to load %s, running with defaults: %v", configPath, err)
		cfg = config.New(nil)
	}
	if port > 0 {
		_ = cfg.SetInt("server.port", port)
	}

	level, err := logging.ParseLevel(cfg.GetString("log.level", "info"))
	if err != nil {
		logging.Warnf("%v, falling back to %s", err, logging.LogLevel())
		level, _ = logging.ParseLevel(logging.LogLevel())
	}
	sink, err := logging.NewSink(logging.SinkConfig{
		Level:   level,
		Dir:     cfg.GetString("log.dir", ""),
		Console: cfg.GetBool("log.console", true),
	})
	if err != nil {
		logging.Fatalf("failed to set up logging: %v", err)
	}
	defer func() { _ = sink.Close() }()
	logging.SetDefaultLoggerAndFlusher(sink, sink.Flush)
	defer logging.Cleanup()
	logging.Infof("logging at %s level", level)

	pool, err := goroutine.New(cfg.GetInt("worker_pool.size", goroutine.DefaultAntsPoolSize), sink)
	if err != nil {
		logging.Error(err)
		if pool = goroutine.Default(); pool == nil {
			logging.Fatalf("failed to create the default worker pool")
		}
	}
	defer pool.Release()

	mux, err := reactor.ParseMultiplexer(cfg.GetString("server.multiplexer", "default"))
	if err != nil {
		sink.Warnf("%v, falling back to the default multiplexer", err)
	}

	// The engine logs through the sink unless structured JSON output is asked for.
	var engineLogger logging.Logger = sink
	if cfg.GetString("log.format", "console") == "json" {
		engineLogger = logging.NewLogrusLogger(cfg.GetString("log.level", "info"))
	}

	srv := reactor.NewServer(
		cfg.GetString("server.ip", "0.0.0.0"),
		cfg.GetInt("server.port", 8080),
		cfg.GetInt("server.thread_num", 4),
		reactor.WithLogger(engineLogger),
		reactor.WithMultiplexer(mux),
		reactor.WithBroadcastDirect(cfg.GetBool("server.broadcast_direct", false)),
		reactor.WithTCPKeepAlive(cfg.GetDuration("server.tcp_keepalive", reactor.DefaultTCPKeepAlive)),
		reactor.WithTCPNoDelay(cfg.GetBool("server.tcp_nodelay", true)),
		reactor.WithReusePort(cfg.GetBool("server.reuse_port", false)),
	)
	es := &echoServer{srv: srv, sink: sink, pool: pool}
	srv.SetMessageCallback(es.onMessage)
	srv.SetConnectionCallback(es.onConnection)

	if err = srv.Start(); err != nil {
		sink.Criticalf("failed to start server: %v", err)
		_ = sink.Close()
		os.Exit(1)
	}
	sink.Business("server_started", srv.Addr().String())

	statsTicker := time.NewTicker(cfg.GetDuration("server.stats_interval", time.Minute))
	defer statsTicker.Stop()

	var reap <-chan time.Time
	idleTimeout := cfg.GetDuration("server.idle_timeout", 0)
	if idleTimeout > 0 {
		reaper := time.NewTicker(idleTimeout / 2)
		defer reaper.Stop()
		reap = reaper.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-statsTicker.C:
			es.reportStats()
		case <-reap:
			if n := reapIdle(srv, idleTimeout); n > 0 {
				sink.Infof("closed %d idle connection(s)", n)
			}
		case sig := <-sigCh:
			sink.Infof("received signal %v, shutting down", sig)
			start := time.Now()
			srv.Stop()
			sink.Perf("server_stop", time.Since(start))
			sink.Business("server_stopped", sig.String())
			return
		}
	}
}
