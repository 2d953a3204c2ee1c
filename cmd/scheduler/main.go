// Copyright 2025 Tom Barlow
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

// Command scheduler runs the per-runbook tick loop and the poll/retry
// clock: it watches data sources for new or updated rows, materializes
// batches and phase executions, and republishes poll-check/retry-check
// events once their due time arrives. It never talks to workers directly
// -- that is cmd/orchestrator's job -- the two communicate only through
// the configured message bus.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/owenmpls/runbookd/internal/bootstrap"
	"github.com/owenmpls/runbookd/internal/config"
	"github.com/owenmpls/runbookd/internal/httpserver"
	"github.com/owenmpls/runbookd/internal/leader"
	"github.com/owenmpls/runbookd/internal/log"
	"github.com/owenmpls/runbookd/internal/scheduler"
	"github.com/owenmpls/runbookd/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

const pollClockInterval = 10 * time.Second

func main() {
	var (
		httpAddr    = flag.String("http", ":8080", "address for /healthz and /metrics")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("scheduler %s (commit %s)\n", version, commit)
		return
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.New(ctx, serviceName(cfg, "runbookd-scheduler"), cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("init tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	res, err := bootstrap.Build(cfg)
	if err != nil {
		logger.Error("bootstrap resources", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if err := res.Close(); err != nil {
			logger.Error("close resources", slog.String("error", err.Error()))
		}
	}()

	gate := leader.NewGate(res.Store, logger)
	sched := scheduler.New(res.Store, res.DataSources, res.Bus, gate, cfg.TickInterval, logger)
	pollClock := scheduler.NewPollClock(res.Store, res.Bus, pollClockInterval, logger)

	srv := httpserver.New(*httpAddr, nil)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Start(ctx) })
	g.Go(func() error { pollClock.Run(ctx); return nil })
	g.Go(func() error { return srv.Run(ctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("scheduler exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func serviceName(cfg *config.Config, fallback string) string {
	if cfg.ServiceName != "" {
		return cfg.ServiceName
	}
	return fallback
}
