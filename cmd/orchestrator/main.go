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

// Command orchestrator consumes the events the scheduler publishes and the
// results workers report, driving batches/phases/members/executions
// through their lifecycles and dispatching jobs. It holds no per-runbook
// lock: every action it takes is scoped to one event or one result at a
// time, guarded by the store's per-row compare-and-swap updates.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/owenmpls/runbookd/internal/bootstrap"
	"github.com/owenmpls/runbookd/internal/config"
	"github.com/owenmpls/runbookd/internal/httpserver"
	"github.com/owenmpls/runbookd/internal/log"
	"github.com/owenmpls/runbookd/internal/orchestrator"
	"github.com/owenmpls/runbookd/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		httpAddr    = flag.String("http", ":8081", "address for /healthz and /metrics")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("orchestrator %s (commit %s)\n", version, commit)
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

	tp, err := tracing.New(ctx, serviceName(cfg, "runbookd-orchestrator"), cfg.OTLPEndpoint)
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

	orch := orchestrator.New(res.Store, res.Bus, res.Bus, cfg.DispatchConcurrency, logger)
	srv := httpserver.New(*httpAddr, nil)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("orchestrator exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func serviceName(cfg *config.Config, fallback string) string {
	if cfg.ServiceName != "" {
		return cfg.ServiceName
	}
	return fallback
}
