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

// Package scheduler drives the per-runbook tick loop: it periodically
// re-lists active runbooks and keeps one jittered timer running per
// runbook, each firing the full data-source-query -> batch/membership
// diff -> phase-dispatch sequence guarded by a per-runbook lock so only
// one scheduler replica acts on a given runbook at a time.
//
// The outer refresh loop is grounded on the teacher's
// daemon/scheduler.Scheduler (a single ticker re-evaluating a map of
// named schedules); the per-runbook jittered timer is grounded on
// controller/polltrigger.Scheduler, generalized from one timer per poll
// trigger to one timer per runbook.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/owenmpls/runbookd/internal/datasource"
	"github.com/owenmpls/runbookd/internal/leader"
	"github.com/owenmpls/runbookd/internal/log"
	"github.com/owenmpls/runbookd/internal/messaging"
	"github.com/owenmpls/runbookd/internal/metrics"
	"github.com/owenmpls/runbookd/internal/runbook"
	"github.com/owenmpls/runbookd/internal/store"
)

// Scheduler periodically ticks every active runbook.
type Scheduler struct {
	store       store.Store
	dataSources *datasource.Registry
	events      messaging.EventBus
	gate        *leader.Gate
	interval    time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	runners map[int64]*runbookTicker

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// runbookTicker owns one runbook's jittered timer and the parsed
// definition it ticks against. The definition is parsed once at
// registration: a runbook row's ID is immutable per version, so a new
// active version always arrives as a new ID and a fresh ticker.
type runbookTicker struct {
	row    *store.Runbook
	def    *runbook.Definition
	cancel context.CancelFunc
}

// New builds a Scheduler. interval is the nominal per-runbook tick period;
// each runbook's actual firings are jittered +-10% around it to avoid every
// runbook ticking in lockstep.
func New(st store.Store, dataSources *datasource.Registry, events messaging.EventBus, gate *leader.Gate, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:       st,
		dataSources: dataSources,
		events:      events,
		gate:        gate,
		interval:    interval,
		logger:      logger.With(slog.String("component", "scheduler")),
		runners:     make(map[int64]*runbookTicker),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start runs the refresh loop until ctx is cancelled or Stop is called.
// It blocks; callers typically invoke it in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	defer close(s.doneCh)

	if err := s.refresh(ctx); err != nil {
		s.logger.Error("initial runbook refresh failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAllRunners()
			return ctx.Err()
		case <-s.stopCh:
			s.stopAllRunners()
			return nil
		case <-ticker.C:
			if err := s.refresh(ctx); err != nil {
				s.logger.Error("runbook refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop signals the refresh loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// refresh reconciles the set of running per-runbook tickers against the
// currently active runbook rows: new active runbooks get a ticker started,
// runbooks that are no longer active have theirs stopped.
func (s *Scheduler) refresh(ctx context.Context) error {
	active, err := s.store.ListActiveRunbooks(ctx)
	if err != nil {
		return fmt.Errorf("list active runbooks: %w", err)
	}

	seen := make(map[int64]bool, len(active))
	for _, row := range active {
		seen[row.ID] = true

		s.mu.Lock()
		_, running := s.runners[row.ID]
		s.mu.Unlock()
		if running {
			continue
		}

		def, err := parseDefinition(row.YAML)
		if err != nil {
			_ = s.store.UpdateRunbookLastError(ctx, row.ID, fmt.Sprintf("parse runbook definition: %s", err))
			s.logger.Error("skipping runbook with unparseable definition", slog.String(log.RunbookKey, row.Name), slog.String("error", err.Error()))
			continue
		}

		s.startRunner(ctx, row, def)
	}

	s.mu.Lock()
	for id := range s.runners {
		if !seen[id] {
			s.stopRunner(id)
		}
	}
	s.mu.Unlock()

	return nil
}

func parseDefinition(rawYAML string) (*runbook.Definition, error) {
	var def runbook.Definition
	if err := yaml.Unmarshal([]byte(rawYAML), &def); err != nil {
		return nil, err
	}
	if err := runbook.Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *Scheduler) startRunner(ctx context.Context, row *store.Runbook, def *runbook.Definition) {
	runnerCtx, cancel := context.WithCancel(ctx)
	rt := &runbookTicker{row: row, def: def, cancel: cancel}

	s.mu.Lock()
	s.runners[row.ID] = rt
	s.mu.Unlock()

	go s.runLoop(runnerCtx, rt)
}

// stopRunner must be called with s.mu held.
func (s *Scheduler) stopRunner(id int64) {
	if rt, ok := s.runners[id]; ok {
		rt.cancel()
		delete(s.runners, id)
	}
}

func (s *Scheduler) stopAllRunners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.runners {
		s.stopRunner(id)
	}
}

func (s *Scheduler) runLoop(ctx context.Context, rt *runbookTicker) {
	timer := time.NewTimer(s.nextDelay(rt))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.fire(ctx, rt)
			timer.Reset(s.nextDelay(rt))
		}
	}
}

// nextDelay returns how long to wait before this runbook's next tick. A
// runbook with a cron schedule override ticks on that schedule instead of
// the scheduler's default jittered interval.
func (s *Scheduler) nextDelay(rt *runbookTicker) time.Duration {
	if next, ok := runbook.NextScheduledTick(rt.def, time.Now()); ok {
		return time.Until(next)
	}
	return addJitter(s.interval)
}

func (s *Scheduler) fire(ctx context.Context, rt *runbookTicker) {
	logger := s.logger.With(slog.String(log.RunbookKey, rt.row.Name), slog.Int64(log.BatchIDKey, rt.row.ID))

	err := s.gate.WithRunbook(ctx, rt.row.ID, func(ctx context.Context) error {
		return s.runTick(ctx, rt.row, rt.def)
	})
	switch {
	case err == nil:
		metrics.TicksTotal.WithLabelValues(rt.row.Name, "success").Inc()
	case errors.Is(err, leader.ErrNotAcquired):
		logger.Debug("another replica holds this runbook's lock, skipping tick")
		metrics.TicksTotal.WithLabelValues(rt.row.Name, "skipped").Inc()
	default:
		logger.Error("tick failed", slog.String("error", err.Error()))
		_ = s.store.UpdateRunbookLastError(ctx, rt.row.ID, err.Error())
		metrics.TicksTotal.WithLabelValues(rt.row.Name, "error").Inc()
	}
}

// addJitter adds +-10% jitter to a duration so many runbooks' timers don't
// fire in lockstep.
func addJitter(d time.Duration) time.Duration {
	jitterRange := float64(d) * 0.1
	jitter := (rand.Float64()*2 - 1) * jitterRange
	return d + time.Duration(jitter)
}
