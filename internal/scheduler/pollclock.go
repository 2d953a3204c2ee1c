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

package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/owenmpls/runbookd/internal/log"
	"github.com/owenmpls/runbookd/internal/messaging"
	"github.com/owenmpls/runbookd/internal/store"
)

// PollClock drives the polling and retry checks across every runbook. Both
// scan step_executions/init_executions directly rather than per-runbook
// state, so unlike the per-runbook tick loop they run on a single shared
// timer guarded only by each row's own guarded UPDATE -- no runbook lock is
// needed since every action here targets one execution row at a time.
type PollClock struct {
	store    store.Store
	events   messaging.EventBus
	interval time.Duration
	logger   *slog.Logger

	stopOnce chan struct{}
	doneCh   chan struct{}
}

// NewPollClock builds a PollClock that scans for due polls and retries
// every interval.
func NewPollClock(st store.Store, events messaging.EventBus, interval time.Duration, logger *slog.Logger) *PollClock {
	if logger == nil {
		logger = slog.Default()
	}
	return &PollClock{
		store:    st,
		events:   events,
		interval: interval,
		logger:   logger.With(slog.String("component", "poll_clock")),
		stopOnce: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run blocks, scanning on every tick until ctx is cancelled or Stop is
// called.
func (c *PollClock) Run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopOnce:
			return
		case <-ticker.C:
			c.scan(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to finish.
func (c *PollClock) Stop() {
	select {
	case <-c.stopOnce:
	default:
		close(c.stopOnce)
	}
	<-c.doneCh
}

func (c *PollClock) scan(ctx context.Context) {
	now := time.Now().UTC()

	if err := c.scanStepPolling(ctx, now); err != nil {
		c.logger.Error("scan step polling failed", slog.String("error", err.Error()))
	}
	if err := c.scanInitPolling(ctx, now); err != nil {
		c.logger.Error("scan init polling failed", slog.String("error", err.Error()))
	}
	if err := c.scanStepRetries(ctx, now); err != nil {
		c.logger.Error("scan step retries failed", slog.String("error", err.Error()))
	}
	if err := c.scanInitRetries(ctx, now); err != nil {
		c.logger.Error("scan init retries failed", slog.String("error", err.Error()))
	}
}

func (c *PollClock) scanStepPolling(ctx context.Context, now time.Time) error {
	due, err := c.store.ListPollingDueSteps(ctx, now)
	if err != nil {
		return err
	}

	for _, se := range due {
		if se.PollStartedAt != nil && se.PollTimeoutSec > 0 {
			deadline := se.PollStartedAt.Add(time.Duration(se.PollTimeoutSec) * time.Second)
			if now.After(deadline) {
				if err := c.store.SetStepPollTimeout(ctx, se.ID); err != nil {
					c.logger.Error("set step poll timeout failed", slog.Int64(log.ExecutionIDKey, se.ID), slog.String("error", err.Error()))
				}
				continue
			}
		}

		if err := c.store.SetStepPollTick(ctx, se.ID, now); err != nil {
			c.logger.Error("advance step poll tick failed", slog.Int64(log.ExecutionIDKey, se.ID), slog.String("error", err.Error()))
			continue
		}

		if err := c.events.Publish(ctx, &messaging.Event{
			MessageType:      messaging.PollCheck,
			StepExecutionID:  se.ID,
			PhaseExecutionID: se.PhaseExecutionID,
			BatchMemberID:    se.BatchMemberID,
			StepName:         se.StepName,
			PollCount:        se.PollCount + 1,
		}); err != nil {
			c.logger.Warn("publish poll-check failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (c *PollClock) scanInitPolling(ctx context.Context, now time.Time) error {
	due, err := c.store.ListPollingDueInits(ctx, now)
	if err != nil {
		return err
	}

	for _, ie := range due {
		if ie.PollStartedAt != nil && ie.PollTimeoutSec > 0 {
			deadline := ie.PollStartedAt.Add(time.Duration(ie.PollTimeoutSec) * time.Second)
			if now.After(deadline) {
				if err := c.store.SetInitPollTimeout(ctx, ie.ID); err != nil {
					c.logger.Error("set init poll timeout failed", slog.Int64(log.ExecutionIDKey, ie.ID), slog.String("error", err.Error()))
				}
				continue
			}
		}

		if err := c.store.SetInitPollTick(ctx, ie.ID, now); err != nil {
			c.logger.Error("advance init poll tick failed", slog.Int64(log.ExecutionIDKey, ie.ID), slog.String("error", err.Error()))
			continue
		}

		if err := c.events.Publish(ctx, &messaging.Event{
			MessageType:     messaging.PollCheck,
			InitExecutionID: ie.ID,
			BatchID:         ie.BatchID,
			StepName:        ie.StepName,
			PollCount:       ie.PollCount + 1,
		}); err != nil {
			c.logger.Warn("publish poll-check failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (c *PollClock) scanStepRetries(ctx context.Context, now time.Time) error {
	due, err := c.store.ListRetryDueSteps(ctx, now)
	if err != nil {
		return err
	}

	for _, se := range due {
		if err := c.events.Publish(ctx, &messaging.Event{
			MessageType:      messaging.RetryCheck,
			StepExecutionID:  se.ID,
			PhaseExecutionID: se.PhaseExecutionID,
			BatchMemberID:    se.BatchMemberID,
			StepName:         se.StepName,
			RetryCount:       se.RetryCount,
		}); err != nil {
			c.logger.Warn("publish retry-check failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (c *PollClock) scanInitRetries(ctx context.Context, now time.Time) error {
	due, err := c.store.ListRetryDueInits(ctx, now)
	if err != nil {
		return err
	}

	for _, ie := range due {
		if err := c.events.Publish(ctx, &messaging.Event{
			MessageType:     messaging.RetryCheck,
			InitExecutionID: ie.ID,
			BatchID:         ie.BatchID,
			StepName:        ie.StepName,
			RetryCount:      ie.RetryCount,
		}); err != nil {
			c.logger.Warn("publish retry-check failed", slog.String("error", err.Error()))
		}
	}
	return nil
}
