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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/owenmpls/runbookd/internal/log"
	"github.com/owenmpls/runbookd/internal/messaging"
	"github.com/owenmpls/runbookd/internal/metrics"
	"github.com/owenmpls/runbookd/internal/runbook"
	"github.com/owenmpls/runbookd/internal/store"
)

var tracer = otel.Tracer("github.com/owenmpls/runbookd/internal/scheduler")

// runTick executes the full per-runbook tick: query the data source, group
// rows into batches, diff membership, create any batches/phase executions
// that are now due, and dispatch the phases whose due_at has arrived.
//
// Batch membership is tracked entirely through store.BatchMember rows keyed
// by (batch_id, member_key). A literal per-runbook physical data table
// (runbook_<name>_v<version>, with _last_seen_at/_is_current columns) would
// require generating and migrating DDL at runtime across three backend
// drivers; batch_members already carries the same row-identity and
// freshness information this tick needs, so that table is never created.
func (s *Scheduler) runTick(ctx context.Context, row *store.Runbook, def *runbook.Definition) error {
	ctx, span := tracer.Start(ctx, "scheduler.tick",
		attribute.String("runbook", row.Name),
		attribute.Int("runbook_version", row.Version),
	)
	defer span.End()

	now := time.Now().UTC()
	logger := s.logger.With(slog.String(log.RunbookKey, row.Name), slog.Int(log.RunbookVersionKey, row.Version))

	client, err := s.dataSources.For(def.DataSource.Type)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("resolve data source client: %w", err)
	}

	connectionString := os.Getenv(def.DataSource.Connection)
	rawRows, err := client.Query(ctx, def.DataSource, connectionString)
	if err != nil {
		_ = s.store.UpdateRunbookLastError(ctx, row.ID, err.Error())
		return fmt.Errorf("query data source: %w", err)
	}

	candidates, err := normalizeRows(def.DataSource, rawRows, now)
	if err != nil {
		_ = s.store.UpdateRunbookLastError(ctx, row.ID, err.Error())
		return fmt.Errorf("normalize rows: %w", err)
	}

	for anchor, members := range groupByAnchor(candidates) {
		if err := s.syncBatch(ctx, logger, row, def, anchor, members); err != nil {
			logger.Error("sync batch failed", slog.Time("anchor", anchor), slog.String("error", err.Error()))
		}
	}

	if err := s.evaluateDuePhases(ctx, logger, row, def, now); err != nil {
		logger.Error("evaluate due phases failed", slog.String("error", err.Error()))
	}

	return nil
}

// syncBatch finds or creates the batch for one anchor time, then diffs its
// membership against the candidate rows observed this tick.
func (s *Scheduler) syncBatch(ctx context.Context, logger *slog.Logger, row *store.Runbook, def *runbook.Definition, anchor time.Time, candidates []candidateRow) error {
	batch, err := s.store.GetBatchByAnchor(ctx, row.ID, anchor)
	if err != nil {
		return fmt.Errorf("get batch by anchor: %w", err)
	}

	justCreated := false
	if batch == nil {
		b := &store.Batch{
			RunbookID:      row.ID,
			BatchStartTime: anchor,
			Status:         store.BatchDetected,
			CurrentPhase:   "",
		}
		id, err := s.store.CreateBatch(ctx, b)
		if err != nil {
			return fmt.Errorf("create batch: %w", err)
		}
		b.ID = id
		batch = b
		justCreated = true
		metrics.BatchesDetectedTotal.WithLabelValues(row.Name).Inc()
	}

	if err := s.diffMembership(ctx, logger, row, batch, candidates); err != nil {
		return fmt.Errorf("diff membership: %w", err)
	}

	if justCreated {
		if err := s.createPhaseExecutions(ctx, row, def, batch); err != nil {
			return fmt.Errorf("create phase executions: %w", err)
		}
		if err := s.dispatchBatch(ctx, logger, row, def, batch); err != nil {
			return fmt.Errorf("dispatch batch: %w", err)
		}
	}

	return nil
}

// diffMembership inserts newly observed members and removes ones that
// vanished from this tick's candidate set, publishing member-added and
// member-removed events for each change.
func (s *Scheduler) diffMembership(ctx context.Context, logger *slog.Logger, row *store.Runbook, batch *store.Batch, candidates []candidateRow) error {
	active, err := s.store.ListActiveMembers(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("list active members: %w", err)
	}

	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		seen[c.memberKey] = true

		dataJSON, err := json.Marshal(c.data)
		if err != nil {
			return fmt.Errorf("marshal member data for %q: %w", c.memberKey, err)
		}

		id, inserted, err := s.store.UpsertActiveMember(ctx, &store.BatchMember{
			BatchID:        batch.ID,
			MemberKey:      c.memberKey,
			DataJSON:       string(dataJSON),
			WorkerDataJSON: "{}",
			Status:         store.MemberActive,
		})
		if err != nil {
			return fmt.Errorf("upsert member %q: %w", c.memberKey, err)
		}
		if inserted {
			if err := s.events.Publish(ctx, &messaging.Event{
				MessageType:   messaging.MemberAdded,
				RunbookName:   row.Name,
				BatchID:       batch.ID,
				BatchMemberID: id,
				MemberKey:     c.memberKey,
			}); err != nil {
				logger.Warn("publish member-added failed", slog.String("error", err.Error()))
			}
		}
	}

	for _, m := range active {
		if seen[m.MemberKey] {
			continue
		}
		if err := s.store.MarkMemberRemoved(ctx, batch.ID, m.MemberKey); err != nil {
			return fmt.Errorf("mark member removed %q: %w", m.MemberKey, err)
		}
		if err := s.events.Publish(ctx, &messaging.Event{
			MessageType:   messaging.MemberRemoved,
			RunbookName:   row.Name,
			BatchID:       batch.ID,
			BatchMemberID: m.ID,
			MemberKey:     m.MemberKey,
		}); err != nil {
			logger.Warn("publish member-removed failed", slog.String("error", err.Error()))
		}
	}

	return nil
}

// createPhaseExecutions creates one pending phase execution per phase
// definition, due at batch_start_time - offset.
func (s *Scheduler) createPhaseExecutions(ctx context.Context, row *store.Runbook, def *runbook.Definition, batch *store.Batch) error {
	for _, phase := range def.Phases {
		offsetMinutes, err := runbook.ParseOffset(phase.Offset)
		if err != nil {
			return fmt.Errorf("phase %q offset: %w", phase.Name, err)
		}

		_, err = s.store.CreatePhaseExecution(ctx, &store.PhaseExecution{
			BatchID:        batch.ID,
			PhaseName:      phase.Name,
			OffsetMinutes:  offsetMinutes,
			DueAt:          batch.BatchStartTime.Add(-time.Duration(offsetMinutes) * time.Minute),
			RunbookVersion: row.Version,
			Status:         store.PhasePending,
		})
		if err != nil {
			return fmt.Errorf("create phase execution %q: %w", phase.Name, err)
		}
	}
	return nil
}

// dispatchBatch moves a freshly detected batch forward: straight to active
// if the runbook has no init steps, or to init_dispatched with a batch-init
// event for the orchestrator's init handler to act on.
func (s *Scheduler) dispatchBatch(ctx context.Context, logger *slog.Logger, row *store.Runbook, def *runbook.Definition, batch *store.Batch) error {
	members, err := s.store.ListActiveMembers(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("list active members: %w", err)
	}

	if len(def.Init) == 0 {
		ok, err := s.store.UpdateBatchStatus(ctx, batch.ID, store.BatchDetected, store.BatchActive)
		if err != nil {
			return fmt.Errorf("activate batch: %w", err)
		}
		if !ok {
			logger.Debug("batch already progressed past detected, skipping activation", slog.Int64(log.BatchIDKey, batch.ID))
		}
		return nil
	}

	ok, err := s.store.UpdateBatchStatus(ctx, batch.ID, store.BatchDetected, store.BatchInitDispatched)
	if err != nil {
		return fmt.Errorf("mark batch init dispatched: %w", err)
	}
	if !ok {
		return nil
	}

	return s.events.Publish(ctx, &messaging.Event{
		MessageType:    messaging.BatchInit,
		RunbookName:    row.Name,
		RunbookVersion: row.Version,
		BatchID:        batch.ID,
		BatchStartTime: batch.BatchStartTime,
		MemberCount:    len(members),
	})
}

// evaluateDuePhases dispatches every phase execution whose due_at has
// arrived for every active batch of this runbook; batches still detected or
// init_dispatched are skipped.
func (s *Scheduler) evaluateDuePhases(ctx context.Context, logger *slog.Logger, row *store.Runbook, def *runbook.Definition, now time.Time) error {
	batches, err := s.store.ListNonTerminalBatches(ctx, row.ID)
	if err != nil {
		return fmt.Errorf("list non-terminal batches: %w", err)
	}

	for _, batch := range batches {
		if batch.Status != store.BatchActive {
			continue
		}

		due, err := s.store.ListDuePhaseExecutions(ctx, batch.ID, now)
		if err != nil {
			return fmt.Errorf("list due phase executions for batch %d: %w", batch.ID, err)
		}

		for _, pe := range due {
			if err := s.dispatchPhase(ctx, logger, row, def, batch, pe); err != nil {
				logger.Error("dispatch phase failed", slog.String(log.PhaseKey, pe.PhaseName), slog.String("error", err.Error()))
			}
		}
	}
	return nil
}

// dispatchPhase creates a step execution per (active member, step) for one
// due phase execution, guarded so only one tick wins the dispatch race.
func (s *Scheduler) dispatchPhase(ctx context.Context, logger *slog.Logger, row *store.Runbook, def *runbook.Definition, batch *store.Batch, pe *store.PhaseExecution) error {
	var phase *runbook.PhaseDef
	for i := range def.Phases {
		if def.Phases[i].Name == pe.PhaseName {
			phase = &def.Phases[i]
			break
		}
	}
	if phase == nil {
		return fmt.Errorf("phase %q no longer exists in runbook definition", pe.PhaseName)
	}

	if row.OverdueBehavior == store.OverdueIgnore && timeNow().After(pe.DueAt.Add(overdueIgnoreGrace)) {
		ok, err := s.store.UpdatePhaseExecutionStatus(ctx, pe.ID, store.PhasePending, store.PhaseSkipped)
		if err != nil {
			return fmt.Errorf("skip overdue phase: %w", err)
		}
		if ok {
			logger.Info("skipped overdue phase", slog.String(log.PhaseKey, pe.PhaseName), slog.Int64(log.BatchIDKey, batch.ID))
		}
		return nil
	}

	members, err := s.store.ListActiveMembers(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("list active members: %w", err)
	}

	for _, member := range members {
		existing, err := s.store.ListStepExecutionsByPhaseAndMember(ctx, pe.ID, member.ID)
		if err != nil {
			return fmt.Errorf("list step executions for member %d: %w", member.ID, err)
		}
		if len(existing) > 0 {
			continue
		}

		for i, step := range phase.Steps {
			paramsJSON, err := json.Marshal(step.Params)
			if err != nil {
				return fmt.Errorf("marshal params for step %q: %w", step.Name, err)
			}

			se := &store.StepExecution{
				PhaseExecutionID: pe.ID,
				BatchMemberID:    member.ID,
				StepName:         step.Name,
				StepIndex:        i,
				WorkerID:         step.WorkerID,
				FunctionName:     step.Function,
				ParamsJSON:       string(paramsJSON),
				Status:           store.ExecPending,
			}
			if step.Poll != nil {
				se.IsPollStep = true
				se.PollIntervalSec, _ = runbook.ParseDuration(step.Poll.Interval)
				se.PollTimeoutSec, _ = runbook.ParseDuration(step.Poll.Timeout)
			}
			if retry := step.EffectiveRetry(def); retry != nil {
				se.MaxRetries = retry.MaxRetries
				se.RetryIntervalSec, _ = runbook.ParseDuration(retry.Interval)
			}

			if _, err := s.store.CreateStepExecution(ctx, se); err != nil {
				return fmt.Errorf("create step execution %q for member %d: %w", step.Name, member.ID, err)
			}
		}
	}

	ok, err := s.store.UpdatePhaseExecutionStatus(ctx, pe.ID, store.PhasePending, store.PhaseDispatched)
	if err != nil {
		return fmt.Errorf("mark phase dispatched: %w", err)
	}
	if !ok {
		return nil
	}

	return s.events.Publish(ctx, &messaging.Event{
		MessageType:      messaging.PhaseDue,
		RunbookName:      row.Name,
		RunbookVersion:   row.Version,
		BatchID:          batch.ID,
		PhaseExecutionID: pe.ID,
		PhaseName:        pe.PhaseName,
		OffsetMinutes:    pe.OffsetMinutes,
		DueAt:            pe.DueAt,
		MemberCount:      len(members),
	})
}

// overdueIgnoreGrace is how far past a phase's due_at overdue_behavior
// "ignore" tolerates before skipping it outright; large enough that a
// scheduler replica briefly falling behind its tick interval never skips a
// phase it would otherwise have dispatched on time.
const overdueIgnoreGrace = 2 * time.Minute

// timeNow is a seam so dispatchPhase's overdue comparison can be exercised
// deterministically in tests.
var timeNow = func() time.Time { return time.Now().UTC() }
