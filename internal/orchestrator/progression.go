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

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/owenmpls/runbookd/internal/messaging"
	"github.com/owenmpls/runbookd/internal/metrics"
	"github.com/owenmpls/runbookd/internal/runbook"
	"github.com/owenmpls/runbookd/internal/store"
)

// Progression walks batches, phases, and members toward completion as their
// step executions resolve. Every check is guarded so it is safe to call
// redundantly from multiple result-processing goroutines.
type Progression struct {
	store        store.Store
	defs         *definitionCache
	logger       *slog.Logger
	dispatcher   *Dispatcher
	dispatchStep func(context.Context, *store.StepExecution) error
}

func newProgression(st store.Store, defs *definitionCache, logger *slog.Logger, dispatcher *Dispatcher, dispatchStep func(context.Context, *store.StepExecution) error) *Progression {
	return &Progression{store: st, defs: defs, logger: logger, dispatcher: dispatcher, dispatchStep: dispatchStep}
}

// CheckMemberStep advances a member's phase once one of its step executions
// resolves: either the next step in the phase dispatches, or if that was
// the phase's last step, CheckPhaseCompletion runs.
func (p *Progression) CheckMemberStep(ctx context.Context, se *store.StepExecution) error {
	steps, err := p.store.ListStepExecutionsByPhaseAndMember(ctx, se.PhaseExecutionID, se.BatchMemberID)
	if err != nil {
		return fmt.Errorf("list member steps: %w", err)
	}

	var next *store.StepExecution
	for _, s := range steps {
		if s.StepIndex == se.StepIndex+1 {
			next = s
			break
		}
	}

	if next != nil && next.Status == store.ExecPending {
		if err := p.dispatchStep(ctx, next); err != nil {
			return fmt.Errorf("dispatch next step: %w", err)
		}
		return nil
	}

	return p.CheckPhaseCompletion(ctx, se.PhaseExecutionID)
}

// CheckPhaseCompletion marks a phase execution completed once every member's
// final step execution in it has resolved (succeeded or is terminally
// failed/cancelled), then checks whether the whole batch is now done.
func (p *Progression) CheckPhaseCompletion(ctx context.Context, phaseExecutionID int64) error {
	steps, err := p.store.ListStepExecutionsByPhase(ctx, phaseExecutionID)
	if err != nil {
		return fmt.Errorf("list phase steps: %w", err)
	}

	for _, s := range steps {
		switch s.Status {
		case store.ExecSucceeded, store.ExecFailed, store.ExecCancelled, store.ExecPollTimeout:
		default:
			return nil // this member's chain isn't done yet
		}
	}

	pe, err := p.store.GetPhaseExecution(ctx, phaseExecutionID)
	if err != nil {
		return fmt.Errorf("get phase execution: %w", err)
	}

	ok, err := p.store.UpdatePhaseExecutionStatus(ctx, phaseExecutionID, store.PhaseDispatched, store.PhaseCompleted)
	if err != nil {
		return fmt.Errorf("mark phase completed: %w", err)
	}
	if !ok {
		return nil
	}

	return p.CheckBatchCompletion(ctx, pe.BatchID)
}

// CheckBatchCompletion marks a batch completed once every phase execution
// it owns is completed or skipped.
func (p *Progression) CheckBatchCompletion(ctx context.Context, batchID int64) error {
	phases, err := p.store.ListPhaseExecutionsByBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list batch phases: %w", err)
	}

	for _, pe := range phases {
		switch pe.Status {
		case store.PhaseCompleted, store.PhaseSkipped:
		default:
			return nil
		}
	}

	ok, err := p.store.UpdateBatchStatus(ctx, batchID, store.BatchActive, store.BatchCompleted)
	if err != nil {
		return fmt.Errorf("mark batch completed: %w", err)
	}
	if ok {
		p.recordBatchCompleted(ctx, batchID, store.BatchCompleted)
	}
	return nil
}

func (p *Progression) recordBatchCompleted(ctx context.Context, batchID int64, status string) {
	batch, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return
	}
	row, err := p.store.GetRunbook(ctx, batch.RunbookID)
	if err != nil {
		return
	}
	metrics.BatchesCompletedTotal.WithLabelValues(row.Name, status).Inc()
}

// HandleMemberFailure is called once a step execution exhausts its
// retries: it cancels the member's remaining non-terminal steps, runs the
// failed step's rollback sequence (if any), and marks the member failed.
func (p *Progression) HandleMemberFailure(ctx context.Context, runbookName string, se *store.StepExecution) error {
	if err := p.store.MarkMemberFailed(ctx, se.BatchMemberID); err != nil {
		return fmt.Errorf("mark member failed: %w", err)
	}

	remaining, err := p.store.ListNonTerminalStepExecutionsByMember(ctx, se.BatchMemberID)
	if err != nil {
		return fmt.Errorf("list remaining member steps: %w", err)
	}
	if len(remaining) > 0 {
		ids := make([]int64, 0, len(remaining))
		for _, s := range remaining {
			if s.ID != se.ID {
				ids = append(ids, s.ID)
			}
		}
		if len(ids) > 0 {
			if err := p.store.CancelStepExecutions(ctx, ids); err != nil {
				return fmt.Errorf("cancel remaining member steps: %w", err)
			}
		}
	}

	def, err := p.defs.get(ctx, runbookName)
	if err != nil {
		p.logger.Error("could not load definition for rollback", slog.String("error", err.Error()))
		return p.CheckPhaseCompletion(ctx, se.PhaseExecutionID)
	}

	stepDef := findStepDef(def, se.StepName)
	if stepDef != nil {
		rollback := stepDef.RollbackSteps(def)
		if len(rollback) > 0 {
			if err := p.dispatchRollback(ctx, se, rollback); err != nil {
				p.logger.Error("rollback dispatch failed", slog.String("error", err.Error()))
			}
		}
	}

	return p.CheckPhaseCompletion(ctx, se.PhaseExecutionID)
}

// dispatchRollback fire-and-forget dispatches a failed step's rollback
// sequence, in order, straight to each step's worker. Rollback steps are
// not persisted as StepExecution rows: they have no place in the normal
// StepIndex+1 chain a member's phase is built from, and a pending row left
// behind for one would make CheckPhaseCompletion wait on it forever.
func (p *Progression) dispatchRollback(ctx context.Context, se *store.StepExecution, steps []runbook.StepDef) error {
	member, err := p.store.GetMember(ctx, se.BatchMemberID)
	if err != nil {
		return fmt.Errorf("get member: %w", err)
	}
	pe, err := p.store.GetPhaseExecution(ctx, se.PhaseExecutionID)
	if err != nil {
		return fmt.Errorf("get phase execution: %w", err)
	}

	// Rollback templates see the current time for _batch_start_time, not
	// the batch's stored start time; rollback steps rarely reference it.
	vars, err := runbook.MemberVars(pe.BatchID, time.Now(), member.DataJSON, member.WorkerDataJSON)
	if err != nil {
		return fmt.Errorf("build rollback vars: %w", err)
	}

	for _, step := range steps {
		params, err := runbook.ResolveParams(step.Params, vars)
		if err != nil {
			return fmt.Errorf("resolve rollback params: %w", err)
		}
		job := &messaging.Job{
			JobID:        newJobID(),
			BatchID:      pe.BatchID,
			WorkerID:     step.WorkerID,
			FunctionName: step.Function,
			Parameters:   stringMapToAny(params),
		}
		if err := p.dispatcher.FireAndForget(ctx, job); err != nil {
			return fmt.Errorf("dispatch rollback step %q: %w", step.Name, err)
		}
	}
	return nil
}

func findStepDef(def *runbook.Definition, name string) *runbook.StepDef {
	for _, phase := range def.Phases {
		for i := range phase.Steps {
			if phase.Steps[i].Name == name {
				return &phase.Steps[i]
			}
		}
	}
	for i := range def.Init {
		if def.Init[i].Name == name {
			return &def.Init[i]
		}
	}
	return nil
}
