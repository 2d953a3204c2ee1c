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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/owenmpls/runbookd/internal/messaging"
	"github.com/owenmpls/runbookd/internal/metrics"
	"github.com/owenmpls/runbookd/internal/runbook"
	"github.com/owenmpls/runbookd/internal/store"
)

// resultProcessor consumes worker results and advances the owning step or
// init execution. The dispatcher slot is released for every outcome except
// "still polling", where the same job stays in flight until a later result
// resolves it.
type resultProcessor struct {
	store       store.Store
	dispatcher  *Dispatcher
	progression *Progression
	defs        *definitionCache
	logger      *slog.Logger
}

func newResultProcessor(st store.Store, d *Dispatcher, p *Progression, defs *definitionCache, logger *slog.Logger) *resultProcessor {
	return &resultProcessor{store: st, dispatcher: d, progression: p, defs: defs, logger: logger}
}

func (r *resultProcessor) Process(ctx context.Context, res *messaging.Result) error {
	// Rollback and on_member_removed steps are dispatched fire-and-forget
	// (Dispatcher.FireAndForget) with no StepExecution/InitExecution row
	// behind them, so their CorrelationData is left zero-valued. There is
	// nothing to advance for these; drop the result on the floor.
	if res.CorrelationData.StepExecutionID == 0 && res.CorrelationData.InitExecutionID == 0 {
		return nil
	}
	if res.CorrelationData.IsInitStep {
		return r.processInitResult(ctx, res)
	}
	return r.processStepResult(ctx, res)
}

func isTerminalStatus(status string) bool {
	switch status {
	case store.ExecSucceeded, store.ExecFailed, store.ExecCancelled, store.ExecPollTimeout:
		return true
	default:
		return false
	}
}

func (r *resultProcessor) processStepResult(ctx context.Context, res *messaging.Result) error {
	se, err := r.store.GetStepExecution(ctx, res.CorrelationData.StepExecutionID)
	if err != nil {
		return fmt.Errorf("get step execution: %w", err)
	}
	if isTerminalStatus(se.Status) {
		// A redelivered or duplicate result for a step already resolved.
		// The dispatcher slot for this step was already released when it
		// first resolved, so there is nothing left to do.
		return nil
	}

	if se.IsPollStep && res.Status == messaging.StatusSuccess && !isComplete(res.Result) {
		// Still running: the slot stays held, since the next poll-check
		// Republishes against this same in-flight job rather than
		// acquiring a new one.
		return r.store.SetStepPolling(ctx, se.ID, time.Now(), time.Now())
	}

	// Every other outcome is terminal for this dispatch. Release before any
	// follow-up dispatch below, since holding the slot until this function
	// returns could deadlock a worker with maxInFlight=1 against its own
	// next-step (or retry) dispatch.
	r.dispatcher.Release(se.WorkerID)
	metrics.JobResultsTotal.WithLabelValues(se.WorkerID, string(res.Status)).Inc()

	if res.Status != messaging.StatusSuccess {
		return r.handleStepFailure(ctx, se, res)
	}

	resultJSON, err := marshalResult(res.Result)
	if err != nil {
		return fmt.Errorf("marshal step result: %w", err)
	}
	if err := r.store.SetStepSucceeded(ctx, se.ID, resultJSON, time.Now()); err != nil {
		return fmt.Errorf("mark step succeeded: %w", err)
	}

	stepDef, err := r.stepDefFor(ctx, se)
	if err != nil {
		r.logger.Error("could not load step definition for output mapping", slog.String("error", err.Error()))
	} else if outputs := outputUpdates(res.Result, stepDef.OutputParams); len(outputs) > 0 {
		if err := r.store.MergeWorkerData(ctx, se.BatchMemberID, outputs); err != nil {
			return fmt.Errorf("merge worker data: %w", err)
		}
	}

	return r.progression.CheckMemberStep(ctx, se)
}

// stepDefFor loads the runbook definition a step execution belongs to and
// returns its StepDef, for output_params mapping at result time.
func (r *resultProcessor) stepDefFor(ctx context.Context, se *store.StepExecution) (*runbook.StepDef, error) {
	pe, err := r.store.GetPhaseExecution(ctx, se.PhaseExecutionID)
	if err != nil {
		return nil, fmt.Errorf("get phase execution: %w", err)
	}
	batch, err := r.store.GetBatch(ctx, pe.BatchID)
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	row, err := r.store.GetRunbook(ctx, batch.RunbookID)
	if err != nil {
		return nil, fmt.Errorf("get runbook: %w", err)
	}
	def, err := r.defs.get(ctx, row.Name)
	if err != nil {
		return nil, err
	}
	phase := findPhaseDef(def, pe.PhaseName)
	if phase == nil {
		return nil, fmt.Errorf("phase %q not found in definition", pe.PhaseName)
	}
	for i := range phase.Steps {
		if phase.Steps[i].Name == se.StepName {
			return &phase.Steps[i], nil
		}
	}
	return nil, fmt.Errorf("step %q not found in phase %q", se.StepName, pe.PhaseName)
}

func (r *resultProcessor) handleStepFailure(ctx context.Context, se *store.StepExecution, res *messaging.Result) error {
	message := "worker reported failure"
	if res.Error != nil {
		message = res.Error.Message
	}

	if se.RetryCount < se.MaxRetries {
		retryAfter := time.Now().Add(time.Duration(se.RetryIntervalSec) * time.Second)
		return r.store.SetStepRetryPending(ctx, se.ID, retryAfter)
	}

	if err := r.store.SetStepFailed(ctx, se.ID, message); err != nil {
		return fmt.Errorf("mark step failed: %w", err)
	}

	runbookName, err := r.runbookNameForPhase(ctx, se.PhaseExecutionID)
	if err != nil {
		r.logger.Error("could not resolve runbook for rollback", slog.String("error", err.Error()))
		return r.progression.CheckPhaseCompletion(ctx, se.PhaseExecutionID)
	}
	return r.progression.HandleMemberFailure(ctx, runbookName, se)
}

func (r *resultProcessor) runbookNameForPhase(ctx context.Context, phaseExecutionID int64) (string, error) {
	pe, err := r.store.GetPhaseExecution(ctx, phaseExecutionID)
	if err != nil {
		return "", fmt.Errorf("get phase execution: %w", err)
	}
	batch, err := r.store.GetBatch(ctx, pe.BatchID)
	if err != nil {
		return "", fmt.Errorf("get batch: %w", err)
	}
	row, err := r.store.GetRunbook(ctx, batch.RunbookID)
	if err != nil {
		return "", fmt.Errorf("get runbook: %w", err)
	}
	return row.Name, nil
}

func (r *resultProcessor) processInitResult(ctx context.Context, res *messaging.Result) error {
	ie, err := r.store.GetInitExecution(ctx, res.CorrelationData.InitExecutionID)
	if err != nil {
		return fmt.Errorf("get init execution: %w", err)
	}
	if isTerminalStatus(ie.Status) {
		return nil
	}

	if ie.IsPollStep && res.Status == messaging.StatusSuccess && !isComplete(res.Result) {
		return r.store.SetInitPolling(ctx, ie.ID, time.Now(), time.Now())
	}

	r.dispatcher.Release(ie.WorkerID)
	metrics.JobResultsTotal.WithLabelValues(ie.WorkerID, string(res.Status)).Inc()

	if res.Status != messaging.StatusSuccess {
		return r.handleInitFailure(ctx, ie, res)
	}

	resultJSON, err := marshalResult(res.Result)
	if err != nil {
		return fmt.Errorf("marshal init result: %w", err)
	}
	if err := r.store.SetInitSucceeded(ctx, ie.ID, resultJSON, time.Now()); err != nil {
		return fmt.Errorf("mark init succeeded: %w", err)
	}

	return r.advanceInitChain(ctx, ie)
}

func (r *resultProcessor) handleInitFailure(ctx context.Context, ie *store.InitExecution, res *messaging.Result) error {
	message := "worker reported failure"
	if res.Error != nil {
		message = res.Error.Message
	}
	if ie.RetryCount < ie.MaxRetries {
		retryAfter := time.Now().Add(time.Duration(ie.RetryIntervalSec) * time.Second)
		return r.store.SetInitRetryPending(ctx, ie.ID, retryAfter)
	}
	if err := r.store.SetInitFailed(ctx, ie.ID, message); err != nil {
		return fmt.Errorf("mark init failed: %w", err)
	}
	// An init step exhausting retries fails the whole batch: nothing can
	// begin without it, so there is no per-member rollback to run.
	ok, err := r.store.UpdateBatchStatus(ctx, ie.BatchID, store.BatchInitDispatched, store.BatchFailed)
	if err != nil {
		return err
	}
	if ok {
		if name, nameErr := r.runbookNameForBatch(ctx, ie.BatchID); nameErr == nil {
			metrics.BatchesCompletedTotal.WithLabelValues(name, store.BatchFailed).Inc()
		}
	}
	return nil
}

// advanceInitChain dispatches the next pending init execution, or flips
// the batch to active once every init step has succeeded.
func (r *resultProcessor) advanceInitChain(ctx context.Context, completed *store.InitExecution) error {
	all, err := r.store.ListInitExecutionsByBatch(ctx, completed.BatchID)
	if err != nil {
		return fmt.Errorf("list init executions: %w", err)
	}

	next := earliestPendingInit(all)
	if next != nil {
		return r.dispatchNextInit(ctx, next)
	}

	for _, ie := range all {
		if ie.Status != store.ExecSucceeded {
			return nil
		}
	}
	_, err = r.store.UpdateBatchStatus(ctx, completed.BatchID, store.BatchInitDispatched, store.BatchActive)
	return err
}

// dispatchNextInit mirrors handlers.go's dispatchInitExecution -- it is
// duplicated rather than shared because it is reached from result
// processing (after the previous init step succeeds) rather than from the
// batch-init event handler, and the two entry points have no natural
// common receiver.
func (r *resultProcessor) dispatchNextInit(ctx context.Context, ie *store.InitExecution) error {
	ok, err := r.store.UpdateInitExecutionStatus(ctx, ie.ID, store.ExecPending, store.ExecDispatched)
	if err != nil {
		return fmt.Errorf("guard init dispatch: %w", err)
	}
	if !ok {
		return nil
	}

	runbookName, err := r.runbookNameForBatch(ctx, ie.BatchID)
	if err != nil {
		return err
	}
	def, err := r.defs.get(ctx, runbookName)
	if err != nil {
		return err
	}

	var stepDef *runbook.StepDef
	for i := range def.Init {
		if def.Init[i].Name == ie.StepName {
			stepDef = &def.Init[i]
			break
		}
	}
	if stepDef == nil {
		return fmt.Errorf("init step %q not found in definition", ie.StepName)
	}

	vars := runbook.InitVars(ie.BatchID, time.Now())
	resolved, err := runbook.ResolveParams(stepDef.Params, vars)
	if err != nil {
		return fmt.Errorf("resolve init params: %w", err)
	}

	job := &messaging.Job{
		JobID:        newJobID(),
		WorkerID:     ie.WorkerID,
		FunctionName: ie.FunctionName,
		Parameters:   stringMapToAny(resolved),
		CorrelationData: messaging.CorrelationData{
			InitExecutionID: ie.ID,
			IsInitStep:      true,
		},
	}
	if err := r.dispatcher.Dispatch(ctx, job); err != nil {
		return fmt.Errorf("dispatch init job: %w", err)
	}
	return r.store.SetInitDispatched(ctx, ie.ID, job.JobID, time.Now())
}

func (r *resultProcessor) runbookNameForBatch(ctx context.Context, batchID int64) (string, error) {
	batch, err := r.store.GetBatch(ctx, batchID)
	if err != nil {
		return "", fmt.Errorf("get batch: %w", err)
	}
	row, err := r.store.GetRunbook(ctx, batch.RunbookID)
	if err != nil {
		return "", fmt.Errorf("get runbook: %w", err)
	}
	return row.Name, nil
}

// isComplete interprets a worker's success payload. A Success result of
// {"complete": false} means the underlying operation is still running and
// the step must keep polling; anything else (a bare true, an object with
// no "complete" key, or a different shape) is treated as done.
func isComplete(result any) bool {
	m, ok := result.(map[string]any)
	if !ok {
		return true
	}
	v, ok := m["complete"]
	if !ok {
		return true
	}
	complete, ok := v.(bool)
	if !ok {
		return true
	}
	return complete
}

// outputUpdates extracts the fields a step's output_params declares from a
// {complete, data: {...}} result, renaming each from the result field name
// it was declared against to the template variable the runbook binds it
// to. Steps with no output_params, or results with no object-shaped data
// payload, contribute nothing.
func outputUpdates(result any, outputParams map[string]string) map[string]any {
	if len(outputParams) == 0 {
		return nil
	}
	m, ok := result.(map[string]any)
	if !ok {
		return nil
	}
	data, ok := m["data"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]any, len(outputParams))
	for variable, field := range outputParams {
		if v, ok := data[field]; ok {
			out[variable] = v
		}
	}
	return out
}

func marshalResult(result any) (string, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
