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
	"sort"
	"time"

	"github.com/owenmpls/runbookd/internal/log"
	"github.com/owenmpls/runbookd/internal/messaging"
	"github.com/owenmpls/runbookd/internal/runbook"
	"github.com/owenmpls/runbookd/internal/store"
)

// handleBatchInit seeds a batch's init executions on first delivery and
// dispatches the earliest pending one. Init steps run strictly in
// StepIndex order -- one at a time -- so later deliveries of the same
// event (redelivery, or the scheduler re-publishing after a crash) only
// ever advance the next still-pending step.
func (o *Orchestrator) handleBatchInit(ctx context.Context, evt *messaging.Event) error {
	def, err := o.defs.get(ctx, evt.RunbookName)
	if err != nil {
		return fmt.Errorf("load definition %q: %w", evt.RunbookName, err)
	}

	existing, err := o.store.ListInitExecutionsByBatch(ctx, evt.BatchID)
	if err != nil {
		return fmt.Errorf("list init executions: %w", err)
	}
	if len(existing) == 0 {
		if err := o.createInitExecutions(ctx, evt.BatchID, def); err != nil {
			return fmt.Errorf("create init executions: %w", err)
		}
		existing, err = o.store.ListInitExecutionsByBatch(ctx, evt.BatchID)
		if err != nil {
			return fmt.Errorf("list init executions: %w", err)
		}
	}

	next := earliestPendingInit(existing)
	if next == nil {
		return nil
	}
	return o.dispatchInitExecution(ctx, next)
}

func (o *Orchestrator) createInitExecutions(ctx context.Context, batchID int64, def *runbook.Definition) error {
	for i, step := range def.Init {
		ie := &store.InitExecution{
			BatchID:      batchID,
			StepName:     step.Name,
			StepIndex:    i,
			WorkerID:     step.WorkerID,
			FunctionName: step.Function,
			Status:       store.ExecPending,
		}
		if step.Poll != nil {
			ie.IsPollStep = true
			ie.PollIntervalSec, _ = runbook.ParseDuration(step.Poll.Interval)
			ie.PollTimeoutSec, _ = runbook.ParseDuration(step.Poll.Timeout)
		}
		if retry := step.EffectiveRetry(def); retry != nil {
			ie.MaxRetries = retry.MaxRetries
			ie.RetryIntervalSec, _ = runbook.ParseDuration(retry.Interval)
		}
		if _, err := o.store.CreateInitExecution(ctx, ie); err != nil {
			return fmt.Errorf("create init execution %q: %w", step.Name, err)
		}
	}
	return nil
}

func earliestPendingInit(executions []*store.InitExecution) *store.InitExecution {
	var next *store.InitExecution
	for _, ie := range executions {
		if ie.Status != store.ExecPending {
			continue
		}
		if next == nil || ie.StepIndex < next.StepIndex {
			next = ie
		}
	}
	return next
}

func (o *Orchestrator) dispatchInitExecution(ctx context.Context, ie *store.InitExecution) error {
	ok, err := o.store.UpdateInitExecutionStatus(ctx, ie.ID, store.ExecPending, store.ExecDispatched)
	if err != nil {
		return fmt.Errorf("guard init dispatch: %w", err)
	}
	if !ok {
		return nil // another replica already dispatched this init step
	}

	params, err := o.resolveInitParams(ctx, ie)
	if err != nil {
		return fmt.Errorf("resolve init params: %w", err)
	}

	job := &messaging.Job{
		JobID:        newJobID(),
		WorkerID:     ie.WorkerID,
		FunctionName: ie.FunctionName,
		Parameters:   params,
		CorrelationData: messaging.CorrelationData{
			InitExecutionID: ie.ID,
			IsInitStep:      true,
		},
	}
	if err := o.dispatcher.Dispatch(ctx, job); err != nil {
		return fmt.Errorf("dispatch init job: %w", err)
	}
	return o.store.SetInitDispatched(ctx, ie.ID, job.JobID, time.Now())
}

func (o *Orchestrator) resolveInitParams(ctx context.Context, ie *store.InitExecution) (map[string]any, error) {
	def, err := o.definitionForBatch(ctx, ie.BatchID)
	if err != nil {
		return nil, err
	}
	var stepDef *runbook.StepDef
	for i := range def.Init {
		if def.Init[i].Name == ie.StepName {
			stepDef = &def.Init[i]
			break
		}
	}
	if stepDef == nil {
		return nil, fmt.Errorf("init step %q not found in definition", ie.StepName)
	}

	vars := runbook.InitVars(ie.BatchID, time.Now())
	resolved, err := runbook.ResolveParams(stepDef.Params, vars)
	if err != nil {
		return nil, err
	}
	return stringMapToAny(resolved), nil
}

// handlePhaseDue dispatches the first step in this phase for every active
// member that doesn't already have a step execution recorded for it.
// Steps within a phase run sequentially per member, so only StepIndex 0 is
// dispatched here; Progression.CheckMemberStep advances subsequent steps.
func (o *Orchestrator) handlePhaseDue(ctx context.Context, evt *messaging.Event) error {
	def, err := o.defs.get(ctx, evt.RunbookName)
	if err != nil {
		return fmt.Errorf("load definition %q: %w", evt.RunbookName, err)
	}

	phase := findPhaseDef(def, evt.PhaseName)
	if phase == nil || len(phase.Steps) == 0 {
		return nil
	}

	for _, memberID := range evt.MemberIDs {
		existing, err := o.store.ListStepExecutionsByPhaseAndMember(ctx, evt.PhaseExecutionID, memberID)
		if err != nil {
			return fmt.Errorf("list existing step executions: %w", err)
		}
		if len(existing) > 0 {
			continue // already seeded, possibly a redelivery
		}

		if err := o.createMemberSteps(ctx, evt.PhaseExecutionID, memberID, phase.Steps, def); err != nil {
			return fmt.Errorf("create member steps: %w", err)
		}

		steps, err := o.store.ListStepExecutionsByPhaseAndMember(ctx, evt.PhaseExecutionID, memberID)
		if err != nil {
			return fmt.Errorf("reload member steps: %w", err)
		}
		first := firstByIndex(steps)
		if first != nil {
			if err := o.dispatchStepExecution(ctx, first); err != nil {
				return fmt.Errorf("dispatch first step for member %d: %w", memberID, err)
			}
		}
	}
	return nil
}

func (o *Orchestrator) createMemberSteps(ctx context.Context, phaseExecutionID, memberID int64, steps []runbook.StepDef, def *runbook.Definition) error {
	for i, step := range steps {
		se := &store.StepExecution{
			PhaseExecutionID: phaseExecutionID,
			BatchMemberID:    memberID,
			StepName:         step.Name,
			StepIndex:        i,
			WorkerID:         step.WorkerID,
			FunctionName:     step.Function,
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
		if _, err := o.store.CreateStepExecution(ctx, se); err != nil {
			return fmt.Errorf("create step execution %q: %w", step.Name, err)
		}
	}
	return nil
}

func firstByIndex(steps []*store.StepExecution) *store.StepExecution {
	sorted := append([]*store.StepExecution(nil), steps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StepIndex < sorted[j].StepIndex })
	if len(sorted) == 0 {
		return nil
	}
	return sorted[0]
}

// handleMemberAdded implements catch-up: when a member joins a batch after
// one of its phases has already dispatched, completed, or failed, the
// member seeds and dispatches that phase's steps for just itself so it
// does not permanently miss work that every other member already ran.
// Catch-up only ever targets the single earliest such phase -- the member
// picks up later phases naturally once they come due.
func (o *Orchestrator) handleMemberAdded(ctx context.Context, evt *messaging.Event) error {
	def, err := o.defs.get(ctx, evt.RunbookName)
	if err != nil {
		return fmt.Errorf("load definition %q: %w", evt.RunbookName, err)
	}

	phases, err := o.store.ListPhaseExecutionsByBatch(ctx, evt.BatchID)
	if err != nil {
		return fmt.Errorf("list batch phases: %w", err)
	}

	var target *store.PhaseExecution
	for _, pe := range phases {
		switch pe.Status {
		case store.PhaseDispatched, store.PhaseCompleted, store.PhaseFailed:
		default:
			continue
		}
		if target == nil || pe.OffsetMinutes < target.OffsetMinutes {
			target = pe
		}
	}
	if target == nil {
		return nil
	}

	phase := findPhaseDef(def, target.PhaseName)
	if phase == nil || len(phase.Steps) == 0 {
		return nil
	}

	existing, err := o.store.ListStepExecutionsByPhaseAndMember(ctx, target.ID, evt.BatchMemberID)
	if err != nil {
		return fmt.Errorf("list existing catch-up steps: %w", err)
	}
	if len(existing) > 0 {
		return nil // already seeded, possibly a redelivery
	}

	if err := o.createMemberSteps(ctx, target.ID, evt.BatchMemberID, phase.Steps, def); err != nil {
		return fmt.Errorf("create catch-up steps: %w", err)
	}
	steps, err := o.store.ListStepExecutionsByPhaseAndMember(ctx, target.ID, evt.BatchMemberID)
	if err != nil {
		return fmt.Errorf("reload catch-up steps: %w", err)
	}
	if first := firstByIndex(steps); first != nil {
		if err := o.dispatchStepExecution(ctx, first); err != nil {
			return fmt.Errorf("dispatch catch-up step: %w", err)
		}
	}
	return nil
}

// handleMemberRemoved cancels every non-terminal step execution still
// outstanding for a member that has left the batch, then fire-and-forget
// dispatches the runbook's on_member_removed steps, in order, against the
// member's data as it stood at removal.
func (o *Orchestrator) handleMemberRemoved(ctx context.Context, evt *messaging.Event) error {
	member, err := o.store.GetMember(ctx, evt.BatchMemberID)
	if err != nil {
		return fmt.Errorf("get member: %w", err)
	}

	steps, err := o.store.ListNonTerminalStepExecutionsByMember(ctx, evt.BatchMemberID)
	if err != nil {
		return fmt.Errorf("list non-terminal steps: %w", err)
	}
	if len(steps) > 0 {
		ids := make([]int64, len(steps))
		for i, s := range steps {
			ids[i] = s.ID
		}
		if err := o.store.CancelStepExecutions(ctx, ids); err != nil {
			return fmt.Errorf("cancel remaining steps: %w", err)
		}
	}

	def, err := o.defs.get(ctx, evt.RunbookName)
	if err != nil {
		return fmt.Errorf("load definition %q: %w", evt.RunbookName, err)
	}
	if len(def.OnMemberRemoved) == 0 {
		return nil
	}

	vars, err := runbook.MemberVars(evt.BatchID, time.Now(), member.DataJSON, member.WorkerDataJSON)
	if err != nil {
		return fmt.Errorf("build member-removed vars: %w", err)
	}
	for _, step := range def.OnMemberRemoved {
		params, err := runbook.ResolveParams(step.Params, vars)
		if err != nil {
			return fmt.Errorf("resolve member-removed params: %w", err)
		}
		job := &messaging.Job{
			JobID:        newJobID(),
			BatchID:      evt.BatchID,
			WorkerID:     step.WorkerID,
			FunctionName: step.Function,
			Parameters:   stringMapToAny(params),
		}
		if err := o.dispatcher.FireAndForget(ctx, job); err != nil {
			return fmt.Errorf("dispatch member-removed step %q: %w", step.Name, err)
		}
	}
	return nil
}

// handlePollCheck re-sends the job for a step or init execution already in
// ExecPolling without acquiring a new dispatcher slot -- the original
// Dispatch's slot is still held until the step resolves.
func (o *Orchestrator) handlePollCheck(ctx context.Context, evt *messaging.Event) error {
	if evt.InitExecutionID != 0 {
		ie, err := o.store.GetInitExecution(ctx, evt.InitExecutionID)
		if err != nil {
			return fmt.Errorf("get init execution: %w", err)
		}
		if ie.Status != store.ExecPolling {
			return nil
		}
		params, err := o.resolveInitParams(ctx, ie)
		if err != nil {
			return fmt.Errorf("resolve poll params: %w", err)
		}
		job := &messaging.Job{
			JobID:        ie.JobID,
			WorkerID:     ie.WorkerID,
			FunctionName: ie.FunctionName,
			Parameters:   params,
			CorrelationData: messaging.CorrelationData{
				InitExecutionID: ie.ID,
				IsInitStep:      true,
			},
		}
		return o.dispatcher.Republish(ctx, job)
	}

	se, err := o.store.GetStepExecution(ctx, evt.StepExecutionID)
	if err != nil {
		return fmt.Errorf("get step execution: %w", err)
	}
	if se.Status != store.ExecPolling {
		return nil
	}
	params, err := o.resolveStepParams(ctx, se)
	if err != nil {
		return fmt.Errorf("resolve poll params: %w", err)
	}
	job := &messaging.Job{
		JobID:        se.JobID,
		WorkerID:     se.WorkerID,
		FunctionName: se.FunctionName,
		Parameters:   params,
		CorrelationData: messaging.CorrelationData{
			StepExecutionID: se.ID,
		},
	}
	return o.dispatcher.Republish(ctx, job)
}

// handleRetryCheck re-dispatches a step or init execution whose retry delay
// has elapsed. A fresh dispatcher slot is acquired since the prior failure
// already released the original one.
func (o *Orchestrator) handleRetryCheck(ctx context.Context, evt *messaging.Event) error {
	if evt.InitExecutionID != 0 {
		ie, err := o.store.GetInitExecution(ctx, evt.InitExecutionID)
		if err != nil {
			return fmt.Errorf("get init execution: %w", err)
		}
		if ie.Status != store.ExecPending {
			return nil
		}
		return o.dispatchInitExecution(ctx, ie)
	}

	se, err := o.store.GetStepExecution(ctx, evt.StepExecutionID)
	if err != nil {
		return fmt.Errorf("get step execution: %w", err)
	}
	if se.Status != store.ExecPending {
		return nil
	}
	return o.dispatchStepExecution(ctx, se)
}

func (o *Orchestrator) dispatchStepExecution(ctx context.Context, se *store.StepExecution) error {
	ok, err := o.store.UpdateStepExecutionStatus(ctx, se.ID, store.ExecPending, store.ExecDispatched)
	if err != nil {
		return fmt.Errorf("guard step dispatch: %w", err)
	}
	if !ok {
		return nil
	}

	params, err := o.resolveStepParams(ctx, se)
	if err != nil {
		return fmt.Errorf("resolve step params: %w", err)
	}

	job := &messaging.Job{
		JobID:        newJobID(),
		WorkerID:     se.WorkerID,
		FunctionName: se.FunctionName,
		Parameters:   params,
		CorrelationData: messaging.CorrelationData{
			StepExecutionID: se.ID,
		},
	}
	if err := o.dispatcher.Dispatch(ctx, job); err != nil {
		return fmt.Errorf("dispatch step job: %w", err)
	}
	return o.store.SetStepDispatched(ctx, se.ID, job.JobID, time.Now())
}

func (o *Orchestrator) resolveStepParams(ctx context.Context, se *store.StepExecution) (map[string]any, error) {
	pe, err := o.store.GetPhaseExecution(ctx, se.PhaseExecutionID)
	if err != nil {
		return nil, fmt.Errorf("get phase execution: %w", err)
	}
	member, err := o.store.GetMember(ctx, se.BatchMemberID)
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	def, err := o.definitionForBatch(ctx, pe.BatchID)
	if err != nil {
		return nil, err
	}

	phase := findPhaseDef(def, pe.PhaseName)
	if phase == nil {
		return nil, fmt.Errorf("phase %q not found in definition", pe.PhaseName)
	}
	var stepDef *runbook.StepDef
	for i := range phase.Steps {
		if phase.Steps[i].Name == se.StepName {
			stepDef = &phase.Steps[i]
			break
		}
	}
	if stepDef == nil {
		return nil, fmt.Errorf("step %q not found in phase %q", se.StepName, pe.PhaseName)
	}

	vars, err := runbook.MemberVars(pe.BatchID, time.Now(), member.DataJSON, member.WorkerDataJSON)
	if err != nil {
		return nil, err
	}
	resolved, err := runbook.ResolveParams(stepDef.Params, vars)
	if err != nil {
		return nil, err
	}
	return stringMapToAny(resolved), nil
}

func findPhaseDef(def *runbook.Definition, name string) *runbook.PhaseDef {
	for i := range def.Phases {
		if def.Phases[i].Name == name {
			return &def.Phases[i]
		}
	}
	return nil
}

func stringMapToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func logEventFields(evt *messaging.Event) []any {
	return []any{
		slog.String(log.RunbookKey, evt.RunbookName),
		slog.Int64(log.BatchIDKey, evt.BatchID),
		slog.String(log.EventKey, string(evt.MessageType)),
	}
}
