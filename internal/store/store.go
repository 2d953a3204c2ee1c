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

// Package store provides the persistence abstraction for the migration
// engine.
//
// # Interface Hierarchy
//
// The package uses interface segregation so scheduler and orchestrator code
// can depend on only the capability they need:
//
//   - RunbookStore (core): GetActiveByName/ListActiveRunbooks/UpdateRunbookLastError
//   - BatchStore: CreateBatch/GetBatchByAnchor/UpdateBatchStatus/ListNonTerminalBatches
//   - MemberStore: UpsertActiveMember/MarkMemberRemoved/MarkMemberFailed/MergeWorkerData
//   - PhaseExecutionStore: CreatePhaseExecution/GetPhaseExecution/ListDuePhaseExecutions
//   - StepExecutionStore / InitExecutionStore: the per-table analogues of the above
//
// Store composes all of these for full-featured backends. Components accept
// the narrowest interface they need and use type assertions to detect
// optional capabilities (e.g. advisory locking) at runtime.
package store

import (
	"context"
	"io"
	"time"
)

// Batch lifecycle states.
const (
	BatchDetected       = "detected"
	BatchInitDispatched = "init_dispatched"
	BatchActive         = "active"
	BatchCompleted      = "completed"
	BatchFailed         = "failed"
)

// Batch member lifecycle states.
const (
	MemberActive  = "active"
	MemberRemoved = "removed"
	MemberFailed  = "failed"
)

// Phase execution lifecycle states.
const (
	PhasePending    = "pending"
	PhaseDispatched = "dispatched"
	PhaseCompleted  = "completed"
	PhaseFailed     = "failed"
	PhaseSkipped    = "skipped"
)

// Step/init execution lifecycle states.
const (
	ExecPending     = "pending"
	ExecDispatched  = "dispatched"
	ExecSucceeded   = "succeeded"
	ExecFailed      = "failed"
	ExecPolling     = "polling"
	ExecPollTimeout = "poll_timeout"
	ExecCancelled   = "cancelled"
)

// Runbook overdue-phase handling.
const (
	OverdueRerun  = "rerun"
	OverdueIgnore = "ignore"
)

// Runbook is an immutable versioned runbook definition. Only IsActive,
// IgnoreOverdueApplied, and LastError are ever mutated after creation.
type Runbook struct {
	ID                   int64
	Name                 string
	Version              int
	YAML                 string
	DataTableName        string
	IsActive             bool
	OverdueBehavior      string
	RerunInit            bool
	IgnoreOverdueApplied bool
	LastError            string
	CreatedAt            time.Time
}

// Batch is a group of members sharing a batch-anchor time.
type Batch struct {
	ID               int64
	RunbookID        int64
	BatchStartTime   time.Time
	Status           string
	IsManual         bool
	CreatedBy        string
	CurrentPhase     string
	DetectedAt       time.Time
	InitDispatchedAt *time.Time
}

// BatchMember is one migration candidate inside a batch.
type BatchMember struct {
	ID               int64
	BatchID          int64
	MemberKey        string
	DataJSON         string
	WorkerDataJSON   string
	Status           string
	AddedAt          time.Time
	RemovedAt        *time.Time
	FailedAt         *time.Time
	AddDispatchedAt  *time.Time
	RemoveDispatched *time.Time
}

// PhaseExecution is an instance of a phase definition for one batch.
type PhaseExecution struct {
	ID             int64
	BatchID        int64
	PhaseName      string
	OffsetMinutes  int
	DueAt          time.Time
	RunbookVersion int
	Status         string
	DispatchedAt   *time.Time
	CompletedAt    *time.Time
}

// StepExecution is one (member × step) execution instance under a phase
// execution.
type StepExecution struct {
	ID                int64
	PhaseExecutionID  int64
	BatchMemberID     int64
	StepName          string
	StepIndex         int
	WorkerID          string
	FunctionName      string
	ParamsJSON        string
	Status            string
	JobID             string
	ResultJSON        string
	ErrorMessage      string
	DispatchedAt      *time.Time
	CompletedAt       *time.Time
	IsPollStep        bool
	PollIntervalSec   int
	PollTimeoutSec    int
	PollStartedAt     *time.Time
	LastPolledAt      *time.Time
	PollCount         int
	MaxRetries        int
	RetryIntervalSec  int
	RetryCount        int
	RetryAfter        *time.Time
}

// InitExecution has the identical shape to StepExecution but is scoped to a
// batch rather than a phase or member; init steps run sequentially.
type InitExecution struct {
	ID               int64
	BatchID          int64
	StepName         string
	StepIndex        int
	WorkerID         string
	FunctionName     string
	ParamsJSON       string
	Status           string
	JobID            string
	ResultJSON       string
	ErrorMessage     string
	DispatchedAt     *time.Time
	CompletedAt      *time.Time
	IsPollStep       bool
	PollIntervalSec  int
	PollTimeoutSec   int
	PollStartedAt    *time.Time
	LastPolledAt     *time.Time
	PollCount        int
	MaxRetries       int
	RetryIntervalSec int
	RetryCount       int
	RetryAfter       *time.Time
}

// RunbookStore is the core interface for runbook storage operations.
//
// Method names are unique across every segregated interface in this package
// (not just within RunbookStore) because Store embeds all of them: Go
// collapses identically-named methods from embedded interfaces only when
// their signatures also match, and errors out otherwise.
type RunbookStore interface {
	// GetActiveByName returns the single active version of a runbook.
	GetActiveByName(ctx context.Context, name string) (*Runbook, error)
	// GetRunbook retrieves one runbook by id, active or not, used by the
	// orchestrator to resolve a batch's RunbookID back to its definition.
	GetRunbook(ctx context.Context, id int64) (*Runbook, error)
	// ListActiveRunbooks returns every runbook with IsActive=true, for the scheduler's tick fan-out.
	ListActiveRunbooks(ctx context.Context) ([]*Runbook, error)
	// UpdateRunbookLastError records a per-tick failure without blocking other runbooks.
	UpdateRunbookLastError(ctx context.Context, runbookID int64, message string) error
	// SetIgnoreOverdueApplied marks that this runbook's overdue-ignore behavior has
	// already been applied at detection time.
	SetIgnoreOverdueApplied(ctx context.Context, runbookID int64, applied bool) error
}

// BatchStore manages batch lifecycle records.
type BatchStore interface {
	// CreateBatch inserts a new batch in BatchDetected status.
	CreateBatch(ctx context.Context, batch *Batch) (int64, error)
	// GetBatch retrieves one batch by id, used by the orchestrator to resolve a
	// step or init execution back to its owning runbook.
	GetBatch(ctx context.Context, id int64) (*Batch, error)
	// GetBatchByAnchor finds an existing batch for (runbookID, batchStartTime), used to
	// decide whether scheduler tick 3 should group rows into an existing batch.
	GetBatchByAnchor(ctx context.Context, runbookID int64, batchStartTime time.Time) (*Batch, error)
	// ListNonTerminalBatches returns every batch not yet completed/failed, used by
	// the scheduler tick to find the batches whose due phases it evaluates.
	ListNonTerminalBatches(ctx context.Context, runbookID int64) ([]*Batch, error)
	// UpdateBatchStatus performs a guarded UPDATE (WHERE status = fromStatus) and reports
	// whether the row was affected — false means another handler already won the race.
	UpdateBatchStatus(ctx context.Context, batchID int64, fromStatus, toStatus string) (bool, error)
}

// MemberStore manages batch member records.
type MemberStore interface {
	// UpsertActiveMember inserts a new member snapshot or no-ops if the key is already
	// active in this batch.
	UpsertActiveMember(ctx context.Context, member *BatchMember) (id int64, inserted bool, err error)
	// MarkMemberRemoved transitions a member to removed status by (batchID, memberKey).
	MarkMemberRemoved(ctx context.Context, batchID int64, memberKey string) error
	// MarkMemberFailed transitions a member to failed status.
	MarkMemberFailed(ctx context.Context, memberID int64) error
	// MergeWorkerData merges new key/value pairs into worker_data_json, keys overwrite.
	MergeWorkerData(ctx context.Context, memberID int64, updates map[string]any) error
	// ListActiveMembers returns every active member of a batch.
	ListActiveMembers(ctx context.Context, batchID int64) ([]*BatchMember, error)
	// GetMember retrieves one member by id.
	GetMember(ctx context.Context, memberID int64) (*BatchMember, error)
}

// PhaseExecutionStore manages phase execution records.
type PhaseExecutionStore interface {
	CreatePhaseExecution(ctx context.Context, pe *PhaseExecution) (int64, error)
	GetPhaseExecution(ctx context.Context, id int64) (*PhaseExecution, error)
	// ListDuePhaseExecutions returns phase executions in PhasePending with due_at <= now,
	// ascending by offset_minutes, for one batch.
	ListDuePhaseExecutions(ctx context.Context, batchID int64, now time.Time) ([]*PhaseExecution, error)
	// ListPhaseExecutionsByBatch returns all phase executions for a batch, used by
	// progression's CheckBatchCompletion.
	ListPhaseExecutionsByBatch(ctx context.Context, batchID int64) ([]*PhaseExecution, error)
	// UpdatePhaseExecutionStatus is a guarded UPDATE; see BatchStore.UpdateBatchStatus.
	UpdatePhaseExecutionStatus(ctx context.Context, id int64, fromStatus, toStatus string) (bool, error)
}

// StepExecutionStore manages step execution records.
type StepExecutionStore interface {
	CreateStepExecution(ctx context.Context, se *StepExecution) (int64, error)
	GetStepExecution(ctx context.Context, id int64) (*StepExecution, error)
	// ListStepExecutionsByPhaseAndMember returns the step executions already created for
	// (phaseExecutionID, memberID), used for PhaseDueHandler/MemberAddedHandler
	// idempotency checks.
	ListStepExecutionsByPhaseAndMember(ctx context.Context, phaseExecutionID, memberID int64) ([]*StepExecution, error)
	// ListStepExecutionsByPhase returns every step execution in a phase, used by
	// CheckPhaseCompletion.
	ListStepExecutionsByPhase(ctx context.Context, phaseExecutionID int64) ([]*StepExecution, error)
	// ListNonTerminalStepExecutionsByMember returns a member's non-terminal step
	// executions across every phase of its batch, for HandleMemberFailure /
	// MemberRemovedHandler.
	ListNonTerminalStepExecutionsByMember(ctx context.Context, memberID int64) ([]*StepExecution, error)
	// ListPollingDueSteps returns polling executions with last_polled_at+interval <= now.
	ListPollingDueSteps(ctx context.Context, now time.Time) ([]*StepExecution, error)
	// ListRetryDueSteps returns pending executions with retry_count>0 and retry_after <= now.
	ListRetryDueSteps(ctx context.Context, now time.Time) ([]*StepExecution, error)
	// UpdateStepExecutionStatus is a guarded UPDATE; see BatchStore.UpdateBatchStatus.
	UpdateStepExecutionStatus(ctx context.Context, id int64, fromStatus, toStatus string) (bool, error)
	// SetStepDispatched records job_id/dispatched_at and transitions to ExecDispatched.
	SetStepDispatched(ctx context.Context, id int64, jobID string, dispatchedAt time.Time) error
	// SetStepPolling records poll_started_at/last_polled_at and transitions to ExecPolling.
	SetStepPolling(ctx context.Context, id int64, startedAt, lastPolledAt time.Time) error
	// SetStepPollTick bumps poll_count/last_polled_at without a status change.
	SetStepPollTick(ctx context.Context, id int64, lastPolledAt time.Time) error
	// SetStepSucceeded stores result_json and transitions to ExecSucceeded.
	SetStepSucceeded(ctx context.Context, id int64, resultJSON string, completedAt time.Time) error
	// SetStepRetryPending resets to ExecPending, increments retry_count, and sets retry_after.
	SetStepRetryPending(ctx context.Context, id int64, retryAfter time.Time) error
	// SetStepFailed records error_message and transitions to ExecFailed.
	SetStepFailed(ctx context.Context, id int64, errorMessage string) error
	// SetStepPollTimeout transitions to ExecPollTimeout.
	SetStepPollTimeout(ctx context.Context, id int64) error
	// CancelStepExecutions transitions every non-terminal step execution in ids to
	// ExecCancelled.
	CancelStepExecutions(ctx context.Context, ids []int64) error
}

// InitExecutionStore is the InitExecution analogue of StepExecutionStore.
type InitExecutionStore interface {
	CreateInitExecution(ctx context.Context, ie *InitExecution) (int64, error)
	GetInitExecution(ctx context.Context, id int64) (*InitExecution, error)
	ListInitExecutionsByBatch(ctx context.Context, batchID int64) ([]*InitExecution, error)
	ListPollingDueInits(ctx context.Context, now time.Time) ([]*InitExecution, error)
	ListRetryDueInits(ctx context.Context, now time.Time) ([]*InitExecution, error)
	UpdateInitExecutionStatus(ctx context.Context, id int64, fromStatus, toStatus string) (bool, error)
	SetInitDispatched(ctx context.Context, id int64, jobID string, dispatchedAt time.Time) error
	SetInitPolling(ctx context.Context, id int64, startedAt, lastPolledAt time.Time) error
	SetInitPollTick(ctx context.Context, id int64, lastPolledAt time.Time) error
	SetInitSucceeded(ctx context.Context, id int64, resultJSON string, completedAt time.Time) error
	SetInitRetryPending(ctx context.Context, id int64, retryAfter time.Time) error
	SetInitFailed(ctx context.Context, id int64, errorMessage string) error
	SetInitPollTimeout(ctx context.Context, id int64) error
}

// Store composes every segregated interface into the full-featured backend
// used by scheduler and orchestrator commands.
type Store interface {
	RunbookStore
	BatchStore
	MemberStore
	PhaseExecutionStore
	StepExecutionStore
	InitExecutionStore
	io.Closer
}

// Locker is an optional capability: backends that can serialize per-runbook
// scheduler ticks implement it: the postgres backend via advisory lock, and
// the memory backend with an in-process lock only. The sqlite backend does
// not implement it.
type Locker interface {
	// TryLock attempts to acquire the per-runbook advisory lock, returning false
	// if another process already holds it. The lock is released at tick end via
	// the returned release func, or automatically if the connection is lost.
	TryLock(ctx context.Context, runbookID int64) (acquired bool, release func(), err error)
}
