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

// Package memory provides an in-process, map-backed store for tests and
// single-process demos. It also satisfies store.Locker with an in-process
// keyed mutex, since a single memory store never spans processes.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/owenmpls/runbookd/internal/store"
)

var (
	_ store.Store  = (*Store)(nil)
	_ store.Locker = (*Store)(nil)
)

// Store is an in-memory implementation of store.Store. A single mutex
// guards every map; contention here is never the bottleneck this backend
// is used for.
type Store struct {
	mu sync.Mutex

	runbooks   map[int64]*store.Runbook
	batches    map[int64]*store.Batch
	members    map[int64]*store.BatchMember
	phaseExecs map[int64]*store.PhaseExecution
	stepExecs  map[int64]*store.StepExecution
	initExecs  map[int64]*store.InitExecution
	nextID     int64

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		runbooks:   make(map[int64]*store.Runbook),
		batches:    make(map[int64]*store.Batch),
		members:    make(map[int64]*store.BatchMember),
		phaseExecs: make(map[int64]*store.PhaseExecution),
		stepExecs:  make(map[int64]*store.StepExecution),
		initExecs:  make(map[int64]*store.InitExecution),
		locks:      make(map[int64]*sync.Mutex),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) allocID() int64 {
	s.nextID++
	return s.nextID
}

// TryLock implements store.Locker with a per-runbook in-process mutex. It
// never blocks: if the lock is already held, acquired is false.
func (s *Store) TryLock(ctx context.Context, runbookID int64) (bool, func(), error) {
	s.locksMu.Lock()
	lock, ok := s.locks[runbookID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[runbookID] = lock
	}
	s.locksMu.Unlock()

	if !lock.TryLock() {
		return false, nil, nil
	}
	return true, lock.Unlock, nil
}

// PutRunbook is a test/seed helper; this store never creates runbooks on its
// own since publishing a new runbook version is an out-of-scope operator
// action.
func (s *Store) PutRunbook(rb *store.Runbook) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rb.ID == 0 {
		rb.ID = s.allocID()
	}
	cp := *rb
	s.runbooks[rb.ID] = &cp
	return rb.ID
}

// --- RunbookStore ---

func (s *Store) GetActiveByName(ctx context.Context, name string) (*store.Runbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rb := range s.runbooks {
		if rb.Name == name && rb.IsActive {
			cp := *rb
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("no active runbook named %q", name)
}

func (s *Store) GetRunbook(ctx context.Context, id int64) (*store.Runbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rb, ok := s.runbooks[id]
	if !ok {
		return nil, fmt.Errorf("runbook %d not found", id)
	}
	cp := *rb
	return &cp, nil
}

func (s *Store) ListActiveRunbooks(ctx context.Context) ([]*store.Runbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Runbook
	for _, rb := range s.runbooks {
		if rb.IsActive {
			cp := *rb
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateRunbookLastError(ctx context.Context, runbookID int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rb, ok := s.runbooks[runbookID]
	if !ok {
		return fmt.Errorf("runbook %d not found", runbookID)
	}
	rb.LastError = message
	return nil
}

func (s *Store) SetIgnoreOverdueApplied(ctx context.Context, runbookID int64, applied bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rb, ok := s.runbooks[runbookID]
	if !ok {
		return fmt.Errorf("runbook %d not found", runbookID)
	}
	rb.IgnoreOverdueApplied = applied
	return nil
}

// --- BatchStore ---

func (s *Store) CreateBatch(ctx context.Context, batch *store.Batch) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch.ID = s.allocID()
	if batch.Status == "" {
		batch.Status = store.BatchDetected
	}
	cp := *batch
	s.batches[batch.ID] = &cp
	return batch.ID, nil
}

func (s *Store) GetBatch(ctx context.Context, id int64) (*store.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %d not found", id)
	}
	cp := *b
	return &cp, nil
}

func (s *Store) GetBatchByAnchor(ctx context.Context, runbookID int64, batchStartTime time.Time) (*store.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		if b.RunbookID == runbookID && b.BatchStartTime.Equal(batchStartTime) {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) ListNonTerminalBatches(ctx context.Context, runbookID int64) ([]*store.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Batch
	for _, b := range s.batches {
		if b.RunbookID == runbookID && b.Status != store.BatchCompleted && b.Status != store.BatchFailed {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateBatchStatus(ctx context.Context, batchID int64, fromStatus, toStatus string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok || b.Status != fromStatus {
		return false, nil
	}
	b.Status = toStatus
	return true, nil
}

// --- MemberStore ---

func (s *Store) UpsertActiveMember(ctx context.Context, member *store.BatchMember) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.BatchID == member.BatchID && m.MemberKey == member.MemberKey && m.Status == store.MemberActive {
			return m.ID, false, nil
		}
	}
	member.ID = s.allocID()
	if member.Status == "" {
		member.Status = store.MemberActive
	}
	cp := *member
	s.members[member.ID] = &cp
	return member.ID, true, nil
}

func (s *Store) MarkMemberRemoved(ctx context.Context, batchID int64, memberKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, m := range s.members {
		if m.BatchID == batchID && m.MemberKey == memberKey && m.Status == store.MemberActive {
			m.Status = store.MemberRemoved
			m.RemovedAt = &now
			return nil
		}
	}
	return fmt.Errorf("active member %q not found in batch %d", memberKey, batchID)
}

func (s *Store) MarkMemberFailed(ctx context.Context, memberID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberID]
	if !ok {
		return fmt.Errorf("member %d not found", memberID)
	}
	now := time.Now()
	m.Status = store.MemberFailed
	m.FailedAt = &now
	return nil
}

func (s *Store) MergeWorkerData(ctx context.Context, memberID int64, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberID]
	if !ok {
		return fmt.Errorf("member %d not found", memberID)
	}
	current := map[string]any{}
	if m.WorkerDataJSON != "" {
		if err := json.Unmarshal([]byte(m.WorkerDataJSON), &current); err != nil {
			return fmt.Errorf("decode worker_data_json: %w", err)
		}
	}
	for k, v := range updates {
		current[k] = v
	}
	encoded, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("encode worker_data_json: %w", err)
	}
	m.WorkerDataJSON = string(encoded)
	return nil
}

func (s *Store) ListActiveMembers(ctx context.Context, batchID int64) ([]*store.BatchMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.BatchMember
	for _, m := range s.members {
		if m.BatchID == batchID && m.Status == store.MemberActive {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetMember(ctx context.Context, memberID int64) (*store.BatchMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberID]
	if !ok {
		return nil, fmt.Errorf("member %d not found", memberID)
	}
	cp := *m
	return &cp, nil
}

// --- PhaseExecutionStore ---

func (s *Store) CreatePhaseExecution(ctx context.Context, pe *store.PhaseExecution) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pe.ID = s.allocID()
	if pe.Status == "" {
		pe.Status = store.PhasePending
	}
	cp := *pe
	s.phaseExecs[pe.ID] = &cp
	return pe.ID, nil
}

func (s *Store) GetPhaseExecution(ctx context.Context, id int64) (*store.PhaseExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pe, ok := s.phaseExecs[id]
	if !ok {
		return nil, fmt.Errorf("phase execution %d not found", id)
	}
	cp := *pe
	return &cp, nil
}

func (s *Store) ListDuePhaseExecutions(ctx context.Context, batchID int64, now time.Time) ([]*store.PhaseExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.PhaseExecution
	for _, pe := range s.phaseExecs {
		if pe.BatchID == batchID && pe.Status == store.PhasePending && !pe.DueAt.After(now) {
			cp := *pe
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OffsetMinutes < out[j].OffsetMinutes })
	return out, nil
}

func (s *Store) ListPhaseExecutionsByBatch(ctx context.Context, batchID int64) ([]*store.PhaseExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.PhaseExecution
	for _, pe := range s.phaseExecs {
		if pe.BatchID == batchID {
			cp := *pe
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdatePhaseExecutionStatus(ctx context.Context, id int64, fromStatus, toStatus string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pe, ok := s.phaseExecs[id]
	if !ok || pe.Status != fromStatus {
		return false, nil
	}
	pe.Status = toStatus
	return true, nil
}

// --- StepExecutionStore ---

func (s *Store) CreateStepExecution(ctx context.Context, se *store.StepExecution) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se.ID = s.allocID()
	if se.Status == "" {
		se.Status = store.ExecPending
	}
	cp := *se
	s.stepExecs[se.ID] = &cp
	return se.ID, nil
}

func (s *Store) GetStepExecution(ctx context.Context, id int64) (*store.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.stepExecs[id]
	if !ok {
		return nil, fmt.Errorf("step execution %d not found", id)
	}
	cp := *se
	return &cp, nil
}

func (s *Store) ListStepExecutionsByPhaseAndMember(ctx context.Context, phaseExecutionID, memberID int64) ([]*store.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.StepExecution
	for _, se := range s.stepExecs {
		if se.PhaseExecutionID == phaseExecutionID && se.BatchMemberID == memberID {
			cp := *se
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (s *Store) ListStepExecutionsByPhase(ctx context.Context, phaseExecutionID int64) ([]*store.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.StepExecution
	for _, se := range s.stepExecs {
		if se.PhaseExecutionID == phaseExecutionID {
			cp := *se
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListNonTerminalStepExecutionsByMember(ctx context.Context, memberID int64) ([]*store.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.StepExecution
	for _, se := range s.stepExecs {
		if se.BatchMemberID != memberID {
			continue
		}
		switch se.Status {
		case store.ExecSucceeded, store.ExecFailed, store.ExecCancelled, store.ExecPollTimeout:
			continue
		}
		cp := *se
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListPollingDueSteps(ctx context.Context, now time.Time) ([]*store.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.StepExecution
	for _, se := range s.stepExecs {
		if se.Status != store.ExecPolling || se.LastPolledAt == nil {
			continue
		}
		due := se.LastPolledAt.Add(time.Duration(se.PollIntervalSec) * time.Second)
		if !due.After(now) {
			cp := *se
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListRetryDueSteps(ctx context.Context, now time.Time) ([]*store.StepExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.StepExecution
	for _, se := range s.stepExecs {
		if se.Status != store.ExecPending || se.RetryCount == 0 || se.RetryAfter == nil {
			continue
		}
		if !se.RetryAfter.After(now) {
			cp := *se
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateStepExecutionStatus(ctx context.Context, id int64, fromStatus, toStatus string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.stepExecs[id]
	if !ok || se.Status != fromStatus {
		return false, nil
	}
	se.Status = toStatus
	return true, nil
}

func (s *Store) SetStepDispatched(ctx context.Context, id int64, jobID string, dispatchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.stepExecs[id]
	if !ok {
		return fmt.Errorf("step execution %d not found", id)
	}
	se.JobID = jobID
	se.DispatchedAt = &dispatchedAt
	se.Status = store.ExecDispatched
	return nil
}

func (s *Store) SetStepPolling(ctx context.Context, id int64, startedAt, lastPolledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.stepExecs[id]
	if !ok {
		return fmt.Errorf("step execution %d not found", id)
	}
	se.PollStartedAt = &startedAt
	se.LastPolledAt = &lastPolledAt
	se.Status = store.ExecPolling
	return nil
}

func (s *Store) SetStepPollTick(ctx context.Context, id int64, lastPolledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.stepExecs[id]
	if !ok {
		return fmt.Errorf("step execution %d not found", id)
	}
	se.LastPolledAt = &lastPolledAt
	se.PollCount++
	return nil
}

func (s *Store) SetStepSucceeded(ctx context.Context, id int64, resultJSON string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.stepExecs[id]
	if !ok {
		return fmt.Errorf("step execution %d not found", id)
	}
	se.ResultJSON = resultJSON
	se.CompletedAt = &completedAt
	se.Status = store.ExecSucceeded
	return nil
}

func (s *Store) SetStepRetryPending(ctx context.Context, id int64, retryAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.stepExecs[id]
	if !ok {
		return fmt.Errorf("step execution %d not found", id)
	}
	se.Status = store.ExecPending
	se.RetryCount++
	se.RetryAfter = &retryAfter
	return nil
}

func (s *Store) SetStepFailed(ctx context.Context, id int64, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.stepExecs[id]
	if !ok {
		return fmt.Errorf("step execution %d not found", id)
	}
	se.ErrorMessage = errorMessage
	se.Status = store.ExecFailed
	return nil
}

func (s *Store) SetStepPollTimeout(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.stepExecs[id]
	if !ok {
		return fmt.Errorf("step execution %d not found", id)
	}
	se.Status = store.ExecPollTimeout
	return nil
}

func (s *Store) CancelStepExecutions(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		se, ok := s.stepExecs[id]
		if !ok {
			continue
		}
		switch se.Status {
		case store.ExecSucceeded, store.ExecFailed, store.ExecCancelled, store.ExecPollTimeout:
			continue
		}
		se.Status = store.ExecCancelled
	}
	return nil
}

// --- InitExecutionStore ---

func (s *Store) CreateInitExecution(ctx context.Context, ie *store.InitExecution) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ie.ID = s.allocID()
	if ie.Status == "" {
		ie.Status = store.ExecPending
	}
	cp := *ie
	s.initExecs[ie.ID] = &cp
	return ie.ID, nil
}

func (s *Store) GetInitExecution(ctx context.Context, id int64) (*store.InitExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ie, ok := s.initExecs[id]
	if !ok {
		return nil, fmt.Errorf("init execution %d not found", id)
	}
	cp := *ie
	return &cp, nil
}

func (s *Store) ListInitExecutionsByBatch(ctx context.Context, batchID int64) ([]*store.InitExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.InitExecution
	for _, ie := range s.initExecs {
		if ie.BatchID == batchID {
			cp := *ie
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (s *Store) ListPollingDueInits(ctx context.Context, now time.Time) ([]*store.InitExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.InitExecution
	for _, ie := range s.initExecs {
		if ie.Status != store.ExecPolling || ie.LastPolledAt == nil {
			continue
		}
		due := ie.LastPolledAt.Add(time.Duration(ie.PollIntervalSec) * time.Second)
		if !due.After(now) {
			cp := *ie
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListRetryDueInits(ctx context.Context, now time.Time) ([]*store.InitExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.InitExecution
	for _, ie := range s.initExecs {
		if ie.Status != store.ExecPending || ie.RetryCount == 0 || ie.RetryAfter == nil {
			continue
		}
		if !ie.RetryAfter.After(now) {
			cp := *ie
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateInitExecutionStatus(ctx context.Context, id int64, fromStatus, toStatus string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ie, ok := s.initExecs[id]
	if !ok || ie.Status != fromStatus {
		return false, nil
	}
	ie.Status = toStatus
	return true, nil
}

func (s *Store) SetInitDispatched(ctx context.Context, id int64, jobID string, dispatchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ie, ok := s.initExecs[id]
	if !ok {
		return fmt.Errorf("init execution %d not found", id)
	}
	ie.JobID = jobID
	ie.DispatchedAt = &dispatchedAt
	ie.Status = store.ExecDispatched
	return nil
}

func (s *Store) SetInitPolling(ctx context.Context, id int64, startedAt, lastPolledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ie, ok := s.initExecs[id]
	if !ok {
		return fmt.Errorf("init execution %d not found", id)
	}
	ie.PollStartedAt = &startedAt
	ie.LastPolledAt = &lastPolledAt
	ie.Status = store.ExecPolling
	return nil
}

func (s *Store) SetInitPollTick(ctx context.Context, id int64, lastPolledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ie, ok := s.initExecs[id]
	if !ok {
		return fmt.Errorf("init execution %d not found", id)
	}
	ie.LastPolledAt = &lastPolledAt
	ie.PollCount++
	return nil
}

func (s *Store) SetInitSucceeded(ctx context.Context, id int64, resultJSON string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ie, ok := s.initExecs[id]
	if !ok {
		return fmt.Errorf("init execution %d not found", id)
	}
	ie.ResultJSON = resultJSON
	ie.CompletedAt = &completedAt
	ie.Status = store.ExecSucceeded
	return nil
}

func (s *Store) SetInitRetryPending(ctx context.Context, id int64, retryAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ie, ok := s.initExecs[id]
	if !ok {
		return fmt.Errorf("init execution %d not found", id)
	}
	ie.Status = store.ExecPending
	ie.RetryCount++
	ie.RetryAfter = &retryAfter
	return nil
}

func (s *Store) SetInitFailed(ctx context.Context, id int64, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ie, ok := s.initExecs[id]
	if !ok {
		return fmt.Errorf("init execution %d not found", id)
	}
	ie.ErrorMessage = errorMessage
	ie.Status = store.ExecFailed
	return nil
}

func (s *Store) SetInitPollTimeout(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ie, ok := s.initExecs[id]
	if !ok {
		return fmt.Errorf("init execution %d not found", id)
	}
	ie.Status = store.ExecPollTimeout
	return nil
}
