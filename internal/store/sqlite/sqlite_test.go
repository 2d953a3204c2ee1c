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

package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/owenmpls/runbookd/internal/store"
)

// createTestBackend creates a SQLite backend for testing in a temporary directory.
func createTestBackend(t *testing.T) (*Backend, string) {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	cfg := Config{
		Path: dbPath,
		WAL:  true,
	}

	be, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}

	return be, dbPath
}

// insertRunbook inserts a runbook row directly, since RunbookStore exposes
// only reads/updates -- publishing a runbook is the management API's job,
// not something this package's interface models.
func insertRunbook(t *testing.T, be *Backend, name string, version int, active bool) int64 {
	t.Helper()

	res, err := be.db.Exec(`
		INSERT INTO runbooks (name, version, yaml, data_table_name, is_active, overdue_behavior,
			rerun_init, ignore_overdue_applied, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		name, version, "name: "+name, name+"_members", boolToInt(active), store.OverdueRerun,
		0, 0, nil, formatTime(time.Now()))
	if err != nil {
		t.Fatalf("insert runbook: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("last insert id: %v", err)
	}
	return id
}

func TestSQLiteBackend_GetActiveByName(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	insertRunbook(t, be, "decommission-hosts", 1, false)
	activeID := insertRunbook(t, be, "decommission-hosts", 2, true)

	rb, err := be.GetActiveByName(ctx, "decommission-hosts")
	if err != nil {
		t.Fatalf("GetActiveByName: %v", err)
	}
	if rb.ID != activeID {
		t.Fatalf("got runbook %d, want the active version %d", rb.ID, activeID)
	}
	if rb.Version != 2 {
		t.Fatalf("got version %d, want 2", rb.Version)
	}
}

func TestSQLiteBackend_GetRunbook(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	id := insertRunbook(t, be, "rotate-certs", 1, true)

	rb, err := be.GetRunbook(ctx, id)
	if err != nil {
		t.Fatalf("GetRunbook: %v", err)
	}
	if rb.Name != "rotate-certs" {
		t.Fatalf("got name %q, want rotate-certs", rb.Name)
	}

	if _, err := be.GetRunbook(ctx, id+1000); err == nil {
		t.Fatal("expected error for unknown runbook id")
	}
}

func TestSQLiteBackend_ListActiveRunbooks(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	insertRunbook(t, be, "archive-tickets", 1, true)
	insertRunbook(t, be, "purge-snapshots", 1, true)
	insertRunbook(t, be, "draft-runbook", 1, false)

	runbooks, err := be.ListActiveRunbooks(ctx)
	if err != nil {
		t.Fatalf("ListActiveRunbooks: %v", err)
	}
	if len(runbooks) != 2 {
		t.Fatalf("got %d active runbooks, want 2", len(runbooks))
	}
}

func TestSQLiteBackend_UpdateRunbookLastError(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	id := insertRunbook(t, be, "resize-volumes", 1, true)

	if err := be.UpdateRunbookLastError(ctx, id, "data source timed out"); err != nil {
		t.Fatalf("UpdateRunbookLastError: %v", err)
	}

	rb, err := be.GetRunbook(ctx, id)
	if err != nil {
		t.Fatalf("GetRunbook: %v", err)
	}
	if rb.LastError != "data source timed out" {
		t.Fatalf("got last_error %q, want %q", rb.LastError, "data source timed out")
	}
}

func TestSQLiteBackend_SetIgnoreOverdueApplied(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	id := insertRunbook(t, be, "expire-tokens", 1, true)

	if err := be.SetIgnoreOverdueApplied(ctx, id, true); err != nil {
		t.Fatalf("SetIgnoreOverdueApplied: %v", err)
	}
	rb, err := be.GetRunbook(ctx, id)
	if err != nil {
		t.Fatalf("GetRunbook: %v", err)
	}
	if !rb.IgnoreOverdueApplied {
		t.Fatal("expected ignore_overdue_applied to be set")
	}
}

func TestSQLiteBackend_CreateAndGetBatch(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	runbookID := insertRunbook(t, be, "decommission-hosts", 1, true)
	anchor := time.Now().UTC().Truncate(time.Second)

	batch := &store.Batch{
		RunbookID:      runbookID,
		BatchStartTime: anchor,
		Status:         store.BatchDetected,
		DetectedAt:     time.Now().UTC(),
	}
	id, err := be.CreateBatch(ctx, batch)
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	got, err := be.GetBatch(ctx, id)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got.Status != store.BatchDetected {
		t.Fatalf("got status %q, want %q", got.Status, store.BatchDetected)
	}
	if !got.BatchStartTime.Equal(anchor) {
		t.Fatalf("got batch_start_time %v, want %v", got.BatchStartTime, anchor)
	}
}

func TestSQLiteBackend_GetBatchByAnchor(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	runbookID := insertRunbook(t, be, "decommission-hosts", 1, true)
	anchor := time.Now().UTC().Truncate(time.Second)

	id, err := be.CreateBatch(ctx, &store.Batch{
		RunbookID:      runbookID,
		BatchStartTime: anchor,
		Status:         store.BatchDetected,
		DetectedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	got, err := be.GetBatchByAnchor(ctx, runbookID, anchor)
	if err != nil {
		t.Fatalf("GetBatchByAnchor: %v", err)
	}
	if got.ID != id {
		t.Fatalf("got batch %d, want %d", got.ID, id)
	}

	miss, err := be.GetBatchByAnchor(ctx, runbookID, anchor.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetBatchByAnchor for unknown anchor: %v", err)
	}
	if miss != nil {
		t.Fatalf("got %+v, want nil for an anchor with no batch", miss)
	}
}

func TestSQLiteBackend_ListNonTerminalBatches(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	runbookID := insertRunbook(t, be, "decommission-hosts", 1, true)

	active, err := be.CreateBatch(ctx, &store.Batch{
		RunbookID: runbookID, BatchStartTime: time.Now(), Status: store.BatchActive, DetectedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	done, err := be.CreateBatch(ctx, &store.Batch{
		RunbookID: runbookID, BatchStartTime: time.Now().Add(time.Hour), Status: store.BatchCompleted, DetectedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	batches, err := be.ListNonTerminalBatches(ctx, runbookID)
	if err != nil {
		t.Fatalf("ListNonTerminalBatches: %v", err)
	}
	if len(batches) != 1 || batches[0].ID != active {
		t.Fatalf("got %+v, want only batch %d", batches, active)
	}
	_ = done
}

func TestSQLiteBackend_UpdateBatchStatus(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	runbookID := insertRunbook(t, be, "decommission-hosts", 1, true)
	id, err := be.CreateBatch(ctx, &store.Batch{
		RunbookID: runbookID, BatchStartTime: time.Now(), Status: store.BatchDetected, DetectedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	ok, err := be.UpdateBatchStatus(ctx, id, store.BatchDetected, store.BatchInitDispatched)
	if err != nil {
		t.Fatalf("UpdateBatchStatus: %v", err)
	}
	if !ok {
		t.Fatal("expected guarded update to apply")
	}

	// Stale fromStatus must lose the race.
	ok, err = be.UpdateBatchStatus(ctx, id, store.BatchDetected, store.BatchActive)
	if err != nil {
		t.Fatalf("UpdateBatchStatus: %v", err)
	}
	if ok {
		t.Fatal("expected guarded update with stale fromStatus to no-op")
	}
}

func seedBatch(t *testing.T, be *Backend) (runbookID, batchID int64) {
	t.Helper()
	ctx := context.Background()
	runbookID = insertRunbook(t, be, "decommission-hosts", 1, true)
	batchID, err := be.CreateBatch(ctx, &store.Batch{
		RunbookID: runbookID, BatchStartTime: time.Now(), Status: store.BatchActive, DetectedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	return runbookID, batchID
}

func TestSQLiteBackend_UpsertActiveMember(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	_, batchID := seedBatch(t, be)

	member := &store.BatchMember{
		BatchID:  batchID,
		MemberKey: "host-042",
		DataJSON: `{"region":"us-east-1"}`,
		Status:   store.MemberActive,
		AddedAt:  time.Now().UTC(),
	}
	id, inserted, err := be.UpsertActiveMember(ctx, member)
	if err != nil {
		t.Fatalf("UpsertActiveMember: %v", err)
	}
	if !inserted {
		t.Fatal("expected first upsert to insert")
	}

	id2, inserted2, err := be.UpsertActiveMember(ctx, member)
	if err != nil {
		t.Fatalf("UpsertActiveMember (repeat): %v", err)
	}
	if inserted2 {
		t.Fatal("expected repeat upsert of an already-active member to no-op")
	}
	if id2 != id {
		t.Fatalf("got id %d on repeat, want %d", id2, id)
	}
}

func TestSQLiteBackend_MarkMemberRemovedAndFailed(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	_, batchID := seedBatch(t, be)

	id, _, err := be.UpsertActiveMember(ctx, &store.BatchMember{
		BatchID: batchID, MemberKey: "host-1", Status: store.MemberActive, AddedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("UpsertActiveMember: %v", err)
	}
	if err := be.MarkMemberRemoved(ctx, batchID, "host-1"); err != nil {
		t.Fatalf("MarkMemberRemoved: %v", err)
	}
	m, err := be.GetMember(ctx, id)
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}
	if m.Status != store.MemberRemoved {
		t.Fatalf("got status %q, want %q", m.Status, store.MemberRemoved)
	}
	if m.RemovedAt == nil {
		t.Fatal("expected removed_at to be set")
	}

	id2, _, err := be.UpsertActiveMember(ctx, &store.BatchMember{
		BatchID: batchID, MemberKey: "host-2", Status: store.MemberActive, AddedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("UpsertActiveMember: %v", err)
	}
	if err := be.MarkMemberFailed(ctx, id2); err != nil {
		t.Fatalf("MarkMemberFailed: %v", err)
	}
	m2, err := be.GetMember(ctx, id2)
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}
	if m2.Status != store.MemberFailed || m2.FailedAt == nil {
		t.Fatalf("got %+v, want status failed with failed_at set", m2)
	}
}

func TestSQLiteBackend_MergeWorkerData(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	_, batchID := seedBatch(t, be)

	id, _, err := be.UpsertActiveMember(ctx, &store.BatchMember{
		BatchID: batchID, MemberKey: "host-9", Status: store.MemberActive, AddedAt: time.Now(),
		WorkerDataJSON: `{"snapshot_id":"snap-1"}`,
	})
	if err != nil {
		t.Fatalf("UpsertActiveMember: %v", err)
	}

	if err := be.MergeWorkerData(ctx, id, map[string]any{"volume_id": "vol-7"}); err != nil {
		t.Fatalf("MergeWorkerData: %v", err)
	}

	m, err := be.GetMember(ctx, id)
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}
	if m.WorkerDataJSON == "" {
		t.Fatal("expected worker_data_json to be populated")
	}
}

func TestSQLiteBackend_ListActiveMembers(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	_, batchID := seedBatch(t, be)

	for _, key := range []string{"a", "b", "c"} {
		if _, _, err := be.UpsertActiveMember(ctx, &store.BatchMember{
			BatchID: batchID, MemberKey: key, Status: store.MemberActive, AddedAt: time.Now(),
		}); err != nil {
			t.Fatalf("UpsertActiveMember(%s): %v", key, err)
		}
	}
	if err := be.MarkMemberRemoved(ctx, batchID, "b"); err != nil {
		t.Fatalf("MarkMemberRemoved: %v", err)
	}

	members, err := be.ListActiveMembers(ctx, batchID)
	if err != nil {
		t.Fatalf("ListActiveMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("got %d active members, want 2", len(members))
	}
}

func TestSQLiteBackend_PhaseExecutionLifecycle(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	_, batchID := seedBatch(t, be)

	due := time.Now().Add(-time.Minute)
	id, err := be.CreatePhaseExecution(ctx, &store.PhaseExecution{
		BatchID: batchID, PhaseName: "drain", OffsetMinutes: 60, DueAt: due,
		RunbookVersion: 1, Status: store.PhasePending,
	})
	if err != nil {
		t.Fatalf("CreatePhaseExecution: %v", err)
	}

	due2, err := be.ListDuePhaseExecutions(ctx, batchID, time.Now())
	if err != nil {
		t.Fatalf("ListDuePhaseExecutions: %v", err)
	}
	if len(due2) != 1 || due2[0].ID != id {
		t.Fatalf("got %+v, want only phase execution %d due", due2, id)
	}

	all, err := be.ListPhaseExecutionsByBatch(ctx, batchID)
	if err != nil {
		t.Fatalf("ListPhaseExecutionsByBatch: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d phase executions, want 1", len(all))
	}

	ok, err := be.UpdatePhaseExecutionStatus(ctx, id, store.PhasePending, store.PhaseDispatched)
	if err != nil {
		t.Fatalf("UpdatePhaseExecutionStatus: %v", err)
	}
	if !ok {
		t.Fatal("expected guarded update to apply")
	}

	got, err := be.GetPhaseExecution(ctx, id)
	if err != nil {
		t.Fatalf("GetPhaseExecution: %v", err)
	}
	if got.Status != store.PhaseDispatched {
		t.Fatalf("got status %q, want %q", got.Status, store.PhaseDispatched)
	}
}

func seedStepExecution(t *testing.T, be *Backend) (phaseExecID, memberID, stepID int64) {
	t.Helper()
	ctx := context.Background()
	_, batchID := seedBatch(t, be)

	phaseExecID, err := be.CreatePhaseExecution(ctx, &store.PhaseExecution{
		BatchID: batchID, PhaseName: "drain", OffsetMinutes: 0, DueAt: time.Now(),
		RunbookVersion: 1, Status: store.PhasePending,
	})
	if err != nil {
		t.Fatalf("CreatePhaseExecution: %v", err)
	}
	memberID, _, err = be.UpsertActiveMember(ctx, &store.BatchMember{
		BatchID: batchID, MemberKey: "host-1", Status: store.MemberActive, AddedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("UpsertActiveMember: %v", err)
	}
	stepID, err = be.CreateStepExecution(ctx, &store.StepExecution{
		PhaseExecutionID: phaseExecID, BatchMemberID: memberID, StepName: "drain-host",
		StepIndex: 0, WorkerID: "infra-worker", FunctionName: "drain_host",
		ParamsJSON: `{}`, Status: store.ExecPending,
	})
	if err != nil {
		t.Fatalf("CreateStepExecution: %v", err)
	}
	return phaseExecID, memberID, stepID
}

func TestSQLiteBackend_StepExecutionDispatchAndPoll(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	phaseExecID, memberID, stepID := seedStepExecution(t, be)

	if err := be.SetStepDispatched(ctx, stepID, "job-abc", time.Now()); err != nil {
		t.Fatalf("SetStepDispatched: %v", err)
	}
	se, err := be.GetStepExecution(ctx, stepID)
	if err != nil {
		t.Fatalf("GetStepExecution: %v", err)
	}
	if se.Status != store.ExecDispatched || se.JobID != "job-abc" {
		t.Fatalf("got %+v, want dispatched with job_id job-abc", se)
	}

	if err := be.SetStepPolling(ctx, stepID, time.Now(), time.Now()); err != nil {
		t.Fatalf("SetStepPolling: %v", err)
	}
	if err := be.SetStepPollTick(ctx, stepID, time.Now()); err != nil {
		t.Fatalf("SetStepPollTick: %v", err)
	}

	pollingDue, err := be.ListPollingDueSteps(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListPollingDueSteps: %v", err)
	}
	if len(pollingDue) != 1 || pollingDue[0].ID != stepID {
		t.Fatalf("got %+v, want only step %d due for polling", pollingDue, stepID)
	}

	if err := be.SetStepSucceeded(ctx, stepID, `{"ok":true}`, time.Now()); err != nil {
		t.Fatalf("SetStepSucceeded: %v", err)
	}
	se, err = be.GetStepExecution(ctx, stepID)
	if err != nil {
		t.Fatalf("GetStepExecution: %v", err)
	}
	if se.Status != store.ExecSucceeded || se.ResultJSON != `{"ok":true}` {
		t.Fatalf("got %+v, want succeeded with result json", se)
	}

	byPhaseAndMember, err := be.ListStepExecutionsByPhaseAndMember(ctx, phaseExecID, memberID)
	if err != nil {
		t.Fatalf("ListStepExecutionsByPhaseAndMember: %v", err)
	}
	if len(byPhaseAndMember) != 1 {
		t.Fatalf("got %d step executions, want 1", len(byPhaseAndMember))
	}

	byPhase, err := be.ListStepExecutionsByPhase(ctx, phaseExecID)
	if err != nil {
		t.Fatalf("ListStepExecutionsByPhase: %v", err)
	}
	if len(byPhase) != 1 {
		t.Fatalf("got %d step executions, want 1", len(byPhase))
	}
}

func TestSQLiteBackend_StepExecutionRetryAndFailure(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	_, memberID, stepID := seedStepExecution(t, be)

	if err := be.SetStepRetryPending(ctx, stepID, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("SetStepRetryPending: %v", err)
	}
	retryDue, err := be.ListRetryDueSteps(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListRetryDueSteps: %v", err)
	}
	if len(retryDue) != 1 || retryDue[0].ID != stepID {
		t.Fatalf("got %+v, want only step %d due for retry", retryDue, stepID)
	}
	if retryDue[0].RetryCount != 1 {
		t.Fatalf("got retry_count %d, want 1", retryDue[0].RetryCount)
	}

	if err := be.SetStepFailed(ctx, stepID, "worker unreachable"); err != nil {
		t.Fatalf("SetStepFailed: %v", err)
	}
	se, err := be.GetStepExecution(ctx, stepID)
	if err != nil {
		t.Fatalf("GetStepExecution: %v", err)
	}
	if se.Status != store.ExecFailed || se.ErrorMessage != "worker unreachable" {
		t.Fatalf("got %+v, want failed with error message", se)
	}

	nonTerminal, err := be.ListNonTerminalStepExecutionsByMember(ctx, memberID)
	if err != nil {
		t.Fatalf("ListNonTerminalStepExecutionsByMember: %v", err)
	}
	if len(nonTerminal) != 0 {
		t.Fatalf("got %d non-terminal executions, want 0 (failed is terminal)", len(nonTerminal))
	}
}

func TestSQLiteBackend_StepExecutionPollTimeoutAndCancel(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	_, _, stepID := seedStepExecution(t, be)

	if err := be.SetStepPollTimeout(ctx, stepID); err != nil {
		t.Fatalf("SetStepPollTimeout: %v", err)
	}
	se, err := be.GetStepExecution(ctx, stepID)
	if err != nil {
		t.Fatalf("GetStepExecution: %v", err)
	}
	if se.Status != store.ExecPollTimeout {
		t.Fatalf("got status %q, want %q", se.Status, store.ExecPollTimeout)
	}

	_, _, stepID2 := seedStepExecution(t, be)
	if err := be.CancelStepExecutions(ctx, []int64{stepID2}); err != nil {
		t.Fatalf("CancelStepExecutions: %v", err)
	}
	se2, err := be.GetStepExecution(ctx, stepID2)
	if err != nil {
		t.Fatalf("GetStepExecution: %v", err)
	}
	if se2.Status != store.ExecCancelled {
		t.Fatalf("got status %q, want %q", se2.Status, store.ExecCancelled)
	}
}

func seedInitExecution(t *testing.T, be *Backend) (batchID, initID int64) {
	t.Helper()
	ctx := context.Background()
	_, batchID = seedBatch(t, be)
	initID, err := be.CreateInitExecution(ctx, &store.InitExecution{
		BatchID: batchID, StepName: "snapshot-volume", StepIndex: 0,
		WorkerID: "infra-worker", FunctionName: "snapshot_volume",
		ParamsJSON: `{}`, Status: store.ExecPending,
	})
	if err != nil {
		t.Fatalf("CreateInitExecution: %v", err)
	}
	return batchID, initID
}

func TestSQLiteBackend_InitExecutionLifecycle(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	batchID, initID := seedInitExecution(t, be)

	byBatch, err := be.ListInitExecutionsByBatch(ctx, batchID)
	if err != nil {
		t.Fatalf("ListInitExecutionsByBatch: %v", err)
	}
	if len(byBatch) != 1 || byBatch[0].ID != initID {
		t.Fatalf("got %+v, want only init execution %d", byBatch, initID)
	}

	if err := be.SetInitDispatched(ctx, initID, "job-init-1", time.Now()); err != nil {
		t.Fatalf("SetInitDispatched: %v", err)
	}
	if err := be.SetInitPolling(ctx, initID, time.Now(), time.Now()); err != nil {
		t.Fatalf("SetInitPolling: %v", err)
	}
	if err := be.SetInitPollTick(ctx, initID, time.Now()); err != nil {
		t.Fatalf("SetInitPollTick: %v", err)
	}
	pollingDue, err := be.ListPollingDueInits(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListPollingDueInits: %v", err)
	}
	if len(pollingDue) != 1 {
		t.Fatalf("got %d polling-due inits, want 1", len(pollingDue))
	}

	if err := be.SetInitSucceeded(ctx, initID, `{"snapshot_id":"snap-9"}`, time.Now()); err != nil {
		t.Fatalf("SetInitSucceeded: %v", err)
	}
	ie, err := be.GetInitExecution(ctx, initID)
	if err != nil {
		t.Fatalf("GetInitExecution: %v", err)
	}
	if ie.Status != store.ExecSucceeded {
		t.Fatalf("got status %q, want %q", ie.Status, store.ExecSucceeded)
	}

	ok, err := be.UpdateInitExecutionStatus(ctx, initID, store.ExecSucceeded, store.ExecFailed)
	if err != nil {
		t.Fatalf("UpdateInitExecutionStatus: %v", err)
	}
	if !ok {
		t.Fatal("expected guarded update to apply")
	}
}

func TestSQLiteBackend_InitExecutionRetryAndFailure(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	ctx := context.Background()
	_, initID := seedInitExecution(t, be)

	if err := be.SetInitRetryPending(ctx, initID, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("SetInitRetryPending: %v", err)
	}
	retryDue, err := be.ListRetryDueInits(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListRetryDueInits: %v", err)
	}
	if len(retryDue) != 1 || retryDue[0].ID != initID {
		t.Fatalf("got %+v, want only init %d due for retry", retryDue, initID)
	}

	if err := be.SetInitFailed(ctx, initID, "snapshot API unavailable"); err != nil {
		t.Fatalf("SetInitFailed: %v", err)
	}
	ie, err := be.GetInitExecution(ctx, initID)
	if err != nil {
		t.Fatalf("GetInitExecution: %v", err)
	}
	if ie.Status != store.ExecFailed || ie.ErrorMessage != "snapshot API unavailable" {
		t.Fatalf("got %+v, want failed with error message", ie)
	}

	_, initID2 := seedInitExecution(t, be)
	if err := be.SetInitPollTimeout(ctx, initID2); err != nil {
		t.Fatalf("SetInitPollTimeout: %v", err)
	}
	ie2, err := be.GetInitExecution(ctx, initID2)
	if err != nil {
		t.Fatalf("GetInitExecution: %v", err)
	}
	if ie2.Status != store.ExecPollTimeout {
		t.Fatalf("got status %q, want %q", ie2.Status, store.ExecPollTimeout)
	}
}

func TestSQLiteBackend_Persistence(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "persist.db")

	be, err := New(Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	runbookID := insertRunbook(t, be, "rotate-certs", 1, true)
	batchID, err := be.CreateBatch(context.Background(), &store.Batch{
		RunbookID: runbookID, BatchStartTime: time.Now(), Status: store.BatchDetected, DetectedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if err := be.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("failed to reopen backend: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetBatch(context.Background(), batchID)
	if err != nil {
		t.Fatalf("GetBatch after reopen: %v", err)
	}
	if got.RunbookID != runbookID {
		t.Fatalf("got runbook_id %d, want %d", got.RunbookID, runbookID)
	}
}

func TestSQLiteBackend_WALMode(t *testing.T) {
	be, dbPath := createTestBackend(t)
	defer be.Close()

	walPath := dbPath + "-wal"
	if _, err := os.Stat(walPath); err != nil {
		t.Fatalf("expected WAL file to exist at %s: %v", walPath, err)
	}
}

func TestSQLiteBackend_ForeignKeyConstraints(t *testing.T) {
	be, _ := createTestBackend(t)
	defer be.Close()

	// A batch referencing a nonexistent runbook must be rejected once
	// foreign_keys enforcement is on (configurePragmas enables it).
	_, err := be.CreateBatch(context.Background(), &store.Batch{
		RunbookID: 9999, BatchStartTime: time.Now(), Status: store.BatchDetected, DetectedAt: time.Now(),
	})
	if err == nil {
		t.Fatal("expected foreign key violation inserting a batch for an unknown runbook")
	}
}
