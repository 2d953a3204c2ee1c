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

// Package sqlite provides a SQLite backend for single-node deployments. It
// satisfies store.Store but not store.Locker: SQLite serializes writes at
// the connection-pool level (one open connection), which is sufficient for
// a single scheduler process but gives no cross-process guarantee.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/owenmpls/runbookd/internal/store"
	_ "modernc.org/sqlite"
)

var _ store.Store = (*Backend)(nil)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string
	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens a SQLite database and runs migrations.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	b := &Backend{db: db}
	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runbooks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			yaml TEXT NOT NULL,
			data_table_name TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0,
			overdue_behavior TEXT NOT NULL,
			rerun_init INTEGER NOT NULL DEFAULT 0,
			ignore_overdue_applied INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TEXT NOT NULL,
			UNIQUE(name, version)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runbooks_active_name ON runbooks(name) WHERE is_active = 1`,
		`CREATE TABLE IF NOT EXISTS batches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			runbook_id INTEGER NOT NULL REFERENCES runbooks(id),
			batch_start_time TEXT NOT NULL,
			status TEXT NOT NULL,
			is_manual INTEGER NOT NULL DEFAULT 0,
			created_by TEXT,
			current_phase TEXT,
			detected_at TEXT NOT NULL,
			init_dispatched_at TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_batches_anchor ON batches(runbook_id, batch_start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(runbook_id, status)`,
		`CREATE TABLE IF NOT EXISTS batch_members (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id INTEGER NOT NULL REFERENCES batches(id),
			member_key TEXT NOT NULL,
			data_json TEXT NOT NULL DEFAULT '{}',
			worker_data_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			added_at TEXT NOT NULL,
			removed_at TEXT,
			failed_at TEXT,
			add_dispatched_at TEXT,
			remove_dispatched_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_members_batch_key_status ON batch_members(batch_id, member_key, status)`,
		`CREATE TABLE IF NOT EXISTS phase_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id INTEGER NOT NULL REFERENCES batches(id),
			phase_name TEXT NOT NULL,
			offset_minutes INTEGER NOT NULL,
			due_at TEXT NOT NULL,
			runbook_version INTEGER NOT NULL,
			status TEXT NOT NULL,
			dispatched_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_phase_execs_batch ON phase_executions(batch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_phase_execs_due ON phase_executions(batch_id, status, due_at)`,
		`CREATE TABLE IF NOT EXISTS step_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			phase_execution_id INTEGER NOT NULL REFERENCES phase_executions(id),
			batch_member_id INTEGER NOT NULL REFERENCES batch_members(id),
			step_name TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			worker_id TEXT NOT NULL,
			function_name TEXT NOT NULL,
			params_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			job_id TEXT,
			result_json TEXT,
			error_message TEXT,
			dispatched_at TEXT,
			completed_at TEXT,
			is_poll_step INTEGER NOT NULL DEFAULT 0,
			poll_interval_sec INTEGER NOT NULL DEFAULT 0,
			poll_timeout_sec INTEGER NOT NULL DEFAULT 0,
			poll_started_at TEXT,
			last_polled_at TEXT,
			poll_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			retry_interval_sec INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			retry_after TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_execs_phase_member ON step_executions(phase_execution_id, batch_member_id)`,
		`CREATE INDEX IF NOT EXISTS idx_step_execs_member ON step_executions(batch_member_id)`,
		`CREATE INDEX IF NOT EXISTS idx_step_execs_polling ON step_executions(status, last_polled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_step_execs_retry ON step_executions(status, retry_count, retry_after)`,
		`CREATE TABLE IF NOT EXISTS init_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id INTEGER NOT NULL REFERENCES batches(id),
			step_name TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			worker_id TEXT NOT NULL,
			function_name TEXT NOT NULL,
			params_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			job_id TEXT,
			result_json TEXT,
			error_message TEXT,
			dispatched_at TEXT,
			completed_at TEXT,
			is_poll_step INTEGER NOT NULL DEFAULT 0,
			poll_interval_sec INTEGER NOT NULL DEFAULT 0,
			poll_timeout_sec INTEGER NOT NULL DEFAULT 0,
			poll_started_at TEXT,
			last_polled_at TEXT,
			poll_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			retry_interval_sec INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			retry_after TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_init_execs_batch ON init_executions(batch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_init_execs_polling ON init_executions(status, last_polled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_init_execs_retry ON init_executions(status, retry_count, retry_after)`,
	}
	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (b *Backend) Close() error { return b.db.Close() }

// --- time helpers ---

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// --- RunbookStore ---

func (b *Backend) GetActiveByName(ctx context.Context, name string) (*store.Runbook, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, name, version, yaml, data_table_name, is_active, overdue_behavior,
			rerun_init, ignore_overdue_applied, last_error, created_at
		FROM runbooks WHERE name = ? AND is_active = 1`, name)
	return scanRunbook(row)
}

func (b *Backend) GetRunbook(ctx context.Context, id int64) (*store.Runbook, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, name, version, yaml, data_table_name, is_active, overdue_behavior,
			rerun_init, ignore_overdue_applied, last_error, created_at
		FROM runbooks WHERE id = ?`, id)
	return scanRunbook(row)
}

func (b *Backend) ListActiveRunbooks(ctx context.Context) ([]*store.Runbook, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, name, version, yaml, data_table_name, is_active, overdue_behavior,
			rerun_init, ignore_overdue_applied, last_error, created_at
		FROM runbooks WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active runbooks: %w", err)
	}
	defer rows.Close()

	var out []*store.Runbook
	for rows.Next() {
		rb, err := scanRunbook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rb)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunbook(row rowScanner) (*store.Runbook, error) {
	var rb store.Runbook
	var isActive, rerunInit, ignoreApplied int
	var lastError sql.NullString
	var createdAt string

	err := row.Scan(&rb.ID, &rb.Name, &rb.Version, &rb.YAML, &rb.DataTableName, &isActive,
		&rb.OverdueBehavior, &rerunInit, &ignoreApplied, &lastError, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("runbook not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan runbook: %w", err)
	}
	rb.IsActive = isActive == 1
	rb.RerunInit = rerunInit == 1
	rb.IgnoreOverdueApplied = ignoreApplied == 1
	if lastError.Valid {
		rb.LastError = lastError.String
	}
	rb.CreatedAt = parseTime(createdAt)
	return &rb, nil
}

func (b *Backend) UpdateRunbookLastError(ctx context.Context, runbookID int64, message string) error {
	_, err := b.db.ExecContext(ctx, `UPDATE runbooks SET last_error = ? WHERE id = ?`, message, runbookID)
	if err != nil {
		return fmt.Errorf("update runbook last_error: %w", err)
	}
	return nil
}

func (b *Backend) SetIgnoreOverdueApplied(ctx context.Context, runbookID int64, applied bool) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE runbooks SET ignore_overdue_applied = ? WHERE id = ?`, boolToInt(applied), runbookID)
	if err != nil {
		return fmt.Errorf("update ignore_overdue_applied: %w", err)
	}
	return nil
}

// --- BatchStore ---

func (b *Backend) CreateBatch(ctx context.Context, batch *store.Batch) (int64, error) {
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO batches (runbook_id, batch_start_time, status, is_manual, created_by,
			current_phase, detected_at, init_dispatched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.RunbookID, formatTime(batch.BatchStartTime), orDefault(batch.Status, store.BatchDetected),
		boolToInt(batch.IsManual), nullString(batch.CreatedBy), nullString(batch.CurrentPhase),
		formatTime(batch.DetectedAt), formatTimePtr(batch.InitDispatchedAt))
	if err != nil {
		return 0, fmt.Errorf("create batch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create batch: %w", err)
	}
	batch.ID = id
	return id, nil
}

func (b *Backend) GetBatch(ctx context.Context, id int64) (*store.Batch, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, runbook_id, batch_start_time, status, is_manual, created_by,
			current_phase, detected_at, init_dispatched_at
		FROM batches WHERE id = ?`, id)
	return scanBatch(row)
}

func (b *Backend) GetBatchByAnchor(ctx context.Context, runbookID int64, batchStartTime time.Time) (*store.Batch, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, runbook_id, batch_start_time, status, is_manual, created_by,
			current_phase, detected_at, init_dispatched_at
		FROM batches WHERE runbook_id = ? AND batch_start_time = ?`,
		runbookID, formatTime(batchStartTime))
	batch, err := scanBatch(row)
	if err != nil {
		if err.Error() == "batch not found" {
			return nil, nil
		}
		return nil, err
	}
	return batch, nil
}

func scanBatch(row rowScanner) (*store.Batch, error) {
	var batch store.Batch
	var isManual int
	var createdBy, currentPhase, initDispatchedAt sql.NullString
	var batchStartTime, detectedAt string

	err := row.Scan(&batch.ID, &batch.RunbookID, &batchStartTime, &batch.Status, &isManual,
		&createdBy, &currentPhase, &detectedAt, &initDispatchedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("batch not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	batch.BatchStartTime = parseTime(batchStartTime)
	batch.DetectedAt = parseTime(detectedAt)
	batch.IsManual = isManual == 1
	if createdBy.Valid {
		batch.CreatedBy = createdBy.String
	}
	if currentPhase.Valid {
		batch.CurrentPhase = currentPhase.String
	}
	batch.InitDispatchedAt = parseTimePtr(initDispatchedAt)
	return &batch, nil
}

func (b *Backend) ListNonTerminalBatches(ctx context.Context, runbookID int64) ([]*store.Batch, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, runbook_id, batch_start_time, status, is_manual, created_by,
			current_phase, detected_at, init_dispatched_at
		FROM batches WHERE runbook_id = ? AND status NOT IN (?, ?) ORDER BY id`,
		runbookID, store.BatchCompleted, store.BatchFailed)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal batches: %w", err)
	}
	defer rows.Close()

	var out []*store.Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, batch)
	}
	return out, rows.Err()
}

func (b *Backend) UpdateBatchStatus(ctx context.Context, batchID int64, fromStatus, toStatus string) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`UPDATE batches SET status = ? WHERE id = ? AND status = ?`, toStatus, batchID, fromStatus)
	if err != nil {
		return false, fmt.Errorf("update batch status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- MemberStore ---

func (b *Backend) UpsertActiveMember(ctx context.Context, member *store.BatchMember) (int64, bool, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id FROM batch_members WHERE batch_id = ? AND member_key = ? AND status = ?`,
		member.BatchID, member.MemberKey, store.MemberActive)
	var existingID int64
	err := row.Scan(&existingID)
	if err == nil {
		return existingID, false, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, fmt.Errorf("check existing member: %w", err)
	}

	res, err := b.db.ExecContext(ctx, `
		INSERT INTO batch_members (batch_id, member_key, data_json, worker_data_json, status, added_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		member.BatchID, member.MemberKey, orDefault(member.DataJSON, "{}"),
		orDefault(member.WorkerDataJSON, "{}"), orDefault(member.Status, store.MemberActive),
		formatTime(member.AddedAt))
	if err != nil {
		return 0, false, fmt.Errorf("insert member: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("insert member: %w", err)
	}
	member.ID = id
	return id, true, nil
}

func (b *Backend) MarkMemberRemoved(ctx context.Context, batchID int64, memberKey string) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE batch_members SET status = ?, removed_at = ?
		WHERE batch_id = ? AND member_key = ? AND status = ?`,
		store.MemberRemoved, formatTime(time.Now().UTC()), batchID, memberKey, store.MemberActive)
	if err != nil {
		return fmt.Errorf("mark member removed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("active member %q not found in batch %d", memberKey, batchID)
	}
	return nil
}

func (b *Backend) MarkMemberFailed(ctx context.Context, memberID int64) error {
	_, err := b.db.ExecContext(ctx, `UPDATE batch_members SET status = ?, failed_at = ? WHERE id = ?`,
		store.MemberFailed, formatTime(time.Now().UTC()), memberID)
	if err != nil {
		return fmt.Errorf("mark member failed: %w", err)
	}
	return nil
}

func (b *Backend) MergeWorkerData(ctx context.Context, memberID int64, updates map[string]any) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT worker_data_json FROM batch_members WHERE id = ?`, memberID).
		Scan(&current); err != nil {
		return fmt.Errorf("read worker_data_json: %w", err)
	}

	merged, err := mergeJSON(current, updates)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE batch_members SET worker_data_json = ? WHERE id = ?`,
		merged, memberID); err != nil {
		return fmt.Errorf("write worker_data_json: %w", err)
	}
	return tx.Commit()
}

func (b *Backend) ListActiveMembers(ctx context.Context, batchID int64) ([]*store.BatchMember, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, batch_id, member_key, data_json, worker_data_json, status, added_at,
			removed_at, failed_at, add_dispatched_at, remove_dispatched_at
		FROM batch_members WHERE batch_id = ? AND status = ? ORDER BY id`, batchID, store.MemberActive)
	if err != nil {
		return nil, fmt.Errorf("list active members: %w", err)
	}
	defer rows.Close()

	var out []*store.BatchMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMember(row rowScanner) (*store.BatchMember, error) {
	var m store.BatchMember
	var addedAt string
	var removedAt, failedAt, addDispatchedAt, removeDispatchedAt sql.NullString

	err := row.Scan(&m.ID, &m.BatchID, &m.MemberKey, &m.DataJSON, &m.WorkerDataJSON, &m.Status,
		&addedAt, &removedAt, &failedAt, &addDispatchedAt, &removeDispatchedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("member not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan member: %w", err)
	}
	m.AddedAt = parseTime(addedAt)
	m.RemovedAt = parseTimePtr(removedAt)
	m.FailedAt = parseTimePtr(failedAt)
	m.AddDispatchedAt = parseTimePtr(addDispatchedAt)
	m.RemoveDispatched = parseTimePtr(removeDispatchedAt)
	return &m, nil
}

func (b *Backend) GetMember(ctx context.Context, memberID int64) (*store.BatchMember, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, batch_id, member_key, data_json, worker_data_json, status, added_at,
			removed_at, failed_at, add_dispatched_at, remove_dispatched_at
		FROM batch_members WHERE id = ?`, memberID)
	return scanMember(row)
}

// --- PhaseExecutionStore ---

func (b *Backend) CreatePhaseExecution(ctx context.Context, pe *store.PhaseExecution) (int64, error) {
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO phase_executions (batch_id, phase_name, offset_minutes, due_at,
			runbook_version, status, dispatched_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pe.BatchID, pe.PhaseName, pe.OffsetMinutes, formatTime(pe.DueAt), pe.RunbookVersion,
		orDefault(pe.Status, store.PhasePending), formatTimePtr(pe.DispatchedAt), formatTimePtr(pe.CompletedAt))
	if err != nil {
		return 0, fmt.Errorf("create phase execution: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create phase execution: %w", err)
	}
	pe.ID = id
	return id, nil
}

func scanPhaseExecution(row rowScanner) (*store.PhaseExecution, error) {
	var pe store.PhaseExecution
	var dueAt string
	var dispatchedAt, completedAt sql.NullString

	err := row.Scan(&pe.ID, &pe.BatchID, &pe.PhaseName, &pe.OffsetMinutes, &dueAt,
		&pe.RunbookVersion, &pe.Status, &dispatchedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("phase execution not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan phase execution: %w", err)
	}
	pe.DueAt = parseTime(dueAt)
	pe.DispatchedAt = parseTimePtr(dispatchedAt)
	pe.CompletedAt = parseTimePtr(completedAt)
	return &pe, nil
}

func (b *Backend) GetPhaseExecution(ctx context.Context, id int64) (*store.PhaseExecution, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, batch_id, phase_name, offset_minutes, due_at, runbook_version, status,
			dispatched_at, completed_at
		FROM phase_executions WHERE id = ?`, id)
	return scanPhaseExecution(row)
}

func (b *Backend) ListDuePhaseExecutions(ctx context.Context, batchID int64, now time.Time) ([]*store.PhaseExecution, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, batch_id, phase_name, offset_minutes, due_at, runbook_version, status,
			dispatched_at, completed_at
		FROM phase_executions
		WHERE batch_id = ? AND status = ? AND due_at <= ?
		ORDER BY offset_minutes ASC`, batchID, store.PhasePending, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list due phase executions: %w", err)
	}
	defer rows.Close()

	var out []*store.PhaseExecution
	for rows.Next() {
		pe, err := scanPhaseExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pe)
	}
	return out, rows.Err()
}

func (b *Backend) ListPhaseExecutionsByBatch(ctx context.Context, batchID int64) ([]*store.PhaseExecution, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, batch_id, phase_name, offset_minutes, due_at, runbook_version, status,
			dispatched_at, completed_at
		FROM phase_executions WHERE batch_id = ? ORDER BY id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list phase executions by batch: %w", err)
	}
	defer rows.Close()

	var out []*store.PhaseExecution
	for rows.Next() {
		pe, err := scanPhaseExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pe)
	}
	return out, rows.Err()
}

func (b *Backend) UpdatePhaseExecutionStatus(ctx context.Context, id int64, fromStatus, toStatus string) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`UPDATE phase_executions SET status = ? WHERE id = ? AND status = ?`, toStatus, id, fromStatus)
	if err != nil {
		return false, fmt.Errorf("update phase execution status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- StepExecutionStore ---

func (b *Backend) CreateStepExecution(ctx context.Context, se *store.StepExecution) (int64, error) {
	id, err := b.insertExecutionRow(ctx, "step_executions", execRow{
		scopeColumn:      "phase_execution_id",
		scopeID:          se.PhaseExecutionID,
		secondaryColumn:  "batch_member_id",
		secondaryID:      se.BatchMemberID,
		stepName:         se.StepName,
		stepIndex:        se.StepIndex,
		workerID:         se.WorkerID,
		functionName:     se.FunctionName,
		paramsJSON:       se.ParamsJSON,
		status:           orDefault(se.Status, store.ExecPending),
		isPollStep:       se.IsPollStep,
		pollIntervalSec:  se.PollIntervalSec,
		pollTimeoutSec:   se.PollTimeoutSec,
		maxRetries:       se.MaxRetries,
		retryIntervalSec: se.RetryIntervalSec,
	})
	if err != nil {
		return 0, err
	}
	se.ID = id
	return id, nil
}

func (b *Backend) GetStepExecution(ctx context.Context, id int64) (*store.StepExecution, error) {
	row := b.db.QueryRowContext(ctx, stepExecSelect+` WHERE id = ?`, id)
	return scanStepExecution(row)
}

func (b *Backend) ListStepExecutionsByPhaseAndMember(ctx context.Context, phaseExecutionID, memberID int64) ([]*store.StepExecution, error) {
	rows, err := b.db.QueryContext(ctx,
		stepExecSelect+` WHERE phase_execution_id = ? AND batch_member_id = ? ORDER BY step_index`,
		phaseExecutionID, memberID)
	if err != nil {
		return nil, fmt.Errorf("list step executions by phase and member: %w", err)
	}
	return scanStepExecutions(rows)
}

func (b *Backend) ListStepExecutionsByPhase(ctx context.Context, phaseExecutionID int64) ([]*store.StepExecution, error) {
	rows, err := b.db.QueryContext(ctx, stepExecSelect+` WHERE phase_execution_id = ? ORDER BY id`, phaseExecutionID)
	if err != nil {
		return nil, fmt.Errorf("list step executions by phase: %w", err)
	}
	return scanStepExecutions(rows)
}

func (b *Backend) ListNonTerminalStepExecutionsByMember(ctx context.Context, memberID int64) ([]*store.StepExecution, error) {
	rows, err := b.db.QueryContext(ctx,
		stepExecSelect+` WHERE batch_member_id = ? AND status NOT IN (?, ?, ?, ?) ORDER BY id`,
		memberID, store.ExecSucceeded, store.ExecFailed, store.ExecCancelled, store.ExecPollTimeout)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal step executions by member: %w", err)
	}
	return scanStepExecutions(rows)
}

func (b *Backend) ListPollingDueSteps(ctx context.Context, now time.Time) ([]*store.StepExecution, error) {
	rows, err := b.db.QueryContext(ctx,
		stepExecSelect+` WHERE status = ? AND datetime(last_polled_at, '+' || poll_interval_sec || ' seconds') <= datetime(?) ORDER BY id`,
		store.ExecPolling, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list polling-due steps: %w", err)
	}
	return scanStepExecutions(rows)
}

func (b *Backend) ListRetryDueSteps(ctx context.Context, now time.Time) ([]*store.StepExecution, error) {
	rows, err := b.db.QueryContext(ctx,
		stepExecSelect+` WHERE status = ? AND retry_count > 0 AND retry_after <= ? ORDER BY id`,
		store.ExecPending, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list retry-due steps: %w", err)
	}
	return scanStepExecutions(rows)
}

func (b *Backend) UpdateStepExecutionStatus(ctx context.Context, id int64, fromStatus, toStatus string) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`UPDATE step_executions SET status = ? WHERE id = ? AND status = ?`, toStatus, id, fromStatus)
	if err != nil {
		return false, fmt.Errorf("update step execution status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (b *Backend) SetStepDispatched(ctx context.Context, id int64, jobID string, dispatchedAt time.Time) error {
	return b.setDispatched(ctx, "step_executions", id, jobID, dispatchedAt)
}
func (b *Backend) SetStepPolling(ctx context.Context, id int64, startedAt, lastPolledAt time.Time) error {
	return b.setPolling(ctx, "step_executions", id, startedAt, lastPolledAt)
}
func (b *Backend) SetStepPollTick(ctx context.Context, id int64, lastPolledAt time.Time) error {
	return b.setPollTick(ctx, "step_executions", id, lastPolledAt)
}
func (b *Backend) SetStepSucceeded(ctx context.Context, id int64, resultJSON string, completedAt time.Time) error {
	return b.setSucceeded(ctx, "step_executions", id, resultJSON, completedAt)
}
func (b *Backend) SetStepRetryPending(ctx context.Context, id int64, retryAfter time.Time) error {
	return b.setRetryPending(ctx, "step_executions", id, retryAfter)
}
func (b *Backend) SetStepFailed(ctx context.Context, id int64, errorMessage string) error {
	return b.setFailed(ctx, "step_executions", id, errorMessage)
}
func (b *Backend) SetStepPollTimeout(ctx context.Context, id int64) error {
	return b.setPollTimeout(ctx, "step_executions", id)
}

func (b *Backend) CancelStepExecutions(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if _, err := b.db.ExecContext(ctx, `
			UPDATE step_executions SET status = ?
			WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
			store.ExecCancelled, id, store.ExecSucceeded, store.ExecFailed, store.ExecCancelled, store.ExecPollTimeout); err != nil {
			return fmt.Errorf("cancel step execution %d: %w", id, err)
		}
	}
	return nil
}

// --- InitExecutionStore ---

func (b *Backend) CreateInitExecution(ctx context.Context, ie *store.InitExecution) (int64, error) {
	id, err := b.insertExecutionRow(ctx, "init_executions", execRow{
		scopeColumn:      "batch_id",
		scopeID:          ie.BatchID,
		stepName:         ie.StepName,
		stepIndex:        ie.StepIndex,
		workerID:         ie.WorkerID,
		functionName:     ie.FunctionName,
		paramsJSON:       ie.ParamsJSON,
		status:           orDefault(ie.Status, store.ExecPending),
		isPollStep:       ie.IsPollStep,
		pollIntervalSec:  ie.PollIntervalSec,
		pollTimeoutSec:   ie.PollTimeoutSec,
		maxRetries:       ie.MaxRetries,
		retryIntervalSec: ie.RetryIntervalSec,
	})
	if err != nil {
		return 0, err
	}
	ie.ID = id
	return id, nil
}

func (b *Backend) GetInitExecution(ctx context.Context, id int64) (*store.InitExecution, error) {
	row := b.db.QueryRowContext(ctx, initExecSelect+` WHERE id = ?`, id)
	return scanInitExecution(row)
}

func (b *Backend) ListInitExecutionsByBatch(ctx context.Context, batchID int64) ([]*store.InitExecution, error) {
	rows, err := b.db.QueryContext(ctx, initExecSelect+` WHERE batch_id = ? ORDER BY step_index`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list init executions by batch: %w", err)
	}
	return scanInitExecutions(rows)
}

func (b *Backend) ListPollingDueInits(ctx context.Context, now time.Time) ([]*store.InitExecution, error) {
	rows, err := b.db.QueryContext(ctx,
		initExecSelect+` WHERE status = ? AND datetime(last_polled_at, '+' || poll_interval_sec || ' seconds') <= datetime(?) ORDER BY id`,
		store.ExecPolling, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list polling-due inits: %w", err)
	}
	return scanInitExecutions(rows)
}

func (b *Backend) ListRetryDueInits(ctx context.Context, now time.Time) ([]*store.InitExecution, error) {
	rows, err := b.db.QueryContext(ctx,
		initExecSelect+` WHERE status = ? AND retry_count > 0 AND retry_after <= ? ORDER BY id`,
		store.ExecPending, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list retry-due inits: %w", err)
	}
	return scanInitExecutions(rows)
}

func (b *Backend) UpdateInitExecutionStatus(ctx context.Context, id int64, fromStatus, toStatus string) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`UPDATE init_executions SET status = ? WHERE id = ? AND status = ?`, toStatus, id, fromStatus)
	if err != nil {
		return false, fmt.Errorf("update init execution status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (b *Backend) SetInitDispatched(ctx context.Context, id int64, jobID string, dispatchedAt time.Time) error {
	return b.setDispatched(ctx, "init_executions", id, jobID, dispatchedAt)
}
func (b *Backend) SetInitPolling(ctx context.Context, id int64, startedAt, lastPolledAt time.Time) error {
	return b.setPolling(ctx, "init_executions", id, startedAt, lastPolledAt)
}
func (b *Backend) SetInitPollTick(ctx context.Context, id int64, lastPolledAt time.Time) error {
	return b.setPollTick(ctx, "init_executions", id, lastPolledAt)
}
func (b *Backend) SetInitSucceeded(ctx context.Context, id int64, resultJSON string, completedAt time.Time) error {
	return b.setSucceeded(ctx, "init_executions", id, resultJSON, completedAt)
}
func (b *Backend) SetInitRetryPending(ctx context.Context, id int64, retryAfter time.Time) error {
	return b.setRetryPending(ctx, "init_executions", id, retryAfter)
}
func (b *Backend) SetInitFailed(ctx context.Context, id int64, errorMessage string) error {
	return b.setFailed(ctx, "init_executions", id, errorMessage)
}
func (b *Backend) SetInitPollTimeout(ctx context.Context, id int64) error {
	return b.setPollTimeout(ctx, "init_executions", id)
}

// --- shared execution-row plumbing ---
//
// step_executions and init_executions are identical in every column except
// the foreign keys that scope them (phase_execution_id+batch_member_id vs.
// batch_id), so the status-transition writes share one implementation
// parameterized by table name.

type execRow struct {
	scopeColumn      string
	scopeID          int64
	secondaryColumn  string
	secondaryID      int64
	stepName         string
	stepIndex        int
	workerID         string
	functionName     string
	paramsJSON       string
	status           string
	isPollStep       bool
	pollIntervalSec  int
	pollTimeoutSec   int
	maxRetries       int
	retryIntervalSec int
}

func (b *Backend) insertExecutionRow(ctx context.Context, table string, r execRow) (int64, error) {
	columns := []string{r.scopeColumn}
	placeholders := []any{r.scopeID}
	if r.secondaryColumn != "" {
		columns = append(columns, r.secondaryColumn)
		placeholders = append(placeholders, r.secondaryID)
	}
	columns = append(columns, "step_name", "step_index", "worker_id", "function_name",
		"params_json", "status", "is_poll_step", "poll_interval_sec", "poll_timeout_sec",
		"max_retries", "retry_interval_sec")
	placeholders = append(placeholders, r.stepName, r.stepIndex, r.workerID, r.functionName,
		orDefault(r.paramsJSON, "{}"), r.status, boolToInt(r.isPollStep), r.pollIntervalSec,
		r.pollTimeoutSec, r.maxRetries, r.retryIntervalSec)

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, joinColumns(columns), placeholderList(len(columns)))
	res, err := b.db.ExecContext(ctx, query, placeholders...)
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", table, err)
	}
	return res.LastInsertId()
}

func (b *Backend) setDispatched(ctx context.Context, table string, id int64, jobID string, dispatchedAt time.Time) error {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET job_id = ?, dispatched_at = ?, status = ? WHERE id = ?`, table),
		jobID, formatTime(dispatchedAt), store.ExecDispatched, id)
	if err != nil {
		return fmt.Errorf("set dispatched on %s: %w", table, err)
	}
	return nil
}

func (b *Backend) setPolling(ctx context.Context, table string, id int64, startedAt, lastPolledAt time.Time) error {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET poll_started_at = ?, last_polled_at = ?, status = ? WHERE id = ?`, table),
		formatTime(startedAt), formatTime(lastPolledAt), store.ExecPolling, id)
	if err != nil {
		return fmt.Errorf("set polling on %s: %w", table, err)
	}
	return nil
}

func (b *Backend) setPollTick(ctx context.Context, table string, id int64, lastPolledAt time.Time) error {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET last_polled_at = ?, poll_count = poll_count + 1 WHERE id = ?`, table),
		formatTime(lastPolledAt), id)
	if err != nil {
		return fmt.Errorf("set poll tick on %s: %w", table, err)
	}
	return nil
}

func (b *Backend) setSucceeded(ctx context.Context, table string, id int64, resultJSON string, completedAt time.Time) error {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET result_json = ?, completed_at = ?, status = ? WHERE id = ?`, table),
		resultJSON, formatTime(completedAt), store.ExecSucceeded, id)
	if err != nil {
		return fmt.Errorf("set succeeded on %s: %w", table, err)
	}
	return nil
}

func (b *Backend) setRetryPending(ctx context.Context, table string, id int64, retryAfter time.Time) error {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status = ?, retry_count = retry_count + 1, retry_after = ? WHERE id = ?`, table),
		store.ExecPending, formatTime(retryAfter), id)
	if err != nil {
		return fmt.Errorf("set retry pending on %s: %w", table, err)
	}
	return nil
}

func (b *Backend) setFailed(ctx context.Context, table string, id int64, errorMessage string) error {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET error_message = ?, status = ? WHERE id = ?`, table), errorMessage, store.ExecFailed, id)
	if err != nil {
		return fmt.Errorf("set failed on %s: %w", table, err)
	}
	return nil
}

func (b *Backend) setPollTimeout(ctx context.Context, table string, id int64) error {
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET status = ? WHERE id = ?`, table), store.ExecPollTimeout, id)
	if err != nil {
		return fmt.Errorf("set poll timeout on %s: %w", table, err)
	}
	return nil
}

const stepExecColumns = `id, phase_execution_id, batch_member_id, step_name, step_index, worker_id,
	function_name, params_json, status, job_id, result_json, error_message, dispatched_at,
	completed_at, is_poll_step, poll_interval_sec, poll_timeout_sec, poll_started_at,
	last_polled_at, poll_count, max_retries, retry_interval_sec, retry_count, retry_after`

const stepExecSelect = `SELECT ` + stepExecColumns + ` FROM step_executions`

func scanStepExecution(row rowScanner) (*store.StepExecution, error) {
	var se store.StepExecution
	var jobID, resultJSON, errorMessage sql.NullString
	var dispatchedAt, completedAt, pollStartedAt, lastPolledAt, retryAfter sql.NullString
	var isPollStep int

	err := row.Scan(&se.ID, &se.PhaseExecutionID, &se.BatchMemberID, &se.StepName, &se.StepIndex,
		&se.WorkerID, &se.FunctionName, &se.ParamsJSON, &se.Status, &jobID, &resultJSON, &errorMessage,
		&dispatchedAt, &completedAt, &isPollStep, &se.PollIntervalSec, &se.PollTimeoutSec,
		&pollStartedAt, &lastPolledAt, &se.PollCount, &se.MaxRetries, &se.RetryIntervalSec,
		&se.RetryCount, &retryAfter)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("step execution not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan step execution: %w", err)
	}
	if jobID.Valid {
		se.JobID = jobID.String
	}
	if resultJSON.Valid {
		se.ResultJSON = resultJSON.String
	}
	if errorMessage.Valid {
		se.ErrorMessage = errorMessage.String
	}
	se.IsPollStep = isPollStep == 1
	se.DispatchedAt = parseTimePtr(dispatchedAt)
	se.CompletedAt = parseTimePtr(completedAt)
	se.PollStartedAt = parseTimePtr(pollStartedAt)
	se.LastPolledAt = parseTimePtr(lastPolledAt)
	se.RetryAfter = parseTimePtr(retryAfter)
	return &se, nil
}

func scanStepExecutions(rows *sql.Rows) ([]*store.StepExecution, error) {
	defer rows.Close()
	var out []*store.StepExecution
	for rows.Next() {
		se, err := scanStepExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

const initExecColumns = `id, batch_id, step_name, step_index, worker_id, function_name, params_json,
	status, job_id, result_json, error_message, dispatched_at, completed_at, is_poll_step,
	poll_interval_sec, poll_timeout_sec, poll_started_at, last_polled_at, poll_count,
	max_retries, retry_interval_sec, retry_count, retry_after`

const initExecSelect = `SELECT ` + initExecColumns + ` FROM init_executions`

func scanInitExecution(row rowScanner) (*store.InitExecution, error) {
	var ie store.InitExecution
	var jobID, resultJSON, errorMessage sql.NullString
	var dispatchedAt, completedAt, pollStartedAt, lastPolledAt, retryAfter sql.NullString
	var isPollStep int

	err := row.Scan(&ie.ID, &ie.BatchID, &ie.StepName, &ie.StepIndex, &ie.WorkerID, &ie.FunctionName,
		&ie.ParamsJSON, &ie.Status, &jobID, &resultJSON, &errorMessage, &dispatchedAt, &completedAt,
		&isPollStep, &ie.PollIntervalSec, &ie.PollTimeoutSec, &pollStartedAt, &lastPolledAt,
		&ie.PollCount, &ie.MaxRetries, &ie.RetryIntervalSec, &ie.RetryCount, &retryAfter)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("init execution not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan init execution: %w", err)
	}
	if jobID.Valid {
		ie.JobID = jobID.String
	}
	if resultJSON.Valid {
		ie.ResultJSON = resultJSON.String
	}
	if errorMessage.Valid {
		ie.ErrorMessage = errorMessage.String
	}
	ie.IsPollStep = isPollStep == 1
	ie.DispatchedAt = parseTimePtr(dispatchedAt)
	ie.CompletedAt = parseTimePtr(completedAt)
	ie.PollStartedAt = parseTimePtr(pollStartedAt)
	ie.LastPolledAt = parseTimePtr(lastPolledAt)
	ie.RetryAfter = parseTimePtr(retryAfter)
	return &ie, nil
}

func scanInitExecutions(rows *sql.Rows) ([]*store.InitExecution, error) {
	defer rows.Close()
	var out []*store.InitExecution
	for rows.Next() {
		ie, err := scanInitExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ie)
	}
	return out, rows.Err()
}

func mergeJSON(current string, updates map[string]any) (string, error) {
	merged := map[string]any{}
	if current != "" {
		if err := json.Unmarshal([]byte(current), &merged); err != nil {
			return "", fmt.Errorf("decode worker_data_json: %w", err)
		}
	}
	for k, v := range updates {
		merged[k] = v
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("encode worker_data_json: %w", err)
	}
	return string(encoded), nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func joinColumns(columns []string) string {
	out := columns[0]
	for _, c := range columns[1:] {
		out += ", " + c
	}
	return out
}

func placeholderList(n int) string {
	out := "?"
	for i := 1; i < n; i++ {
		out += ", ?"
	}
	return out
}
