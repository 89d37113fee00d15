package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/transfer"
)

// DefaultExecutionLimit caps execution history listings
const DefaultExecutionLimit = 50

// ExecutionStore handles persistence of execution history
type ExecutionStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db, now: time.Now}
}

// Start records the beginning of an execution attempt
func (s *ExecutionStore) Start(ctx context.Context, scheduleID, jobID string, attempt int) (*Execution, error) {
	exec := &Execution{
		ID:         uuid.NewString(),
		ScheduleID: scheduleID,
		JobID:      jobID,
		Attempt:    attempt,
		Status:     ExecutionStatusRunning,
		StartedAt:  s.now(),
		Periods:    []string{},
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_executions (id, schedule_id, job_id, attempt, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.ScheduleID, exec.JobID, exec.Attempt, exec.Status, exec.StartedAt.UnixMilli(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create execution")
	}
	return exec, nil
}

// Finish closes an execution with its outcome. result may be nil when the pass
// failed before any unit ran.
func (s *ExecutionStore) Finish(ctx context.Context, exec *Execution, result *transfer.Result, cause error) error {
	finished := s.now()
	duration := finished.Sub(exec.StartedAt).Milliseconds()
	exec.FinishedAt = &finished
	exec.DurationMs = &duration
	exec.Status = ExecutionStatusCompleted
	if cause != nil {
		exec.Status = ExecutionStatusFailed
		exec.ErrorMessage = cause.Error()
	}
	if result != nil {
		exec.UnitsTotal = result.UnitsTotal
		exec.UnitsFailed = result.UnitsFailed
		exec.Periods = result.Periods
	}

	periods, err := json.Marshal(exec.Periods)
	if err != nil {
		return errors.Wrap(err, "failed to encode execution periods")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_executions
		SET status = ?, finished_at = ?, duration_ms = ?, units_total = ?, units_failed = ?,
		    periods = ?, error_message = ?
		WHERE id = ?`,
		exec.Status, finished.UnixMilli(), duration, exec.UnitsTotal, exec.UnitsFailed,
		string(periods), exec.ErrorMessage, exec.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update execution")
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if rowsAffected == 0 {
		// The schedule was deleted mid-run and the row went with it
		return errors.NewNotFoundError("execution not found: %s", exec.ID)
	}
	return nil
}

// ListForSchedule returns the most recent executions of a schedule, newest first
func (s *ExecutionStore) ListForSchedule(ctx context.Context, scheduleID string, limit int) ([]*Execution, error) {
	if limit <= 0 || limit > DefaultExecutionLimit {
		limit = DefaultExecutionLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, job_id, attempt, status, started_at, finished_at, duration_ms,
		       units_total, units_failed, periods, error_message
		FROM schedule_executions
		WHERE schedule_id = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query executions")
	}
	defer rows.Close()

	executions := []*Execution{}
	for rows.Next() {
		var exec Execution
		var startedAt int64
		var finishedAt, duration sql.NullInt64
		var periods string

		if err := rows.Scan(&exec.ID, &exec.ScheduleID, &exec.JobID, &exec.Attempt, &exec.Status,
			&startedAt, &finishedAt, &duration, &exec.UnitsTotal, &exec.UnitsFailed,
			&periods, &exec.ErrorMessage); err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}

		exec.StartedAt = time.UnixMilli(startedAt)
		exec.FinishedAt = fromNullMillis(finishedAt)
		if duration.Valid {
			d := duration.Int64
			exec.DurationMs = &d
		}
		if err := json.Unmarshal([]byte(periods), &exec.Periods); err != nil {
			return nil, errors.Wrapf(err, "failed to decode periods of execution %s", exec.ID)
		}
		executions = append(executions, &exec)
	}
	return executions, rows.Err()
}

// MarkInterrupted fails every execution of a schedule still marked running.
// Used at startup, when no execution can actually be in progress.
func (s *ExecutionStore) MarkInterrupted(ctx context.Context, scheduleID, reason string) (int64, error) {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_executions
		SET status = ?, finished_at = ?, duration_ms = ? - started_at, error_message = ?
		WHERE schedule_id = ? AND status = ?`,
		ExecutionStatusFailed, now, now, reason, scheduleID, ExecutionStatusRunning,
	)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to mark executions of %s interrupted", scheduleID)
	}
	return res.RowsAffected()
}
