package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/internal/util"
	"github.com/teranos/almasync/transfer"
)

// DefaultMaxRetries is the attempt budget of a schedule that does not set one
const DefaultMaxRetries = 3

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const scheduleSelectColumns = `id, name, type, processor, cron_expression, run_immediately, periods,
	dhis2_instance, alma_instance, scorecard, indicator_group, period_type, run_for, data,
	is_active, status, last_status, progress, message, last_run, next_run, current_job_id,
	retry_attempts, max_retries, retry_delay_seconds, created_at, updated_at`

// Store handles persistence of schedules
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new schedule store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB exposes the handle for stores sharing the same database
func (s *Store) DB() *sql.DB {
	return s.db
}

// Create persists a new schedule. An empty id is filled with a UUID; timestamps
// are set here and any runtime state on the input is reset to idle.
func (s *Store) Create(ctx context.Context, sched *Schedule) error {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	if sched.RunFor == "" {
		sched.RunFor = transfer.RunForCurrent
	}
	if sched.MaxRetries == 0 {
		sched.MaxRetries = DefaultMaxRetries
	}
	if sched.Periods == nil {
		sched.Periods = []string{}
	}
	now := s.now()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	sched.IsActive = false
	sched.Status = StatusIdle
	sched.Progress = 0
	sched.CurrentJobID = ""

	periods, data, err := encodeJSONColumns(sched)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (
			id, name, type, processor, cron_expression, run_immediately, periods,
			dhis2_instance, alma_instance, scorecard, indicator_group, period_type, run_for, data,
			is_active, status, last_status, progress, message, last_run, next_run, current_job_id,
			retry_attempts, max_retries, retry_delay_seconds, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Name, sched.Type, sched.Processor, sched.CronExpression, sched.RunImmediately, periods,
		sched.DHIS2Instance, sched.AlmaInstance, sched.Scorecard, sched.IndicatorGroup, sched.PeriodType, sched.RunFor, data,
		sched.IsActive, sched.Status, sched.LastStatus, sched.Progress, sched.Message,
		nullMillis(sched.LastRun), nullMillis(sched.NextRun), sched.CurrentJobID,
		sched.RetryAttempts, sched.MaxRetries, sched.RetryDelaySeconds,
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.Mark(errors.Newf("schedule %s already exists", sched.ID), errors.ErrConflict)
		}
		return errors.Wrapf(err, "failed to create schedule %s", sched.ID)
	}
	return nil
}

// Get retrieves a schedule by id
func (s *Store) Get(ctx context.Context, id string) (*Schedule, error) {
	return getSchedule(ctx, s.db, id)
}

func getSchedule(ctx context.Context, q querier, id string) (*Schedule, error) {
	row := q.QueryRowContext(ctx, `SELECT `+scheduleSelectColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("schedule not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get schedule %s", id)
	}
	return sched, nil
}

// List returns all schedules, newest first
func (s *Store) List(ctx context.Context) ([]*Schedule, error) {
	return s.list(ctx, "", nil)
}

// ListActive returns schedules with isActive set
func (s *Store) ListActive(ctx context.Context) ([]*Schedule, error) {
	return s.list(ctx, "WHERE is_active = 1", nil)
}

// ListByStatus returns schedules in the given status
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*Schedule, error) {
	return s.list(ctx, "WHERE status = ?", []interface{}{status})
}

func (s *Store) list(ctx context.Context, where string, args []interface{}) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleSelectColumns+` FROM schedules `+where+` ORDER BY created_at DESC, id ASC`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedules")
	}
	defer rows.Close()

	schedules := []*Schedule{}
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan schedule")
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// Update merges a configuration patch into a schedule and bumps updated_at.
// The merged schedule must still validate.
func (s *Store) Update(ctx context.Context, id string, patch *Patch) (*Schedule, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	sched, err := getSchedule(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	patch.Apply(sched)
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	sched.UpdatedAt = s.now()

	periods, data, err := encodeJSONColumns(sched)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE schedules SET
			name = ?, type = ?, processor = ?, cron_expression = ?, run_immediately = ?, periods = ?,
			dhis2_instance = ?, alma_instance = ?, scorecard = ?, indicator_group = ?, period_type = ?,
			run_for = ?, data = ?, max_retries = ?, retry_delay_seconds = ?, updated_at = ?
		WHERE id = ?`,
		sched.Name, sched.Type, sched.Processor, sched.CronExpression, sched.RunImmediately, periods,
		sched.DHIS2Instance, sched.AlmaInstance, sched.Scorecard, sched.IndicatorGroup, sched.PeriodType,
		sched.RunFor, data, sched.MaxRetries, sched.RetryDelaySeconds, sched.UpdatedAt.UnixMilli(),
		id,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to update schedule %s", id)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit schedule update")
	}
	return sched, nil
}

// UpdateRuntime applies a runtime mutation in one statement. Moving to completed
// or failed also records last_status and, unless given, last_run.
func (s *Store) UpdateRuntime(ctx context.Context, id string, u RuntimeUpdate) (*Schedule, error) {
	now := s.now()
	sets := []string{"updated_at = ?"}
	args := []interface{}{now.UnixMilli()}

	if u.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, *u.IsActive)
	}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
		if *u.Status == StatusCompleted || *u.Status == StatusFailed {
			sets = append(sets, "last_status = ?")
			args = append(args, *u.Status)
			if u.LastRun == nil {
				sets = append(sets, "last_run = ?")
				args = append(args, now.UnixMilli())
			}
		}
	}
	if u.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, util.ClampPercent(*u.Progress))
	}
	if u.Message != nil {
		sets = append(sets, "message = ?")
		args = append(args, *u.Message)
	}
	if u.CurrentJobID != nil {
		sets = append(sets, "current_job_id = ?")
		args = append(args, *u.CurrentJobID)
	}
	if u.RetryAttempts != nil {
		sets = append(sets, "retry_attempts = ?")
		args = append(args, *u.RetryAttempts)
	}
	if u.LastRun != nil {
		sets = append(sets, "last_run = ?")
		args = append(args, u.LastRun.UnixMilli())
	}
	if u.NextRun != nil {
		sets = append(sets, "next_run = ?")
		args = append(args, u.NextRun.UnixMilli())
	} else if u.ClearNextRun {
		sets = append(sets, "next_run = NULL")
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE schedules SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to update runtime state of schedule %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errors.NewNotFoundError("schedule not found: %s", id)
	}
	return s.Get(ctx, id)
}

// SetProgress sets progress and, when non-empty, the message
func (s *Store) SetProgress(ctx context.Context, id string, progress float64, message string) (*Schedule, error) {
	u := RuntimeUpdate{Progress: &progress}
	if message != "" {
		u.Message = &message
	}
	return s.UpdateRuntime(ctx, id, u)
}

// Delete removes a schedule and, by cascade, its execution history
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete schedule %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("schedule not found: %s", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sched Schedule
	var periods, data string
	var lastRun, nextRun sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&sched.ID, &sched.Name, &sched.Type, &sched.Processor, &sched.CronExpression, &sched.RunImmediately, &periods,
		&sched.DHIS2Instance, &sched.AlmaInstance, &sched.Scorecard, &sched.IndicatorGroup, &sched.PeriodType, &sched.RunFor, &data,
		&sched.IsActive, &sched.Status, &sched.LastStatus, &sched.Progress, &sched.Message, &lastRun, &nextRun, &sched.CurrentJobID,
		&sched.RetryAttempts, &sched.MaxRetries, &sched.RetryDelaySeconds, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(periods), &sched.Periods); err != nil {
		return nil, errors.Wrapf(err, "failed to decode periods of schedule %s", sched.ID)
	}
	if err := json.Unmarshal([]byte(data), &sched.Data); err != nil {
		return nil, errors.Wrapf(err, "failed to decode data of schedule %s", sched.ID)
	}
	if sched.Periods == nil {
		sched.Periods = []string{}
	}
	sched.LastRun = fromNullMillis(lastRun)
	sched.NextRun = fromNullMillis(nextRun)
	sched.CreatedAt = time.UnixMilli(createdAt)
	sched.UpdatedAt = time.UnixMilli(updatedAt)
	return &sched, nil
}

func encodeJSONColumns(sched *Schedule) (string, string, error) {
	periods := sched.Periods
	if periods == nil {
		periods = []string{}
	}
	p, err := json.Marshal(periods)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to encode periods")
	}
	d, err := json.Marshal(sched.Data)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to encode data")
	}
	return string(p), string(d), nil
}

func nullMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
