package async

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/almasync/errors"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store handles persistence of pulse jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func insertJob(ctx context.Context, q querier, job *Job) error {
	query := `
		INSERT INTO pulse_jobs (
			id, repeat_key, name, payload, status, progress,
			attempts_made, max_attempts, backoff_ms, run_at,
			failed_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		job.ID,
		job.Key,
		job.Name,
		payloadString(job.Payload),
		job.Status,
		job.Progress,
		job.AttemptsMade,
		job.MaxAttempts,
		job.BackoffMs,
		toMillis(job.RunAt),
		job.FailedReason,
		toMillis(job.CreatedAt),
		toMillis(job.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create job %s", job.ID)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	return getJob(ctx, s.db, id)
}

func getJob(ctx context.Context, q querier, id string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns + ` FROM pulse_jobs WHERE id = ?`
	job, err := scanJob(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// GetLatestByKey returns the most relevant job for a repeat key: a live job if one
// exists, otherwise the most recently updated finished one.
func (s *Store) GetLatestByKey(ctx context.Context, key string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns + ` FROM pulse_jobs
		WHERE repeat_key = ?
		ORDER BY CASE status
			WHEN 'active' THEN 0
			WHEN 'waiting' THEN 1
			WHEN 'delayed' THEN 1
			WHEN 'paused' THEN 1
			ELSE 2 END,
			updated_at DESC
		LIMIT 1`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no job for key: %s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job for key %s", key)
	}
	return job, nil
}

// ListJobs returns jobs in any of the given statuses (all when empty), newest first
func (s *Store) ListJobs(ctx context.Context, statuses []JobStatus, limit int) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns + ` FROM pulse_jobs`
	var args []interface{}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan jobs")
	}
	return jobs, nil
}

// CountByStatus returns the number of jobs per status
func (s *Store) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pulse_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int, len(AllStatuses))
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// DeleteJob removes a job that is not currently executing.
// Returns false when no such job exists or the job is active.
func (s *Store) DeleteJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pulse_jobs WHERE id = ? AND status != ?`, id, JobStatusActive)
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete job %s", id)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateProgress stores the progress percentage of an active job
func (s *Store) UpdateProgress(ctx context.Context, id string, progress float64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pulse_jobs SET progress = ?, updated_at = ? WHERE id = ?`,
		progress, toMillis(now), id)
	if err != nil {
		return errors.Wrapf(err, "failed to update progress for job %s", id)
	}
	return nil
}

// PurgeFinished deletes completed and failed jobs that finished before the cutoff
func (s *Store) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pulse_jobs WHERE status IN (?, ?) AND finished_on IS NOT NULL AND finished_on < ?`,
		JobStatusCompleted, JobStatusFailed, toMillis(before))
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge finished jobs")
	}
	return res.RowsAffected()
}

// IsPaused reports the persisted queue pause flag
func (s *Store) IsPaused(ctx context.Context) (bool, error) {
	return isPaused(ctx, s.db)
}

func isPaused(ctx context.Context, q querier) (bool, error) {
	var paused int
	err := q.QueryRowContext(ctx, `SELECT paused FROM pulse_queue_state WHERE id = 1`).Scan(&paused)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to read queue state")
	}
	return paused != 0, nil
}

func setPaused(ctx context.Context, q querier, paused bool) error {
	v := 0
	if paused {
		v = 1
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO pulse_queue_state (id, paused) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET paused = excluded.paused`, v)
	if err != nil {
		return errors.Wrap(err, "failed to write queue state")
	}
	return nil
}

func countActiveForKey(ctx context.Context, q querier, key string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pulse_jobs WHERE (id = ? OR repeat_key = ?) AND status = ?`,
		key, key, JobStatusActive).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count active jobs for %s", key)
	}
	return n, nil
}

func countPendingForKey(ctx context.Context, q querier, key string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pulse_jobs WHERE repeat_key = ? AND status IN (?, ?, ?, ?)`,
		key, JobStatusWaiting, JobStatusActive, JobStatusDelayed, JobStatusPaused).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count pending jobs for %s", key)
	}
	return n, nil
}
