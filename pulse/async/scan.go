package async

import (
	"database/sql"
	"time"
)

// StandardJobSelectColumns is the column list matching GetJobScanTargets
const StandardJobSelectColumns = `id, repeat_key, name, payload, status, progress,
	attempts_made, max_attempts, backoff_ms, run_at, processed_on, finished_on,
	failed_reason, created_at, updated_at`

// JobScanArgs holds the nullable and encoded columns scanned for a job
type JobScanArgs struct {
	Payload     sql.NullString
	RunAt       int64
	ProcessedOn sql.NullInt64
	FinishedOn  sql.NullInt64
	CreatedAt   int64
	UpdatedAt   int64
}

// GetJobScanTargets returns scan destinations in StandardJobSelectColumns order
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Key,
		&job.Name,
		&args.Payload,
		&job.Status,
		&job.Progress,
		&job.AttemptsMade,
		&job.MaxAttempts,
		&job.BackoffMs,
		&args.RunAt,
		&args.ProcessedOn,
		&args.FinishedOn,
		&job.FailedReason,
		&args.CreatedAt,
		&args.UpdatedAt,
	}
}

// ProcessJobScanArgs decodes the scanned arguments into the job
func ProcessJobScanArgs(job *Job, args *JobScanArgs) {
	if args.Payload.Valid && args.Payload.String != "" {
		job.Payload = []byte(args.Payload.String)
	}
	job.RunAt = fromMillis(args.RunAt)
	job.ProcessedOn = fromNullMillis(args.ProcessedOn)
	job.FinishedOn = fromNullMillis(args.FinishedOn)
	job.CreatedAt = fromMillis(args.CreatedAt)
	job.UpdatedAt = fromMillis(args.UpdatedAt)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	args := &JobScanArgs{}
	if err := row.Scan(GetJobScanTargets(job, args)...); err != nil {
		return nil, err
	}
	ProcessJobScanArgs(job, args)
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

const repeatableSelectColumns = `key, job_name, payload, pattern, max_attempts, backoff_ms,
	next_run_at, last_run_at, created_at`

func scanRepeatable(row rowScanner) (*Repeatable, error) {
	r := &Repeatable{}
	var payload sql.NullString
	var nextRun, created int64
	var lastRun sql.NullInt64
	if err := row.Scan(&r.Key, &r.Name, &payload, &r.Pattern, &r.MaxAttempts, &r.BackoffMs,
		&nextRun, &lastRun, &created); err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		r.Payload = []byte(payload.String)
	}
	r.NextRunAt = fromMillis(nextRun)
	r.LastRunAt = fromNullMillis(lastRun)
	r.CreatedAt = fromMillis(created)
	return r, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func payloadString(p []byte) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}
