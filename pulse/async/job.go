// Package async is the durable job runtime: a SQLite-backed queue with one-shot and
// repeatable (cron) jobs, bounded retries with exponential backoff, progress metadata,
// and a worker pool that runs registered processors.
package async

import (
	"encoding/json"
	"time"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusDelayed   JobStatus = "delayed"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusPaused    JobStatus = "paused"
)

// AllStatuses lists every job status in display order
var AllStatuses = []JobStatus{
	JobStatusWaiting, JobStatusActive, JobStatusDelayed,
	JobStatusCompleted, JobStatusFailed, JobStatusPaused,
}

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusWaiting, JobStatusActive, JobStatusDelayed,
		JobStatusCompleted, JobStatusFailed, JobStatusPaused:
		return true
	default:
		return false
	}
}

// IsLive reports whether a job in this status still represents pending or running work
func (s JobStatus) IsLive() bool {
	return s == JobStatusWaiting || s == JobStatusActive || s == JobStatusDelayed || s == JobStatusPaused
}

// IsFinished reports whether the status is terminal
func (s JobStatus) IsFinished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is one queued or executed unit of work.
// Key groups the instances of a repeatable definition; for one-shot jobs Key == ID.
type Job struct {
	ID           string          `json:"id"`
	Key          string          `json:"key"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       JobStatus       `json:"status"`
	Progress     float64         `json:"progress"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	BackoffMs    int64           `json:"backoffMs"`
	RunAt        time.Time       `json:"runAt"`
	ProcessedOn  *time.Time      `json:"processedOn,omitempty"`
	FinishedOn   *time.Time      `json:"finishedOn,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// IsRepeatInstance reports whether the job was spawned by a repeatable definition
func (j *Job) IsRepeatInstance() bool {
	return j.Key != j.ID
}

// IsFinalAttempt reports whether a failure of the current execution exhausts the retry budget
func (j *Job) IsFinalAttempt() bool {
	return j.AttemptsMade+1 >= j.MaxAttempts
}

// Attempt is the 1-based number of the execution in progress
func (j *Job) Attempt() int {
	return j.AttemptsMade + 1
}

// Backoff is the retry delay policy: the wait before retry n is Delay * 2^(n-1)
type Backoff struct {
	Delay time.Duration `json:"delay"`
}

// delayFor returns the wait after the given number of failed attempts (>= 1)
func (b Backoff) delayFor(failed int) time.Duration {
	if b.Delay <= 0 || failed < 1 {
		return 0
	}
	shift := failed - 1
	if shift > 16 {
		shift = 16
	}
	return b.Delay * time.Duration(1<<uint(shift))
}

// RepeatOptions registers a repeatable definition instead of a single job
type RepeatOptions struct {
	// Pattern is a cron expression (seconds field optional, descriptors such as @daily allowed)
	Pattern string `json:"pattern"`
	// Immediately fires one instance at registration instead of waiting for the first tick
	Immediately bool `json:"immediately"`
	// Key identifies the definition; defaults to the submission id
	Key string `json:"key,omitempty"`
}

// Options control retries and recurrence of a submission
type Options struct {
	Attempts int            `json:"attempts"`
	Backoff  Backoff        `json:"backoff"`
	Repeat   *RepeatOptions `json:"repeat,omitempty"`
}

// SubmitRequest describes a job submission
type SubmitRequest struct {
	ID      string
	Name    string
	Payload json.RawMessage
	Options Options
}

// Submission is the outcome of Submit
type Submission struct {
	// JobID is the submitted id (the repeat key for repeatables)
	JobID string `json:"jobId"`
	// InstanceID is the concrete job created now, empty for a repeatable waiting for its first tick
	InstanceID string `json:"instanceId,omitempty"`
	// NextRunAt is the next cron firing for repeatables
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`
	// Existing is true when an active job with the same id was left running instead of replaced
	Existing bool `json:"existing,omitempty"`
}

// Repeatable is a cron definition that spawns a new job instance on each tick
type Repeatable struct {
	Key         string          `json:"key"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Pattern     string          `json:"pattern"`
	MaxAttempts int             `json:"maxAttempts"`
	BackoffMs   int64           `json:"backoffMs"`
	NextRunAt   time.Time       `json:"nextRunAt"`
	LastRunAt   *time.Time      `json:"lastRunAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// QueueStats reports job counts per status
type QueueStats struct {
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Delayed   int  `json:"delayed"`
	Paused    int  `json:"paused"`
	Total     int  `json:"total"`
	IsPaused  bool `json:"isPaused"`
}
