package async

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/teranos/almasync/errors"
)

const (
	// MaxJobsLimit caps the number of jobs returned by a single listing
	MaxJobsLimit = 1000
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
	// DefaultAttempts is used when a submission does not set Options.Attempts
	DefaultAttempts = 3
	// DefaultBackoffDelay is used when a submission does not set a backoff delay
	DefaultBackoffDelay = 5 * time.Second
)

// QueueOptions configures a Queue. Zero values select the defaults above, the local
// time zone and the wall clock.
type QueueOptions struct {
	Location        *time.Location
	DefaultAttempts int
	DefaultBackoff  Backoff
	Clock           func() time.Time
	Metrics         *Metrics
}

// Queue is the durable job runtime. All state transitions are serialized by mu and run
// inside a single transaction, so a crash leaves either the old or the new state.
type Queue struct {
	db      *sql.DB
	store   *Store
	loc     *time.Location
	now     func() time.Time
	metrics *Metrics

	defaultAttempts int
	defaultBackoff  Backoff

	mu          sync.Mutex
	subMu       sync.RWMutex
	subscribers []chan *Job
}

// NewQueue creates a new job queue
func NewQueue(db *sql.DB, opts QueueOptions) *Queue {
	q := &Queue{
		db:              db,
		store:           NewStore(db),
		loc:             opts.Location,
		now:             opts.Clock,
		metrics:         opts.Metrics,
		defaultAttempts: opts.DefaultAttempts,
		defaultBackoff:  opts.DefaultBackoff,
		subscribers:     make([]chan *Job, 0),
	}
	if q.loc == nil {
		q.loc = time.Local
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.defaultAttempts <= 0 {
		q.defaultAttempts = DefaultAttempts
	}
	if q.defaultBackoff.Delay <= 0 {
		q.defaultBackoff.Delay = DefaultBackoffDelay
	}
	return q
}

// Store exposes the underlying job store
func (q *Queue) Store() *Store {
	return q.store
}

// Location is the time zone cron patterns are evaluated in
func (q *Queue) Location() *time.Location {
	return q.loc
}

// Metrics returns the queue's metrics (may be nil)
func (q *Queue) Metrics() *Metrics {
	return q.metrics
}

func (q *Queue) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// Submit creates or replaces a job. Any pending instance or repeatable definition under
// the same id is cancelled first. A job that is already executing is never interrupted:
// a one-shot submission for an active id returns that job with Existing set.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if strings.TrimSpace(req.ID) == "" {
		return nil, errors.NewInvalidRequestError("job id is required")
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, errors.NewInvalidRequestError("job name is required")
	}

	attempts := req.Options.Attempts
	if attempts <= 0 {
		attempts = q.defaultAttempts
	}
	backoff := req.Options.Backoff
	if backoff.Delay <= 0 {
		backoff = q.defaultBackoff
	}

	if req.Options.Repeat != nil {
		return q.submitRepeat(ctx, req, attempts, backoff)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var sub *Submission
	var created *Job
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := cancelTx(ctx, tx, req.ID); err != nil {
			return err
		}

		existing, err := getJob(ctx, tx, req.ID)
		if err == nil && existing.Status == JobStatusActive {
			sub = &Submission{JobID: req.ID, InstanceID: req.ID, Existing: true}
			return nil
		}
		if err != nil && !errors.IsNotFoundError(err) {
			return err
		}

		status, err := initialStatus(ctx, tx)
		if err != nil {
			return err
		}
		created = &Job{
			ID:          req.ID,
			Key:         req.ID,
			Name:        req.Name,
			Payload:     req.Payload,
			Status:      status,
			MaxAttempts: attempts,
			BackoffMs:   backoff.Delay.Milliseconds(),
			RunAt:       now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := insertJob(ctx, tx, created); err != nil {
			return err
		}
		sub = &Submission{JobID: req.ID, InstanceID: req.ID}
		return nil
	})
	if err != nil {
		err = errors.Wrap(err, "failed to submit job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", req.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Processor: %s", req.Name))
		return nil, err
	}

	if created != nil {
		q.notifySubscribers(created)
	}
	return sub, nil
}

func (q *Queue) submitRepeat(ctx context.Context, req SubmitRequest, attempts int, backoff Backoff) (*Submission, error) {
	repeat := req.Options.Repeat
	if err := ValidateCron(repeat.Pattern); err != nil {
		return nil, err
	}
	key := repeat.Key
	if key == "" {
		key = req.ID
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	next, err := NextRun(repeat.Pattern, now, q.loc)
	if err != nil {
		return nil, err
	}

	sub := &Submission{JobID: key, NextRunAt: &next}
	var created *Job
	err = q.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := cancelTx(ctx, tx, key); err != nil {
			return err
		}
		if key != req.ID {
			if _, err := cancelTx(ctx, tx, req.ID); err != nil {
				return err
			}
		}

		def := &Repeatable{
			Key:         key,
			Name:        req.Name,
			Payload:     req.Payload,
			Pattern:     repeat.Pattern,
			MaxAttempts: attempts,
			BackoffMs:   backoff.Delay.Milliseconds(),
			NextRunAt:   next,
			CreatedAt:   now,
		}
		if err := upsertRepeatable(ctx, tx, def); err != nil {
			return err
		}

		if !repeat.Immediately {
			return nil
		}

		// An instance still executing from the previous registration counts as the immediate run
		active, err := countActiveForKey(ctx, tx, key)
		if err != nil {
			return err
		}
		if active > 0 {
			return nil
		}

		status, err := initialStatus(ctx, tx)
		if err != nil {
			return err
		}
		created = newRepeatInstance(def, now, now, status)
		if err := insertJob(ctx, tx, created); err != nil {
			return err
		}
		sub.InstanceID = created.ID
		return nil
	})
	if err != nil {
		err = errors.Wrap(err, "failed to register repeatable job")
		err = errors.WithDetail(err, fmt.Sprintf("Repeat key: %s", key))
		err = errors.WithDetail(err, fmt.Sprintf("Pattern: %s", repeat.Pattern))
		return nil, err
	}

	if created != nil {
		q.notifySubscribers(created)
		q.metrics.RepeatFired(1)
	}
	return sub, nil
}

func newRepeatInstance(def *Repeatable, scheduledAt, now time.Time, status JobStatus) *Job {
	return &Job{
		ID:          repeatInstanceID(def.Key, scheduledAt),
		Key:         def.Key,
		Name:        def.Name,
		Payload:     def.Payload,
		Status:      status,
		MaxAttempts: def.MaxAttempts,
		BackoffMs:   def.BackoffMs,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func initialStatus(ctx context.Context, q querier) (JobStatus, error) {
	paused, err := isPaused(ctx, q)
	if err != nil {
		return "", err
	}
	if paused {
		return JobStatusPaused, nil
	}
	return JobStatusWaiting, nil
}

// cancelTx removes the repeatable definition keyed by id and every non-active job whose
// id or repeat key equals id. Active jobs are left to finish but still count as found.
func cancelTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM pulse_repeatables WHERE key = ?`, id)
	if err != nil {
		return false, errors.Wrapf(err, "failed to remove repeatable %s", id)
	}
	removedDefs, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		`DELETE FROM pulse_jobs WHERE (id = ? OR repeat_key = ?) AND status != ?`,
		id, id, JobStatusActive)
	if err != nil {
		return false, errors.Wrapf(err, "failed to remove jobs for %s", id)
	}
	removedJobs, _ := res.RowsAffected()

	active, err := countActiveForKey(ctx, tx, id)
	if err != nil {
		return false, err
	}

	return removedDefs+removedJobs > 0 || active > 0, nil
}

// Cancel removes the repeatable definition and queued instances for id.
// Returns false without error when nothing exists under that id.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var found bool
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		found, err = cancelTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return false, errors.Wrapf(err, "failed to cancel job %s", id)
	}
	return found, nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.store.GetJob(ctx, id)
}

// GetJobByKey returns the live (or most recent) job for an id or repeat key
func (q *Queue) GetJobByKey(ctx context.Context, key string) (*Job, error) {
	return q.store.GetLatestByKey(ctx, key)
}

// GetJobs lists jobs in the given statuses (all statuses when none given)
func (q *Queue) GetJobs(ctx context.Context, statuses ...JobStatus) ([]*Job, error) {
	return q.store.ListJobs(ctx, statuses, MaxJobsLimit)
}

// ListRepeatables returns all registered repeatable definitions ordered by next firing
func (q *Queue) ListRepeatables(ctx context.Context) ([]*Repeatable, error) {
	return listRepeatables(ctx, q.db, "")
}

// GetRepeatable returns the repeatable definition with the given key
func (q *Queue) GetRepeatable(ctx context.Context, key string) (*Repeatable, error) {
	return getRepeatable(ctx, q.db, key)
}

// RemoveJob deletes a single non-active job
func (q *Queue) RemoveJob(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.DeleteJob(ctx, id)
}

// RemoveRepeatable deletes a repeatable definition, leaving existing instances alone
func (q *Queue) RemoveRepeatable(ctx context.Context, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.ExecContext(ctx, `DELETE FROM pulse_repeatables WHERE key = ?`, key)
	if err != nil {
		return false, errors.Wrapf(err, "failed to remove repeatable %s", key)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Stats returns the job count per status and the pause flag
func (q *Queue) Stats(ctx context.Context) (*QueueStats, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	paused, err := q.store.IsPaused(ctx)
	if err != nil {
		return nil, err
	}
	stats := &QueueStats{
		Waiting:   counts[JobStatusWaiting],
		Active:    counts[JobStatusActive],
		Completed: counts[JobStatusCompleted],
		Failed:    counts[JobStatusFailed],
		Delayed:   counts[JobStatusDelayed],
		Paused:    counts[JobStatusPaused],
		IsPaused:  paused,
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// Pause stops workers from picking up new jobs. Waiting jobs move to paused;
// active jobs run to completion.
func (q *Queue) Pause(ctx context.Context) error {
	return q.setPaused(ctx, true)
}

// Resume moves paused jobs back to waiting
func (q *Queue) Resume(ctx context.Context) error {
	return q.setPaused(ctx, false)
}

func (q *Queue) setPaused(ctx context.Context, paused bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	from, to := JobStatusPaused, JobStatusWaiting
	if paused {
		from, to = JobStatusWaiting, JobStatusPaused
	}
	return q.withTx(ctx, func(tx *sql.Tx) error {
		if err := setPaused(ctx, tx, paused); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE pulse_jobs SET status = ?, updated_at = ? WHERE status = ?`,
			to, toMillis(q.now()), from)
		if err != nil {
			return errors.Wrap(err, "failed to update paused jobs")
		}
		return nil
	})
}

// IsPaused reports whether the queue is paused
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	return q.store.IsPaused(ctx)
}

// Subscribe returns a channel that receives job state changes.
// Slow subscribers miss updates rather than block the queue.
func (q *Queue) Subscribe() chan *Job {
	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subMu.Lock()
	q.subscribers = append(q.subscribers, ch)
	q.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.subMu.Lock()
	defer q.subMu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (q *Queue) notifySubscribers(job *Job) {
	q.subMu.RLock()
	defer q.subMu.RUnlock()

	for _, ch := range q.subscribers {
		snapshot := *job
		select {
		case ch <- &snapshot:
		default:
		}
	}
}

// CleanupOldJobs deletes completed and failed jobs that finished more than olderThan ago
func (q *Queue) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.PurgeFinished(ctx, q.now().Add(-olderThan))
}

// PromoteDelayed moves delayed jobs whose backoff has elapsed back to waiting
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var promoted int64
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		status, err := initialStatus(ctx, tx)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE pulse_jobs SET status = ?, updated_at = ? WHERE status = ? AND run_at <= ?`,
			status, toMillis(now), JobStatusDelayed, toMillis(now))
		if err != nil {
			return errors.Wrap(err, "failed to promote delayed jobs")
		}
		promoted, _ = res.RowsAffected()
		return nil
	})
	return int(promoted), err
}

// FireDueRepeatables spawns one instance for every repeatable whose next firing has
// passed and advances it to the next firing after now. Missed firings are not replayed,
// and no instance is spawned while a previous one for the same key is still pending.
func (q *Queue) FireDueRepeatables(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var created []*Job
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		due, err := listRepeatables(ctx, tx, "next_run_at <= ?", toMillis(now))
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}

		status, err := initialStatus(ctx, tx)
		if err != nil {
			return err
		}

		for _, def := range due {
			next, err := NextRun(def.Pattern, now, q.loc)
			if err != nil {
				return errors.Wrapf(err, "repeatable %s", def.Key)
			}

			pending, err := countPendingForKey(ctx, tx, def.Key)
			if err != nil {
				return err
			}
			if pending == 0 {
				job := newRepeatInstance(def, def.NextRunAt, now, status)
				if err := insertJob(ctx, tx, job); err != nil {
					return err
				}
				created = append(created, job)
			}

			if err := markRepeatableFired(ctx, tx, def.Key, now, next); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, job := range created {
		q.notifySubscribers(job)
	}
	q.metrics.RepeatFired(len(created))
	return len(created), nil
}

// Dequeue claims the oldest runnable waiting job whose name is in names
// and marks it active. Returns nil when nothing is runnable.
func (q *Queue) Dequeue(ctx context.Context, names []string) (*Job, error) {
	if len(names) == 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var job *Job
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		placeholders := make([]string, len(names))
		args := []interface{}{JobStatusWaiting, toMillis(now)}
		for i, n := range names {
			placeholders[i] = "?"
			args = append(args, n)
		}
		query := `SELECT ` + StandardJobSelectColumns + ` FROM pulse_jobs
			WHERE status = ? AND run_at <= ? AND name IN (` + strings.Join(placeholders, ", ") + `)
			ORDER BY run_at, created_at, id
			LIMIT 1`

		candidate, err := scanJob(tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed to select next job")
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE pulse_jobs SET status = ?, progress = 0, processed_on = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			JobStatusActive, toMillis(now), toMillis(now), candidate.ID, JobStatusWaiting)
		if err != nil {
			return errors.Wrapf(err, "failed to mark job %s active", candidate.ID)
		}

		candidate.Status = JobStatusActive
		candidate.Progress = 0
		processed := now
		candidate.ProcessedOn = &processed
		candidate.UpdatedAt = now
		job = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}

	if job != nil {
		q.notifySubscribers(job)
	}
	return job, nil
}

// UpdateProgress records the progress percentage (clamped to 0..100) of an active job
func (q *Queue) UpdateProgress(ctx context.Context, job *Job, pct float64) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	q.mu.Lock()
	err := q.store.UpdateProgress(ctx, job.ID, pct, q.now())
	q.mu.Unlock()
	if err != nil {
		return err
	}

	job.Progress = pct
	q.notifySubscribers(job)
	return nil
}

// Complete marks an active job completed at 100% progress
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	q.mu.Lock()
	now := q.now()
	_, err := q.db.ExecContext(ctx,
		`UPDATE pulse_jobs SET status = ?, progress = 100, finished_on = ?, failed_reason = '', updated_at = ?
		 WHERE id = ? AND status = ?`,
		JobStatusCompleted, toMillis(now), toMillis(now), job.ID, JobStatusActive)
	q.mu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "failed to complete job %s", job.ID)
	}

	job.Status = JobStatusCompleted
	job.Progress = 100
	job.FailedReason = ""
	job.FinishedOn = &now
	job.UpdatedAt = now
	q.notifySubscribers(job)
	return nil
}

// Fail records a failed execution. While attempts remain the job is delayed by its
// exponential backoff; otherwise it becomes failed and final is true.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (final bool, err error) {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	attempts := job.AttemptsMade + 1
	final = attempts >= job.MaxAttempts

	q.mu.Lock()
	now := q.now()
	if final {
		_, err = q.db.ExecContext(ctx,
			`UPDATE pulse_jobs SET status = ?, attempts_made = ?, failed_reason = ?, finished_on = ?, updated_at = ?
			 WHERE id = ?`,
			JobStatusFailed, attempts, reason, toMillis(now), toMillis(now), job.ID)
	} else {
		delay := Backoff{Delay: time.Duration(job.BackoffMs) * time.Millisecond}.delayFor(attempts)
		job.RunAt = now.Add(delay)
		_, err = q.db.ExecContext(ctx,
			`UPDATE pulse_jobs SET status = ?, attempts_made = ?, failed_reason = ?, run_at = ?, updated_at = ?
			 WHERE id = ?`,
			JobStatusDelayed, attempts, reason, toMillis(job.RunAt), toMillis(now), job.ID)
	}
	q.mu.Unlock()
	if err != nil {
		return final, errors.Wrapf(err, "failed to record failure of job %s", job.ID)
	}

	job.AttemptsMade = attempts
	job.FailedReason = reason
	job.UpdatedAt = now
	if final {
		job.Status = JobStatusFailed
		job.FinishedOn = &now
	} else {
		job.Status = JobStatusDelayed
	}
	q.notifySubscribers(job)
	return final, nil
}

// Requeue returns an interrupted active job to the queue without consuming an attempt
func (q *Queue) Requeue(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.withTx(ctx, func(tx *sql.Tx) error {
		status, err := initialStatus(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE pulse_jobs SET status = ?, progress = 0, processed_on = NULL, updated_at = ?
			 WHERE id = ? AND status = ?`,
			status, toMillis(q.now()), job.ID, JobStatusActive)
		if err != nil {
			return errors.Wrapf(err, "failed to requeue job %s", job.ID)
		}
		job.Status = status
		job.Progress = 0
		job.ProcessedOn = nil
		return nil
	})
}

// RequeueActive returns every active job to the queue. Called at startup, when no
// worker of this process can be running them, so they are orphans of a previous run.
func (q *Queue) RequeueActive(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int64
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		status, err := initialStatus(ctx, tx)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE pulse_jobs SET status = ?, progress = 0, processed_on = NULL, updated_at = ?
			 WHERE status = ?`,
			status, toMillis(q.now()), JobStatusActive)
		if err != nil {
			return errors.Wrap(err, "failed to requeue orphaned jobs")
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}
