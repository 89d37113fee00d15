package async

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/almasync/errors"
	almatest "github.com/teranos/almasync/internal/testing"
)

// ============================================================================
// Cronos Queue Test Universe
// ============================================================================
//
// Characters:
//   - TAS Bot: submits jobs with frame-perfect timing
//   - Cronos: controls the clock, so every firing and backoff is deterministic
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var cronosEpoch = time.Date(2026, 1, 1, 10, 2, 0, 0, time.UTC)

func newTestQueue(t *testing.T) (*Queue, *fakeClock) {
	t.Helper()
	clock := newFakeClock(cronosEpoch)
	q := NewQueue(almatest.CreateTestDB(t), QueueOptions{
		Location:       time.UTC,
		DefaultBackoff: Backoff{Delay: time.Second},
		Clock:          clock.Now,
	})
	return q, clock
}

func oneShot(id string) SubmitRequest {
	return SubmitRequest{
		ID:      id,
		Name:    "dhis2-alma-sync",
		Payload: json.RawMessage(`{"scheduleId":"` + id + `"}`),
	}
}

func recurring(id, pattern string, immediately bool) SubmitRequest {
	req := oneShot(id)
	req.Options.Repeat = &RepeatOptions{Pattern: pattern, Immediately: immediately, Key: id}
	return req
}

var syncNames = []string{"dhis2-alma-sync"}

func TestSubmitOneShot(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	sub, err := q.Submit(ctx, oneShot("sched-1"))
	require.NoError(t, err)
	assert.Equal(t, "sched-1", sub.JobID)
	assert.Equal(t, "sched-1", sub.InstanceID)
	assert.False(t, sub.Existing)

	job, err := q.GetJob(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusWaiting, job.Status)
	assert.Equal(t, "sched-1", job.Key)
	assert.Equal(t, DefaultAttempts, job.MaxAttempts)
	assert.Equal(t, int64(1000), job.BackoffMs)
	assert.JSONEq(t, `{"scheduleId":"sched-1"}`, string(job.Payload))
	assert.True(t, job.RunAt.Equal(cronosEpoch))
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Submit(ctx, SubmitRequest{Name: "x"})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = q.Submit(ctx, SubmitRequest{ID: "x"})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = q.Submit(ctx, recurring("x", "not a cron", false))
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestSubmitReplacesPendingJob(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Submit(ctx, oneShot("sched-1"))
	require.NoError(t, err)

	req := oneShot("sched-1")
	req.Payload = json.RawMessage(`{"scheduleId":"sched-1","v":2}`)
	_, err = q.Submit(ctx, req)
	require.NoError(t, err)

	jobs, err := q.GetJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1, "resubmission replaces rather than adds")
	assert.JSONEq(t, `{"scheduleId":"sched-1","v":2}`, string(jobs[0].Payload))
}

func TestSubmitLeavesActiveJobRunning(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Submit(ctx, oneShot("sched-1"))
	require.NoError(t, err)
	active, err := q.Dequeue(ctx, syncNames)
	require.NoError(t, err)
	require.NotNil(t, active)

	sub, err := q.Submit(ctx, oneShot("sched-1"))
	require.NoError(t, err)
	assert.True(t, sub.Existing)

	jobs, err := q.GetJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, JobStatusActive, jobs[0].Status)
}

func TestSubmitRepeatable(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	sub, err := q.Submit(ctx, recurring("sched-r", "0 0 * * *", false))
	require.NoError(t, err)
	assert.Equal(t, "sched-r", sub.JobID)
	assert.Empty(t, sub.InstanceID, "no firing until the first tick")
	require.NotNil(t, sub.NextRunAt)
	assert.True(t, sub.NextRunAt.Equal(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)))

	defs, err := q.ListRepeatables(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "sched-r", defs[0].Key)
	assert.Equal(t, "0 0 * * *", defs[0].Pattern)

	jobs, err := q.GetJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// Registering again keeps exactly one definition
	_, err = q.Submit(ctx, recurring("sched-r", "0 6 * * *", false))
	require.NoError(t, err)
	defs, err = q.ListRepeatables(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "0 6 * * *", defs[0].Pattern)
}

func TestSubmitRepeatableImmediately(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	sub, err := q.Submit(ctx, recurring("sched-r", "*/5 * * * *", true))
	require.NoError(t, err)
	require.NotEmpty(t, sub.InstanceID)

	job, err := q.GetJob(ctx, sub.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, "sched-r", job.Key)
	assert.True(t, job.IsRepeatInstance())
	assert.Equal(t, JobStatusWaiting, job.Status)

	byKey, err := q.GetJobByKey(ctx, "sched-r")
	require.NoError(t, err)
	assert.Equal(t, sub.InstanceID, byKey.ID)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	found, err := q.Cancel(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found, "cancel of nothing returns false without error")

	_, err = q.Submit(ctx, recurring("sched-r", "*/5 * * * *", true))
	require.NoError(t, err)

	found, err = q.Cancel(ctx, "sched-r")
	require.NoError(t, err)
	assert.True(t, found)

	defs, err := q.ListRepeatables(ctx)
	require.NoError(t, err)
	assert.Empty(t, defs)
	jobs, err := q.GetJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	found, err = q.Cancel(ctx, "sched-r")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCancelKeepsActiveInstance(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Submit(ctx, recurring("sched-r", "*/5 * * * *", true))
	require.NoError(t, err)
	active, err := q.Dequeue(ctx, syncNames)
	require.NoError(t, err)
	require.NotNil(t, active)

	found, err := q.Cancel(ctx, "sched-r")
	require.NoError(t, err)
	assert.True(t, found)

	defs, err := q.ListRepeatables(ctx)
	require.NoError(t, err)
	assert.Empty(t, defs, "no future firings after cancel")

	job, err := q.GetJob(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusActive, job.Status, "in-flight execution is not killed")
}

func TestFireDueRepeatables(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	_, err := q.Submit(ctx, recurring("sched-r", "*/5 * * * *", false))
	require.NoError(t, err)

	fired, err := q.FireDueRepeatables(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired, "10:02 is before the first firing")

	clock.Set(time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC))
	fired, err = q.FireDueRepeatables(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	def, err := q.GetRepeatable(ctx, "sched-r")
	require.NoError(t, err)
	assert.True(t, def.NextRunAt.Equal(time.Date(2026, 1, 1, 10, 10, 0, 0, time.UTC)))
	require.NotNil(t, def.LastRunAt)

	// The 10:05 instance is still waiting, so the 10:10 firing is skipped rather than stacked
	clock.Set(time.Date(2026, 1, 1, 10, 11, 0, 0, time.UTC))
	fired, err = q.FireDueRepeatables(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	def, err = q.GetRepeatable(ctx, "sched-r")
	require.NoError(t, err)
	assert.True(t, def.NextRunAt.Equal(time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC)))

	jobs, err := q.GetJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, repeatInstanceID("sched-r", time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC)), jobs[0].ID)
}

func TestFireDueRepeatablesSkipsMissedFirings(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	_, err := q.Submit(ctx, recurring("sched-r", "*/5 * * * *", false))
	require.NoError(t, err)

	// Down for an hour: one instance, not twelve
	clock.Advance(time.Hour)
	fired, err := q.FireDueRepeatables(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	def, err := q.GetRepeatable(ctx, "sched-r")
	require.NoError(t, err)
	assert.True(t, def.NextRunAt.After(clock.Now()))
}

func TestDequeueMarksActive(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	job, err := q.Dequeue(ctx, syncNames)
	require.NoError(t, err)
	assert.Nil(t, job, "empty queue")

	_, err = q.Submit(ctx, oneShot("sched-1"))
	require.NoError(t, err)

	job, err = q.Dequeue(ctx, []string{"other-processor"})
	require.NoError(t, err)
	assert.Nil(t, job, "only registered names are claimed")

	job, err = q.Dequeue(ctx, syncNames)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobStatusActive, job.Status)
	require.NotNil(t, job.ProcessedOn)

	again, err := q.Dequeue(ctx, syncNames)
	require.NoError(t, err)
	assert.Nil(t, again, "a job is claimed once")
}

func TestFailRetriesWithBackoffThenFails(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	req := oneShot("sched-1")
	req.Options.Attempts = 2
	req.Options.Backoff = Backoff{Delay: 10 * time.Second}
	_, err := q.Submit(ctx, req)
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, syncNames)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.False(t, job.IsFinalAttempt())

	final, err := q.Fail(ctx, job, errors.New("dhis2 unreachable"))
	require.NoError(t, err)
	assert.False(t, final)

	stored, err := q.GetJob(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusDelayed, stored.Status)
	assert.Equal(t, 1, stored.AttemptsMade)
	assert.Equal(t, "dhis2 unreachable", stored.FailedReason)
	assert.True(t, stored.RunAt.Equal(cronosEpoch.Add(10*time.Second)))

	promoted, err := q.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted, "backoff has not elapsed")

	clock.Advance(10 * time.Second)
	promoted, err = q.PromoteDelayed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	job, err = q.Dequeue(ctx, syncNames)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.True(t, job.IsFinalAttempt())

	final, err = q.Fail(ctx, job, errors.New("still unreachable"))
	require.NoError(t, err)
	assert.True(t, final)

	stored, err = q.GetJob(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)
	assert.Equal(t, 2, stored.AttemptsMade)
	require.NotNil(t, stored.FinishedOn)
}

func TestCompleteForcesFullProgress(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Submit(ctx, oneShot("sched-1"))
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, syncNames)
	require.NoError(t, err)

	require.NoError(t, q.UpdateProgress(ctx, job, 42.5))
	stored, err := q.GetJob(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, 42.5, stored.Progress)

	require.NoError(t, q.UpdateProgress(ctx, job, 180))
	assert.Equal(t, 100.0, job.Progress, "progress is clamped")

	require.NoError(t, q.Complete(ctx, job))
	stored, err = q.GetJob(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, stored.Status)
	assert.Equal(t, 100.0, stored.Progress)
	require.NotNil(t, stored.FinishedOn)
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Submit(ctx, oneShot("a"))
	require.NoError(t, err)
	require.NoError(t, q.Pause(ctx))

	paused, err := q.IsPaused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	_, err = q.Submit(ctx, oneShot("b"))
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, syncNames)
	require.NoError(t, err)
	assert.Nil(t, job, "paused queue hands out nothing")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Paused)
	assert.Equal(t, 0, stats.Waiting)
	assert.True(t, stats.IsPaused)

	require.NoError(t, q.Resume(ctx))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Waiting)
	assert.Equal(t, 2, stats.Total)
	assert.False(t, stats.IsPaused)
}

func TestRequeueActive(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Submit(ctx, oneShot("sched-1"))
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, syncNames)
	require.NoError(t, err)

	n, err := q.RequeueActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := q.GetJob(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusWaiting, job.Status)
	assert.Equal(t, 0, job.AttemptsMade, "orphan recovery does not consume an attempt")
	assert.Nil(t, job.ProcessedOn)
}

func TestCleanupOldJobs(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	_, err := q.Submit(ctx, oneShot("old"))
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, syncNames)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job))

	clock.Advance(25 * time.Hour)
	_, err = q.Submit(ctx, oneShot("fresh"))
	require.NoError(t, err)

	purged, err := q.CleanupOldJobs(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = q.GetJob(ctx, "old")
	assert.True(t, errors.IsNotFoundError(err))
	_, err = q.GetJob(ctx, "fresh")
	assert.NoError(t, err)
}

func TestSubscribersReceiveUpdates(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	_, err := q.Submit(ctx, oneShot("sched-1"))
	require.NoError(t, err)

	select {
	case job := <-ch:
		assert.Equal(t, "sched-1", job.ID)
		assert.Equal(t, JobStatusWaiting, job.Status)
	case <-time.After(time.Second):
		t.Fatal("no notification received")
	}
}

func TestValidateCronAndNextRun(t *testing.T) {
	assert.NoError(t, ValidateCron("0 0 * * *"))
	assert.NoError(t, ValidateCron("30 0 0 * * *"), "seconds field is optional")
	assert.NoError(t, ValidateCron("@daily"))
	assert.Error(t, ValidateCron(""))
	assert.Error(t, ValidateCron("61 * * * *"))

	loc, err := time.LoadLocation("Africa/Kampala")
	require.NoError(t, err)
	next, err := NextRun("0 0 * * *", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC), next.UTC(), "midnight in UTC+3")
}
