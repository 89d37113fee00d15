package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/almasync/errors"
	almatest "github.com/teranos/almasync/internal/testing"
	"github.com/teranos/almasync/pulse/async"
	"github.com/teranos/almasync/transfer"
)

var schedulerEpoch = time.Date(2026, 1, 1, 10, 2, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []transfer.Params
	run   func(ctx context.Context, p transfer.Params, progress transfer.ProgressFunc) (*transfer.Result, error)
}

func (f *fakeExecutor) Run(ctx context.Context, p transfer.Params, progress transfer.ProgressFunc) (*transfer.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, p)
	run := f.run
	f.mu.Unlock()
	if run == nil {
		progress(100, "done")
		return &transfer.Result{UnitsTotal: 1, Periods: []string{"202601"}}, nil
	}
	return run(ctx, p, progress)
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	events   []string
	progress []ProgressUpdate
}

func (r *recordingBroadcaster) record(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingBroadcaster) BroadcastScheduleCreated(*Schedule) { r.record("created") }
func (r *recordingBroadcaster) BroadcastScheduleUpdated(*Schedule) { r.record("updated") }
func (r *recordingBroadcaster) BroadcastScheduleDeleted(string)    { r.record("deleted") }
func (r *recordingBroadcaster) BroadcastScheduleStarted(*Schedule) { r.record("started") }
func (r *recordingBroadcaster) BroadcastScheduleStopped(*Schedule) { r.record("stopped") }

func (r *recordingBroadcaster) BroadcastProgress(u ProgressUpdate) {
	r.mu.Lock()
	r.progress = append(r.progress, u)
	r.mu.Unlock()
}

func (r *recordingBroadcaster) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingBroadcaster) Progress() []ProgressUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ProgressUpdate(nil), r.progress...)
}

type harness struct {
	scheduler *Scheduler
	store     *Store
	queue     *async.Queue
	registry  *async.Registry
	executor  *fakeExecutor
	events    *recordingBroadcaster
	clock     *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := almatest.CreateTestDB(t)
	clock := &testClock{now: schedulerEpoch}

	store := NewStore(db)
	store.now = clock.Now
	execs := NewExecutionStore(db)
	execs.now = clock.Now

	queue := async.NewQueue(db, async.QueueOptions{
		Location:       time.UTC,
		DefaultBackoff: async.Backoff{Delay: time.Second},
		Clock:          clock.Now,
	})
	executor := &fakeExecutor{}
	events := &recordingBroadcaster{}

	s := NewScheduler(Deps{
		Store:       store,
		Executions:  execs,
		Runtime:     queue,
		Executor:    executor,
		Broadcaster: events,
	}, Config{
		Backoff:  time.Second,
		Location: time.UTC,
		Clock:    clock.Now,
	})

	registry := async.NewRegistry()
	s.RegisterProcessors(registry)

	return &harness{
		scheduler: s,
		store:     store,
		queue:     queue,
		registry:  registry,
		executor:  executor,
		events:    events,
		clock:     clock,
	}
}

func (h *harness) create(t *testing.T, sched *Schedule) *Schedule {
	t.Helper()
	created, err := h.scheduler.Create(context.Background(), sched)
	require.NoError(t, err)
	return created
}

func immediate() *Schedule {
	s := nightly()
	s.Name = "one-off backfill"
	s.Type = TypeImmediate
	s.CronExpression = ""
	return s
}

// runNext claims the next waiting job and runs it through the registered processor,
// collecting the progress the runtime receives.
func (h *harness) runNext(t *testing.T, ctx context.Context) (*async.Job, []float64, error) {
	t.Helper()
	job, err := h.queue.Dequeue(context.Background(), []string{DefaultProcessor})
	require.NoError(t, err)
	require.NotNil(t, job, "expected a runnable job")

	var reported []float64
	err = h.registry.Get(job.Name).Process(ctx, job, func(pct float64) {
		reported = append(reported, pct)
	})
	return job, reported, err
}

func TestCreateLeavesScheduleIdle(t *testing.T) {
	h := newHarness(t)
	sched := h.create(t, nightly())

	assert.Equal(t, DefaultProcessor, sched.Processor)
	assert.False(t, sched.IsActive)
	assert.Equal(t, StatusIdle, sched.Status)

	jobs, err := h.queue.GetJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs, "create never submits work")
	assert.Equal(t, []string{"created"}, h.events.Events())
}

func TestCreateRejectsInvalidSchedule(t *testing.T) {
	h := newHarness(t)
	bad := nightly()
	bad.CronExpression = ""
	_, err := h.scheduler.Create(context.Background(), bad)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestStartRecurringRegistersSingleRepeatable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sched := h.create(t, nightly())

	_, err := h.scheduler.Start(ctx, sched.ID)
	require.NoError(t, err)
	started, err := h.scheduler.Start(ctx, sched.ID)
	require.NoError(t, err)

	defs, err := h.queue.ListRepeatables(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1, "starting twice leaves one repeatable")
	assert.Equal(t, sched.ID, defs[0].Key)
	assert.Equal(t, "0 0 * * *", defs[0].Pattern)

	jobs, err := h.queue.GetJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs, "no instance until the first tick")

	assert.True(t, started.IsActive)
	assert.Equal(t, StatusIdle, started.Status)
	assert.Equal(t, "Ready to start", started.Message)
	assert.Equal(t, sched.ID, started.CurrentJobID)
	require.NotNil(t, started.NextRun)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC).UnixMilli(), started.NextRun.UnixMilli())

	stopped, err := h.scheduler.Stop(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, stopped.IsActive)
	assert.Nil(t, stopped.NextRun)

	defs, err = h.queue.ListRepeatables(ctx)
	require.NoError(t, err)
	assert.Empty(t, defs)

	assert.Equal(t, []string{"created", "started", "started", "stopped"}, h.events.Events())
}

func TestStartRecurringImmediatelySpawnsInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sched := nightly()
	sched.RunImmediately = true
	sched = h.create(t, sched)

	started, err := h.scheduler.Start(ctx, sched.ID)
	require.NoError(t, err)

	jobs, err := h.queue.GetJobs(ctx, async.JobStatusWaiting)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, sched.ID, jobs[0].Key)
	assert.Equal(t, jobs[0].ID, started.CurrentJobID)
}

func TestStartImmediateIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sched := h.create(t, immediate())

	for i := 0; i < 3; i++ {
		_, err := h.scheduler.Start(ctx, sched.ID)
		require.NoError(t, err)
	}

	jobs, err := h.queue.GetJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, sched.ID, jobs[0].ID)
	assert.Equal(t, async.JobStatusWaiting, jobs[0].Status)
	assert.Equal(t, DefaultMaxRetries, jobs[0].MaxAttempts)
}

func TestStartRejectsIncompleteSyncParams(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	draft := immediate()
	draft.DHIS2Instance = ""
	sched := h.create(t, draft)

	_, err := h.scheduler.Start(ctx, sched.ID)
	require.Error(t, err)
	assert.True(t, errors.IsConfigurationError(err))

	got, err := h.store.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	jobs, err := h.queue.GetJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestStartRejectsForeignProcessor(t *testing.T) {
	h := newHarness(t)
	other := immediate()
	other.Processor = "something-else"
	sched := h.create(t, other)

	_, err := h.scheduler.Start(context.Background(), sched.ID)
	assert.True(t, errors.IsConfigurationError(err))
}

func TestStartMissingSchedule(t *testing.T) {
	h := newHarness(t)
	_, err := h.scheduler.Start(context.Background(), "ghost")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestUpdateActiveScheduleResyncsRepeatable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sched := h.create(t, nightly())
	_, err := h.scheduler.Start(ctx, sched.ID)
	require.NoError(t, err)

	cron := "30 2 * * *"
	updated, err := h.scheduler.Update(ctx, sched.ID, &Patch{CronExpression: &cron})
	require.NoError(t, err)

	def, err := h.queue.GetRepeatable(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, cron, def.Pattern)

	defs, err := h.queue.ListRepeatables(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 1)

	require.NotNil(t, updated.NextRun)
	assert.Equal(t, time.Date(2026, 1, 2, 2, 30, 0, 0, time.UTC).UnixMilli(), updated.NextRun.UnixMilli())
}

func TestUpdateInactiveScheduleLeavesRuntimeAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sched := h.create(t, nightly())

	name := "renamed"
	_, err := h.scheduler.Update(ctx, sched.ID, &Patch{Name: &name})
	require.NoError(t, err)

	defs, err := h.queue.ListRepeatables(ctx)
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestUpdateFinishedOneShotKeepsResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sched := h.create(t, immediate())
	_, err := h.scheduler.Start(ctx, sched.ID)
	require.NoError(t, err)

	job, _, err := h.runNext(t, ctx)
	require.NoError(t, err)
	require.NoError(t, h.queue.Complete(ctx, job))

	name := "renamed"
	renamed, err := h.scheduler.Update(ctx, sched.ID, &Patch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", renamed.Name)
	assert.Equal(t, StatusCompleted, renamed.Status)

	scorecard := 9
	_, err = h.scheduler.Update(ctx, sched.ID, &Patch{Scorecard: &scorecard})
	require.NoError(t, err)

	waiting, err := h.queue.GetJobs(ctx, async.JobStatusWaiting, async.JobStatusDelayed)
	require.NoError(t, err)
	assert.Empty(t, waiting, "a finished one-shot runs again only when started")
	assert.Equal(t, 1, h.executor.callCount())
}

func TestUpdateRecurringDoesNotFireImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sched := nightly()
	sched.RunImmediately = true
	sched = h.create(t, sched)
	_, err := h.scheduler.Start(ctx, sched.ID)
	require.NoError(t, err)

	job, _, err := h.runNext(t, ctx)
	require.NoError(t, err)
	require.NoError(t, h.queue.Complete(ctx, job))

	name := "nightly, renamed"
	_, err = h.scheduler.Update(ctx, sched.ID, &Patch{Name: &name})
	require.NoError(t, err)

	cron := "30 2 * * *"
	updated, err := h.scheduler.Update(ctx, sched.ID, &Patch{CronExpression: &cron})
	require.NoError(t, err)

	waiting, err := h.queue.GetJobs(ctx, async.JobStatusWaiting)
	require.NoError(t, err)
	assert.Empty(t, waiting)

	defs, err := h.queue.ListRepeatables(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, cron, defs[0].Pattern)
	require.NotNil(t, updated.NextRun)
	assert.Equal(t, time.Date(2026, 1, 2, 2, 30, 0, 0, time.UTC).UnixMilli(), updated.NextRun.UnixMilli())
}

func TestJobSettingsChanged(t *testing.T) {
	base := nightly()

	renamed := *base
	renamed.Name = "other"
	assert.False(t, jobSettingsChanged(base, &renamed))

	group := *base
	group.IndicatorGroup = "other-group"
	assert.True(t, jobSettingsChanged(base, &group))

	retries := *base
	retries.MaxRetries = base.MaxRetries + 1
	assert.True(t, jobSettingsChanged(base, &retries))
}

func TestDeleteDuringRunDiscardsOutcome(t *testing.T) {
	for _, tc := range []struct {
		name   string
		runErr error
	}{
		{"completed", nil},
		{"failed", errors.NewExternalServiceError("alma returned 502")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			sched := h.create(t, immediate())
			_, err := h.scheduler.Start(ctx, sched.ID)
			require.NoError(t, err)

			h.executor.run = func(ctx context.Context, p transfer.Params, progress transfer.ProgressFunc) (*transfer.Result, error) {
				progress(40, "Syncing")
				require.NoError(t, h.scheduler.Delete(context.Background(), p.ScheduleID))
				progress(100, "done")
				return &transfer.Result{UnitsTotal: 1, Periods: []string{"202601"}}, tc.runErr
			}

			_, _, err = h.runNext(t, ctx)
			require.NoError(t, err, "a pass on a deleted schedule must not be retried")

			_, err = h.store.Get(ctx, sched.ID)
			assert.True(t, errors.IsNotFoundError(err))
			assert.Contains(t, h.events.Events(), "deleted")
		})
	}
}

func TestStopDuringRunLeavesNextRunClear(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sched := nightly()
	sched.RunImmediately = true
	sched = h.create(t, sched)
	_, err := h.scheduler.Start(ctx, sched.ID)
	require.NoError(t, err)

	h.executor.run = func(ctx context.Context, p transfer.Params, progress transfer.ProgressFunc) (*transfer.Result, error) {
		_, err := h.scheduler.Stop(context.Background(), p.ScheduleID)
		require.NoError(t, err)
		progress(100, "done")
		return &transfer.Result{UnitsTotal: 1, Periods: []string{"202601"}}, nil
	}

	_, _, err = h.runNext(t, ctx)
	require.NoError(t, err)

	got, err := h.store.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Nil(t, got.NextRun)
}

func TestStopThenDeleteWithActiveJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sched := h.create(t, immediate())
	_, err := h.scheduler.Start(ctx, sched.ID)
	require.NoError(t, err)

	job, err := h.queue.Dequeue(ctx, []string{DefaultProcessor})
	require.NoError(t, err)
	require.NotNil(t, job)

	stopped, err := h.scheduler.Stop(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, stopped.IsActive)

	require.NoError(t, h.scheduler.Delete(ctx, sched.ID))
	_, err = h.scheduler.Get(ctx, sched.ID)
	assert.True(t, errors.IsNotFoundError(err))

	// The executing job is left to finish and then finds its schedule gone
	err = h.registry.Get(DefaultProcessor).Process(ctx, job, func(float64) {})
	require.NoError(t, err)
	assert.Zero(t, h.executor.callCount())

	assert.Contains(t, h.events.Events(), "deleted")
}

func TestDeleteMissingSchedule(t *testing.T) {
	h := newHarness(t)
	assert.True(t, errors.IsNotFoundError(h.scheduler.Delete(context.Background(), "ghost")))
}

func TestGetByStatusRejectsUnknownStatus(t *testing.T) {
	h := newHarness(t)
	_, err := h.scheduler.GetByStatus(context.Background(), "sleeping")
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestProcessCompletesWithMonotonicProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sched := h.create(t, immediate())
	_, err := h.scheduler.Start(ctx, sched.ID)
	require.NoError(t, err)

	h.executor.run = func(ctx context.Context, p transfer.Params, progress transfer.ProgressFunc) (*transfer.Result, error) {
		progress(10, "Fetching indicators")
		progress(5, "out of order")
		progress(60, "Syncing 202601")
		h.clock.Advance(2 * time.Second)
		return &transfer.Result{UnitsTotal: 3, Periods: []string{"202601"}}, nil
	}

	job, reported, err := h.runNext(t, ctx)
	require.NoError(t, err)
	require.NoError(t, h.queue.Complete(ctx, job))

	assert.Equal(t, []float64{10, 10, 60}, reported)

	got, err := h.store.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, StatusCompleted, got.LastStatus)
	assert.Equal(t, 100.0, got.Progress)
	assert.Equal(t, "Synced 3 units for [202601]", got.Message)
	assert.Empty(t, got.CurrentJobID)
	assert.Nil(t, got.NextRun)
	require.NotNil(t, got.LastRun)

	require.Len(t, h.executor.calls, 1)
	params := h.executor.calls[0]
	assert.Equal(t, sched.ID, params.ScheduleID)
	assert.Equal(t, 42, params.Scorecard)

	updates := h.events.Progress()
	var last float64
	for _, u := range updates {
		if u.Status == StatusRunning {
			assert.GreaterOrEqual(t, u.Progress, last)
			last = u.Progress
		}
	}
	final := updates[len(updates)-1]
	assert.Equal(t, 100.0, final.Progress)
	assert.Equal(t, StatusCompleted, final.Status)

	execs, err := h.scheduler.Executions(ctx, sched.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, ExecutionStatusCompleted, execs[0].Status)
	assert.Equal(t, 3, execs[0].UnitsTotal)
}

func TestProcessRecurringSetsNextRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sched := nightly()
	sched.RunImmediately = true
	sched = h.create(t, sched)
	_, err := h.scheduler.Start(ctx, sched.ID)
	require.NoError(t, err)

	_, _, err = h.runNext(t, ctx)
	require.NoError(t, err)

	got, err := h.store.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.True(t, got.IsActive)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC).UnixMilli(), got.NextRun.UnixMilli())
}

func TestProcessFailureRetriesThenFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	draft := immediate()
	draft.MaxRetries = 2
	sched := h.create(t, draft)
	_, err := h.scheduler.Start(ctx, sched.ID)
	require.NoError(t, err)

	boom := errors.NewExternalServiceError("alma returned 502")
	h.executor.run = func(ctx context.Context, p transfer.Params, progress transfer.ProgressFunc) (*transfer.Result, error) {
		progress(30, "Syncing")
		return &transfer.Result{UnitsTotal: 2, UnitsFailed: 2}, boom
	}

	job, _, err := h.runNext(t, ctx)
	require.Error(t, err)
	final, err := h.queue.Fail(ctx, job, err)
	require.NoError(t, err)
	require.False(t, final)

	got, err := h.store.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryAttempts)
	assert.Contains(t, got.Message, "Attempt 1/2 failed, retrying")
	assert.Equal(t, job.ID, got.CurrentJobID, "the retry still belongs to the schedule")

	h.clock.Advance(2 * time.Second)
	_, err = h.queue.PromoteDelayed(ctx)
	require.NoError(t, err)

	job, _, err = h.runNext(t, ctx)
	require.Error(t, err)
	final, err = h.queue.Fail(ctx, job, err)
	require.NoError(t, err)
	require.True(t, final)

	got, err = h.store.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, StatusFailed, got.LastStatus)
	assert.Equal(t, 2, got.RetryAttempts)
	assert.Contains(t, got.Message, "Failed after 2 attempt(s)")
	assert.Empty(t, got.CurrentJobID)

	execs, err := h.scheduler.Executions(ctx, sched.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, 2, execs[0].Attempt)
	assert.Equal(t, ExecutionStatusFailed, execs[0].Status)
}

func TestProcessSkipsInactiveSchedule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sched := h.create(t, immediate())
	_, err := h.scheduler.Start(ctx, sched.ID)
	require.NoError(t, err)

	job, err := h.queue.Dequeue(ctx, []string{DefaultProcessor})
	require.NoError(t, err)
	require.NotNil(t, job)

	_, err = h.scheduler.Stop(ctx, sched.ID)
	require.NoError(t, err)

	err = h.registry.Get(DefaultProcessor).Process(ctx, job, func(float64) {})
	require.NoError(t, err)
	assert.Zero(t, h.executor.callCount())

	got, err := h.store.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, got.Status)
}

func TestProcessInterruptedByShutdown(t *testing.T) {
	h := newHarness(t)
	sched := h.create(t, immediate())
	_, err := h.scheduler.Start(context.Background(), sched.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h.executor.run = func(ctx context.Context, p transfer.Params, progress transfer.ProgressFunc) (*transfer.Result, error) {
		progress(40, "Syncing")
		cancel()
		return nil, ctx.Err()
	}

	_, _, err = h.runNext(t, ctx)
	require.ErrorIs(t, err, context.Canceled)

	got, err := h.store.Get(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "Interrupted by shutdown, job requeued", got.Message)
}

func TestStatusReportsRuntimeEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	recurringSched := h.create(t, nightly())
	_, err := h.scheduler.Start(ctx, recurringSched.ID)
	require.NoError(t, err)

	report, err := h.scheduler.Status(ctx, recurringSched.ID)
	require.NoError(t, err)
	require.NotNil(t, report.Repeat)
	assert.Equal(t, "0 0 * * *", report.Repeat.Pattern)
	assert.Nil(t, report.Job)

	oneShot := h.create(t, immediate())
	_, err = h.scheduler.Start(ctx, oneShot.ID)
	require.NoError(t, err)

	report, err = h.scheduler.Status(ctx, oneShot.ID)
	require.NoError(t, err)
	require.NotNil(t, report.Job)
	assert.Equal(t, async.JobStatusWaiting, report.Job.Status)
	assert.Nil(t, report.Repeat)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")

	done := make(chan struct{})
	go func() {
		release := k.Lock("a")
		release()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second lock acquired while the first was held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	<-done

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
