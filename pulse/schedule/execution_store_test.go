package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/transfer"
)

func TestExecutionLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sched := nightly()
	require.NoError(t, store.Create(ctx, sched))

	now := storeEpoch
	execs := NewExecutionStore(store.DB())
	execs.now = func() time.Time { return now }

	first, err := execs.Start(ctx, sched.ID, "job-1", 1)
	require.NoError(t, err)
	now = now.Add(3 * time.Second)
	require.NoError(t, execs.Finish(ctx, first, &transfer.Result{UnitsTotal: 4, UnitsFailed: 1, Periods: []string{"202402"}}, errors.New("1 of 4 units failed")))

	now = now.Add(time.Minute)
	second, err := execs.Start(ctx, sched.ID, "job-1", 2)
	require.NoError(t, err)
	now = now.Add(2 * time.Second)
	require.NoError(t, execs.Finish(ctx, second, &transfer.Result{UnitsTotal: 4, Periods: []string{"202402"}}, nil))

	list, err := execs.ListForSchedule(ctx, sched.ID, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, second.ID, list[0].ID, "newest first")
	assert.Equal(t, ExecutionStatusCompleted, list[0].Status)
	assert.Equal(t, 2, list[0].Attempt)
	require.NotNil(t, list[0].DurationMs)
	assert.Equal(t, int64(2000), *list[0].DurationMs)

	assert.Equal(t, ExecutionStatusFailed, list[1].Status)
	assert.Equal(t, 1, list[1].UnitsFailed)
	assert.Equal(t, "1 of 4 units failed", list[1].ErrorMessage)
	assert.Equal(t, []string{"202402"}, list[1].Periods)
}

func TestExecutionMarkInterrupted(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sched := nightly()
	require.NoError(t, store.Create(ctx, sched))
	execs := NewExecutionStore(store.DB())

	_, err := execs.Start(ctx, sched.ID, "job-1", 1)
	require.NoError(t, err)

	n, err := execs.MarkInterrupted(ctx, sched.ID, interruptedMessage)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err := execs.ListForSchedule(ctx, sched.ID, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ExecutionStatusFailed, list[0].Status)
	assert.Equal(t, interruptedMessage, list[0].ErrorMessage)
	assert.NotNil(t, list[0].FinishedAt)

	n, err = execs.MarkInterrupted(ctx, sched.ID, interruptedMessage)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExecutionsCascadeWithSchedule(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sched := nightly()
	require.NoError(t, store.Create(ctx, sched))
	execs := NewExecutionStore(store.DB())

	exec, err := execs.Start(ctx, sched.ID, "job-1", 1)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, sched.ID))

	list, err := execs.ListForSchedule(ctx, sched.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	err = execs.Finish(ctx, exec, nil, nil)
	assert.True(t, errors.IsNotFoundError(err))
}
