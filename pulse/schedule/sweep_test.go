package schedule

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/almasync/pulse/async"
)

func TestSweepOrphansRemovesOnlyUnownedEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owned := h.create(t, nightly())
	_, err := h.scheduler.Start(ctx, owned.ID)
	require.NoError(t, err)

	// Left behind by a schedule deleted while the runtime was unreachable
	_, err = h.queue.Submit(ctx, async.SubmitRequest{
		ID:      "deleted-schedule",
		Name:    DefaultProcessor,
		Payload: json.RawMessage(`{}`),
		Options: async.Options{Repeat: &async.RepeatOptions{Pattern: "@hourly", Key: "deleted-schedule"}},
	})
	require.NoError(t, err)
	_, err = h.queue.Submit(ctx, async.SubmitRequest{
		ID:      "deleted-one-shot",
		Name:    DefaultProcessor,
		Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	removed, err := h.scheduler.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	defs, err := h.queue.ListRepeatables(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, owned.ID, defs[0].Key)

	jobs, err := h.queue.GetJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	removed, err = h.scheduler.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed, "a second sweep finds nothing")
}

func TestSweepOrphansLeavesExecutingJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.queue.Submit(ctx, async.SubmitRequest{
		ID:      "deleted-one-shot",
		Name:    DefaultProcessor,
		Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	job, err := h.queue.Dequeue(ctx, []string{DefaultProcessor})
	require.NoError(t, err)
	require.NotNil(t, job)

	removed, err := h.scheduler.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	got, err := h.queue.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusActive, got.Status)
}

func TestMaintenanceSweepsOnInterval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.queue.Submit(ctx, async.SubmitRequest{
		ID:      "deleted-one-shot",
		Name:    DefaultProcessor,
		Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	m := NewMaintenance(ctx, h.scheduler, 10*time.Millisecond, nil)
	m.Start()
	defer m.Stop()

	assert.Eventually(t, func() bool {
		jobs, err := h.queue.GetJobs(ctx)
		return err == nil && len(jobs) == 0
	}, time.Second, 10*time.Millisecond)
}
