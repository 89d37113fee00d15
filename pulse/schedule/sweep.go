package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/almasync/logger"
	"github.com/teranos/almasync/pulse/async"
)

// DefaultSweepInterval is how often Maintenance removes orphaned jobs
const DefaultSweepInterval = 5 * time.Minute

// SweepOrphans removes queued jobs and repeatable definitions whose schedule is
// missing or inactive. Executing jobs are left to finish and finished jobs are left
// to the retention purge. Running it twice in a row removes nothing the second time.
func (s *Scheduler) SweepOrphans(ctx context.Context) (int, error) {
	active, err := s.activeIDs(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0

	jobs, err := s.runtime.GetJobs(ctx, async.JobStatusWaiting, async.JobStatusDelayed, async.JobStatusPaused)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		if active[job.Key] {
			continue
		}
		ok, err := s.removeOrphan(ctx, job.Key, func() (bool, error) {
			return s.runtime.RemoveJob(ctx, job.ID)
		})
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
			s.logger.Infow("Removed orphaned job", logger.FieldJobID, job.ID, logger.FieldScheduleID, job.Key)
		}
	}

	defs, err := s.runtime.ListRepeatables(ctx)
	if err != nil {
		return removed, err
	}
	for _, def := range defs {
		if active[def.Key] {
			continue
		}
		ok, err := s.removeOrphan(ctx, def.Key, func() (bool, error) {
			return s.runtime.RemoveRepeatable(ctx, def.Key)
		})
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
			s.logger.Infow("Removed orphaned repeatable", logger.FieldRepeatKey, def.Key, "pattern", def.Pattern)
		}
	}

	return removed, nil
}

// removeOrphan re-checks under the schedule lock so a concurrent Start is never undone
func (s *Scheduler) removeOrphan(ctx context.Context, scheduleID string, remove func() (bool, error)) (bool, error) {
	unlock := s.locks.Lock(scheduleID)
	defer unlock()

	sched, err := s.store.Get(ctx, scheduleID)
	if err == nil && sched.IsActive {
		return false, nil
	}
	return remove()
}

func (s *Scheduler) activeIDs(ctx context.Context) (map[string]bool, error) {
	schedules, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(schedules))
	for _, sched := range schedules {
		ids[sched.ID] = true
	}
	return ids, nil
}

// Maintenance runs the orphan sweep on an interval
type Maintenance struct {
	scheduler *Scheduler
	interval  time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *zap.SugaredLogger
}

// NewMaintenance creates the sweep loop; call Start to run it
func NewMaintenance(ctx context.Context, scheduler *Scheduler, interval time.Duration, log *zap.SugaredLogger) *Maintenance {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	mctx, cancel := context.WithCancel(ctx)
	return &Maintenance{
		scheduler: scheduler,
		interval:  interval,
		ctx:       mctx,
		cancel:    cancel,
		logger:    logger.AddScheduleSymbol(log.Named("maintenance")),
	}
}

// Start begins the sweep loop
func (m *Maintenance) Start() {
	m.wg.Add(1)
	go m.run()
	m.logger.Infow("Maintenance started", "interval", m.interval)
}

// Stop halts the loop and waits for an in-progress sweep
func (m *Maintenance) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Maintenance) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			removed, err := m.scheduler.SweepOrphans(m.ctx)
			if err != nil {
				m.logger.Errorw("Orphan sweep failed", logger.FieldError, err)
				continue
			}
			if removed > 0 {
				m.logger.Infow("Orphan sweep removed entries", logger.FieldCount, removed)
			}
		}
	}
}
