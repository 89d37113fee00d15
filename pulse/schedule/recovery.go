package schedule

import (
	"context"
	"fmt"

	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/logger"
	"github.com/teranos/almasync/pulse/async"
)

const interruptedMessage = "Interrupted by restart"

// RecoveryReport summarises what startup recovery did
type RecoveryReport struct {
	Active         int      `json:"active"`
	Rearmed        int      `json:"rearmed"`
	Resubmitted    int      `json:"resubmitted"`
	Reconciled     int      `json:"reconciled"`
	Reset          int      `json:"reset"`
	InFlight       int      `json:"inFlight"`
	OrphansRemoved int      `json:"orphansRemoved"`
	Errors         []string `json:"errors,omitempty"`
}

// RestoreActiveSchedules brings the job runtime back in line with the schedule store.
// Run it once at startup, before workers start and before requests are accepted:
//
//  1. load every active schedule
//  2. re-register recurring schedules (the repeatable may have been lost)
//  3. reconcile non-recurring schedules left running against their job
//  4. re-submit active non-recurring schedules that never got to run
//  5. sweep runtime entries that belong to no active schedule
//
// A failure on one schedule is recorded in the report and does not stop the others.
func (s *Scheduler) RestoreActiveSchedules(ctx context.Context) (*RecoveryReport, error) {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load active schedules")
	}

	report := &RecoveryReport{Active: len(active)}
	for _, sched := range active {
		if err := s.restoreOne(ctx, sched, report); err != nil {
			msg := fmt.Sprintf("%s: %v", sched.ID, err)
			report.Errors = append(report.Errors, msg)
			s.logger.Errorw("Failed to restore schedule",
				logger.FieldScheduleID, sched.ID,
				logger.FieldError, err)
		}
	}

	removed, err := s.SweepOrphans(ctx)
	if err != nil {
		report.Errors = append(report.Errors, "orphan sweep: "+err.Error())
		s.logger.Errorw("Orphan sweep failed during recovery", logger.FieldError, err)
	}
	report.OrphansRemoved = removed

	s.logger.Infow("Restored active schedules",
		logger.FieldCount, report.Active,
		"rearmed", report.Rearmed,
		"resubmitted", report.Resubmitted,
		"reconciled", report.Reconciled,
		"reset", report.Reset,
		"in_flight", report.InFlight,
		"orphans_removed", report.OrphansRemoved)
	return report, nil
}

// restoreOne acts on the status the schedule had when it was loaded
func (s *Scheduler) restoreOne(ctx context.Context, loaded *Schedule, report *RecoveryReport) error {
	unlock := s.locks.Lock(loaded.ID)
	defer unlock()

	// Re-read under the lock; an API call may have raced recovery
	sched, err := s.store.Get(ctx, loaded.ID)
	if errors.IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sched.IsActive {
		return nil
	}

	log := s.logger.With(logger.FieldScheduleID, sched.ID)

	switch {
	case sched.Type == TypeRecurring:
		return s.restoreRecurring(ctx, sched, report)

	case sched.Status == StatusRunning:
		return s.restoreRunning(ctx, sched, report)

	case sched.Status == StatusIdle:
		if _, err := s.setupJob(ctx, sched, false); err != nil {
			return err
		}
		report.Resubmitted++
		log.Infow("Re-submitted active schedule that had not run")
		return nil
	}

	// Completed, failed or paused one-shot schedules need nothing
	return nil
}

func (s *Scheduler) restoreRecurring(ctx context.Context, sched *Schedule, report *RecoveryReport) error {
	if !sched.IsRecurring() {
		return errors.NewConfigurationError("recurring schedule has no cron expression")
	}

	if sched.Status == StatusRunning {
		job, err := s.lookupJob(ctx, sched)
		if err != nil {
			return err
		}
		if job == nil || !job.Status.IsLive() {
			if err := s.resetInterrupted(ctx, sched, "Interrupted by restart, waiting for next run"); err != nil {
				return err
			}
			report.Reset++
		} else {
			report.InFlight++
		}
	}

	if _, err := s.setupJob(ctx, sched, false); err != nil {
		return err
	}
	report.Rearmed++
	return nil
}

// restoreRunning reconciles a non-recurring schedule that was running when the process died
func (s *Scheduler) restoreRunning(ctx context.Context, sched *Schedule, report *RecoveryReport) error {
	log := s.logger.With(logger.FieldScheduleID, sched.ID)

	job, err := s.lookupJob(ctx, sched)
	if err != nil {
		return err
	}

	switch {
	case job != nil && job.Status.IsLive():
		// Still queued or about to be requeued by the worker pool
		report.InFlight++
		log.Infow("Running schedule still has a live job", logger.FieldJobID, job.ID, logger.FieldStatus, job.Status)
		return nil

	case job != nil && job.Status == async.JobStatusCompleted:
		status := StatusCompleted
		hundred := 100.0
		msg := "Completed before restart"
		none := ""
		if _, err := s.store.UpdateRuntime(ctx, sched.ID, RuntimeUpdate{
			Status: &status, Progress: &hundred, Message: &msg, CurrentJobID: &none,
		}); err != nil {
			return err
		}
		report.Reconciled++
		return nil

	case job != nil && job.Status == async.JobStatusFailed:
		status := StatusFailed
		msg := "Failed before restart: " + job.FailedReason
		none := ""
		if _, err := s.store.UpdateRuntime(ctx, sched.ID, RuntimeUpdate{
			Status: &status, Message: &msg, CurrentJobID: &none,
		}); err != nil {
			return err
		}
		report.Reconciled++
		return nil
	}

	// The job vanished mid-execution
	log.Warnw("Running schedule has no job, resetting",
		logger.FieldError, errors.Mark(errors.Newf("job %q missing", sched.CurrentJobID), errors.ErrRecoveryInconsistency))
	if err := s.resetInterrupted(ctx, sched, interruptedMessage); err != nil {
		return err
	}
	report.Reset++

	if sched.Type == TypeImmediate {
		if _, err := s.setupJob(ctx, sched, false); err != nil {
			return err
		}
		report.Resubmitted++
	}
	return nil
}

func (s *Scheduler) resetInterrupted(ctx context.Context, sched *Schedule, msg string) error {
	if _, err := s.executions.MarkInterrupted(ctx, sched.ID, msg); err != nil {
		return err
	}
	idle := StatusIdle
	zero := 0.0
	none := ""
	updated, err := s.store.UpdateRuntime(ctx, sched.ID, RuntimeUpdate{
		Status: &idle, Progress: &zero, Message: &msg, CurrentJobID: &none,
	})
	if err != nil {
		return err
	}
	s.broadcaster.BroadcastScheduleUpdated(updated)
	return nil
}
