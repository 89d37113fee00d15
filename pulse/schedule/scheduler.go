package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/internal/util"
	"github.com/teranos/almasync/logger"
	"github.com/teranos/almasync/pulse/async"
	"github.com/teranos/almasync/transfer"
)

// DefaultProcessor is the job name sync passes are registered under
const DefaultProcessor = "dhis2-alma-sync"

// stateWriteTimeout bounds bookkeeping writes made after the job context is gone
const stateWriteTimeout = 5 * time.Second

// Runtime is the part of the job runtime the scheduler drives. *async.Queue implements it.
type Runtime interface {
	Submit(ctx context.Context, req async.SubmitRequest) (*async.Submission, error)
	Cancel(ctx context.Context, id string) (bool, error)
	GetJob(ctx context.Context, id string) (*async.Job, error)
	GetJobByKey(ctx context.Context, key string) (*async.Job, error)
	GetJobs(ctx context.Context, statuses ...async.JobStatus) ([]*async.Job, error)
	ListRepeatables(ctx context.Context) ([]*async.Repeatable, error)
	GetRepeatable(ctx context.Context, key string) (*async.Repeatable, error)
	RemoveJob(ctx context.Context, id string) (bool, error)
	RemoveRepeatable(ctx context.Context, key string) (bool, error)
}

// SyncExecutor runs one sync pass. *transfer.Executor implements it.
type SyncExecutor interface {
	Run(ctx context.Context, p transfer.Params, progress transfer.ProgressFunc) (*transfer.Result, error)
}

// Config holds scheduler settings
type Config struct {
	// Processor is the job name sync passes run under
	Processor string
	// Backoff is the base retry delay when a schedule does not set retryDelaySeconds
	Backoff time.Duration
	// Location evaluates cron expressions for nextRun
	Location *time.Location
	Clock    func() time.Time
}

// Deps are the collaborators a scheduler is built from
type Deps struct {
	Store       *Store
	Executions  *ExecutionStore
	Runtime     Runtime
	Executor    SyncExecutor
	Broadcaster Broadcaster
	Logger      *zap.SugaredLogger
}

// Scheduler reconciles schedule records with the job runtime and exposes the
// schedule lifecycle. API calls for one schedule id are serialized.
type Scheduler struct {
	store       *Store
	executions  *ExecutionStore
	runtime     Runtime
	executor    SyncExecutor
	broadcaster Broadcaster
	cfg         Config
	logger      *zap.SugaredLogger
	locks       *keyedMutex
}

// NewScheduler builds a scheduler. Store and Runtime are required.
func NewScheduler(deps Deps, cfg Config) *Scheduler {
	if cfg.Processor == "" {
		cfg.Processor = DefaultProcessor
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if deps.Executions == nil {
		deps.Executions = NewExecutionStore(deps.Store.DB())
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = NopBroadcaster{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}

	return &Scheduler{
		store:       deps.Store,
		executions:  deps.Executions,
		runtime:     deps.Runtime,
		executor:    deps.Executor,
		broadcaster: deps.Broadcaster,
		cfg:         cfg,
		logger:      logger.AddScheduleSymbol(deps.Logger.Named("scheduler")),
		locks:       newKeyedMutex(),
	}
}

// SetBroadcaster swaps the event sink. The server calls this once its hub exists.
func (s *Scheduler) SetBroadcaster(b Broadcaster) {
	if b == nil {
		b = NopBroadcaster{}
	}
	s.broadcaster = b
}

// Processor returns the job name sync passes run under
func (s *Scheduler) Processor() string {
	return s.cfg.Processor
}

// Create persists a new schedule in idle state. It does not submit a job.
func (s *Scheduler) Create(ctx context.Context, sched *Schedule) (*Schedule, error) {
	if sched.Processor == "" {
		sched.Processor = s.cfg.Processor
	}
	if err := sched.Validate(); err != nil {
		return nil, err
	}
	sched.Message = "Created"
	if err := s.store.Create(ctx, sched); err != nil {
		return nil, err
	}

	s.logger.Infow("Schedule created",
		logger.FieldScheduleID, sched.ID,
		"name", sched.Name,
		"type", sched.Type)
	s.broadcaster.BroadcastScheduleCreated(sched)
	return sched, nil
}

// Get returns one schedule
func (s *Scheduler) Get(ctx context.Context, id string) (*Schedule, error) {
	return s.store.Get(ctx, id)
}

// GetAll lists every schedule, newest first
func (s *Scheduler) GetAll(ctx context.Context) ([]*Schedule, error) {
	return s.store.List(ctx)
}

// GetByStatus lists schedules in one status
func (s *Scheduler) GetByStatus(ctx context.Context, status Status) ([]*Schedule, error) {
	if !status.IsValid() {
		return nil, errors.NewInvalidRequestError("unknown schedule status %q", status)
	}
	return s.store.ListByStatus(ctx, status)
}

// Update merges a configuration patch. When the patch changes the trigger or the
// sync parameters of an active schedule, the live job or repeatable is replaced.
// Renames and other cosmetic edits never touch the runtime, and a one-shot that
// already finished keeps its result until it is started again.
func (s *Scheduler) Update(ctx context.Context, id string, patch *Patch) (*Schedule, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	before, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sched, err := s.store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}

	if sched.IsActive && jobSettingsChanged(before, sched) {
		if err := s.validateBinding(sched); err != nil {
			return nil, err
		}
		if sched.IsRecurring() || !sched.isFinishedOneShot() {
			if sched, err = s.setupJob(ctx, sched, false); err != nil {
				return nil, err
			}
			s.logger.Infow("Active schedule re-synchronised after update", logger.FieldScheduleID, id)
		} else if before.IsRecurring() {
			// Switched from recurring to a one-shot that already ran: drop the repeatable
			if sched, err = s.disarm(ctx, id); err != nil {
				return nil, err
			}
		}
	}

	s.broadcaster.BroadcastScheduleUpdated(sched)
	return sched, nil
}

// jobSettingsChanged reports whether an edit affects what the runtime holds
func jobSettingsChanged(before, after *Schedule) bool {
	if before.Type != after.Type ||
		before.Processor != after.Processor ||
		before.CronExpression != after.CronExpression ||
		before.RunImmediately != after.RunImmediately ||
		before.MaxRetries != after.MaxRetries ||
		before.RetryDelaySeconds != after.RetryDelaySeconds {
		return true
	}
	a, errA := json.Marshal(before.SyncParams())
	b, errB := json.Marshal(after.SyncParams())
	return errA != nil || errB != nil || !bytes.Equal(a, b)
}

func (s *Scheduler) disarm(ctx context.Context, id string) (*Schedule, error) {
	if _, err := s.runtime.Cancel(ctx, id); err != nil {
		return nil, errors.Wrapf(err, "failed to cancel job for schedule %s", id)
	}
	none := ""
	return s.store.UpdateRuntime(ctx, id, RuntimeUpdate{CurrentJobID: &none, ClearNextRun: true})
}

// Start activates a schedule: progress resets, the schedule is marked active and
// its job or repeatable definition is (re)submitted. Starting twice leaves one live entry.
func (s *Scheduler) Start(ctx context.Context, id string) (*Schedule, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	sched, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.validateBinding(sched); err != nil {
		return nil, err
	}

	active := true
	idle := StatusIdle
	zero := 0.0
	ready := "Ready to start"
	noRetries := 0
	sched, err = s.store.UpdateRuntime(ctx, id, RuntimeUpdate{
		IsActive:      &active,
		Status:        &idle,
		Progress:      &zero,
		Message:       &ready,
		RetryAttempts: &noRetries,
	})
	if err != nil {
		return nil, err
	}
	s.broadcaster.BroadcastProgress(ProgressUpdate{
		ScheduleID: id,
		Progress:   0,
		Message:    ready,
		Status:     StatusIdle,
		Timestamp:  s.cfg.Clock(),
	})

	armed, err := s.setupJob(ctx, sched, sched.RunImmediately)
	if err != nil {
		s.markSetupFailed(ctx, id, err)
		return nil, err
	}

	s.logger.Infow("Schedule started",
		logger.FieldScheduleID, id,
		logger.FieldJobID, armed.CurrentJobID,
		"recurring", armed.IsRecurring())
	s.broadcaster.BroadcastScheduleStarted(armed)
	return armed, nil
}

// validateBinding checks a schedule can be handed to the processor
func (s *Scheduler) validateBinding(sched *Schedule) error {
	if sched.Processor != s.cfg.Processor {
		return errors.NewConfigurationError("processor %q is not registered", sched.Processor)
	}
	return sched.SyncParams().Validate()
}

// setupJob replaces whatever the runtime holds for the schedule with a fresh job or
// repeatable definition built from the current record, and stores the back-reference.
// immediately only applies to recurring schedules.
func (s *Scheduler) setupJob(ctx context.Context, sched *Schedule, immediately bool) (*Schedule, error) {
	payload, err := json.Marshal(sched.SyncParams())
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode job payload")
	}

	req := async.SubmitRequest{
		ID:      sched.ID,
		Name:    sched.Processor,
		Payload: payload,
		Options: async.Options{
			Attempts: sched.MaxRetries,
			Backoff:  async.Backoff{Delay: s.retryDelay(sched)},
		},
	}
	if sched.IsRecurring() {
		req.Options.Repeat = &async.RepeatOptions{
			Pattern:     sched.CronExpression,
			Immediately: immediately,
			Key:         sched.ID,
		}
	}

	// Submit cancels any existing entry under the id before creating the new one
	sub, err := s.runtime.Submit(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to submit job for schedule %s", sched.ID)
	}

	jobID := sub.InstanceID
	if jobID == "" {
		jobID = sub.JobID
	}
	u := RuntimeUpdate{CurrentJobID: &jobID}
	if sub.NextRunAt != nil {
		u.NextRun = sub.NextRunAt
	} else {
		u.ClearNextRun = true
	}
	return s.store.UpdateRuntime(ctx, sched.ID, u)
}

func (s *Scheduler) retryDelay(sched *Schedule) time.Duration {
	if sched.RetryDelaySeconds > 0 {
		return time.Duration(sched.RetryDelaySeconds) * time.Second
	}
	return s.cfg.Backoff
}

func (s *Scheduler) markSetupFailed(ctx context.Context, id string, cause error) {
	inactive := false
	failed := StatusFailed
	msg := "Failed to schedule job: " + cause.Error()
	if _, err := s.store.UpdateRuntime(ctx, id, RuntimeUpdate{IsActive: &inactive, Status: &failed, Message: &msg}); err != nil {
		s.logger.Warnw("Failed to record setup failure", logger.FieldScheduleID, id, logger.FieldError, err)
	}
	s.broadcaster.BroadcastProgress(ProgressUpdate{
		ScheduleID: id, Message: msg, Status: StatusFailed, Timestamp: s.cfg.Clock(),
	})
}

// Stop deactivates a schedule. Queued instances and the repeatable definition are
// removed; an execution already in progress runs to its natural end.
func (s *Scheduler) Stop(ctx context.Context, id string) (*Schedule, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	if _, err := s.runtime.Cancel(ctx, id); err != nil {
		return nil, errors.Wrapf(err, "failed to cancel job for schedule %s", id)
	}

	sched, err := s.deactivate(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("Schedule stopped", logger.FieldScheduleID, id)
	s.broadcaster.BroadcastScheduleStopped(sched)
	return sched, nil
}

func (s *Scheduler) deactivate(ctx context.Context, id string) (*Schedule, error) {
	inactive := false
	idle := StatusIdle
	msg := "Stopped"
	return s.store.UpdateRuntime(ctx, id, RuntimeUpdate{
		IsActive:     &inactive,
		Status:       &idle,
		Message:      &msg,
		ClearNextRun: true,
	})
}

// Delete stops and removes a schedule. Failing to cancel the runtime entry does
// not block deletion; the orphan sweep picks up anything left behind.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	if _, err := s.runtime.Cancel(ctx, id); err != nil {
		s.logger.Warnw("Could not cancel job of deleted schedule, leaving it to the orphan sweep",
			logger.FieldScheduleID, id, logger.FieldError, err)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Infow("Schedule deleted", logger.FieldScheduleID, id)
	s.broadcaster.BroadcastScheduleDeleted(id)
	return nil
}

// JobView is the job runtime's view of a schedule's current job
type JobView struct {
	ID           string          `json:"id"`
	Status       async.JobStatus `json:"status"`
	Progress     float64         `json:"progress"`
	Attempts     int             `json:"attempts"`
	ProcessedOn  *time.Time      `json:"processedOn,omitempty"`
	FinishedOn   *time.Time      `json:"finishedOn,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
}

// RepeatView describes a registered repeatable definition
type RepeatView struct {
	Pattern   string     `json:"pattern"`
	NextRunAt time.Time  `json:"nextRunAt"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
}

// StatusReport is a schedule together with the runtime entries backing it
type StatusReport struct {
	Schedule *Schedule   `json:"schedule"`
	Job      *JobView    `json:"job,omitempty"`
	Repeat   *RepeatView `json:"repeat,omitempty"`
}

// Status returns the schedule plus its live job and repeatable, if any
func (s *Scheduler) Status(ctx context.Context, id string) (*StatusReport, error) {
	sched, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Schedule: sched}

	job, err := s.lookupJob(ctx, sched)
	if err != nil {
		return nil, err
	}
	if job != nil {
		report.Job = &JobView{
			ID:           job.ID,
			Status:       job.Status,
			Progress:     job.Progress,
			Attempts:     job.AttemptsMade,
			ProcessedOn:  job.ProcessedOn,
			FinishedOn:   job.FinishedOn,
			FailedReason: job.FailedReason,
		}
	}

	def, err := s.runtime.GetRepeatable(ctx, id)
	if err != nil && !errors.IsNotFoundError(err) {
		return nil, err
	}
	if def != nil {
		report.Repeat = &RepeatView{Pattern: def.Pattern, NextRunAt: def.NextRunAt, LastRunAt: def.LastRunAt}
	}
	return report, nil
}

// lookupJob finds the job behind a schedule: its currentJobId first, then the
// latest instance under the schedule key. Returns nil when neither exists.
func (s *Scheduler) lookupJob(ctx context.Context, sched *Schedule) (*async.Job, error) {
	if sched.CurrentJobID != "" {
		job, err := s.runtime.GetJob(ctx, sched.CurrentJobID)
		if err == nil {
			return job, nil
		}
		if !errors.IsNotFoundError(err) {
			return nil, err
		}
	}
	job, err := s.runtime.GetJobByKey(ctx, sched.ID)
	if err == nil {
		return job, nil
	}
	if errors.IsNotFoundError(err) {
		return nil, nil
	}
	return nil, err
}

// Executions returns recent execution history of a schedule
func (s *Scheduler) Executions(ctx context.Context, id string, limit int) ([]*Execution, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.executions.ListForSchedule(ctx, id, limit)
}

// RegisterProcessors wires the sync pass into the job runtime's registry
func (s *Scheduler) RegisterProcessors(reg *async.Registry) {
	reg.Register(async.NewProcessorFunc(s.cfg.Processor, s.process))
}

// process runs one job for a schedule. Every outcome is written to the store and
// broadcast before the error, if any, goes back to the runtime for retry bookkeeping.
func (s *Scheduler) process(ctx context.Context, job *async.Job, progress async.ProgressFunc) error {
	id := job.Key
	log := logger.FromContext(logger.WithJobID(logger.WithScheduleID(ctx, id), job.ID), s.logger)

	sched, err := s.store.Get(ctx, id)
	if errors.IsNotFoundError(err) {
		log.Infow("Skipping job of deleted schedule")
		return nil
	}
	if err != nil {
		return err
	}
	if !sched.IsActive {
		log.Infow("Skipping job of inactive schedule")
		return nil
	}
	if s.executor == nil {
		return errors.NewConfigurationError("no sync executor configured")
	}

	var params transfer.Params
	if err := json.Unmarshal(job.Payload, &params); err != nil {
		return errors.Mark(errors.Wrap(err, "failed to decode job payload"), errors.ErrConfiguration)
	}

	exec, err := s.executions.Start(ctx, id, job.ID, job.Attempt())
	if err != nil {
		log.Warnw("Failed to record execution start", logger.FieldError, err)
	}

	running := StatusRunning
	zero := 0.0
	startMsg := fmt.Sprintf("Running (attempt %d/%d)", job.Attempt(), job.MaxAttempts)
	jobID := job.ID
	if _, err := s.store.UpdateRuntime(ctx, id, RuntimeUpdate{
		Status:       &running,
		Progress:     &zero,
		Message:      &startMsg,
		CurrentJobID: &jobID,
	}); errors.IsNotFoundError(err) {
		log.Infow("Skipping job of deleted schedule")
		return nil
	} else if err != nil {
		return err
	}
	s.broadcastProgress(id, 0, startMsg, StatusRunning)

	var last float64
	report := func(pct float64, message string) {
		pct = util.ClampPercent(pct)
		if pct < last {
			pct = last
		}
		last = pct
		if _, err := s.store.SetProgress(ctx, id, pct, message); err != nil && !errors.IsNotFoundError(err) {
			log.Warnw("Failed to persist progress", logger.FieldProgress, pct, logger.FieldError, err)
		}
		progress(pct)
		s.broadcastProgress(id, pct, message, StatusRunning)
	}

	result, runErr := s.executor.Run(ctx, params, report)

	if runErr != nil && ctx.Err() != nil {
		return s.finishInterrupted(id, exec, result, runErr, log)
	}
	if runErr != nil {
		return s.finishFailed(ctx, sched, job, exec, result, runErr, log)
	}
	return s.finishCompleted(ctx, sched, exec, result, log)
}

func (s *Scheduler) finishCompleted(ctx context.Context, sched *Schedule, exec *Execution, result *transfer.Result, log *zap.SugaredLogger) error {
	if exec != nil {
		if err := s.executions.Finish(ctx, exec, result, nil); err != nil {
			log.Warnw("Failed to record execution result", logger.FieldError, err)
		}
	}

	completed := StatusCompleted
	hundred := 100.0
	msg := "Task completed successfully"
	if result != nil {
		msg = result.Summary()
	}
	none := ""
	noRetries := 0
	u := RuntimeUpdate{
		Status:        &completed,
		Progress:      &hundred,
		Message:       &msg,
		CurrentJobID:  &none,
		RetryAttempts: &noRetries,
	}
	current, err := s.store.Get(ctx, sched.ID)
	if errors.IsNotFoundError(err) {
		log.Infow("Schedule deleted during run, discarding result", "message", msg)
		return nil
	}
	if err != nil {
		return err
	}
	if current.IsActive {
		s.setNextRun(current, &u)
	}

	updated, err := s.store.UpdateRuntime(ctx, sched.ID, u)
	if errors.IsNotFoundError(err) {
		log.Infow("Schedule deleted during run, discarding result", "message", msg)
		return nil
	}
	if err != nil {
		return err
	}
	log.Infow("Schedule run completed", "message", msg)
	s.broadcastProgress(sched.ID, 100, msg, StatusCompleted)
	s.broadcaster.BroadcastScheduleUpdated(updated)
	return nil
}

func (s *Scheduler) finishFailed(ctx context.Context, sched *Schedule, job *async.Job, exec *Execution, result *transfer.Result, runErr error, log *zap.SugaredLogger) error {
	if exec != nil {
		if err := s.executions.Finish(ctx, exec, result, runErr); err != nil {
			log.Warnw("Failed to record execution result", logger.FieldError, err)
		}
	}

	final := job.IsFinalAttempt()
	failed := StatusFailed
	attempt := job.Attempt()
	var msg string
	if final {
		msg = fmt.Sprintf("Failed after %d attempt(s): %v", attempt, runErr)
	} else {
		msg = fmt.Sprintf("Attempt %d/%d failed, retrying: %v", attempt, job.MaxAttempts, runErr)
	}

	current, err := s.store.Get(ctx, sched.ID)
	if errors.IsNotFoundError(err) {
		log.Infow("Schedule deleted during run, dropping failed attempt", logger.FieldError, runErr)
		return nil
	}
	if err != nil {
		current = sched
	}

	u := RuntimeUpdate{Status: &failed, Message: &msg, RetryAttempts: &attempt}
	if final {
		none := ""
		u.CurrentJobID = &none
		if current.IsActive {
			s.setNextRun(current, &u)
		}
	}

	updated, err := s.store.UpdateRuntime(ctx, sched.ID, u)
	if errors.IsNotFoundError(err) {
		log.Infow("Schedule deleted during run, dropping failed attempt", logger.FieldError, runErr)
		return nil
	}
	if err != nil {
		log.Errorw("Failed to record run failure", logger.FieldError, err)
	} else {
		s.broadcaster.BroadcastScheduleUpdated(updated)
	}
	s.broadcastProgress(sched.ID, 0, msg, StatusFailed)
	return runErr
}

// finishInterrupted handles shutdown mid-run. The runtime requeues the job, so the
// schedule keeps its running status and the next process picks it up.
func (s *Scheduler) finishInterrupted(id string, exec *Execution, result *transfer.Result, runErr error, log *zap.SugaredLogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), stateWriteTimeout)
	defer cancel()

	if exec != nil {
		if err := s.executions.Finish(ctx, exec, result, errors.Wrap(runErr, "interrupted by shutdown")); err != nil {
			log.Warnw("Failed to record interrupted execution", logger.FieldError, err)
		}
	}
	msg := "Interrupted by shutdown, job requeued"
	if _, err := s.store.UpdateRuntime(ctx, id, RuntimeUpdate{Message: &msg}); err != nil {
		log.Warnw("Failed to record interruption", logger.FieldError, err)
	}
	return runErr
}

// setNextRun fills nextRun for recurring schedules, clears it for one-shots
func (s *Scheduler) setNextRun(sched *Schedule, u *RuntimeUpdate) {
	if !sched.IsRecurring() {
		u.ClearNextRun = true
		return
	}
	next, err := async.NextRun(sched.CronExpression, s.cfg.Clock(), s.cfg.Location)
	if err != nil {
		s.logger.Warnw("Failed to compute next run", logger.FieldScheduleID, sched.ID, logger.FieldError, err)
		return
	}
	u.NextRun = &next
}

func (s *Scheduler) broadcastProgress(id string, pct float64, message string, status Status) {
	s.broadcaster.BroadcastProgress(ProgressUpdate{
		ScheduleID: id,
		Progress:   pct,
		Message:    message,
		Status:     status,
		Timestamp:  s.cfg.Clock(),
	})
}

// keyedMutex serializes work per schedule id
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the lock for key and returns its release
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
