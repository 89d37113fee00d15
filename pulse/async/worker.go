package async

import (
	"context"
	"database/sql"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/almasync/db"
	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/logger"
)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker/daemon operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// stateWriteTimeout bounds bookkeeping writes made after the worker context is cancelled
const stateWriteTimeout = 5 * time.Second

// WorkerPool manages a pool of workers that execute queued jobs
type WorkerPool struct {
	queue         *Queue
	registry      *Registry
	poolConfig    WorkerPoolConfig
	workers       int
	parentCtx     context.Context
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	jobsProcessed int
	activeWorkers int
	startTime     time.Time
	logger        pulseLogger
	mu            sync.Mutex
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers         int           `json:"workers"`          // Number of concurrent workers
	PollInterval    time.Duration `json:"poll_interval"`    // How often idle workers check for jobs
	ShutdownTimeout time.Duration `json:"shutdown_timeout"` // How long Stop waits for running jobs
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:         4,
		PollInterval:    500 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

// NewWorkerPool creates a worker pool bound to a queue and a processor registry.
// Processors must be registered before Start. Cancelling ctx stops the workers.
func NewWorkerPool(ctx context.Context, queue *Queue, registry *Registry, poolCfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	if poolCfg.PollInterval <= 0 {
		poolCfg.PollInterval = DefaultWorkerPoolConfig().PollInterval
	}
	if poolCfg.ShutdownTimeout <= 0 {
		poolCfg.ShutdownTimeout = DefaultWorkerPoolConfig().ShutdownTimeout
	}
	if log == nil {
		log = logger.Logger
	}

	workerCtx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		queue:      queue,
		registry:   registry,
		poolConfig: poolCfg,
		workers:    poolCfg.Workers,
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		logger:     pulseLogger{logger.AddPulseSymbol(log.Named("pulse"))},
	}
}

// Start begins processing jobs with the worker pool
// ✿ Opening: requeue jobs orphaned by a previous process before starting workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()

	// After Stop() the context is cancelled; recreate before spawning workers
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}

	wp.startTime = time.Now()
	wp.jobsProcessed = 0
	ctx := wp.ctx
	wp.mu.Unlock()

	if err := wp.recoverOrphanedJobs(ctx); err != nil {
		wp.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	wp.logger.Pulse("Worker pool started",
		"workers", wp.workers,
		"poll_interval", wp.poolConfig.PollInterval,
		"processors", wp.registry.Names())

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

// recoverOrphanedJobs returns jobs left active by a crashed process to the queue.
// Execution is at-least-once: an interrupted unit of work runs again from the start.
func (wp *WorkerPool) recoverOrphanedJobs(ctx context.Context) error {
	n, err := wp.queue.RequeueActive(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		wp.logger.Starting("Opening - requeued jobs orphaned by previous run", logger.FieldCount, n)
	}
	return nil
}

// Stop gracefully stops the worker pool
// ❀ Closing: running jobs are cancelled and requeued; waits up to ShutdownTimeout
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	cancel := wp.cancel
	wp.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := wp.poolConfig.ShutdownTimeout
	select {
	case <-done:
		wp.logger.Pulse("❀ WorkerPool.Stop() complete - all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Closing("WorkerPool.Stop() timeout - workers may still be finishing", "timeout", timeout)
	}
}

// worker polls the queue and drains it on every tick
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.poolConfig.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			processed, err := wp.processNextJob(ctx)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if errors.Is(err, sql.ErrConnDone) || db.IsDatabaseClosed(err) {
					// Database closed during shutdown
					return
				}

				errorCount++
				wp.logger.Errorw("Worker error processing job",
					"worker_id", id,
					logger.FieldError, err,
					"consecutive_errors", errorCount)

				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off due to consecutive errors",
						"worker_id", id,
						"backoff", backoffDuration,
						"consecutive_errors", errorCount)
					select {
					case <-ctx.Done():
						return
					case <-time.After(backoffDuration):
					}
					backoffDuration = min(backoffDuration*2, maxBackoff)
				}
				break
			}

			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors",
					"worker_id", id,
					"previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = time.Second

			if !processed {
				break
			}
		}
	}
}

// processNextJob claims one runnable job and executes it.
// Returns false when the queue had nothing runnable.
func (wp *WorkerPool) processNextJob(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, nil
	default:
	}

	job, err := wp.queue.Dequeue(ctx, wp.registry.Names())
	if err != nil {
		return false, errors.Wrap(err, "failed to dequeue job")
	}
	if job == nil {
		return false, nil
	}

	wp.mu.Lock()
	wp.jobsProcessed++
	wp.activeWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	return true, wp.execute(ctx, job)
}

// execute runs a claimed job through its processor and records the outcome
func (wp *WorkerPool) execute(ctx context.Context, job *Job) error {
	log := wp.logger.With(
		logger.FieldJobID, job.ID,
		logger.FieldProcessor, job.Name,
		logger.FieldAttempt, job.Attempt(),
	)

	proc := wp.registry.Get(job.Name)
	if proc == nil {
		_, err := wp.queue.Fail(ctx, job, errors.Newf("no processor registered for job name: %s", job.Name))
		return err
	}

	progress := func(pct float64) {
		if err := wp.queue.UpdateProgress(ctx, job, pct); err != nil && ctx.Err() == nil {
			log.Warnw("Failed to record job progress", logger.FieldProgress, pct, logger.FieldError, err)
		}
	}

	log.Debugw("Executing job")
	start := time.Now()
	runErr := wp.run(ctx, proc, job, progress)
	elapsed := time.Since(start)

	if runErr == nil {
		if err := wp.queue.Complete(wp.writeContext(ctx), job); err != nil {
			return err
		}
		wp.queue.metrics.ObserveJob(job.Name, OutcomeCompleted, elapsed)
		log.Infow("Job completed", logger.FieldDurationMS, elapsed.Milliseconds())
		return nil
	}

	// ❀ Closing: a job interrupted by shutdown goes back to the queue without using an attempt
	if ctx.Err() != nil {
		writeCtx, cancel := context.WithTimeout(context.Background(), stateWriteTimeout)
		defer cancel()
		if err := wp.queue.Requeue(writeCtx, job); err != nil {
			log.Errorw("Failed to requeue interrupted job", logger.FieldError, err)
		} else {
			log.Warnw("❀ Job interrupted by shutdown, requeued")
		}
		wp.queue.metrics.ObserveJob(job.Name, OutcomeRequeued, elapsed)
		return nil
	}

	final, err := wp.queue.Fail(ctx, job, runErr)
	if err != nil {
		return err
	}

	if final {
		exhausted := errors.Mark(
			errors.Wrapf(runErr, "job failed after %d attempts", job.AttemptsMade),
			errors.ErrExhaustedRetries,
		)
		wp.queue.metrics.ObserveJob(job.Name, OutcomeFailed, elapsed)
		log.Errorw("Job failed", logger.FieldError, exhausted, logger.FieldDurationMS, elapsed.Milliseconds())
		return nil
	}

	wp.queue.metrics.ObserveJob(job.Name, OutcomeRetried, elapsed)
	log.Warnw("Job attempt failed, retry scheduled",
		logger.FieldError, runErr,
		"retry_at", job.RunAt,
		logger.FieldDurationMS, elapsed.Milliseconds())
	return nil
}

// run invokes the processor, converting a panic into an error
func (wp *WorkerPool) run(ctx context.Context, proc Processor, job *Job, progress ProgressFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("processor %s panicked: %v", proc.Name(), r)
			wp.logger.Errorw("Processor panic",
				logger.FieldJobID, job.ID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	return proc.Process(ctx, job, progress)
}

func (wp *WorkerPool) writeContext(ctx context.Context) context.Context {
	if ctx.Err() == nil {
		return ctx
	}
	return context.Background()
}

// Queue returns the job queue
func (wp *WorkerPool) Queue() *Queue {
	return wp.queue
}

// Registry returns the processor registry
func (wp *WorkerPool) Registry() *Registry {
	return wp.registry
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// JobsProcessed returns how many jobs this pool has claimed since Start
func (wp *WorkerPool) JobsProcessed() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.jobsProcessed
}
