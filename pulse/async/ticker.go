package async

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/almasync/logger"
)

// Ticker drives time-based queue transitions: it spawns instances of due repeatables,
// promotes delayed retries whose backoff elapsed, and purges old finished jobs.
type Ticker struct {
	queue           *Queue
	interval        time.Duration
	retention       time.Duration
	purgeEvery      time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	pulseLog        *zap.SugaredLogger // Logger with Pulse symbol pre-attached
	mu              sync.Mutex
	lastTickAt      time.Time
	lastPurgeAt     time.Time
	ticksSinceStart int64
}

// TickerConfig contains configuration for the Pulse ticker
type TickerConfig struct {
	Interval  time.Duration // How often to check for due work (default: 1 second)
	Retention time.Duration // How long finished jobs are kept (0 disables purging)
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Interval:  1 * time.Second,
		Retention: 24 * time.Hour,
	}
}

// NewTicker creates a ticker bound to ctx; cancelling ctx stops it
func NewTicker(ctx context.Context, queue *Queue, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	if log == nil {
		log = logger.Logger
	}
	tickerCtx, cancel := context.WithCancel(ctx)

	purgeEvery := time.Hour
	if cfg.Retention > 0 && cfg.Retention < purgeEvery {
		purgeEvery = cfg.Retention
	}

	return &Ticker{
		queue:      queue,
		interval:   cfg.Interval,
		retention:  cfg.Retention,
		purgeEvery: purgeEvery,
		ctx:        tickerCtx,
		cancel:     cancel,
		pulseLog:   logger.AddPulseSymbol(log.Named("pulse.ticker")),
	}
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Pulse ticker started", "interval", t.interval)
}

// Stop gracefully stops the ticker
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse ticker stopped")
}

// run is the main ticker loop
func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.mu.Lock()
			t.lastTickAt = tickTime
			t.ticksSinceStart++
			tick := t.ticksSinceStart
			t.mu.Unlock()

			if err := t.Tick(t.ctx, tickTime); err != nil && t.ctx.Err() == nil {
				t.pulseLog.Warnw("Pulse tick error", logger.FieldError, err, "tick", tick)
			}
		}
	}
}

// Tick performs one round of time-based transitions
func (t *Ticker) Tick(ctx context.Context, now time.Time) error {
	fired, err := t.queue.FireDueRepeatables(ctx)
	if err != nil {
		return err
	}
	if fired > 0 {
		t.pulseLog.Infow("Repeatable jobs fired", logger.FieldCount, fired)
	}

	promoted, err := t.queue.PromoteDelayed(ctx)
	if err != nil {
		return err
	}
	if promoted > 0 {
		t.pulseLog.Debugw("Delayed jobs promoted", logger.FieldCount, promoted)
	}

	if t.retention > 0 && now.Sub(t.lastPurgeAt) >= t.purgeEvery {
		purged, err := t.queue.CleanupOldJobs(ctx, t.retention)
		if err != nil {
			return err
		}
		t.lastPurgeAt = now
		if purged > 0 {
			t.pulseLog.Infow("Purged finished jobs", logger.FieldCount, purged, "retention", t.retention)
		}
	}

	if t.queue.metrics != nil {
		counts, err := t.queue.store.CountByStatus(ctx)
		if err != nil {
			return err
		}
		t.queue.metrics.SetQueueDepth(counts)
	}
	return nil
}

// LastTick returns the time of the most recent tick and the tick count
func (t *Ticker) LastTick() (time.Time, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTickAt, t.ticksSinceStart
}
