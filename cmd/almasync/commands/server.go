package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/almasync/am"
	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/internal/httpclient"
	"github.com/teranos/almasync/logger"
	"github.com/teranos/almasync/pulse/async"
	"github.com/teranos/almasync/pulse/schedule"
	"github.com/teranos/almasync/server"
	"github.com/teranos/almasync/transfer"
)

// ServerCmd runs the whole service: scheduler, job workers, ticker and the HTTP/WebSocket API
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Run the sync scheduler and its HTTP/WebSocket API",
	Long: `Run the sync scheduler and its HTTP/WebSocket API.

Startup order: load and validate configuration, open and migrate the
database, restore active schedules against the job queue, then start
workers and accept requests. SIGINT/SIGTERM shut down gracefully; a
second signal exits immediately.`,
	RunE: runServer,
}

var (
	serverPort   int
	serverDBPath string
)

func init() {
	ServerCmd.Flags().IntVar(&serverPort, "port", 0, "HTTP port (overrides server.port)")
	ServerCmd.Flags().StringVar(&serverDBPath, "db-path", "", "Database path (overrides config)")
}

// app is the assembled service graph
type app struct {
	cfg       *am.Config
	db        *sql.DB
	queue     *async.Queue
	registry  *async.Registry
	instances *transfer.Instances
	scheduler *schedule.Scheduler
	server    *server.Server

	pool        *async.WorkerPool
	ticker      *async.Ticker
	maintenance *schedule.Maintenance
	watcher     *am.ConfigWatcher
}

func runServer(cmd *cobra.Command, args []string) error {
	log := logger.Logger

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	if serverPort > 0 {
		cfg.Server.Port = serverPort
	}

	dbPath, err := resolveDatabasePath(serverDBPath)
	if err != nil {
		return err
	}
	database, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, cfg, database, log)
	if err != nil {
		return err
	}

	// Runtime and store must agree before any worker dequeues or any request lands
	report, err := a.scheduler.RestoreActiveSchedules(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to restore active schedules")
	}

	printStartupBanner(cfg, dbPath, report)
	logger.AddPulseOpenSymbol(log).Infow("Active schedules restored",
		"active", report.Active,
		"rearmed", report.Rearmed,
		"resubmitted", report.Resubmitted,
		"errors", len(report.Errors),
	)

	a.start(ctx, log)

	errChan := make(chan error, 1)
	go func() {
		errChan <- a.server.Start(fmt.Sprintf(":%d", cfg.Server.Port))
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		a.stop(context.Background(), log)
		return errors.Wrap(err, "server failed to start")
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan struct{})
		go func() {
			a.stop(context.Background(), log)
			close(shutdownDone)
		}()

		select {
		case <-shutdownDone:
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("Force shutdown - exiting immediately")
			os.Exit(1)
			return nil
		}
	}
}

// buildApp wires the service graph from configuration. Nothing is started.
func buildApp(ctx context.Context, cfg *am.Config, database *sql.DB, log *zap.SugaredLogger) (*app, error) {
	loc, err := cfg.Pulse.Location()
	if err != nil {
		return nil, errors.NewConfigurationError("pulse.timezone %q: %v", cfg.Pulse.Timezone, err)
	}
	policy, err := transfer.ParseFailurePolicy(cfg.Sync.FailurePolicy)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	queue, err := newQueue(database, cfg, async.NewMetrics(reg))
	if err != nil {
		return nil, err
	}

	instances := transfer.NewInstances(cfg.Instances)
	executor := transfer.NewExecutor(instances, transfer.ExecutorConfig{
		OrgUnitLevels: cfg.Sync.OrgUnitLevels,
		FailurePolicy: policy,
		HTTP: httpclient.New(httpclient.Options{
			Timeout:           cfg.Sync.HTTPTimeout(),
			RequestsPerMinute: cfg.Sync.RequestsPerMinute,
			BlockPrivateIP:    cfg.Sync.BlockPrivateIP,
		}),
		Location: loc,
	}, log)
	if log != nil {
		logger.AddSyncSymbol(log).Infow("Sync executor configured",
			"failure_policy", executor.Policy(),
			"dhis2_instances", len(cfg.Instances.DHIS2),
			"alma_instances", len(cfg.Instances.Alma),
		)
	}

	scheduler := schedule.NewScheduler(schedule.Deps{
		Store:    schedule.NewStore(database),
		Runtime:  queue,
		Executor: executor,
		Logger:   log,
	}, schedule.Config{
		Processor: cfg.Pulse.Processor,
		Backoff:   cfg.Pulse.Backoff(),
		Location:  loc,
	})

	registry := async.NewRegistry()
	scheduler.RegisterProcessors(registry)
	if !registry.Has(cfg.Pulse.Processor) {
		return nil, errors.NewConfigurationError("pulse.processor %q is not registered", cfg.Pulse.Processor)
	}

	poolCfg := async.DefaultWorkerPoolConfig()
	if cfg.Pulse.Workers > 0 {
		poolCfg.Workers = cfg.Pulse.Workers
	}
	if cfg.Pulse.PollIntervalMS > 0 {
		poolCfg.PollInterval = cfg.Pulse.PollInterval()
	}
	pool := async.NewWorkerPool(ctx, queue, registry, poolCfg, log)

	tickerCfg := async.DefaultTickerConfig()
	if cfg.Pulse.TickerIntervalSeconds > 0 {
		tickerCfg.Interval = cfg.Pulse.TickerInterval()
	}
	tickerCfg.Retention = cfg.Pulse.Retention()
	ticker := async.NewTicker(ctx, queue, tickerCfg, log)

	srv, err := server.New(server.Deps{
		Scheduler: scheduler,
		Queue:     queue,
		Pool:      pool,
		Ticker:    ticker,
		Registry:  registry,
		Instances: instances,
		Gatherer:  reg,
		Logger:    log,
	}, server.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RedisURL:       cfg.Server.RedisURL,
		RedisChannel:   cfg.Server.RedisChannel,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:       cfg,
		db:        database,
		queue:     queue,
		registry:  registry,
		instances: instances,
		scheduler: scheduler,
		server:    srv,
		pool:      pool,
		ticker:    ticker,
	}, nil
}

// start launches workers, the ticker, the maintenance loop and the config watcher
func (a *app) start(ctx context.Context, log *zap.SugaredLogger) {
	a.pool.Start()
	a.ticker.Start()

	if interval := a.cfg.Pulse.SweepInterval(); interval > 0 {
		a.maintenance = schedule.NewMaintenance(ctx, a.scheduler, interval, log)
		a.maintenance.Start()
	}

	if path := am.ConfigFileUsed(); path != "" {
		watcher, err := am.NewConfigWatcher(path, log)
		if err != nil {
			log.Warnw("Config hot reload disabled", "path", path, logger.FieldError, err)
			return
		}
		watcher.OnReload(func(cfg *am.Config) error {
			a.instances.Replace(cfg.Instances)
			logger.AddAMSymbol(log).Infow("Instance registry reloaded",
				"dhis2", len(cfg.Instances.DHIS2), "alma", len(cfg.Instances.Alma))
			return nil
		})
		watcher.Start()
		a.watcher = watcher
	}
}

// stop shuts components down in reverse order of startup
func (a *app) stop(ctx context.Context, log *zap.SugaredLogger) {
	logger.AddPulseCloseSymbol(log).Infow("Stopping almasync")
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			log.Debugw("Config watcher stop failed", logger.FieldError, err)
		}
	}
	if err := a.server.Stop(ctx); err != nil {
		log.Warnw("Server shutdown error", logger.FieldError, err)
	}
	if a.maintenance != nil {
		a.maintenance.Stop()
	}
	if a.ticker != nil {
		a.ticker.Stop()
	}
	a.pool.Stop()
}
