// Package server exposes the scheduler over HTTP and pushes live schedule
// events to WebSocket observers.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/teranos/almasync/errors"
	"github.com/teranos/almasync/logger"
	"github.com/teranos/almasync/pulse/async"
	"github.com/teranos/almasync/pulse/schedule"
	"github.com/teranos/almasync/transfer"
)

// Deps are the components the server fronts. Scheduler and Queue are required.
type Deps struct {
	Scheduler *schedule.Scheduler
	Queue     *async.Queue
	Pool      *async.WorkerPool
	Ticker    *async.Ticker
	Registry  *async.Registry
	Instances *transfer.Instances
	Gatherer  prometheus.Gatherer
	Logger    *zap.SugaredLogger
}

// Options are the server settings from the [server] config section
type Options struct {
	AllowedOrigins []string
	RedisURL       string
	RedisChannel   string
}

// Server serves the REST API, /ws, /health and /metrics
type Server struct {
	scheduler *schedule.Scheduler
	queue     *async.Queue
	pool      *async.WorkerPool
	ticker    *async.Ticker
	registry  *async.Registry
	instances *transfer.Instances
	gatherer  prometheus.Gatherer

	hub     *Hub
	relay   *Relay
	origins []string
	logger  *zap.SugaredLogger

	httpServer *http.Server
	handler    http.Handler

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	state   atomic.Int32
}

// New builds a server and installs its hub as the scheduler's broadcaster
func New(deps Deps, opts Options) (*Server, error) {
	if deps.Scheduler == nil || deps.Queue == nil {
		return nil, errors.New("server requires a scheduler and a job queue")
	}
	var log *zap.SugaredLogger
	if deps.Logger != nil {
		log = deps.Logger.Named("server")
	} else {
		log = logger.ComponentLogger("server")
	}

	var relay *Relay
	if opts.RedisURL != "" {
		r, err := NewRelay(opts.RedisURL, opts.RedisChannel, log)
		if err != nil {
			return nil, err
		}
		relay = r
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		scheduler: deps.Scheduler,
		queue:     deps.Queue,
		pool:      deps.Pool,
		ticker:    deps.Ticker,
		registry:  deps.Registry,
		instances: deps.Instances,
		gatherer:  deps.Gatherer,
		hub:       NewHub(relay, log),
		relay:     relay,
		origins:   opts.AllowedOrigins,
		logger:    log,
		ctx:       ctx,
		cancel:    cancel,
	}
	if s.registry == nil && s.pool != nil {
		s.registry = s.pool.Registry()
	}
	s.handler = s.setupHTTPRoutes()
	s.scheduler.SetBroadcaster(s.hub)
	s.state.Store(int32(ServerStateRunning))
	return s, nil
}

// Handler returns the routed handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the observer hub
func (s *Server) Hub() *Hub {
	return s.hub
}
