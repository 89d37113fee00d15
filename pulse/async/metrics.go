package async

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teranos/almasync/logger"
)

// Job outcomes recorded by Metrics
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeRequeued  = "requeued"
)

// Metrics exports job runtime counters to Prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	jobsProcessed *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	repeatFired   prometheus.Counter
	queueDepth    *prometheus.GaugeVec
}

// NewMetrics creates the job runtime collectors and registers them with reg.
// Registration failures are logged; the returned Metrics still works.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "almasync_pulse_jobs_processed_total",
			Help: "Total number of job executions by processor and outcome.",
		}, []string{"processor", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "almasync_pulse_job_duration_seconds",
			Help:    "Wall-clock duration of job executions in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"processor"}),
		repeatFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "almasync_pulse_repeat_firings_total",
			Help: "Total number of job instances spawned by repeatable definitions.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "almasync_pulse_queue_jobs",
			Help: "Current number of jobs per status.",
		}, []string{"status"}),
	}

	if reg != nil {
		m.register(reg, m.jobsProcessed, "almasync_pulse_jobs_processed_total")
		m.register(reg, m.jobDuration, "almasync_pulse_job_duration_seconds")
		m.register(reg, m.repeatFired, "almasync_pulse_repeat_firings_total")
		m.register(reg, m.queueDepth, "almasync_pulse_queue_jobs")
	}
	return m
}

func (m *Metrics) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		logger.AddPulseSymbol(logger.Logger).Warnw("Failed to register metric", "metric", name, "error", err)
	}
}

// ObserveJob records one finished execution
func (m *Metrics) ObserveJob(processor, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(processor, outcome).Inc()
	m.jobDuration.WithLabelValues(processor).Observe(d.Seconds())
}

// RepeatFired records spawned repeat instances
func (m *Metrics) RepeatFired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.repeatFired.Add(float64(n))
}

// SetQueueDepth publishes the per-status job counts
func (m *Metrics) SetQueueDepth(counts map[JobStatus]int) {
	if m == nil {
		return
	}
	for _, st := range AllStatuses {
		m.queueDepth.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
