package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupHTTPRoutes builds the route table. Method patterns make the mux answer
// 405 for a known path with the wrong method.
func (s *Server) setupHTTPRoutes() http.Handler {
	mux := http.NewServeMux()

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.HandleListSchedules)
	mux.HandleFunc("POST /api/schedules", s.HandleCreateSchedule)
	mux.HandleFunc("GET /api/schedules/{id}", s.HandleGetSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.HandleUpdateSchedule)
	mux.HandleFunc("PATCH /api/schedules/{id}", s.HandleUpdateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.HandleDeleteSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/start", s.HandleStartSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/stop", s.HandleStopSchedule)
	mux.HandleFunc("GET /api/schedules/{id}/status", s.HandleScheduleStatus)
	mux.HandleFunc("GET /api/schedules/{id}/executions", s.HandleScheduleExecutions)

	// Job runtime
	mux.HandleFunc("GET /api/queue/stats", s.HandleQueueStats)
	mux.HandleFunc("GET /api/queue/jobs", s.HandleQueueJobs)
	mux.HandleFunc("POST /api/queue/pause", s.HandleQueuePause)
	mux.HandleFunc("POST /api/queue/resume", s.HandleQueueResume)

	// System
	mux.HandleFunc("GET /api/processors", s.HandleProcessors)
	mux.HandleFunc("GET /api/instances", s.HandleInstances)
	mux.HandleFunc("GET /health", s.HandleHealth)
	mux.HandleFunc("GET /ws", s.HandleWebSocket)

	gatherer := s.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return s.corsMiddleware(requestIDMiddleware(mux))
}
