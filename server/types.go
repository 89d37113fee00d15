package server

import (
	"time"

	"github.com/teranos/almasync/pulse/async"
	"github.com/teranos/almasync/pulse/schedule"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket observers
	MaxClients = 100
	// MaxClientMessageQueueSize is the size of per-client message queues
	MaxClientMessageQueueSize = 256
	// ShutdownTimeout is how long Stop waits for server goroutines.
	// The worker pool is stopped by the caller before this.
	ShutdownTimeout = 30 * time.Second
)

// ServerState represents the server lifecycle state
type ServerState int

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

// Event types pushed to /ws observers
const (
	EventScheduleCreated = "schedule_created"
	EventScheduleUpdated = "schedule_update"
	EventScheduleDeleted = "schedule_deleted"
	EventScheduleStarted = "schedule_started"
	EventScheduleStopped = "schedule_stopped"
	EventProgress        = "progress_update"
	EventJobUpdate       = "job_update"
	EventVersion         = "version"
)

// Event is the envelope of every message sent to observers
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// progressData is the payload of a progress_update event
type progressData struct {
	ID       string  `json:"id"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
	Status   string  `json:"status,omitempty"`
}

// deletedData is the payload of a schedule_deleted event
type deletedData struct {
	ID string `json:"id"`
}

// versionData is sent to each observer right after it connects
type versionData struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status    string       `json:"status"`
	State     string       `json:"state"`
	Version   string       `json:"version"`
	Commit    string       `json:"commit"`
	BuildTime string       `json:"build_time"`
	GoVersion string       `json:"go_version"`
	Clients   int          `json:"clients"`
	Queue     interface{}  `json:"queue,omitempty"`
	Pulse     *PulseHealth `json:"pulse,omitempty"`
	System    interface{}  `json:"system,omitempty"`
}

// PulseHealth reports worker and ticker activity
type PulseHealth struct {
	JobsProcessed int        `json:"jobs_processed"`
	Ticks         int64      `json:"ticks"`
	LastTick      *time.Time `json:"last_tick,omitempty"`
}

// ProcessorsResponse is returned by GET /api/processors
type ProcessorsResponse struct {
	Processors []string `json:"processors"`
	Default    string   `json:"default"`
}

// DeleteResponse is returned by DELETE /api/schedules/{id}
type DeleteResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// ListSchedulesResponse is returned by GET /api/schedules
type ListSchedulesResponse struct {
	Schedules []*schedule.Schedule `json:"schedules"`
	Count     int                  `json:"count"`
}

// ListExecutionsResponse is returned by GET /api/schedules/{id}/executions
type ListExecutionsResponse struct {
	Executions []*schedule.Execution `json:"executions"`
	Count      int                   `json:"count"`
}

// ListJobsResponse is returned by GET /api/queue/jobs
type ListJobsResponse struct {
	Jobs  []*async.Job `json:"jobs"`
	Count int          `json:"count"`
}
