package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/teranos/almasync/logger"
	"github.com/teranos/almasync/transfer"
	"github.com/teranos/almasync/version"
)

// HandleWebSocket upgrades an observer connection and registers it with the hub.
// Observers get no history; they fetch initial state over REST.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Warnw("WebSocket upgrade failed", logger.FieldError, err)
		return
	}

	client := newClient(s.hub, conn, fmt.Sprintf("%s_%d", r.RemoteAddr, time.Now().UnixNano()))

	// Version goes out before writePump starts so writes never overlap
	info := version.Get()
	hello := Event{
		Type:      EventVersion,
		Data:      versionData{Version: info.Version, Commit: info.Short(), BuildTime: info.BuildTime},
		Timestamp: time.Now(),
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(hello); err != nil {
		s.logger.Debugw("Failed to send version info", logger.FieldClientID, client.id, logger.FieldError, err)
	}

	select {
	case s.hub.register <- client:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		client.readPump(s.ctx)
	}()
}

// HandleHealth handles GET /health
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	state := s.getState()

	resp := HealthResponse{
		Status:    "ok",
		State:     stateString(state),
		Version:   info.Version,
		Commit:    info.Short(),
		BuildTime: info.BuildTime,
		GoVersion: info.GoVersion,
		Clients:   s.hub.ClientCount(),
	}

	code := http.StatusOK
	if state != ServerStateRunning {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	if stats, err := s.queue.Stats(r.Context()); err == nil {
		resp.Queue = stats
	} else {
		resp.Status = "degraded"
		s.logger.Warnw("Health check could not read queue stats", logger.FieldError, err)
	}
	if s.pool != nil {
		resp.System = s.pool.GetSystemMetrics(r.Context())
		resp.Pulse = &PulseHealth{JobsProcessed: s.pool.JobsProcessed()}
	}
	if s.ticker != nil {
		if resp.Pulse == nil {
			resp.Pulse = &PulseHealth{}
		}
		last, ticks := s.ticker.LastTick()
		resp.Pulse.Ticks = ticks
		if !last.IsZero() {
			resp.Pulse.LastTick = &last
		}
	}

	writeJSON(w, code, resp)
}

// HandleProcessors handles GET /api/processors
func (s *Server) HandleProcessors(w http.ResponseWriter, r *http.Request) {
	var names []string
	if s.registry != nil {
		names = s.registry.Names()
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, ProcessorsResponse{Processors: names, Default: s.scheduler.Processor()})
}

// HandleInstances handles GET /api/instances. Only names and URLs are exposed.
func (s *Server) HandleInstances(w http.ResponseWriter, r *http.Request) {
	summary := transfer.InstanceSummary{DHIS2: []transfer.InstanceInfo{}, Alma: []transfer.InstanceInfo{}}
	if s.instances != nil {
		summary = s.instances.Summary()
	}
	writeJSON(w, http.StatusOK, summary)
}
