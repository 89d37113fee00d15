package server

import (
	"net/http"
	"strings"

	"github.com/teranos/almasync/logger"
	"github.com/teranos/almasync/pulse/async"
)

// HandleQueueStats handles GET /api/queue/stats
func (s *Server) HandleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleQueueJobs handles GET /api/queue/jobs[?status=waiting,active]
func (s *Server) HandleQueueJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []async.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if !async.IsValidStatus(part) {
				writeError(w, http.StatusBadRequest, "Unknown job status: "+part)
				return
			}
			statuses = append(statuses, async.JobStatus(part))
		}
	}

	jobs, err := s.queue.GetJobs(r.Context(), statuses...)
	if err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	if jobs == nil {
		jobs = []*async.Job{}
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Count: len(jobs)})
}

// HandleQueuePause handles POST /api/queue/pause. Workers stop dequeuing;
// running jobs finish.
func (s *Server) HandleQueuePause(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Pause(r.Context()); err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	logger.AddPulseSymbol(s.logger).Infow("Job queue paused via API")
	s.HandleQueueStats(w, r)
}

// HandleQueueResume handles POST /api/queue/resume
func (s *Server) HandleQueueResume(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Resume(r.Context()); err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	logger.AddPulseSymbol(s.logger).Infow("Job queue resumed via API")
	s.HandleQueueStats(w, r)
}
