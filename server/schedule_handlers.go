package server

import (
	"net/http"

	"github.com/teranos/almasync/logger"
	"github.com/teranos/almasync/pulse/schedule"
)

const (
	defaultExecutionLimit = 50
	maxExecutionLimit     = 500
)

// HandleListSchedules handles GET /api/schedules[?status=]
func (s *Server) HandleListSchedules(w http.ResponseWriter, r *http.Request) {
	var (
		list []*schedule.Schedule
		err  error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		list, err = s.scheduler.GetByStatus(r.Context(), schedule.Status(status))
	} else {
		list, err = s.scheduler.GetAll(r.Context())
	}
	if err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	if list == nil {
		list = []*schedule.Schedule{}
	}
	writeJSON(w, http.StatusOK, ListSchedulesResponse{Schedules: list, Count: len(list)})
}

// HandleCreateSchedule handles POST /api/schedules. The schedule is stored
// idle; activation is a separate call.
func (s *Server) HandleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req schedule.Schedule
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	created, err := s.scheduler.Create(r.Context(), &req)
	if err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	logger.AddScheduleSymbol(s.logger).Infow("Schedule created via API",
		logger.FieldScheduleID, created.ID,
		"name", created.Name,
	)
	writeJSON(w, http.StatusCreated, created)
}

// HandleGetSchedule handles GET /api/schedules/{id}
func (s *Server) HandleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.scheduler.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// HandleUpdateSchedule handles PUT and PATCH /api/schedules/{id}. Both are
// partial updates; fields left out of the body are unchanged.
func (s *Server) HandleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var patch schedule.Patch
	if err := readJSON(w, r, &patch); err != nil {
		return
	}
	if patch.IsEmpty() {
		writeError(w, http.StatusBadRequest, "No updatable fields in request body")
		return
	}

	id := r.PathValue("id")
	updated, err := s.scheduler.Update(r.Context(), id, &patch)
	if err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	logger.AddScheduleSymbol(s.logger).Infow("Schedule updated via API", logger.FieldScheduleID, id)
	writeJSON(w, http.StatusOK, updated)
}

// HandleDeleteSchedule handles DELETE /api/schedules/{id}
func (s *Server) HandleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.Delete(r.Context(), id); err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	logger.AddScheduleSymbol(s.logger).Infow("Schedule deleted via API", logger.FieldScheduleID, id)
	writeJSON(w, http.StatusOK, DeleteResponse{ID: id, Deleted: true})
}

// HandleStartSchedule handles POST /api/schedules/{id}/start
func (s *Server) HandleStartSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sched, err := s.scheduler.Start(r.Context(), id)
	if err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	logger.AddScheduleSymbol(s.logger).Infow("Schedule started via API", logger.FieldScheduleID, id)
	writeJSON(w, http.StatusOK, sched)
}

// HandleStopSchedule handles POST /api/schedules/{id}/stop
func (s *Server) HandleStopSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sched, err := s.scheduler.Stop(r.Context(), id)
	if err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	logger.AddScheduleSymbol(s.logger).Infow("Schedule stopped via API", logger.FieldScheduleID, id)
	writeJSON(w, http.StatusOK, sched)
}

// HandleScheduleStatus handles GET /api/schedules/{id}/status
func (s *Server) HandleScheduleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.scheduler.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleScheduleExecutions handles GET /api/schedules/{id}/executions[?limit=]
func (s *Server) HandleScheduleExecutions(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQueryParam(r, "limit", defaultExecutionLimit, 1, maxExecutionLimit)
	execs, err := s.scheduler.Executions(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeServiceError(w, s.logger, r, err)
		return
	}
	if execs == nil {
		execs = []*schedule.Execution{}
	}
	writeJSON(w, http.StatusOK, ListExecutionsResponse{Executions: execs, Count: len(execs)})
}
