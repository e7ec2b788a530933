package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"runbook/internal/core"
	"runbook/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type createScheduleRequest struct {
	Playbook        string `json:"playbook"`
	Cron            string `json:"cron"`
	Parallel        bool   `json:"parallel"`
	Concurrency     int    `json:"concurrency"`
	ContinueOnError bool   `json:"continue_on_error"`
	Disabled        bool   `json:"disabled"`
}

type scheduleResponse struct {
	ID              string  `json:"id"`
	Playbook        string  `json:"playbook"`
	Cron            string  `json:"cron"`
	Strategy        string  `json:"strategy"`
	Concurrency     int     `json:"concurrency"`
	ContinueOnError bool    `json:"continue_on_error"`
	Enabled         bool    `json:"enabled"`
	LastRunAt       *string `json:"last_run_at,omitempty"`
	NextRunAt       *string `json:"next_run_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

type cronPreviewRequest struct {
	Cron  string `json:"cron"`
	Count int    `json:"count"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.Playbook = strings.TrimSpace(req.Playbook)
	req.Cron = strings.TrimSpace(req.Cron)
	if req.Playbook == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "playbook is required")
		return
	}
	if _, err := core.ParseCron(req.Cron); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_cron", err.Error())
		return
	}
	// The playbook must at least resolve today; tasks may still fail at
	// fire time if the script tree changes underneath.
	if _, err := s.service.Plan(req.Playbook, nil); err != nil {
		s.writeResolutionError(w, err)
		return
	}

	strategy := core.StrategySequential
	if req.Parallel {
		strategy = core.StrategyParallel
	}
	sched := &core.Schedule{
		ID:              uuid.NewString(),
		Playbook:        req.Playbook,
		Cron:            req.Cron,
		Strategy:        strategy,
		Concurrency:     req.Concurrency,
		ContinueOnError: req.ContinueOnError,
		Enabled:         !req.Disabled,
	}
	if err := s.store.InsertSchedule(r.Context(), sched); err != nil {
		s.logger.Error("insert schedule", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create schedule")
		return
	}
	if s.scheduler != nil {
		if err := s.scheduler.AddOrUpdate(r.Context(), sched); err != nil {
			s.logger.Error("register schedule", "schedule_id", sched.ID, "err", err)
		}
	}
	writeJSON(w, http.StatusCreated, scheduleToResponse(sched))
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		s.logger.Error("list schedules", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list schedules")
		return
	}
	out := make([]scheduleResponse, 0, len(schedules))
	for _, sched := range schedules {
		out = append(out, scheduleToResponse(sched))
	}
	writeJSON(w, http.StatusOK, map[string][]scheduleResponse{"schedules": out})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "scheduleID"))
	if err != nil {
		s.writeScheduleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleToResponse(sched))
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleID")
	if err := s.store.DeleteSchedule(r.Context(), scheduleID); err != nil {
		s.writeScheduleError(w, err)
		return
	}
	if s.scheduler != nil {
		s.scheduler.Remove(scheduleID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleEnabled(w, r, true)
}

func (s *Server) handleDisableSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleEnabled(w, r, false)
}

func (s *Server) setScheduleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	scheduleID := chi.URLParam(r, "scheduleID")
	if err := s.store.SetScheduleEnabled(r.Context(), scheduleID, enabled); err != nil {
		s.writeScheduleError(w, err)
		return
	}
	sched, err := s.store.GetSchedule(r.Context(), scheduleID)
	if err != nil {
		s.writeScheduleError(w, err)
		return
	}
	if s.scheduler != nil {
		if err := s.scheduler.AddOrUpdate(r.Context(), sched); err != nil {
			s.logger.Error("register schedule", "schedule_id", sched.ID, "err", err)
		}
	}
	writeJSON(w, http.StatusOK, scheduleToResponse(sched))
}

func (s *Server) handleSchedulePreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	schedule, err := core.ParseCron(strings.TrimSpace(req.Cron))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_cron", err.Error())
		return
	}
	count := req.Count
	if count <= 0 || count > 10 {
		count = 5
	}
	times := core.NextOccurrences(schedule, time.Now(), count)
	out := make([]string, len(times))
	for i, t := range times {
		out[i] = t.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string][]string{"next": out})
}

func (s *Server) writeScheduleError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrScheduleNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "schedule not found")
		return
	}
	s.logger.Error("schedule operation", "err", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "schedule operation failed")
}

func scheduleToResponse(sched *core.Schedule) scheduleResponse {
	resp := scheduleResponse{
		ID:              sched.ID,
		Playbook:        sched.Playbook,
		Cron:            sched.Cron,
		Strategy:        string(sched.Strategy),
		Concurrency:     sched.Concurrency,
		ContinueOnError: sched.ContinueOnError,
		Enabled:         sched.Enabled,
		CreatedAt:       sched.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:       sched.UpdatedAt.Format(time.RFC3339Nano),
	}
	if sched.LastRunAt != nil {
		v := sched.LastRunAt.Format(time.RFC3339Nano)
		resp.LastRunAt = &v
	}
	if sched.NextRunAt != nil {
		v := sched.NextRunAt.Format(time.RFC3339Nano)
		resp.NextRunAt = &v
	}
	return resp
}
