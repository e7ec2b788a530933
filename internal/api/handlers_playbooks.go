package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"runbook/internal/core"

	"github.com/go-chi/chi/v5"
)

type planResponse struct {
	Playbook string          `json:"playbook"`
	Stages   []stageResponse `json:"stages"`
}

type stageResponse struct {
	Name     string         `json:"name"`
	Parallel bool           `json:"parallel"`
	Tasks    []taskResponse `json:"tasks"`
}

type taskResponse struct {
	Number   string   `json:"number"`
	Path     string   `json:"path"`
	Args     []string `json:"args,omitempty"`
	Position int      `json:"position"`
}

type runRequest struct {
	DryRun          bool              `json:"dry_run"`
	Parallel        bool              `json:"parallel"`
	Concurrency     int               `json:"concurrency"`
	ContinueOnError bool              `json:"continue_on_error"`
	TaskTimeoutSecs int               `json:"task_timeout_s"`
	Variables       map[string]string `json:"variables"`
}

func (s *Server) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	names, err := s.service.Playbooks.List()
	if err != nil {
		s.logger.Error("list playbooks", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list playbooks")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"playbooks": names})
}

func (s *Server) handlePlanPlaybook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	plan, err := s.service.Plan(name, nil)
	if err != nil {
		s.writeResolutionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, planToResponse(plan))
}

func (s *Server) handleRunPlaybook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req runRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
	}

	opts := core.Options{
		Strategy:        core.StrategySequential,
		DryRun:          req.DryRun,
		Concurrency:     req.Concurrency,
		ContinueOnError: req.ContinueOnError,
		TaskTimeout:     time.Duration(req.TaskTimeoutSecs) * time.Second,
	}
	if req.Parallel {
		opts.Strategy = core.StrategyParallel
	}

	// Dry runs are cheap: execute synchronously and return the full
	// result. Real runs go to the background with a pre-assigned ID.
	if req.DryRun {
		run, err := s.service.RunPlaybook(r.Context(), name, req.Variables, opts)
		if err != nil {
			s.writeResolutionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runToResponse(run, true))
		return
	}

	runID, err := s.service.StartPlaybook(r.Context(), name, req.Variables, opts)
	if err != nil {
		s.writeResolutionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "started"})
}

func (s *Server) writeResolutionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrPlaybookNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, core.ErrMalformedPlaybook),
		errors.Is(err, core.ErrUnresolvedVariable),
		errors.Is(err, core.ErrUnknownTask),
		errors.Is(err, core.ErrCycleDetected),
		errors.Is(err, core.ErrOrderViolation):
		writeError(w, http.StatusUnprocessableEntity, "resolution_failed", err.Error())
	default:
		s.logger.Error("resolve playbook", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to resolve playbook")
	}
}

func planToResponse(plan *core.Plan) planResponse {
	resp := planResponse{Playbook: plan.Playbook, Stages: []stageResponse{}}
	for _, st := range plan.Stages {
		sr := stageResponse{Name: st.Name, Parallel: st.Parallel}
		for _, inv := range st.Invocations {
			sr.Tasks = append(sr.Tasks, taskResponse{
				Number:   string(inv.Task.Number),
				Path:     inv.Task.Path,
				Args:     inv.Args,
				Position: inv.Position,
			})
		}
		resp.Stages = append(resp.Stages, sr)
	}
	return resp
}
