package api

import (
	"errors"
	"net/http"
	"os"
	"time"

	"runbook/internal/core"
	"runbook/internal/store"

	"github.com/go-chi/chi/v5"
)

type runResponse struct {
	ID            string            `json:"id"`
	Playbook      string            `json:"playbook"`
	Strategy      string            `json:"strategy"`
	DryRun        bool              `json:"dry_run"`
	OverallStatus string            `json:"overall_status"`
	StartedAt     string            `json:"started_at"`
	EndedAt       string            `json:"ended_at"`
	CreatedAt     string            `json:"created_at"`
	Outcomes      []outcomeResponse `json:"outcomes,omitempty"`
}

type outcomeResponse struct {
	Number      string  `json:"number"`
	Stage       string  `json:"stage"`
	Position    int     `json:"position"`
	Status      string  `json:"status"`
	ExitCode    *int    `json:"exit_code,omitempty"`
	FailureKind string  `json:"failure_kind,omitempty"`
	Error       *string `json:"error,omitempty"`
	DurationMS  int64   `json:"duration_ms"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	playbook := r.URL.Query().Get("playbook")
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)

	runs, err := s.store.ListRuns(r.Context(), playbook, limit, offset)
	if err != nil {
		s.logger.Error("list runs", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runToResponse(run, false))
	}
	writeJSON(w, http.StatusOK, map[string][]runResponse{"runs": out})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
		} else {
			s.logger.Error("get run", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run")
		}
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run, true))
}

// handleRunReport serves the persisted machine-readable report file.
func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	path := s.store.ReportPath(runID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not_found", "report not found")
		} else {
			s.logger.Error("read report", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to read report")
		}
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write(data)
}

func runToResponse(run *core.RunResult, includeOutcomes bool) runResponse {
	resp := runResponse{
		ID:            run.ID,
		Playbook:      run.Playbook,
		Strategy:      string(run.Strategy),
		DryRun:        run.DryRun,
		OverallStatus: string(run.OverallStatus),
		StartedAt:     run.StartedAt.Format(time.RFC3339Nano),
		EndedAt:       run.EndedAt.Format(time.RFC3339Nano),
		CreatedAt:     run.CreatedAt.Format(time.RFC3339Nano),
	}
	if includeOutcomes {
		for _, o := range run.Outcomes {
			resp.Outcomes = append(resp.Outcomes, outcomeResponse{
				Number:      string(o.Number),
				Stage:       o.Stage,
				Position:    o.Position,
				Status:      string(o.Status),
				ExitCode:    o.ExitCode,
				FailureKind: string(o.FailureKind),
				Error:       o.Error,
				DurationMS:  o.Duration().Milliseconds(),
			})
		}
	}
	return resp
}
