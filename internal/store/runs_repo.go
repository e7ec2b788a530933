package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"runbook/internal/core"
)

var ErrRunNotFound = errors.New("run not found")

// RecordRun persists a sealed run with its per-task outcomes in one
// transaction.
func (s *Store) RecordRun(ctx context.Context, run *core.RunResult) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, playbook, strategy, dry_run, overall_status, started_at, ended_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Playbook, run.Strategy, boolToInt(run.DryRun), run.OverallStatus,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.EndedAt.UTC().Format(time.RFC3339Nano),
		run.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, o := range run.Outcomes {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_outcomes (run_id, position, task_number, stage, status, exit_code, failure_kind, error, continue_on_error, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, run.ID, o.Position, o.Number, o.Stage, o.Status,
			nullableInt(o.ExitCode), string(o.FailureKind), nullableString(o.Error),
			boolToInt(o.ContinueOnError), nullableTime(o.StartedAt), nullableTime(o.EndedAt))
		if err != nil {
			return fmt.Errorf("insert outcome %s: %w", o.Number, err)
		}
	}

	return tx.Commit()
}

// GetRun loads one run with its outcomes.
func (s *Store) GetRun(ctx context.Context, id string) (*core.RunResult, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, playbook, strategy, dry_run, overall_status, started_at, ended_at, created_at
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT position, task_number, stage, status, exit_code, failure_kind, error, continue_on_error, started_at, ended_at
		FROM task_outcomes WHERE run_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		run.Outcomes = append(run.Outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns recent runs, newest first, optionally filtered by
// playbook name. Outcomes are not loaded.
func (s *Store) ListRuns(ctx context.Context, playbook string, limit, offset int) ([]*core.RunResult, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, playbook, strategy, dry_run, overall_status, started_at, ended_at, created_at
		FROM runs`
	args := []any{}
	if playbook != "" {
		query += ` WHERE playbook = ?`
		args = append(args, playbook)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []*core.RunResult
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// ReportPath returns where the JSON report for a run lives.
func (s *Store) ReportPath(runID string) string {
	return filepath.Join(s.StateDir, "reports", runID+".json")
}

// reportDocument is the persisted machine-readable run report.
type reportDocument struct {
	RunID         string            `json:"run_id"`
	Playbook      string            `json:"playbook"`
	Strategy      string            `json:"strategy"`
	DryRun        bool              `json:"dry_run"`
	OverallStatus string            `json:"overall_status"`
	ExitCode      int               `json:"exit_code"`
	StartedAt     time.Time         `json:"started_at"`
	EndedAt       time.Time         `json:"ended_at"`
	Tasks         []reportTaskEntry `json:"tasks"`
}

type reportTaskEntry struct {
	Number      string     `json:"number"`
	Stage       string     `json:"stage"`
	Position    int        `json:"position"`
	Status      string     `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	FailureKind string     `json:"failure_kind,omitempty"`
	Error       *string    `json:"error,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// WriteReport serializes the run to <state>/reports/<run-id>.json and
// returns the path.
func (s *Store) WriteReport(run *core.RunResult) (string, error) {
	doc := reportDocument{
		RunID:         run.ID,
		Playbook:      run.Playbook,
		Strategy:      string(run.Strategy),
		DryRun:        run.DryRun,
		OverallStatus: string(run.OverallStatus),
		ExitCode:      core.ExitCode(run.OverallStatus),
		StartedAt:     run.StartedAt,
		EndedAt:       run.EndedAt,
	}
	for _, o := range run.Outcomes {
		doc.Tasks = append(doc.Tasks, reportTaskEntry{
			Number:      string(o.Number),
			Stage:       o.Stage,
			Position:    o.Position,
			Status:      string(o.Status),
			ExitCode:    o.ExitCode,
			FailureKind: string(o.FailureKind),
			Error:       o.Error,
			DurationMS:  o.Duration().Milliseconds(),
			StartedAt:   o.StartedAt,
			EndedAt:     o.EndedAt,
		})
	}

	path := s.ReportPath(run.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("ensure reports dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*core.RunResult, error) {
	var run core.RunResult
	var dryRun int
	var started, ended, created string
	if err := row.Scan(&run.ID, &run.Playbook, &run.Strategy, &dryRun, &run.OverallStatus,
		&started, &ended, &created); err != nil {
		return nil, err
	}
	run.DryRun = dryRun != 0
	var err error
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if run.EndedAt, err = time.Parse(time.RFC3339Nano, ended); err != nil {
		return nil, fmt.Errorf("parse ended_at: %w", err)
	}
	if run.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &run, nil
}

func scanOutcome(row scanner) (core.TaskOutcome, error) {
	var o core.TaskOutcome
	var exitCode sql.NullInt64
	var failureKind, errMsg sql.NullString
	var continueOnError int
	var started, ended sql.NullString
	if err := row.Scan(&o.Position, &o.Number, &o.Stage, &o.Status,
		&exitCode, &failureKind, &errMsg, &continueOnError, &started, &ended); err != nil {
		return o, err
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		o.ExitCode = &v
	}
	if failureKind.Valid {
		o.FailureKind = core.FailureKind(failureKind.String)
	}
	if errMsg.Valid {
		v := errMsg.String
		o.Error = &v
	}
	o.ContinueOnError = continueOnError != 0
	var err error
	if o.StartedAt, err = scanTime(started); err != nil {
		return o, fmt.Errorf("parse started_at: %w", err)
	}
	if o.EndedAt, err = scanTime(ended); err != nil {
		return o, fmt.Errorf("parse ended_at: %w", err)
	}
	return o, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
