package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"runbook/internal/core"
)

var ErrScheduleNotFound = errors.New("schedule not found")

// InsertSchedule stores a new schedule record.
func (s *Store) InsertSchedule(ctx context.Context, sched *core.Schedule) error {
	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO schedules (id, playbook, cron, strategy, concurrency, continue_on_error, enabled, last_run_at, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sched.ID, sched.Playbook, sched.Cron, sched.Strategy, sched.Concurrency,
		boolToInt(sched.ContinueOnError), boolToInt(sched.Enabled),
		nullableTime(sched.LastRunAt), nullableTime(sched.NextRunAt),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// GetSchedule loads one schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, id string) (*core.Schedule, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, playbook, cron, strategy, concurrency, continue_on_error, enabled, last_run_at, next_run_at, created_at, updated_at
		FROM schedules WHERE id = ?
	`, id)
	sched, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return sched, nil
}

// ListSchedules returns every schedule, oldest first.
func (s *Store) ListSchedules(ctx context.Context) ([]*core.Schedule, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, playbook, cron, strategy, concurrency, continue_on_error, enabled, last_run_at, next_run_at, created_at, updated_at
		FROM schedules ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	var out []*core.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateScheduleRunInfo records the last fire time and the next
// planned one. Nil arguments leave the column unchanged.
func (s *Store) UpdateScheduleRunInfo(ctx context.Context, id string, lastRunAt, nextRunAt *time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE schedules
		SET last_run_at = COALESCE(?, last_run_at),
		    next_run_at = COALESCE(?, next_run_at),
		    updated_at = ?
		WHERE id = ?
	`, nullableTime(lastRunAt), nullableTime(nextRunAt),
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update schedule run info: %w", err)
	}
	return requireRow(res)
}

// SetScheduleEnabled toggles a schedule.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?
	`, boolToInt(enabled), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	return requireRow(res)
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func scanSchedule(row scanner) (*core.Schedule, error) {
	var sched core.Schedule
	var continueOnError, enabled int
	var last, next sql.NullString
	var created, updated string
	if err := row.Scan(&sched.ID, &sched.Playbook, &sched.Cron, &sched.Strategy, &sched.Concurrency,
		&continueOnError, &enabled, &last, &next, &created, &updated); err != nil {
		return nil, err
	}
	sched.ContinueOnError = continueOnError != 0
	sched.Enabled = enabled != 0
	var err error
	if sched.LastRunAt, err = scanTime(last); err != nil {
		return nil, fmt.Errorf("parse last_run_at: %w", err)
	}
	if sched.NextRunAt, err = scanTime(next); err != nil {
		return nil, fmt.Errorf("parse next_run_at: %w", err)
	}
	if sched.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if sched.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &sched, nil
}
