package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"runbook/internal/core"
)

func sampleSchedule(id string) *core.Schedule {
	return &core.Schedule{
		ID:       id,
		Playbook: "nightly",
		Cron:     "0 3 * * *",
		Strategy: core.StrategySequential,
		Enabled:  true,
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.InsertSchedule(ctx, sampleSchedule("sched-1")); err != nil {
		t.Fatalf("InsertSchedule: %v", err)
	}

	got, err := st.GetSchedule(ctx, "sched-1")
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.Playbook != "nightly" || got.Cron != "0 3 * * *" || !got.Enabled {
		t.Errorf("schedule = %+v", got)
	}
	if got.LastRunAt != nil || got.NextRunAt != nil {
		t.Error("fresh schedule should have no run info")
	}
}

func TestScheduleNotFound(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if _, err := st.GetSchedule(ctx, "missing"); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("GetSchedule: want ErrScheduleNotFound, got %v", err)
	}
	if err := st.DeleteSchedule(ctx, "missing"); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("DeleteSchedule: want ErrScheduleNotFound, got %v", err)
	}
	if err := st.SetScheduleEnabled(ctx, "missing", false); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("SetScheduleEnabled: want ErrScheduleNotFound, got %v", err)
	}
}

func TestUpdateScheduleRunInfoKeepsUnsetColumns(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.InsertSchedule(ctx, sampleSchedule("sched-1")); err != nil {
		t.Fatal(err)
	}

	next := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	if err := st.UpdateScheduleRunInfo(ctx, "sched-1", nil, &next); err != nil {
		t.Fatalf("UpdateScheduleRunInfo: %v", err)
	}
	got, err := st.GetSchedule(ctx, "sched-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastRunAt != nil {
		t.Error("nil last_run_at overwrote the column")
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Errorf("next_run_at = %v, want %s", got.NextRunAt, next)
	}

	fired := time.Now().UTC().Truncate(time.Millisecond)
	if err := st.UpdateScheduleRunInfo(ctx, "sched-1", &fired, nil); err != nil {
		t.Fatal(err)
	}
	got, err = st.GetSchedule(ctx, "sched-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(fired) {
		t.Errorf("last_run_at = %v, want %s", got.LastRunAt, fired)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Error("next_run_at lost on partial update")
	}
}

func TestScheduleEnableDisableAndList(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.InsertSchedule(ctx, sampleSchedule("sched-1")); err != nil {
		t.Fatal(err)
	}
	if err := st.InsertSchedule(ctx, sampleSchedule("sched-2")); err != nil {
		t.Fatal(err)
	}

	if err := st.SetScheduleEnabled(ctx, "sched-1", false); err != nil {
		t.Fatalf("SetScheduleEnabled: %v", err)
	}
	got, err := st.GetSchedule(ctx, "sched-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Error("schedule still enabled after disable")
	}

	all, err := st.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("want 2 schedules, got %d", len(all))
	}

	if err := st.DeleteSchedule(ctx, "sched-2"); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	all, err = st.ListSchedules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].ID != "sched-1" {
		t.Errorf("schedules after delete = %+v", all)
	}
}
