package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"runbook/internal/core"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleRun(id, playbook string, created time.Time) *core.RunResult {
	started := created
	ended := created.Add(2 * time.Second)
	exitCode := 0
	return &core.RunResult{
		ID:            id,
		Playbook:      playbook,
		Strategy:      core.StrategySequential,
		OverallStatus: core.StatusSucceeded,
		StartedAt:     started,
		EndedAt:       ended,
		CreatedAt:     created,
		Outcomes: []core.TaskOutcome{
			{
				Number:    "0100",
				Stage:     "stage-1",
				Position:  0,
				Status:    core.OutcomeSucceeded,
				ExitCode:  &exitCode,
				StartedAt: &started,
				EndedAt:   &ended,
			},
		},
	}
}

func TestRecordAndGetRun(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	errMsg := "exit status 1"
	exitCode := 1
	now := time.Now().UTC().Truncate(time.Millisecond)
	run := sampleRun("run-1", "nightly", now)
	run.OverallStatus = core.StatusPartialFailure
	run.Outcomes = append(run.Outcomes, core.TaskOutcome{
		Number:          "0200",
		Stage:           "stage-2",
		Position:        1,
		Status:          core.OutcomeFailed,
		ExitCode:        &exitCode,
		FailureKind:     core.FailureRuntime,
		Error:           &errMsg,
		ContinueOnError: true,
		StartedAt:       &now,
		EndedAt:         &now,
	})

	if err := st.RecordRun(ctx, run); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	got, err := st.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Playbook != "nightly" || got.OverallStatus != core.StatusPartialFailure {
		t.Errorf("run = %+v", got)
	}
	if len(got.Outcomes) != 2 {
		t.Fatalf("want 2 outcomes, got %d", len(got.Outcomes))
	}
	failed := got.Outcomes[1]
	if failed.Number != "0200" || failed.Status != core.OutcomeFailed {
		t.Errorf("outcome = %+v", failed)
	}
	if failed.FailureKind != core.FailureRuntime {
		t.Errorf("failure kind = %s", failed.FailureKind)
	}
	if failed.Error == nil || *failed.Error != errMsg {
		t.Errorf("error = %v", failed.Error)
	}
	if !failed.ContinueOnError {
		t.Error("continue_on_error lost")
	}
	if !got.StartedAt.Equal(run.StartedAt) {
		t.Errorf("started_at = %s, want %s", got.StartedAt, run.StartedAt)
	}
}

func TestGetRunNotFound(t *testing.T) {
	st := testStore(t)
	if _, err := st.GetRun(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("want ErrRunNotFound, got %v", err)
	}
}

func TestListRunsNewestFirstWithFilter(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, tc := range []struct{ id, playbook string }{
		{"run-a", "nightly"},
		{"run-b", "deploy"},
		{"run-c", "nightly"},
	} {
		if err := st.RecordRun(ctx, sampleRun(tc.id, tc.playbook, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("RecordRun %s: %v", tc.id, err)
		}
	}

	all, err := st.ListRuns(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 3 || all[0].ID != "run-c" || all[2].ID != "run-a" {
		ids := make([]string, len(all))
		for i, r := range all {
			ids[i] = r.ID
		}
		t.Errorf("order = %v, want newest first", ids)
	}

	nightly, err := st.ListRuns(ctx, "nightly", 10, 0)
	if err != nil {
		t.Fatalf("ListRuns filtered: %v", err)
	}
	if len(nightly) != 2 {
		t.Errorf("filtered count = %d, want 2", len(nightly))
	}

	limited, err := st.ListRuns(ctx, "", 1, 1)
	if err != nil {
		t.Fatalf("ListRuns paged: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "run-b" {
		t.Errorf("page = %+v", limited)
	}
}

func TestWriteReport(t *testing.T) {
	st := testStore(t)
	run := sampleRun("run-r", "nightly", time.Now().UTC())
	run.OverallStatus = core.StatusFailed

	path, err := st.WriteReport(run)
	if err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	if path != st.ReportPath("run-r") {
		t.Errorf("path = %s, want %s", path, st.ReportPath("run-r"))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		RunID         string `json:"run_id"`
		OverallStatus string `json:"overall_status"`
		ExitCode      int    `json:"exit_code"`
		Tasks         []struct {
			Number string `json:"number"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if doc.RunID != "run-r" || doc.OverallStatus != string(core.StatusFailed) {
		t.Errorf("doc = %+v", doc)
	}
	if doc.ExitCode != core.ExitFailed {
		t.Errorf("exit_code = %d, want %d", doc.ExitCode, core.ExitFailed)
	}
	if len(doc.Tasks) != 1 || doc.Tasks[0].Number != "0100" {
		t.Errorf("tasks = %+v", doc.Tasks)
	}
}
