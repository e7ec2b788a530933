package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu       sync.Mutex
	runs     []*RunResult
	reports  int
	notified []*RunResult
}

func (r *recordingSink) RecordRun(_ context.Context, run *RunResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *recordingSink) WriteReport(run *RunResult) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports++
	return "reports/" + run.ID + ".json", nil
}

func (r *recordingSink) RunCompleted(_ context.Context, run *RunResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, run)
	return nil
}

func testService(t *testing.T, sink *recordingSink) *Service {
	t.Helper()
	scriptsDir := t.TempDir()
	for _, name := range []string{"0100_Prepare.sh", "0200_Apply.sh"} {
		path := filepath.Join(scriptsDir, name)
		if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	registry, err := BuildRegistry(scriptsDir, "", testLogger())
	if err != nil {
		t.Fatal(err)
	}

	playbookDir := t.TempDir()
	content := "name: deploy\nsequence:\n  - \"0100\"\n  - \"0200\"\n"
	if err := os.WriteFile(filepath.Join(playbookDir, "deploy.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	return &Service{
		Registry:  registry,
		Playbooks: &Loader{Dir: playbookDir},
		Engine:    NewEngine(&ScriptInvoker{Logger: testLogger()}, testLogger()),
		Runs:      sink,
		Notifier:  sink,
		Logger:    testLogger(),
	}
}

func TestServiceRunPlaybookRecordsAndNotifies(t *testing.T) {
	sink := &recordingSink{}
	svc := testService(t, sink)

	run, err := svc.RunPlaybook(context.Background(), "deploy", nil, Options{})
	if err != nil {
		t.Fatalf("RunPlaybook: %v", err)
	}
	if run.OverallStatus != StatusSucceeded {
		t.Errorf("status = %s", run.OverallStatus)
	}
	if len(sink.runs) != 1 || sink.reports != 1 {
		t.Errorf("recorded %d runs, %d reports", len(sink.runs), sink.reports)
	}
	if len(sink.notified) != 1 {
		t.Errorf("notified %d times, want 1", len(sink.notified))
	}
}

func TestServiceDryRunSkipsNotification(t *testing.T) {
	sink := &recordingSink{}
	svc := testService(t, sink)

	run, err := svc.RunPlaybook(context.Background(), "deploy", nil, Options{DryRun: true})
	if err != nil {
		t.Fatalf("RunPlaybook: %v", err)
	}
	if run.OverallStatus != StatusSucceeded {
		t.Errorf("status = %s", run.OverallStatus)
	}
	if len(sink.runs) != 1 {
		t.Errorf("dry run not recorded")
	}
	if len(sink.notified) != 0 {
		t.Error("dry run triggered a notification")
	}
}

func TestServiceRunPlaybookFatalErrors(t *testing.T) {
	sink := &recordingSink{}
	svc := testService(t, sink)

	if _, err := svc.RunPlaybook(context.Background(), "ghost", nil, Options{}); !errors.Is(err, ErrPlaybookNotFound) {
		t.Errorf("want ErrPlaybookNotFound, got %v", err)
	}
	if len(sink.runs) != 0 {
		t.Error("a fatal resolution error still recorded a run")
	}
}

func TestServiceStartPlaybookReturnsIDBeforeCompletion(t *testing.T) {
	sink := &recordingSink{}
	svc := testService(t, sink)

	id, err := svc.StartPlaybook(context.Background(), "deploy", nil, Options{})
	if err != nil {
		t.Fatalf("StartPlaybook: %v", err)
	}
	if id == "" {
		t.Fatal("empty run ID")
	}

	deadline := time.After(5 * time.Second)
	for {
		sink.mu.Lock()
		done := len(sink.runs) == 1
		sink.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("background run never recorded")
		case <-time.After(10 * time.Millisecond):
		}
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.runs[0].ID != id {
		t.Errorf("recorded run ID %q, want %q", sink.runs[0].ID, id)
	}
}

func TestServiceRunTasks(t *testing.T) {
	sink := &recordingSink{}
	svc := testService(t, sink)

	run, err := svc.RunTasks(context.Background(), []TaskNumber{"0100"}, Options{})
	if err != nil {
		t.Fatalf("RunTasks: %v", err)
	}
	if run.Playbook != "ad-hoc" {
		t.Errorf("playbook = %q", run.Playbook)
	}
	if len(run.Outcomes) != 1 || run.Outcomes[0].Status != OutcomeSucceeded {
		t.Errorf("outcomes = %+v", run.Outcomes)
	}

	if _, err := svc.RunTasks(context.Background(), []TaskNumber{"9999"}, Options{}); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("want ErrUnknownTask, got %v", err)
	}
}
