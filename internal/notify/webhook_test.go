package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"runbook/internal/core"
)

func failedRun() *core.RunResult {
	now := time.Now().UTC()
	return &core.RunResult{
		ID:            "run-1",
		Playbook:      "nightly",
		OverallStatus: core.StatusAborted,
		StartedAt:     now.Add(-3 * time.Second),
		EndedAt:       now,
		Outcomes: []core.TaskOutcome{
			{Number: "0100", Status: core.OutcomeSucceeded},
			{Number: "0200", Status: core.OutcomeFailed},
			{Number: "0300", Status: core.OutcomeSkipped},
		},
	}
}

func TestWebhookPostsSummary(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
	}))
	defer srv.Close()

	wh, err := NewWebhookNotifier(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if err := wh.RunCompleted(context.Background(), failedRun()); err != nil {
		t.Fatalf("RunCompleted: %v", err)
	}

	if got.RunID != "run-1" || got.Playbook != "nightly" {
		t.Errorf("payload = %+v", got)
	}
	if got.Tasks != 3 || got.Failed != 1 || got.Skipped != 1 {
		t.Errorf("counts = tasks %d failed %d skipped %d", got.Tasks, got.Failed, got.Skipped)
	}
	if got.OverallStatus != string(core.StatusAborted) {
		t.Errorf("status = %s", got.OverallStatus)
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh, err := NewWebhookNotifier(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if err := wh.RunCompleted(context.Background(), failedRun()); err == nil {
		t.Error("want error on 5xx response")
	}
}

func TestWebhookRequiresURL(t *testing.T) {
	if _, err := NewWebhookNotifier(""); err == nil {
		t.Error("empty URL accepted")
	}
}
