package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"runbook/internal/core"
)

// WebhookNotifier POSTs a JSON run summary to a configured URL when a
// run completes.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) (*WebhookNotifier, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is empty")
	}
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

type webhookPayload struct {
	RunID         string `json:"run_id"`
	Playbook      string `json:"playbook"`
	OverallStatus string `json:"overall_status"`
	Tasks         int    `json:"tasks"`
	Failed        int    `json:"failed"`
	Skipped       int    `json:"skipped"`
	DurationMS    int64  `json:"duration_ms"`
	EndedAt       string `json:"ended_at"`
}

func (w *WebhookNotifier) RunCompleted(ctx context.Context, run *core.RunResult) error {
	payload := webhookPayload{
		RunID:         run.ID,
		Playbook:      run.Playbook,
		OverallStatus: string(run.OverallStatus),
		Tasks:         len(run.Outcomes),
		DurationMS:    run.EndedAt.Sub(run.StartedAt).Milliseconds(),
		EndedAt:       run.EndedAt.Format(time.RFC3339),
	}
	for _, o := range run.Outcomes {
		switch o.Status {
		case core.OutcomeFailed, core.OutcomeTimedOut:
			payload.Failed++
		case core.OutcomeSkipped:
			payload.Skipped++
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}
	return nil
}
