// Package notify delivers outbound notifications: per-issue completion
// webhooks, chat escalation cards, and project-tracker comments.
// Delivery is best-effort; a failed callback is logged and never fails
// the task that triggered it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nicebuild/jarvis/pkg/config"
	"github.com/nicebuild/jarvis/pkg/models"
)

const defaultCallbackTimeout = 10 * time.Second

// Notifier posts task outcomes to the issue's registered webhook and
// escalates to the engineering chat channel.
type Notifier struct {
	cfg    config.NotifyConfig
	client *http.Client
	logger *slog.Logger
}

func New(cfg config.NotifyConfig, logger *slog.Logger) *Notifier {
	timeout := cfg.CallbackTimeout.D()
	if timeout <= 0 {
		timeout = defaultCallbackTimeout
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "notify"),
	}
}

// callbackPayload is the body POSTed to the issue's webhook URL.
type callbackPayload struct {
	TaskID  string                 `json:"task_id"`
	IssueID string                 `json:"issue_id"`
	State   models.TaskState       `json:"state"`
	Error   string                 `json:"error,omitempty"`
	Result  *models.AnalysisResult `json:"result,omitempty"`
}

// TaskFinished notifies the issue's webhook that its task reached a
// terminal state. Result is nil unless the task completed.
func (n *Notifier) TaskFinished(ctx context.Context, issue *models.Issue, task *models.Task, result *models.AnalysisResult) {
	if issue.WebhookURL == "" {
		return
	}
	payload := callbackPayload{
		TaskID:  task.ID,
		IssueID: issue.RecordID,
		State:   task.State,
		Error:   task.Error,
		Result:  result,
	}
	if err := n.post(ctx, issue.WebhookURL, payload); err != nil {
		n.logger.Warn("Completion webhook delivery failed",
			"task_id", task.ID, "url", issue.WebhookURL, "error", err)
		return
	}
	n.logger.Info("Completion webhook delivered", "task_id", task.ID, "state", task.State)
}

func (n *Notifier) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
