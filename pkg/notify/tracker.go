package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nicebuild/jarvis/pkg/config"
	"github.com/nicebuild/jarvis/pkg/models"
)

// TrackerClient talks to the project tracker: verifying inbound webhook
// signatures, spotting the trigger keyword, and posting analysis
// results back as comments.
type TrackerClient struct {
	cfg    config.TrackerConfig
	apiKey string
	client *http.Client
	logger *slog.Logger
}

func NewTrackerClient(cfg config.TrackerConfig, logger *slog.Logger) *TrackerClient {
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	return &TrackerClient{
		cfg:    cfg,
		apiKey: apiKey,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger.With("component", "tracker"),
	}
}

// VerifySignature checks the HMAC-SHA256 hex signature of an inbound
// webhook body. Returns true when no secret is configured, so local
// setups work without signing.
func (t *TrackerClient) VerifySignature(body []byte, signature string) bool {
	if t.cfg.WebhookSecret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(t.cfg.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	// Tolerate the common "sha256=" prefix.
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// HasTrigger reports whether a comment or issue body mentions the
// analysis trigger keyword.
func (t *TrackerClient) HasTrigger(text string) bool {
	keyword := t.cfg.TriggerKeyword
	if keyword == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(keyword))
}

// PostResultComment posts a formatted verdict as a comment on the
// tracker issue the analysis came from.
func (t *TrackerClient) PostResultComment(ctx context.Context, trackerRef string, result *models.AnalysisResult) error {
	if t.cfg.APIURL == "" {
		return nil
	}
	payload := map[string]string{
		"issue":   trackerRef,
		"comment": FormatResultComment(result),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal tracker comment: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(t.cfg.APIURL, "/")+"/comments", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build tracker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post tracker comment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("tracker returned status %d", resp.StatusCode)
	}
	t.logger.Info("Posted result comment", "tracker_ref", trackerRef, "task_id", result.TaskID)
	return nil
}

// FormatResultComment renders a verdict as tracker-flavored markdown.
func FormatResultComment(result *models.AnalysisResult) string {
	var b strings.Builder
	b.WriteString("## Automated log analysis\n\n")
	fmt.Fprintf(&b, "**Problem type:** %s\n", result.ProblemType)
	fmt.Fprintf(&b, "**Root cause:** %s\n", result.RootCause)
	fmt.Fprintf(&b, "**Confidence:** %s\n", result.Confidence)
	if result.ConfidenceReason != "" {
		fmt.Fprintf(&b, "**Confidence reason:** %s\n", result.ConfidenceReason)
	}
	if len(result.KeyEvidence) > 0 {
		b.WriteString("\n**Key evidence:**\n")
		for _, ev := range result.KeyEvidence {
			fmt.Fprintf(&b, "- `%s`\n", ev)
		}
	}
	if len(result.NextSteps) > 0 {
		b.WriteString("\n**Next steps:**\n")
		for _, step := range result.NextSteps {
			fmt.Fprintf(&b, "- %s\n", step)
		}
	}
	if result.FixSuggestion != "" {
		fmt.Fprintf(&b, "\n**Fix suggestion:** %s\n", result.FixSuggestion)
	}
	if result.NeedsEngineer {
		b.WriteString("\n> This verdict needs engineer review.\n")
	}
	fmt.Fprintf(&b, "\n_rule: %s, agent: %s, task: %s_\n",
		result.MatchedRuleID, result.AgentName, result.TaskID)
	return b.String()
}
