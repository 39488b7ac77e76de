package api

import "github.com/nicebuild/jarvis/pkg/models"

// ArtifactRequest references one log artifact by download token or by a
// path the server can read directly.
type ArtifactRequest struct {
	Name  string `json:"name"`
	Token string `json:"token,omitempty"`
	Path  string `json:"path,omitempty"`
	Size  int64  `json:"size,omitempty"`
}

// CreateTaskRequest submits a ticket for analysis. RecordID is optional;
// resubmitting an existing record re-enqueues analysis for it. IssueID,
// AgentType, and Username are accepted as aliases so callers can post
// the compact `{issue_id, agent_type?, username?}` form against an
// already-registered issue.
type CreateTaskRequest struct {
	RecordID    string `json:"record_id,omitempty"`
	IssueID     string `json:"issue_id,omitempty"`
	Description string `json:"description"`
	Priority    string `json:"priority,omitempty"` // "H" or "L", default "L"
	DeviceSN    string `json:"device_sn,omitempty"`
	Firmware    string `json:"firmware,omitempty"`
	AppVersion  string `json:"app_version,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Category    string `json:"category,omitempty"`
	Source      string `json:"source,omitempty"` // default "api"
	TicketRef   string `json:"ticket_ref,omitempty"`
	TrackerRef  string `json:"tracker_ref,omitempty"`
	WebhookURL  string `json:"webhook_url,omitempty"`
	CreatedBy   string `json:"created_by,omitempty"`

	Artifacts []ArtifactRequest `json:"log_artifacts,omitempty"`

	// Agent pins the task to a provider, overriding rule routing.
	Agent     string `json:"agent,omitempty"`
	AgentType string `json:"agent_type,omitempty"`
	Username  string `json:"username,omitempty"`
}

// normalize folds the alias fields into their canonical counterparts.
func (r *CreateTaskRequest) normalize() {
	if r.RecordID == "" {
		r.RecordID = r.IssueID
	}
	if r.Agent == "" {
		r.Agent = r.AgentType
	}
	if r.CreatedBy == "" {
		r.CreatedBy = r.Username
	}
}

// BatchCreateRequest submits several tickets in one call. Either full
// items or the compact issue-id list form.
type BatchCreateRequest struct {
	Items []CreateTaskRequest `json:"items,omitempty"`

	// IssueIDs re-enqueues analysis for registered issues.
	IssueIDs  []string `json:"issue_ids,omitempty"`
	AgentType string   `json:"agent_type,omitempty"`
}

// PreExtractRequest mirrors a rule's pre-extract pattern over the API.
type PreExtractRequest struct {
	Name       string `json:"name"`
	Pattern    string `json:"pattern"`
	DateFilter bool   `json:"date_filter,omitempty"`
}

// CreateRuleRequest creates a diagnostic rule through the API. The rule
// is persisted as a frontmatter markdown file in the rules directory.
type CreateRuleRequest struct {
	ID         string              `json:"id"`
	Name       string              `json:"name,omitempty"`
	Keywords   []string            `json:"keywords,omitempty"`
	Priority   int                 `json:"priority,omitempty"`
	Enabled    *bool               `json:"enabled,omitempty"` // default true
	DependsOn  []string            `json:"depends_on,omitempty"`
	PreExtract []PreExtractRequest `json:"pre_extract,omitempty"`
	NeedsCode  bool                `json:"needs_code,omitempty"`
	Body       string              `json:"body"`
}

// UpdateRuleRequest is a partial rule update; absent fields keep their
// current values.
type UpdateRuleRequest struct {
	Name       *string              `json:"name,omitempty"`
	Keywords   *[]string            `json:"keywords,omitempty"`
	Priority   *int                 `json:"priority,omitempty"`
	Enabled    *bool                `json:"enabled,omitempty"`
	DependsOn  *[]string            `json:"depends_on,omitempty"`
	PreExtract *[]PreExtractRequest `json:"pre_extract,omitempty"`
	NeedsCode  *bool                `json:"needs_code,omitempty"`
	Body       *string              `json:"body,omitempty"`
}

// EscalateRequest hands an issue to the engineering chat channel.
type EscalateRequest struct {
	Reason string `json:"reason,omitempty"`
}

// trackerEvent is the inbound project-tracker webhook payload.
type trackerEvent struct {
	Event string `json:"event"`
	Issue struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"issue"`
	Comment struct {
		Body   string `json:"body"`
		Author string `json:"author"`
	} `json:"comment"`
}

func toPreExtract(in []PreExtractRequest) []models.PreExtractPattern {
	out := make([]models.PreExtractPattern, len(in))
	for i, p := range in {
		out[i] = models.PreExtractPattern{Name: p.Name, Pattern: p.Pattern, DateFilter: p.DateFilter}
	}
	return out
}
