// Package models holds the domain entities shared across the service.
// It stays dependency-free so every other package can import it.
package models

import "time"

// IssueSource tags where an Issue came from.
type IssueSource string

const (
	SourceChat        IssueSource = "chat"
	SourceSupportDesk IssueSource = "support-desk"
	SourceTracker     IssueSource = "tracker"
	SourceAPI         IssueSource = "api"
	SourceLocal       IssueSource = "local"
)

// LogArtifact references one uploaded or fetchable log bundle.
// Either Path (already on local disk) or Token (resolvable via the
// producer's artifact resolver) is set.
type LogArtifact struct {
	Name  string `json:"name"`
	Token string `json:"token,omitempty"`
	Path  string `json:"path,omitempty"`
	Size  int64  `json:"size"`
}

// Issue is the normalized ticket record that is the unit of analysis.
// Immutable after creation except for SoftDeleted and late metadata.
type Issue struct {
	RecordID     string        `json:"record_id"`
	Description  string        `json:"description"`
	Priority     string        `json:"priority"` // "H" or "L"
	DeviceSN     string        `json:"device_sn,omitempty"`
	Firmware     string        `json:"firmware,omitempty"`
	AppVersion   string        `json:"app_version,omitempty"`
	Platform     string        `json:"platform,omitempty"`
	Category     string        `json:"category,omitempty"`
	Source       IssueSource   `json:"source"`
	TicketRef    string        `json:"ticket_ref,omitempty"`  // support-desk ticket, e.g. "#378794"
	TrackerRef   string        `json:"tracker_ref,omitempty"` // project-tracker issue id
	WebhookURL   string        `json:"webhook_url,omitempty"` // completion callback
	CreatedBy    string        `json:"created_by,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	LogArtifacts []LogArtifact `json:"log_artifacts,omitempty"`
	SoftDeleted  bool          `json:"-"`
}

// HighPriority reports whether the issue should be dequeued ahead of
// the low-priority band.
func (i *Issue) HighPriority() bool { return i.Priority == "H" }
