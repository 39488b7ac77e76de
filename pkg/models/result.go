package models

import "time"

// Confidence grades how sure the agent is about its root cause.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Valid reports whether c is a known confidence grade.
func (c Confidence) Valid() bool {
	return c == ConfidenceHigh || c == ConfidenceMedium || c == ConfidenceLow
}

// AnalysisResult is the structured outcome of a successful Task.
// One-to-one with its task; immutable once written.
type AnalysisResult struct {
	TaskID           string     `json:"task_id"`
	IssueID          string     `json:"issue_id"`
	ProblemType      string     `json:"problem_type"`
	ProblemTypeEN    string     `json:"problem_type_en,omitempty"`
	RootCause        string     `json:"root_cause"`
	RootCauseEN      string     `json:"root_cause_en,omitempty"`
	Confidence       Confidence `json:"confidence"`
	ConfidenceReason string     `json:"confidence_reason,omitempty"`
	KeyEvidence      []string   `json:"key_evidence,omitempty"`
	UserReply        string     `json:"user_reply,omitempty"`
	UserReplyEN      string     `json:"user_reply_en,omitempty"`
	NeedsEngineer    bool       `json:"needs_engineer"`
	RequiresMoreInfo bool       `json:"requires_more_info"`
	NextSteps        []string   `json:"next_steps,omitempty"`
	FixSuggestion    string     `json:"fix_suggestion,omitempty"`
	MatchedRuleID    string     `json:"matched_rule_id"`
	AgentName        string     `json:"agent_name"`
	RawTranscript    string     `json:"-"` // bounded agent stdout, kept for auditing
	CreatedAt        time.Time  `json:"created_at"`
}
