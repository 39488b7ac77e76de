package models

// RuleTrigger controls when a rule matches a ticket description.
// A rule with no keywords never matches by keyword; the single enabled
// rule with no keywords and the lowest priority acts as the fallback.
type RuleTrigger struct {
	Keywords []string `json:"keywords" yaml:"keywords"`
	Priority int      `json:"priority" yaml:"priority"`
}

// PreExtractPattern is one regex recipe a rule declares for taming raw
// logs before they reach the agent.
type PreExtractPattern struct {
	Name       string `json:"name" yaml:"name"`
	Pattern    string `json:"pattern" yaml:"pattern"`
	DateFilter bool   `json:"date_filter" yaml:"date_filter"`
}

// Rule is a diagnostic playbook: matching metadata, a pre-extraction
// recipe, and an agent-facing Markdown body.
type Rule struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Version    int                 `json:"version"`
	Enabled    bool                `json:"enabled"`
	Triggers   RuleTrigger         `json:"triggers"`
	DependsOn  []string            `json:"depends_on,omitempty"`
	PreExtract []PreExtractPattern `json:"pre_extract,omitempty"`
	NeedsCode  bool                `json:"needs_code"`
	Body       string              `json:"body"`
	FilePath   string              `json:"-"` // source file, empty for API-created rules
}

// Fallback reports whether the rule is a candidate fallback rule
// (matches everything when nothing else does).
func (r *Rule) Fallback() bool { return len(r.Triggers.Keywords) == 0 }
