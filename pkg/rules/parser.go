package rules

import (
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nicebuild/jarvis/pkg/models"
)

// ruleHeader is the yaml frontmatter of a rule file. Field order is
// irrelevant; string lists may be flow arrays or block sequences.
type ruleHeader struct {
	ID         string                     `yaml:"id"`
	Name       string                     `yaml:"name"`
	Version    int                        `yaml:"version"`
	Enabled    *bool                      `yaml:"enabled"`
	Triggers   models.RuleTrigger         `yaml:"triggers"`
	DependsOn  []string                   `yaml:"depends_on"`
	PreExtract []models.PreExtractPattern `yaml:"pre_extract"`
	NeedsCode  bool                       `yaml:"needs_code"`
}

const headerDelimiter = "---"

// ParseRuleFile parses a rule document: a `---`-delimited yaml header
// followed by a free-text Markdown body. The file stem becomes the rule
// id when the header omits one.
func ParseRuleFile(path string, data []byte) (*models.Rule, error) {
	header, body, err := splitFrontmatter(string(data))
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", path, err)
	}

	var h ruleHeader
	if err := yaml.Unmarshal([]byte(header), &h); err != nil {
		return nil, fmt.Errorf("rule %s: parse header: %w", path, err)
	}

	if h.ID == "" {
		h.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if h.Version == 0 {
		h.Version = 1
	}
	enabled := true
	if h.Enabled != nil {
		enabled = *h.Enabled
	}
	if h.Triggers.Priority < 0 {
		return nil, fmt.Errorf("rule %s: triggers.priority must be >= 0", path)
	}

	return &models.Rule{
		ID:         h.ID,
		Name:       h.Name,
		Version:    h.Version,
		Enabled:    enabled,
		Triggers:   h.Triggers,
		DependsOn:  h.DependsOn,
		PreExtract: h.PreExtract,
		NeedsCode:  h.NeedsCode,
		Body:       strings.TrimSpace(body),
		FilePath:   path,
	}, nil
}

// splitFrontmatter separates the yaml header from the Markdown body.
func splitFrontmatter(doc string) (header, body string, err error) {
	doc = strings.TrimPrefix(doc, "\uFEFF") // tolerate a BOM
	lines := strings.SplitAfter(doc, "\n")
	if len(lines) == 0 || strings.TrimSpace(strings.TrimSuffix(lines[0], "\n")) != headerDelimiter {
		return "", "", fmt.Errorf("missing %q header delimiter", headerDelimiter)
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(strings.TrimSuffix(lines[i], "\n")) == headerDelimiter {
			return strings.Join(lines[1:i], ""), strings.Join(lines[i+1:], ""), nil
		}
	}
	return "", "", fmt.Errorf("unterminated %q header", headerDelimiter)
}

// FormatRuleFile renders a rule back to its on-disk document form.
// Used when rules are created or updated through the API.
func FormatRuleFile(r *models.Rule) ([]byte, error) {
	h := ruleHeader{
		ID:         r.ID,
		Name:       r.Name,
		Version:    r.Version,
		Enabled:    &r.Enabled,
		Triggers:   r.Triggers,
		DependsOn:  r.DependsOn,
		PreExtract: r.PreExtract,
		NeedsCode:  r.NeedsCode,
	}
	head, err := yaml.Marshal(&h)
	if err != nil {
		return nil, fmt.Errorf("marshal rule %s header: %w", r.ID, err)
	}
	var b strings.Builder
	b.WriteString(headerDelimiter + "\n")
	b.Write(head)
	b.WriteString(headerDelimiter + "\n\n")
	b.WriteString(r.Body)
	b.WriteString("\n")
	return []byte(b.String()), nil
}
