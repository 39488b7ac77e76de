package agent

import (
	"fmt"
	"strings"

	"github.com/nicebuild/jarvis/pkg/extract"
	"github.com/nicebuild/jarvis/pkg/models"
	"github.com/nicebuild/jarvis/pkg/workspace"
)

// PromptInput is everything the prompt renderer needs about one task.
type PromptInput struct {
	Issue            *models.Issue
	Rules            []*models.Rule // execution order, primary last
	PrimaryRuleID    string
	Extracts         []extract.PatternResult
	MaxPromptMatches int
	LogFileCount     int
	CodeMounted      bool
}

// BuildPrompt renders the work order the agent reads from prompt.md.
// The prompt embeds only bounded extract samples; the agent is told
// where the full data lives and must ground its verdict in it.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder

	b.WriteString("# Log Analysis Task\n\n")
	b.WriteString("You are a senior firmware/app support engineer analyzing device logs ")
	b.WriteString("for a user-reported problem. Work inside this directory only.\n\n")

	b.WriteString("## Ticket\n\n")
	fmt.Fprintf(&b, "- Description: %s\n", in.Issue.Description)
	if in.Issue.DeviceSN != "" {
		fmt.Fprintf(&b, "- Device SN: %s\n", in.Issue.DeviceSN)
	}
	if in.Issue.Firmware != "" {
		fmt.Fprintf(&b, "- Firmware: %s\n", in.Issue.Firmware)
	}
	if in.Issue.AppVersion != "" {
		fmt.Fprintf(&b, "- App version: %s\n", in.Issue.AppVersion)
	}
	if in.Issue.Platform != "" {
		fmt.Fprintf(&b, "- Platform: %s\n", in.Issue.Platform)
	}
	fmt.Fprintf(&b, "- Priority: %s\n", in.Issue.Priority)

	b.WriteString("\n## Workspace layout\n\n")
	fmt.Fprintf(&b, "- `%s/` — decoded plaintext logs (%d files). This is your primary evidence.\n",
		workspace.LogsDir, in.LogFileCount)
	fmt.Fprintf(&b, "- `%s/` — diagnostic playbooks, numbered in the order you should apply them.\n",
		workspace.RulesDir)
	if in.CodeMounted {
		fmt.Fprintf(&b, "- `%s/repo/` — read-only source checkout. Consult it to confirm log-site behavior; do not modify it.\n",
			workspace.CodeDir)
	}
	fmt.Fprintf(&b, "- `%s/` — write your verdict here.\n\n", workspace.OutputDir)

	b.WriteString("## Playbooks\n\n")
	fmt.Fprintf(&b, "The primary playbook is `%s`. Apply playbooks in order; earlier ones establish context the later ones build on.\n\n", in.PrimaryRuleID)
	for i, r := range in.Rules {
		title := r.Name
		if title == "" {
			title = r.ID
		}
		fmt.Fprintf(&b, "%d. %s (`%s/%02d-%s.md`)\n", i+1, title, workspace.RulesDir, i+1, r.ID)
	}

	if len(in.Extracts) > 0 {
		b.WriteString("\n## Pre-extracted signals\n\n")
		b.WriteString("These lines were mechanically pre-extracted as starting points. ")
		b.WriteString("Verify them in the full logs before relying on them.\n")
		for _, res := range in.Extracts {
			fmt.Fprintf(&b, "\n### %s (pattern `%s`, %d matches", res.Name, res.Pattern, len(res.Matches))
			if res.Truncated {
				b.WriteString(", capped")
			}
			b.WriteString(")\n\n")
			if len(res.Matches) == 0 {
				b.WriteString("No matches. Treat the absence itself as a signal.\n")
				continue
			}
			limit := len(res.Matches)
			if in.MaxPromptMatches > 0 && limit > in.MaxPromptMatches {
				limit = in.MaxPromptMatches
			}
			b.WriteString("```\n")
			for _, m := range res.Matches[:limit] {
				fmt.Fprintf(&b, "%s:%d: %s\n", m.File, m.Line, m.Text)
			}
			b.WriteString("```\n")
			if limit < len(res.Matches) {
				fmt.Fprintf(&b, "(%d more in the logs)\n", len(res.Matches)-limit)
			}
		}
	}

	b.WriteString("\n## Output contract\n\n")
	fmt.Fprintf(&b, "When finished, write exactly one JSON object to `%s/%s`:\n\n",
		workspace.OutputDir, workspace.ResultFile)
	b.WriteString("```json\n" + resultSchema + "```\n\n")
	b.WriteString("Rules for the output:\n")
	b.WriteString("- `problem_type` and `root_cause` are mandatory and must be specific, not generic.\n")
	b.WriteString("- Write `problem_type`, `root_cause`, and `user_reply` in the ticket's language; ")
	b.WriteString("fill the matching `*_en` fields with English translations.\n")
	b.WriteString("- `user_reply` must be polite, non-technical, and safe to paste to the end user.\n")
	b.WriteString("- `key_evidence` entries must cite file and line from the logs.\n")
	b.WriteString("- If the logs cannot support a conclusion, say so honestly: set `requires_more_info` ")
	b.WriteString("to true and list what is missing in `next_steps`. Do not invent a root cause.\n")

	return b.String()
}

const resultSchema = `{
  "problem_type": "short classification of the problem",
  "problem_type_en": "English translation",
  "root_cause": "specific root cause grounded in log evidence",
  "root_cause_en": "English translation",
  "confidence": "high | medium | low",
  "confidence_reason": "why this confidence grade",
  "key_evidence": ["file.log:123: the decisive line", "..."],
  "user_reply": "message suitable for the end user",
  "user_reply_en": "English translation",
  "needs_engineer": false,
  "requires_more_info": false,
  "next_steps": ["optional follow-ups"],
  "fix_suggestion": "optional engineering-facing fix idea"
}
`
