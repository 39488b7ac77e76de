package rules

import "github.com/nicebuild/jarvis/pkg/models"

// builtinFallback is the catch-all rule used when a rule directory has
// no fallback of its own. A catalog always classifies every description
// to at least one rule.
const builtinFallbackDoc = `---
id: general
name: General diagnostic
version: 1
enabled: true
triggers:
  keywords: []
  priority: 0
---
Perform a general diagnostic pass over the collected logs.

Look for ERROR and FATAL lines, repeated warnings, crash stacks, and
abrupt gaps in timestamps. Summarize the most likely root cause even if
no specific failure signature is present. If the logs are inconclusive,
say so and list what additional data would narrow it down.
`

func builtinFallback() *models.Rule {
	r, err := ParseRuleFile("builtin/general.md", []byte(builtinFallbackDoc))
	if err != nil {
		// The document above is a compile-time constant; a parse error
		// here is a programming bug.
		panic("rules: invalid builtin fallback: " + err.Error())
	}
	return r
}
