package rules

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/nicebuild/jarvis/pkg/models"
)

// Selection is the outcome of matching one ticket description against a
// snapshot. Rules holds the execution order: dependencies strictly
// before dependents, the primary rule last in its own chain. Primary is
// the highest-priority keyword match (or the fallback) and decides
// agent routing and the result's matched rule id.
type Selection struct {
	Rules    []*models.Rule
	Primary  *models.Rule
	Fallback bool
}

// SelectRules matches a description against the snapshot. Matching is
// case-insensitive substring containment over trigger keywords; a
// description matching nothing selects the fallback rule. The result is
// deterministic for a given snapshot and description.
func SelectRules(snap *Snapshot, description string, logger *slog.Logger) Selection {
	desc := strings.ToLower(description)

	var matched []*models.Rule
	for _, r := range snap.List() {
		if !r.Enabled || r.Fallback() {
			continue
		}
		if keywordHit(desc, r.Triggers.Keywords) {
			matched = append(matched, r)
		}
	}

	if len(matched) == 0 {
		fb := snap.Fallback()
		return Selection{Rules: []*models.Rule{fb}, Primary: fb, Fallback: true}
	}

	// Priority descending, id ascending. matched[0] is the primary.
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Triggers.Priority != matched[j].Triggers.Priority {
			return matched[i].Triggers.Priority > matched[j].Triggers.Priority
		}
		return matched[i].ID < matched[j].ID
	})

	ordered := expandDependencies(snap, matched, logger)
	return Selection{Rules: ordered, Primary: matched[0]}
}

func keywordHit(desc string, keywords []string) bool {
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(desc, kw) {
			return true
		}
	}
	return false
}

// expandDependencies unions the transitive depends_on closure of every
// matched rule and orders it dependencies-first. Matched rules are
// expanded lowest priority first so the primary's chain, and the
// primary itself, come last. Disabled dependencies are skipped;
// snapshots are validated at load time, so missing deps and cycles can
// only appear if a dependency was disabled after matching — both are
// logged and skipped rather than failing the task.
func expandDependencies(snap *Snapshot, matched []*models.Rule, logger *slog.Logger) []*models.Rule {
	var (
		ordered []*models.Rule
		done    = make(map[string]bool, len(matched))
		inStack = make(map[string]bool, len(matched))
	)

	var visit func(id string)
	visit = func(id string) {
		if done[id] {
			return
		}
		if inStack[id] {
			logger.Warn("rule dependency cycle at selection time, breaking", "rule_id", id)
			return
		}
		r, ok := snap.Get(id)
		if !ok {
			logger.Warn("rule dependency missing, skipping", "rule_id", id)
			return
		}
		if !r.Enabled {
			logger.Warn("rule dependency disabled, skipping", "rule_id", id)
			return
		}
		inStack[id] = true
		for _, dep := range r.DependsOn {
			visit(dep)
		}
		inStack[id] = false
		done[id] = true
		ordered = append(ordered, r)
	}

	for i := len(matched) - 1; i >= 0; i-- {
		visit(matched[i].ID)
	}
	return ordered
}
