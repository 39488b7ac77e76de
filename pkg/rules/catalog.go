package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nicebuild/jarvis/pkg/models"
)

// ErrRuleNotFound is returned by catalog lookups for unknown rule ids.
var ErrRuleNotFound = errors.New("rule not found")

// ErrRuleExists is returned when creating a rule whose id is taken.
var ErrRuleExists = errors.New("rule already exists")

// Snapshot is one immutable, validated view of the rule set. Selection
// runs against a snapshot, so a reload mid-task never changes the rules
// a running analysis sees.
type Snapshot struct {
	rules    map[string]*models.Rule
	ordered  []*models.Rule // id ascending
	fallback *models.Rule
}

// Get returns the rule with the given id.
func (s *Snapshot) Get(id string) (*models.Rule, bool) {
	r, ok := s.rules[id]
	return r, ok
}

// List returns all rules, enabled or not, ordered by id.
func (s *Snapshot) List() []*models.Rule {
	return s.ordered
}

// Fallback returns the catch-all rule. Never nil.
func (s *Snapshot) Fallback() *models.Rule {
	return s.fallback
}

// Catalog owns the rule directory and the current snapshot. Reloads
// build and validate a complete replacement snapshot, then swap it in
// atomically; a reload that fails validation leaves the old snapshot
// serving.
type Catalog struct {
	dir    string
	logger *slog.Logger

	current atomic.Pointer[Snapshot]

	// writeMu serializes mutations (file writes + reload). Readers go
	// through the atomic pointer and never block.
	writeMu sync.Mutex
}

// NewCatalog loads the rule directory and returns a serving catalog.
// A missing directory is created; an empty one serves just the builtin
// fallback.
func NewCatalog(dir string, logger *slog.Logger) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create rules dir %s: %w", dir, err)
	}
	c := &Catalog{dir: dir, logger: logger.With("component", "rules")}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Snapshot returns the current immutable rule set.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Reload rebuilds the snapshot from the rule directory. On validation
// failure the previous snapshot (if any) stays in place.
func (c *Catalog) Reload() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.reloadLocked()
}

func (c *Catalog) reloadLocked() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read rules dir %s: %w", c.dir, err)
	}

	loaded := make([]*models.Rule, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read rule %s: %w", path, err)
		}
		r, err := ParseRuleFile(path, data)
		if err != nil {
			return err
		}
		loaded = append(loaded, r)
	}

	snap, err := buildSnapshot(loaded)
	if err != nil {
		return err
	}
	c.current.Store(snap)
	c.logger.Info("rule catalog loaded", "rules", len(snap.ordered), "fallback", snap.fallback.ID)
	return nil
}

// buildSnapshot validates a rule set and freezes it. Validation is
// all-or-nothing: duplicate ids, unparseable regexes, and dependency
// cycles reject the whole set.
func buildSnapshot(loaded []*models.Rule) (*Snapshot, error) {
	byID := make(map[string]*models.Rule, len(loaded)+1)
	for _, r := range loaded {
		if prev, ok := byID[r.ID]; ok {
			return nil, fmt.Errorf("duplicate rule id %q (%s and %s)", r.ID, prev.FilePath, r.FilePath)
		}
		byID[r.ID] = r
	}

	// Guarantee a fallback. A directory-provided catch-all (enabled,
	// no keywords) wins over the builtin one.
	fallback := pickFallback(loaded)
	if fallback == nil {
		fallback = builtinFallback()
		if _, taken := byID[fallback.ID]; taken {
			return nil, fmt.Errorf("rule id %q is reserved for the builtin fallback but has trigger keywords", fallback.ID)
		}
		byID[fallback.ID] = fallback
	}

	for _, r := range byID {
		for _, p := range r.PreExtract {
			if p.Pattern == "" {
				return nil, fmt.Errorf("rule %s: pre_extract %q has an empty pattern", r.ID, p.Name)
			}
			if _, err := regexp.Compile(p.Pattern); err != nil {
				return nil, fmt.Errorf("rule %s: pre_extract %q: %w", r.ID, p.Name, err)
			}
		}
		for _, dep := range r.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("rule %s depends on unknown rule %q", r.ID, dep)
			}
		}
	}
	if err := checkAcyclic(byID); err != nil {
		return nil, err
	}

	ordered := make([]*models.Rule, 0, len(byID))
	for _, r := range byID {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	return &Snapshot{rules: byID, ordered: ordered, fallback: fallback}, nil
}

// pickFallback returns the enabled keywordless rule with the lowest
// priority, id ascending as tie-break, or nil when none exists.
func pickFallback(loaded []*models.Rule) *models.Rule {
	var best *models.Rule
	for _, r := range loaded {
		if !r.Enabled || !r.Fallback() {
			continue
		}
		if best == nil ||
			r.Triggers.Priority < best.Triggers.Priority ||
			(r.Triggers.Priority == best.Triggers.Priority && r.ID < best.ID) {
			best = r
		}
	}
	return best
}

// checkAcyclic rejects dependency cycles with a path in the error.
func checkAcyclic(byID map[string]*models.Rule) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("rule dependency cycle: %s -> %s", strings.Join(path, " -> "), id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := visit(id, nil); err != nil {
			return err
		}
	}
	return nil
}

// Create writes a new rule file and reloads. The rule id must be new.
func (c *Catalog) Create(r *models.Rule) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if r.ID == "" {
		return fmt.Errorf("rule id must not be empty")
	}
	if _, ok := c.current.Load().Get(r.ID); ok {
		return fmt.Errorf("rule %q: %w", r.ID, ErrRuleExists)
	}
	if r.Version == 0 {
		r.Version = 1
	}
	r.FilePath = filepath.Join(c.dir, r.ID+".md")
	return c.persistAndReload(r)
}

// RuleUpdate is a partial update; nil fields keep their current value.
type RuleUpdate struct {
	Name       *string
	Enabled    *bool
	Triggers   *models.RuleTrigger
	DependsOn  *[]string
	PreExtract *[]models.PreExtractPattern
	NeedsCode  *bool
	Body       *string
}

// Update applies a partial update to an existing rule, bumps its
// version, persists the file, and reloads.
func (c *Catalog) Update(id string, upd RuleUpdate) (*models.Rule, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur, ok := c.current.Load().Get(id)
	if !ok {
		return nil, fmt.Errorf("rule %q: %w", id, ErrRuleNotFound)
	}

	next := *cur
	if upd.Name != nil {
		next.Name = *upd.Name
	}
	if upd.Enabled != nil {
		next.Enabled = *upd.Enabled
	}
	if upd.Triggers != nil {
		next.Triggers = *upd.Triggers
	}
	if upd.DependsOn != nil {
		next.DependsOn = *upd.DependsOn
	}
	if upd.PreExtract != nil {
		next.PreExtract = *upd.PreExtract
	}
	if upd.NeedsCode != nil {
		next.NeedsCode = *upd.NeedsCode
	}
	if upd.Body != nil {
		next.Body = *upd.Body
	}
	next.Version = cur.Version + 1
	if next.FilePath == "" {
		next.FilePath = filepath.Join(c.dir, id+".md")
	}
	if err := c.persistAndReload(&next); err != nil {
		return nil, err
	}
	reloaded, _ := c.current.Load().Get(id)
	return reloaded, nil
}

// Delete removes a rule's file and reloads. The builtin fallback cannot
// be deleted; a directory-provided fallback can, in which case the
// builtin takes over.
func (c *Catalog) Delete(id string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur, ok := c.current.Load().Get(id)
	if !ok {
		return fmt.Errorf("rule %q: %w", id, ErrRuleNotFound)
	}
	if cur.FilePath == "" || strings.HasPrefix(cur.FilePath, "builtin/") {
		return fmt.Errorf("rule %q is builtin and cannot be deleted", id)
	}
	if err := os.Remove(cur.FilePath); err != nil {
		return fmt.Errorf("delete rule %s: %w", cur.FilePath, err)
	}
	if err := c.reloadLocked(); err != nil {
		return fmt.Errorf("reload after delete of %q: %w", id, err)
	}
	return nil
}

// persistAndReload writes the rule file, reloads, and rolls the file
// back if the new set fails validation.
func (c *Catalog) persistAndReload(r *models.Rule) error {
	doc, err := FormatRuleFile(r)
	if err != nil {
		return err
	}

	prev, readErr := os.ReadFile(r.FilePath)
	existed := readErr == nil

	if err := os.WriteFile(r.FilePath, doc, 0o644); err != nil {
		return fmt.Errorf("write rule %s: %w", r.FilePath, err)
	}
	if err := c.reloadLocked(); err != nil {
		if existed {
			_ = os.WriteFile(r.FilePath, prev, 0o644)
		} else {
			_ = os.Remove(r.FilePath)
		}
		// Restore the serving snapshot from the rolled-back directory.
		if rerr := c.reloadLocked(); rerr != nil {
			c.logger.Error("rule rollback reload failed", "rule_id", r.ID, "error", rerr)
		}
		return err
	}
	return nil
}
