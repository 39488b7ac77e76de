// Package extract runs the rule-declared pre-extraction recipes over
// decoded log files, collecting bounded line sets the agent prompt can
// anchor on. Everything streams; log files are never loaded whole.
package extract

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/nicebuild/jarvis/pkg/config"
	"github.com/nicebuild/jarvis/pkg/models"
)

// maxLineBytes bounds a single scanned log line. A file with a longer
// line stops scanning there; device logs do not legitimately exceed this.
const maxLineBytes = 1 << 20

// Match is one extracted log line.
type Match struct {
	File string `json:"file"` // relative to the logs dir
	Line int    `json:"line"`
	Text string `json:"text"`
}

// PatternResult is the outcome of one pre-extract pattern across all
// log files, in first-occurrence order.
type PatternResult struct {
	Name      string  `json:"name"`
	Pattern   string  `json:"pattern"`
	RuleID    string  `json:"rule_id"`
	Matches   []Match `json:"matches"`
	Truncated bool    `json:"truncated"` // line cap hit
	TimedOut  bool    `json:"timed_out"` // soft deadline hit
}

// Extractor applies pre-extract patterns within configured bounds.
type Extractor struct {
	cfg    config.ExtractConfig
	logger *slog.Logger
}

func New(cfg config.ExtractConfig, logger *slog.Logger) *Extractor {
	return &Extractor{cfg: cfg, logger: logger.With("component", "extract")}
}

// Run executes every pattern of the selected rules against the log
// directory. Patterns run in rule order; each gets its own line budget
// and soft deadline. A pattern that matches nothing still yields an
// empty result so the prompt can say so. problemDate, when non-nil,
// restricts date-filtered patterns to lines stamped within one day.
func (e *Extractor) Run(ctx context.Context, logsDir string, selected []*models.Rule, problemDate *time.Time) ([]PatternResult, error) {
	files, err := listLogFiles(logsDir)
	if err != nil {
		return nil, models.WrapFailure(models.FailExtract, err, "enumerate log files")
	}

	var results []PatternResult
	for _, rule := range selected {
		for _, p := range rule.PreExtract {
			if err := ctx.Err(); err != nil {
				return nil, models.WrapFailure(models.FailCancelled, err, "pre-extraction interrupted")
			}
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				// Catalog validation makes this unreachable for catalog
				// rules; guard anyway for rules injected by tests.
				e.logger.Warn("skipping uncompilable pre-extract pattern",
					"rule_id", rule.ID, "pattern", p.Name, "error", err)
				continue
			}
			res := e.runPattern(ctx, logsDir, files, rule.ID, p, re, problemDate)
			results = append(results, res)
		}
	}
	return results, nil
}

func (e *Extractor) runPattern(ctx context.Context, logsDir string, files []string, ruleID string, p models.PreExtractPattern, re *regexp.Regexp, problemDate *time.Time) PatternResult {
	res := PatternResult{Name: p.Name, Pattern: p.Pattern, RuleID: ruleID}
	deadline := time.Now().Add(e.cfg.PatternTimeout.D())

	filter := p.DateFilter && problemDate != nil

	for _, file := range files {
		if res.Truncated || res.TimedOut {
			break
		}
		if err := e.scanFile(ctx, logsDir, file, re, filter, problemDate, deadline, &res); err != nil {
			e.logger.Warn("pre-extract scan error, skipping file",
				"rule_id", ruleID, "pattern", p.Name, "file", file, "error", err)
		}
	}

	if res.TimedOut {
		e.logger.Warn("pre-extract pattern hit its deadline",
			"rule_id", ruleID, "pattern", p.Name, "matches", len(res.Matches))
	}
	return res
}

func (e *Extractor) scanFile(ctx context.Context, logsDir, file string, re *regexp.Regexp, filter bool, problemDate *time.Time, deadline time.Time, res *PatternResult) error {
	f, err := os.Open(filepath.Join(logsDir, file))
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), maxLineBytes)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		// Deadline and cancellation checks are amortized; regex cost
		// dominates, a line-granular check would double the loop cost.
		if lineNo%256 == 0 {
			if ctx.Err() != nil || time.Now().After(deadline) {
				res.TimedOut = true
				return nil
			}
		}
		line := sc.Text()
		if !re.MatchString(line) {
			continue
		}
		if filter && !withinDay(line, *problemDate) {
			continue
		}
		res.Matches = append(res.Matches, Match{File: file, Line: lineNo, Text: line})
		if len(res.Matches) >= e.cfg.MaxLinesPerPattern {
			res.Truncated = true
			return nil
		}
	}
	return sc.Err()
}

// listLogFiles returns all regular files under dir, relative paths,
// sorted so extraction order is stable.
func listLogFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", path, err)
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
