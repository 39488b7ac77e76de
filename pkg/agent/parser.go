package agent

import (
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/nicebuild/jarvis/pkg/models"
	"github.com/nicebuild/jarvis/pkg/workspace"
)

// requiredMarker distinguishes a verdict object from incidental JSON in
// the transcript.
const requiredMarker = `"problem_type"`

// ParseResult recovers the structured verdict of one agent run.
// Candidates are tried in order of reliability:
//
//  1. output/result.json, the contract location
//  2. any result.json the agent misplaced inside the workspace
//  3. a fenced ```json block in the transcript
//  4. a brace-balanced object containing "problem_type" in the transcript
//
// Each candidate gets a jsonrepair pass if strict parsing fails; LLMs
// produce trailing commas and unquoted keys often enough to matter.
// A verdict without problem_type or root_cause is a ParseFailure.
func ParseResult(ws *workspace.Workspace, transcript string, logger *slog.Logger) (*models.AnalysisResult, error) {
	for _, c := range resultCandidates(ws, transcript, logger) {
		res, ok := decodeResult(c.data, logger.With("candidate", c.source))
		if !ok {
			continue
		}
		if res.ProblemType == "" || res.RootCause == "" {
			logger.Warn("verdict candidate missing required fields", "candidate", c.source)
			continue
		}
		applyResultDefaults(res)
		logger.Info("agent verdict parsed", "candidate", c.source, "confidence", res.Confidence)
		return res, nil
	}
	return nil, models.NewFailure(models.FailParse,
		"agent produced no parseable verdict with problem_type and root_cause")
}

type candidate struct {
	source string
	data   string
}

func resultCandidates(ws *workspace.Workspace, transcript string, logger *slog.Logger) []candidate {
	var out []candidate

	if data, err := os.ReadFile(ws.ResultPath()); err == nil {
		out = append(out, candidate{source: "output/result.json", data: string(data)})
	}

	for _, path := range findMisplacedResults(ws) {
		if data, err := os.ReadFile(path); err == nil {
			rel, _ := filepath.Rel(ws.Root, path)
			logger.Warn("agent wrote result.json outside output/", "path", rel)
			out = append(out, candidate{source: rel, data: string(data)})
		}
	}

	if block := fencedJSONBlock(transcript); block != "" {
		out = append(out, candidate{source: "transcript fenced block", data: block})
	}
	if block := balancedJSONObject(transcript); block != "" {
		out = append(out, candidate{source: "transcript object", data: block})
	}
	return out
}

// findMisplacedResults locates result.json files anywhere in the
// workspace other than the contract path, shallowest first.
func findMisplacedResults(ws *workspace.Workspace) []string {
	var found []string
	contract := ws.ResultPath()
	_ = filepath.WalkDir(ws.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		// The code mount is shared and read-only; never treat its
		// contents as this task's output.
		if d.IsDir() && path == ws.Code() {
			return filepath.SkipDir
		}
		if !d.IsDir() && d.Name() == workspace.ResultFile && path != contract {
			found = append(found, path)
		}
		return nil
	})
	return found
}

// fencedJSONBlock returns the contents of the last ```json fence in the
// transcript. Agents that narrate before the verdict put it last.
func fencedJSONBlock(s string) string {
	const open = "```json"
	idx := strings.LastIndex(s, open)
	if idx < 0 {
		return ""
	}
	rest := s[idx+len(open):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// balancedJSONObject scans for top-level {...} objects containing the
// verdict marker, tracking strings and escapes so braces in values
// don't break the balance. The last match wins: agents that narrate a
// draft verdict before committing put the real one at the end.
func balancedJSONObject(s string) string {
	var last string
	from := 0
	for {
		start := strings.Index(s[from:], "{")
		if start < 0 {
			return last
		}
		start += from

		depth := 0
		inString := false
		escaped := false
		closed := false
		for i := start; i < len(s) && !closed; i++ {
			ch := s[i]
			switch {
			case escaped:
				escaped = false
			case ch == '\\' && inString:
				escaped = true
			case ch == '"':
				inString = !inString
			case inString:
			case ch == '{':
				depth++
			case ch == '}':
				depth--
				if depth == 0 {
					if obj := s[start : i+1]; strings.Contains(obj, requiredMarker) {
						last = obj
						from = i + 1
					} else {
						from = start + 1
					}
					closed = true
				}
			}
		}
		if !closed {
			return last
		}
	}
}

func decodeResult(data string, logger *slog.Logger) (*models.AnalysisResult, bool) {
	res := &models.AnalysisResult{}
	if err := json.Unmarshal([]byte(data), res); err == nil {
		return res, true
	}

	repaired, err := jsonrepair.JSONRepair(data)
	if err != nil {
		logger.Warn("jsonrepair could not fix candidate", "error", err)
		return nil, false
	}
	res = &models.AnalysisResult{}
	if err := json.Unmarshal([]byte(repaired), res); err != nil {
		logger.Warn("repaired candidate still undecodable", "error", err)
		return nil, false
	}
	logger.Info("verdict recovered via jsonrepair")
	return res, true
}

func applyResultDefaults(res *models.AnalysisResult) {
	if !res.Confidence.Valid() {
		res.Confidence = models.ConfidenceLow
	}
	if res.KeyEvidence == nil {
		res.KeyEvidence = []string{}
	}
	if res.NextSteps == nil {
		res.NextSteps = []string{}
	}
}

// DisguisedFailure reports whether a structurally valid verdict is
// really the agent reporting its own failure. Such verdicts fail the
// task instead of completing it; a refusal is not a root cause.
func DisguisedFailure(res *models.AnalysisResult) *models.Failure {
	pt := strings.ToLower(res.ProblemType + " " + res.ProblemTypeEN)
	switch {
	case containsAny(pt, "分析超时", "analysis timeout"):
		return models.NewFailure(models.FailAgentTimeout, "agent reported a timeout as its verdict")
	case containsAny(pt, "agent 不可用", "agent unavailable"):
		return models.NewFailure(models.FailAgentUnavailable, "agent reported itself unavailable")
	case containsAny(pt, "日志解析失败", "log parse failure"):
		return models.NewFailure(models.FailParse, "agent reported log parsing as the problem")
	case res.Confidence == models.ConfidenceLow && res.NeedsEngineer && res.UserReply == "":
		return models.NewFailure(models.FailParse, "low-confidence verdict with no user reply")
	}
	return nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
