// Package agent invokes LLM coding-agent CLIs against a prepared task
// workspace and parses their structured verdicts. Agents are external
// subprocesses; this package owns their argument conventions, process
// lifecycle, and output contract.
package agent

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/nicebuild/jarvis/pkg/workspace"
)

// RunOptions are the resolved per-invocation limits.
type RunOptions struct {
	Model        string
	MaxTurns     int
	AllowedTools []string
	Timeout      time.Duration
	StdoutLimit  int64
}

// Transcript is the captured outcome of one agent invocation. It is
// returned even when the process failed, so the parser can still try
// to salvage a verdict from partial output.
type Transcript struct {
	Output    string
	Truncated bool
	ExitCode  int
	Duration  time.Duration
}

// Runner is one agent CLI provider.
type Runner interface {
	// Name is the provider key used in configuration and results.
	Name() string

	// Available reports whether the provider's CLI answers, and with
	// which version. Readiness is `<bin> --version` actually running,
	// not just the binary being on PATH.
	Available() (version string, ok bool)

	// Run executes the agent in the workspace. The prompt file must
	// already be written; the agent is pointed at it by convention.
	Run(ctx context.Context, ws *workspace.Workspace, opts RunOptions) (*Transcript, error)
}

// probeVersion runs `bin --version` under a short deadline and returns
// the first output line.
func probeVersion(bin string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, bin, "--version").Output()
	if err != nil {
		return "", false
	}
	version, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(version), true
}

// promptInstruction is the fixed bootstrap every provider receives.
// The real work order lives in prompt.md inside the workspace, which
// keeps shell quoting trivial regardless of ticket content.
const promptInstruction = "Read the file prompt.md and follow the instructions in it."
