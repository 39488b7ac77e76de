package agent

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nicebuild/jarvis/pkg/workspace"
)

const claudeCodeName = "claude_code"

// ClaudeCode runs Anthropic's claude CLI in non-interactive print mode.
type ClaudeCode struct {
	bin    string
	logger *slog.Logger
}

func NewClaudeCode(logger *slog.Logger) *ClaudeCode {
	return &ClaudeCode{bin: "claude", logger: logger.With("agent", claudeCodeName)}
}

func (c *ClaudeCode) Name() string { return claudeCodeName }

func (c *ClaudeCode) Available() (string, bool) {
	return probeVersion(c.bin)
}

func (c *ClaudeCode) Run(ctx context.Context, ws *workspace.Workspace, opts RunOptions) (*Transcript, error) {
	args := []string{"-p", promptInstruction, "--output-format", "text"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}

	rctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	c.logger.Info("invoking agent", "task_id", ws.TaskID, "model", opts.Model, "max_turns", opts.MaxTurns)
	return runProcess(rctx, c.logger, execSpec{
		Bin:         c.bin,
		Args:        args,
		Dir:         ws.Root,
		StdoutLimit: opts.StdoutLimit,
	})
}
