package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/nicebuild/jarvis/pkg/models"
	"github.com/nicebuild/jarvis/pkg/workspace"
)

const codexName = "codex"

// Codex runs OpenAI's codex CLI in non-interactive full-auto mode.
type Codex struct {
	bin    string
	gitBin string
	logger *slog.Logger
}

func NewCodex(logger *slog.Logger) *Codex {
	return &Codex{bin: "codex", gitBin: "git", logger: logger.With("agent", codexName)}
}

func (c *Codex) Name() string { return codexName }

func (c *Codex) Available() (string, bool) {
	// codex refuses to run outside a git repository, so git is part of
	// the provider's availability.
	if _, err := exec.LookPath(c.gitBin); err != nil {
		return "", false
	}
	return probeVersion(c.bin)
}

func (c *Codex) Run(ctx context.Context, ws *workspace.Workspace, opts RunOptions) (*Transcript, error) {
	if err := c.initRepo(ctx, ws); err != nil {
		return nil, err
	}

	args := []string{"exec", "--full-auto"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	args = append(args, promptInstruction)

	rctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	c.logger.Info("invoking agent", "task_id", ws.TaskID, "model", opts.Model)
	return runProcess(rctx, c.logger, execSpec{
		Bin:         c.bin,
		Args:        args,
		Dir:         ws.Root,
		StdoutLimit: opts.StdoutLimit,
	})
}

// initRepo makes the workspace a git repository, which codex requires
// as its trust boundary.
func (c *Codex) initRepo(ctx context.Context, ws *workspace.Workspace) error {
	cmd := exec.CommandContext(ctx, c.gitBin, "init", "-q")
	cmd.Dir = ws.Root
	if out, err := cmd.CombinedOutput(); err != nil {
		return models.WrapFailure(models.FailAgentCrash, err,
			fmt.Sprintf("git init for codex: %s", string(out)))
	}
	return nil
}
