package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nicebuild/jarvis/pkg/models"
)

// termGrace is how long a process group gets between SIGTERM and
// SIGKILL when an invocation is cancelled or times out.
const termGrace = 5 * time.Second

// truncationMarker is appended when captured output hits the limit.
const truncationMarker = "\n[output truncated]"

// execSpec describes one agent subprocess invocation.
type execSpec struct {
	Bin         string
	Args        []string
	Dir         string
	StdoutLimit int64
}

// boundedBuffer captures up to limit bytes and discards the rest, so a
// chatty agent can neither exhaust memory nor block on a full pipe.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	limit     int64
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if b.truncated {
		return n, nil
	}
	remaining := b.limit - int64(b.buf.Len())
	if int64(n) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return n, nil
	}
	b.buf.Write(p)
	return n, nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + truncationMarker
	}
	return b.buf.String()
}

func (b *boundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// runProcess starts the agent in its own process group, captures
// bounded combined output, and escalates SIGTERM to SIGKILL on the
// whole group when ctx ends. Agent CLIs spawn tool subprocesses; a
// plain Process.Kill would orphan them.
func runProcess(ctx context.Context, logger *slog.Logger, spec execSpec) (*Transcript, error) {
	out := &boundedBuffer{limit: spec.StdoutLimit}

	cmd := exec.Command(spec.Bin, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, models.WrapFailure(models.FailAgentCrash, err,
			fmt.Sprintf("start %s", spec.Bin))
	}
	pgid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		logger.Info("terminating agent process group", "bin", spec.Bin, "pgid", pgid)
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
		select {
		case waitErr = <-done:
		case <-time.After(termGrace):
			logger.Warn("agent ignored SIGTERM, killing group", "bin", spec.Bin, "pgid", pgid)
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			waitErr = <-done
		}
	}

	tr := &Transcript{
		Output:    out.String(),
		Truncated: out.Truncated(),
		Duration:  time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return tr, models.WrapFailure(models.FailAgentTimeout, ctxErr,
				fmt.Sprintf("%s exceeded its time budget after %s", spec.Bin, tr.Duration.Round(time.Second)))
		}
		return tr, models.WrapFailure(models.FailCancelled, ctxErr,
			fmt.Sprintf("%s cancelled", spec.Bin))
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		tr.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		tr.ExitCode = exitErr.ExitCode()
		return tr, models.WrapFailure(models.FailAgentCrash, waitErr,
			fmt.Sprintf("%s exited with status %d", spec.Bin, tr.ExitCode))
	default:
		return tr, models.WrapFailure(models.FailAgentCrash, waitErr,
			fmt.Sprintf("wait for %s", spec.Bin))
	}
	return tr, nil
}
