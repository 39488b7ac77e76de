// Package cleanup sweeps expired state: workspaces of long-finished
// tasks, progress topics nobody can subscribe to anymore, and
// soft-deleted issues past their retention window.
package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nicebuild/jarvis/pkg/config"
	"github.com/nicebuild/jarvis/pkg/events"
	"github.com/nicebuild/jarvis/pkg/store"
)

// Service runs the retention sweeps.
type Service struct {
	cfg          config.RetentionConfig
	store        store.Store
	bus          *events.Bus
	workspaceDir string
	logger       *slog.Logger

	// now is a test seam.
	now func() time.Time
}

func NewService(cfg config.RetentionConfig, st store.Store, bus *events.Bus, workspaceDir string, logger *slog.Logger) *Service {
	return &Service{
		cfg:          cfg,
		store:        st,
		bus:          bus,
		workspaceDir: workspaceDir,
		logger:       logger.With("component", "cleanup"),
		now:          time.Now,
	}
}

// Run sweeps on the configured interval until the context ends.
func (s *Service) Run(ctx context.Context) {
	interval := s.cfg.CleanupInterval.D()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass of all retention jobs.
func (s *Service) Sweep(ctx context.Context) {
	removed := s.sweepWorkspaces(ctx)
	purged := s.purgeIssues(ctx)
	if removed > 0 || purged > 0 {
		s.logger.Info("Retention sweep finished", "workspaces_removed", removed, "issues_purged", purged)
	}
}

// sweepWorkspaces removes workspaces of terminal tasks older than the
// retention window. Failure snapshots are kept the same way, so a
// failed task stays debuggable until the window closes.
func (s *Service) sweepWorkspaces(ctx context.Context) int {
	entries, err := os.ReadDir(s.workspaceDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("Failed to read workspace dir", "dir", s.workspaceDir, "error", err)
		}
		return 0
	}

	cutoff := s.now().AddDate(0, 0, -s.cfg.WorkspaceRetentionDays)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		// Underscore-prefixed siblings (the uploads area) are not task
		// workspaces and never expire here.
		if strings.HasPrefix(entry.Name(), "_") {
			continue
		}
		taskID := entry.Name()
		if !s.expired(ctx, taskID, cutoff) {
			continue
		}
		path := filepath.Join(s.workspaceDir, taskID)
		if err := os.RemoveAll(path); err != nil {
			s.logger.Error("Failed to remove workspace", "task_id", taskID, "error", err)
			continue
		}
		s.bus.Forget(taskID)
		s.logger.Info("Removed expired workspace", "task_id", taskID)
		removed++
	}
	return removed
}

// expired reports whether a workspace directory may be deleted: its
// task is terminal and finished before the cutoff, or no task record
// exists at all (an orphan from a crashed run, judged by mtime).
func (s *Service) expired(ctx context.Context, taskID string, cutoff time.Time) bool {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		info, serr := os.Stat(filepath.Join(s.workspaceDir, taskID))
		return serr == nil && info.ModTime().Before(cutoff)
	}
	if err != nil {
		s.logger.Error("Failed to look up task for workspace sweep", "task_id", taskID, "error", err)
		return false
	}
	if !task.State.Terminal() {
		return false
	}
	finished := task.UpdatedAt
	if task.CompletedAt != nil {
		finished = *task.CompletedAt
	}
	return finished.Before(cutoff)
}

func (s *Service) purgeIssues(ctx context.Context) int64 {
	cutoff := s.now().AddDate(0, 0, -s.cfg.IssueRetentionDays)
	purged, err := s.store.PurgeIssues(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to purge issues", "error", err)
		return 0
	}
	return purged
}
