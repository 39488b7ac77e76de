package api

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicebuild/jarvis/pkg/agent"
	"github.com/nicebuild/jarvis/pkg/config"
	"github.com/nicebuild/jarvis/pkg/events"
	"github.com/nicebuild/jarvis/pkg/models"
	"github.com/nicebuild/jarvis/pkg/notify"
	"github.com/nicebuild/jarvis/pkg/rules"
	"github.com/nicebuild/jarvis/pkg/store"
)

type fakeProber struct {
	probes map[string]agent.ProviderStatus
}

func (f *fakeProber) Probe() map[string]agent.ProviderStatus { return f.probes }

type fakeCanceller struct {
	cancelled []string
	result    bool
}

func (f *fakeCanceller) Cancel(taskID string) bool {
	f.cancelled = append(f.cancelled, taskID)
	return f.result
}

// newTestServer wires a Server over the in-memory store with a real
// catalog and bus. The database client stays nil; handlers that touch
// it are exercised against Postgres elsewhere.
func newTestServer(t *testing.T, mutate func(cfg *config.Config)) (*Server, *store.MemoryStore, *fakeCanceller) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.Storage.WorkspaceDir = t.TempDir()
	cfg.Rules.Dir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	catalog, err := rules.NewCatalog(cfg.Rules.Dir, logger)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	bus := events.NewBus(logger)
	connMgr := events.NewConnectionManager(bus, 5*time.Second, logger)
	pool := &fakeCanceller{}

	s := NewServer(cfg, nil, st, catalog,
		&fakeProber{probes: map[string]agent.ProviderStatus{
			"claude_code": {Available: true, Version: "1.0.44 (Claude Code)"},
			"codex":       {},
		}},
		pool, bus, connMgr,
		notify.New(cfg.Notify, logger),
		notify.NewTrackerClient(cfg.Tracker, logger),
		logger)
	return s, st, pool
}

// seedTask creates an issue and a queued task directly in the store.
func seedTask(t *testing.T, st *store.MemoryStore, recordID, taskID string) *models.Task {
	t.Helper()
	err := st.CreateIssue(context.Background(), &models.Issue{
		RecordID:    recordID,
		Description: "screen flickers after update",
		Priority:    "L",
		Source:      models.SourceAPI,
		CreatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	task := &models.Task{
		ID:      taskID,
		IssueID: recordID,
		State:   models.TaskQueued,
		Message: "queued",
	}
	admitted, ok, err := st.AdmitTask(context.Background(), task)
	require.NoError(t, err)
	require.True(t, ok)
	return admitted
}
