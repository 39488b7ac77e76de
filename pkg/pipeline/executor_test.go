package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicebuild/jarvis/pkg/agent"
	"github.com/nicebuild/jarvis/pkg/config"
	"github.com/nicebuild/jarvis/pkg/events"
	"github.com/nicebuild/jarvis/pkg/extract"
	"github.com/nicebuild/jarvis/pkg/models"
	"github.com/nicebuild/jarvis/pkg/notify"
	"github.com/nicebuild/jarvis/pkg/rules"
	"github.com/nicebuild/jarvis/pkg/store"
	"github.com/nicebuild/jarvis/pkg/workspace"
)

const recordingRule = `---
name: Recording missing
triggers:
  keywords: ["录音", "recording"]
  priority: 10
pre_extract:
  - name: sync-errors
    pattern: "sync.*(fail|abort)"
---
Check whether the sync pipeline aborted before upload.
`

type fakeRunner struct {
	name string
	run  func(ctx context.Context, ws *workspace.Workspace, opts agent.RunOptions) (*agent.Transcript, error)
}

func (f *fakeRunner) Name() string              { return f.name }
func (f *fakeRunner) Available() (string, bool) { return "1.0.0", true }
func (f *fakeRunner) Run(ctx context.Context, ws *workspace.Workspace, opts agent.RunOptions) (*agent.Transcript, error) {
	return f.run(ctx, ws, opts)
}

type fakeSelector struct {
	runner agent.Runner
	err    error
}

func (f *fakeSelector) Select(requestedAgent, matchedRuleID string) (agent.Runner, agent.RunOptions, error) {
	if f.err != nil {
		return nil, agent.RunOptions{}, f.err
	}
	return f.runner, agent.RunOptions{Timeout: 30 * time.Second}, nil
}

type testHarness struct {
	executor *Executor
	store    *store.MemoryStore
	bus      *events.Bus
	cfg      *config.Config
}

func newHarness(t *testing.T, selector agentSelector) *testHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rulesDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(rulesDir, "recording-missing.md"), []byte(recordingRule), 0o644))
	catalog, err := rules.NewCatalog(rulesDir, logger)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Storage.WorkspaceDir = t.TempDir()
	cfg.Rules.Dir = rulesDir

	st := store.NewMemoryStore()
	bus := events.NewBus(logger)
	h := &testHarness{
		executor: NewExecutor(
			cfg,
			st,
			catalog,
			extract.New(cfg.Extract, logger),
			workspace.NewMaterializer(nil, logger),
			selector,
			bus,
			notify.New(cfg.Notify, logger),
			nil,
			logger,
		),
		store: st,
		bus:   bus,
		cfg:   cfg,
	}
	return h
}

// seedClaimedTask creates an issue with one plaintext log artifact and
// a claimed task for it, mirroring what a worker hands the executor.
func (h *testHarness) seedClaimedTask(t *testing.T, description string) *models.Task {
	t.Helper()
	ctx := context.Background()

	logPath := filepath.Join(t.TempDir(), "device.log")
	require.NoError(t, os.WriteFile(logPath,
		[]byte("2026-08-20 10:00:01 sync started\n2026-08-20 10:00:09 sync aborted: network reset\n"), 0o644))

	require.NoError(t, h.store.CreateIssue(ctx, &models.Issue{
		RecordID:     "REC-1",
		Description:  description,
		Priority:     "L",
		Source:       models.SourceAPI,
		LogArtifacts: []models.LogArtifact{{Name: "device.log", Path: logPath}},
	}))
	_, admitted, err := h.store.AdmitTask(ctx, &models.Task{ID: "task-1", IssueID: "REC-1"})
	require.NoError(t, err)
	require.True(t, admitted)
	task, err := h.store.ClaimNextTask(ctx, "worker-test")
	require.NoError(t, err)
	return task
}

func writeVerdict(t *testing.T, ws *workspace.Workspace, verdict map[string]any) {
	t.Helper()
	data, err := json.Marshal(verdict)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ws.ResultPath(), data, 0o644))
}

func TestExecutor_HappyPath(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{
		name: "fake-agent",
		run: func(_ context.Context, ws *workspace.Workspace, _ agent.RunOptions) (*agent.Transcript, error) {
			// The workspace the agent sees carries the staged prompt,
			// playbooks, and extracts.
			prompt, err := os.ReadFile(ws.PromptPath())
			require.NoError(t, err)
			assert.Contains(t, string(prompt), "recording-missing")
			assert.FileExists(t, filepath.Join(ws.Rules(), "01-recording-missing.md"))
			assert.FileExists(t, filepath.Join(ws.Root, extractsFile))

			writeVerdict(t, ws, map[string]any{
				"problem_type": "录音丢失",
				"root_cause":   "sync aborted before upload completed",
				"confidence":   "high",
				"key_evidence": []string{"device.log:2: sync aborted: network reset"},
			})
			return &agent.Transcript{Output: "done, verdict written", ExitCode: 0}, nil
		},
	}
	h := newHarness(t, &fakeSelector{runner: runner})
	task := h.seedClaimedTask(t, "用户反馈录音丢失，同步后找不到文件")

	h.executor.Process(ctx, task)

	final, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskDone, final.State)
	assert.Equal(t, 100, final.Progress)

	result, err := h.store.GetResult(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "recording-missing", result.MatchedRuleID)
	assert.Equal(t, "fake-agent", result.AgentName)
	assert.Equal(t, "REC-1", result.IssueID)
	assert.Equal(t, models.ConfidenceHigh, result.Confidence)
	assert.Equal(t, "done, verdict written", result.RawTranscript)

	// Successful runs leave nothing behind on disk.
	assert.NoDirExists(t, filepath.Join(h.cfg.Storage.WorkspaceDir, task.ID))

	// Progress history ends in the terminal event.
	history, _, cancel := h.bus.Subscribe(task.ID)
	defer cancel()
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, models.TaskDone, last.State)
	assert.Equal(t, 100, last.Progress)
}

func TestExecutor_FallbackRule(t *testing.T) {
	ctx := context.Background()
	var primarySeen string
	runner := &fakeRunner{
		name: "fake-agent",
		run: func(_ context.Context, ws *workspace.Workspace, _ agent.RunOptions) (*agent.Transcript, error) {
			prompt, err := os.ReadFile(ws.PromptPath())
			require.NoError(t, err)
			primarySeen = string(prompt)
			writeVerdict(t, ws, map[string]any{
				"problem_type": "unclear report",
				"root_cause":   "logs show a clean session",
				"confidence":   "low",
			})
			return &agent.Transcript{Output: "ok"}, nil
		},
	}
	h := newHarness(t, &fakeSelector{runner: runner})
	task := h.seedClaimedTask(t, "something is wrong somehow")

	h.executor.Process(ctx, task)

	result, err := h.store.GetResult(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "general", result.MatchedRuleID)
	assert.Contains(t, primarySeen, "general")
}

func TestExecutor_AgentUnavailable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeSelector{
		err: models.NewFailure(models.FailAgentUnavailable, "no enabled provider is available"),
	})
	task := h.seedClaimedTask(t, "录音丢失")

	h.executor.Process(ctx, task)

	final, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, final.State)
	kind, _ := models.ParseFailureKind(final.Error)
	assert.Equal(t, models.FailAgentUnavailable, kind)

	_, err = h.store.GetResult(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecutor_ParseFailure(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{
		name: "fake-agent",
		run: func(context.Context, *workspace.Workspace, agent.RunOptions) (*agent.Transcript, error) {
			return &agent.Transcript{Output: "I looked around but wrote nothing structured."}, nil
		},
	}
	h := newHarness(t, &fakeSelector{runner: runner})
	task := h.seedClaimedTask(t, "录音丢失")

	h.executor.Process(ctx, task)

	final, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, final.State)
	kind, _ := models.ParseFailureKind(final.Error)
	assert.Equal(t, models.FailParse, kind)

	// Failed runs keep only the post-mortem archive until retention.
	wsRoot := filepath.Join(h.cfg.Storage.WorkspaceDir, task.ID)
	assert.FileExists(t, filepath.Join(wsRoot, workspace.SnapshotFile))
	entries, err := os.ReadDir(wsRoot)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestExecutor_DisguisedFailureFailsTask(t *testing.T) {
	ctx := context.Background()
	runner := &fakeRunner{
		name: "fake-agent",
		run: func(_ context.Context, ws *workspace.Workspace, _ agent.RunOptions) (*agent.Transcript, error) {
			writeVerdict(t, ws, map[string]any{
				"problem_type": "分析超时",
				"root_cause":   "the analysis did not finish in time",
				"confidence":   "low",
			})
			return &agent.Transcript{Output: "ok"}, nil
		},
	}
	h := newHarness(t, &fakeSelector{runner: runner})
	task := h.seedClaimedTask(t, "录音丢失")

	h.executor.Process(ctx, task)

	final, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, final.State)
	kind, _ := models.ParseFailureKind(final.Error)
	assert.Equal(t, models.FailAgentTimeout, kind)

	// No verdict row for a task that never reached done.
	_, err = h.store.GetResult(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecutor_CancellationMarksCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{
		name: "fake-agent",
		run: func(ctx context.Context, _ *workspace.Workspace, _ agent.RunOptions) (*agent.Transcript, error) {
			cancel()
			<-ctx.Done()
			return &agent.Transcript{Output: "interrupted"},
				models.WrapFailure(models.FailCancelled, ctx.Err(), "agent interrupted")
		},
	}
	h := newHarness(t, &fakeSelector{runner: runner})
	task := h.seedClaimedTask(t, "录音丢失")

	h.executor.Process(ctx, task)

	final, err := h.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, final.State)
}

func TestExecutor_CompletionWebhook(t *testing.T) {
	ctx := context.Background()
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		received <- payload
	}))
	defer srv.Close()

	runner := &fakeRunner{
		name: "fake-agent",
		run: func(_ context.Context, ws *workspace.Workspace, _ agent.RunOptions) (*agent.Transcript, error) {
			writeVerdict(t, ws, map[string]any{
				"problem_type": "录音丢失",
				"root_cause":   "sync aborted",
				"confidence":   "medium",
			})
			return &agent.Transcript{Output: "ok"}, nil
		},
	}
	h := newHarness(t, &fakeSelector{runner: runner})

	logPath := filepath.Join(t.TempDir(), "device.log")
	require.NoError(t, os.WriteFile(logPath, []byte("sync aborted\n"), 0o644))
	require.NoError(t, h.store.CreateIssue(ctx, &models.Issue{
		RecordID:     "REC-1",
		Description:  "录音丢失",
		Priority:     "H",
		Source:       models.SourceSupportDesk,
		WebhookURL:   srv.URL,
		LogArtifacts: []models.LogArtifact{{Name: "device.log", Path: logPath}},
	}))
	_, _, err := h.store.AdmitTask(ctx, &models.Task{ID: "task-1", IssueID: "REC-1", Priority: 1})
	require.NoError(t, err)
	task, err := h.store.ClaimNextTask(ctx, "worker-test")
	require.NoError(t, err)

	h.executor.Process(ctx, task)

	select {
	case payload := <-received:
		assert.Equal(t, "task-1", payload["task_id"])
		assert.Equal(t, string(models.TaskDone), payload["state"])
		require.NotNil(t, payload["result"])
	case <-time.After(2 * time.Second):
		t.Fatal("completion webhook not delivered")
	}
}
