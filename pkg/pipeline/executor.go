// Package pipeline runs one claimed task through the analysis stages:
// workspace materialization, rule selection, log pre-extraction, agent
// invocation, and verdict parsing. The executor owns the task's state
// transitions from claim to terminal and publishes progress on the way.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

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

// extractsFile holds the full pre-extraction output; the prompt embeds
// only a bounded sample of it.
const extractsFile = "extracts.json"

// agentSelector narrows agent.Registry to what the executor needs.
type agentSelector interface {
	Select(requestedAgent, matchedRuleID string) (agent.Runner, agent.RunOptions, error)
}

// Executor drives one task end to end. It is shared by all workers and
// holds no per-task state.
type Executor struct {
	cfg          *config.Config
	store        store.Store
	catalog      *rules.Catalog
	extractor    *extract.Extractor
	materializer *workspace.Materializer
	agents       agentSelector
	bus          *events.Bus
	notifier     *notify.Notifier
	tracker      *notify.TrackerClient
	logger       *slog.Logger
}

func NewExecutor(
	cfg *config.Config,
	st store.Store,
	catalog *rules.Catalog,
	extractor *extract.Extractor,
	materializer *workspace.Materializer,
	agents agentSelector,
	bus *events.Bus,
	notifier *notify.Notifier,
	tracker *notify.TrackerClient,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		cfg:          cfg,
		store:        st,
		catalog:      catalog,
		extractor:    extractor,
		materializer: materializer,
		agents:       agents,
		bus:          bus,
		notifier:     notifier,
		tracker:      tracker,
		logger:       logger.With("component", "pipeline"),
	}
}

// Process runs a freshly claimed task to a terminal state. It never
// returns an error: every outcome, including cancellation, is recorded
// on the task itself.
func (e *Executor) Process(ctx context.Context, task *models.Task) {
	log := e.logger.With("task_id", task.ID, "issue_id", task.IssueID)
	start := time.Now()

	ws, err := workspace.Create(e.cfg.Storage.WorkspaceDir, task.ID)
	if err != nil {
		e.finishFailed(task, models.WrapFailure(models.FailArtifactFetch, err, "create workspace"), log)
		return
	}

	result, err := e.run(ctx, task, ws, log)
	if err != nil {
		e.finishFailed(task, err, log)
		// Keep the logs and transcript around for post-mortem; retention
		// deletes the snapshot with the rest of the expired workspaces.
		if serr := ws.Snapshot(); serr != nil {
			log.Warn("Post-mortem snapshot failed", "error", serr)
		}
		return
	}

	done, cerr := e.store.CompleteTask(context.Background(), task.ID, "analysis complete")
	if cerr != nil {
		log.Error("Failed to record task completion", "error", cerr)
		return
	}
	e.publish(done)
	log.Info("Task completed", "duration", time.Since(start).Round(time.Millisecond),
		"matched_rule", result.MatchedRuleID, "confidence", result.Confidence)

	if rerr := ws.Remove(); rerr != nil {
		log.Warn("Workspace cleanup failed", "error", rerr)
	}
	e.deliver(done, result, log)
}

// run executes the pipeline stages and returns the saved result.
func (e *Executor) run(ctx context.Context, task *models.Task, ws *workspace.Workspace, log *slog.Logger) (*models.AnalysisResult, error) {
	issue, err := e.store.GetIssue(ctx, task.IssueID)
	if err != nil {
		return nil, models.WrapFailure(models.FailBadRequest, err, "issue not found")
	}

	// Stage: fetch and decode artifacts.
	if err := e.progress(ctx, task, models.TaskDownloading, 10, "fetching log artifacts"); err != nil {
		return nil, err
	}
	budget := &workspace.SizeBudget{
		EntryLimit: e.cfg.Storage.MaxEntryBytes,
		TotalLimit: e.cfg.Storage.MaxTotalBytes,
	}
	logFileCount, err := e.materializer.Materialize(ctx, ws, issue.LogArtifacts, budget)
	if err != nil {
		return nil, err
	}
	if err := e.progress(ctx, task, models.TaskDecrypting, 30,
		fmt.Sprintf("decoded %d log files", logFileCount)); err != nil {
		return nil, err
	}

	// Stage: select playbooks and stage them into the workspace.
	selection := rules.SelectRules(e.catalog.Snapshot(), issue.Description, log)
	if err := stageRuleFiles(ws, selection.Rules); err != nil {
		return nil, models.WrapFailure(models.FailRuleSelect, err, "stage rule files")
	}
	log.Info("Rules selected", "primary", selection.Primary.ID,
		"count", len(selection.Rules), "fallback", selection.Fallback)

	// Stage: mechanical pre-extraction.
	if err := e.progress(ctx, task, models.TaskExtracting, 40, "scanning logs"); err != nil {
		return nil, err
	}
	problemDate := extract.GuessProblemDate(issue.Description, time.Now())
	extracts, err := e.extractor.Run(ctx, ws.Logs(), selection.Rules, problemDate)
	if err != nil {
		return nil, err
	}
	if err := writeExtracts(ws, extracts); err != nil {
		return nil, models.WrapFailure(models.FailExtract, err, "persist extracts")
	}

	// Stage: assemble the prompt.
	codeMounted := false
	if needsCode(selection.Rules) {
		codeMounted, err = workspace.MountCode(ws, e.cfg.Storage.CodeRepoPath)
		if err != nil {
			return nil, models.WrapFailure(models.FailRuleSelect, err, "mount code checkout")
		}
	}
	prompt := agent.BuildPrompt(agent.PromptInput{
		Issue:            issue,
		Rules:            selection.Rules,
		PrimaryRuleID:    selection.Primary.ID,
		Extracts:         extracts,
		MaxPromptMatches: e.cfg.Extract.MaxPromptMatches,
		LogFileCount:     logFileCount,
		CodeMounted:      codeMounted,
	})
	if err := os.WriteFile(ws.PromptPath(), []byte(prompt), 0o644); err != nil {
		return nil, models.WrapFailure(models.FailRuleSelect, err, "write prompt")
	}

	// Stage: run the agent.
	runner, opts, err := e.agents.Select(task.RequestedAgent, selection.Primary.ID)
	if err != nil {
		return nil, err
	}
	if err := e.progress(ctx, task, models.TaskAnalyzing, 50,
		fmt.Sprintf("agent %s analyzing", runner.Name())); err != nil {
		return nil, err
	}
	transcript, runErr := runner.Run(ctx, ws, opts)
	if transcript != nil {
		if werr := os.WriteFile(ws.TranscriptPath(), []byte(transcript.Output), 0o644); werr != nil {
			log.Warn("Failed to persist transcript", "error", werr)
		}
	}
	if runErr != nil {
		return nil, runErr
	}
	if err := e.progress(ctx, task, models.TaskAnalyzing, 95, "parsing verdict"); err != nil {
		return nil, err
	}

	// Stage: parse and persist the verdict.
	result, err := agent.ParseResult(ws, transcript.Output, log)
	if err != nil {
		return nil, err
	}
	// A verdict can be the agent reporting its own failure in disguise;
	// those fail the task, only real verdicts are persisted.
	if failure := agent.DisguisedFailure(result); failure != nil {
		log.Warn("Verdict is a disguised failure",
			"problem_type", result.ProblemType, "kind", failure.Kind)
		return nil, failure
	}
	result.TaskID = task.ID
	result.IssueID = issue.RecordID
	result.MatchedRuleID = selection.Primary.ID
	result.AgentName = runner.Name()
	result.RawTranscript = transcript.Output

	if err := e.store.SaveResult(ctx, result); err != nil {
		return nil, models.WrapFailure(models.FailParse, err, "persist result")
	}
	return result, nil
}

// finishFailed records the terminal state for a failed or cancelled run.
func (e *Executor) finishFailed(task *models.Task, err error, log *slog.Logger) {
	failure := models.AsFailure(err, models.FailBadRequest)
	if errors.Is(err, context.Canceled) {
		failure = models.NewFailure(models.FailCancelled, "cancelled while running")
	}

	// The task context may be dead; terminal bookkeeping must still land.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		final *models.Task
		serr  error
	)
	if failure.Kind == models.FailCancelled {
		final, serr = e.store.MarkCancelled(ctx, task.ID, failure.Message)
	} else {
		final, serr = e.store.FailTask(ctx, task.ID, failure.Error())
	}
	if serr != nil {
		log.Error("Failed to record terminal task state", "failure", failure.Error(), "error", serr)
		return
	}
	e.publish(final)
	log.Warn("Task finished unsuccessfully", "state", final.State,
		"kind", failure.Kind, "message", failure.Message, "cause", failure.Unwrap())

	if issue, ierr := e.store.GetIssue(ctx, task.IssueID); ierr == nil {
		e.notifier.TaskFinished(ctx, issue, final, nil)
	}
}

// deliver fans the finished verdict out to the registered callbacks.
func (e *Executor) deliver(task *models.Task, result *models.AnalysisResult, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	issue, err := e.store.GetIssue(ctx, task.IssueID)
	if err != nil {
		log.Error("Issue vanished before delivery", "error", err)
		return
	}

	e.notifier.TaskFinished(ctx, issue, task, result)
	if result.NeedsEngineer {
		e.notifier.Escalate(ctx, issue, result, "verdict flagged needs_engineer")
	}
	if issue.TrackerRef != "" && e.tracker != nil {
		if err := e.tracker.PostResultComment(ctx, issue.TrackerRef, result); err != nil {
			log.Warn("Tracker comment failed", "tracker_ref", issue.TrackerRef, "error", err)
		}
	}
}

// progress advances the task and mirrors the update onto the event bus.
func (e *Executor) progress(ctx context.Context, task *models.Task, state models.TaskState, pct int, message string) error {
	updated, err := e.store.UpdateTaskProgress(ctx, task.ID, state, pct, message)
	if err != nil {
		return models.WrapFailure(models.FailBadRequest, err,
			fmt.Sprintf("advance to %s", state))
	}
	e.publish(updated)
	return nil
}

func (e *Executor) publish(task *models.Task) {
	e.bus.Publish(models.ProgressEvent{
		TaskID:    task.ID,
		IssueID:   task.IssueID,
		State:     task.State,
		Progress:  task.Progress,
		Message:   task.Message,
		Error:     task.Error,
		UpdatedAt: task.UpdatedAt,
	})
}

// stageRuleFiles writes the selected playbooks into the workspace under
// the names the prompt references: rules/NN-id.md in execution order.
func stageRuleFiles(ws *workspace.Workspace, selected []*models.Rule) error {
	for i, r := range selected {
		data, err := rules.FormatRuleFile(r)
		if err != nil {
			return fmt.Errorf("format rule %s: %w", r.ID, err)
		}
		name := fmt.Sprintf("%02d-%s.md", i+1, r.ID)
		if err := os.WriteFile(filepath.Join(ws.Rules(), name), data, 0o644); err != nil {
			return fmt.Errorf("write rule %s: %w", name, err)
		}
	}
	return nil
}

func writeExtracts(ws *workspace.Workspace, extracts []extract.PatternResult) error {
	data, err := json.MarshalIndent(extracts, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(ws.Root, extractsFile), data, 0o644)
}

func needsCode(selected []*models.Rule) bool {
	for _, r := range selected {
		if r.NeedsCode {
			return true
		}
	}
	return false
}
