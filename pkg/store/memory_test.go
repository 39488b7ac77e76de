package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicebuild/jarvis/pkg/models"
)

func seedIssue(t *testing.T, s Store, recordID string) *models.Issue {
	t.Helper()
	issue := &models.Issue{
		RecordID:    recordID,
		Description: "recording missing after sync",
		Priority:    "L",
		Source:      models.SourceAPI,
	}
	require.NoError(t, s.CreateIssue(context.Background(), issue))
	return issue
}

func seedTask(t *testing.T, s Store, taskID, issueID string, priority int) *models.Task {
	t.Helper()
	task, admitted, err := s.AdmitTask(context.Background(), &models.Task{
		ID: taskID, IssueID: issueID, Priority: priority,
	})
	require.NoError(t, err)
	require.True(t, admitted)
	return task
}

func TestMemoryStore_AdmitTask(t *testing.T) {
	ctx := context.Background()

	t.Run("admits first task for an issue", func(t *testing.T) {
		s := NewMemoryStore()
		seedIssue(t, s, "REC-1")

		task, admitted, err := s.AdmitTask(ctx, &models.Task{ID: "t1", IssueID: "REC-1"})
		require.NoError(t, err)
		assert.True(t, admitted)
		assert.Equal(t, models.TaskQueued, task.State)
		assert.Equal(t, 0, task.Progress)
	})

	t.Run("returns the live task on duplicate submit", func(t *testing.T) {
		s := NewMemoryStore()
		seedIssue(t, s, "REC-1")
		seedTask(t, s, "t1", "REC-1", 0)

		task, admitted, err := s.AdmitTask(ctx, &models.Task{ID: "t2", IssueID: "REC-1"})
		require.NoError(t, err)
		assert.False(t, admitted)
		assert.Equal(t, "t1", task.ID)

		_, err = s.GetTask(ctx, "t2")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("admits again once the previous task is terminal", func(t *testing.T) {
		s := NewMemoryStore()
		seedIssue(t, s, "REC-1")
		seedTask(t, s, "t1", "REC-1", 0)

		_, err := s.CancelQueuedTask(ctx, "t1")
		require.NoError(t, err)

		task, admitted, err := s.AdmitTask(ctx, &models.Task{ID: "t2", IssueID: "REC-1"})
		require.NoError(t, err)
		assert.True(t, admitted)
		assert.Equal(t, "t2", task.ID)
	})

	t.Run("rejects missing ids", func(t *testing.T) {
		s := NewMemoryStore()
		_, _, err := s.AdmitTask(ctx, &models.Task{IssueID: "REC-1"})
		assert.True(t, IsValidationError(err))
	})
}

func TestMemoryStore_ClaimNextTask(t *testing.T) {
	ctx := context.Background()

	t.Run("empty queue", func(t *testing.T) {
		s := NewMemoryStore()
		_, err := s.ClaimNextTask(ctx, "w1")
		assert.ErrorIs(t, err, ErrNoTask)
	})

	t.Run("high priority band first, then FIFO", func(t *testing.T) {
		s := NewMemoryStore()
		seedIssue(t, s, "REC-1")
		seedIssue(t, s, "REC-2")
		seedIssue(t, s, "REC-3")
		tLow := seedTask(t, s, "t-low", "REC-1", 0)
		// Make creation order unambiguous.
		time.Sleep(2 * time.Millisecond)
		seedTask(t, s, "t-low2", "REC-2", 0)
		time.Sleep(2 * time.Millisecond)
		seedTask(t, s, "t-high", "REC-3", 1)

		first, err := s.ClaimNextTask(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, "t-high", first.ID)
		assert.Equal(t, models.TaskDownloading, first.State)
		assert.Equal(t, "w1", first.WorkerID)
		require.NotNil(t, first.StartedAt)

		second, err := s.ClaimNextTask(ctx, "w2")
		require.NoError(t, err)
		assert.Equal(t, tLow.ID, second.ID)

		third, err := s.ClaimNextTask(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, "t-low2", third.ID)

		_, err = s.ClaimNextTask(ctx, "w1")
		assert.ErrorIs(t, err, ErrNoTask)
	})
}

func TestMemoryStore_UpdateTaskProgress(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) Store {
		s := NewMemoryStore()
		seedIssue(t, s, "REC-1")
		seedTask(t, s, "t1", "REC-1", 0)
		_, err := s.ClaimNextTask(ctx, "w1")
		require.NoError(t, err)
		return s
	}

	t.Run("advances through the pipeline", func(t *testing.T) {
		s := setup(t)
		task, err := s.UpdateTaskProgress(ctx, "t1", models.TaskDecrypting, 25, "decrypting artifacts")
		require.NoError(t, err)
		assert.Equal(t, models.TaskDecrypting, task.State)
		assert.Equal(t, 25, task.Progress)

		task, err = s.UpdateTaskProgress(ctx, "t1", models.TaskAnalyzing, 60, "agent running")
		require.NoError(t, err)
		assert.Equal(t, models.TaskAnalyzing, task.State)
	})

	t.Run("rejects backward state moves", func(t *testing.T) {
		s := setup(t)
		_, err := s.UpdateTaskProgress(ctx, "t1", models.TaskExtracting, 45, "")
		require.NoError(t, err)
		_, err = s.UpdateTaskProgress(ctx, "t1", models.TaskDownloading, 50, "")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("rejects backward progress in the same state", func(t *testing.T) {
		s := setup(t)
		_, err := s.UpdateTaskProgress(ctx, "t1", models.TaskDownloading, 15, "")
		require.NoError(t, err)
		_, err = s.UpdateTaskProgress(ctx, "t1", models.TaskDownloading, 10, "")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("terminal states absorb", func(t *testing.T) {
		s := setup(t)
		_, err := s.CompleteTask(ctx, "t1", "done")
		require.NoError(t, err)
		_, err = s.UpdateTaskProgress(ctx, "t1", models.TaskAnalyzing, 60, "")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("unknown task", func(t *testing.T) {
		s := NewMemoryStore()
		_, err := s.UpdateTaskProgress(ctx, "nope", models.TaskAnalyzing, 60, "")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore_Cancellation(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels a queued task", func(t *testing.T) {
		s := NewMemoryStore()
		seedIssue(t, s, "REC-1")
		seedTask(t, s, "t1", "REC-1", 0)

		task, err := s.CancelQueuedTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, models.TaskCancelled, task.State)
		require.NotNil(t, task.CompletedAt)
	})

	t.Run("refuses to queue-cancel a running task", func(t *testing.T) {
		s := NewMemoryStore()
		seedIssue(t, s, "REC-1")
		seedTask(t, s, "t1", "REC-1", 0)
		_, err := s.ClaimNextTask(ctx, "w1")
		require.NoError(t, err)

		_, err = s.CancelQueuedTask(ctx, "t1")
		assert.ErrorIs(t, err, ErrNotCancellable)

		// The worker records the terminal state instead.
		task, err := s.MarkCancelled(ctx, "t1", "cancelled by user")
		require.NoError(t, err)
		assert.Equal(t, models.TaskCancelled, task.State)
	})

	t.Run("finishing twice is rejected", func(t *testing.T) {
		s := NewMemoryStore()
		seedIssue(t, s, "REC-1")
		seedTask(t, s, "t1", "REC-1", 0)
		_, err := s.ClaimNextTask(ctx, "w1")
		require.NoError(t, err)
		_, err = s.FailTask(ctx, "t1", "AgentCrash: exit status 1")
		require.NoError(t, err)
		_, err = s.CompleteTask(ctx, "t1", "done")
		assert.ErrorIs(t, err, ErrNotCancellable)
	})
}

func TestMemoryStore_Recovery(t *testing.T) {
	ctx := context.Background()

	t.Run("requeues in-flight tasks", func(t *testing.T) {
		s := NewMemoryStore()
		seedIssue(t, s, "REC-1")
		seedIssue(t, s, "REC-2")
		seedTask(t, s, "t-running", "REC-1", 0)
		seedTask(t, s, "t-queued", "REC-2", 0)
		_, err := s.ClaimNextTask(ctx, "w1")
		require.NoError(t, err)

		requeued, err := s.RequeueInFlightTasks(ctx, "requeued after restart")
		require.NoError(t, err)
		require.Len(t, requeued, 1)
		assert.Equal(t, "t-running", requeued[0].ID)
		assert.Equal(t, models.TaskQueued, requeued[0].State)
		assert.Equal(t, 0, requeued[0].Progress)
		assert.Empty(t, requeued[0].WorkerID)
		assert.Nil(t, requeued[0].StartedAt)
	})

	t.Run("fails abandoned tasks past the cutoff", func(t *testing.T) {
		s := NewMemoryStore()
		seedIssue(t, s, "REC-1")
		seedTask(t, s, "t1", "REC-1", 0)
		_, err := s.ClaimNextTask(ctx, "w1")
		require.NoError(t, err)

		// Cutoff in the past leaves the fresh task alone.
		failed, err := s.FailAbandonedTasks(ctx, time.Now().Add(-time.Hour), "ServerRestart: abandoned")
		require.NoError(t, err)
		assert.Empty(t, failed)

		failed, err = s.FailAbandonedTasks(ctx, time.Now().Add(time.Second), "ServerRestart: abandoned")
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, models.TaskFailed, failed[0].State)
		assert.Equal(t, "ServerRestart: abandoned", failed[0].Error)
	})
}

func TestMemoryStore_Issues(t *testing.T) {
	ctx := context.Background()

	t.Run("soft delete hides from listing", func(t *testing.T) {
		s := NewMemoryStore()
		seedIssue(t, s, "REC-1")
		seedIssue(t, s, "REC-2")
		require.NoError(t, s.SoftDeleteIssue(ctx, "REC-1"))

		page, err := s.ListIssues(ctx, models.IssueListParams{})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "REC-2", page.Items[0].RecordID)

		page, err = s.ListIssues(ctx, models.IssueListParams{IncludeDeleted: true})
		require.NoError(t, err)
		assert.Len(t, page.Items, 2)

		// Direct lookup still works for audit access.
		_, err = s.GetIssue(ctx, "REC-1")
		assert.NoError(t, err)
	})

	t.Run("purge removes only old soft-deleted issues", func(t *testing.T) {
		s := NewMemoryStore()
		old := seedIssue(t, s, "REC-old")
		seedIssue(t, s, "REC-live")
		require.NoError(t, s.SoftDeleteIssue(ctx, "REC-old"))
		_ = old

		n, err := s.PurgeIssues(ctx, time.Now().Add(time.Second))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		_, err = s.GetIssue(ctx, "REC-old")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetIssue(ctx, "REC-live")
		assert.NoError(t, err)
	})

	t.Run("finds newest issue by tracker ref", func(t *testing.T) {
		s := NewMemoryStore()
		older := &models.Issue{
			RecordID: "REC-1", Description: "d", Priority: "L",
			Source: models.SourceTracker, TrackerRef: "PROJ-42",
			CreatedAt: time.Now().Add(-time.Hour),
		}
		newer := &models.Issue{
			RecordID: "REC-2", Description: "d", Priority: "L",
			Source: models.SourceTracker, TrackerRef: "PROJ-42",
		}
		require.NoError(t, s.CreateIssue(ctx, older))
		require.NoError(t, s.CreateIssue(ctx, newer))

		issue, err := s.FindIssueByTrackerRef(ctx, "PROJ-42")
		require.NoError(t, err)
		assert.Equal(t, "REC-2", issue.RecordID)

		_, err = s.FindIssueByTrackerRef(ctx, "PROJ-404")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore_Results(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedIssue(t, s, "REC-1")
	seedTask(t, s, "t1", "REC-1", 0)

	result := &models.AnalysisResult{
		TaskID:      "t1",
		IssueID:     "REC-1",
		ProblemType: "录音丢失",
		RootCause:   "sync interrupted before upload completed",
		Confidence:  models.ConfidenceMedium,
		KeyEvidence: []string{"sync.log:1042: upload aborted"},
	}
	require.NoError(t, s.SaveResult(ctx, result))

	got, err := s.GetResult(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, result.RootCause, got.RootCause)
	assert.Equal(t, result.KeyEvidence, got.KeyEvidence)

	// Results are immutable.
	err = s.SaveResult(ctx, result)
	assert.True(t, IsValidationError(err))

	latest, err := s.LatestResultForIssue(ctx, "REC-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", latest.TaskID)

	_, err = s.LatestResultForIssue(ctx, "REC-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ListTasks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedIssue(t, s, "REC-1")
	seedIssue(t, s, "REC-2")
	seedTask(t, s, "t1", "REC-1", 0)
	seedTask(t, s, "t2", "REC-2", 0)
	_, err := s.ClaimNextTask(ctx, "w1")
	require.NoError(t, err)

	page, err := s.ListTasks(ctx, models.TaskListParams{IssueID: "REC-1"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "t1", page.Items[0].ID)

	page, err = s.ListTasks(ctx, models.TaskListParams{States: []models.TaskState{models.TaskQueued}})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	page, err = s.ListTasks(ctx, models.TaskListParams{Page: 1, PageSize: 1})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 2, page.TotalPages)
}
