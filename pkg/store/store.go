// Package store persists issues, tasks, and analysis results. The
// Postgres implementation is the production store; the in-memory one
// backs unit tests of the layers above.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nicebuild/jarvis/pkg/models"
)

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrNoTask is returned by ClaimNextTask when the queue is empty.
	ErrNoTask = errors.New("no queued task")

	// ErrNotCancellable is returned when cancelling a terminal task.
	ErrNotCancellable = errors.New("task is already terminal")

	// ErrInvalidTransition is returned when a progress update would
	// move a task backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Store is the persistence surface the service layers depend on.
type Store interface {
	IssueStore
	TaskStore
	ResultStore
}

// IssueStore persists normalized tickets.
type IssueStore interface {
	CreateIssue(ctx context.Context, issue *models.Issue) error
	GetIssue(ctx context.Context, recordID string) (*models.Issue, error)
	ListIssues(ctx context.Context, params models.IssueListParams) (*models.Page[*models.Issue], error)
	SoftDeleteIssue(ctx context.Context, recordID string) error
	// FindIssueByTrackerRef locates the issue created for a tracker
	// ticket, for webhook-triggered re-analysis.
	FindIssueByTrackerRef(ctx context.Context, trackerRef string) (*models.Issue, error)
	// PurgeIssues hard-deletes soft-deleted issues older than the
	// cutoff. Returns the number removed.
	PurgeIssues(ctx context.Context, softDeletedBefore time.Time) (int64, error)
}

// TaskStore persists the task state machine. All transitions are
// guarded in SQL so no caller can violate monotonicity.
type TaskStore interface {
	// AdmitTask inserts a queued task unless the issue already has a
	// live one. On conflict the existing live task is returned with
	// admitted=false.
	AdmitTask(ctx context.Context, task *models.Task) (t *models.Task, admitted bool, err error)

	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, params models.TaskListParams) (*models.Page[*models.Task], error)

	// ClaimNextTask atomically claims the oldest queued task in the
	// highest priority band for the worker. ErrNoTask when idle.
	ClaimNextTask(ctx context.Context, workerID string) (*models.Task, error)

	// UpdateTaskProgress advances state/progress/message. Rejects
	// backward moves and updates to terminal tasks.
	UpdateTaskProgress(ctx context.Context, id string, state models.TaskState, progress int, message string) (*models.Task, error)

	// Heartbeat bumps updated_at on a live task so recovery can tell
	// it from an abandoned one.
	Heartbeat(ctx context.Context, id string) error

	CompleteTask(ctx context.Context, id string, message string) (*models.Task, error)
	FailTask(ctx context.Context, id string, failure string) (*models.Task, error)

	// CancelQueuedTask cancels a task only if it is still queued.
	// Running tasks are cancelled through their worker's context; the
	// worker then records the terminal state itself.
	CancelQueuedTask(ctx context.Context, id string) (*models.Task, error)
	// MarkCancelled records the terminal cancelled state of a task
	// whose execution was interrupted.
	MarkCancelled(ctx context.Context, id string, message string) (*models.Task, error)

	// FailAbandonedTasks fails every non-terminal task not updated
	// since the cutoff. Used by startup recovery and the stale sweep.
	FailAbandonedTasks(ctx context.Context, updatedBefore time.Time, failure string) ([]*models.Task, error)

	// RequeueInFlightTasks returns claimed but unfinished tasks to the
	// queue. Called on startup before workers begin claiming.
	RequeueInFlightTasks(ctx context.Context, message string) ([]*models.Task, error)
}

// ResultStore persists analysis verdicts.
type ResultStore interface {
	SaveResult(ctx context.Context, result *models.AnalysisResult) error
	GetResult(ctx context.Context, taskID string) (*models.AnalysisResult, error)
	// LatestResultForIssue returns the newest verdict across all of an
	// issue's tasks.
	LatestResultForIssue(ctx context.Context, issueID string) (*models.AnalysisResult, error)
}
