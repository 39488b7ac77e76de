package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nicebuild/jarvis/pkg/models"
)

// MemoryStore is a mutex-guarded Store for tests. It mirrors the
// Postgres semantics, including the one-live-task-per-issue admission
// rule and the transition guards.
type MemoryStore struct {
	mu      sync.Mutex
	issues  map[string]*models.Issue
	tasks   map[string]*models.Task
	results map[string]*models.AnalysisResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		issues:  make(map[string]*models.Issue),
		tasks:   make(map[string]*models.Task),
		results: make(map[string]*models.AnalysisResult),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateIssue(_ context.Context, issue *models.Issue) error {
	if issue.RecordID == "" {
		return NewValidationError("record_id", "required")
	}
	if issue.Description == "" {
		return NewValidationError("description", "required")
	}
	if issue.Priority != "H" && issue.Priority != "L" {
		return NewValidationError("priority", "must be 'H' or 'L'")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = time.Now().UTC()
	}
	cp := *issue
	s.issues[issue.RecordID] = &cp
	return nil
}

func (s *MemoryStore) GetIssue(_ context.Context, recordID string) (*models.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[recordID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *issue
	return &cp, nil
}

func (s *MemoryStore) FindIssueByTrackerRef(_ context.Context, trackerRef string) (*models.Issue, error) {
	if trackerRef == "" {
		return nil, NewValidationError("tracker_ref", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *models.Issue
	for _, issue := range s.issues {
		if issue.SoftDeleted || issue.TrackerRef != trackerRef {
			continue
		}
		if newest == nil || issue.CreatedAt.After(newest.CreatedAt) {
			newest = issue
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (s *MemoryStore) ListIssues(_ context.Context, params models.IssueListParams) (*models.Page[*models.Issue], error) {
	page, pageSize := normalizePage(params.Page, params.PageSize)

	s.mu.Lock()
	var all []*models.Issue
	for _, issue := range s.issues {
		if issue.SoftDeleted && !params.IncludeDeleted {
			continue
		}
		if params.CreatedBy != "" && issue.CreatedBy != params.CreatedBy {
			continue
		}
		if params.Platform != "" && issue.Platform != params.Platform {
			continue
		}
		if params.Category != "" && issue.Category != params.Category {
			continue
		}
		if params.Source != "" && string(issue.Source) != params.Source {
			continue
		}
		if params.StartDate != nil && issue.CreatedAt.Before(*params.StartDate) {
			continue
		}
		if params.EndDate != nil && issue.CreatedAt.After(*params.EndDate) {
			continue
		}
		cp := *issue
		all = append(all, &cp)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].RecordID < all[j].RecordID
	})
	return newPage(slicePage(all, page, pageSize), len(all), page, pageSize), nil
}

func (s *MemoryStore) SoftDeleteIssue(_ context.Context, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[recordID]
	if !ok {
		return ErrNotFound
	}
	issue.SoftDeleted = true
	return nil
}

func (s *MemoryStore) PurgeIssues(_ context.Context, softDeletedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, issue := range s.issues {
		if issue.SoftDeleted && issue.CreatedAt.Before(softDeletedBefore) {
			delete(s.issues, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AdmitTask(_ context.Context, task *models.Task) (*models.Task, bool, error) {
	if task.ID == "" {
		return nil, false, NewValidationError("task_id", "required")
	}
	if task.IssueID == "" {
		return nil, false, NewValidationError("issue_id", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tasks {
		if existing.IssueID == task.IssueID && !existing.State.Terminal() {
			cp := *existing
			return &cp, false, nil
		}
	}
	now := time.Now().UTC()
	admitted := &models.Task{
		ID:             task.ID,
		IssueID:        task.IssueID,
		State:          models.TaskQueued,
		Message:        "queued",
		Priority:       task.Priority,
		RequestedAgent: task.RequestedAgent,
		RequestedBy:    task.RequestedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.tasks[admitted.ID] = admitted
	cp := *admitted
	return &cp, true, nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, params models.TaskListParams) (*models.Page[*models.Task], error) {
	page, pageSize := normalizePage(params.Page, params.PageSize)

	s.mu.Lock()
	var all []*models.Task
	for _, task := range s.tasks {
		if params.IssueID != "" && task.IssueID != params.IssueID {
			continue
		}
		if len(params.States) > 0 && !containsState(params.States, task.State) {
			continue
		}
		if params.StartDate != nil && task.CreatedAt.Before(*params.StartDate) {
			continue
		}
		if params.EndDate != nil && task.CreatedAt.After(*params.EndDate) {
			continue
		}
		cp := *task
		all = append(all, &cp)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	return newPage(slicePage(all, page, pageSize), len(all), page, pageSize), nil
}

func (s *MemoryStore) ClaimNextTask(_ context.Context, workerID string) (*models.Task, error) {
	if workerID == "" {
		return nil, NewValidationError("worker_id", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Task
	for _, task := range s.tasks {
		if task.State != models.TaskQueued {
			continue
		}
		if best == nil || claimBefore(task, best) {
			best = task
		}
	}
	if best == nil {
		return nil, ErrNoTask
	}
	now := time.Now().UTC()
	best.State = models.TaskDownloading
	best.Progress = 5
	best.Message = "claimed"
	best.WorkerID = workerID
	best.StartedAt = &now
	best.UpdatedAt = now
	cp := *best
	return &cp, nil
}

// claimBefore orders queued tasks by priority band then FIFO.
func claimBefore(a, b *models.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *MemoryStore) UpdateTaskProgress(_ context.Context, id string, state models.TaskState, progress int, message string) (*models.Task, error) {
	if !state.Valid() {
		return nil, NewValidationError("state", "unknown state")
	}
	if progress < 0 || progress > 100 {
		return nil, NewValidationError("progress", "must be 0-100")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !task.State.CanTransition(state) {
		return nil, ErrInvalidTransition
	}
	if !state.Terminal() && progress < task.Progress {
		return nil, ErrInvalidTransition
	}
	task.State = state
	task.Progress = progress
	task.Message = message
	task.UpdatedAt = time.Now().UTC()
	cp := *task
	return &cp, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok || task.State.Terminal() {
		return ErrNotFound
	}
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CompleteTask(_ context.Context, id string, message string) (*models.Task, error) {
	return s.finish(id, models.TaskDone, message, "")
}

func (s *MemoryStore) FailTask(_ context.Context, id string, failure string) (*models.Task, error) {
	return s.finish(id, models.TaskFailed, "analysis failed", failure)
}

func (s *MemoryStore) MarkCancelled(_ context.Context, id string, message string) (*models.Task, error) {
	return s.finish(id, models.TaskCancelled, message, "")
}

func (s *MemoryStore) finish(id string, state models.TaskState, message, failure string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if task.State.Terminal() {
		return nil, ErrNotCancellable
	}
	now := time.Now().UTC()
	task.State = state
	if state == models.TaskDone {
		task.Progress = 100
	}
	task.Message = message
	task.Error = failure
	task.CompletedAt = &now
	task.UpdatedAt = now
	cp := *task
	return &cp, nil
}

func (s *MemoryStore) CancelQueuedTask(_ context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if task.State != models.TaskQueued {
		return nil, ErrNotCancellable
	}
	now := time.Now().UTC()
	task.State = models.TaskCancelled
	task.Message = "cancelled before start"
	task.CompletedAt = &now
	task.UpdatedAt = now
	cp := *task
	return &cp, nil
}

func (s *MemoryStore) FailAbandonedTasks(_ context.Context, updatedBefore time.Time, failure string) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []*models.Task
	now := time.Now().UTC()
	for _, task := range s.tasks {
		if task.State.Terminal() || !task.UpdatedAt.Before(updatedBefore) {
			continue
		}
		task.State = models.TaskFailed
		task.Error = failure
		task.Message = "abandoned"
		task.CompletedAt = &now
		task.UpdatedAt = now
		cp := *task
		failed = append(failed, &cp)
	}
	return failed, nil
}

func (s *MemoryStore) RequeueInFlightTasks(_ context.Context, message string) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var requeued []*models.Task
	now := time.Now().UTC()
	for _, task := range s.tasks {
		if task.State == models.TaskQueued || task.State.Terminal() {
			continue
		}
		task.State = models.TaskQueued
		task.Progress = 0
		task.Message = message
		task.WorkerID = ""
		task.StartedAt = nil
		task.UpdatedAt = now
		cp := *task
		requeued = append(requeued, &cp)
	}
	return requeued, nil
}

func (s *MemoryStore) SaveResult(_ context.Context, result *models.AnalysisResult) error {
	if result.TaskID == "" {
		return NewValidationError("task_id", "required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[result.TaskID]; exists {
		return NewValidationError("task_id", "result already exists")
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	cp := *result
	s.results[result.TaskID] = &cp
	return nil
}

func (s *MemoryStore) GetResult(_ context.Context, taskID string) (*models.AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *result
	return &cp, nil
}

func (s *MemoryStore) LatestResultForIssue(_ context.Context, issueID string) (*models.AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *models.AnalysisResult
	for _, result := range s.results {
		if result.IssueID != issueID {
			continue
		}
		if newest == nil || result.CreatedAt.After(newest.CreatedAt) ||
			(result.CreatedAt.Equal(newest.CreatedAt) && strings.Compare(result.TaskID, newest.TaskID) > 0) {
			newest = result
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func containsState(states []models.TaskState, state models.TaskState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func slicePage[T any](items []T, page, pageSize int) []T {
	start := (page - 1) * pageSize
	if start >= len(items) {
		return []T{}
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
