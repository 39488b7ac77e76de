package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nicebuild/jarvis/pkg/models"
)

// terminalStates as a SQL tuple, matching the partial index predicate.
const terminalStatesSQL = "('done', 'failed', 'cancelled')"

// PostgresStore is the production Store implementation.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger.With("component", "store")}
}

var _ Store = (*PostgresStore)(nil)

// --- issues ---

const issueColumns = `record_id, description, priority, device_sn, firmware, app_version,
	platform, category, source, ticket_ref, tracker_ref, webhook_url, created_by,
	log_artifacts, soft_deleted, created_at`

func (s *PostgresStore) CreateIssue(ctx context.Context, issue *models.Issue) error {
	if issue.RecordID == "" {
		return NewValidationError("record_id", "required")
	}
	if issue.Description == "" {
		return NewValidationError("description", "required")
	}
	if issue.Priority != "H" && issue.Priority != "L" {
		return NewValidationError("priority", "must be 'H' or 'L'")
	}
	artifacts, err := json.Marshal(issue.LogArtifacts)
	if err != nil {
		return fmt.Errorf("marshal log artifacts: %w", err)
	}
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO issues (record_id, description, priority, device_sn, firmware,
			app_version, platform, category, source, ticket_ref, tracker_ref,
			webhook_url, created_by, log_artifacts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		issue.RecordID, issue.Description, issue.Priority, issue.DeviceSN, issue.Firmware,
		issue.AppVersion, issue.Platform, issue.Category, issue.Source, issue.TicketRef,
		issue.TrackerRef, issue.WebhookURL, issue.CreatedBy, artifacts, issue.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert issue %s: %w", issue.RecordID, err)
	}
	return nil
}

func (s *PostgresStore) GetIssue(ctx context.Context, recordID string) (*models.Issue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE record_id = $1`, recordID)
	return scanIssue(row)
}

func (s *PostgresStore) FindIssueByTrackerRef(ctx context.Context, trackerRef string) (*models.Issue, error) {
	if trackerRef == "" {
		return nil, NewValidationError("tracker_ref", "required")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+issueColumns+` FROM issues
		WHERE tracker_ref = $1 AND NOT soft_deleted
		ORDER BY created_at DESC LIMIT 1`, trackerRef)
	return scanIssue(row)
}

func (s *PostgresStore) ListIssues(ctx context.Context, params models.IssueListParams) (*models.Page[*models.Issue], error) {
	page, pageSize := normalizePage(params.Page, params.PageSize)

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !params.IncludeDeleted {
		where = append(where, "NOT soft_deleted")
	}
	if params.CreatedBy != "" {
		where = append(where, "created_by = "+arg(params.CreatedBy))
	}
	if params.Platform != "" {
		where = append(where, "platform = "+arg(params.Platform))
	}
	if params.Category != "" {
		where = append(where, "category = "+arg(params.Category))
	}
	if params.Source != "" {
		where = append(where, "source = "+arg(params.Source))
	}
	if params.StartDate != nil {
		where = append(where, "created_at >= "+arg(*params.StartDate))
	}
	if params.EndDate != nil {
		where = append(where, "created_at <= "+arg(*params.EndDate))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM issues"+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count issues: %w", err)
	}

	query := "SELECT " + issueColumns + " FROM issues" + clause +
		" ORDER BY created_at DESC" +
		" LIMIT " + arg(pageSize) + " OFFSET " + arg((page-1)*pageSize)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	items := make([]*models.Issue, 0, pageSize)
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	return newPage(items, total, page, pageSize), nil
}

func (s *PostgresStore) SoftDeleteIssue(ctx context.Context, recordID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE issues SET soft_deleted = TRUE WHERE record_id = $1`, recordID)
	if err != nil {
		return fmt.Errorf("soft delete issue %s: %w", recordID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) PurgeIssues(ctx context.Context, softDeletedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM issues WHERE soft_deleted AND created_at < $1`, softDeletedBefore)
	if err != nil {
		return 0, fmt.Errorf("purge issues: %w", err)
	}
	return res.RowsAffected()
}

// --- tasks ---

const taskColumns = `id, issue_id, state, progress, message, error, priority,
	requested_agent, requested_by, worker_id, created_at, updated_at, started_at, completed_at`

// AdmitTask relies on the partial unique index over live tasks: the
// insert and the duplicate check are one atomic statement, so two
// concurrent submits for the same issue cannot both win.
func (s *PostgresStore) AdmitTask(ctx context.Context, task *models.Task) (*models.Task, bool, error) {
	if task.ID == "" {
		return nil, false, NewValidationError("task_id", "required")
	}
	if task.IssueID == "" {
		return nil, false, NewValidationError("issue_id", "required")
	}

	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (id, issue_id, state, progress, message, priority,
			requested_agent, requested_by, created_at, updated_at)
		VALUES ($1, $2, 'queued', 0, 'queued', $3, $4, $5, $6, $6)
		ON CONFLICT (issue_id) WHERE state NOT IN `+terminalStatesSQL+` DO NOTHING
		RETURNING `+taskColumns,
		task.ID, task.IssueID, task.Priority, task.RequestedAgent, task.RequestedBy, now)

	admitted, err := scanTask(row)
	if err == nil {
		return admitted, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("admit task for issue %s: %w", task.IssueID, err)
	}

	// Insert was suppressed: hand back the live task that blocked it.
	existing, err := s.liveTaskForIssue(ctx, task.IssueID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) liveTaskForIssue(ctx context.Context, issueID string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE issue_id = $1 AND state NOT IN `+terminalStatesSQL+`
		LIMIT 1`, issueID)
	return scanTask(row)
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *PostgresStore) ListTasks(ctx context.Context, params models.TaskListParams) (*models.Page[*models.Task], error) {
	page, pageSize := normalizePage(params.Page, params.PageSize)

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if params.IssueID != "" {
		where = append(where, "issue_id = "+arg(params.IssueID))
	}
	if len(params.States) > 0 {
		placeholders := make([]string, len(params.States))
		for i, st := range params.States {
			placeholders[i] = arg(string(st))
		}
		where = append(where, "state IN ("+strings.Join(placeholders, ", ")+")")
	}
	if params.StartDate != nil {
		where = append(where, "created_at >= "+arg(*params.StartDate))
	}
	if params.EndDate != nil {
		where = append(where, "created_at <= "+arg(*params.EndDate))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM tasks"+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	query := "SELECT " + taskColumns + " FROM tasks" + clause +
		" ORDER BY created_at DESC" +
		" LIMIT " + arg(pageSize) + " OFFSET " + arg((page-1)*pageSize)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]*models.Task, 0, pageSize)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return newPage(items, total, page, pageSize), nil
}

// ClaimNextTask picks the oldest queued task in the highest priority
// band. FOR UPDATE SKIP LOCKED lets concurrent workers claim without
// serializing on each other.
func (s *PostgresStore) ClaimNextTask(ctx context.Context, workerID string) (*models.Task, error) {
	if workerID == "" {
		return nil, NewValidationError("worker_id", "required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM tasks
		WHERE state = 'queued'
		ORDER BY priority DESC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable task: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE tasks
		SET state = 'downloading', progress = 5, message = 'claimed',
		    worker_id = $2, started_at = now(), updated_at = now()
		WHERE id = $1
		RETURNING `+taskColumns, id, workerID)
	task, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) UpdateTaskProgress(ctx context.Context, id string, state models.TaskState, progress int, message string) (*models.Task, error) {
	if !state.Valid() {
		return nil, NewValidationError("state", fmt.Sprintf("unknown state %q", state))
	}
	if progress < 0 || progress > 100 {
		return nil, NewValidationError("progress", "must be 0-100")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin progress tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var cur models.TaskState
	var curProgress int
	err = tx.QueryRowContext(ctx,
		`SELECT state, progress FROM tasks WHERE id = $1 FOR UPDATE`, id).
		Scan(&cur, &curProgress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock task %s: %w", id, err)
	}
	if !cur.CanTransition(state) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, state)
	}
	if !state.Terminal() && progress < curProgress {
		return nil, fmt.Errorf("%w: progress %d -> %d", ErrInvalidTransition, curProgress, progress)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE tasks SET state = $2, progress = $3, message = $4, updated_at = now()
		WHERE id = $1
		RETURNING `+taskColumns, id, state, progress, message)
	task, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit progress: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET updated_at = now()
		WHERE id = $1 AND state NOT IN `+terminalStatesSQL, id)
	if err != nil {
		return fmt.Errorf("heartbeat task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CompleteTask(ctx context.Context, id string, message string) (*models.Task, error) {
	return s.finishTask(ctx, id, models.TaskDone, message, "")
}

func (s *PostgresStore) FailTask(ctx context.Context, id string, failure string) (*models.Task, error) {
	return s.finishTask(ctx, id, models.TaskFailed, "analysis failed", failure)
}

func (s *PostgresStore) MarkCancelled(ctx context.Context, id string, message string) (*models.Task, error) {
	return s.finishTask(ctx, id, models.TaskCancelled, message, "")
}

// finishTask moves a live task into a terminal state. The state guard
// in the WHERE clause keeps terminal states absorbing.
func (s *PostgresStore) finishTask(ctx context.Context, id string, state models.TaskState, message, failure string) (*models.Task, error) {
	progress := 100
	if state != models.TaskDone {
		progress = -1 // sentinel: keep current progress
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET state = $2,
		    progress = CASE WHEN $3 >= 0 THEN $3 ELSE progress END,
		    message = $4, error = $5,
		    completed_at = now(), updated_at = now()
		WHERE id = $1 AND state NOT IN `+terminalStatesSQL+`
		RETURNING `+taskColumns, id, state, progress, message, failure)
	task, err := scanTask(row)
	if errors.Is(err, ErrNotFound) {
		// Either unknown or already terminal; disambiguate for callers.
		if _, getErr := s.GetTask(ctx, id); getErr == nil {
			return nil, ErrNotCancellable
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finish task %s as %s: %w", id, state, err)
	}
	return task, nil
}

func (s *PostgresStore) CancelQueuedTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET state = 'cancelled', message = 'cancelled before start',
		    completed_at = now(), updated_at = now()
		WHERE id = $1 AND state = 'queued'
		RETURNING `+taskColumns, id)
	task, err := scanTask(row)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetTask(ctx, id); getErr == nil {
			return nil, ErrNotCancellable
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cancel queued task %s: %w", id, err)
	}
	return task, nil
}

func (s *PostgresStore) FailAbandonedTasks(ctx context.Context, updatedBefore time.Time, failure string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE tasks
		SET state = 'failed', error = $2, message = 'abandoned',
		    completed_at = now(), updated_at = now()
		WHERE state NOT IN `+terminalStatesSQL+` AND updated_at < $1
		RETURNING `+taskColumns, updatedBefore, failure)
	if err != nil {
		return nil, fmt.Errorf("fail abandoned tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *PostgresStore) RequeueInFlightTasks(ctx context.Context, message string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE tasks
		SET state = 'queued', progress = 0, message = $1,
		    worker_id = '', started_at = NULL, updated_at = now()
		WHERE state NOT IN ('queued', 'done', 'failed', 'cancelled')
		RETURNING `+taskColumns, message)
	if err != nil {
		return nil, fmt.Errorf("requeue in-flight tasks: %w", err)
	}
	return collectTasks(rows)
}

// --- results ---

const resultColumns = `task_id, issue_id, problem_type, problem_type_en, root_cause,
	root_cause_en, confidence, confidence_reason, key_evidence, user_reply, user_reply_en,
	needs_engineer, requires_more_info, next_steps, fix_suggestion, matched_rule_id,
	agent_name, raw_transcript, created_at`

func (s *PostgresStore) SaveResult(ctx context.Context, result *models.AnalysisResult) error {
	if result.TaskID == "" {
		return NewValidationError("task_id", "required")
	}
	evidence, err := json.Marshal(result.KeyEvidence)
	if err != nil {
		return fmt.Errorf("marshal key evidence: %w", err)
	}
	steps, err := json.Marshal(result.NextSteps)
	if err != nil {
		return fmt.Errorf("marshal next steps: %w", err)
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}

	// Results are immutable; a second save for the same task is a bug
	// upstream and surfaces as a constraint violation.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results (task_id, issue_id, problem_type, problem_type_en, root_cause,
			root_cause_en, confidence, confidence_reason, key_evidence, user_reply,
			user_reply_en, needs_engineer, requires_more_info, next_steps, fix_suggestion,
			matched_rule_id, agent_name, raw_transcript, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		result.TaskID, result.IssueID, result.ProblemType, result.ProblemTypeEN, result.RootCause,
		result.RootCauseEN, result.Confidence, result.ConfidenceReason, evidence, result.UserReply,
		result.UserReplyEN, result.NeedsEngineer, result.RequiresMoreInfo, steps, result.FixSuggestion,
		result.MatchedRuleID, result.AgentName, result.RawTranscript, result.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert result for task %s: %w", result.TaskID, err)
	}
	return nil
}

func (s *PostgresStore) GetResult(ctx context.Context, taskID string) (*models.AnalysisResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM results WHERE task_id = $1`, taskID)
	return scanResult(row)
}

func (s *PostgresStore) LatestResultForIssue(ctx context.Context, issueID string) (*models.AnalysisResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+resultColumns+` FROM results
		WHERE issue_id = $1
		ORDER BY created_at DESC LIMIT 1`, issueID)
	return scanResult(row)
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (*models.Issue, error) {
	var (
		issue     models.Issue
		artifacts []byte
	)
	err := row.Scan(&issue.RecordID, &issue.Description, &issue.Priority, &issue.DeviceSN,
		&issue.Firmware, &issue.AppVersion, &issue.Platform, &issue.Category, &issue.Source,
		&issue.TicketRef, &issue.TrackerRef, &issue.WebhookURL, &issue.CreatedBy,
		&artifacts, &issue.SoftDeleted, &issue.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan issue: %w", err)
	}
	if err := json.Unmarshal(artifacts, &issue.LogArtifacts); err != nil {
		return nil, fmt.Errorf("decode log artifacts for %s: %w", issue.RecordID, err)
	}
	return &issue, nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	err := row.Scan(&task.ID, &task.IssueID, &task.State, &task.Progress, &task.Message,
		&task.Error, &task.Priority, &task.RequestedAgent, &task.RequestedBy, &task.WorkerID,
		&task.CreatedAt, &task.UpdatedAt, &task.StartedAt, &task.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return &task, nil
}

func scanResult(row rowScanner) (*models.AnalysisResult, error) {
	var (
		result   models.AnalysisResult
		evidence []byte
		steps    []byte
	)
	err := row.Scan(&result.TaskID, &result.IssueID, &result.ProblemType, &result.ProblemTypeEN,
		&result.RootCause, &result.RootCauseEN, &result.Confidence, &result.ConfidenceReason,
		&evidence, &result.UserReply, &result.UserReplyEN, &result.NeedsEngineer,
		&result.RequiresMoreInfo, &steps, &result.FixSuggestion, &result.MatchedRuleID,
		&result.AgentName, &result.RawTranscript, &result.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan result: %w", err)
	}
	if err := json.Unmarshal(evidence, &result.KeyEvidence); err != nil {
		return nil, fmt.Errorf("decode key evidence: %w", err)
	}
	if err := json.Unmarshal(steps, &result.NextSteps); err != nil {
		return nil, fmt.Errorf("decode next steps: %w", err)
	}
	return &result, nil
}

func collectTasks(rows *sql.Rows) ([]*models.Task, error) {
	defer rows.Close()
	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}

func newPage[T any](items []T, total, page, pageSize int) *models.Page[T] {
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	return &models.Page[T]{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}
}
