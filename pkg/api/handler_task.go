package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/nicebuild/jarvis/pkg/models"
	"github.com/nicebuild/jarvis/pkg/store"
)

// sseKeepAlive is how often an idle stream emits a comment so proxies
// keep the connection open.
const sseKeepAlive = 15 * time.Second

// createTaskHandler handles POST /api/v1/tasks.
func (s *Server) createTaskHandler(c *echo.Context) error {
	var req CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	resp, err := s.submit(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	status := http.StatusAccepted
	if !resp.Admitted {
		status = http.StatusOK
	}
	return c.JSON(status, resp)
}

// batchCreateHandler handles POST /api/v1/tasks/batch. Items are
// admitted independently; one bad item does not fail the batch.
func (s *Server) batchCreateHandler(c *echo.Context) error {
	var req BatchCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Items) == 0 {
		for _, id := range req.IssueIDs {
			req.Items = append(req.Items, CreateTaskRequest{IssueID: id, AgentType: req.AgentType})
		}
	}
	if len(req.Items) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "items must not be empty")
	}

	out := BatchCreateResponse{Items: make([]BatchItemResponse, len(req.Items))}
	for i := range req.Items {
		resp, err := s.submit(c.Request().Context(), &req.Items[i])
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				out.Items[i].Error = fmt.Sprintf("%v", he.Message)
			} else {
				out.Items[i].Error = "internal server error"
			}
			continue
		}
		out.Items[i].TaskAdmissionResponse = *resp
	}
	return c.JSON(http.StatusOK, out)
}

// submit normalizes a submission into an Issue and admits a task for
// it. Resubmitting a known record re-enqueues analysis on that record.
func (s *Server) submit(ctx context.Context, req *CreateTaskRequest) (*TaskAdmissionResponse, error) {
	req.normalize()
	if strings.TrimSpace(req.Description) == "" && req.RecordID == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "description is required")
	}
	priority := req.Priority
	if priority == "" {
		priority = "L"
	}
	if priority != "H" && priority != "L" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "priority must be H or L")
	}

	var issue *models.Issue
	if req.RecordID != "" {
		existing, err := s.store.GetIssue(ctx, req.RecordID)
		switch {
		case err == nil:
			issue = existing
		case errors.Is(err, store.ErrNotFound):
			if strings.TrimSpace(req.Description) == "" {
				// The compact issue_id form only re-enqueues; it cannot
				// register an issue it knows nothing about.
				return nil, echo.NewHTTPError(http.StatusNotFound, "issue not found")
			}
			// New record id supplied by the caller, create it.
		default:
			return nil, mapStoreError(err)
		}
	}

	if issue == nil {
		recordID := req.RecordID
		if recordID == "" {
			recordID = uuid.NewString()
		}
		source := models.IssueSource(req.Source)
		if source == "" {
			source = models.SourceAPI
		}
		artifacts := make([]models.LogArtifact, len(req.Artifacts))
		for i, a := range req.Artifacts {
			artifacts[i] = models.LogArtifact{Name: a.Name, Token: a.Token, Path: a.Path, Size: a.Size}
		}
		issue = &models.Issue{
			RecordID:     recordID,
			Description:  req.Description,
			Priority:     priority,
			DeviceSN:     req.DeviceSN,
			Firmware:     req.Firmware,
			AppVersion:   req.AppVersion,
			Platform:     req.Platform,
			Category:     req.Category,
			Source:       source,
			TicketRef:    req.TicketRef,
			TrackerRef:   req.TrackerRef,
			WebhookURL:   req.WebhookURL,
			CreatedBy:    req.CreatedBy,
			CreatedAt:    time.Now().UTC(),
			LogArtifacts: artifacts,
		}
		if err := s.store.CreateIssue(ctx, issue); err != nil {
			return nil, mapStoreError(err)
		}
	}

	return s.admit(ctx, issue, req.Agent, req.CreatedBy)
}

// admit enqueues a task for the issue and publishes the queued event.
func (s *Server) admit(ctx context.Context, issue *models.Issue, agent, requestedBy string) (*TaskAdmissionResponse, error) {
	taskPriority := 0
	if issue.HighPriority() {
		taskPriority = 1
	}
	task := &models.Task{
		ID:             uuid.NewString(),
		IssueID:        issue.RecordID,
		State:          models.TaskQueued,
		Message:        "queued",
		Priority:       taskPriority,
		RequestedAgent: agent,
		RequestedBy:    requestedBy,
	}

	t, admitted, err := s.store.AdmitTask(ctx, task)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if admitted {
		s.bus.Publish(models.ProgressEvent{
			TaskID:    t.ID,
			IssueID:   t.IssueID,
			State:     t.State,
			Progress:  t.Progress,
			Message:   t.Message,
			UpdatedAt: t.UpdatedAt,
		})
		s.logger.Info("task admitted", "task_id", t.ID, "issue_id", issue.RecordID, "priority", taskPriority)
		return &TaskAdmissionResponse{
			TaskID:   t.ID,
			IssueID:  t.IssueID,
			State:    string(t.State),
			Admitted: true,
		}, nil
	}

	return &TaskAdmissionResponse{
		TaskID:   t.ID,
		IssueID:  t.IssueID,
		State:    string(t.State),
		Admitted: false,
		Message:  "issue already has an active task",
	}, nil
}

// listTasksHandler handles GET /api/v1/tasks.
func (s *Server) listTasksHandler(c *echo.Context) error {
	params := models.TaskListParams{Page: 1, PageSize: 25}

	if v := c.QueryParam("page"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			params.Page = p
		}
	}
	if v := c.QueryParam("page_size"); v != "" {
		if ps, err := strconv.Atoi(v); err == nil && ps > 0 && ps <= 100 {
			params.PageSize = ps
		}
	}
	params.IssueID = c.QueryParam("issue_id")
	if v := c.QueryParam("state"); v != "" {
		for _, st := range strings.Split(v, ",") {
			state := models.TaskState(st)
			if !state.Valid() {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid state: "+st)
			}
			params.States = append(params.States, state)
		}
	}
	if v := c.QueryParam("start_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid start_date: must be RFC3339")
		}
		params.StartDate = &t
	}
	if v := c.QueryParam("end_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid end_date: must be RFC3339")
		}
		params.EndDate = &t
	}

	page, err := s.store.ListTasks(c.Request().Context(), params)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, page)
}

// getTaskHandler handles GET /api/v1/tasks/:id. This is the poll
// endpoint; the same snapshot is pushed over SSE and WebSocket.
func (s *Server) getTaskHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	task, err := s.store.GetTask(c.Request().Context(), id)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// getResultHandler handles GET /api/v1/tasks/:id/result.
func (s *Server) getResultHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	result, err := s.store.GetResult(c.Request().Context(), id)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// cancelTaskHandler handles POST /api/v1/tasks/:id/cancel. Queued tasks
// are cancelled directly in the store; running tasks are cancelled
// through their worker's context and reach the terminal state when the
// worker observes the cancellation.
func (s *Server) cancelTaskHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	ctx := c.Request().Context()

	task, err := s.store.CancelQueuedTask(ctx, id)
	if err == nil {
		s.bus.Publish(models.ProgressEvent{
			TaskID:    task.ID,
			IssueID:   task.IssueID,
			State:     task.State,
			Progress:  task.Progress,
			Message:   task.Message,
			UpdatedAt: task.UpdatedAt,
		})
		return c.JSON(http.StatusOK, StatusResponse{Status: "cancelled"})
	}
	if !errors.Is(err, store.ErrNotCancellable) && !errors.Is(err, store.ErrInvalidTransition) {
		return mapStoreError(err)
	}

	// Not queued anymore: either running here, running elsewhere, or
	// already terminal.
	if s.pool != nil && s.pool.Cancel(id) {
		return c.JSON(http.StatusAccepted, StatusResponse{Status: "cancelling", Message: "task is running, cancellation requested"})
	}
	cur, gerr := s.store.GetTask(ctx, id)
	if gerr != nil {
		return mapStoreError(gerr)
	}
	// Cancelling an already-cancelled task is a no-op success, so
	// callers can retry without tracking whether the first call landed.
	if cur.State == models.TaskCancelled {
		return c.JSON(http.StatusOK, StatusResponse{Status: "cancelled"})
	}
	if cur.State.Terminal() {
		return mapStoreError(store.ErrNotCancellable)
	}
	return echo.NewHTTPError(http.StatusConflict, "task is not running on this instance")
}

// streamTaskHandler handles GET /api/v1/tasks/:id/stream. Server-sent
// events: retained history first, then live updates until the task
// reaches a terminal state or the client disconnects.
func (s *Server) streamTaskHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	task, err := s.store.GetTask(c.Request().Context(), id)
	if err != nil {
		return mapStoreError(err)
	}

	w := c.Response()
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	history, ch, cancel := s.bus.Subscribe(id)
	defer cancel()

	if len(history) == 0 {
		// Bus has nothing retained (restart, or task finished long ago):
		// synthesize the current snapshot so the client is not left blind.
		history = []models.ProgressEvent{{
			TaskID:    task.ID,
			IssueID:   task.IssueID,
			State:     task.State,
			Progress:  task.Progress,
			Message:   task.Message,
			Error:     task.Error,
			UpdatedAt: task.UpdatedAt,
		}}
	}
	for _, ev := range history {
		if err := writeSSE(w, ev); err != nil {
			return nil
		}
		if ev.Terminal() {
			_ = rc.Flush()
			return nil
		}
	}
	_ = rc.Flush()

	keepalive := time.NewTicker(sseKeepAlive)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return nil
			}
			_ = rc.Flush()
		case ev, open := <-ch:
			if !open {
				return nil
			}
			if err := writeSSE(w, ev); err != nil {
				return nil
			}
			_ = rc.Flush()
			if ev.Terminal() {
				return nil
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev models.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
	return err
}
