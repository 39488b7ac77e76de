package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicebuild/jarvis/pkg/config"
	"github.com/nicebuild/jarvis/pkg/models"
)

func postJSON(t *testing.T, s *Server, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateTaskHandler(t *testing.T) {
	t.Run("new submission is admitted", func(t *testing.T) {
		s, st, _ := newTestServer(t, nil)

		rec := postJSON(t, s, "/api/v1/tasks", `{"description":"device reboots during sync","priority":"H"}`, nil)
		require.Equal(t, http.StatusAccepted, rec.Code)

		var resp TaskAdmissionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Admitted)
		assert.Equal(t, "queued", resp.State)
		assert.NotEmpty(t, resp.TaskID)
		assert.NotEmpty(t, resp.IssueID)

		task, err := st.GetTask(context.Background(), resp.TaskID)
		require.NoError(t, err)
		assert.Equal(t, 1, task.Priority, "H issue should land in the high band")

		issue, err := st.GetIssue(context.Background(), resp.IssueID)
		require.NoError(t, err)
		assert.Equal(t, "device reboots during sync", issue.Description)
	})

	t.Run("duplicate live task is reported, not created", func(t *testing.T) {
		s, _, _ := newTestServer(t, nil)

		first := postJSON(t, s, "/api/v1/tasks", `{"record_id":"rec-1","description":"no audio"}`, nil)
		require.Equal(t, http.StatusAccepted, first.Code)
		var firstResp TaskAdmissionResponse
		require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))

		second := postJSON(t, s, "/api/v1/tasks", `{"record_id":"rec-1","description":"no audio"}`, nil)
		require.Equal(t, http.StatusOK, second.Code)
		var secondResp TaskAdmissionResponse
		require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))
		assert.False(t, secondResp.Admitted)
		assert.Equal(t, firstResp.TaskID, secondResp.TaskID)
	})

	t.Run("missing description is rejected", func(t *testing.T) {
		s, _, _ := newTestServer(t, nil)
		rec := postJSON(t, s, "/api/v1/tasks", `{"priority":"L"}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid priority is rejected", func(t *testing.T) {
		s, _, _ := newTestServer(t, nil)
		rec := postJSON(t, s, "/api/v1/tasks", `{"description":"x","priority":"urgent"}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestBatchCreateHandler(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	body := `{"items":[
		{"description":"battery drains overnight"},
		{"priority":"X"},
		{"description":"bluetooth drops every minute"}
	]}`
	rec := postJSON(t, s, "/api/v1/tasks/batch", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BatchCreateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 3)
	assert.True(t, resp.Items[0].Admitted)
	assert.Empty(t, resp.Items[0].Error)
	assert.NotEmpty(t, resp.Items[1].Error, "bad item fails alone")
	assert.True(t, resp.Items[2].Admitted, "items after a failure still run")
}

func TestGetTaskHandler(t *testing.T) {
	s, st, _ := newTestServer(t, nil)
	seedTask(t, st, "rec-get", "task-get")

	t.Run("known task", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/task-get", nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var task models.Task
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
		assert.Equal(t, models.TaskQueued, task.State)
	})

	t.Run("unknown task", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/nope", nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestCancelTaskHandler(t *testing.T) {
	t.Run("queued task cancels directly", func(t *testing.T) {
		s, st, pool := newTestServer(t, nil)
		seedTask(t, st, "rec-c1", "task-c1")

		rec := postJSON(t, s, "/api/v1/tasks/task-c1/cancel", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		task, err := st.GetTask(context.Background(), "task-c1")
		require.NoError(t, err)
		assert.Equal(t, models.TaskCancelled, task.State)
		assert.Empty(t, pool.cancelled, "queued cancel never touches the pool")
	})

	t.Run("running task goes through the pool", func(t *testing.T) {
		s, st, pool := newTestServer(t, nil)
		pool.result = true
		seedTask(t, st, "rec-c2", "task-c2")
		_, err := st.ClaimNextTask(context.Background(), "worker-1")
		require.NoError(t, err)

		rec := postJSON(t, s, "/api/v1/tasks/task-c2/cancel", "", nil)
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, []string{"task-c2"}, pool.cancelled)
	})

	t.Run("terminal task conflicts", func(t *testing.T) {
		s, st, _ := newTestServer(t, nil)
		seedTask(t, st, "rec-c3", "task-c3")
		_, err := st.ClaimNextTask(context.Background(), "worker-1")
		require.NoError(t, err)
		_, err = st.CompleteTask(context.Background(), "task-c3", "analysis complete")
		require.NoError(t, err)

		rec := postJSON(t, s, "/api/v1/tasks/task-c3/cancel", "", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("cancelling twice is idempotent", func(t *testing.T) {
		s, st, _ := newTestServer(t, nil)
		seedTask(t, st, "rec-c4", "task-c4")

		rec := postJSON(t, s, "/api/v1/tasks/task-c4/cancel", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = postJSON(t, s, "/api/v1/tasks/task-c4/cancel", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "cancelled", resp.Status)

		task, err := st.GetTask(context.Background(), "task-c4")
		require.NoError(t, err)
		assert.Equal(t, models.TaskCancelled, task.State)
	})
}

func TestStreamTaskHandler(t *testing.T) {
	t.Run("terminal task streams snapshot and ends", func(t *testing.T) {
		s, st, _ := newTestServer(t, nil)
		seedTask(t, st, "rec-s1", "task-s1")
		_, err := st.ClaimNextTask(context.Background(), "worker-1")
		require.NoError(t, err)
		_, err = st.CompleteTask(context.Background(), "task-s1", "analysis complete")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/task-s1/stream", nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
		body := rec.Body.String()
		assert.Contains(t, body, "event: progress")
		assert.Contains(t, body, `"state":"done"`)
	})

	t.Run("retained history replays before live events", func(t *testing.T) {
		s, st, _ := newTestServer(t, nil)
		task := seedTask(t, st, "rec-s2", "task-s2")

		for _, ev := range []models.ProgressEvent{
			{TaskID: task.ID, IssueID: task.IssueID, State: models.TaskDownloading, Progress: 10},
			{TaskID: task.ID, IssueID: task.IssueID, State: models.TaskAnalyzing, Progress: 50},
			{TaskID: task.ID, IssueID: task.IssueID, State: models.TaskDone, Progress: 100},
		} {
			s.bus.Publish(ev)
		}

		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/task-s2/stream", nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)

		body := rec.Body.String()
		down := strings.Index(body, `"state":"downloading"`)
		analyzing := strings.Index(body, `"state":"analyzing"`)
		done := strings.Index(body, `"state":"done"`)
		require.True(t, down >= 0 && analyzing >= 0 && done >= 0, "all three states streamed: %s", body)
		assert.Less(t, down, analyzing)
		assert.Less(t, analyzing, done)
	})

	t.Run("unknown task is 404", func(t *testing.T) {
		s, _, _ := newTestServer(t, nil)
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/ghost/stream", nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestBearerAuth(t *testing.T) {
	mutate := func(cfg *config.Config) { cfg.Server.APIKey = "secret-key" }

	t.Run("mutation without key is rejected", func(t *testing.T) {
		s, _, _ := newTestServer(t, mutate)
		rec := postJSON(t, s, "/api/v1/tasks", `{"description":"x"}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("mutation with key passes", func(t *testing.T) {
		s, _, _ := newTestServer(t, mutate)
		rec := postJSON(t, s, "/api/v1/tasks", `{"description":"x"}`,
			map[string]string{"Authorization": "Bearer secret-key"})
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("reads stay open", func(t *testing.T) {
		s, _, _ := newTestServer(t, mutate)
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
