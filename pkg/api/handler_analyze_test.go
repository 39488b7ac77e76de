package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multipartUpload(t *testing.T, fields map[string]string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for name, content := range files {
		fw, err := w.CreateFormFile("log_files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestAnalyzeHandler(t *testing.T) {
	t.Run("uploads land on disk and become path artifacts", func(t *testing.T) {
		s, st, _ := newTestServer(t, nil)

		body, contentType := multipartUpload(t,
			map[string]string{"description": "recording missing after sync", "priority": "H"},
			map[string]string{"device.log": "2025-03-01 sync abort code=7\n"})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		var resp TaskAdmissionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.True(t, resp.Admitted)

		issue, err := st.GetIssue(context.Background(), resp.IssueID)
		require.NoError(t, err)
		require.Len(t, issue.LogArtifacts, 1)
		art := issue.LogArtifacts[0]
		assert.Equal(t, "device.log", art.Name)
		assert.Empty(t, art.Token)

		data, err := os.ReadFile(art.Path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "sync abort")
	})

	t.Run("description-only submission is accepted", func(t *testing.T) {
		s, st, _ := newTestServer(t, nil)

		body, contentType := multipartUpload(t, map[string]string{"description": "device reboots randomly"}, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		var resp TaskAdmissionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		issue, err := st.GetIssue(context.Background(), resp.IssueID)
		require.NoError(t, err)
		assert.Empty(t, issue.LogArtifacts)
	})

	t.Run("webhook_url is carried onto the issue", func(t *testing.T) {
		s, st, _ := newTestServer(t, nil)

		body, contentType := multipartUpload(t,
			map[string]string{
				"description": "sync stuck at 99%",
				"webhook_url": "https://caller.example.com/done",
			},
			map[string]string{"app.log": "sync stall\n"})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		var resp TaskAdmissionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		issue, err := st.GetIssue(context.Background(), resp.IssueID)
		require.NoError(t, err)
		assert.Equal(t, "https://caller.example.com/done", issue.WebhookURL)
	})

	t.Run("path traversal in file name is neutralized", func(t *testing.T) {
		s, st, _ := newTestServer(t, nil)

		body, contentType := multipartUpload(t,
			map[string]string{"description": "x"},
			map[string]string{"../../etc/passwd": "nope"})

		req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code)

		var resp TaskAdmissionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		issue, err := st.GetIssue(context.Background(), resp.IssueID)
		require.NoError(t, err)
		require.Len(t, issue.LogArtifacts, 1)
		assert.Equal(t, "passwd", issue.LogArtifacts[0].Name)
		assert.Contains(t, issue.LogArtifacts[0].Path, s.uploadsDir)
	})
}

func TestAgentHealthHandler(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health/agents", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	// codex is down in the fake prober, so the surface degrades.
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Checks["claude_code"].Status)
	assert.Equal(t, "1.0.44 (Claude Code)", resp.Checks["claude_code"].Version)
	assert.Equal(t, "unhealthy", resp.Checks["codex"].Status)
	assert.Empty(t, resp.Checks["codex"].Version)
}
