package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/nicebuild/jarvis/pkg/models"
)

// listIssuesHandler handles GET /api/v1/issues.
func (s *Server) listIssuesHandler(c *echo.Context) error {
	params := models.IssueListParams{Page: 1, PageSize: 25}

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
	params.CreatedBy = c.QueryParam("created_by")
	params.Platform = c.QueryParam("platform")
	params.Category = c.QueryParam("category")
	params.Source = c.QueryParam("source")
	params.IncludeDeleted = c.QueryParam("include_deleted") == "true"
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

	page, err := s.store.ListIssues(c.Request().Context(), params)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, page)
}

// getIssueHandler handles GET /api/v1/issues/:id.
func (s *Server) getIssueHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "issue id is required")
	}
	issue, err := s.store.GetIssue(c.Request().Context(), id)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, issue)
}

// deleteIssueHandler handles DELETE /api/v1/issues/:id. Soft delete:
// the issue disappears from listings but direct lookups keep working
// until retention purges it.
func (s *Server) deleteIssueHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "issue id is required")
	}
	if err := s.store.SoftDeleteIssue(c.Request().Context(), id); err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "deleted"})
}

// latestIssueResultHandler handles GET /api/v1/issues/:id/result. It
// returns the newest verdict across all of the issue's tasks.
func (s *Server) latestIssueResultHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "issue id is required")
	}
	result, err := s.store.LatestResultForIssue(c.Request().Context(), id)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// escalateIssueHandler handles POST /api/v1/issues/:id/escalate. Sends
// the escalation card to the engineering chat channel regardless of
// what the automated verdict said.
func (s *Server) escalateIssueHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "issue id is required")
	}
	var req EscalateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	issue, err := s.store.GetIssue(ctx, id)
	if err != nil {
		return mapStoreError(err)
	}
	// Best effort: an issue without a finished analysis can still be
	// escalated, the card just carries no verdict.
	result, _ := s.store.LatestResultForIssue(ctx, id)

	reason := req.Reason
	if reason == "" {
		reason = "manual escalation"
	}
	if s.cfg.Notify.ChatWebhookURL == "" {
		return c.JSON(http.StatusOK, StatusResponse{Status: "noop", Message: "no chat webhook configured"})
	}
	s.notifier.Escalate(ctx, issue, result, reason)
	return c.JSON(http.StatusOK, StatusResponse{Status: "sent"})
}
