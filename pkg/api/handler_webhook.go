package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/nicebuild/jarvis/pkg/models"
	"github.com/nicebuild/jarvis/pkg/store"
)

// trackerWebhookHandler handles POST /api/v1/webhooks/tracker. The
// project tracker calls it on issue and comment events; analysis starts
// only when the trigger keyword appears. Authenticated by HMAC
// signature, not the API key.
func (s *Server) trackerWebhookHandler(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}

	if !s.tracker.VerifySignature(body, c.Request().Header.Get("X-Tracker-Signature")) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook signature")
	}

	var ev trackerEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event payload")
	}
	if ev.Issue.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "event has no issue id")
	}

	// The trigger may sit in the new comment or in the issue body.
	triggered := s.tracker.HasTrigger(ev.Comment.Body) ||
		s.tracker.HasTrigger(ev.Issue.Title) ||
		s.tracker.HasTrigger(ev.Issue.Description)
	if !triggered {
		return c.JSON(http.StatusOK, StatusResponse{Status: "ignored", Message: "no trigger keyword"})
	}

	ctx := c.Request().Context()
	issue, err := s.store.FindIssueByTrackerRef(ctx, ev.Issue.ID)
	if errors.Is(err, store.ErrNotFound) {
		issue = &models.Issue{
			RecordID:    "trk-" + ev.Issue.ID,
			Description: ev.Issue.Title + "\n\n" + ev.Issue.Description,
			Priority:    "L",
			Source:      models.SourceTracker,
			TrackerRef:  ev.Issue.ID,
			CreatedBy:   ev.Comment.Author,
			CreatedAt:   time.Now().UTC(),
		}
		if cerr := s.store.CreateIssue(ctx, issue); cerr != nil {
			return mapStoreError(cerr)
		}
	} else if err != nil {
		return mapStoreError(err)
	}

	resp, aerr := s.admit(ctx, issue, "", ev.Comment.Author)
	if aerr != nil {
		return aerr
	}
	s.logger.Info("tracker webhook accepted",
		"tracker_ref", ev.Issue.ID, "task_id", resp.TaskID, "admitted", resp.Admitted)

	status := http.StatusAccepted
	if !resp.Admitted {
		status = http.StatusOK
	}
	return c.JSON(status, resp)
}
