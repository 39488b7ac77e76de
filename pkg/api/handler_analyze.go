package api

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
)

// maxUploadFiles caps log bundles per multipart submission.
const maxUploadFiles = 10

// maxDescriptionRunes bounds free-text descriptions from uploads.
const maxDescriptionRunes = 1000

// analyzeHandler handles POST /api/v1/analyze: multipart submission
// with log bundles attached directly in the log_files field instead of
// referenced by token. Files land under the uploads directory and the
// task's artifacts point at them by path. A description-only
// submission, with no files at all, is valid.
func (s *Server) analyzeHandler(c *echo.Context) error {
	if err := c.Request().ParseMultipartForm(64 << 20); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid multipart form")
	}
	form := c.Request().MultipartForm
	defer func() { _ = form.RemoveAll() }()

	files := form.File["log_files"]
	if len(files) > maxUploadFiles {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("at most %d files per submission", maxUploadFiles))
	}

	description := c.Request().FormValue("description")
	if runes := []rune(description); len(runes) > maxDescriptionRunes {
		description = string(runes[:maxDescriptionRunes])
	}

	req := CreateTaskRequest{
		RecordID:    c.Request().FormValue("record_id"),
		Description: description,
		Priority:    c.Request().FormValue("priority"),
		DeviceSN:    c.Request().FormValue("device_sn"),
		Firmware:    c.Request().FormValue("firmware"),
		AppVersion:  c.Request().FormValue("app_version"),
		Platform:    c.Request().FormValue("platform"),
		Category:    c.Request().FormValue("category"),
		TicketRef:   c.Request().FormValue("ticket_ref"),
		WebhookURL:  c.Request().FormValue("webhook_url"),
		CreatedBy:   c.Request().FormValue("created_by"),
		Agent:       c.Request().FormValue("agent"),
		Source:      "api",
	}

	if len(files) > 0 {
		uploadDir := filepath.Join(s.uploadsDir, uuid.NewString())
		if err := os.MkdirAll(uploadDir, 0o755); err != nil {
			s.logger.Error("create upload dir", "dir", uploadDir, "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
		}

		for _, fh := range files {
			// Uploaded names are untrusted; keep the base name only.
			name := filepath.Base(fh.Filename)
			if name == "." || name == string(filepath.Separator) || name == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid file name")
			}
			dst := filepath.Join(uploadDir, name)
			if err := saveUpload(fh, dst); err != nil {
				s.logger.Error("save upload", "name", name, "error", err)
				return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}
			req.Artifacts = append(req.Artifacts, ArtifactRequest{
				Name: name,
				Path: dst,
				Size: fh.Size,
			})
		}
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

// analyzeStatusHandler handles GET /api/v1/analyze/:id: one call that
// returns the task snapshot and, once terminal, the full verdict.
// Convenience for upload clients that do not want to juggle two
// endpoints.
func (s *Server) analyzeStatusHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	ctx := c.Request().Context()

	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return mapStoreError(err)
	}
	resp := AnalyzeStatusResponse{Task: task}
	if task.State.Terminal() {
		result, rerr := s.store.GetResult(ctx, id)
		if rerr == nil {
			resp.Result = result
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func saveUpload(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return err
	}
	return out.Close()
}
