package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nicebuild/jarvis/pkg/rules"
	"github.com/nicebuild/jarvis/pkg/store"
)

// mapStoreError maps store-layer errors to HTTP error responses.
func mapStoreError(err error) *echo.HTTPError {
	var validErr *store.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, store.ErrNotCancellable) {
		return echo.NewHTTPError(http.StatusConflict, "task is not in a cancellable state")
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		return echo.NewHTTPError(http.StatusConflict, "task state does not allow this operation")
	}

	// Unexpected error
	slog.Error("Unexpected store error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// mapCatalogError maps rule catalog errors to HTTP error responses.
// Catalog validation failures carry actionable messages, so they are
// passed through on 400.
func mapCatalogError(err error) *echo.HTTPError {
	if errors.Is(err, rules.ErrRuleNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "rule not found")
	}
	if errors.Is(err, rules.ErrRuleExists) {
		return echo.NewHTTPError(http.StatusConflict, "rule already exists")
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
