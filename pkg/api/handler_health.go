package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/nicebuild/jarvis/pkg/database"
	"github.com/nicebuild/jarvis/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's health entry.
type HealthCheck struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// healthHandler handles GET /health. Only the service's own database is
// checked; agent CLIs are reported separately under /health/agents so
// an unavailable provider never makes an orchestrator restart the
// whole service.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	pool, err := database.Health(reqCtx, s.db.DB())
	if err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{
			Status:  healthStatusHealthy,
			Message: fmt.Sprintf("ping %dms, %d/%d connections in use", pool.PingMillis, pool.InUse, pool.Open),
		}
	}

	checks["event_bus"] = HealthCheck{Status: healthStatusHealthy}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}

// agentHealthHandler handles GET /health/agents: runs `--version`
// against each configured agent CLI and reports the version it answers
// with. A missing or broken binary shows up here before the first task
// fails on it.
func (s *Server) agentHealthHandler(c *echo.Context) error {
	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	for name, st := range s.agents.Probe() {
		if st.Available {
			checks[name] = HealthCheck{Status: healthStatusHealthy, Version: st.Version}
		} else {
			status = healthStatusUnhealthy
			checks[name] = HealthCheck{Status: healthStatusUnhealthy, Message: "agent CLI not available"}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}
