// Package api exposes the HTTP surface: task submission and tracking,
// issue management, rule CRUD, the tracker webhook, and the realtime
// progress endpoints (SSE and websocket).
package api

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/nicebuild/jarvis/pkg/agent"
	"github.com/nicebuild/jarvis/pkg/config"
	"github.com/nicebuild/jarvis/pkg/database"
	"github.com/nicebuild/jarvis/pkg/events"
	"github.com/nicebuild/jarvis/pkg/notify"
	"github.com/nicebuild/jarvis/pkg/rules"
	"github.com/nicebuild/jarvis/pkg/store"
)

// uploadsDirName is the sibling of task workspaces holding multipart
// uploads; the leading underscore keeps it out of the workspace sweep.
const uploadsDirName = "_uploads"

// agentProber narrows agent.Registry to what the health surface needs.
type agentProber interface {
	Probe() map[string]agent.ProviderStatus
}

// taskCanceller aborts tasks running in this process.
type taskCanceller interface {
	Cancel(taskID string) bool
}

// Server is the HTTP API server.
type Server struct {
	cfg      *config.Config
	db       *database.Client
	store    store.Store
	catalog  *rules.Catalog
	agents   agentProber
	pool     taskCanceller
	bus      *events.Bus
	connMgr  *events.ConnectionManager
	notifier *notify.Notifier
	tracker  *notify.TrackerClient
	logger   *slog.Logger

	uploadsDir string
	echo       *echo.Echo
	http       *http.Server
}

func NewServer(
	cfg *config.Config,
	db *database.Client,
	st store.Store,
	catalog *rules.Catalog,
	agents agentProber,
	pool taskCanceller,
	bus *events.Bus,
	connMgr *events.ConnectionManager,
	notifier *notify.Notifier,
	tracker *notify.TrackerClient,
	logger *slog.Logger,
) *Server {
	s := &Server{
		cfg:        cfg,
		db:         db,
		store:      st,
		catalog:    catalog,
		agents:     agents,
		pool:       pool,
		bus:        bus,
		connMgr:    connMgr,
		notifier:   notifier,
		tracker:    tracker,
		logger:     logger.With("component", "api"),
		uploadsDir: filepath.Join(cfg.Storage.WorkspaceDir, uploadsDirName),
	}
	s.echo = s.routes()
	return s
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/health/agents", s.agentHealthHandler)
	e.GET("/ws", s.wsHandler)

	// Signature-verified, so outside the bearer-auth group.
	e.POST("/api/v1/webhooks/tracker", s.trackerWebhookHandler)

	v1 := e.Group("/api/v1")
	if s.cfg.Server.APIKey != "" {
		v1.Use(bearerAuth(s.cfg.Server.APIKey))
	}

	v1.POST("/analyze", s.analyzeHandler)
	v1.GET("/analyze/:id", s.analyzeStatusHandler)
	v1.POST("/tasks", s.createTaskHandler)
	v1.POST("/tasks/batch", s.batchCreateHandler)
	v1.GET("/tasks", s.listTasksHandler)
	v1.GET("/tasks/:id", s.getTaskHandler)
	v1.GET("/tasks/:id/stream", s.streamTaskHandler)
	v1.GET("/tasks/:id/result", s.getResultHandler)
	v1.POST("/tasks/:id/cancel", s.cancelTaskHandler)

	v1.GET("/issues", s.listIssuesHandler)
	v1.GET("/issues/:id", s.getIssueHandler)
	v1.DELETE("/issues/:id", s.deleteIssueHandler)
	v1.GET("/issues/:id/result", s.latestIssueResultHandler)
	v1.POST("/issues/:id/escalate", s.escalateIssueHandler)

	v1.GET("/rules", s.listRulesHandler)
	v1.POST("/rules", s.createRuleHandler)
	v1.GET("/rules/:id", s.getRuleHandler)
	v1.PUT("/rules/:id", s.updateRuleHandler)
	v1.DELETE("/rules/:id", s.deleteRuleHandler)
	v1.POST("/rules/reload", s.reloadRulesHandler)

	return e
}

// Start runs the HTTP server until Shutdown or a listen error.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
