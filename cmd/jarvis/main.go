// Jarvis triage server — ingests support tickets, runs agent-driven log
// analysis, and serves the HTTP API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nicebuild/jarvis/pkg/agent"
	"github.com/nicebuild/jarvis/pkg/api"
	"github.com/nicebuild/jarvis/pkg/cleanup"
	"github.com/nicebuild/jarvis/pkg/config"
	"github.com/nicebuild/jarvis/pkg/database"
	"github.com/nicebuild/jarvis/pkg/events"
	"github.com/nicebuild/jarvis/pkg/extract"
	"github.com/nicebuild/jarvis/pkg/notify"
	"github.com/nicebuild/jarvis/pkg/pipeline"
	"github.com/nicebuild/jarvis/pkg/queue"
	"github.com/nicebuild/jarvis/pkg/rules"
	"github.com/nicebuild/jarvis/pkg/store"
	"github.com/nicebuild/jarvis/pkg/version"
	"github.com/nicebuild/jarvis/pkg/workspace"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	slog.Info("Starting jarvis",
		"version", version.Full(),
		"http_port", httpPort,
		"config_dir", *configDir)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 1. Initialize configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database and store
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	logger := slog.Default()
	st := store.NewPostgresStore(dbClient.DB(), logger)

	// 3. Rule catalog (+ hot reload when enabled)
	catalog, err := rules.NewCatalog(cfg.Rules.Dir, logger)
	if err != nil {
		slog.Error("Failed to load rule catalog", "dir", cfg.Rules.Dir, "error", err)
		os.Exit(1)
	}
	if cfg.Rules.Watch {
		watcher, werr := rules.NewWatcher(catalog, logger)
		if werr != nil {
			slog.Error("Failed to start rules watcher", "error", werr)
			os.Exit(1)
		}
		go watcher.Run(ctx)
	}

	// 4. Progress bus and websocket manager
	bus := events.NewBus(logger)
	connMgr := events.NewConnectionManager(bus, 10*time.Second, logger)

	// 5. Outbound integrations
	notifier := notify.New(cfg.Notify, logger)
	tracker := notify.NewTrackerClient(cfg.Tracker, logger)

	// 6. Agent registry
	registry := agent.NewRegistry(cfg.Agent, logger)
	slog.Info("Agent registry initialized", "providers", registry.Describe())

	// 7. Analysis pipeline
	resolver := workspace.NewHTTPResolver(cfg.Storage.ArtifactBaseURL)
	materializer := workspace.NewMaterializer(resolver, logger)
	extractor := extract.New(cfg.Extract, logger)
	executor := pipeline.NewExecutor(cfg, st, catalog, extractor, materializer,
		registry, bus, notifier, tracker, logger)

	// 8. Worker pool — runs startup recovery before claiming begins
	pool := queue.NewPool(cfg.Queue, st, executor, bus, logger)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 9. Retention sweeper
	sweeper := cleanup.NewService(cfg.Retention, st, bus, cfg.Storage.WorkspaceDir, logger)
	go sweeper.Run(ctx)

	// 10. HTTP server (non-blocking)
	httpServer := api.NewServer(cfg, dbClient, st, catalog, registry, pool,
		bus, connMgr, notifier, tracker, logger)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("jarvis started successfully", "workers", cfg.Queue.WorkerCount)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: stop intake, drain workers, stop HTTP
	stop()

	done := make(chan struct{})
	go func() {
		pool.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-time.After(cfg.Queue.GracefulShutdownTimeout.D() + 30*time.Second):
		slog.Warn("Shutdown timeout exceeded — in-flight tasks will be requeued on restart")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
