// Automation worker — schedules cron rules, matches domain events against
// event rules, and dispatches queued jobs through the action connectors.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/chatmesh/chatmesh/pkg/automation"
	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/database"
	"github.com/chatmesh/chatmesh/pkg/store"
	"github.com/chatmesh/chatmesh/pkg/stream"
	"github.com/chatmesh/chatmesh/pkg/version"
)

func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if host := os.Getenv("HOSTNAME"); host != "" {
		return host
	}
	return "local"
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}
	logger := slog.Default()

	podID := resolvePodID()
	logger.Info("Starting automation worker", "version", version.Component("automation"), "pod_id", podID)

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	db, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Error closing database", "error", err)
		}
	}()
	logger.Info("Connected to PostgreSQL database")

	bus, err := stream.NewClient(ctx, cfg.Redis.EventBusURL)
	if err != nil {
		logger.Error("Failed to connect to event bus", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	rules := store.NewAutomationStore(db.DB)
	connectors := automation.NewConnectorRegistry(&http.Client{Timeout: cfg.Automation.ConnectorTimeout}, cfg.Automation, logger)

	scheduler := automation.NewScheduler(rules, cfg.Automation, logger)
	matcher := automation.NewMatcher(rules, bus, podID, logger)
	dispatcher := automation.NewDispatcher(rules, connectors, podID, cfg.Automation, logger)

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for name, run := range map[string]func(context.Context) error{
		"scheduler":  scheduler.Run,
		"matcher":    matcher.Run,
		"dispatcher": dispatcher.Run,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(runCtx); err != nil && runCtx.Err() == nil {
				logger.Error("Automation loop stopped", "loop", name, "error", err)
			}
		}()
	}
	logger.Info("Automation worker started", "worker_count", cfg.Automation.WorkerCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("Shutdown signal received", "signal", sig)

	// Jobs interrupted mid-claim stay leased until the visibility timeout
	// lapses, then another replica picks them up.
	cancel()
	wg.Wait()
	logger.Info("Shutdown complete")
}
