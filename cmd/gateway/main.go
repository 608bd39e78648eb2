// Gateway server — terminates channel webhooks, normalizes inbound payloads,
// forwards them to the orchestrator, and drives outbound delivery.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/database"
	"github.com/chatmesh/chatmesh/pkg/gateway"
	"github.com/chatmesh/chatmesh/pkg/models"
	"github.com/chatmesh/chatmesh/pkg/store"
	"github.com/chatmesh/chatmesh/pkg/stream"
	"github.com/chatmesh/chatmesh/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID picks a stable consumer name for the outbound stream group so
// pending entries survive restarts of the same replica.
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

	httpPort := getEnv("GATEWAY_HTTP_PORT", "8080")
	podID := resolvePodID()
	logger.Info("Starting gateway", "version", version.Component("gateway"), "http_port", httpPort, "pod_id", podID)

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

	streams, err := stream.NewClient(ctx, cfg.Redis.OutboundStreamURL)
	if err != nil {
		logger.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer streams.Close()

	channels := store.NewChannelStore(db.DB)
	audits := store.NewAuditStore(db.DB)

	forwarder := gateway.NewForwarder(cfg.Gateway, audits, logger)
	server := gateway.NewServer(channels, audits, forwarder, cfg.Gateway, logger)

	adapterClient := &http.Client{Timeout: cfg.Gateway.AdapterTimeout}
	adapters := gateway.AdapterRegistry{
		models.ChannelWeb:       gateway.NewWebAdapter(adapterClient, logger),
		models.ChannelTelegram:  gateway.NewTelegramAdapter(adapterClient, logger),
		models.ChannelWhatsApp:  gateway.NewWhatsAppAdapter(adapterClient, logger),
		models.ChannelInstagram: gateway.NewInstagramAdapter(adapterClient, logger),
	}
	outbound := gateway.NewOutboundWorker(streams, channels, audits, adapters, podID, cfg.Gateway, logger)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	forwarder.Start(workerCtx)
	go func() {
		if err := outbound.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Outbound worker stopped", "error", err)
		}
	}()
	// Secret rotations announced by the orchestrator evict cached channel
	// credentials immediately instead of waiting out the cache TTL.
	go func() {
		err := streams.SubscribeRotations(workerCtx, func(n stream.RotationNotice) {
			server.InvalidateChannel(n.ChannelType, n.ChannelID)
			outbound.InvalidateChannel(n.ChannelID)
			logger.Info("Dropped cached credentials after rotation",
				"channel_type", n.ChannelType, "channel_id", n.ChannelID)
		})
		if err != nil && workerCtx.Err() == nil {
			logger.Error("Rotation subscription stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(":" + httpPort); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()
	logger.Info("Gateway started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// Stop accepting webhooks before the workers so nothing new lands in the
	// forward buffer. Unacked outbound entries are reclaimed on restart.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	stopWorkers()
	forwarder.Wait()
	logger.Info("Shutdown complete")
}
