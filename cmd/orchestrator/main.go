// Orchestrator server — accepts normalized inbound messages from the
// gateway, runs the reply pipeline, and serves the tenant admin API.
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

	"github.com/chatmesh/chatmesh/pkg/auth"
	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/database"
	"github.com/chatmesh/chatmesh/pkg/llm"
	"github.com/chatmesh/chatmesh/pkg/objectstore"
	"github.com/chatmesh/chatmesh/pkg/orchestrator"
	"github.com/chatmesh/chatmesh/pkg/policy"
	"github.com/chatmesh/chatmesh/pkg/retrieval"
	"github.com/chatmesh/chatmesh/pkg/store"
	"github.com/chatmesh/chatmesh/pkg/stream"
	"github.com/chatmesh/chatmesh/pkg/vectorstore"
	"github.com/chatmesh/chatmesh/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}
	logger := slog.Default()

	httpPort := getEnv("ORCHESTRATOR_HTTP_PORT", "8081")
	logger.Info("Starting orchestrator", "version", version.Component("orchestrator"), "http_port", httpPort)

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

	ingestStreams, err := stream.NewClient(ctx, cfg.Redis.IngestQueueURL)
	if err != nil {
		logger.Error("Failed to connect to ingest queue", "error", err)
		os.Exit(1)
	}
	defer ingestStreams.Close()

	objects, err := objectstore.New(ctx, objectstore.Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		Bucket:    cfg.ObjectStore.Bucket,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Region:    cfg.ObjectStore.Region,
	}, logger)
	if err != nil {
		logger.Error("Failed to initialize object store", "error", err)
		os.Exit(1)
	}

	vectors, err := vectorstore.NewMilvus(ctx, cfg.VectorStore.URL, cfg.VectorStore.APIKey, cfg.VectorStore.Dimension, logger)
	if err != nil {
		logger.Error("Failed to connect to vector store", "error", err)
		os.Exit(1)
	}
	defer vectors.Close()

	embedder, err := llm.NewEmbedder(llm.EmbedderConfig{
		Provider:    cfg.Embedding.Provider,
		APIKey:      cfg.Embedding.APIKey,
		PrimaryURL:  cfg.Embedding.PrimaryURL,
		FallbackURL: cfg.Embedding.FallbackURL,
		Model:       cfg.Embedding.Model,
		BatchSize:   cfg.Embedding.BatchSize,
	}, logger)
	if err != nil {
		logger.Error("Failed to initialize embedder", "error", err)
		os.Exit(1)
	}

	generator, err := llm.NewClient(llm.Config{
		ProviderURL:   cfg.LLM.ProviderURL,
		APIKey:        cfg.LLM.APIKey,
		Model:         cfg.LLM.Model,
		FallbackModel: cfg.LLM.FallbackModel,
		Timeout:       cfg.LLM.Timeout,
		MaxRetries:    cfg.LLM.MaxRetries,
	}, logger)
	if err != nil {
		logger.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}

	tokens, err := auth.NewTokenService(cfg.AdminAuth.JWTSecret, cfg.AdminAuth.Issuer, cfg.AdminAuth.Audience, cfg.AdminAuth.TokenTTL)
	if err != nil {
		logger.Error("Failed to initialize admin auth", "error", err)
		os.Exit(1)
	}

	channels := store.NewChannelStore(db.DB)
	conversations := store.NewConversationStore(db.DB)
	policies := store.NewPolicyStore(db.DB)
	assets := store.NewAssetStore(db.DB)
	automations := store.NewAutomationStore(db.DB)
	audits := store.NewAuditStore(db.DB)

	resolver := policy.NewResolver(policies, cfg.Pipeline.PolicyCacheTTL, logger)
	retriever := retrieval.New(vectors, embedder, logger)
	deduper := stream.NewDeduper(streams.Redis(), "dedup:inbound", cfg.Pipeline.DedupTTL)

	pipeline := orchestrator.NewPipeline(db.DB, conversations, policies, audits,
		resolver, retriever, generator, deduper, streams, cfg.Pipeline, logger)

	server := orchestrator.NewServer(orchestrator.ServerDeps{
		Pipeline:      pipeline,
		DB:            db,
		Channels:      channels,
		Conversations: conversations,
		Policies:      policies,
		Assets:        assets,
		Automations:   automations,
		Audits:        audits,
		Resolver:      resolver,
		Tokens:        tokens,
		Objects:       objects,
		Ingest:        ingestStreams,
		Rotations:     streams,
		PipelineCfg:   cfg.Pipeline,
		Logger:        logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(":" + httpPort); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()
	logger.Info("Orchestrator started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// Stop intake first, then let in-flight pipeline runs finish inside the
	// drain deadline.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Pipeline.DrainDeadline)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	time.Sleep(100 * time.Millisecond)
	logger.Info("Shutdown complete")
}
