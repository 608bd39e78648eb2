// Ingestion worker — claims queued knowledge assets, extracts and chunks
// their text, embeds the chunks, and writes them to the vector store.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/database"
	"github.com/chatmesh/chatmesh/pkg/ingestion"
	"github.com/chatmesh/chatmesh/pkg/llm"
	"github.com/chatmesh/chatmesh/pkg/objectstore"
	"github.com/chatmesh/chatmesh/pkg/store"
	"github.com/chatmesh/chatmesh/pkg/stream"
	"github.com/chatmesh/chatmesh/pkg/vectorstore"
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
	logger.Info("Starting ingestion worker", "version", version.Component("ingestion"), "pod_id", podID)

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

	nudges, err := stream.NewClient(ctx, cfg.Redis.IngestQueueURL)
	if err != nil {
		logger.Error("Failed to connect to ingest queue", "error", err)
		os.Exit(1)
	}
	defer nudges.Close()

	bus, err := stream.NewClient(ctx, cfg.Redis.EventBusURL)
	if err != nil {
		logger.Error("Failed to connect to event bus", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	assets := store.NewAssetStore(db.DB)
	worker := ingestion.NewWorker(assets, objects, embedder, vectors, nudges, bus, podID, cfg.Ingestion, logger)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := worker.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error("Worker stopped", "error", err)
		}
	}()
	logger.Info("Ingestion worker started", "worker_count", cfg.Ingestion.WorkerCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("Shutdown signal received", "signal", sig)

	// In-flight jobs stay claimed with a live heartbeat until their loops
	// return; anything interrupted is reclaimed by the orphan scan.
	cancel()
	<-done
	logger.Info("Shutdown complete")
}
