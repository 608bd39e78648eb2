package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/errkind"
	"github.com/chatmesh/chatmesh/pkg/llm"
	"github.com/chatmesh/chatmesh/pkg/metrics"
	"github.com/chatmesh/chatmesh/pkg/models"
	"github.com/chatmesh/chatmesh/pkg/store"
	"github.com/chatmesh/chatmesh/pkg/stream"
	"github.com/chatmesh/chatmesh/pkg/vectorstore"
)

const nudgeGroup = "ingestion"

type objectGetter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

type eventPublisher interface {
	Publish(ctx context.Context, stream string, v any) (string, error)
}

// Worker runs the ingestion pool: claim a queued job, fetch the asset bytes,
// extract, chunk, embed, upsert, and finish the job. Claims use SKIP LOCKED;
// a heartbeat keeps the claim visible and jobs whose heartbeat lapses are
// requeued by the orphan scan.
type Worker struct {
	assets   *store.AssetStore
	objects  objectGetter
	embedder llm.Embedder
	vectors  vectorstore.Store
	streams  *stream.Client
	bus      eventPublisher
	name     string
	cfg      config.IngestionConfig
	logger   *slog.Logger

	nudge chan struct{}
}

// NewWorker creates the worker pool. name identifies this process in job
// claims.
func NewWorker(assets *store.AssetStore, objects objectGetter, embedder llm.Embedder, vectors vectorstore.Store, streams *stream.Client, bus eventPublisher, name string, cfg config.IngestionConfig, logger *slog.Logger) *Worker {
	return &Worker{
		assets:   assets,
		objects:  objects,
		embedder: embedder,
		vectors:  vectors,
		streams:  streams,
		bus:      bus,
		name:     name,
		cfg:      cfg,
		logger:   logger,
		nudge:    make(chan struct{}, 1),
	}
}

// Run starts the pool and blocks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if w.streams != nil {
		if err := w.streams.EnsureGroup(ctx, stream.IngestionStream, nudgeGroup); err != nil {
			return err
		}
		go w.consumeNudges(ctx)
	}
	go w.scanOrphans(ctx)

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-%d", w.name, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx, workerID)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.assets.ClaimNextJob(ctx, workerID)
		if errors.Is(err, store.ErrNoJobsAvailable) {
			w.idle(ctx)
			continue
		}
		if err != nil {
			w.logger.Error("Failed to claim ingestion job", "worker", workerID, "error", err)
			w.idle(ctx)
			continue
		}
		w.process(ctx, job)
	}
}

// idle waits one poll interval with jitter, or until a queue nudge arrives.
func (w *Worker) idle(ctx context.Context) {
	wait := w.cfg.PollInterval
	if w.cfg.PollJitter > 0 {
		wait += time.Duration(rand.Int63n(int64(w.cfg.PollJitter)))
	}
	select {
	case <-ctx.Done():
	case <-w.nudge:
	case <-time.After(wait):
	}
}

// consumeNudges drains upload notifications. The payload only wakes idle
// workers; the database queue is the source of truth.
func (w *Worker) consumeNudges(ctx context.Context) {
	for ctx.Err() == nil {
		msgs, err := w.streams.Fetch(ctx, stream.IngestionStream, nudgeGroup, w.name, 16, 2*time.Second)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("Failed to read ingest nudges", "error", err)
				time.Sleep(time.Second)
			}
			continue
		}
		for _, m := range msgs {
			if err := w.streams.Ack(ctx, stream.IngestionStream, nudgeGroup, m.ID); err != nil {
				w.logger.Error("Failed to ack ingest nudge", "stream_id", m.ID, "error", err)
			}
			select {
			case w.nudge <- struct{}{}:
			default:
			}
		}
	}
}

// scanOrphans periodically requeues running jobs whose heartbeat lapsed.
func (w *Worker) scanOrphans(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.OrphanScanEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.assets.RecoverOrphans(ctx, w.cfg.VisibilityTimeout)
			if err != nil {
				w.logger.Error("Orphan recovery failed", "error", err)
				continue
			}
			if n > 0 {
				w.logger.Warn("Requeued orphaned ingestion jobs", "count", n)
			}
		}
	}
}

// startHeartbeat extends the job's visibility until the returned stop func
// runs.
func (w *Worker) startHeartbeat(ctx context.Context, jobID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(w.cfg.VisibilityTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.assets.Heartbeat(hbCtx, jobID); err != nil {
					w.logger.Error("Heartbeat failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
	return cancel
}

func (w *Worker) process(ctx context.Context, job *models.IngestionJob) {
	stop := w.startHeartbeat(ctx, job.ID)
	defer stop()

	logger := w.logger.With("job_id", job.ID, "asset_id", job.AssetID, "tenant_id", job.TenantID)
	logger.Info("Processing ingestion job", "attempt", job.Attempts)

	asset, err := w.assets.GetAsset(ctx, job.TenantID, job.AssetID)
	if err != nil {
		w.fail(ctx, job, err, logger)
		return
	}
	if err := w.assets.SetAssetStatus(ctx, asset.ID, models.AssetProcessing); err != nil {
		w.fail(ctx, job, err, logger)
		return
	}

	total, err := w.ingest(ctx, job, asset)
	if err != nil {
		w.fail(ctx, job, err, logger)
		return
	}

	if err := w.assets.CompleteJob(ctx, job.ID, asset.ID, total); err != nil {
		logger.Error("Failed to complete job", "error", err)
		return
	}
	metrics.IngestionJobs.WithLabelValues("succeeded").Inc()
	logger.Info("Ingestion job succeeded", "chunks", total)

	w.publishIngested(ctx, asset, total)
}

// ingest runs extract, chunk, embed, and upsert, returning the chunk count.
// Existing vectors for the asset are removed first so re-ingestion replaces
// instead of accumulating.
func (w *Worker) ingest(ctx context.Context, job *models.IngestionJob, asset *models.KnowledgeAsset) (int, error) {
	data, err := w.objects.Get(ctx, asset.ObjectKey)
	if err != nil {
		return 0, errkind.Newf(errkind.Transient, "failed to fetch asset object: %v", err)
	}

	f, err := detectFormat(asset.ObjectKey)
	if err != nil {
		return 0, err
	}
	text, err := extractText(f, data)
	if err != nil {
		return 0, err
	}

	chunks := splitChunks(text, w.cfg.ChunkMaxTokens, w.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return 0, errkind.Newf(errkind.Permanent, "asset has no extractable text")
	}
	if err := w.assets.UpdateProgress(ctx, job.ID, 0, len(chunks)); err != nil {
		return 0, err
	}

	if err := w.vectors.DeleteAsset(ctx, asset.TenantID, asset.BrandID, asset.ID); err != nil {
		return 0, errkind.Newf(errkind.Transient, "failed to clear previous vectors: %v", err)
	}

	batchSize := w.cfg.EmbedBatchSize
	if batchSize < 1 {
		batchSize = 64
	}
	processed := 0
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := w.embedder.Embed(ctx, texts)
		if err != nil {
			return 0, err
		}

		records := make([]models.VectorRecord, len(batch))
		for i, c := range batch {
			records[i] = models.VectorRecord{
				ID:         fmt.Sprintf("%s-%d", asset.ID, c.Index),
				TenantID:   asset.TenantID,
				BrandID:    asset.BrandID,
				AssetID:    asset.ID,
				ChunkIndex: c.Index,
				ChunkText:  c.Text,
				Vector:     vectors[i],
				Tags:       asset.Tags,
				Visibility: asset.Visibility,
			}
		}
		if err := w.vectors.Upsert(ctx, asset.TenantID, asset.BrandID, records); err != nil {
			return 0, errkind.Newf(errkind.Transient, "vector upsert failed: %v", err)
		}

		processed += len(batch)
		metrics.IngestionChunks.Add(float64(len(batch)))
		if err := w.assets.UpdateProgress(ctx, job.ID, processed, len(chunks)); err != nil {
			return 0, err
		}
	}
	return processed, nil
}

// fail records the failure. Transient errors with budget left requeue the
// job; everything else is terminal and marks the asset failed.
func (w *Worker) fail(ctx context.Context, job *models.IngestionJob, cause error, logger *slog.Logger) {
	requeue := errkind.Retryable(cause) && job.Attempts < w.cfg.MaxAttempts
	outcome := "failed"
	if requeue {
		outcome = "requeued"
	}
	metrics.IngestionJobs.WithLabelValues(outcome).Inc()
	logger.Error("Ingestion job failed", "requeue", requeue, "attempt", job.Attempts, "error", cause)

	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.assets.FailJob(failCtx, job.ID, job.AssetID, cause.Error(), requeue); err != nil {
		logger.Error("Failed to record job failure", "error", err)
	}
	if !requeue {
		w.publishFailed(failCtx, job, cause, logger)
	}
}

// publishFailed emits the terminal-failure event and parks the job payload
// on the ingestion dead-letter stream for operator replay.
func (w *Worker) publishFailed(ctx context.Context, job *models.IngestionJob, cause error, logger *slog.Logger) {
	if w.bus != nil {
		_, err := w.bus.Publish(ctx, stream.EventBusStream, models.DomainEvent{
			ID:       uuid.NewString(),
			Type:     models.EventIngestionFailed,
			TenantID: job.TenantID,
			Payload: models.JSONMap{
				"job_id":   job.ID,
				"asset_id": job.AssetID,
				"attempts": job.Attempts,
				"reason":   cause.Error(),
			},
			OccurredAt: time.Now(),
		})
		if err != nil {
			logger.Error("Failed to publish ingestion failure event", "error", err)
		}
	}
	if w.streams != nil {
		_, err := w.streams.Publish(ctx, stream.IngestionStream+stream.DLQSuffix, map[string]any{
			"job_id":    job.ID,
			"asset_id":  job.AssetID,
			"tenant_id": job.TenantID,
			"attempts":  job.Attempts,
			"reason":    cause.Error(),
		})
		if err != nil {
			logger.Error("Failed to dead-letter ingestion job", "job_id", job.ID, "error", err)
		}
	}
}

func (w *Worker) publishIngested(ctx context.Context, asset *models.KnowledgeAsset, chunks int) {
	if w.bus == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, err := w.bus.Publish(pubCtx, stream.EventBusStream, models.DomainEvent{
		ID:       uuid.NewString(),
		Type:     models.EventAssetIngested,
		TenantID: asset.TenantID,
		BrandID:  asset.BrandID,
		Payload: models.JSONMap{
			"asset_id": asset.ID,
			"title":    asset.Title,
			"chunks":   chunks,
		},
		OccurredAt: time.Now(),
	})
	if err != nil {
		w.logger.Error("Failed to publish ingestion event", "asset_id", asset.ID, "error", err)
	}
}
