package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/chatmesh/chatmesh/pkg/models"
)

// AssetStore owns knowledge assets and their ingestion jobs.
type AssetStore struct {
	db *sqlx.DB
}

// NewAssetStore creates an AssetStore.
func NewAssetStore(db *sqlx.DB) *AssetStore {
	return &AssetStore{db: db}
}

// FindBySHA returns an existing asset with identical content in the same
// (tenant, brand), used to make re-uploads idempotent.
func (s *AssetStore) FindBySHA(ctx context.Context, tenantID, brandID, sha string) (*models.KnowledgeAsset, error) {
	var a models.KnowledgeAsset
	err := s.db.GetContext(ctx, &a, `
		SELECT * FROM knowledge_assets
		WHERE tenant_id = $1 AND brand_id = $2 AND sha256 = $3
		ORDER BY created_at DESC LIMIT 1`,
		tenantID, brandID, sha)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find asset by sha: %w", err)
	}
	return &a, nil
}

// CreateWithJob inserts the asset (status pending), its queued ingestion
// job, and the upload audit row in one transaction.
func (s *AssetStore) CreateWithJob(ctx context.Context, asset *models.KnowledgeAsset, audit *models.AuditEntry) (*models.IngestionJob, error) {
	now := time.Now()
	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	asset.Status = models.AssetPending
	asset.CreatedAt = now
	asset.UpdatedAt = now

	job := &models.IngestionJob{
		ID:        uuid.NewString(),
		AssetID:   asset.ID,
		TenantID:  asset.TenantID,
		Status:    models.JobQueued,
		CreatedAt: now,
	}

	err := WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO knowledge_assets (id, tenant_id, brand_id, object_key, sha256, title, tags, visibility, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
			asset.ID, asset.TenantID, asset.BrandID, asset.ObjectKey, asset.SHA256,
			asset.Title, asset.Tags, asset.Visibility, asset.Status, now)
		if err != nil {
			return fmt.Errorf("failed to insert asset: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ingestion_jobs (id, asset_id, tenant_id, status, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			job.ID, job.AssetID, job.TenantID, job.Status, now)
		if err != nil {
			return fmt.Errorf("failed to insert ingestion job: %w", err)
		}
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetAsset loads an asset scoped to its tenant.
func (s *AssetStore) GetAsset(ctx context.Context, tenantID, assetID string) (*models.KnowledgeAsset, error) {
	var a models.KnowledgeAsset
	err := s.db.GetContext(ctx, &a,
		`SELECT * FROM knowledge_assets WHERE id = $1 AND tenant_id = $2`, assetID, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load asset: %w", err)
	}
	return &a, nil
}

// SetAssetStatus updates the asset status. Transitions are forward-only
// except failed→pending, enforced at the call sites that own the lifecycle.
func (s *AssetStore) SetAssetStatus(ctx context.Context, assetID string, status models.AssetStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE knowledge_assets SET status = $2, updated_at = $3 WHERE id = $1`,
		assetID, status, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set asset status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimNextJob atomically claims the oldest queued ingestion job using
// FOR UPDATE SKIP LOCKED, marking it running with the claimer recorded.
func (s *AssetStore) ClaimNextJob(ctx context.Context, workerID string) (*models.IngestionJob, error) {
	var job models.IngestionJob
	err := WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &job, `
			SELECT * FROM ingestion_jobs
			WHERE status = 'queued'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoJobsAvailable
		}
		if err != nil {
			return fmt.Errorf("failed to query queued job: %w", err)
		}

		now := time.Now()
		return tx.GetContext(ctx, &job, `
			UPDATE ingestion_jobs
			SET status = 'running', attempts = attempts + 1, claimed_by = $2,
			    started_at = $3, heartbeat_at = $3
			WHERE id = $1
			RETURNING *`,
			job.ID, workerID, now)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Heartbeat extends the job's visibility window.
func (s *AssetStore) Heartbeat(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET heartbeat_at = $2 WHERE id = $1 AND status = 'running'`,
		jobID, time.Now())
	if err != nil {
		return fmt.Errorf("heartbeat update failed: %w", err)
	}
	return nil
}

// UpdateProgress advances processed_chunks (and total_chunks once known).
// processed may never exceed total; the CHECK is done here rather than in
// the schema so partial counts during streaming remain visible.
func (s *AssetStore) UpdateProgress(ctx context.Context, jobID string, processed, total int) error {
	if total > 0 && processed > total {
		return fmt.Errorf("%w: processed %d > total %d", ErrInvalidTransition, processed, total)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET processed_chunks = $2, total_chunks = GREATEST(total_chunks, $3) WHERE id = $1`,
		jobID, processed, total)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// CompleteJob marks the job succeeded and the asset ready.
func (s *AssetStore) CompleteJob(ctx context.Context, jobID, assetID string, totalChunks int) error {
	return WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		now := time.Now()
		_, err := tx.ExecContext(ctx, `
			UPDATE ingestion_jobs
			SET status = 'succeeded', total_chunks = $2, processed_chunks = $2, completed_at = $3
			WHERE id = $1`,
			jobID, totalChunks, now)
		if err != nil {
			return fmt.Errorf("failed to complete job: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE knowledge_assets SET status = 'ready', updated_at = $2 WHERE id = $1`,
			assetID, now)
		if err != nil {
			return fmt.Errorf("failed to mark asset ready: %w", err)
		}
		return nil
	})
}

// FailJob records a failure. When requeue is true (transient error with
// retry budget left) the job returns to queued; otherwise it is terminal
// and the asset is marked failed.
func (s *AssetStore) FailJob(ctx context.Context, jobID, assetID, reason string, requeue bool) error {
	return WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		now := time.Now()
		if requeue {
			_, err := tx.ExecContext(ctx, `
				UPDATE ingestion_jobs
				SET status = 'queued', failure_reason = $2, claimed_by = NULL, heartbeat_at = NULL,
				    logs = logs || to_jsonb($2::text)
				WHERE id = $1`,
				jobID, reason)
			if err != nil {
				return fmt.Errorf("failed to requeue job: %w", err)
			}
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE ingestion_jobs
			SET status = 'failed', failure_reason = $2, completed_at = $3,
			    logs = logs || to_jsonb($2::text)
			WHERE id = $1`,
			jobID, reason, now)
		if err != nil {
			return fmt.Errorf("failed to fail job: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE knowledge_assets SET status = 'failed', updated_at = $2 WHERE id = $1`,
			assetID, now)
		if err != nil {
			return fmt.Errorf("failed to mark asset failed: %w", err)
		}
		return nil
	})
}

// RetryJob explicitly retries a failed job: attempts reset, status queued,
// asset back to pending. The only allowed backward transition.
func (s *AssetStore) RetryJob(ctx context.Context, tenantID, jobID string) (*models.IngestionJob, error) {
	var job models.IngestionJob
	err := WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &job, `
			UPDATE ingestion_jobs
			SET status = 'queued', attempts = 0, failure_reason = NULL,
			    processed_chunks = 0, claimed_by = NULL, heartbeat_at = NULL,
			    started_at = NULL, completed_at = NULL
			WHERE id = $1 AND tenant_id = $2 AND status = 'failed'
			RETURNING *`,
			jobID, tenantID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to retry job: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE knowledge_assets SET status = 'pending', updated_at = $2 WHERE id = $1`,
			job.AssetID, time.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// RecoverOrphans requeues running jobs whose heartbeat is older than the
// visibility timeout. Returns the number of jobs recovered.
func (s *AssetStore) RecoverOrphans(ctx context.Context, visibilityTimeout time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ingestion_jobs
		SET status = 'queued', claimed_by = NULL, heartbeat_at = NULL
		WHERE status = 'running' AND heartbeat_at < $1`,
		time.Now().Add(-visibilityTimeout))
	if err != nil {
		return 0, fmt.Errorf("orphan recovery failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetJob loads a job scoped to its tenant.
func (s *AssetStore) GetJob(ctx context.Context, tenantID, jobID string) (*models.IngestionJob, error) {
	var job models.IngestionJob
	err := s.db.GetContext(ctx, &job,
		`SELECT * FROM ingestion_jobs WHERE id = $1 AND tenant_id = $2`, jobID, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return &job, nil
}

// ListJobs returns a page of the tenant's ingestion jobs, newest first.
func (s *AssetStore) ListJobs(ctx context.Context, tenantID string, page, pageSize int) ([]models.IngestionJob, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT count(*) FROM ingestion_jobs WHERE tenant_id = $1`, tenantID); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	var out []models.IngestionJob
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM ingestion_jobs
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		tenantID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	return out, total, nil
}
