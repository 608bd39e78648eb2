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

// PolicyStore owns policy versions and the per-tenant retrieval config.
type PolicyStore struct {
	db *sqlx.DB
}

// NewPolicyStore creates a PolicyStore.
func NewPolicyStore(db *sqlx.DB) *PolicyStore {
	return &PolicyStore{db: db}
}

// GetPublished returns the tenant's single published policy version.
func (s *PolicyStore) GetPublished(ctx context.Context, tenantID string) (*models.PolicyVersion, error) {
	var pv models.PolicyVersion
	err := s.db.GetContext(ctx, &pv,
		`SELECT * FROM policy_versions WHERE tenant_id = $1 AND status = 'published'`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load published policy: %w", err)
	}
	return &pv, nil
}

// GetVersion returns a specific policy version.
func (s *PolicyStore) GetVersion(ctx context.Context, tenantID string, version int) (*models.PolicyVersion, error) {
	var pv models.PolicyVersion
	err := s.db.GetContext(ctx, &pv,
		`SELECT * FROM policy_versions WHERE tenant_id = $1 AND version = $2`, tenantID, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load policy version: %w", err)
	}
	return &pv, nil
}

// CreateDraft inserts a new draft with the next monotonic version number.
func (s *PolicyStore) CreateDraft(ctx context.Context, tenantID string, policyJSON []byte) (*models.PolicyVersion, error) {
	var pv models.PolicyVersion
	err := WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var next int
		if err := tx.GetContext(ctx, &next,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM policy_versions WHERE tenant_id = $1`, tenantID); err != nil {
			return fmt.Errorf("failed to compute next version: %w", err)
		}
		return tx.GetContext(ctx, &pv, `
			INSERT INTO policy_versions (id, tenant_id, version, status, policy_json, created_at)
			VALUES ($1, $2, $3, 'draft', $4, $5)
			RETURNING *`,
			uuid.NewString(), tenantID, next, policyJSON, time.Now())
	})
	if err != nil {
		return nil, err
	}
	return &pv, nil
}

// Publish promotes a draft to published, archiving the previously published
// version in the same transaction. The partial unique index on
// (tenant_id) WHERE status='published' backstops the at-most-one invariant.
func (s *PolicyStore) Publish(ctx context.Context, tenantID string, version int) (*models.PolicyVersion, error) {
	var pv models.PolicyVersion
	err := WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE policy_versions SET status = 'archived' WHERE tenant_id = $1 AND status = 'published'`,
			tenantID); err != nil {
			return fmt.Errorf("failed to archive current policy: %w", err)
		}
		err := tx.GetContext(ctx, &pv, `
			UPDATE policy_versions SET status = 'published', published_at = $3
			WHERE tenant_id = $1 AND version = $2 AND status = 'draft'
			RETURNING *`,
			tenantID, version, time.Now())
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to publish policy: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &pv, nil
}

// GetRetrievalConfig loads the tenant's retrieval tunables, falling back to
// the built-in defaults when no row exists.
func (s *PolicyStore) GetRetrievalConfig(ctx context.Context, tenantID string) (*models.RetrievalConfig, error) {
	var rc models.RetrievalConfig
	err := s.db.GetContext(ctx, &rc,
		`SELECT * FROM retrieval_configs WHERE tenant_id = $1`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultRetrievalConfig(tenantID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load retrieval config: %w", err)
	}
	return &rc, nil
}

// UpdateRetrievalConfig upserts the tunables and writes the audit row in
// one transaction.
func (s *PolicyStore) UpdateRetrievalConfig(ctx context.Context, rc *models.RetrievalConfig, audit *models.AuditEntry) error {
	return WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO retrieval_configs (tenant_id, hybrid_weight, min_score, max_documents, context_budget_tokens, filters, fallback_llm, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (tenant_id) DO UPDATE SET
				hybrid_weight = EXCLUDED.hybrid_weight,
				min_score = EXCLUDED.min_score,
				max_documents = EXCLUDED.max_documents,
				context_budget_tokens = EXCLUDED.context_budget_tokens,
				filters = EXCLUDED.filters,
				fallback_llm = EXCLUDED.fallback_llm,
				updated_at = EXCLUDED.updated_at`,
			rc.TenantID, rc.HybridWeight, rc.MinScore, rc.MaxDocuments,
			rc.ContextBudgetTokens, rc.Filters, rc.FallbackLLM, time.Now())
		if err != nil {
			return fmt.Errorf("failed to upsert retrieval config: %w", err)
		}
		return insertAudit(ctx, tx, audit)
	})
}
