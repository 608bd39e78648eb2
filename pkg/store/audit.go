package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/chatmesh/chatmesh/pkg/models"
)

// AuditStore appends audit entries. Every admin mutation and every
// security-relevant rejection writes one.
type AuditStore struct {
	db *sqlx.DB
}

// NewAuditStore creates an AuditStore.
func NewAuditStore(db *sqlx.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Insert appends an audit entry outside any caller transaction.
func (s *AuditStore) Insert(ctx context.Context, entry *models.AuditEntry) error {
	return insertAuditExec(ctx, s.db, entry)
}

// insertAudit appends an audit entry inside tx.
func insertAudit(ctx context.Context, tx *sqlx.Tx, entry *models.AuditEntry) error {
	return insertAuditExec(ctx, tx, entry)
}

// InsertAuditTx appends an audit entry inside a caller-owned transaction.
func InsertAuditTx(ctx context.Context, tx *sqlx.Tx, entry *models.AuditEntry) error {
	return insertAuditExec(ctx, tx, entry)
}

func insertAuditExec(ctx context.Context, ex sqlx.ExecerContext, entry *models.AuditEntry) error {
	if entry == nil {
		return nil
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO audit_entries (id, tenant_id, actor, action, detail, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.TenantID, entry.Actor, entry.Action, entry.Detail, entry.CorrelationID, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}
