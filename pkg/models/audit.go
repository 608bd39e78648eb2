package models

import "time"

// Audit action names used across components.
const (
	AuditSignatureMismatch = "auth.signature_mismatch"
	AuditJWTRejected       = "auth.jwt_rejected"
	AuditPolicyPublished   = "policy.published"
	AuditPolicyDrafted     = "policy.drafted"
	AuditAssetUploaded     = "knowledge_asset.uploaded"
	AuditRuleMutated       = "automation_rule.mutated"
	AuditSecretRotated     = "channel.secret_rotated"
	AuditRetrievalUpdated  = "retrieval_config.updated"
	AuditOutboundFailed    = "outbound.failed"
	AuditIngestionFailed   = "ingestion.failed"
	AuditEscalation        = "conversation.escalated"
)

// AuditEntry records an admin mutation or a security-relevant event.
type AuditEntry struct {
	ID            string    `db:"id" json:"id"`
	TenantID      string    `db:"tenant_id" json:"tenant_id"`
	Actor         string    `db:"actor" json:"actor"`
	Action        string    `db:"action" json:"action"`
	Detail        JSONMap   `db:"detail" json:"detail,omitempty"`
	CorrelationID string    `db:"correlation_id" json:"correlation_id"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}
