package models

import (
	"fmt"
	"time"
)

// PolicyStatus is the lifecycle state of a policy version.
type PolicyStatus string

// Policy version statuses. At most one version per tenant is published at
// any time; a published version is immutable.
const (
	PolicyDraft     PolicyStatus = "draft"
	PolicyPublished PolicyStatus = "published"
	PolicyArchived  PolicyStatus = "archived"
)

// PolicyStatusValidator reports whether s is a known policy status.
func PolicyStatusValidator(s PolicyStatus) error {
	switch s {
	case PolicyDraft, PolicyPublished, PolicyArchived:
		return nil
	default:
		return fmt.Errorf("invalid policy status: %q", s)
	}
}

// PolicyVersion is one immutable-once-published revision of a tenant's
// conversation policy. Version numbers are monotonic per tenant.
type PolicyVersion struct {
	ID          string       `db:"id" json:"id"`
	TenantID    string       `db:"tenant_id" json:"tenant_id"`
	Version     int          `db:"version" json:"version"`
	Status      PolicyStatus `db:"status" json:"status"`
	PolicyJSON  []byte       `db:"policy_json" json:"policy_json"`
	PublishedAt *time.Time   `db:"published_at" json:"published_at,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
}

// RetrievalConfig holds the per-tenant retrieval tunables. 1:1 with Tenant;
// mutations are transactional with an audit row.
type RetrievalConfig struct {
	TenantID            string     `db:"tenant_id" json:"tenant_id"`
	HybridWeight        float64    `db:"hybrid_weight" json:"hybrid_weight"`
	MinScore            float64    `db:"min_score" json:"min_score"`
	MaxDocuments        int        `db:"max_documents" json:"max_documents"`
	ContextBudgetTokens int        `db:"context_budget_tokens" json:"context_budget_tokens"`
	Filters             JSONMap    `db:"filters" json:"filters,omitempty"`
	FallbackLLM         string     `db:"fallback_llm" json:"fallback_llm,omitempty"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// DefaultRetrievalConfig returns the built-in retrieval defaults used when a
// tenant has no explicit configuration row.
func DefaultRetrievalConfig(tenantID string) *RetrievalConfig {
	return &RetrievalConfig{
		TenantID:            tenantID,
		HybridWeight:        0.7,
		MinScore:            0.35,
		MaxDocuments:        8,
		ContextBudgetTokens: 2048,
	}
}
