package models

import (
	"fmt"
	"time"
)

// AssetStatus is the lifecycle state of a knowledge asset. Transitions are
// forward-only except failed→pending on an explicit retry.
type AssetStatus string

// Knowledge asset statuses.
const (
	AssetPending    AssetStatus = "pending"
	AssetProcessing AssetStatus = "processing"
	AssetReady      AssetStatus = "ready"
	AssetFailed     AssetStatus = "failed"
)

// AssetStatusValidator reports whether s is a known asset status.
func AssetStatusValidator(s AssetStatus) error {
	switch s {
	case AssetPending, AssetProcessing, AssetReady, AssetFailed:
		return nil
	default:
		return fmt.Errorf("invalid asset status: %q", s)
	}
}

// KnowledgeAsset is an uploaded knowledge object awaiting or past ingestion.
// ObjectKey addresses the raw bytes in object storage:
// <tenant_id>/<brand_id>/<asset_id>/<sha256>.<ext>. Content addressing makes
// re-uploads of identical bytes idempotent.
type KnowledgeAsset struct {
	ID         string      `db:"id" json:"id"`
	TenantID   string      `db:"tenant_id" json:"tenant_id"`
	BrandID    string      `db:"brand_id" json:"brand_id"`
	ObjectKey  string      `db:"object_key" json:"object_key"`
	SHA256     string      `db:"sha256" json:"sha256"`
	Title      string      `db:"title" json:"title"`
	Tags       StringList  `db:"tags" json:"tags,omitempty"`
	Visibility string      `db:"visibility" json:"visibility"`
	Status     AssetStatus `db:"status" json:"status"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time   `db:"updated_at" json:"updated_at"`
}

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

// Ingestion job statuses. Terminal states are final; an explicit retry
// creates a fresh queued state with attempts reset.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// JobStatusValidator reports whether s is a known job status.
func JobStatusValidator(s JobStatus) error {
	switch s {
	case JobQueued, JobRunning, JobSucceeded, JobFailed, JobCancelled:
		return nil
	default:
		return fmt.Errorf("invalid job status: %q", s)
	}
}

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// IngestionJob tracks the chunk/embed/upsert pipeline run for one asset.
// processed_chunks ≤ total_chunks at every observation.
type IngestionJob struct {
	ID              string     `db:"id" json:"id"`
	AssetID         string     `db:"asset_id" json:"asset_id"`
	TenantID        string     `db:"tenant_id" json:"tenant_id"`
	Status          JobStatus  `db:"status" json:"status"`
	Attempts        int        `db:"attempts" json:"attempts"`
	TotalChunks     int        `db:"total_chunks" json:"total_chunks"`
	ProcessedChunks int        `db:"processed_chunks" json:"processed_chunks"`
	FailureReason   *string    `db:"failure_reason" json:"failure_reason,omitempty"`
	Logs            StringList `db:"logs" json:"logs,omitempty"`
	ClaimedBy       *string    `db:"claimed_by" json:"claimed_by,omitempty"`
	HeartbeatAt     *time.Time `db:"heartbeat_at" json:"heartbeat_at,omitempty"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// VectorRecord is one embedded chunk owned by the vector store namespace
// (tenant_id, brand_id).
type VectorRecord struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	BrandID    string    `json:"brand_id"`
	AssetID    string    `json:"asset_id"`
	ChunkIndex int       `json:"chunk_index"`
	ChunkText  string    `json:"chunk_text"`
	Vector     []float32 `json:"-"`
	Tags       []string  `json:"tags,omitempty"`
	Visibility string    `json:"visibility,omitempty"`
}
