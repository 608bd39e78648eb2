// Package vectorstore stores and searches embedded knowledge chunks. Each
// (tenant, brand) pair owns an isolated namespace; nothing can search across
// namespaces.
package vectorstore

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/chatmesh/chatmesh/pkg/models"
)

// ScoredRecord is a search hit with its similarity score in [0,1].
type ScoredRecord struct {
	models.VectorRecord
	Score float64
}

// Store is the vector index used by ingestion (writes) and retrieval (reads).
type Store interface {
	// Upsert writes records into the (tenantID, brandID) namespace. Records
	// keyed by an existing ID replace the previous row.
	Upsert(ctx context.Context, tenantID, brandID string, records []models.VectorRecord) error
	// Search returns up to topK nearest records by cosine similarity,
	// optionally restricted by equality filters on scalar fields.
	Search(ctx context.Context, tenantID, brandID string, vector []float32, topK int, filters map[string]string) ([]ScoredRecord, error)
	// DeleteAsset removes every chunk belonging to the asset.
	DeleteAsset(ctx context.Context, tenantID, brandID, assetID string) error
	// Close releases the connection.
	Close() error
}

// CollectionName derives the namespace collection identifier. Tenant and
// brand IDs are hashed so arbitrary identifiers map to a valid collection
// name.
func CollectionName(tenantID, brandID string) string {
	sum := sha256.Sum256([]byte(tenantID + "/" + brandID))
	return fmt.Sprintf("kb_%x", sum[:8])
}
