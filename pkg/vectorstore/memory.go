package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/chatmesh/chatmesh/pkg/models"
)

// Memory is an in-process Store used by tests and local development. It
// mirrors the namespace isolation and cosine scoring of the Milvus backend.
type Memory struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]models.VectorRecord // collection -> id -> record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{namespaces: make(map[string]map[string]models.VectorRecord)}
}

// Upsert stores records, replacing rows with matching IDs.
func (m *Memory) Upsert(_ context.Context, tenantID, brandID string, records []models.VectorRecord) error {
	coll := CollectionName(tenantID, brandID)
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[coll]
	if !ok {
		ns = make(map[string]models.VectorRecord)
		m.namespaces[coll] = ns
	}
	for _, r := range records {
		ns[r.ID] = r
	}
	return nil
}

// Search scores every record in the namespace by cosine similarity.
func (m *Memory) Search(_ context.Context, tenantID, brandID string, vector []float32, topK int, filters map[string]string) ([]ScoredRecord, error) {
	coll := CollectionName(tenantID, brandID)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ScoredRecord
	for _, r := range m.namespaces[coll] {
		if v, ok := filters["visibility"]; ok && r.Visibility != v {
			continue
		}
		if a, ok := filters["asset_id"]; ok && r.AssetID != a {
			continue
		}
		out = append(out, ScoredRecord{VectorRecord: r, Score: cosine(vector, r.Vector)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// DeleteAsset removes the asset's chunks from the namespace.
func (m *Memory) DeleteAsset(_ context.Context, tenantID, brandID, assetID string) error {
	coll := CollectionName(tenantID, brandID)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.namespaces[coll] {
		if r.AssetID == assetID {
			delete(m.namespaces[coll], id)
		}
	}
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
