package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/chatmesh/chatmesh/pkg/models"
)

const vectorField = "vector"

// Milvus implements Store against a Milvus deployment. One collection per
// namespace, created lazily on first write.
type Milvus struct {
	mc        client.Client
	dimension int
	logger    *slog.Logger

	mu    sync.Mutex
	known map[string]bool // collections verified to exist and be loaded
}

// NewMilvus connects to Milvus at address.
func NewMilvus(ctx context.Context, address, apiKey string, dimension int, logger *slog.Logger) (*Milvus, error) {
	mc, err := client.NewClient(ctx, client.Config{
		Address: address,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus: %w", err)
	}
	return &Milvus{
		mc:        mc,
		dimension: dimension,
		logger:    logger,
		known:     make(map[string]bool),
	}, nil
}

// Close releases the Milvus connection.
func (m *Milvus) Close() error {
	return m.mc.Close()
}

func (m *Milvus) ensureCollection(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.known[name] {
		return nil
	}

	exists, err := m.mc.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", name, err)
	}
	if !exists {
		schema := entity.NewSchema().WithName(name).
			WithField(entity.NewField().WithName("id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(64).WithIsPrimaryKey(true)).
			WithField(entity.NewField().WithName("asset_id").WithDataType(entity.FieldTypeVarChar).WithMaxLength(64)).
			WithField(entity.NewField().WithName("chunk_index").WithDataType(entity.FieldTypeInt64)).
			WithField(entity.NewField().WithName("chunk_text").WithDataType(entity.FieldTypeVarChar).WithMaxLength(8192)).
			WithField(entity.NewField().WithName("tags").WithDataType(entity.FieldTypeVarChar).WithMaxLength(1024)).
			WithField(entity.NewField().WithName("visibility").WithDataType(entity.FieldTypeVarChar).WithMaxLength(32)).
			WithField(entity.NewField().WithName(vectorField).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(m.dimension)))
		if err := m.mc.CreateCollection(ctx, schema, 1); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}
		idx, err := entity.NewIndexHNSW(entity.COSINE, 16, 200)
		if err != nil {
			return fmt.Errorf("failed to build index spec: %w", err)
		}
		if err := m.mc.CreateIndex(ctx, name, vectorField, idx, false); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", name, err)
		}
		m.logger.Info("Created vector collection", "collection", name, "dimension", m.dimension)
	}
	if err := m.mc.LoadCollection(ctx, name, false); err != nil {
		return fmt.Errorf("failed to load collection %s: %w", name, err)
	}
	m.known[name] = true
	return nil
}

// Upsert writes records into the namespace collection.
func (m *Milvus) Upsert(ctx context.Context, tenantID, brandID string, records []models.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	coll := CollectionName(tenantID, brandID)
	if err := m.ensureCollection(ctx, coll); err != nil {
		return err
	}

	n := len(records)
	ids := make([]string, n)
	assetIDs := make([]string, n)
	chunkIdx := make([]int64, n)
	texts := make([]string, n)
	tags := make([]string, n)
	visibility := make([]string, n)
	vectors := make([][]float32, n)
	for i, r := range records {
		ids[i] = r.ID
		assetIDs[i] = r.AssetID
		chunkIdx[i] = int64(r.ChunkIndex)
		texts[i] = r.ChunkText
		raw, _ := json.Marshal(r.Tags)
		tags[i] = string(raw)
		visibility[i] = r.Visibility
		vectors[i] = r.Vector
	}

	_, err := m.mc.Upsert(ctx, coll, "",
		entity.NewColumnVarChar("id", ids),
		entity.NewColumnVarChar("asset_id", assetIDs),
		entity.NewColumnInt64("chunk_index", chunkIdx),
		entity.NewColumnVarChar("chunk_text", texts),
		entity.NewColumnVarChar("tags", tags),
		entity.NewColumnVarChar("visibility", visibility),
		entity.NewColumnFloatVector(vectorField, m.dimension, vectors),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %d records into %s: %w", n, coll, err)
	}
	return nil
}

// Search runs a cosine similarity query within the namespace.
func (m *Milvus) Search(ctx context.Context, tenantID, brandID string, vector []float32, topK int, filters map[string]string) ([]ScoredRecord, error) {
	coll := CollectionName(tenantID, brandID)
	exists, err := m.mc.HasCollection(ctx, coll)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection %s: %w", coll, err)
	}
	if !exists {
		return nil, nil
	}
	if err := m.ensureCollection(ctx, coll); err != nil {
		return nil, err
	}

	sp, err := entity.NewIndexHNSWSearchParam(64)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	results, err := m.mc.Search(ctx, coll, nil, buildExpr(filters),
		[]string{"id", "asset_id", "chunk_index", "chunk_text", "tags", "visibility"},
		[]entity.Vector{entity.FloatVector(vector)}, vectorField, entity.COSINE, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", coll, err)
	}

	var out []ScoredRecord
	for _, res := range results {
		for i := 0; i < res.ResultCount; i++ {
			rec := ScoredRecord{Score: float64(res.Scores[i])}
			rec.TenantID = tenantID
			rec.BrandID = brandID
			rec.ID = columnString(res.Fields.GetColumn("id"), i)
			rec.AssetID = columnString(res.Fields.GetColumn("asset_id"), i)
			rec.ChunkText = columnString(res.Fields.GetColumn("chunk_text"), i)
			rec.Visibility = columnString(res.Fields.GetColumn("visibility"), i)
			if col := res.Fields.GetColumn("chunk_index"); col != nil {
				if v, err := col.GetAsInt64(i); err == nil {
					rec.ChunkIndex = int(v)
				}
			}
			if raw := columnString(res.Fields.GetColumn("tags"), i); raw != "" {
				_ = json.Unmarshal([]byte(raw), &rec.Tags)
			}
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// DeleteAsset drops every chunk belonging to the asset.
func (m *Milvus) DeleteAsset(ctx context.Context, tenantID, brandID, assetID string) error {
	coll := CollectionName(tenantID, brandID)
	exists, err := m.mc.HasCollection(ctx, coll)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", coll, err)
	}
	if !exists {
		return nil
	}
	expr := fmt.Sprintf(`asset_id == "%s"`, assetID)
	if err := m.mc.Delete(ctx, coll, "", expr); err != nil {
		return fmt.Errorf("failed to delete asset %s chunks: %w", assetID, err)
	}
	return nil
}

func buildExpr(filters map[string]string) string {
	if len(filters) == 0 {
		return ""
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s == "%s"`, k, filters[k]))
	}
	return strings.Join(parts, " && ")
}

func columnString(col entity.Column, i int) string {
	if col == nil {
		return ""
	}
	v, err := col.GetAsString(i)
	if err != nil {
		return ""
	}
	return v
}
