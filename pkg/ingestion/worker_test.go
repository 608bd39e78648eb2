package ingestion

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/errkind"
	"github.com/chatmesh/chatmesh/pkg/models"
	"github.com/chatmesh/chatmesh/pkg/store"
	"github.com/chatmesh/chatmesh/pkg/stream"
	"github.com/chatmesh/chatmesh/pkg/vectorstore"
)

// fakeObjects serves asset bytes from memory.
type fakeObjects map[string][]byte

func (f fakeObjects) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := f[key]
	if !ok {
		return nil, errkind.Newf(errkind.Transient, "object %s not found", key)
	}
	return data, nil
}

// fakeEmbedder returns a deterministic vector per text so search results are
// stable.
type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		var sum float32
		for _, r := range t {
			sum += float32(r)
		}
		out[i] = []float32{sum, float32(len(t)), 1}
	}
	return out, nil
}

func testIngestionConfig() config.IngestionConfig {
	return config.IngestionConfig{
		WorkerCount:       1,
		MaxAttempts:       3,
		VisibilityTimeout: time.Minute,
		PollInterval:      10 * time.Millisecond,
		ChunkMaxTokens:    64,
		ChunkOverlap:      8,
		EmbedBatchSize:    4,
		OrphanScanEvery:   time.Minute,
	}
}

func mockAssetStore(t *testing.T) (*store.AssetStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewAssetStore(sqlx.NewDb(db, "pgx")), mock
}

func testWorker(t *testing.T, objects fakeObjects, vectors vectorstore.Store) (*Worker, sqlmock.Sqlmock) {
	t.Helper()
	assets, mock := mockAssetStore(t)
	w := NewWorker(assets, objects, &fakeEmbedder{}, vectors, nil, nil,
		"worker-test", testIngestionConfig(), slog.Default())
	return w, mock
}

func testAsset(objectKey string) *models.KnowledgeAsset {
	return &models.KnowledgeAsset{
		ID:         "asset-1",
		TenantID:   "tenant-1",
		BrandID:    "brand-1",
		ObjectKey:  objectKey,
		Title:      "Shipping FAQ",
		Tags:       models.StringList{"faq"},
		Visibility: "public",
		Status:     models.AssetPending,
	}
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		key     string
		want    format
		wantErr bool
	}{
		{"t/b/a/abc.md", formatMarkdown, false},
		{"t/b/a/abc.markdown", formatMarkdown, false},
		{"t/b/a/abc.txt", formatText, false},
		{"t/b/a/abc.html", formatHTML, false},
		{"t/b/a/abc.pdf", formatPDF, false},
		{"t/b/a/abc.exe", "", true},
		{"t/b/a/abc", "", true},
	}
	for _, tt := range tests {
		got, err := detectFormat(tt.key)
		if tt.wantErr {
			require.Error(t, err, tt.key)
			assert.False(t, errkind.Retryable(err), "format errors are permanent")
			continue
		}
		require.NoError(t, err, tt.key)
		assert.Equal(t, tt.want, got, tt.key)
	}
}

func TestExtractHTML(t *testing.T) {
	data := []byte(`<html><head><style>body{}</style><script>alert(1)</script></head>
		<body><h1>Returns</h1><p>You have 30 days.</p><p>Keep the receipt.</p></body></html>`)

	text, err := extractText(formatHTML, data)
	require.NoError(t, err)
	assert.Contains(t, text, "Returns")
	assert.Contains(t, text, "You have 30 days.")
	assert.NotContains(t, text, "alert(1)")
	assert.NotContains(t, text, "body{}")
}

func TestExtractTextRejectsInvalidUTF8(t *testing.T) {
	_, err := extractText(formatText, []byte{0xff, 0xfe, 0xfd})
	require.Error(t, err)
	assert.False(t, errkind.Retryable(err))
}

func TestSplitChunksSingle(t *testing.T) {
	chunks := splitChunks("One short paragraph.", 512, 64)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "One short paragraph.", chunks[0].Text)
}

func TestSplitChunksParagraphBoundaries(t *testing.T) {
	para := strings.Repeat("word ", 30)
	text := strings.TrimSpace(para) + "\n\n" + strings.TrimSpace(para) + "\n\n" + strings.TrimSpace(para)

	chunks := splitChunks(text, 40, 0)
	require.Greater(t, len(chunks), 1, "three 37-token paragraphs cannot fit one 40-token chunk")
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.NotEmpty(t, c.Text)
	}
}

func TestSplitChunksOverlap(t *testing.T) {
	a := strings.Repeat("alpha ", 25)
	b := strings.Repeat("beta ", 25)
	tail := "short tail"
	text := strings.TrimSpace(a) + "\n\n" + tail + "\n\n" + strings.TrimSpace(b)

	chunks := splitChunks(text, 48, 16)
	require.Greater(t, len(chunks), 1)
	assert.Contains(t, chunks[1].Text, tail, "overlap carries the trailing paragraph forward")
}

func TestSplitChunksOversizedParagraph(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("supercalifragilistic ", 200))

	chunks := splitChunks(text, 64, 0)
	require.Greater(t, len(chunks), 1)
}

func TestSplitChunksEmpty(t *testing.T) {
	assert.Nil(t, splitChunks("   \n\n  ", 512, 64))
}

func TestIngestUpsertsChunks(t *testing.T) {
	doc := "How long does shipping take?\n\nStandard shipping takes 3 to 5 business days.\n\n" +
		"Can I return an item?\n\nYes, within 30 days of delivery."
	objects := fakeObjects{"tenant-1/brand-1/asset-1/abc.md": []byte(doc)}
	vectors := vectorstore.NewMemory()
	w, mock := testWorker(t, objects, vectors)
	mock.ExpectExec("UPDATE ingestion_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE ingestion_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	asset := testAsset("tenant-1/brand-1/asset-1/abc.md")
	job := &models.IngestionJob{ID: "job-1", AssetID: asset.ID, TenantID: asset.TenantID}

	total, err := w.ingest(context.Background(), job, asset)
	require.NoError(t, err)
	assert.Equal(t, 1, total, "a short doc fits one chunk")

	query, err := w.embedder.Embed(context.Background(), []string{doc})
	require.NoError(t, err)
	hits, err := vectors.Search(context.Background(), "tenant-1", "brand-1", query[0], 10, nil)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "asset-1", hits[0].AssetID)
	assert.Equal(t, []string{"faq"}, hits[0].Tags)
}

func TestIngestReplacesPreviousVectors(t *testing.T) {
	objects := fakeObjects{"tenant-1/brand-1/asset-1/abc.md": []byte("Original content here.")}
	vectors := vectorstore.NewMemory()
	w, mock := testWorker(t, objects, vectors)
	for i := 0; i < 4; i++ {
		mock.ExpectExec("UPDATE ingestion_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	}

	asset := testAsset("tenant-1/brand-1/asset-1/abc.md")
	job := &models.IngestionJob{ID: "job-1", AssetID: asset.ID, TenantID: asset.TenantID}

	_, err := w.ingest(context.Background(), job, asset)
	require.NoError(t, err)
	_, err = w.ingest(context.Background(), job, asset)
	require.NoError(t, err)

	query, err := w.embedder.Embed(context.Background(), []string{"Original content here."})
	require.NoError(t, err)
	hits, err := vectors.Search(context.Background(), "tenant-1", "brand-1", query[0], 10, nil)
	require.NoError(t, err)
	assert.Len(t, hits, 1, "re-ingestion replaces instead of accumulating")
}

func TestIngestUnsupportedFormatIsPermanent(t *testing.T) {
	objects := fakeObjects{"tenant-1/brand-1/asset-1/abc.exe": []byte("binary")}
	w, _ := testWorker(t, objects, vectorstore.NewMemory())

	asset := testAsset("tenant-1/brand-1/asset-1/abc.exe")
	job := &models.IngestionJob{ID: "job-1", AssetID: asset.ID, TenantID: asset.TenantID}

	_, err := w.ingest(context.Background(), job, asset)
	require.Error(t, err)
	assert.False(t, errkind.Retryable(err))
}

func TestIngestMissingObjectIsTransient(t *testing.T) {
	w, _ := testWorker(t, fakeObjects{}, vectorstore.NewMemory())

	asset := testAsset("tenant-1/brand-1/asset-1/abc.md")
	job := &models.IngestionJob{ID: "job-1", AssetID: asset.ID, TenantID: asset.TenantID}

	_, err := w.ingest(context.Background(), job, asset)
	require.Error(t, err)
	assert.True(t, errkind.Retryable(err))
}

func TestFailRequeuesWithinBudget(t *testing.T) {
	w, mock := testWorker(t, fakeObjects{}, vectorstore.NewMemory())
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ingestion_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job := &models.IngestionJob{ID: "job-1", AssetID: "asset-1", TenantID: "tenant-1", Attempts: 1}
	w.fail(context.Background(), job, errkind.Newf(errkind.Transient, "embedding provider down"), slog.Default())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailTerminalPastBudget(t *testing.T) {
	w, mock := testWorker(t, fakeObjects{}, vectorstore.NewMemory())
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ingestion_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE knowledge_assets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job := &models.IngestionJob{ID: "job-1", AssetID: "asset-1", TenantID: "tenant-1", Attempts: 3}
	w.fail(context.Background(), job, errkind.Newf(errkind.Transient, "embedding provider down"), slog.Default())

	assert.NoError(t, mock.ExpectationsWereMet())
}

// recordingBus captures event-bus publishes.
type recordingBus struct{ byStream map[string][]any }

func (b *recordingBus) Publish(_ context.Context, streamName string, v any) (string, error) {
	if b.byStream == nil {
		b.byStream = make(map[string][]any)
	}
	b.byStream[streamName] = append(b.byStream[streamName], v)
	return "1-0", nil
}

func TestFailTerminalEmitsEventAndDeadLetters(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	streams := stream.NewClientFromRedis(rdb)

	assets, mock := mockAssetStore(t)
	bus := &recordingBus{}
	w := NewWorker(assets, fakeObjects{}, &fakeEmbedder{}, vectorstore.NewMemory(),
		streams, bus, "worker-test", testIngestionConfig(), slog.Default())

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ingestion_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE knowledge_assets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job := &models.IngestionJob{ID: "job-1", AssetID: "asset-1", TenantID: "tenant-1", Attempts: 3}
	w.fail(context.Background(), job, errkind.Newf(errkind.Permanent, "document does not parse"), slog.Default())

	events := bus.byStream[stream.EventBusStream]
	require.Len(t, events, 1)
	ev := events[0].(models.DomainEvent)
	assert.Equal(t, models.EventIngestionFailed, ev.Type)
	assert.Equal(t, "tenant-1", ev.TenantID)
	assert.Equal(t, "job-1", ev.Payload["job_id"])
	assert.Equal(t, "asset-1", ev.Payload["asset_id"])

	dlqLen, err := rdb.XLen(context.Background(), stream.IngestionStream+stream.DLQSuffix).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlqLen, "terminal failures park the job payload for replay")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailRequeueDoesNotDeadLetter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	streams := stream.NewClientFromRedis(rdb)

	assets, mock := mockAssetStore(t)
	bus := &recordingBus{}
	w := NewWorker(assets, fakeObjects{}, &fakeEmbedder{}, vectorstore.NewMemory(),
		streams, bus, "worker-test", testIngestionConfig(), slog.Default())

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ingestion_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job := &models.IngestionJob{ID: "job-1", AssetID: "asset-1", TenantID: "tenant-1", Attempts: 1}
	w.fail(context.Background(), job, errkind.Newf(errkind.Transient, "embedding provider down"), slog.Default())

	assert.Empty(t, bus.byStream[stream.EventBusStream])
	dlqLen, err := rdb.XLen(context.Background(), stream.IngestionStream+stream.DLQSuffix).Result()
	require.NoError(t, err)
	assert.Zero(t, dlqLen)
}
