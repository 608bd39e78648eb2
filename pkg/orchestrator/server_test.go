package orchestrator

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmesh/chatmesh/pkg/auth"
	"github.com/chatmesh/chatmesh/pkg/policy"
	"github.com/chatmesh/chatmesh/pkg/store"
	"github.com/chatmesh/chatmesh/pkg/stream"
)

type recordingObjects struct {
	keys []string
}

func (o *recordingObjects) Put(_ context.Context, key string, _ []byte, _ string) error {
	o.keys = append(o.keys, key)
	return nil
}

type adminHarness struct {
	server  *Server
	mock    sqlmock.Sqlmock
	objects *recordingObjects
	ingest  *recordingBus
	token   string
}

func newAdminHarness(t *testing.T) *adminHarness {
	t.Helper()
	dbRaw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { dbRaw.Close() })
	db := sqlx.NewDb(dbRaw, "pgx")

	tokens, err := auth.NewTokenService("admin-secret", "chatmesh", "chatmesh-admin", time.Hour)
	require.NoError(t, err)
	token, err := tokens.Issue("ops", "", auth.ScopePlatformAdmin)
	require.NoError(t, err)

	objects := &recordingObjects{}
	ingest := &recordingBus{}
	srv := NewServer(ServerDeps{
		Channels:      store.NewChannelStore(db),
		Conversations: store.NewConversationStore(db),
		Policies:      store.NewPolicyStore(db),
		Assets:        store.NewAssetStore(db),
		Automations:   store.NewAutomationStore(db),
		Audits:        store.NewAuditStore(db),
		Resolver:      policy.NewResolver(&fakeVersions{}, time.Minute, slog.Default()),
		Tokens:        tokens,
		Objects:       objects,
		Ingest:        ingest,
		PipelineCfg:   testPipelineConfig(),
		Logger:        slog.Default(),
	})
	return &adminHarness{server: srv, mock: mock, objects: objects, ingest: ingest, token: token}
}

func (h *adminHarness) do(method, target string, body any) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			panic(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token)
	rec := httptest.NewRecorder()
	h.server.echo.ServeHTTP(rec, req)
	return rec
}

func TestAdminRoutesRequireToken(t *testing.T) {
	h := newAdminHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/ingestion_jobs?tenant_id=tenant-1", nil)
	rec := httptest.NewRecorder()
	h.server.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminUploadKnowledgeAssetCreates(t *testing.T) {
	h := newAdminHarness(t)
	h.mock.ExpectQuery("SELECT \\* FROM knowledge_assets").
		WillReturnError(sql.ErrNoRows)
	h.mock.ExpectBegin()
	h.mock.ExpectExec("INSERT INTO knowledge_assets").
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec("INSERT INTO ingestion_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	rec := h.do(http.MethodPost, "/admin/knowledge_assets/upload", map[string]any{
		"tenant_id": "tenant-1",
		"brand_id":  "brand-1",
		"filename":  "returns-faq.md",
		"content":   base64.StdEncoding.EncodeToString([]byte("# Returns\nAccepted within 30 days.")),
		"tags":      []string{"faq"},
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NoError(t, h.mock.ExpectationsWereMet())
	require.Len(t, h.objects.keys, 1)
	assert.Contains(t, h.objects.keys[0], "tenant-1/brand-1/")
	assert.Contains(t, h.objects.keys[0], ".md")
	require.Len(t, h.ingest.byStream[stream.IngestionStream], 1)

	var resp struct {
		Asset struct {
			Title      string `json:"title"`
			Visibility string `json:"visibility"`
		} `json:"asset"`
		Job struct {
			Status string `json:"status"`
		} `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "returns-faq.md", resp.Asset.Title)
	assert.Equal(t, "internal", resp.Asset.Visibility)
	assert.Equal(t, "queued", resp.Job.Status)
}

func TestAdminUploadKnowledgeAssetDedupes(t *testing.T) {
	h := newAdminHarness(t)
	now := time.Now()
	h.mock.ExpectQuery("SELECT \\* FROM knowledge_assets").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "brand_id", "object_key", "sha256", "title",
			"tags", "visibility", "status", "created_at", "updated_at",
		}).AddRow("asset-1", "tenant-1", "brand-1", "tenant-1/brand-1/asset-1/abc.md", "abc",
			"returns-faq.md", []byte(`[]`), "internal", "ready", now, now))

	rec := h.do(http.MethodPost, "/admin/knowledge_assets/upload", map[string]any{
		"tenant_id": "tenant-1",
		"brand_id":  "brand-1",
		"filename":  "returns-faq.md",
		"content":   base64.StdEncoding.EncodeToString([]byte("# Returns\nAccepted within 30 days.")),
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, h.objects.keys, "identical bytes must not be re-stored")
	assert.Empty(t, h.ingest.byStream, "no new ingestion run for identical bytes")
}

func TestAdminUploadKnowledgeAssetByObjectKey(t *testing.T) {
	h := newAdminHarness(t)
	h.mock.ExpectBegin()
	h.mock.ExpectExec("INSERT INTO knowledge_assets").
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec("INSERT INTO ingestion_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	rec := h.do(http.MethodPost, "/admin/knowledge_assets/upload", map[string]any{
		"tenant_id":  "tenant-1",
		"brand_id":   "brand-1",
		"filename":   "catalog.pdf",
		"object_key": "tenant-1/brand-1/prestaged/catalog.pdf",
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NoError(t, h.mock.ExpectationsWereMet())
	assert.Empty(t, h.objects.keys, "pre-staged objects are not re-uploaded")
}

func TestAdminUploadKnowledgeAssetRejectsAmbiguousBody(t *testing.T) {
	h := newAdminHarness(t)

	rec := h.do(http.MethodPost, "/admin/knowledge_assets/upload", map[string]any{
		"tenant_id":  "tenant-1",
		"brand_id":   "brand-1",
		"filename":   "catalog.pdf",
		"content":    base64.StdEncoding.EncodeToString([]byte("x")),
		"object_key": "tenant-1/brand-1/prestaged/catalog.pdf",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminUploadKnowledgeAssetRejectsUnknownExtension(t *testing.T) {
	h := newAdminHarness(t)

	rec := h.do(http.MethodPost, "/admin/knowledge_assets/upload", map[string]any{
		"tenant_id": "tenant-1",
		"brand_id":  "brand-1",
		"filename":  "malware.exe",
		"content":   base64.StdEncoding.EncodeToString([]byte("x")),
	})

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestAdminListIngestionJobsByQuery(t *testing.T) {
	h := newAdminHarness(t)
	now := time.Now()
	h.mock.ExpectQuery("SELECT count\\(\\*\\) FROM ingestion_jobs").
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	h.mock.ExpectQuery("SELECT \\* FROM ingestion_jobs").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "asset_id", "tenant_id", "status", "attempts",
			"total_chunks", "processed_chunks", "logs", "created_at",
		}).AddRow("job-1", "asset-1", "tenant-1", "succeeded", 1, 4, 4, []byte(`[]`), now))

	rec := h.do(http.MethodGet, "/admin/ingestion_jobs?tenant_id=tenant-1", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NoError(t, h.mock.ExpectationsWereMet())

	var resp struct {
		Jobs  []struct{ ID string } `json:"jobs"`
		Total int                   `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, 1, resp.Total)
}

func automationRuleRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "brand_id", "name", "trigger_kind", "cron_expr",
		"event_type", "condition", "action_type", "action_payload",
		"throttle_seconds", "max_retries", "active", "last_run_at", "created_at",
	}).AddRow("rule-1", "tenant-1", "brand-1", "Nightly digest", "cron", "0 2 * * *",
		"", []byte(`{}`), "webhook", []byte(`{}`), 0, 3, true, nil, time.Now())
}

// The flat pause route carries no tenant, so the handler resolves it from
// the rule before flipping the flag.
func TestAdminPauseRuleResolvesTenant(t *testing.T) {
	h := newAdminHarness(t)
	h.mock.ExpectQuery("SELECT \\* FROM automation_rules WHERE id = \\$1").
		WithArgs("rule-1").
		WillReturnRows(automationRuleRows())
	h.mock.ExpectBegin()
	h.mock.ExpectExec("UPDATE automation_rules SET active").
		WithArgs("rule-1", "tenant-1", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	rec := h.do(http.MethodPost, "/admin/automation/rules/rule-1/pause", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestAdminCreateRuleFromBodyTenant(t *testing.T) {
	h := newAdminHarness(t)
	h.mock.ExpectBegin()
	h.mock.ExpectExec("INSERT INTO automation_rules").
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()

	rec := h.do(http.MethodPost, "/admin/automation/rules", map[string]any{
		"tenant_id":    "tenant-1",
		"brand_id":     "brand-1",
		"name":         "Nightly digest",
		"trigger_kind": "cron",
		"cron_expr":    "0 2 * * *",
		"action_type":  "webhook",
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NoError(t, h.mock.ExpectationsWereMet())

	var rule struct {
		TenantID string `json:"tenant_id"`
		Active   bool   `json:"active"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
	assert.Equal(t, "tenant-1", rule.TenantID)
	assert.True(t, rule.Active)
}

func TestAdminCreateRuleRequiresTenant(t *testing.T) {
	h := newAdminHarness(t)

	rec := h.do(http.MethodPost, "/admin/automation/rules", map[string]any{
		"name":         "Nightly digest",
		"trigger_kind": "cron",
		"cron_expr":    "0 2 * * *",
		"action_type":  "webhook",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRunRuleTest(t *testing.T) {
	h := newAdminHarness(t)
	h.mock.ExpectQuery("SELECT \\* FROM automation_rules").
		WithArgs("rule-1", "tenant-1").
		WillReturnRows(automationRuleRows())
	h.mock.ExpectExec("INSERT INTO automation_jobs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := h.do(http.MethodPost, "/admin/automation/test", map[string]any{
		"rule_id":   "rule-1",
		"tenant_id": "tenant-1",
		"payload":   map[string]any{"order_id": "ord-7"},
	})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NoError(t, h.mock.ExpectationsWereMet())

	var job struct {
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, true, job.Payload["test"])
	assert.Equal(t, "ord-7", job.Payload["order_id"])
}

func policyVersionRows(version int, status, doc string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "version", "status", "policy_json", "published_at", "created_at",
	}).AddRow("pv-1", "tenant-1", version, status, []byte(doc), nil, time.Now())
}

func TestAdminPublishPolicyFromBody(t *testing.T) {
	h := newAdminHarness(t)
	h.mock.ExpectBegin()
	h.mock.ExpectExec("UPDATE policy_versions SET status = 'archived'").
		WithArgs("tenant-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectQuery("UPDATE policy_versions SET status = 'published'").
		WillReturnRows(policyVersionRows(2, "published",
			`{"persona": "p", "fallback_reply": "f"}`))
	h.mock.ExpectCommit()
	h.mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := h.do(http.MethodPost, "/admin/policies/tenant-1/publish", map[string]any{"version": 2})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestAdminPublishPolicyRejectsBadVersion(t *testing.T) {
	h := newAdminHarness(t)

	rec := h.do(http.MethodPost, "/admin/policies/tenant-1/publish", map[string]any{"version": 0})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminDiffFromPublished(t *testing.T) {
	h := newAdminHarness(t)
	h.mock.ExpectQuery("SELECT \\* FROM policy_versions WHERE tenant_id = \\$1 AND status = 'published'").
		WillReturnRows(policyVersionRows(1, "published",
			`{"persona": "p", "tone": "neutral", "fallback_reply": "f"}`))
	h.mock.ExpectQuery("SELECT \\* FROM policy_versions WHERE tenant_id = \\$1 AND version = \\$2").
		WithArgs("tenant-1", 3).
		WillReturnRows(policyVersionRows(3, "draft",
			`{"persona": "p", "tone": "friendly", "fallback_reply": "f"}`))

	rec := h.do(http.MethodGet, "/admin/policies/tenant-1/diff/3", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NoError(t, h.mock.ExpectationsWereMet())

	var resp struct {
		From    int              `json:"from"`
		To      int              `json:"to"`
		Changes []map[string]any `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.From)
	assert.Equal(t, 3, resp.To)
	assert.NotEmpty(t, resp.Changes)
}

type recordingRotations struct {
	notices []string
}

func (r *recordingRotations) BroadcastRotation(_ context.Context, channelType, channelID string) error {
	r.notices = append(r.notices, channelType+"/"+channelID)
	return nil
}

// Rotating a secret must tell the gateways so cached credentials die before
// the cache TTL would expire them.
func TestAdminRotateSecretBroadcasts(t *testing.T) {
	h := newAdminHarness(t)
	rotations := &recordingRotations{}
	h.server.rotations = rotations

	now := time.Now()
	h.mock.ExpectQuery("UPDATE channels").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "brand_id", "channel_type", "display_name",
			"hmac_secret", "previous_secret", "rotated_at", "credentials", "active", "created_at",
		}).AddRow("chan-1", "tenant-1", "brand-1", "web", "Web Widget",
			"new-secret", "old-secret", now, []byte(`{}`), true, now))
	h.mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := h.do(http.MethodPost, "/api/v1/tenants/tenant-1/channels/chan-1/rotate-secret", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NoError(t, h.mock.ExpectationsWereMet())
	assert.Equal(t, []string{"web/chan-1"}, rotations.notices)
}

// The inbound endpoint acknowledges with 202: the reply travels on the
// outbound stream, not in the response.
func TestInboundEndpointReturnsAccepted(t *testing.T) {
	ph := newPipelineHarness(t, nil)
	ph.mock.ExpectBegin()
	ph.mock.ExpectCommit()
	ph.mock.ExpectBegin()
	ph.mock.ExpectCommit()

	tokens, err := auth.NewTokenService("admin-secret", "chatmesh", "chatmesh-admin", time.Hour)
	require.NoError(t, err)
	srv := NewServer(ServerDeps{
		Pipeline:    ph.pipeline,
		Resolver:    policy.NewResolver(&fakeVersions{}, time.Minute, slog.Default()),
		Tokens:      tokens,
		PipelineCfg: testPipelineConfig(),
		Logger:      slog.Default(),
	})

	body, err := json.Marshal(validMessage())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/inbound", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var ack struct {
		ConversationID string `json:"conversation_id"`
		DeliveryID     string `json:"delivery_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, "conv-1", ack.ConversationID)
	assert.NotEmpty(t, ack.DeliveryID)
}

func TestAdminDraftViaFlatRoute(t *testing.T) {
	h := newAdminHarness(t)
	h.mock.ExpectBegin()
	h.mock.ExpectQuery("SELECT COALESCE\\(MAX\\(version\\), 0\\)").
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(4))
	h.mock.ExpectQuery("INSERT INTO policy_versions").
		WillReturnRows(policyVersionRows(4, "draft",
			`{"persona": "p", "fallback_reply": "f"}`))
	h.mock.ExpectCommit()
	h.mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := h.do(http.MethodPost, "/admin/policies/tenant-1/draft", map[string]any{
		"persona":        "You help customers of Acme.",
		"fallback_reply": "Sorry, try again later.",
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NoError(t, h.mock.ExpectationsWereMet())
}
