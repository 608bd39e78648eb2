package gateway

import (
	"bytes"
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
	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/models"
	"github.com/chatmesh/chatmesh/pkg/store"
)

func testGatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{
		OrchestratorURL:     "http://orchestrator.local",
		ForwardTimeout:      time.Second,
		MaxBufferedEvents:   8,
		MaxForwardAttempts:  3,
		MaxDeliveryAttempts: 3,
		AdapterTimeout:      time.Second,
		CredentialCacheTTL:  time.Minute,
		SecretRotationGrace: time.Hour,
	}
}

func mockAuditStore(t *testing.T) (*store.AuditStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewAuditStore(sqlx.NewDb(db, "pgx")), mock
}

// newTestServer builds a webhook server with the channel pre-loaded in the
// credential cache so no database lookup happens.
func newTestServer(t *testing.T, cfg config.GatewayConfig, channel *models.Channel) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	audits, mock := mockAuditStore(t)
	forwarder := NewForwarder(cfg, audits, slog.Default())
	s := NewServer(nil, audits, forwarder, cfg, slog.Default())
	if channel != nil {
		s.credCache.Set(string(channel.ChannelType)+"/"+channel.ID, channel)
	}
	return s, mock
}

func signedRequest(method, target, secret string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", "sha256="+auth.SignBody(secret, body))
	return req
}

func TestVerifyHandlerEchoesChallenge(t *testing.T) {
	channel := testChannel(models.ChannelWhatsApp)
	s, _ := newTestServer(t, testGatewayConfig(), channel)

	req := httptest.NewRequest(http.MethodGet,
		"/webhooks/whatsapp/chan-1?hub.verify_token=webhook-secret&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())
}

func TestVerifyHandlerRejectsBadToken(t *testing.T) {
	channel := testChannel(models.ChannelWhatsApp)
	s, _ := newTestServer(t, testGatewayConfig(), channel)

	req := httptest.NewRequest(http.MethodGet,
		"/webhooks/whatsapp/chan-1?hub.verify_token=wrong&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookAcceptsSignedEvent(t *testing.T) {
	channel := testChannel(models.ChannelWeb)
	s, _ := newTestServer(t, testGatewayConfig(), channel)

	body := []byte(`{"event_id": "evt-1", "sender_id": "visitor-7", "message": "hello"}`)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, signedRequest(http.MethodPost, "/webhooks/web/chan-1", "webhook-secret", body))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String(), "acceptance is status-only")
	assert.Len(t, s.forwarder.queue, 1)
}

// TestWebhookResolvesChannelFromPayload covers the single-segment route
// where the payload, not the URL, names the channel, signed with the
// provider-specific header.
func TestWebhookResolvesChannelFromPayload(t *testing.T) {
	channel := testChannel(models.ChannelWeb)
	channel.ID = "33333333-3333-3333-3333-333333333333"
	channel.HMACSecret = "dev-web"
	s, _ := newTestServer(t, testGatewayConfig(), channel)

	body := []byte(`{"event_id": "evt-web-1", "channel_id": "33333333-3333-3333-3333-333333333333", ` +
		`"sender_id": "visitor-7", "message": "What is your return policy?"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/web", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webchat-Signature", auth.SignBody("dev-web", body))
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
	require.Len(t, s.forwarder.queue, 1)
}

func TestWebhookPayloadChannelBadSignature(t *testing.T) {
	channel := testChannel(models.ChannelWeb)
	channel.ID = "33333333-3333-3333-3333-333333333333"
	channel.HMACSecret = "dev-web"
	s, mock := newTestServer(t, testGatewayConfig(), channel)
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := []byte(`{"event_id": "evt-web-2", "channel_id": "33333333-3333-3333-3333-333333333333", ` +
		`"sender_id": "visitor-7", "message": "hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/web", bytes.NewReader(body))
	req.Header.Set("X-Webchat-Signature", auth.SignBody("wrong-secret", body))
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, s.forwarder.queue)
}

// TestWebhookSoleActiveChannelFallback covers payloads that name no channel
// at all: the type's only active channel is assumed.
func TestWebhookSoleActiveChannelFallback(t *testing.T) {
	db, dbMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	channels := store.NewChannelStore(sqlx.NewDb(db, "pgx"))

	audits, _ := mockAuditStore(t)
	cfg := testGatewayConfig()
	forwarder := NewForwarder(cfg, audits, slog.Default())
	s := NewServer(channels, audits, forwarder, cfg, slog.Default())

	now := time.Now()
	dbMock.ExpectQuery("SELECT \\* FROM channels").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "brand_id", "channel_type", "display_name",
			"hmac_secret", "previous_secret", "rotated_at", "credentials", "active", "created_at",
		}).AddRow("chan-1", "tenant-1", "brand-1", "web", "Web Widget",
			"webhook-secret", nil, nil, []byte(`{}`), true, now))

	body := []byte(`{"event_id": "evt-web-3", "sender_id": "visitor-7", "message": "hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/web", bytes.NewReader(body))
	req.Header.Set("X-Webchat-Signature", auth.SignBody("webhook-secret", body))
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NoError(t, dbMock.ExpectationsWereMet())
	require.Len(t, s.forwarder.queue, 1)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	channel := testChannel(models.ChannelWeb)
	s, mock := newTestServer(t, testGatewayConfig(), channel)
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := []byte(`{"event_id": "evt-1", "sender_id": "visitor-7", "message": "hello"}`)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, signedRequest(http.MethodPost, "/webhooks/web/chan-1", "not-the-secret", body))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, s.forwarder.queue)
}

func TestWebhookHonorsPreviousSecretInGrace(t *testing.T) {
	channel := testChannel(models.ChannelWeb)
	oldSecret := "retired-secret"
	rotated := time.Now().Add(-10 * time.Minute)
	channel.PreviousSecret = &oldSecret
	channel.RotatedAt = &rotated
	s, _ := newTestServer(t, testGatewayConfig(), channel)

	body := []byte(`{"event_id": "evt-2", "sender_id": "visitor-7", "message": "hello"}`)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, signedRequest(http.MethodPost, "/webhooks/web/chan-1", oldSecret, body))

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestWebhookRejectsExpiredPreviousSecret(t *testing.T) {
	channel := testChannel(models.ChannelWeb)
	oldSecret := "retired-secret"
	rotated := time.Now().Add(-2 * time.Hour)
	channel.PreviousSecret = &oldSecret
	channel.RotatedAt = &rotated
	s, mock := newTestServer(t, testGatewayConfig(), channel)
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	body := []byte(`{"event_id": "evt-3", "sender_id": "visitor-7", "message": "hello"}`)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, signedRequest(http.MethodPost, "/webhooks/web/chan-1", oldSecret, body))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookUnknownChannelType(t *testing.T) {
	s, _ := newTestServer(t, testGatewayConfig(), nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/chan-1", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	channel := testChannel(models.ChannelWeb)
	s, _ := newTestServer(t, testGatewayConfig(), channel)

	body := []byte(`{not json`)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, signedRequest(http.MethodPost, "/webhooks/web/chan-1", "webhook-secret", body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookBackpressureWhenBufferFull(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.MaxBufferedEvents = 0
	channel := testChannel(models.ChannelWeb)
	s, _ := newTestServer(t, cfg, channel)

	body := []byte(`{"event_id": "evt-4", "sender_id": "visitor-7", "message": "hello"}`)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, signedRequest(http.MethodPost, "/webhooks/web/chan-1", "webhook-secret", body))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
