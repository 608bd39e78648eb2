package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmesh/chatmesh/pkg/models"
)

func testInbound(eventID string) models.InboundMessage {
	return models.InboundMessage{
		EventID:    eventID,
		TenantID:   "tenant-1",
		BrandID:    "brand-1",
		ChannelID:  "chan-1",
		SenderID:   "visitor-7",
		Message:    "hello",
		OccurredAt: time.Now(),
	}
}

func TestForwarderDeliversEvent(t *testing.T) {
	var got atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Add(1)
		assert.Equal(t, "/v1/messages/inbound", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	cfg := testGatewayConfig()
	cfg.OrchestratorURL = ts.URL
	audits, _ := mockAuditStore(t)
	f := NewForwarder(cfg, audits, slog.Default())

	f.deliver(context.Background(), forwardTask{msg: testInbound("evt-1"), channel: models.ChannelWeb})
	assert.Equal(t, int32(1), got.Load())
}

func TestForwarderRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	cfg := testGatewayConfig()
	cfg.OrchestratorURL = ts.URL
	audits, _ := mockAuditStore(t)
	f := NewForwarder(cfg, audits, slog.Default())

	f.deliver(context.Background(), forwardTask{msg: testInbound("evt-2"), channel: models.ChannelWeb})
	assert.Equal(t, int32(2), calls.Load())
}

func TestForwarderDropsConflictingEvent(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
	}))
	defer ts.Close()

	cfg := testGatewayConfig()
	cfg.OrchestratorURL = ts.URL
	audits, mock := mockAuditStore(t)
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f := NewForwarder(cfg, audits, slog.Default())

	f.deliver(context.Background(), forwardTask{msg: testInbound("evt-3"), channel: models.ChannelWeb})

	assert.Equal(t, int32(1), calls.Load(), "conflicts are never retried")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestForwarderDropsAfterAttemptBudget(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	cfg := testGatewayConfig()
	cfg.OrchestratorURL = ts.URL
	audits, mock := mockAuditStore(t)
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f := NewForwarder(cfg, audits, slog.Default())

	f.deliver(context.Background(), forwardTask{msg: testInbound("evt-4"), channel: models.ChannelWeb})

	assert.Equal(t, int32(1), calls.Load(), "non-retryable rejections stop immediately")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestForwarderStartDrainsQueue(t *testing.T) {
	received := make(chan string, 4)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	cfg := testGatewayConfig()
	cfg.OrchestratorURL = ts.URL
	audits, _ := mockAuditStore(t)
	f := NewForwarder(cfg, audits, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	f.Start(ctx)

	require.NoError(t, f.Enqueue(testInbound("evt-5"), models.ChannelWeb))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the orchestrator")
	}
	cancel()
	f.Wait()
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.MaxBufferedEvents = 1
	audits, _ := mockAuditStore(t)
	f := NewForwarder(cfg, audits, slog.Default())

	require.NoError(t, f.Enqueue(testInbound("evt-6"), models.ChannelWeb))
	err := f.Enqueue(testInbound("evt-7"), models.ChannelWeb)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "buffer full")
}

func TestForwardBackoff(t *testing.T) {
	// 25% jitter around the doubled base, capped at 30s.
	d1 := forwardBackoff(1)
	assert.GreaterOrEqual(t, d1, 375*time.Millisecond)
	assert.LessOrEqual(t, d1, 625*time.Millisecond)

	d2 := forwardBackoff(2)
	assert.GreaterOrEqual(t, d2, 750*time.Millisecond)
	assert.LessOrEqual(t, d2, 1250*time.Millisecond)

	dMax := forwardBackoff(30)
	assert.LessOrEqual(t, dMax, time.Duration(float64(30*time.Second)*1.25))
}
