package automation

import (
	"context"
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
	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/errkind"
	"github.com/chatmesh/chatmesh/pkg/models"
	"github.com/chatmesh/chatmesh/pkg/store"
)

func testAutomationConfig() config.AutomationConfig {
	return config.AutomationConfig{
		MaxConcurrencyPerTenant: 4,
		ConnectorTimeout:        time.Second,
		SchedulerTick:           time.Minute,
		PollInterval:            10 * time.Millisecond,
		WorkerCount:             1,
		EmailFrom:               "no-reply@chatmesh.io",
	}
}

func mockAutomationStore(t *testing.T) (*store.AutomationStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewAutomationStore(sqlx.NewDb(db, "pgx")), mock
}

var ruleColumns = []string{
	"id", "tenant_id", "brand_id", "name", "trigger_kind", "cron_expr", "event_type",
	"condition", "action_type", "action_payload", "throttle_seconds", "max_retries",
	"active", "last_run_at", "created_at",
}

func ruleRow(rule *models.AutomationRule) *sqlmock.Rows {
	condition, _ := json.Marshal(rule.Condition)
	payload, _ := json.Marshal(rule.ActionPayload)
	return sqlmock.NewRows(ruleColumns).AddRow(
		rule.ID, rule.TenantID, rule.BrandID, rule.Name, rule.TriggerKind, rule.CronExpr,
		rule.EventType, condition, rule.ActionType, payload, rule.ThrottleSeconds,
		rule.MaxRetries, rule.Active, rule.LastRunAt, rule.CreatedAt)
}

func webhookRule(url string) *models.AutomationRule {
	return &models.AutomationRule{
		ID:            "rule-1",
		TenantID:      "tenant-1",
		BrandID:       "brand-1",
		Name:          "daily digest",
		TriggerKind:   models.TriggerCron,
		CronExpr:      "0 9 * * *",
		ActionType:    models.ActionWebhook,
		ActionPayload: models.JSONMap{"url": url, "secret": "hook-secret"},
		MaxRetries:    2,
		Active:        true,
		CreatedAt:     time.Now(),
	}
}

func TestConditionMatches(t *testing.T) {
	tests := []struct {
		name      string
		condition models.JSONMap
		payload   models.JSONMap
		want      bool
	}{
		{"empty condition matches anything", nil, models.JSONMap{"a": 1}, true},
		{"equal string", models.JSONMap{"reason": "escalated"}, models.JSONMap{"reason": "escalated"}, true},
		{"unequal string", models.JSONMap{"reason": "escalated"}, models.JSONMap{"reason": "resolved"}, false},
		{"missing key", models.JSONMap{"reason": "escalated"}, models.JSONMap{}, false},
		{"numeric across json round trip", models.JSONMap{"count": "3"}, models.JSONMap{"count": float64(3)}, true},
		{"all keys must match", models.JSONMap{"a": "1", "b": "2"}, models.JSONMap{"a": "1", "b": "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, conditionMatches(tt.condition, tt.payload))
		})
	}
}

func TestMergePayload(t *testing.T) {
	out := mergePayload(models.JSONMap{"a": 1}, models.JSONMap{"event_id": "evt-1", "conversation_id": ""})
	assert.Equal(t, 1, out["a"])
	assert.Equal(t, "evt-1", out["event_id"])
	_, hasEmpty := out["conversation_id"]
	assert.False(t, hasEmpty, "empty metadata values are dropped")
}

func TestWebhookConnectorSignsAndPosts(t *testing.T) {
	var gotSignature string
	var gotRaw []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Signature")
		gotRaw, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	rule := webhookRule(ts.URL)
	job := &models.AutomationJob{ID: "job-1", RuleID: rule.ID, TenantID: rule.TenantID,
		ScheduledFor: time.Now(), Payload: models.JSONMap{"event_type": "conversation.escalated"}}

	c := &WebhookConnector{client: ts.Client()}
	require.NoError(t, c.Execute(context.Background(), rule, job))

	assert.True(t, auth.VerifySignature(gotSignature, gotRaw, []string{"hook-secret"}))
	var body map[string]any
	require.NoError(t, json.Unmarshal(gotRaw, &body))
	assert.Equal(t, "rule-1", body["rule_id"])
	assert.Equal(t, "tenant-1", body["tenant_id"])
}

func TestWebhookConnectorErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadGateway, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		rule := webhookRule(ts.URL)
		job := &models.AutomationJob{ID: "job-1"}

		c := &WebhookConnector{client: ts.Client()}
		err := c.Execute(context.Background(), rule, job)
		require.Error(t, err)
		assert.Equal(t, tt.retryable, errkind.Retryable(err), "status %d", tt.status)
		ts.Close()
	}
}

func TestWebhookConnectorMissingURL(t *testing.T) {
	rule := webhookRule("")
	rule.ActionPayload = models.JSONMap{}

	c := &WebhookConnector{client: http.DefaultClient}
	err := c.Execute(context.Background(), rule, &models.AutomationJob{})
	require.Error(t, err)
	assert.False(t, errkind.Retryable(err))
}

func TestCRMConnectorSendsAPIKey(t *testing.T) {
	var gotKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	rule := webhookRule(ts.URL)
	rule.ActionType = models.ActionCRM
	rule.ActionPayload = models.JSONMap{"endpoint": ts.URL, "api_key": "crm-key"}

	c := &CRMConnector{client: ts.Client()}
	require.NoError(t, c.Execute(context.Background(), rule, &models.AutomationJob{ID: "job-1"}))
	assert.Equal(t, "crm-key", gotKey)
}

func TestEmailConnectorMissingRecipient(t *testing.T) {
	rule := webhookRule("")
	rule.ActionType = models.ActionEmail
	rule.ActionPayload = models.JSONMap{"subject": "digest"}

	c := NewEmailConnector(testAutomationConfig(), slog.Default())
	err := c.Execute(context.Background(), rule, &models.AutomationJob{})
	require.Error(t, err)
	assert.False(t, errkind.Retryable(err))
}

func TestSchedulerEnqueuesDueRules(t *testing.T) {
	rules, mock := mockAutomationStore(t)

	due := webhookRule("http://example.com")
	due.CronExpr = "* * * * *"
	notDue := webhookRule("http://example.com")
	notDue.ID = "rule-2"
	notDue.CronExpr = "0 0 1 1 *"

	rows := ruleRow(due)
	condition, _ := json.Marshal(notDue.Condition)
	payload, _ := json.Marshal(notDue.ActionPayload)
	rows.AddRow(notDue.ID, notDue.TenantID, notDue.BrandID, notDue.Name, notDue.TriggerKind,
		notDue.CronExpr, notDue.EventType, condition, notDue.ActionType, payload,
		notDue.ThrottleSeconds, notDue.MaxRetries, notDue.Active, notDue.LastRunAt, notDue.CreatedAt)

	mock.ExpectQuery("SELECT \\* FROM automation_rules").WillReturnRows(rows)
	mock.ExpectExec("INSERT INTO automation_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewScheduler(rules, testAutomationConfig(), slog.Default())
	s.tick(context.Background(), time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC))

	assert.NoError(t, mock.ExpectationsWereMet(), "only the due rule enqueues")
}

func TestDispatcherSkipsPausedRule(t *testing.T) {
	rules, mock := mockAutomationStore(t)
	rule := webhookRule("http://example.com")
	rule.Active = false

	mock.ExpectQuery("SELECT \\* FROM automation_rules").WillReturnRows(ruleRow(rule))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE automation_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d := NewDispatcher(rules, ConnectorRegistry{}, "disp-test", testAutomationConfig(), slog.Default())
	d.execute(context.Background(), &models.AutomationJob{ID: "job-1", RuleID: rule.ID, TenantID: rule.TenantID})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcherSkipsThrottledRule(t *testing.T) {
	rules, mock := mockAutomationStore(t)
	rule := webhookRule("http://example.com")
	rule.ThrottleSeconds = 3600
	lastRun := time.Now().Add(-time.Minute)
	rule.LastRunAt = &lastRun

	mock.ExpectQuery("SELECT \\* FROM automation_rules").WillReturnRows(ruleRow(rule))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE automation_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d := NewDispatcher(rules, ConnectorRegistry{}, "disp-test", testAutomationConfig(), slog.Default())
	d.execute(context.Background(), &models.AutomationJob{ID: "job-1", RuleID: rule.ID, TenantID: rule.TenantID})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcherExecutesAndFinishes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	rules, mock := mockAutomationStore(t)
	rule := webhookRule(ts.URL)

	mock.ExpectQuery("SELECT \\* FROM automation_rules").WillReturnRows(ruleRow(rule))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE automation_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE automation_rules").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	registry := ConnectorRegistry{models.ActionWebhook: &WebhookConnector{client: ts.Client()}}
	d := NewDispatcher(rules, registry, "disp-test", testAutomationConfig(), slog.Default())
	d.execute(context.Background(), &models.AutomationJob{ID: "job-1", RuleID: rule.ID, TenantID: rule.TenantID, Attempts: 1})

	assert.NoError(t, mock.ExpectationsWereMet(), "success advances last_run_at")
}

func TestDispatcherRequeuesTransientFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	rules, mock := mockAutomationStore(t)
	rule := webhookRule(ts.URL)

	mock.ExpectQuery("SELECT \\* FROM automation_rules").WillReturnRows(ruleRow(rule))
	mock.ExpectExec("UPDATE automation_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	registry := ConnectorRegistry{models.ActionWebhook: &WebhookConnector{client: ts.Client()}}
	d := NewDispatcher(rules, registry, "disp-test", testAutomationConfig(), slog.Default())
	d.execute(context.Background(), &models.AutomationJob{ID: "job-1", RuleID: rule.ID, TenantID: rule.TenantID, Attempts: 1})

	assert.NoError(t, mock.ExpectationsWereMet(), "transient failure requeues instead of finishing")
}

func TestDispatcherFailsPastRetryBudget(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	rules, mock := mockAutomationStore(t)
	rule := webhookRule(ts.URL)
	rule.MaxRetries = 1

	mock.ExpectQuery("SELECT \\* FROM automation_rules").WillReturnRows(ruleRow(rule))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE automation_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	registry := ConnectorRegistry{models.ActionWebhook: &WebhookConnector{client: ts.Client()}}
	d := NewDispatcher(rules, registry, "disp-test", testAutomationConfig(), slog.Default())
	d.execute(context.Background(), &models.AutomationJob{ID: "job-1", RuleID: rule.ID, TenantID: rule.TenantID, Attempts: 2})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryBackoff(t *testing.T) {
	// 25% jitter around the doubled base, capped at 10 minutes.
	d1 := retryBackoff(1)
	assert.GreaterOrEqual(t, d1, time.Duration(float64(30*time.Second)*0.75))
	assert.LessOrEqual(t, d1, time.Duration(float64(30*time.Second)*1.25))

	d2 := retryBackoff(2)
	assert.GreaterOrEqual(t, d2, time.Duration(float64(time.Minute)*0.75))
	assert.LessOrEqual(t, d2, time.Duration(float64(time.Minute)*1.25))

	dMax := retryBackoff(20)
	assert.GreaterOrEqual(t, dMax, time.Duration(float64(10*time.Minute)*0.75))
	assert.LessOrEqual(t, dMax, time.Duration(float64(10*time.Minute)*1.25))
}
