package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/metrics"
	"github.com/chatmesh/chatmesh/pkg/models"
	"github.com/chatmesh/chatmesh/pkg/store"
)

const forwarderWorkers = 4

// Forwarder buffers normalized inbound events and delivers them to the
// orchestrator. The webhook handler acknowledges the provider as soon as the
// event is buffered; delivery failures are retried with exponential backoff
// until the attempt budget runs out.
type Forwarder struct {
	client *http.Client
	url    string
	queue  chan forwardTask
	cfg    config.GatewayConfig
	audits *store.AuditStore
	logger *slog.Logger
	wg     sync.WaitGroup
}

type forwardTask struct {
	msg     models.InboundMessage
	channel models.ChannelType
	attempt int
}

// NewForwarder creates a Forwarder targeting the orchestrator.
func NewForwarder(cfg config.GatewayConfig, audits *store.AuditStore, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		client: &http.Client{Timeout: cfg.ForwardTimeout},
		url:    cfg.OrchestratorURL + "/v1/messages/inbound",
		queue:  make(chan forwardTask, cfg.MaxBufferedEvents),
		cfg:    cfg,
		audits: audits,
		logger: logger,
	}
}

// Enqueue buffers one event. A full buffer is backpressure: the webhook
// handler turns it into a retryable 503 so the provider redelivers later.
func (f *Forwarder) Enqueue(msg models.InboundMessage, channelType models.ChannelType) error {
	select {
	case f.queue <- forwardTask{msg: msg, channel: channelType}:
		return nil
	default:
		return fmt.Errorf("forward buffer full (%d events)", f.cfg.MaxBufferedEvents)
	}
}

// Start launches the delivery workers. They drain the buffer until ctx is
// canceled.
func (f *Forwarder) Start(ctx context.Context) {
	for i := 0; i < forwarderWorkers; i++ {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-f.queue:
					f.deliver(ctx, task)
				}
			}
		}()
	}
}

// Wait blocks until every worker has exited.
func (f *Forwarder) Wait() {
	f.wg.Wait()
}

func (f *Forwarder) deliver(ctx context.Context, task forwardTask) {
	for {
		retryable, err := f.forwardOnce(ctx, &task.msg)
		if err == nil {
			metrics.InboundMessages.WithLabelValues(string(task.channel), "accepted").Inc()
			return
		}

		task.attempt++
		if !retryable || task.attempt >= f.cfg.MaxForwardAttempts {
			f.logger.Error("Dropping inbound event after forward failure",
				"event_id", task.msg.EventID, "attempts", task.attempt, "error", err)
			metrics.InboundMessages.WithLabelValues(string(task.channel), "failed").Inc()
			f.auditDrop(ctx, &task.msg, err)
			return
		}

		delay := forwardBackoff(task.attempt)
		f.logger.Warn("Forward attempt failed, backing off",
			"event_id", task.msg.EventID, "attempt", task.attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// forwardOnce posts the event to the orchestrator. The bool reports whether
// the failure is retryable.
func (f *Forwarder) forwardOnce(ctx context.Context, msg *models.InboundMessage) (bool, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("failed to marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("forward request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusConflict:
		// Same event ID, different payload: never going to succeed.
		return false, fmt.Errorf("orchestrator rejected event as conflicting")
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return true, fmt.Errorf("orchestrator returned %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("orchestrator returned %d", resp.StatusCode)
	}
}

func (f *Forwarder) auditDrop(ctx context.Context, msg *models.InboundMessage, cause error) {
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := f.audits.Insert(auditCtx, &models.AuditEntry{
		TenantID:      msg.TenantID,
		Actor:         "gateway",
		Action:        "inbound.dropped",
		Detail:        models.JSONMap{"event_id": msg.EventID, "reason": cause.Error()},
		CorrelationID: msg.EventID,
	}); err != nil {
		f.logger.Error("Failed to audit dropped event", "event_id", msg.EventID, "error", err)
	}
}

// forwardBackoff is 500ms doubled per attempt with 25% jitter, capped at 30s.
func forwardBackoff(attempt int) time.Duration {
	base := 500 * time.Millisecond
	for i := 1; i < attempt && base < 30*time.Second; i++ {
		base *= 2
	}
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := 1 + (rand.Float64()-0.5)/2
	return time.Duration(float64(base) * jitter)
}
