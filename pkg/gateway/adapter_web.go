package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/chatmesh/chatmesh/pkg/auth"
	"github.com/chatmesh/chatmesh/pkg/errkind"
	"github.com/chatmesh/chatmesh/pkg/models"
)

// WebAdapter posts replies to the tenant's registered delivery URL. The body
// is signed with the channel secret so the receiver can authenticate it the
// same way the gateway authenticates inbound traffic.
type WebAdapter struct {
	client *http.Client
	logger *slog.Logger
}

// NewWebAdapter creates a WebAdapter.
func NewWebAdapter(client *http.Client, logger *slog.Logger) *WebAdapter {
	return &WebAdapter{client: client, logger: logger}
}

// Send posts the reply to the channel's webhook_url credential.
func (a *WebAdapter) Send(ctx context.Context, channel *models.Channel, delivery *models.OutboundDelivery) error {
	url, err := credentialString(channel, "webhook_url")
	if err != nil {
		return errkind.New(errkind.Permanent, err)
	}

	body, err := json.Marshal(map[string]any{
		"delivery_id":    delivery.DeliveryID,
		"sender_id":      delivery.ExternalSenderID,
		"message":        delivery.Content,
		"metadata":       delivery.Metadata,
		"correlation_id": delivery.CorrelationID,
	})
	if err != nil {
		return errkind.Newf(errkind.Permanent, "failed to marshal web delivery: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errkind.Newf(errkind.Permanent, "failed to build web delivery request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", "sha256="+auth.SignBody(channel.HMACSecret, body))

	resp, err := a.client.Do(req)
	if err != nil {
		return errkind.Newf(errkind.Transient, "web delivery failed: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return errkind.Newf(errkind.Transient, "delivery endpoint returned %d", resp.StatusCode)
	default:
		return errkind.Newf(errkind.Permanent, "delivery endpoint returned %d", resp.StatusCode)
	}
}
