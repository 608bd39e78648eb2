package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/chatmesh/chatmesh/pkg/errkind"
	"github.com/chatmesh/chatmesh/pkg/models"
)

// defaultGraphBaseURL is the Meta Graph API endpoint shared by the WhatsApp
// and Instagram adapters.
const defaultGraphBaseURL = "https://graph.facebook.com/v19.0"

// GraphAdapter sends through the Meta Graph API. The same transport serves
// WhatsApp Business and Instagram messaging; only the path and payload
// shapes differ.
type GraphAdapter struct {
	client      *http.Client
	baseURL     string
	channelType models.ChannelType
	logger      *slog.Logger
}

// NewWhatsAppAdapter creates the WhatsApp Business adapter.
func NewWhatsAppAdapter(client *http.Client, logger *slog.Logger) *GraphAdapter {
	return &GraphAdapter{client: client, baseURL: defaultGraphBaseURL, channelType: models.ChannelWhatsApp, logger: logger}
}

// NewInstagramAdapter creates the Instagram messaging adapter.
func NewInstagramAdapter(client *http.Client, logger *slog.Logger) *GraphAdapter {
	return &GraphAdapter{client: client, baseURL: defaultGraphBaseURL, channelType: models.ChannelInstagram, logger: logger}
}

// Send delivers the reply through the Graph API.
func (a *GraphAdapter) Send(ctx context.Context, channel *models.Channel, delivery *models.OutboundDelivery) error {
	token, err := credentialString(channel, "access_token")
	if err != nil {
		return errkind.New(errkind.Permanent, err)
	}

	var url string
	var payload any
	switch a.channelType {
	case models.ChannelWhatsApp:
		phoneNumberID, err := credentialString(channel, "phone_number_id")
		if err != nil {
			return errkind.New(errkind.Permanent, err)
		}
		url = fmt.Sprintf("%s/%s/messages", a.baseURL, phoneNumberID)
		payload = map[string]any{
			"messaging_product": "whatsapp",
			"to":                delivery.ExternalSenderID,
			"type":              "text",
			"text":              map[string]string{"body": delivery.Content},
		}
	case models.ChannelInstagram:
		igUserID, err := credentialString(channel, "ig_user_id")
		if err != nil {
			return errkind.New(errkind.Permanent, err)
		}
		url = fmt.Sprintf("%s/%s/messages", a.baseURL, igUserID)
		payload = map[string]any{
			"recipient": map[string]string{"id": delivery.ExternalSenderID},
			"message":   map[string]string{"text": delivery.Content},
		}
	default:
		return errkind.Newf(errkind.Permanent, "graph adapter cannot serve channel type %q", a.channelType)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errkind.Newf(errkind.Permanent, "failed to marshal graph payload: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errkind.Newf(errkind.Permanent, "failed to build graph request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return errkind.Newf(errkind.Transient, "graph request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return errkind.Newf(errkind.Transient, "graph api returned %d: %s", resp.StatusCode, detail)
	}
	return errkind.Newf(errkind.Permanent, "graph api returned %d: %s", resp.StatusCode, detail)
}
