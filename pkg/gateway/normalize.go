// Package gateway terminates channel webhooks and delivers outbound replies.
// Inbound payloads are verified, normalized to the canonical event shape,
// and forwarded to the orchestrator through a durable retry buffer; the
// outbound worker consumes the delivery stream and dispatches through the
// channel adapters.
package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/chatmesh/chatmesh/pkg/errkind"
	"github.com/chatmesh/chatmesh/pkg/models"
)

// normalize converts a raw provider payload into canonical inbound messages.
// One webhook POST can carry several messages on the Graph-style channels.
// Non-message events (delivery receipts, status pings) normalize to an empty
// slice, which the webhook handler acknowledges without forwarding.
func normalize(channel *models.Channel, body []byte) ([]models.InboundMessage, error) {
	switch channel.ChannelType {
	case models.ChannelWeb:
		return normalizeWeb(channel, body)
	case models.ChannelTelegram:
		return normalizeTelegram(channel, body)
	case models.ChannelWhatsApp:
		return normalizeWhatsApp(channel, body)
	case models.ChannelInstagram:
		return normalizeInstagram(channel, body)
	default:
		return nil, errkind.Newf(errkind.Validation, "unsupported channel type %q", channel.ChannelType)
	}
}

// webEvent is the canonical shape the web widget posts directly.
type webEvent struct {
	EventID    string         `json:"event_id"`
	SenderID   string         `json:"sender_id"`
	Message    string         `json:"message"`
	Locale     string         `json:"locale"`
	Metadata   map[string]any `json:"metadata"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func normalizeWeb(channel *models.Channel, body []byte) ([]models.InboundMessage, error) {
	var ev webEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, errkind.Newf(errkind.Validation, "malformed web event: %v", err)
	}
	if ev.EventID == "" || ev.SenderID == "" || ev.Message == "" {
		return nil, errkind.Newf(errkind.Validation, "web event requires event_id, sender_id, and message")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	return []models.InboundMessage{{
		EventID:    ev.EventID,
		TenantID:   channel.TenantID,
		BrandID:    channel.BrandID,
		ChannelID:  channel.ID,
		SenderID:   ev.SenderID,
		Message:    ev.Message,
		Locale:     ev.Locale,
		Metadata:   models.JSONMap(ev.Metadata),
		OccurredAt: ev.OccurredAt,
	}}, nil
}

func normalizeTelegram(channel *models.Channel, body []byte) ([]models.InboundMessage, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, errkind.Newf(errkind.Validation, "malformed telegram update: %v", err)
	}
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return nil, nil
	}
	if msg.Chat == nil {
		return nil, errkind.Newf(errkind.Validation, "telegram message has no chat")
	}
	locale := ""
	if msg.From != nil {
		locale = msg.From.LanguageCode
	}
	return []models.InboundMessage{{
		EventID:    fmt.Sprintf("tg-%d", update.UpdateID),
		TenantID:   channel.TenantID,
		BrandID:    channel.BrandID,
		ChannelID:  channel.ID,
		SenderID:   strconv.FormatInt(msg.Chat.ID, 10),
		Message:    msg.Text,
		Locale:     locale,
		Metadata:   models.JSONMap{"message_id": msg.MessageID},
		OccurredAt: time.Unix(int64(msg.Date), 0),
	}}, nil
}

// whatsAppPayload mirrors the Graph webhook envelope for WhatsApp Business.
type whatsAppPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					ID        string `json:"id"`
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

func normalizeWhatsApp(channel *models.Channel, body []byte) ([]models.InboundMessage, error) {
	var payload whatsAppPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errkind.Newf(errkind.Validation, "malformed whatsapp payload: %v", err)
	}
	var out []models.InboundMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				if m.Type != "" && m.Type != "text" {
					continue
				}
				if m.ID == "" || m.From == "" || m.Text.Body == "" {
					continue
				}
				out = append(out, models.InboundMessage{
					EventID:    "wa-" + m.ID,
					TenantID:   channel.TenantID,
					BrandID:    channel.BrandID,
					ChannelID:  channel.ID,
					SenderID:   m.From,
					Message:    m.Text.Body,
					OccurredAt: graphTimestamp(m.Timestamp),
				})
			}
		}
	}
	return out, nil
}

// instagramPayload mirrors the Graph messaging envelope for Instagram DMs.
type instagramPayload struct {
	Entry []struct {
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Timestamp int64 `json:"timestamp"`
			Message   struct {
				MID  string `json:"mid"`
				Text string `json:"text"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

func normalizeInstagram(channel *models.Channel, body []byte) ([]models.InboundMessage, error) {
	var payload instagramPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errkind.Newf(errkind.Validation, "malformed instagram payload: %v", err)
	}
	var out []models.InboundMessage
	for _, entry := range payload.Entry {
		for _, m := range entry.Messaging {
			if m.Message.MID == "" || m.Sender.ID == "" || m.Message.Text == "" {
				continue
			}
			out = append(out, models.InboundMessage{
				EventID:    "ig-" + m.Message.MID,
				TenantID:   channel.TenantID,
				BrandID:    channel.BrandID,
				ChannelID:  channel.ID,
				SenderID:   m.Sender.ID,
				Message:    m.Message.Text,
				OccurredAt: time.UnixMilli(m.Timestamp),
			})
		}
	}
	return out, nil
}

func graphTimestamp(s string) time.Time {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0)
	}
	return time.Now()
}
