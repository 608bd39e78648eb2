package models

import "time"

// InboundMessage is the canonical representation of a user message after
// channel-specific normalization at the gateway. EventID is the inbound
// idempotency key: the orchestrator treats repeated EventIDs as the same
// event.
type InboundMessage struct {
	EventID    string    `json:"event_id"`
	TenantID   string    `json:"tenant_id"`
	BrandID    string    `json:"brand_id"`
	ChannelID  string    `json:"channel_id"`
	SenderID   string    `json:"sender_id"`
	Message    string    `json:"message"`
	Locale     string    `json:"locale,omitempty"`
	Metadata   JSONMap   `json:"metadata,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// OutboundDelivery is one record on the outbound stream, consumed by the
// gateway's outbound worker. DeliveryID is the outbound idempotency key.
type OutboundDelivery struct {
	DeliveryID       string  `json:"delivery_id"`
	ChannelID        string  `json:"channel_id"`
	ExternalSenderID string  `json:"external_sender_id"`
	Content          string  `json:"content"`
	Metadata         JSONMap `json:"metadata,omitempty"`
	Attempt          int     `json:"attempt"`
	CorrelationID    string  `json:"correlation_id,omitempty"`
}

// PartitionKey returns the ordering key for outbound dispatch. Deliveries
// sharing a key are dispatched in publish order.
func (d *OutboundDelivery) PartitionKey() string {
	return d.ChannelID + "/" + d.ExternalSenderID
}

// InboundAck is the orchestrator's response to an accepted inbound message.
type InboundAck struct {
	ConversationID string `json:"conversation_id"`
	DeliveryID     string `json:"delivery_id"`
}
