package models

import "time"

// Domain event types carried on the event bus. Event-triggered automation
// rules match on these.
const (
	EventMessageReceived       = "message.received"
	EventConversationEscalated = "conversation.escalated"
	EventAssetIngested         = "knowledge_asset.ingested"
	EventIngestionFailed       = "ingestion.failed"
)

// DomainEvent is one record on the event bus.
type DomainEvent struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	TenantID       string    `json:"tenant_id"`
	BrandID        string    `json:"brand_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Payload        JSONMap   `json:"payload,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}
