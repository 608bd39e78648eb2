package models

import (
	"fmt"
	"time"
)

// Conversation is the per-sender thread on a channel. Unique per
// (channel_id, external_sender_id); upserted on every inbound message.
type Conversation struct {
	ID               string    `db:"id" json:"id"`
	TenantID         string    `db:"tenant_id" json:"tenant_id"`
	BrandID          string    `db:"brand_id" json:"brand_id"`
	ChannelID        string    `db:"channel_id" json:"channel_id"`
	ExternalSenderID string    `db:"external_sender_id" json:"external_sender_id"`
	LastMessageAt    time.Time `db:"last_message_at" json:"last_message_at"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// MessageDirection distinguishes user-originated from platform-originated
// transcript entries.
type MessageDirection string

// Message directions.
const (
	DirectionIn  MessageDirection = "in"
	DirectionOut MessageDirection = "out"
)

// MessageDirectionValidator reports whether d is a known direction.
func MessageDirectionValidator(d MessageDirection) error {
	switch d {
	case DirectionIn, DirectionOut:
		return nil
	default:
		return fmt.Errorf("invalid message direction: %q", d)
	}
}

// MessageLog is one append-only transcript entry.
type MessageLog struct {
	ID             string           `db:"id" json:"id"`
	ConversationID string           `db:"conversation_id" json:"conversation_id"`
	Direction      MessageDirection `db:"direction" json:"direction"`
	Content        string           `db:"content" json:"content"`
	Metadata       JSONMap          `db:"metadata" json:"metadata,omitempty"`
	CorrelationID  string           `db:"correlation_id" json:"correlation_id"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
}
