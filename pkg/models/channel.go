package models

import (
	"fmt"
	"time"
)

// ChannelType identifies the messaging provider a channel is bound to.
type ChannelType string

// Supported channel types.
const (
	ChannelInstagram ChannelType = "instagram"
	ChannelWhatsApp  ChannelType = "whatsapp"
	ChannelTelegram  ChannelType = "telegram"
	ChannelWeb       ChannelType = "web"
)

// ChannelTypeValidator reports whether t is a known channel type.
func ChannelTypeValidator(t ChannelType) error {
	switch t {
	case ChannelInstagram, ChannelWhatsApp, ChannelTelegram, ChannelWeb:
		return nil
	default:
		return fmt.Errorf("invalid channel type: %q", t)
	}
}

// Channel binds a brand to a provider endpoint.
//
// HMACSecret is the active webhook signing secret. PreviousSecret, when set,
// is still honored until RotatedAt + the rotation grace window so that
// providers can cut over without dropped traffic ("add new, wait, remove
// old").
type Channel struct {
	ID             string      `db:"id" json:"id"`
	TenantID       string      `db:"tenant_id" json:"tenant_id"`
	BrandID        string      `db:"brand_id" json:"brand_id"`
	ChannelType    ChannelType `db:"channel_type" json:"channel_type"`
	DisplayName    string      `db:"display_name" json:"display_name"`
	HMACSecret     string      `db:"hmac_secret" json:"-"`
	PreviousSecret *string     `db:"previous_secret" json:"-"`
	RotatedAt      *time.Time  `db:"rotated_at" json:"rotated_at,omitempty"`
	Credentials    JSONMap     `db:"credentials" json:"-"`
	Active         bool        `db:"active" json:"active"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
}

// ValidSecrets returns the signing secrets currently accepted for this
// channel: the active one, plus the previous one while inside the grace
// window.
func (c *Channel) ValidSecrets(now time.Time, grace time.Duration) []string {
	secrets := []string{c.HMACSecret}
	if c.PreviousSecret != nil && c.RotatedAt != nil && now.Sub(*c.RotatedAt) <= grace {
		secrets = append(secrets, *c.PreviousSecret)
	}
	return secrets
}
