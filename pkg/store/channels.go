package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/chatmesh/chatmesh/pkg/models"
)

// ChannelStore reads and mutates channel rows.
type ChannelStore struct {
	db *sqlx.DB
}

// NewChannelStore creates a ChannelStore.
func NewChannelStore(db *sqlx.DB) *ChannelStore {
	return &ChannelStore{db: db}
}

// GetByID loads a channel by primary key.
func (s *ChannelStore) GetByID(ctx context.Context, channelID string) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.GetContext(ctx, &ch, `SELECT * FROM channels WHERE id = $1`, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}
	return &ch, nil
}

// GetActiveByTypeAndChannelID loads a channel by id and verifies it is
// active and of the expected provider type. Used by the gateway's webhook
// handlers, which know both from the URL.
func (s *ChannelStore) GetActiveByTypeAndChannelID(ctx context.Context, channelType models.ChannelType, channelID string) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.GetContext(ctx, &ch,
		`SELECT * FROM channels WHERE id = $1 AND channel_type = $2 AND active`,
		channelID, channelType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}
	return &ch, nil
}

// ListActiveByType lists active channels of a provider type. The gateway
// uses this to resolve which channel a provider callback belongs to when
// the channel id is carried in the payload rather than the URL.
func (s *ChannelStore) ListActiveByType(ctx context.Context, channelType models.ChannelType) ([]models.Channel, error) {
	var out []models.Channel
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM channels WHERE channel_type = $1 AND active ORDER BY created_at`,
		channelType)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	return out, nil
}

// RotateSecret installs a new signing secret, demoting the current one to
// previous_secret. The previous secret stays valid for the rotation grace
// window ("add new, wait for grace, remove old").
func (s *ChannelStore) RotateSecret(ctx context.Context, tenantID, channelID, newSecret string) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.GetContext(ctx, &ch, `
		UPDATE channels
		SET previous_secret = hmac_secret, hmac_secret = $3, rotated_at = $4
		WHERE id = $1 AND tenant_id = $2
		RETURNING *`,
		channelID, tenantID, newSecret, time.Now())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to rotate channel secret: %w", err)
	}
	return &ch, nil
}
