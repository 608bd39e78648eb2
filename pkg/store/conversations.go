package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/chatmesh/chatmesh/pkg/models"
)

// ConversationStore owns conversations and their append-only transcripts.
type ConversationStore struct {
	db *sqlx.DB
}

// NewConversationStore creates a ConversationStore.
func NewConversationStore(db *sqlx.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// DB exposes the handle for callers composing multi-store transactions.
func (s *ConversationStore) DB() *sqlx.DB { return s.db }

// UpsertLocked upserts the conversation for (channel_id, external_sender_id)
// inside tx and returns it with its row locked. Concurrent inbound messages
// from the same sender serialize on this lock, which is what guarantees
// per-conversation transcript ordering.
func (s *ConversationStore) UpsertLocked(ctx context.Context, tx *sqlx.Tx, tenantID, brandID, channelID, senderID string) (*models.Conversation, error) {
	now := time.Now()

	// INSERT ... ON CONFLICT DO NOTHING first, then SELECT FOR UPDATE: the
	// select must take the lock even when the row already existed.
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, tenant_id, brand_id, channel_id, external_sender_id, last_message_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (channel_id, external_sender_id) DO NOTHING`,
		uuid.NewString(), tenantID, brandID, channelID, senderID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert conversation: %w", err)
	}

	var conv models.Conversation
	err = tx.GetContext(ctx, &conv, `
		SELECT * FROM conversations
		WHERE channel_id = $1 AND external_sender_id = $2
		FOR UPDATE`,
		channelID, senderID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock conversation: %w", err)
	}

	if conv.TenantID != tenantID {
		// The (channel, sender) pair belongs to another tenant's channel;
		// treat as not found rather than leak its existence.
		return nil, ErrNotFound
	}
	return &conv, nil
}

// AppendMessage inserts a transcript entry inside tx.
func (s *ConversationStore) AppendMessage(ctx context.Context, tx *sqlx.Tx, msg *models.MessageLog) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO message_logs (id, conversation_id, direction, content, metadata, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ConversationID, msg.Direction, msg.Content, msg.Metadata, msg.CorrelationID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message log: %w", err)
	}
	return nil
}

// TouchLastMessageAt advances the conversation's last_message_at inside tx.
func (s *ConversationStore) TouchLastMessageAt(ctx context.Context, tx *sqlx.Tx, conversationID string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = $2 WHERE id = $1`,
		conversationID, at)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

// RecentTurns returns the most recent transcript entries for prompt
// assembly, oldest first.
func (s *ConversationStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]models.MessageLog, error) {
	var out []models.MessageLog
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM (
			SELECT * FROM message_logs
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent ORDER BY created_at ASC`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent turns: %w", err)
	}
	return out, nil
}

// ListMessages returns a transcript page for admin inspection.
func (s *ConversationStore) ListMessages(ctx context.Context, tenantID, conversationID string, page, pageSize int) ([]models.MessageLog, int, error) {
	var conv models.Conversation
	err := s.db.GetContext(ctx, &conv,
		`SELECT * FROM conversations WHERE id = $1 AND tenant_id = $2`, conversationID, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load conversation: %w", err)
	}

	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT count(*) FROM message_logs WHERE conversation_id = $1`, conversationID); err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	var out []models.MessageLog
	err = s.db.SelectContext(ctx, &out, `
		SELECT * FROM message_logs
		WHERE conversation_id = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3`,
		conversationID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list messages: %w", err)
	}
	return out, total, nil
}
