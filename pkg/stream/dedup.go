package stream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupState is the outcome of checking an event against the seen-set.
type DedupState int

const (
	// DedupNew means the event has not been seen; the caller now owns it.
	DedupNew DedupState = iota
	// DedupInProgress means another worker holds the event with the same
	// payload. The caller should report a retryable condition.
	DedupInProgress
	// DedupDone means the event already completed; the stored ack is
	// returned so the caller can replay the original response.
	DedupDone
	// DedupMismatch means the event ID was reused with a different payload.
	DedupMismatch
)

const (
	pendingPrefix = "pending:"
	ackPrefix     = "ack:"
)

// Deduper implements inbound idempotency on top of plain Redis keys. An
// event moves new -> pending -> done; the pending marker carries the payload
// hash so an ID reused with a different body is detected rather than
// silently absorbed.
type Deduper struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewDeduper creates a Deduper whose markers expire after ttl.
func NewDeduper(rdb *redis.Client, prefix string, ttl time.Duration) *Deduper {
	return &Deduper{rdb: rdb, prefix: prefix, ttl: ttl}
}

// PayloadHash returns the hex SHA-256 of the canonical payload bytes.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (d *Deduper) key(eventID string) string {
	return d.prefix + ":" + eventID
}

// Begin attempts to claim the event. On DedupDone the stored ack bytes are
// returned.
func (d *Deduper) Begin(ctx context.Context, eventID, payloadHash string) (DedupState, []byte, error) {
	key := d.key(eventID)
	ok, err := d.rdb.SetNX(ctx, key, pendingPrefix+payloadHash, d.ttl).Result()
	if err != nil {
		return DedupNew, nil, fmt.Errorf("failed to claim dedup marker: %w", err)
	}
	if ok {
		return DedupNew, nil, nil
	}

	val, err := d.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		// Marker expired between SetNX and Get; retry the claim once.
		ok, err := d.rdb.SetNX(ctx, key, pendingPrefix+payloadHash, d.ttl).Result()
		if err != nil {
			return DedupNew, nil, fmt.Errorf("failed to reclaim dedup marker: %w", err)
		}
		if ok {
			return DedupNew, nil, nil
		}
		return DedupInProgress, nil, nil
	}
	if err != nil {
		return DedupNew, nil, fmt.Errorf("failed to read dedup marker: %w", err)
	}

	switch {
	case strings.HasPrefix(val, ackPrefix):
		return DedupDone, []byte(strings.TrimPrefix(val, ackPrefix)), nil
	case val == pendingPrefix+payloadHash:
		return DedupInProgress, nil, nil
	default:
		return DedupMismatch, nil, nil
	}
}

// Complete records the ack for a finished event so replays return it.
func (d *Deduper) Complete(ctx context.Context, eventID string, ack []byte) error {
	if err := d.rdb.Set(ctx, d.key(eventID), ackPrefix+string(ack), d.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store dedup ack: %w", err)
	}
	return nil
}

// Release drops the pending marker after a failure so a retry can claim the
// event again.
func (d *Deduper) Release(ctx context.Context, eventID string) error {
	if err := d.rdb.Del(ctx, d.key(eventID)).Err(); err != nil {
		return fmt.Errorf("failed to release dedup marker: %w", err)
	}
	return nil
}
