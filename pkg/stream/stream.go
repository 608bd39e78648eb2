// Package stream provides the Redis Streams transport between components:
// the outbound delivery stream consumed by the gateway, the domain event bus
// consumed by the automation worker, and the ingestion nudge queue. Every
// stream is consumed through a consumer group so delivery is at-least-once;
// consumers are expected to deduplicate on their own idempotency keys.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream names shared by producers and consumers.
const (
	OutboundStream  = "chatmesh:outbound"
	EventBusStream  = "chatmesh:events"
	IngestionStream = "chatmesh:ingest"
)

// DLQSuffix is appended to a stream name to form its dead-letter stream.
const DLQSuffix = ".dlq"

// RotationChannel is the pubsub channel carrying credential rotation
// notices. Unlike the streams above it is fire-and-forget: a gateway that
// misses a notice falls back to its cache TTL.
const RotationChannel = "chatmesh:rotations"

const payloadField = "payload"

// Message is one entry read from a stream.
type Message struct {
	ID      string
	Payload []byte
}

// Client wraps a Redis connection with stream publish and group-consume
// operations.
type Client struct {
	rdb *redis.Client
}

// NewClient connects to the Redis at url and verifies the connection.
func NewClient(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// NewClientFromRedis wraps an existing connection; used by tests.
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Redis exposes the underlying connection for helpers built on plain keys.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Publish JSON-encodes v and appends it to the stream.
func (c *Client) Publish(ctx context.Context, stream string, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stream payload: %w", err)
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: raw},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append to stream %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group if it does not already exist.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Fetch reads up to count new entries for the consumer, blocking up to block.
// A nil slice with no error means the block window elapsed without entries.
func (c *Client) Fetch(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", stream, err)
	}
	return flatten(res), nil
}

// ClaimStale transfers entries pending longer than minIdle to the consumer.
// Used on startup and periodically to recover work from dead consumers.
func (c *Client) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	entries, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim stale entries on %s: %w", stream, err)
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, toMessage(e))
	}
	return out, nil
}

// Ack acknowledges a processed entry.
func (c *Client) Ack(ctx context.Context, stream, group, id string) error {
	if err := c.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack %s on %s: %w", id, stream, err)
	}
	return nil
}

// DeadLetter moves an exhausted entry to the stream's dead-letter stream and
// acknowledges the original in one step.
func (c *Client) DeadLetter(ctx context.Context, stream, group, id string, payload []byte, reason string) error {
	err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream + DLQSuffix,
		Values: map[string]any{payloadField: payload, "reason": reason, "source_id": id},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", id, err)
	}
	return c.Ack(ctx, stream, group, id)
}

// RotationNotice announces that a channel's webhook secret changed and any
// cached credentials for it are stale.
type RotationNotice struct {
	ChannelType string `json:"channel_type"`
	ChannelID   string `json:"channel_id"`
}

// BroadcastRotation publishes a rotation notice to every subscriber.
func (c *Client) BroadcastRotation(ctx context.Context, channelType, channelID string) error {
	raw, err := json.Marshal(RotationNotice{ChannelType: channelType, ChannelID: channelID})
	if err != nil {
		return fmt.Errorf("failed to marshal rotation notice: %w", err)
	}
	if err := c.rdb.Publish(ctx, RotationChannel, raw).Err(); err != nil {
		return fmt.Errorf("failed to broadcast rotation: %w", err)
	}
	return nil
}

// SubscribeRotations invokes fn for each rotation notice until ctx is
// cancelled. Malformed notices are dropped.
func (c *Client) SubscribeRotations(ctx context.Context, fn func(RotationNotice)) error {
	sub := c.rdb.Subscribe(ctx, RotationChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var notice RotationNotice
			if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
				continue
			}
			fn(notice)
		}
	}
}

func flatten(res []redis.XStream) []Message {
	var out []Message
	for _, xs := range res {
		for _, e := range xs.Messages {
			out = append(out, toMessage(e))
		}
	}
	return out
}

func toMessage(e redis.XMessage) Message {
	m := Message{ID: e.ID}
	if raw, ok := e.Values[payloadField].(string); ok {
		m.Payload = []byte(raw)
	}
	return m
}
