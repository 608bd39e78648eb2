package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewClientFromRedis(rdb)
}

func TestPublishFetchAck(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.EnsureGroup(ctx, OutboundStream, "gateway-out"))
	// Creating the same group twice is not an error.
	require.NoError(t, c.EnsureGroup(ctx, OutboundStream, "gateway-out"))

	type payload struct {
		DeliveryID string `json:"delivery_id"`
	}
	_, err := c.Publish(ctx, OutboundStream, payload{DeliveryID: "d-1"})
	require.NoError(t, err)
	_, err = c.Publish(ctx, OutboundStream, payload{DeliveryID: "d-2"})
	require.NoError(t, err)

	msgs, err := c.Fetch(ctx, OutboundStream, "gateway-out", "worker-1", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	var p payload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &p))
	assert.Equal(t, "d-1", p.DeliveryID)

	for _, m := range msgs {
		require.NoError(t, c.Ack(ctx, OutboundStream, "gateway-out", m.ID))
	}

	// Nothing new remains.
	msgs, err = c.Fetch(ctx, OutboundStream, "gateway-out", "worker-1", 10, time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeadLetterAcksOriginal(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.EnsureGroup(ctx, OutboundStream, "gateway-out"))
	_, err := c.Publish(ctx, OutboundStream, map[string]string{"delivery_id": "d-1"})
	require.NoError(t, err)

	msgs, err := c.Fetch(ctx, OutboundStream, "gateway-out", "worker-1", 1, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, c.DeadLetter(ctx, OutboundStream, "gateway-out", msgs[0].ID, msgs[0].Payload, "attempts exhausted"))

	pending, err := c.Redis().XPending(ctx, OutboundStream, "gateway-out").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)

	dlqLen, err := c.Redis().XLen(ctx, OutboundStream+DLQSuffix).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlqLen)
}

func TestDeduperLifecycle(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	d := NewDeduper(rdb, "dedup:inbound", time.Minute)
	hash := PayloadHash([]byte(`{"message":"hello"}`))

	state, _, err := d.Begin(ctx, "evt-1", hash)
	require.NoError(t, err)
	assert.Equal(t, DedupNew, state)

	// Same event while pending.
	state, _, err = d.Begin(ctx, "evt-1", hash)
	require.NoError(t, err)
	assert.Equal(t, DedupInProgress, state)

	// Same event ID, different payload.
	state, _, err = d.Begin(ctx, "evt-1", PayloadHash([]byte(`{"message":"other"}`)))
	require.NoError(t, err)
	assert.Equal(t, DedupMismatch, state)

	require.NoError(t, d.Complete(ctx, "evt-1", []byte(`{"conversation_id":"c-1"}`)))

	state, ack, err := d.Begin(ctx, "evt-1", hash)
	require.NoError(t, err)
	assert.Equal(t, DedupDone, state)
	assert.JSONEq(t, `{"conversation_id":"c-1"}`, string(ack))
}

func TestDeduperRelease(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	d := NewDeduper(rdb, "dedup:inbound", time.Minute)
	hash := PayloadHash([]byte("x"))

	state, _, err := d.Begin(ctx, "evt-2", hash)
	require.NoError(t, err)
	require.Equal(t, DedupNew, state)

	require.NoError(t, d.Release(ctx, "evt-2"))

	state, _, err = d.Begin(ctx, "evt-2", hash)
	require.NoError(t, err)
	assert.Equal(t, DedupNew, state)
}

func TestRotationBroadcastRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan RotationNotice, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.SubscribeRotations(ctx, func(n RotationNotice) {
			select {
			case got <- n:
			default:
			}
		})
	}()

	// The subscription registers asynchronously; re-broadcast until the
	// notice lands or the deadline passes.
	deadline := time.After(2 * time.Second)
	for {
		require.NoError(t, c.BroadcastRotation(ctx, "web", "chan-9"))
		select {
		case n := <-got:
			assert.Equal(t, "web", n.ChannelType)
			assert.Equal(t, "chan-9", n.ChannelID)
			cancel()
			<-done
			return
		case <-deadline:
			t.Fatal("rotation notice never arrived")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
