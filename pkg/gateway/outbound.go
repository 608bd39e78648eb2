package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/chatmesh/chatmesh/pkg/cache"
	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/errkind"
	"github.com/chatmesh/chatmesh/pkg/metrics"
	"github.com/chatmesh/chatmesh/pkg/models"
	"github.com/chatmesh/chatmesh/pkg/store"
	"github.com/chatmesh/chatmesh/pkg/stream"
)

const (
	outboundGroup     = "gateway-out"
	outboundBatchSize = 32
	outboundBlock     = 2 * time.Second
	staleClaimAfter   = time.Minute
	deliveredTTL      = 24 * time.Hour
)

// OutboundWorker consumes the outbound delivery stream and dispatches
// through the channel adapters. Deliveries sharing a partition key (channel,
// recipient) are dispatched in order; distinct keys run concurrently within
// a batch. Delivery IDs already marked delivered are acknowledged without a
// second send.
type OutboundWorker struct {
	streams   *stream.Client
	channels  *store.ChannelStore
	audits    *store.AuditStore
	adapters  AdapterRegistry
	credCache *cache.TTL[*models.Channel]
	consumer  string
	cfg       config.GatewayConfig
	logger    *slog.Logger
}

// NewOutboundWorker creates the worker.
func NewOutboundWorker(streams *stream.Client, channels *store.ChannelStore, audits *store.AuditStore, adapters AdapterRegistry, consumer string, cfg config.GatewayConfig, logger *slog.Logger) *OutboundWorker {
	return &OutboundWorker{
		streams:   streams,
		channels:  channels,
		audits:    audits,
		adapters:  adapters,
		credCache: cache.NewTTL[*models.Channel](cfg.CredentialCacheTTL),
		consumer:  consumer,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run consumes until ctx is canceled.
func (w *OutboundWorker) Run(ctx context.Context) error {
	if err := w.streams.EnsureGroup(ctx, stream.OutboundStream, outboundGroup); err != nil {
		return err
	}

	lastClaim := time.Time{}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var msgs []stream.Message
		var err error
		if time.Since(lastClaim) > staleClaimAfter {
			// Recover entries stranded by dead consumers before reading new
			// ones.
			msgs, err = w.streams.ClaimStale(ctx, stream.OutboundStream, outboundGroup, w.consumer, staleClaimAfter, outboundBatchSize)
			lastClaim = time.Now()
			if err != nil {
				w.logger.Error("Failed to claim stale outbound entries", "error", err)
			}
		}
		if len(msgs) == 0 {
			msgs, err = w.streams.Fetch(ctx, stream.OutboundStream, outboundGroup, w.consumer, outboundBatchSize, outboundBlock)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Error("Failed to read outbound stream", "error", err)
				time.Sleep(time.Second)
				continue
			}
		}
		if len(msgs) == 0 {
			continue
		}
		w.dispatchBatch(ctx, msgs)
	}
}

// dispatchBatch groups the batch by partition key and dispatches each key's
// entries sequentially, keys in parallel.
func (w *OutboundWorker) dispatchBatch(ctx context.Context, msgs []stream.Message) {
	partitions := make(map[string][]stream.Message)
	var order []string
	for _, m := range msgs {
		var d models.OutboundDelivery
		if err := json.Unmarshal(m.Payload, &d); err != nil {
			w.logger.Error("Unreadable outbound entry, dead-lettering", "stream_id", m.ID, "error", err)
			if dlErr := w.streams.DeadLetter(ctx, stream.OutboundStream, outboundGroup, m.ID, m.Payload, "unreadable payload"); dlErr != nil {
				w.logger.Error("Failed to dead-letter entry", "stream_id", m.ID, "error", dlErr)
			}
			continue
		}
		key := d.PartitionKey()
		if _, seen := partitions[key]; !seen {
			order = append(order, key)
		}
		partitions[key] = append(partitions[key], m)
	}

	var wg sync.WaitGroup
	for _, key := range order {
		entries := partitions[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, m := range entries {
				w.dispatchOne(ctx, m)
			}
		}()
	}
	wg.Wait()
}

func (w *OutboundWorker) dispatchOne(ctx context.Context, m stream.Message) {
	var d models.OutboundDelivery
	if err := json.Unmarshal(m.Payload, &d); err != nil {
		return
	}

	channel, err := w.lookupChannel(ctx, d.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		w.deadLetter(ctx, m, &d, nil, "channel unavailable: "+err.Error())
		return
	}
	if err != nil {
		// Likely a database blip. Leave the entry pending so a later claim
		// retries it.
		w.logger.Error("Channel lookup failed", "delivery_id", d.DeliveryID, "channel_id", d.ChannelID, "error", err)
		return
	}

	delivered, err := w.alreadyDelivered(ctx, d.DeliveryID)
	if err != nil {
		w.logger.Error("Delivered-marker check failed", "delivery_id", d.DeliveryID, "error", err)
	}
	if delivered {
		metrics.OutboundDeliveries.WithLabelValues(string(channel.ChannelType), "duplicate").Inc()
		w.ack(ctx, m.ID)
		return
	}

	adapter, err := w.adapters.Get(channel.ChannelType)
	if err != nil {
		w.deadLetter(ctx, m, &d, channel, err.Error())
		return
	}

	for attempt := d.Attempt; ; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, w.cfg.AdapterTimeout)
		err = adapter.Send(sendCtx, channel, &d)
		cancel()

		if err == nil {
			w.markDelivered(ctx, d.DeliveryID)
			metrics.OutboundDeliveries.WithLabelValues(string(channel.ChannelType), "delivered").Inc()
			w.ack(ctx, m.ID)
			return
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// Shutting down; leave the entry pending for the next consumer.
			return
		}
		if !errkind.Retryable(err) || attempt+1 >= w.cfg.MaxDeliveryAttempts {
			w.deadLetter(ctx, m, &d, channel, err.Error())
			return
		}

		metrics.OutboundDeliveries.WithLabelValues(string(channel.ChannelType), "retried").Inc()
		w.logger.Warn("Outbound send failed, retrying",
			"delivery_id", d.DeliveryID, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay(attempt)):
		}
	}
}

// InvalidateChannel drops the cached credentials for a channel, called when
// a rotation notice arrives.
func (w *OutboundWorker) InvalidateChannel(channelID string) {
	w.credCache.Invalidate(channelID)
}

func (w *OutboundWorker) lookupChannel(ctx context.Context, channelID string) (*models.Channel, error) {
	if channel, ok := w.credCache.Get(channelID); ok {
		return channel, nil
	}
	channel, err := w.channels.GetByID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !channel.Active {
		return nil, store.ErrNotFound
	}
	w.credCache.Set(channelID, channel)
	return channel, nil
}

func (w *OutboundWorker) alreadyDelivered(ctx context.Context, deliveryID string) (bool, error) {
	n, err := w.streams.Redis().Exists(ctx, "outbound:delivered:"+deliveryID).Result()
	return n > 0, err
}

func (w *OutboundWorker) markDelivered(ctx context.Context, deliveryID string) {
	if err := w.streams.Redis().Set(ctx, "outbound:delivered:"+deliveryID, "1", deliveredTTL).Err(); err != nil {
		w.logger.Error("Failed to mark delivery", "delivery_id", deliveryID, "error", err)
	}
}

func (w *OutboundWorker) ack(ctx context.Context, id string) {
	if err := w.streams.Ack(ctx, stream.OutboundStream, outboundGroup, id); err != nil {
		w.logger.Error("Failed to ack outbound entry", "stream_id", id, "error", err)
	}
}

func (w *OutboundWorker) deadLetter(ctx context.Context, m stream.Message, d *models.OutboundDelivery, channel *models.Channel, reason string) {
	channelType := "unknown"
	tenantID := ""
	if channel != nil {
		channelType = string(channel.ChannelType)
		tenantID = channel.TenantID
	}
	metrics.OutboundDeliveries.WithLabelValues(channelType, "dead_lettered").Inc()
	w.logger.Error("Dead-lettering outbound delivery",
		"delivery_id", d.DeliveryID, "channel_id", d.ChannelID, "reason", reason)

	if err := w.streams.DeadLetter(ctx, stream.OutboundStream, outboundGroup, m.ID, m.Payload, reason); err != nil {
		w.logger.Error("Failed to dead-letter delivery", "delivery_id", d.DeliveryID, "error", err)
		return
	}
	if err := w.audits.Insert(ctx, &models.AuditEntry{
		TenantID:      tenantID,
		Actor:         "gateway",
		Action:        models.AuditOutboundFailed,
		Detail:        models.JSONMap{"delivery_id": d.DeliveryID, "channel_id": d.ChannelID, "reason": reason},
		CorrelationID: d.CorrelationID,
	}); err != nil {
		w.logger.Error("Failed to audit dead-lettered delivery", "delivery_id", d.DeliveryID, "error", err)
	}
}

// retryDelay is 500ms doubled per attempt, capped at 30s, with ±25% jitter
// so retries from concurrent consumers spread out.
func retryDelay(attempt int) time.Duration {
	base := 500 * time.Millisecond
	for i := 0; i < attempt && base < 30*time.Second; i++ {
		base *= 2
	}
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := 1 + (rand.Float64()-0.5)/2
	return time.Duration(float64(base) * jitter)
}
