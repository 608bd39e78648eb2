package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatmesh/chatmesh/pkg/models"
	"github.com/chatmesh/chatmesh/pkg/store"
	"github.com/chatmesh/chatmesh/pkg/stream"
)

const matcherGroup = "automation"

// Matcher consumes the domain event bus and enqueues a job for every active
// event rule whose type and condition match.
type Matcher struct {
	rules    *store.AutomationStore
	streams  *stream.Client
	consumer string
	logger   *slog.Logger
}

// NewMatcher creates the matcher.
func NewMatcher(rules *store.AutomationStore, streams *stream.Client, consumer string, logger *slog.Logger) *Matcher {
	return &Matcher{rules: rules, streams: streams, consumer: consumer, logger: logger}
}

// Run consumes events until ctx is canceled.
func (m *Matcher) Run(ctx context.Context) error {
	if err := m.streams.EnsureGroup(ctx, stream.EventBusStream, matcherGroup); err != nil {
		return err
	}
	lastClaim := time.Time{}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var msgs []stream.Message
		var err error
		if time.Since(lastClaim) > time.Minute {
			msgs, err = m.streams.ClaimStale(ctx, stream.EventBusStream, matcherGroup, m.consumer, time.Minute, 32)
			lastClaim = time.Now()
			if err != nil {
				m.logger.Error("Failed to claim stale events", "error", err)
			}
		}
		if len(msgs) == 0 {
			msgs, err = m.streams.Fetch(ctx, stream.EventBusStream, matcherGroup, m.consumer, 32, 2*time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.logger.Error("Failed to read event bus", "error", err)
				time.Sleep(time.Second)
				continue
			}
		}
		for _, msg := range msgs {
			m.handle(ctx, msg)
		}
	}
}

func (m *Matcher) handle(ctx context.Context, msg stream.Message) {
	var event models.DomainEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		m.logger.Error("Unreadable event, dead-lettering", "stream_id", msg.ID, "error", err)
		if dlErr := m.streams.DeadLetter(ctx, stream.EventBusStream, matcherGroup, msg.ID, msg.Payload, "unreadable payload"); dlErr != nil {
			m.logger.Error("Failed to dead-letter event", "stream_id", msg.ID, "error", dlErr)
		}
		return
	}

	rules, err := m.rules.ActiveEventRules(ctx, event.Type)
	if err != nil {
		// Skip the ack; the stale-claim pass redelivers once the database
		// recovers.
		m.logger.Error("Failed to list event rules", "event_type", event.Type, "error", err)
		return
	}

	for i := range rules {
		rule := &rules[i]
		if rule.TenantID != event.TenantID {
			continue
		}
		if rule.BrandID != "" && event.BrandID != "" && rule.BrandID != event.BrandID {
			continue
		}
		if !conditionMatches(rule.Condition, event.Payload) {
			continue
		}
		job := &models.AutomationJob{
			RuleID:       rule.ID,
			TenantID:     rule.TenantID,
			ScheduledFor: time.Now(),
			Payload: mergePayload(event.Payload, models.JSONMap{
				"event_id":        event.ID,
				"event_type":      event.Type,
				"conversation_id": event.ConversationID,
			}),
		}
		if err := m.rules.EnqueueJob(ctx, job); err != nil {
			m.logger.Error("Failed to enqueue event job", "rule_id", rule.ID, "event_id", event.ID, "error", err)
			continue
		}
		m.logger.Info("Enqueued event automation job", "rule_id", rule.ID, "event_id", event.ID, "event_type", event.Type)
	}

	if err := m.streams.Ack(ctx, stream.EventBusStream, matcherGroup, msg.ID); err != nil {
		m.logger.Error("Failed to ack event", "stream_id", msg.ID, "error", err)
	}
}

// conditionMatches applies the rule condition as equality constraints over
// the event payload. An empty condition matches everything. Values are
// compared by string form so numbers survive the JSON round trip.
func conditionMatches(condition, payload models.JSONMap) bool {
	for key, want := range condition {
		got, ok := payload[key]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func mergePayload(base, extra models.JSONMap) models.JSONMap {
	out := models.JSONMap{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		if v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
