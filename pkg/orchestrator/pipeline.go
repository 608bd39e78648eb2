// Package orchestrator runs the inbound message pipeline and serves the
// admin API. The pipeline takes a normalized inbound event through
// deduplication, policy resolution, retrieval, generation, and guardrails,
// persists both transcript entries, and publishes the outbound delivery.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/errkind"
	"github.com/chatmesh/chatmesh/pkg/guardrails"
	"github.com/chatmesh/chatmesh/pkg/llm"
	"github.com/chatmesh/chatmesh/pkg/metrics"
	"github.com/chatmesh/chatmesh/pkg/models"
	"github.com/chatmesh/chatmesh/pkg/policy"
	"github.com/chatmesh/chatmesh/pkg/retrieval"
	"github.com/chatmesh/chatmesh/pkg/store"
	"github.com/chatmesh/chatmesh/pkg/stream"
)

// snippetRetriever is the retrieval dependency; *retrieval.Retriever in
// production, a fake in tests.
type snippetRetriever interface {
	Retrieve(ctx context.Context, tenantID, brandID, query string, cfg *models.RetrievalConfig) ([]retrieval.Snippet, error)
}

// publisher appends to a stream; *stream.Client in production.
type publisher interface {
	Publish(ctx context.Context, streamName string, v any) (string, error)
}

// conversationStore is the transcript dependency; *store.ConversationStore
// in production, a fake in tests.
type conversationStore interface {
	UpsertLocked(ctx context.Context, tx *sqlx.Tx, tenantID, brandID, channelID, senderID string) (*models.Conversation, error)
	AppendMessage(ctx context.Context, tx *sqlx.Tx, msg *models.MessageLog) error
	TouchLastMessageAt(ctx context.Context, tx *sqlx.Tx, conversationID string, at time.Time) error
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]models.MessageLog, error)
}

// retrievalConfigs reads per-tenant retrieval settings.
type retrievalConfigs interface {
	GetRetrievalConfig(ctx context.Context, tenantID string) (*models.RetrievalConfig, error)
}

// auditInserter records audit rows outside a transaction.
type auditInserter interface {
	Insert(ctx context.Context, entry *models.AuditEntry) error
}

// Pipeline processes inbound messages.
type Pipeline struct {
	db            *sqlx.DB
	conversations conversationStore
	policies      retrievalConfigs
	audits        auditInserter
	resolver      *policy.Resolver
	retriever     snippetRetriever
	generator     llm.Generator
	deduper       *stream.Deduper
	bus           publisher
	cfg           config.PipelineConfig
	logger        *slog.Logger
}

// NewPipeline wires the pipeline.
func NewPipeline(
	db *sqlx.DB,
	conversations conversationStore,
	policies retrievalConfigs,
	audits auditInserter,
	resolver *policy.Resolver,
	retriever snippetRetriever,
	generator llm.Generator,
	deduper *stream.Deduper,
	bus publisher,
	cfg config.PipelineConfig,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		db:            db,
		conversations: conversations,
		policies:      policies,
		audits:        audits,
		resolver:      resolver,
		retriever:     retriever,
		generator:     generator,
		deduper:       deduper,
		bus:           bus,
		cfg:           cfg,
		logger:        logger,
	}
}

type pipelineResult struct {
	ack             models.InboundAck
	delivery        models.OutboundDelivery
	escalated       bool
	degraded        bool
	contextDegraded bool
}

// ProcessInbound runs the pipeline for one inbound message. Repeated event
// IDs replay the stored ack; an event ID reused with a different payload is
// a Conflict. A failed run releases the dedup claim so a webhook retry
// starts clean; the inbound turn commits before generation, so a retried
// event may append it a second time.
func (p *Pipeline) ProcessInbound(ctx context.Context, msg *models.InboundMessage) (*models.InboundAck, error) {
	start := time.Now()
	if err := validateInbound(msg); err != nil {
		return nil, err
	}
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = time.Now()
	}

	canonical, err := json.Marshal(msg)
	if err != nil {
		return nil, errkind.Newf(errkind.Validation, "failed to canonicalize message: %v", err)
	}
	hash := stream.PayloadHash(canonical)

	state, stored, err := p.deduper.Begin(ctx, msg.EventID, hash)
	if err != nil {
		return nil, errkind.New(errkind.Transient, err)
	}
	switch state {
	case stream.DedupDone:
		var ack models.InboundAck
		if err := json.Unmarshal(stored, &ack); err != nil {
			return nil, errkind.Newf(errkind.Transient, "stored ack unreadable for event %s", msg.EventID)
		}
		return &ack, nil
	case stream.DedupInProgress:
		return nil, errkind.Newf(errkind.Transient, "event %s is already being processed", msg.EventID)
	case stream.DedupMismatch:
		return nil, errkind.Newf(errkind.Conflict, "event %s was seen with a different payload", msg.EventID)
	}

	completed := false
	defer func() {
		if !completed {
			// Release with a detached context so a canceled request still
			// frees the claim for the webhook retry.
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := p.deduper.Release(releaseCtx, msg.EventID); err != nil {
				p.logger.Error("Failed to release dedup claim", "event_id", msg.EventID, "error", err)
			}
		}
	}()

	res, err := p.run(ctx, msg)
	if err != nil {
		return nil, err
	}

	// The transaction is committed: this event happened. Publishing and
	// marker completion run detached so a late client disconnect cannot
	// orphan a persisted reply.
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	p.publishOutcome(postCtx, msg, res)

	ackJSON, err := json.Marshal(res.ack)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ack: %w", err)
	}
	if err := p.deduper.Complete(postCtx, msg.EventID, ackJSON); err != nil {
		// The marker stays pending; a replay within the TTL re-runs the
		// pipeline and appends duplicate transcript rows. Log loudly.
		p.logger.Error("Failed to store dedup ack", "event_id", msg.EventID, "error", err)
	}
	completed = true

	metrics.PipelineLatency.Observe(time.Since(start).Seconds())
	p.logger.Info("Inbound message processed",
		"event_id", msg.EventID,
		"tenant_id", msg.TenantID,
		"conversation_id", res.ack.ConversationID,
		"escalated", res.escalated,
		"degraded", res.degraded,
		"duration_ms", time.Since(start).Milliseconds())
	return &res.ack, nil
}

func (p *Pipeline) run(ctx context.Context, msg *models.InboundMessage) (*pipelineResult, error) {
	resolved, err := p.resolver.Resolve(ctx, msg.TenantID)
	if err != nil {
		return nil, errkind.New(errkind.Transient, err)
	}
	pol := resolved.Policy
	chain := guardrails.NewChain(pol, p.logger)

	escalate, fired := chain.CheckInbound(msg.Message)

	res := &pipelineResult{}

	// First transaction: upsert the conversation and commit the inbound
	// turn. The row lock taken by the upsert is released at commit, before
	// retrieval or generation touches any provider.
	var conv *models.Conversation
	err = store.WithTx(ctx, p.db, func(tx *sqlx.Tx) error {
		var txErr error
		conv, txErr = p.conversations.UpsertLocked(ctx, tx, msg.TenantID, msg.BrandID, msg.ChannelID, msg.SenderID)
		if txErr != nil {
			return txErr
		}
		return p.conversations.AppendMessage(ctx, tx, &models.MessageLog{
			ConversationID: conv.ID,
			Direction:      models.DirectionIn,
			Content:        msg.Message,
			Metadata:       msg.Metadata,
			CorrelationID:  msg.EventID,
		})
	})
	if err != nil {
		return nil, err
	}

	var reply string
	switch {
	case escalate:
		reply = pol.EscalationReply
		res.escalated = true
	default:
		reply, err = p.generateReply(ctx, conv, msg, pol, res)
		if err != nil {
			return nil, err
		}
		verdict := chain.CheckOutbound(reply)
		switch verdict.Decision {
		case guardrails.Rewrite:
			reply = verdict.Text
		case guardrails.Escalate:
			reply = pol.EscalationReply
			res.escalated = true
			fired = verdict.Fired
		}
	}
	if reply == "" {
		reply = pol.FallbackReply
		res.degraded = true
	}

	res.ack = models.InboundAck{ConversationID: conv.ID, DeliveryID: uuid.NewString()}
	res.delivery = models.OutboundDelivery{
		DeliveryID:       res.ack.DeliveryID,
		ChannelID:        msg.ChannelID,
		ExternalSenderID: msg.SenderID,
		Content:          reply,
		CorrelationID:    msg.EventID,
	}

	// Second transaction: the generated turn and its audit trail.
	now := time.Now()
	err = store.WithTx(ctx, p.db, func(tx *sqlx.Tx) error {
		outMeta := models.JSONMap{"policy_version": resolved.Version}
		if res.escalated {
			outMeta["escalated"] = true
		}
		if res.degraded {
			outMeta["degraded"] = true
		}
		if res.contextDegraded {
			outMeta["context_degraded"] = true
		}
		if err := p.conversations.AppendMessage(ctx, tx, &models.MessageLog{
			ConversationID: conv.ID,
			Direction:      models.DirectionOut,
			Content:        reply,
			Metadata:       outMeta,
			CorrelationID:  msg.EventID,
		}); err != nil {
			return err
		}
		if err := p.conversations.TouchLastMessageAt(ctx, tx, conv.ID, now); err != nil {
			return err
		}
		if res.escalated {
			if err := store.InsertAuditTx(ctx, tx, &models.AuditEntry{
				TenantID:      msg.TenantID,
				Actor:         "pipeline",
				Action:        models.AuditEscalation,
				Detail:        models.JSONMap{"conversation_id": conv.ID, "rules": strings.Join(fired, ",")},
				CorrelationID: msg.EventID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// generateReply assembles the prompt and calls the provider. Retrieval
// failures degrade to an ungrounded answer (context_degraded on the
// outbound turn); generation failures degrade to the fallback copy unless
// they are retryable, which propagates so the webhook layer retries the
// whole event.
func (p *Pipeline) generateReply(ctx context.Context, conv *models.Conversation, msg *models.InboundMessage, pol *policy.Policy, res *pipelineResult) (string, error) {
	rc, err := p.policies.GetRetrievalConfig(ctx, msg.TenantID)
	if err != nil {
		return "", errkind.New(errkind.Transient, err)
	}

	var snippets []retrieval.Snippet
	snippets, err = p.retriever.Retrieve(ctx, msg.TenantID, msg.BrandID, msg.Message, rc)
	if err != nil {
		p.logger.Warn("Retrieval failed, answering without grounding",
			"tenant_id", msg.TenantID, "event_id", msg.EventID, "error", err)
		snippets = nil
		res.degraded = true
		res.contextDegraded = true
	}

	turns := pol.HistoryTurns
	if turns <= 0 {
		turns = p.cfg.HistoryTurns
	}
	history, err := p.conversations.RecentTurns(ctx, conv.ID, turns*2)
	if err != nil {
		return "", errkind.New(errkind.Transient, err)
	}

	req := llm.Request{
		System:      buildSystemPrompt(pol, snippets, msg.Locale),
		History:     toTurns(history),
		UserMessage: msg.Message,
		Temperature: pol.Temperature,
	}
	resp, err := p.generator.Generate(ctx, req)
	if err != nil {
		if errkind.Retryable(err) {
			return "", err
		}
		p.logger.Warn("Generation degraded to fallback reply",
			"tenant_id", msg.TenantID, "event_id", msg.EventID, "error", err)
		res.degraded = true
		return pol.FallbackReply, nil
	}
	metrics.LLMLatency.WithLabelValues(resp.Model).Observe(resp.Latency.Seconds())
	return resp.Content, nil
}

func (p *Pipeline) publishOutcome(ctx context.Context, msg *models.InboundMessage, res *pipelineResult) {
	if _, err := p.bus.Publish(ctx, stream.OutboundStream, res.delivery); err != nil {
		p.logger.Error("Failed to publish outbound delivery",
			"delivery_id", res.delivery.DeliveryID, "error", err)
		if auditErr := p.audits.Insert(ctx, &models.AuditEntry{
			TenantID:      msg.TenantID,
			Actor:         "pipeline",
			Action:        models.AuditOutboundFailed,
			Detail:        models.JSONMap{"delivery_id": res.delivery.DeliveryID, "reason": err.Error()},
			CorrelationID: msg.EventID,
		}); auditErr != nil {
			p.logger.Error("Failed to record outbound publish failure", "error", auditErr)
		}
	}

	eventType := models.EventMessageReceived
	if res.escalated {
		eventType = models.EventConversationEscalated
	}
	if _, err := p.bus.Publish(ctx, stream.EventBusStream, models.DomainEvent{
		ID:             uuid.NewString(),
		Type:           eventType,
		TenantID:       msg.TenantID,
		BrandID:        msg.BrandID,
		ConversationID: res.ack.ConversationID,
		Payload:        models.JSONMap{"event_id": msg.EventID},
		OccurredAt:     time.Now(),
	}); err != nil {
		p.logger.Error("Failed to publish domain event", "type", eventType, "error", err)
	}
}

func validateInbound(msg *models.InboundMessage) error {
	switch {
	case msg.EventID == "":
		return errkind.Newf(errkind.Validation, "event_id is required")
	case msg.TenantID == "":
		return errkind.Newf(errkind.Validation, "tenant_id is required")
	case msg.ChannelID == "":
		return errkind.Newf(errkind.Validation, "channel_id is required")
	case msg.SenderID == "":
		return errkind.Newf(errkind.Validation, "sender_id is required")
	case strings.TrimSpace(msg.Message) == "":
		return errkind.Newf(errkind.Validation, "message is required")
	}
	return nil
}

func buildSystemPrompt(pol *policy.Policy, snippets []retrieval.Snippet, locale string) string {
	var b strings.Builder
	b.WriteString(pol.Persona)
	if pol.Tone != "" {
		b.WriteString("\nTone: ")
		b.WriteString(pol.Tone)
	}
	if locale != "" {
		b.WriteString("\nReply in the user's locale: ")
		b.WriteString(locale)
	}
	for _, rule := range pol.SafetyRules {
		b.WriteString("\n- ")
		b.WriteString(rule)
	}
	if len(snippets) > 0 {
		b.WriteString("\n\nUse the following knowledge snippets when relevant:\n")
		for i, s := range snippets {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, s.Text)
		}
	}
	return b.String()
}

func toTurns(history []models.MessageLog) []llm.Turn {
	out := make([]llm.Turn, 0, len(history))
	for _, m := range history {
		role := "user"
		if m.Direction == models.DirectionOut {
			role = "assistant"
		}
		out = append(out, llm.Turn{Role: role, Content: m.Content})
	}
	return out
}
