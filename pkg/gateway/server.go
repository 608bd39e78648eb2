package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/chatmesh/chatmesh/pkg/auth"
	"github.com/chatmesh/chatmesh/pkg/cache"
	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/metrics"
	"github.com/chatmesh/chatmesh/pkg/models"
	"github.com/chatmesh/chatmesh/pkg/store"
)

// maxWebhookBytes bounds a single webhook POST body.
const maxWebhookBytes = 1 << 20

// Server terminates provider webhooks.
type Server struct {
	echo      *echo.Echo
	http      *http.Server
	channels  *store.ChannelStore
	audits    *store.AuditStore
	forwarder *Forwarder
	credCache *cache.TTL[*models.Channel]
	cfg       config.GatewayConfig
	logger    *slog.Logger
}

// NewServer builds the webhook server and registers routes.
func NewServer(channels *store.ChannelStore, audits *store.AuditStore, forwarder *Forwarder, cfg config.GatewayConfig, logger *slog.Logger) *Server {
	s := &Server{
		echo:      echo.New(),
		channels:  channels,
		audits:    audits,
		forwarder: forwarder,
		credCache: cache.NewTTL[*models.Channel](cfg.CredentialCacheTTL),
		cfg:       cfg,
		logger:    logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/health", func(c *echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
	e.GET("/metrics", metrics.Handler())
	// Providers either address the channel in the path or carry a
	// channel_id inside the payload; both URL shapes land on the same
	// handler.
	e.GET("/webhooks/:channel_type", s.verifyHandler)
	e.POST("/webhooks/:channel_type", s.webhookHandler)
	e.GET("/webhooks/:channel_type/:channel_id", s.verifyHandler)
	e.POST("/webhooks/:channel_type/:channel_id", s.webhookHandler)
}

// Start begins serving on addr and blocks until the listener fails.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Gateway server listening", "addr", addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// signatureHeaders maps each provider to the header its callbacks carry the
// hex-encoded HMAC in. The generic X-Hub-Signature-256 / X-Signature headers
// are honored as well.
var signatureHeaders = map[models.ChannelType]string{
	models.ChannelWeb:       "X-Webchat-Signature",
	models.ChannelTelegram:  "X-Telegram-Signature",
	models.ChannelWhatsApp:  "X-Whatsapp-Signature",
	models.ChannelInstagram: "X-Instagram-Signature",
}

// verifyHandler answers provider subscription handshakes: the hub.challenge
// value is echoed back when the verify token matches the channel secret.
func (s *Server) verifyHandler(c *echo.Context) error {
	channelType := models.ChannelType(c.Param("channel_type"))
	if err := models.ChannelTypeValidator(channelType); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown channel")
	}
	channel, err := s.resolveChannel(c, channelType, nil)
	if err != nil {
		return err
	}
	if c.QueryParam("hub.verify_token") != channel.HMACSecret {
		return echo.NewHTTPError(http.StatusUnauthorized, "verify token mismatch")
	}
	return c.String(http.StatusOK, c.QueryParam("hub.challenge"))
}

func (s *Server) webhookHandler(c *echo.Context) error {
	channelType := models.ChannelType(c.Param("channel_type"))
	if err := models.ChannelTypeValidator(channelType); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown channel")
	}

	// The body is read before channel resolution: on the single-segment
	// route the payload itself names the channel.
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if len(body) > maxWebhookBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}

	channel, err := s.resolveChannel(c, channelType, body)
	if err != nil {
		return err
	}

	// Signature is computed over the raw body, before any parsing.
	signature := c.Request().Header.Get(signatureHeaders[channelType])
	if signature == "" {
		signature = c.Request().Header.Get("X-Hub-Signature-256")
	}
	if signature == "" {
		signature = c.Request().Header.Get("X-Signature")
	}
	secrets := channel.ValidSecrets(time.Now(), s.cfg.SecretRotationGrace)
	if !auth.VerifySignature(signature, body, secrets) {
		s.auditSignatureMismatch(c.Request().Context(), channel)
		metrics.InboundMessages.WithLabelValues(string(channelType), "rejected").Inc()
		return echo.NewHTTPError(http.StatusUnauthorized, "signature mismatch")
	}

	messages, err := normalize(channel, body)
	if err != nil {
		metrics.InboundMessages.WithLabelValues(string(channelType), "rejected").Inc()
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	for _, msg := range messages {
		if err := s.forwarder.Enqueue(msg, channelType); err != nil {
			// Buffer full: tell the provider to redeliver later.
			s.logger.Warn("Inbound buffer full, rejecting webhook",
				"channel_id", channel.ID, "error", err)
			return echo.NewHTTPError(http.StatusServiceUnavailable, "busy, retry later")
		}
	}

	return c.NoContent(http.StatusAccepted)
}

// resolveChannel finds the channel a callback belongs to: the :channel_id
// path segment when present, the payload's top-level channel_id otherwise.
// Providers that carry neither resolve only when the type has exactly one
// active channel.
func (s *Server) resolveChannel(c *echo.Context, channelType models.ChannelType, body []byte) (*models.Channel, error) {
	channelID := c.Param("channel_id")
	if channelID == "" && len(body) > 0 {
		var ref struct {
			ChannelID string `json:"channel_id"`
		}
		if err := json.Unmarshal(body, &ref); err == nil {
			channelID = ref.ChannelID
		}
	}
	if channelID != "" {
		return s.lookupChannel(c.Request().Context(), channelType, channelID)
	}

	channels, err := s.channels.ListActiveByType(c.Request().Context(), channelType)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "channel lookup failed")
	}
	if len(channels) != 1 {
		return nil, echo.NewHTTPError(http.StatusNotFound, "unknown channel")
	}
	channel := channels[0]
	s.credCache.Set(string(channelType)+"/"+channel.ID, &channel)
	return &channel, nil
}

// lookupChannel loads a channel by type and id through the credential cache.
// Unknown, inactive, or type-mismatched channels are 404.
func (s *Server) lookupChannel(ctx context.Context, channelType models.ChannelType, channelID string) (*models.Channel, error) {
	cacheKey := string(channelType) + "/" + channelID
	if channel, ok := s.credCache.Get(cacheKey); ok {
		return channel, nil
	}

	channel, err := s.channels.GetActiveByTypeAndChannelID(ctx, channelType, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "unknown channel")
	}
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "channel lookup failed")
	}
	s.credCache.Set(cacheKey, channel)
	return channel, nil
}

// InvalidateChannel drops the cached credentials for a channel; called when
// a secret rotation is announced so the old secret stops verifying within
// the grace window rather than the cache TTL.
func (s *Server) InvalidateChannel(channelType, channelID string) {
	s.credCache.Invalidate(channelType + "/" + channelID)
}

func (s *Server) auditSignatureMismatch(ctx context.Context, channel *models.Channel) {
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.audits.Insert(auditCtx, &models.AuditEntry{
		TenantID: channel.TenantID,
		Actor:    "gateway",
		Action:   models.AuditSignatureMismatch,
		Detail:   models.JSONMap{"channel_id": channel.ID},
	}); err != nil {
		s.logger.Error("Failed to audit signature mismatch", "channel_id", channel.ID, "error", err)
	}
}
