package orchestrator

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/chatmesh/chatmesh/pkg/auth"
	"github.com/chatmesh/chatmesh/pkg/models"
)

// rotateSecretHandler handles POST .../channels/:channel_id/rotate-secret.
// The previous secret keeps verifying webhook signatures for the rotation
// grace window; the new secret is returned exactly once.
func (s *Server) rotateSecretHandler(c *echo.Context) error {
	tenantID := c.Param("tenant_id")
	channelID := c.Param("channel_id")

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to generate secret")
	}
	newSecret := hex.EncodeToString(buf)

	channel, err := s.channels.RotateSecret(c.Request().Context(), tenantID, channelID, newSecret)
	if err != nil {
		return mapServiceError(err)
	}
	if err := s.audits.Insert(c.Request().Context(), &models.AuditEntry{
		TenantID: tenantID,
		Actor:    auth.Actor(c),
		Action:   models.AuditSecretRotated,
		Detail:   models.JSONMap{"channel_id": channelID},
	}); err != nil {
		s.logger.Error("Failed to audit secret rotation", "error", err)
	}
	// Tell gateways to drop their cached credentials now instead of
	// waiting out the cache TTL.
	if s.rotations != nil {
		if err := s.rotations.BroadcastRotation(c.Request().Context(),
			string(channel.ChannelType), channel.ID); err != nil {
			s.logger.Warn("Failed to broadcast secret rotation",
				"channel_id", channel.ID, "error", err)
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"channel_id": channel.ID,
		"secret":     newSecret,
		"rotated_at": channel.RotatedAt,
	})
}

// listTranscriptHandler handles GET .../conversations/:conversation_id/messages.
func (s *Server) listTranscriptHandler(c *echo.Context) error {
	page, pageSize := paginationParams(c)
	messages, total, err := s.conversations.ListMessages(c.Request().Context(),
		c.Param("tenant_id"), c.Param("conversation_id"), page, pageSize)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"messages":  messages,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}
