package orchestrator

import (
	"encoding/json"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/chatmesh/chatmesh/pkg/auth"
	"github.com/chatmesh/chatmesh/pkg/models"
	"github.com/chatmesh/chatmesh/pkg/policy"
)

// createDraftHandler handles POST /api/v1/tenants/:tenant_id/policies.
// The request body is the policy document itself.
func (s *Server) createDraftHandler(c *echo.Context) error {
	tenantID := c.Param("tenant_id")

	var doc json.RawMessage
	if err := c.Bind(&doc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	parsed, err := policy.Parse(doc)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to normalize policy")
	}

	pv, err := s.policies.CreateDraft(c.Request().Context(), tenantID, normalized)
	if err != nil {
		return mapServiceError(err)
	}
	if err := s.audits.Insert(c.Request().Context(), &models.AuditEntry{
		TenantID: tenantID,
		Actor:    auth.Actor(c),
		Action:   models.AuditPolicyDrafted,
		Detail:   models.JSONMap{"version": pv.Version},
	}); err != nil {
		s.logger.Error("Failed to audit policy draft", "error", err)
	}
	return c.JSON(http.StatusCreated, pv)
}

// publishPolicyHandler handles POST .../policies/:version/publish.
func (s *Server) publishPolicyHandler(c *echo.Context) error {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
	}
	return s.publishPolicy(c, c.Param("tenant_id"), version)
}

// publishPolicyBodyHandler handles POST /admin/policies/:tenant_id/publish,
// where the version rides in the body.
func (s *Server) publishPolicyBodyHandler(c *echo.Context) error {
	var req struct {
		Version int `json:"version"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Version < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
	}
	return s.publishPolicy(c, c.Param("tenant_id"), req.Version)
}

func (s *Server) publishPolicy(c *echo.Context, tenantID string, version int) error {
	pv, err := s.policies.Publish(c.Request().Context(), tenantID, version)
	if err != nil {
		return mapServiceError(err)
	}
	// Drop the cached policy so the new version takes effect immediately.
	s.resolver.Invalidate(tenantID)

	if err := s.audits.Insert(c.Request().Context(), &models.AuditEntry{
		TenantID: tenantID,
		Actor:    auth.Actor(c),
		Action:   models.AuditPolicyPublished,
		Detail:   models.JSONMap{"version": version},
	}); err != nil {
		s.logger.Error("Failed to audit policy publish", "error", err)
	}
	return c.JSON(http.StatusOK, pv)
}

// getPublishedHandler handles GET .../policies/published.
func (s *Server) getPublishedHandler(c *echo.Context) error {
	pv, err := s.policies.GetPublished(c.Request().Context(), c.Param("tenant_id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, pv)
}

// getPolicyVersionHandler handles GET .../policies/:version.
func (s *Server) getPolicyVersionHandler(c *echo.Context) error {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
	}
	pv, err := s.policies.GetVersion(c.Request().Context(), c.Param("tenant_id"), version)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, pv)
}

// diffPoliciesHandler handles GET .../policies/diff?from=N&to=M.
func (s *Server) diffPoliciesHandler(c *echo.Context) error {
	tenantID := c.Param("tenant_id")
	from, err := strconv.Atoi(c.QueryParam("from"))
	if err != nil || from < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid from version")
	}
	to, err := strconv.Atoi(c.QueryParam("to"))
	if err != nil || to < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid to version")
	}

	ctx := c.Request().Context()
	fromPV, err := s.policies.GetVersion(ctx, tenantID, from)
	if err != nil {
		return mapServiceError(err)
	}
	toPV, err := s.policies.GetVersion(ctx, tenantID, to)
	if err != nil {
		return mapServiceError(err)
	}
	return s.diffVersions(c, fromPV, toPV)
}

// diffFromPublishedHandler handles GET /admin/policies/:tenant_id/diff/:version:
// it diffs the named version against the currently published one.
func (s *Server) diffFromPublishedHandler(c *echo.Context) error {
	tenantID := c.Param("tenant_id")
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
	}

	ctx := c.Request().Context()
	published, err := s.policies.GetPublished(ctx, tenantID)
	if err != nil {
		return mapServiceError(err)
	}
	target, err := s.policies.GetVersion(ctx, tenantID, version)
	if err != nil {
		return mapServiceError(err)
	}
	return s.diffVersions(c, published, target)
}

func (s *Server) diffVersions(c *echo.Context, fromPV, toPV *models.PolicyVersion) error {
	fromDoc, err := policy.Parse(fromPV.PolicyJSON)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "stored policy does not parse: "+err.Error())
	}
	toDoc, err := policy.Parse(toPV.PolicyJSON)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "stored policy does not parse: "+err.Error())
	}

	return c.JSON(http.StatusOK, map[string]any{
		"from":    fromPV.Version,
		"to":      toPV.Version,
		"changes": policy.Diff(fromDoc, toDoc),
	})
}

// getRetrievalConfigHandler handles GET .../retrieval-config.
func (s *Server) getRetrievalConfigHandler(c *echo.Context) error {
	rc, err := s.policies.GetRetrievalConfig(c.Request().Context(), c.Param("tenant_id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rc)
}

// updateRetrievalConfigHandler handles PUT .../retrieval-config.
func (s *Server) updateRetrievalConfigHandler(c *echo.Context) error {
	tenantID := c.Param("tenant_id")

	var rc models.RetrievalConfig
	if err := c.Bind(&rc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rc.TenantID = tenantID
	if rc.HybridWeight < 0 || rc.HybridWeight > 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "hybrid_weight must be in [0,1]")
	}
	if rc.MinScore < 0 || rc.MinScore > 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "min_score must be in [0,1]")
	}
	if rc.MaxDocuments < 1 || rc.MaxDocuments > 50 {
		return echo.NewHTTPError(http.StatusBadRequest, "max_documents must be in [1,50]")
	}
	if rc.ContextBudgetTokens < 128 {
		return echo.NewHTTPError(http.StatusBadRequest, "context_budget_tokens must be at least 128")
	}

	err := s.policies.UpdateRetrievalConfig(c.Request().Context(), &rc, &models.AuditEntry{
		TenantID: tenantID,
		Actor:    auth.Actor(c),
		Action:   models.AuditRetrievalUpdated,
		Detail:   models.JSONMap{"hybrid_weight": rc.HybridWeight, "min_score": rc.MinScore},
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rc)
}

// issueTokenHandler handles POST .../tokens. Only platform admins mint
// operator tokens.
func (s *Server) issueTokenHandler(c *echo.Context) error {
	claims := auth.ClaimsFrom(c)
	if claims == nil || claims.Scope != auth.ScopePlatformAdmin {
		return echo.NewHTTPError(http.StatusForbidden, "platform admin scope required")
	}

	var req struct {
		Subject string `json:"subject"`
		Scope   string `json:"scope"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Subject == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subject is required")
	}
	if req.Scope == "" {
		req.Scope = auth.ScopeTenantOperator
	}
	if req.Scope != auth.ScopePlatformAdmin && req.Scope != auth.ScopeTenantOperator {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown scope")
	}

	token, err := s.tokens.Issue(req.Subject, c.Param("tenant_id"), req.Scope)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"token": token})
}
