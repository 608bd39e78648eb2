package orchestrator

import (
	"net/http"
	"time"

	"github.com/adhocore/gronx"
	echo "github.com/labstack/echo/v5"

	"github.com/chatmesh/chatmesh/pkg/auth"
	"github.com/chatmesh/chatmesh/pkg/models"
)

type createRuleRequest struct {
	TenantID        string         `json:"tenant_id"`
	BrandID         string         `json:"brand_id"`
	Name            string         `json:"name"`
	TriggerKind     string         `json:"trigger_kind"`
	CronExpr        string         `json:"cron_expr"`
	EventType       string         `json:"event_type"`
	Condition       map[string]any `json:"condition"`
	ActionType      string         `json:"action_type"`
	ActionPayload   map[string]any `json:"action_payload"`
	ThrottleSeconds int            `json:"throttle_seconds"`
	MaxRetries      int            `json:"max_retries"`
}

// createRuleHandler handles POST .../automation-rules and
// POST /admin/automation/rules, where the tenant rides in the body.
func (s *Server) createRuleHandler(c *echo.Context) error {
	var req createRuleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	tenant := tenantID(c)
	if tenant == "" {
		tenant = req.TenantID
	}
	if tenant == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "tenant_id is required")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if err := models.TriggerKindValidator(models.TriggerKind(req.TriggerKind)); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := models.ActionTypeValidator(models.ActionType(req.ActionType)); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	switch models.TriggerKind(req.TriggerKind) {
	case models.TriggerCron:
		if !gronx.New().IsValid(req.CronExpr) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid cron expression")
		}
	case models.TriggerEvent:
		if req.EventType == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "event_type is required for event triggers")
		}
	}
	if req.ThrottleSeconds < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "throttle_seconds must be non-negative")
	}
	if req.MaxRetries < 0 || req.MaxRetries > 10 {
		return echo.NewHTTPError(http.StatusBadRequest, "max_retries must be in [0,10]")
	}

	rule := &models.AutomationRule{
		TenantID:        tenant,
		BrandID:         req.BrandID,
		Name:            req.Name,
		TriggerKind:     models.TriggerKind(req.TriggerKind),
		CronExpr:        req.CronExpr,
		EventType:       req.EventType,
		Condition:       models.JSONMap(req.Condition),
		ActionType:      models.ActionType(req.ActionType),
		ActionPayload:   models.JSONMap(req.ActionPayload),
		ThrottleSeconds: req.ThrottleSeconds,
		MaxRetries:      req.MaxRetries,
		Active:          true,
	}
	err := s.automations.CreateRule(c.Request().Context(), rule, &models.AuditEntry{
		TenantID: tenant,
		Actor:    auth.Actor(c),
		Action:   models.AuditRuleMutated,
		Detail:   models.JSONMap{"rule_id": rule.ID, "op": "create"},
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, rule)
}

// getRuleHandler handles GET .../automation-rules/:rule_id.
func (s *Server) getRuleHandler(c *echo.Context) error {
	rule, err := s.automations.GetRule(c.Request().Context(), c.Param("tenant_id"), c.Param("rule_id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rule)
}

// pauseRuleHandler handles POST .../automation-rules/:rule_id/pause.
func (s *Server) pauseRuleHandler(c *echo.Context) error {
	return s.setRuleActive(c, false)
}

// resumeRuleHandler handles POST .../automation-rules/:rule_id/resume.
func (s *Server) resumeRuleHandler(c *echo.Context) error {
	return s.setRuleActive(c, true)
}

func (s *Server) setRuleActive(c *echo.Context, active bool) error {
	ruleID := c.Param("rule_id")
	tenant := tenantID(c)
	if tenant == "" {
		// Flat admin routes carry no tenant; resolve it from the rule.
		rule, err := s.automations.GetRuleAny(c.Request().Context(), ruleID)
		if err != nil {
			return mapServiceError(err)
		}
		tenant = rule.TenantID
	}
	op := "pause"
	if active {
		op = "resume"
	}
	err := s.automations.SetRuleActive(c.Request().Context(), tenant, ruleID, active, &models.AuditEntry{
		TenantID: tenant,
		Actor:    auth.Actor(c),
		Action:   models.AuditRuleMutated,
		Detail:   models.JSONMap{"rule_id": ruleID, "op": op},
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"rule_id": ruleID, "active": active})
}

// testRuleHandler handles POST .../automation-rules/:rule_id/test: it
// enqueues one immediate job with the supplied payload so the operator can
// watch the real dispatcher execute it.
func (s *Server) testRuleHandler(c *echo.Context) error {
	var payload map[string]any
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return s.enqueueRuleTest(c, c.Param("tenant_id"), c.Param("rule_id"), payload)
}

type ruleTestRequest struct {
	RuleID   string         `json:"rule_id"`
	TenantID string         `json:"tenant_id"`
	Payload  map[string]any `json:"payload"`
}

// runRuleTestHandler handles POST /admin/automation/test, the flat-body
// variant of the rule test.
func (s *Server) runRuleTestHandler(c *echo.Context) error {
	var req ruleTestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RuleID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "rule_id is required")
	}
	tenant := req.TenantID
	if tenant == "" {
		rule, err := s.automations.GetRuleAny(c.Request().Context(), req.RuleID)
		if err != nil {
			return mapServiceError(err)
		}
		tenant = rule.TenantID
	}
	return s.enqueueRuleTest(c, tenant, req.RuleID, req.Payload)
}

func (s *Server) enqueueRuleTest(c *echo.Context, tenant, ruleID string, payload map[string]any) error {
	rule, err := s.automations.GetRule(c.Request().Context(), tenant, ruleID)
	if err != nil {
		return mapServiceError(err)
	}

	if payload == nil {
		payload = map[string]any{}
	}
	payload["test"] = true

	job := &models.AutomationJob{
		RuleID:       rule.ID,
		TenantID:     tenant,
		ScheduledFor: time.Now(),
		Payload:      models.JSONMap(payload),
	}
	if err := s.automations.EnqueueJob(c.Request().Context(), job); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, job)
}

// listAutomationJobsHandler handles GET .../automation-jobs.
func (s *Server) listAutomationJobsHandler(c *echo.Context) error {
	page, pageSize := paginationParams(c)
	jobs, total, err := s.automations.ListJobs(c.Request().Context(), tenantID(c), page, pageSize)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"jobs":      jobs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}
