package orchestrator

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/chatmesh/chatmesh/pkg/auth"
	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/database"
	"github.com/chatmesh/chatmesh/pkg/metrics"
	"github.com/chatmesh/chatmesh/pkg/models"
	"github.com/chatmesh/chatmesh/pkg/policy"
	"github.com/chatmesh/chatmesh/pkg/store"
)

// objectPutter is the upload dependency; *objectstore.Store in production.
type objectPutter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// rotationBroadcaster fans rotation notices out to the gateways;
// *stream.Client in production.
type rotationBroadcaster interface {
	BroadcastRotation(ctx context.Context, channelType, channelID string) error
}

// Server is the orchestrator HTTP surface: the internal inbound endpoint the
// gateway forwards to, plus the tenant admin API.
type Server struct {
	echo     *echo.Echo
	http     *http.Server
	pipeline *Pipeline
	db       *database.Client

	channels      *store.ChannelStore
	conversations *store.ConversationStore
	policies      *store.PolicyStore
	assets        *store.AssetStore
	automations   *store.AutomationStore
	audits        *store.AuditStore

	resolver  *policy.Resolver
	tokens    *auth.TokenService
	objects   objectPutter
	ingest    publisher
	rotations rotationBroadcaster

	cfg    config.PipelineConfig
	logger *slog.Logger
}

// ServerDeps carries the server's dependencies.
type ServerDeps struct {
	Pipeline      *Pipeline
	DB            *database.Client
	Channels      *store.ChannelStore
	Conversations *store.ConversationStore
	Policies      *store.PolicyStore
	Assets        *store.AssetStore
	Automations   *store.AutomationStore
	Audits        *store.AuditStore
	Resolver      *policy.Resolver
	Tokens        *auth.TokenService
	Objects       objectPutter
	Ingest        publisher
	Rotations     rotationBroadcaster
	PipelineCfg   config.PipelineConfig
	Logger        *slog.Logger
}

// NewServer builds the server and registers all routes.
func NewServer(deps ServerDeps) *Server {
	s := &Server{
		echo:          echo.New(),
		pipeline:      deps.Pipeline,
		db:            deps.DB,
		channels:      deps.Channels,
		conversations: deps.Conversations,
		policies:      deps.Policies,
		assets:        deps.Assets,
		automations:   deps.Automations,
		audits:        deps.Audits,
		resolver:      deps.Resolver,
		tokens:        deps.Tokens,
		objects:       deps.Objects,
		ingest:        deps.Ingest,
		rotations:     deps.Rotations,
		cfg:           deps.PipelineCfg,
		logger:        deps.Logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/health", s.healthHandler)
	e.GET("/metrics", metrics.Handler())

	// Internal endpoint, reachable only from the gateway network.
	e.POST("/v1/messages/inbound", s.inboundHandler)

	admin := e.Group("/api/v1", s.tokens.Middleware())
	admin.POST("/tenants/:tenant_id/tokens", s.issueTokenHandler)

	admin.POST("/tenants/:tenant_id/policies", s.createDraftHandler)
	admin.GET("/tenants/:tenant_id/policies/published", s.getPublishedHandler)
	admin.GET("/tenants/:tenant_id/policies/diff", s.diffPoliciesHandler)
	admin.GET("/tenants/:tenant_id/policies/:version", s.getPolicyVersionHandler)
	admin.POST("/tenants/:tenant_id/policies/:version/publish", s.publishPolicyHandler)

	admin.GET("/tenants/:tenant_id/retrieval-config", s.getRetrievalConfigHandler)
	admin.PUT("/tenants/:tenant_id/retrieval-config", s.updateRetrievalConfigHandler)

	admin.POST("/tenants/:tenant_id/brands/:brand_id/assets", s.uploadAssetHandler)
	admin.GET("/tenants/:tenant_id/assets/:asset_id", s.getAssetHandler)
	admin.GET("/tenants/:tenant_id/ingestion-jobs", s.listIngestionJobsHandler)
	admin.GET("/tenants/:tenant_id/ingestion-jobs/:job_id", s.getIngestionJobHandler)
	admin.POST("/tenants/:tenant_id/ingestion-jobs/:job_id/retry", s.retryIngestionJobHandler)

	admin.POST("/tenants/:tenant_id/automation-rules", s.createRuleHandler)
	admin.GET("/tenants/:tenant_id/automation-rules/:rule_id", s.getRuleHandler)
	admin.POST("/tenants/:tenant_id/automation-rules/:rule_id/pause", s.pauseRuleHandler)
	admin.POST("/tenants/:tenant_id/automation-rules/:rule_id/resume", s.resumeRuleHandler)
	admin.POST("/tenants/:tenant_id/automation-rules/:rule_id/test", s.testRuleHandler)
	admin.GET("/tenants/:tenant_id/automation-jobs", s.listAutomationJobsHandler)

	admin.POST("/tenants/:tenant_id/channels/:channel_id/rotate-secret", s.rotateSecretHandler)
	admin.GET("/tenants/:tenant_id/conversations/:conversation_id/messages", s.listTranscriptHandler)

	// Flat admin surface: the tenant rides in the body or query instead of
	// the path. Same handlers and auth underneath.
	flat := e.Group("/admin", s.tokens.Middleware())
	flat.POST("/knowledge_assets/upload", s.uploadKnowledgeAssetHandler)
	flat.GET("/ingestion_jobs", s.listIngestionJobsHandler)
	flat.POST("/automation/rules", s.createRuleHandler)
	flat.POST("/automation/test", s.runRuleTestHandler)
	flat.POST("/automation/rules/:rule_id/pause", s.pauseRuleHandler)
	flat.POST("/automation/rules/:rule_id/resume", s.resumeRuleHandler)
	flat.GET("/automation/jobs", s.listAutomationJobsHandler)
	flat.POST("/policies/:tenant_id/draft", s.createDraftHandler)
	flat.POST("/policies/:tenant_id/publish", s.publishPolicyBodyHandler)
	flat.GET("/policies/:tenant_id/diff/:version", s.diffFromPublishedHandler)
}

// tenantID resolves the tenant from the route, falling back to the
// tenant_id query parameter on the flat admin routes.
func tenantID(c *echo.Context) string {
	if v := c.Param("tenant_id"); v != "" {
		return v
	}
	return c.QueryParam("tenant_id")
}

// Start begins serving on addr and blocks until the listener fails.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Orchestrator server listening", "addr", addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.DB)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":   "unhealthy",
			"database": dbHealth,
			"error":    err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "healthy",
		"database": dbHealth,
	})
}

func (s *Server) inboundHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.RequestDeadline)
	defer cancel()

	var msg models.InboundMessage
	if err := c.Bind(&msg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ack, err := s.pipeline.ProcessInbound(ctx, &msg)
	if err != nil {
		return mapServiceError(err)
	}
	// Accepted, not OK: the reply is delivered asynchronously through the
	// outbound stream.
	return c.JSON(http.StatusAccepted, ack)
}
