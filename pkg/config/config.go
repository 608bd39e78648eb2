// Package config loads and validates process configuration.
//
// All configuration is explicit: structs are populated from environment
// variables at startup, optionally overlaid with a YAML file named by
// CONFIG_FILE, and validated before any component runs. Invalid or missing
// required values are fatal.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration. Each component runner uses the
// sections relevant to it; Load populates and validates everything.
type Config struct {
	Redis       RedisConfig       `yaml:"redis"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	LLM         LLMConfig         `yaml:"llm"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	AdminAuth   AdminAuthConfig   `yaml:"admin_auth"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	Automation  AutomationConfig  `yaml:"automation"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
}

// RedisConfig covers the outbound stream, ingest queue nudges, the event
// bus, and the dedup seen-set. All four live on the same broker.
type RedisConfig struct {
	OutboundStreamURL string `yaml:"outbound_stream_url"`
	IngestQueueURL    string `yaml:"ingest_queue_url"`
	EventBusURL       string `yaml:"event_bus_url"`
}

// ObjectStoreConfig configures the S3-compatible object store.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// VectorStoreConfig configures the Milvus vector store.
type VectorStoreConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	// Dimension of the embedding vectors; collections are created with it.
	Dimension int `yaml:"dimension"`
}

// LLMConfig configures the chat completion provider.
type LLMConfig struct {
	ProviderURL   string        `yaml:"provider_url"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	FallbackModel string        `yaml:"fallback_model"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
}

// EmbeddingConfig configures the embedding providers. Provider selects the
// default; the other acts as fallback.
type EmbeddingConfig struct {
	Provider    string `yaml:"provider"` // "primary" or "fallback"
	APIKey      string `yaml:"api_key"`
	PrimaryURL  string `yaml:"primary_url"`
	FallbackURL string `yaml:"fallback_url"`
	Model       string `yaml:"model"`
	BatchSize   int    `yaml:"batch_size"`
}

// AdminAuthConfig configures bearer-JWT authentication for admin endpoints.
type AdminAuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	Issuer      string        `yaml:"issuer"`
	Audience    string        `yaml:"audience"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

// GatewayConfig controls webhook handling and outbound delivery.
type GatewayConfig struct {
	OrchestratorURL     string        `yaml:"orchestrator_url"`
	ForwardTimeout      time.Duration `yaml:"forward_timeout"`
	MaxBufferedEvents   int           `yaml:"max_buffered_events"`
	MaxForwardAttempts  int           `yaml:"max_forward_attempts"`
	MaxDeliveryAttempts int           `yaml:"max_delivery_attempts"`
	AdapterTimeout      time.Duration `yaml:"adapter_timeout"`
	CredentialCacheTTL  time.Duration `yaml:"credential_cache_ttl"`
	SecretRotationGrace time.Duration `yaml:"secret_rotation_grace"`
}

// IngestionConfig controls the ingestion worker pool.
type IngestionConfig struct {
	WorkerCount       int           `yaml:"worker_count"`
	MaxAttempts       int           `yaml:"max_attempts"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	PollJitter        time.Duration `yaml:"poll_jitter"`
	ChunkMaxTokens    int           `yaml:"chunk_max_tokens"`
	ChunkOverlap      int           `yaml:"chunk_overlap"`
	EmbedBatchSize    int           `yaml:"embed_batch_size"`
	OrphanScanEvery   time.Duration `yaml:"orphan_scan_every"`
}

// AutomationConfig controls the automation scheduler and dispatcher.
type AutomationConfig struct {
	MaxConcurrencyPerTenant int           `yaml:"max_concurrency_per_tenant"`
	ConnectorTimeout        time.Duration `yaml:"connector_timeout"`
	SchedulerTick           time.Duration `yaml:"scheduler_tick"`
	PollInterval            time.Duration `yaml:"poll_interval"`
	WorkerCount             int           `yaml:"worker_count"`
	SMTPHost                string        `yaml:"smtp_host"`
	SMTPPort                int           `yaml:"smtp_port"`
	SMTPUser                string        `yaml:"smtp_user"`
	SMTPPassword            string        `yaml:"smtp_password"`
	EmailFrom               string        `yaml:"email_from"`
}

// PipelineConfig controls the orchestrator request pipeline.
type PipelineConfig struct {
	RequestDeadline time.Duration `yaml:"request_deadline"`
	PolicyCacheTTL  time.Duration `yaml:"policy_cache_ttl"`
	DedupTTL        time.Duration `yaml:"dedup_ttl"`
	HistoryTurns    int           `yaml:"history_turns"`
	DrainDeadline   time.Duration `yaml:"drain_deadline"`
}

// Load populates the full configuration from the environment and validates
// it. It is called once at process start; errors are fatal to the caller.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.Redis = RedisConfig{
		OutboundStreamURL: getEnvOrDefault("OUTBOUND_STREAM_URL", "redis://localhost:6379/0"),
		IngestQueueURL:    getEnvOrDefault("INGEST_QUEUE_URL", "redis://localhost:6379/0"),
		EventBusURL:       getEnvOrDefault("EVENT_BUS_URL", "redis://localhost:6379/0"),
	}

	cfg.ObjectStore = ObjectStoreConfig{
		Endpoint:  os.Getenv("OBJECT_STORE_ENDPOINT"),
		Bucket:    getEnvOrDefault("OBJECT_STORE_BUCKET", "chatmesh-assets"),
		AccessKey: os.Getenv("OBJECT_STORE_ACCESS"),
		SecretKey: os.Getenv("OBJECT_STORE_SECRET"),
		Region:    getEnvOrDefault("OBJECT_STORE_REGION", "us-east-1"),
	}

	dim, err := getEnvInt("VECTOR_STORE_DIMENSION", 1536)
	if err != nil {
		return nil, err
	}
	cfg.VectorStore = VectorStoreConfig{
		URL:       getEnvOrDefault("VECTOR_STORE_URL", "localhost:19530"),
		APIKey:    os.Getenv("VECTOR_STORE_API_KEY"),
		Dimension: dim,
	}

	llmTimeout, err := getEnvDuration("LLM_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.LLM = LLMConfig{
		ProviderURL:   os.Getenv("LLM_PROVIDER_URL"),
		APIKey:        os.Getenv("LLM_API_KEY"),
		Model:         getEnvOrDefault("LLM_MODEL", "gpt-4o-mini"),
		FallbackModel: os.Getenv("LLM_FALLBACK_MODEL"),
		Timeout:       llmTimeout,
		MaxRetries:    2,
	}

	batch, err := getEnvInt("EMBEDDING_BATCH_SIZE", 64)
	if err != nil {
		return nil, err
	}
	cfg.Embedding = EmbeddingConfig{
		Provider:    getEnvOrDefault("EMBEDDING_PROVIDER", "primary"),
		APIKey:      os.Getenv("EMBEDDING_API_KEY"),
		PrimaryURL:  os.Getenv("EMBEDDING_PRIMARY_URL"),
		FallbackURL: os.Getenv("EMBEDDING_FALLBACK_URL"),
		Model:       getEnvOrDefault("EMBEDDING_MODEL", "text-embedding-3-small"),
		BatchSize:   batch,
	}

	ttlSecs, err := getEnvInt("ADMIN_JWT_TTL_SECONDS", 3600)
	if err != nil {
		return nil, err
	}
	cfg.AdminAuth = AdminAuthConfig{
		JWTSecret: os.Getenv("ADMIN_JWT_SECRET"),
		Issuer:    getEnvOrDefault("ADMIN_JWT_ISSUER", "chatmesh"),
		Audience:  getEnvOrDefault("ADMIN_JWT_AUDIENCE", "chatmesh-admin"),
		TokenTTL:  time.Duration(ttlSecs) * time.Second,
	}

	if cfg.Gateway, err = loadGatewayConfig(); err != nil {
		return nil, err
	}
	if cfg.Ingestion, err = loadIngestionConfig(); err != nil {
		return nil, err
	}
	if cfg.Automation, err = loadAutomationConfig(); err != nil {
		return nil, err
	}
	if cfg.Pipeline, err = loadPipelineConfig(); err != nil {
		return nil, err
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFile overlays a YAML config file on top of the environment-derived
// configuration. Keys absent from the file keep their env values, so the
// file can hold deployment tuning while secrets stay in the environment.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func loadGatewayConfig() (GatewayConfig, error) {
	var gc GatewayConfig
	var err error
	gc.OrchestratorURL = getEnvOrDefault("ORCHESTRATOR_URL", "http://localhost:8081")
	if gc.ForwardTimeout, err = getEnvDuration("GATEWAY_FORWARD_TIMEOUT", 5*time.Second); err != nil {
		return gc, err
	}
	if gc.MaxBufferedEvents, err = getEnvInt("GATEWAY_MAX_BUFFERED_EVENTS", 10000); err != nil {
		return gc, err
	}
	if gc.MaxForwardAttempts, err = getEnvInt("GATEWAY_MAX_FORWARD_ATTEMPTS", 6); err != nil {
		return gc, err
	}
	if gc.MaxDeliveryAttempts, err = getEnvInt("OUTBOUND_MAX_ATTEMPTS", 5); err != nil {
		return gc, err
	}
	if gc.AdapterTimeout, err = getEnvDuration("GATEWAY_ADAPTER_TIMEOUT", 10*time.Second); err != nil {
		return gc, err
	}
	if gc.CredentialCacheTTL, err = getEnvDuration("GATEWAY_CREDENTIAL_CACHE_TTL", 60*time.Second); err != nil {
		return gc, err
	}
	if gc.SecretRotationGrace, err = getEnvDuration("GATEWAY_SECRET_ROTATION_GRACE", 24*time.Hour); err != nil {
		return gc, err
	}
	return gc, nil
}

func loadIngestionConfig() (IngestionConfig, error) {
	var ic IngestionConfig
	var err error
	if ic.WorkerCount, err = getEnvInt("INGEST_WORKER_COUNT", 4); err != nil {
		return ic, err
	}
	if ic.MaxAttempts, err = getEnvInt("INGEST_MAX_ATTEMPTS", 5); err != nil {
		return ic, err
	}
	if ic.VisibilityTimeout, err = getEnvDuration("INGEST_VISIBILITY_TIMEOUT", 5*time.Minute); err != nil {
		return ic, err
	}
	if ic.PollInterval, err = getEnvDuration("INGEST_POLL_INTERVAL", time.Second); err != nil {
		return ic, err
	}
	if ic.PollJitter, err = getEnvDuration("INGEST_POLL_JITTER", 500*time.Millisecond); err != nil {
		return ic, err
	}
	if ic.ChunkMaxTokens, err = getEnvInt("INGEST_CHUNK_MAX_TOKENS", 512); err != nil {
		return ic, err
	}
	if ic.ChunkOverlap, err = getEnvInt("INGEST_CHUNK_OVERLAP", 64); err != nil {
		return ic, err
	}
	if ic.EmbedBatchSize, err = getEnvInt("INGEST_EMBED_BATCH_SIZE", 64); err != nil {
		return ic, err
	}
	if ic.OrphanScanEvery, err = getEnvDuration("INGEST_ORPHAN_SCAN_EVERY", time.Minute); err != nil {
		return ic, err
	}
	return ic, nil
}

func loadAutomationConfig() (AutomationConfig, error) {
	var ac AutomationConfig
	var err error
	if ac.MaxConcurrencyPerTenant, err = getEnvInt("AUTOMATION_MAX_CONCURRENCY_PER_TENANT", 4); err != nil {
		return ac, err
	}
	if ac.ConnectorTimeout, err = getEnvDuration("AUTOMATION_CONNECTOR_TIMEOUT", 10*time.Second); err != nil {
		return ac, err
	}
	if ac.SchedulerTick, err = getEnvDuration("AUTOMATION_SCHEDULER_TICK", time.Minute); err != nil {
		return ac, err
	}
	if ac.PollInterval, err = getEnvDuration("AUTOMATION_POLL_INTERVAL", time.Second); err != nil {
		return ac, err
	}
	if ac.WorkerCount, err = getEnvInt("AUTOMATION_WORKER_COUNT", 4); err != nil {
		return ac, err
	}
	if ac.SMTPPort, err = getEnvInt("AUTOMATION_SMTP_PORT", 587); err != nil {
		return ac, err
	}
	ac.SMTPHost = os.Getenv("AUTOMATION_SMTP_HOST")
	ac.SMTPUser = os.Getenv("AUTOMATION_SMTP_USER")
	ac.SMTPPassword = os.Getenv("AUTOMATION_SMTP_PASSWORD")
	ac.EmailFrom = getEnvOrDefault("AUTOMATION_EMAIL_FROM", "no-reply@chatmesh.io")
	return ac, nil
}

func loadPipelineConfig() (PipelineConfig, error) {
	var pc PipelineConfig
	var err error
	if pc.RequestDeadline, err = getEnvMillis("REQUEST_DEADLINE_MS", 30*time.Second); err != nil {
		return pc, err
	}
	if pc.PolicyCacheTTL, err = getEnvDuration("POLICY_CACHE_TTL", 30*time.Second); err != nil {
		return pc, err
	}
	// Dedup TTL must cover the webhook retry window plus headroom.
	if pc.DedupTTL, err = getEnvDuration("DEDUP_TTL", 10*time.Minute); err != nil {
		return pc, err
	}
	if pc.HistoryTurns, err = getEnvInt("PIPELINE_HISTORY_TURNS", 6); err != nil {
		return pc, err
	}
	if pc.DrainDeadline, err = getEnvDuration("DRAIN_DEADLINE", 30*time.Second); err != nil {
		return pc, err
	}
	return pc, nil
}

// Validate checks cross-field constraints. Unknown or out-of-range values
// are a fatal configuration error.
func (c *Config) Validate() error {
	if c.Embedding.Provider != "primary" && c.Embedding.Provider != "fallback" {
		return fmt.Errorf("EMBEDDING_PROVIDER must be primary or fallback, got %q", c.Embedding.Provider)
	}
	if c.Embedding.BatchSize < 1 || c.Embedding.BatchSize > 64 {
		return fmt.Errorf("EMBEDDING_BATCH_SIZE must be in [1,64], got %d", c.Embedding.BatchSize)
	}
	if c.Ingestion.WorkerCount < 1 {
		return fmt.Errorf("INGEST_WORKER_COUNT must be positive, got %d", c.Ingestion.WorkerCount)
	}
	if c.Automation.MaxConcurrencyPerTenant < 1 {
		return fmt.Errorf("AUTOMATION_MAX_CONCURRENCY_PER_TENANT must be positive, got %d", c.Automation.MaxConcurrencyPerTenant)
	}
	if c.Pipeline.RequestDeadline <= 0 {
		return fmt.Errorf("REQUEST_DEADLINE_MS must be positive")
	}
	if c.Pipeline.HistoryTurns < 0 {
		return fmt.Errorf("PIPELINE_HISTORY_TURNS must be non-negative, got %d", c.Pipeline.HistoryTurns)
	}
	if c.VectorStore.Dimension < 1 {
		return fmt.Errorf("VECTOR_STORE_DIMENSION must be positive, got %d", c.VectorStore.Dimension)
	}
	return nil
}
