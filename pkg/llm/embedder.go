package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/llms/openai"

	"github.com/chatmesh/chatmesh/pkg/errkind"
)

// Embedder turns text into vectors. Implemented by EmbedderClient and by
// test fakes.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedderConfig selects the embedding provider. Provider names which of the
// two endpoints is used first; the other serves as fallback when the first
// fails.
type EmbedderConfig struct {
	Provider    string // "primary" or "fallback"
	APIKey      string
	PrimaryURL  string
	FallbackURL string
	Model       string
	BatchSize   int
}

type embeddingClient interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedderClient is the production Embedder. Inputs are split into batches
// of at most BatchSize; a batch that fails on the first endpoint is retried
// once on the second before the whole call fails.
type EmbedderClient struct {
	first     embeddingClient
	second    embeddingClient
	batchSize int
	logger    *slog.Logger
}

// NewEmbedder builds an EmbedderClient from config.
func NewEmbedder(cfg EmbedderConfig, logger *slog.Logger) (*EmbedderClient, error) {
	primary, err := newEmbeddingEndpoint(cfg.PrimaryURL, cfg.APIKey, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to create primary embedding client: %w", err)
	}
	var fallback embeddingClient
	if cfg.FallbackURL != "" {
		fallback, err = newEmbeddingEndpoint(cfg.FallbackURL, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to create fallback embedding client: %w", err)
		}
	}

	first, second := embeddingClient(primary), fallback
	if cfg.Provider == "fallback" && fallback != nil {
		first, second = fallback, primary
	}
	return newEmbedderClient(first, second, cfg.BatchSize, logger), nil
}

func newEmbedderClient(first, second embeddingClient, batchSize int, logger *slog.Logger) *EmbedderClient {
	if batchSize < 1 {
		batchSize = 64
	}
	return &EmbedderClient{first: first, second: second, batchSize: batchSize, logger: logger}
}

func newEmbeddingEndpoint(baseURL, apiKey, model string) (*openai.LLM, error) {
	opts := []openai.Option{openai.WithEmbeddingModel(model)}
	if apiKey != "" {
		opts = append(opts, openai.WithToken(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	return openai.New(opts...)
}

// Embed returns one vector per input text, in input order.
func (e *EmbedderClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		vectors, err := e.first.CreateEmbedding(ctx, batch)
		if err != nil && e.second != nil && ctx.Err() == nil {
			e.logger.Warn("Embedding endpoint failed, trying fallback", "batch_size", len(batch), "error", err)
			vectors, err = e.second.CreateEmbedding(ctx, batch)
		}
		if err != nil {
			return nil, errkind.Newf(errkind.Transient, "embedding call failed: %v", err)
		}
		if len(vectors) != len(batch) {
			return nil, errkind.Newf(errkind.Transient,
				"embedding provider returned %d vectors for %d inputs", len(vectors), len(batch))
		}
		out = append(out, vectors...)
	}
	return out, nil
}
