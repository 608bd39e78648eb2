// Package llm wraps the chat-completion provider behind a small interface
// with retries, a fallback model, and a circuit breaker. The provider speaks
// the OpenAI-compatible API; any endpoint implementing it works.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/chatmesh/chatmesh/pkg/errkind"
)

// Turn is one prior exchange in the conversation history.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// Request is a single completion request assembled by the orchestrator.
type Request struct {
	System      string
	History     []Turn
	UserMessage string
	Temperature float64
}

// Response carries the completion plus provider metadata for logging.
type Response struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator produces completions. Implemented by Client and by test fakes.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

type contentModel interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// Config carries provider settings.
type Config struct {
	ProviderURL   string
	APIKey        string
	Model         string
	FallbackModel string
	Timeout       time.Duration
	MaxRetries    int
}

// Client is the production Generator. Transient provider failures are
// retried with exponential backoff; when the primary model's retry budget is
// exhausted and a fallback model is configured, the request is tried once
// more on the fallback.
type Client struct {
	model         contentModel
	primaryModel  string
	fallbackModel string
	timeout       time.Duration
	maxRetries    int
	breaker       *gobreaker.CircuitBreaker
	logger        *slog.Logger
}

// NewClient builds a Client for the configured provider.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	opts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	if cfg.ProviderURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.ProviderURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm provider client: %w", err)
	}
	return newClient(model, cfg, logger), nil
}

func newClient(model contentModel, cfg Config, logger *slog.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("LLM circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return &Client{
		model:         model,
		primaryModel:  cfg.Model,
		fallbackModel: cfg.FallbackModel,
		timeout:       cfg.Timeout,
		maxRetries:    cfg.MaxRetries,
		breaker:       breaker,
		logger:        logger,
	}
}

// Generate runs the completion. The returned error is Transient when the
// caller may retry (provider overload, open breaker) and Degraded when the
// provider answered nothing usable.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	messages := buildMessages(req)

	resp, err := c.generateWithRetry(ctx, messages, c.primaryModel, req.Temperature)
	if err != nil && c.fallbackModel != "" && !errors.Is(err, context.Canceled) {
		c.logger.Warn("Primary model failed, trying fallback",
			"primary", c.primaryModel, "fallback", c.fallbackModel, "error", err)
		resp, err = c.generateOnce(ctx, messages, c.fallbackModel, req.Temperature)
	}
	return resp, err
}

func (c *Client) generateWithRetry(ctx context.Context, messages []llms.MessageContent, model string, temp float64) (*Response, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), uint64(c.maxRetries)), ctx)

	var resp *Response
	err := backoff.Retry(func() error {
		var err error
		resp, err = c.generateOnce(ctx, messages, model, temp)
		if err != nil && !errkind.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) generateOnce(ctx context.Context, messages []llms.MessageContent, model string, temp float64) (*Response, error) {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := c.breaker.Execute(func() (any, error) {
		return c.model.GenerateContent(callCtx, messages,
			llms.WithModel(model), llms.WithTemperature(temp))
	})
	latency := time.Since(start)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errkind.Newf(errkind.Transient, "llm provider circuit open")
	}
	if errors.Is(err, context.Canceled) {
		return nil, err
	}
	if err != nil {
		return nil, errkind.Newf(errkind.Transient, "llm provider call failed: %v", err)
	}

	out := raw.(*llms.ContentResponse)
	if len(out.Choices) == 0 || out.Choices[0].Content == "" {
		return nil, errkind.Newf(errkind.Degraded, "llm provider returned no content")
	}
	choice := out.Choices[0]

	resp := &Response{
		Content: choice.Content,
		Model:   model,
		Latency: latency,
	}
	if choice.GenerationInfo != nil {
		if v, ok := choice.GenerationInfo["PromptTokens"].(int); ok {
			resp.PromptTokens = v
		}
		if v, ok := choice.GenerationInfo["CompletionTokens"].(int); ok {
			resp.CompletionTokens = v
		}
	}
	return resp, nil
}

func buildMessages(req Request) []llms.MessageContent {
	messages := make([]llms.MessageContent, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	for _, turn := range req.History {
		role := llms.ChatMessageTypeHuman
		if turn.Role == "assistant" {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, turn.Content))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.UserMessage))
	return messages
}
