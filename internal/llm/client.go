package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/metrics"
	"github.com/legal-rag/backend/internal/ragerr"
	"github.com/legal-rag/backend/pkg/circuitbreaker"
	"github.com/legal-rag/backend/pkg/config"
	"github.com/legal-rag/backend/pkg/logger"
	"github.com/legal-rag/backend/pkg/retry"
)

// Client talks to any OpenAI-compatible chat completion endpoint.
type Client struct {
	client           *openai.Client
	model            string
	alternativeModel string
	temperature      float32
	maxTokens        int
	timeout          time.Duration
	cb               *circuitbreaker.CircuitBreaker
	retryConfig      retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
	// Model overrides the configured model for this call.
	Model string
}

type CompletionResponse struct {
	Content string
	Model   string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func NewClient(cfg config.LLMConfig) *Client {
	oaCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure:        countsAgainstBreaker,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		ShouldRetry:    isRetryable,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("model", cfg.Model),
		zap.String("alternative_model", cfg.AlternativeModel),
		zap.String("base_url", oaCfg.BaseURL),
	)

	return &Client{
		client:           openai.NewClientWithConfig(oaCfg),
		model:            cfg.Model,
		alternativeModel: cfg.AlternativeModel,
		temperature:      cfg.Temperature,
		maxTokens:        cfg.MaxTokens,
		timeout:          timeout,
		cb:               cb,
		retryConfig:      retryConfig,
	}
}

func (c *Client) Model() string { return c.model }

func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.cb }

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = c.model
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	result, err := circuitbreaker.ExecuteWithResult(ctx, c.cb, func() (*CompletionResponse, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*CompletionResponse, error) {
			resp, err := c.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model:       model,
					Messages:    messages,
					Temperature: temperature,
					MaxTokens:   maxTokens,
				},
			)
			if err != nil {
				return nil, fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return nil, retry.Permanent(errors.New("completion returned no choices"))
			}

			logger.Debug("LLM completion generated",
				zap.String("model", model),
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			return &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Model:   model,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}, nil
		})
	})
	if err != nil {
		return nil, classify("complete", ctx, err)
	}

	metrics.LLMTokensUsed.WithLabelValues(model, "prompt").Add(float64(result.Usage.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(model, "completion").Add(float64(result.Usage.CompletionTokens))

	return result, nil
}

// Generate answers one assembled prompt. When the primary model fails and an
// alternative model is configured, the alternative is tried once.
func (c *Client) Generate(ctx context.Context, system, user string) (string, error) {
	resp, err := c.Complete(ctx, CompletionRequest{SystemPrompt: system, UserPrompt: user})
	if err == nil {
		return resp.Content, nil
	}
	// The alternative shares the breaker, so an open circuit rejects it too.
	if c.alternativeModel == "" || c.alternativeModel == c.model || ctx.Err() != nil || circuitbreaker.IsRejection(err) {
		return "", err
	}

	logger.Warn("Primary model failed, trying alternative",
		zap.String("model", c.model),
		zap.String("alternative_model", c.alternativeModel),
		zap.Error(err),
	)

	resp, altErr := c.Complete(ctx, CompletionRequest{SystemPrompt: system, UserPrompt: user, Model: c.alternativeModel})
	if altErr != nil {
		return "", altErr
	}
	return resp.Content, nil
}

// classify maps a transport failure onto the synthesis error kinds.
func classify(op string, ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ragerr.Wrap(ragerr.ModelTimeout, op, err)
	}
	return ragerr.Wrap(ragerr.ModelError, op, err)
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// isRetryable retries rate limits, server errors and transport failures, but not
// client errors such as a bad key or an unknown model.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	code := statusCode(err)
	if code == 0 {
		return true
	}
	return code == http.StatusTooManyRequests || code >= 500
}

func countsAgainstBreaker(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	code := statusCode(err)
	return code == 0 || code == http.StatusTooManyRequests || code >= 500
}
