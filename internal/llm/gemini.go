package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/legal-rag/backend/internal/metrics"
	"github.com/legal-rag/backend/pkg/circuitbreaker"
	"github.com/legal-rag/backend/pkg/config"
	"github.com/legal-rag/backend/pkg/logger"
	"github.com/legal-rag/backend/pkg/retry"
)

// GeminiClient generates answers through the Gemini API.
type GeminiClient struct {
	client           *genai.Client
	model            string
	alternativeModel string
	temperature      float32
	maxTokens        int32
	timeout          time.Duration
	cb               *circuitbreaker.CircuitBreaker
	retryConfig      retry.Config
}

func NewGeminiClient(ctx context.Context, cfg config.LLMConfig) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	logger.Info("Gemini client initialized", zap.String("model", cfg.Model))

	return &GeminiClient{
		client:           client,
		model:            cfg.Model,
		alternativeModel: cfg.AlternativeModel,
		temperature:      cfg.Temperature,
		maxTokens:        int32(cfg.MaxTokens),
		timeout:          timeout,
		cb: circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
			MaxRequests:      5,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			IsFailure:        func(err error) bool { return err != nil && !errors.Is(err, context.Canceled) },
			Logger:           logger.GetLogger(),
		}),
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   500 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}, nil
}

func (g *GeminiClient) Model() string { return g.model }

func (g *GeminiClient) Breaker() *circuitbreaker.CircuitBreaker { return g.cb }

func (g *GeminiClient) Generate(ctx context.Context, system, user string) (string, error) {
	text, err := g.generate(ctx, g.model, system, user)
	if err == nil {
		return text, nil
	}
	if g.alternativeModel == "" || g.alternativeModel == g.model || ctx.Err() != nil || circuitbreaker.IsRejection(err) {
		return "", err
	}

	logger.Warn("Primary model failed, trying alternative",
		zap.String("model", g.model),
		zap.String("alternative_model", g.alternativeModel),
		zap.Error(err),
	)
	return g.generate(ctx, g.alternativeModel, system, user)
}

func (g *GeminiClient) generate(ctx context.Context, model, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	temperature := g.temperature
	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.Text(system)[0],
		Temperature:       &temperature,
	}
	if g.maxTokens > 0 {
		genCfg.MaxOutputTokens = g.maxTokens
	}

	answer, err := circuitbreaker.ExecuteWithResult(ctx, g.cb, func() (string, error) {
		return retry.DoWithResult(ctx, g.retryConfig, func() (string, error) {
			result, err := g.client.Models.GenerateContent(ctx, model, genai.Text(user), genCfg)
			if err != nil {
				return "", fmt.Errorf("gemini api call failed: %w", err)
			}
			if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
				return "", retry.Permanent(errors.New("gemini returned no candidates"))
			}

			var sb strings.Builder
			for _, part := range result.Candidates[0].Content.Parts {
				if part != nil {
					sb.WriteString(part.Text)
				}
			}

			if result.UsageMetadata != nil {
				metrics.LLMTokensUsed.WithLabelValues(model, "prompt").Add(float64(result.UsageMetadata.PromptTokenCount))
				metrics.LLMTokensUsed.WithLabelValues(model, "completion").Add(float64(result.UsageMetadata.CandidatesTokenCount))
			}
			return sb.String(), nil
		})
	})
	if err != nil {
		return "", classify("generate", ctx, err)
	}
	return answer, nil
}
