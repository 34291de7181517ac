package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/ragerr"
	"github.com/legal-rag/backend/pkg/circuitbreaker"
	"github.com/legal-rag/backend/pkg/config"
	"github.com/legal-rag/backend/pkg/logger"
	"github.com/legal-rag/backend/pkg/retry"
)

// Embedder calls an OpenAI-compatible embeddings endpoint in fixed-size batches.
type Embedder struct {
	client      *openai.Client
	model       string
	dimension   int
	batchSize   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewEmbedder(cfg config.EmbeddingConfig) *Embedder {
	oaCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oaCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	logger.Info("Embedding client initialized",
		zap.String("model", cfg.Model),
		zap.Int("dimension", cfg.Dimension),
		zap.Int("batch_size", batchSize),
	)

	return &Embedder{
		client:    openai.NewClientWithConfig(oaCfg),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		batchSize: batchSize,
		timeout:   timeout,
		cb: circuitbreaker.NewCircuitBreaker("embedding", circuitbreaker.Config{
			MaxRequests:      5,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			IsFailure:        countsAgainstBreaker,
			Logger:           logger.GetLogger(),
		}),
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   500 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			ShouldRetry:    isRetryable,
			Logger:         logger.GetLogger(),
		},
	}
}

func (e *Embedder) Model() string  { return e.model }
func (e *Embedder) Dimension() int { return e.dimension }

func (e *Embedder) Breaker() *circuitbreaker.CircuitBreaker { return e.cb }

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := i + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch, err := e.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, batch...)
	}

	logger.Debug("Embeddings generated", zap.Int("count", len(embeddings)))
	return embeddings, nil
}

func (e *Embedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	data, err := circuitbreaker.ExecuteWithResult(ctx, e.cb, func() ([]openai.Embedding, error) {
		return retry.DoWithResult(ctx, e.retryConfig, func() ([]openai.Embedding, error) {
			resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: batch,
				Model: openai.EmbeddingModel(e.model),
			})
			if err != nil {
				return nil, fmt.Errorf("failed to generate embeddings: %w", err)
			}
			return resp.Data, nil
		})
	})
	if err != nil {
		return nil, ragerr.Wrap(ragerr.EmbeddingFailure, "embed", err)
	}

	if len(data) != len(batch) {
		return nil, ragerr.New(ragerr.EmbeddingFailure, "embed",
			fmt.Sprintf("expected %d embeddings, got %d", len(batch), len(data)))
	}

	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	out := make([][]float32, len(data))
	for i, d := range data {
		if len(d.Embedding) != e.dimension {
			return nil, ragerr.New(ragerr.DimensionMismatch, "embed",
				fmt.Sprintf("model %s returned %d dimensions, index expects %d", e.model, len(d.Embedding), e.dimension))
		}
		out[i] = d.Embedding
	}
	return out, nil
}
