package embedding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/metrics"
	"github.com/legal-rag/backend/pkg/logger"
	"github.com/legal-rag/backend/pkg/utils"
)

// Cache stores vectors by key. Implemented by cache/redis.
type Cache interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, key string, embedding []float32, ttl time.Duration) error
}

// Cached serves repeated texts from a Cache and only sends misses to the wrapped Embedder.
// Cache failures degrade to direct calls.
type Cached struct {
	next  Embedder
	cache Cache
	ttl   time.Duration
}

func NewCached(next Embedder, cache Cache, ttl time.Duration) *Cached {
	return &Cached{next: next, cache: cache, ttl: ttl}
}

func (c *Cached) Dimension() int { return c.next.Dimension() }
func (c *Cached) Model() string  { return c.next.Model() }

func (c *Cached) key(text string) string {
	return utils.HashKey(c.next.Model(), text)
}

func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, t := range texts {
		v, ok, err := c.cache.GetEmbedding(ctx, c.key(t))
		if err != nil {
			logger.Warn("Embedding cache read failed", zap.Error(err))
		}
		if ok && len(v) == c.next.Dimension() {
			out[i] = v
			metrics.CacheHits.WithLabelValues("embedding").Inc()
			continue
		}
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		if err := c.cache.SetEmbedding(ctx, c.key(missTexts[j]), vecs[j], c.ttl); err != nil {
			logger.Warn("Embedding cache write failed", zap.Error(err))
		}
	}
	return out, nil
}
