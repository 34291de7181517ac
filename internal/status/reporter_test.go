package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legal-rag/backend/pkg/circuitbreaker"
)

type fixedTotals struct {
	docs, chunks int
	err          error
}

func (f fixedTotals) Totals(ctx context.Context) (int, int, error) {
	return f.docs, f.chunks, f.err
}

func ok(ctx context.Context) error { return nil }

func TestStats(t *testing.T) {
	r := NewReporter(fixedTotals{docs: 3, chunks: 42}, Info{LLMModel: "gpt-4o-mini", EmbeddingModel: "hashing-384", CollectionName: "legal_documents"})
	r.started = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return r.started.Add(90*time.Minute + 1500*time.Millisecond) }

	s, err := r.Stats(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, s.TotalDocuments)
	assert.Equal(t, 42, s.TotalChunks)
	assert.Equal(t, "gpt-4o-mini", s.LLMModel)
	assert.Equal(t, "hashing-384", s.EmbeddingModel)
	assert.Equal(t, "legal_documents", s.CollectionName)
	assert.Equal(t, "1h30m1s", s.Uptime)
	assert.InDelta(t, 5401.5, s.UptimeSeconds, 1e-6)
}

func TestStatsPropagatesRegistryError(t *testing.T) {
	r := NewReporter(fixedTotals{err: errors.New("database is locked")}, Info{})

	_, err := r.Stats(context.Background())

	assert.Error(t, err)
}

func TestHealthAllComponentsHealthy(t *testing.T) {
	r := NewReporter(fixedTotals{}, Info{}, Check{Name: "vector_store", Probe: ok}, Check{Name: "registry", Probe: ok})

	h := r.Health(context.Background())

	assert.Equal(t, StatusHealthy, h.Status)
	assert.Len(t, h.Components, 2)
	assert.False(t, h.Timestamp.IsZero())
}

func TestHealthOneFailingComponent(t *testing.T) {
	r := NewReporter(fixedTotals{}, Info{},
		Check{Name: "vector_store", Probe: func(ctx context.Context) error { return errors.New("connection refused") }},
		Check{Name: "registry", Probe: ok},
	)

	h := r.Health(context.Background())

	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Equal(t, StatusUnhealthy, h.Components["vector_store"].Status)
	assert.Equal(t, "connection refused", h.Components["vector_store"].Error)
	assert.Equal(t, StatusHealthy, h.Components["registry"].Status)
}

func TestBreakerProbe(t *testing.T) {
	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Hour})
	probe := BreakerProbe(cb)

	assert.NoError(t, probe(context.Background()))

	_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	assert.Error(t, probe(context.Background()))
}
