// Package status reports corpus statistics and dependency health.
package status

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/storage/models"
	"github.com/legal-rag/backend/pkg/circuitbreaker"
	"github.com/legal-rag/backend/pkg/logger"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Totals is satisfied by catalog.Catalog.
type Totals interface {
	Totals(ctx context.Context) (documents, chunks int, err error)
}

// Check probes one dependency. A nil error means healthy.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

type Info struct {
	LLMModel       string
	EmbeddingModel string
	CollectionName string
}

type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type Health struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

type Reporter struct {
	totals       Totals
	info         Info
	checks       []Check
	started      time.Time
	probeTimeout time.Duration
	now          func() time.Time
}

func NewReporter(totals Totals, info Info, checks ...Check) *Reporter {
	return &Reporter{
		totals:       totals,
		info:         info,
		checks:       checks,
		started:      time.Now(),
		probeTimeout: 5 * time.Second,
		now:          time.Now,
	}
}

func (r *Reporter) Stats(ctx context.Context) (models.SystemStats, error) {
	docs, chunks, err := r.totals.Totals(ctx)
	if err != nil {
		return models.SystemStats{}, fmt.Errorf("failed to read totals: %w", err)
	}

	uptime := r.now().Sub(r.started)
	return models.SystemStats{
		TotalDocuments: docs,
		TotalChunks:    chunks,
		LLMModel:       r.info.LLMModel,
		EmbeddingModel: r.info.EmbeddingModel,
		Uptime:         uptime.Truncate(time.Second).String(),
		UptimeSeconds:  uptime.Seconds(),
		CollectionName: r.info.CollectionName,
	}, nil
}

// Health runs every probe concurrently. Any failing probe makes the whole service unhealthy.
func (r *Reporter) Health(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	h := Health{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentHealth, len(r.checks)),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range r.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Probe(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				h.Status = StatusUnhealthy
				h.Components[c.Name] = ComponentHealth{Status: StatusUnhealthy, Error: err.Error()}
				return
			}
			h.Components[c.Name] = ComponentHealth{Status: StatusHealthy}
		}()
	}
	wg.Wait()

	if h.Status != StatusHealthy {
		names := make([]string, 0)
		for name, c := range h.Components {
			if c.Status != StatusHealthy {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		logger.Warn("Health check failed", zap.Strings("components", names))
	}

	h.Timestamp = r.now().UTC()
	return h
}

// BreakerProbe reports a dependency as unhealthy while its circuit breaker is open.
func BreakerProbe(cb *circuitbreaker.CircuitBreaker) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if cb.State() == circuitbreaker.StateOpen {
			return fmt.Errorf("circuit breaker %s is open", cb.Name())
		}
		return nil
	}
}
