// Package memory is an in-process document registry.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/legal-rag/backend/internal/storage/models"
)

type Registry struct {
	mu   sync.RWMutex
	docs map[string]models.Document
}

func NewRegistry() *Registry {
	return &Registry{docs: make(map[string]models.Document)}
}

func (r *Registry) Name() string { return "memory" }

func (r *Registry) Record(ctx context.Context, doc models.Document, chunks []models.Chunk, publish func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := publish(ctx); err != nil {
		return err
	}

	doc.ChunkCount = len(chunks)
	if doc.Status == "" {
		doc.Status = models.StatusActive
	}
	r.docs[doc.ID] = doc
	return nil
}

func (r *Registry) Clear(ctx context.Context, purge func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := purge(ctx); err != nil {
		return err
	}
	r.docs = make(map[string]models.Document)
	return nil
}

func (r *Registry) Documents(ctx context.Context) ([]models.DocumentSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byName := make(map[string]int)
	for _, d := range r.docs {
		if d.ChunkCount > 0 {
			byName[d.Filename] += d.ChunkCount
		}
	}

	out := make([]models.DocumentSummary, 0, len(byName))
	for name, n := range byName {
		out = append(out, models.DocumentSummary{Filename: name, Chunks: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func (r *Registry) ChunkCount(ctx context.Context, documentID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.docs[documentID].ChunkCount, nil
}

func (r *Registry) Ping(ctx context.Context) error {
	return nil
}
