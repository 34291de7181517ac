// Package catalog keeps the vector index and the document registry in step.
// A document becomes visible in both or in neither, and a clear empties both.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/ragerr"
	"github.com/legal-rag/backend/internal/storage/models"
	"github.com/legal-rag/backend/internal/vector"
	"github.com/legal-rag/backend/pkg/logger"
)

// Registry persists document records. Record and Clear run publish/purge inside
// their own transaction and commit only when the callback succeeds.
type Registry interface {
	Record(ctx context.Context, doc models.Document, chunks []models.Chunk, publish func(ctx context.Context) error) error
	Clear(ctx context.Context, purge func(ctx context.Context) error) error
	Documents(ctx context.Context) ([]models.DocumentSummary, error)
	ChunkCount(ctx context.Context, documentID string) (int, error)
	Ping(ctx context.Context) error
	Name() string
}

type Catalog struct {
	mu       sync.RWMutex
	store    vector.Store
	registry Registry

	generation atomic.Uint64
}

func New(store vector.Store, registry Registry) *Catalog {
	return &Catalog{store: store, registry: registry}
}

func (c *Catalog) Store() vector.Store { return c.store }
func (c *Catalog) Registry() Registry  { return c.registry }

// Generation changes every time a commit or clear succeeds.
func (c *Catalog) Generation() uint64 { return c.generation.Load() }

// Commit indexes every chunk of doc and records it. On any failure the vector
// entries written so far are removed and the registry is left untouched.
func (c *Catalog) Commit(ctx context.Context, doc models.Document, chunks []models.Chunk) error {
	if err := c.validate(doc, chunks); err != nil {
		return err
	}
	doc.ChunkCount = len(chunks)

	entries := make([]vector.Entry, len(chunks))
	for i, ch := range chunks {
		entries[i] = vector.Entry{
			ChunkID:    ch.ID,
			DocumentID: doc.ID,
			Filename:   doc.Filename,
			Ordinal:    ch.Ordinal,
			Text:       ch.Text,
			Vector:     ch.Embedding,
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.registry.Record(ctx, doc, chunks, func(ctx context.Context) error {
		return c.store.Insert(ctx, entries)
	})
	if err != nil {
		if derr := c.store.DeleteDocument(context.WithoutCancel(ctx), doc.ID); derr != nil {
			logger.Error("Failed to roll back vector entries",
				zap.String("doc_id", doc.ID),
				zap.String("filename", doc.Filename),
				zap.Error(derr),
			)
		}
		if _, ok := ragerr.KindOf(err); ok {
			return err
		}
		return &ragerr.Error{Kind: ragerr.WriteFailure, Op: "commit", Filename: doc.Filename, Err: err}
	}
	c.generation.Add(1)

	logger.Info("Document committed",
		zap.String("doc_id", doc.ID),
		zap.String("filename", doc.Filename),
		zap.Int("chunks", len(chunks)),
	)
	return nil
}

func (c *Catalog) validate(doc models.Document, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return &ragerr.Error{Kind: ragerr.EmptyExtraction, Op: "commit", Filename: doc.Filename, Message: "document has no chunks"}
	}
	for i, ch := range chunks {
		if ch.Ordinal != i {
			return &ragerr.Error{
				Kind:     ragerr.WriteFailure,
				Op:       "commit",
				Filename: doc.Filename,
				Message:  fmt.Sprintf("chunk ordinals must be contiguous from 0, got %d at position %d", ch.Ordinal, i),
			}
		}
		if strings.TrimSpace(ch.Text) == "" {
			return &ragerr.Error{
				Kind:     ragerr.WriteFailure,
				Op:       "commit",
				Filename: doc.Filename,
				Message:  fmt.Sprintf("chunk %d is empty", i),
			}
		}
		if err := vector.CheckDimension("commit", c.store.Dimension(), ch.Embedding); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) Search(ctx context.Context, query []float32, k int) ([]vector.Match, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Search(ctx, query, k)
}

// Clear removes every document, chunk and vector entry.
func (c *Catalog) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.registry.Clear(ctx, func(ctx context.Context) error {
		return c.store.DeleteAll(ctx)
	})
	if err != nil {
		logger.Error("Failed to clear catalog", zap.Error(err))
		return fmt.Errorf("failed to clear documents: %w", err)
	}
	c.generation.Add(1)

	logger.Info("Catalog cleared")
	return nil
}

func (c *Catalog) Documents(ctx context.Context) ([]models.DocumentSummary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.Documents(ctx)
}

// Totals returns the number of distinct filenames with at least one chunk and the chunk total.
func (c *Catalog) Totals(ctx context.Context) (documents, chunks int, err error) {
	docs, err := c.Documents(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, d := range docs {
		if d.Chunks > 0 {
			documents++
			chunks += d.Chunks
		}
	}
	return documents, chunks, nil
}

func (c *Catalog) ChunkCount(ctx context.Context, documentID string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.ChunkCount(ctx, documentID)
}
