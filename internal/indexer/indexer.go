// Package indexer turns uploads into committed, searchable documents.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/legal-rag/backend/internal/catalog"
	"github.com/legal-rag/backend/internal/embedding"
	"github.com/legal-rag/backend/internal/ingestion"
	"github.com/legal-rag/backend/internal/metrics"
	"github.com/legal-rag/backend/internal/ragerr"
	"github.com/legal-rag/backend/internal/storage/models"
	"github.com/legal-rag/backend/internal/vector"
	"github.com/legal-rag/backend/pkg/logger"
)

// Invalidator drops derived state, such as cached answers, when the corpus changes.
type Invalidator interface {
	InvalidateAnswers(ctx context.Context) error
}

type Indexer struct {
	processor    *ingestion.Processor
	embedder     embedding.Embedder
	catalog      *catalog.Catalog
	workers      int
	batchSize    int
	embedTimeout time.Duration
	invalidator  Invalidator
}

type Option func(*Indexer)

func WithWorkers(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.workers = n
		}
	}
}

func WithBatchSize(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.batchSize = n
		}
	}
}

func WithEmbedTimeout(d time.Duration) Option {
	return func(ix *Indexer) {
		if d > 0 {
			ix.embedTimeout = d
		}
	}
}

func WithInvalidator(inv Invalidator) Option {
	return func(ix *Indexer) { ix.invalidator = inv }
}

func New(processor *ingestion.Processor, embedder embedding.Embedder, cat *catalog.Catalog, opts ...Option) *Indexer {
	ix := &Indexer{
		processor:    processor,
		embedder:     embedder,
		catalog:      cat,
		workers:      4,
		batchSize:    64,
		embedTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Failure describes one file that could not be indexed.
type Failure struct {
	Filename string       `json:"filename"`
	Kind     ragerr.Kind  `json:"kind"`
	Class    ragerr.Class `json:"class"`
	Error    string       `json:"error"`
}

type BatchResult struct {
	ProcessedFiles []string  `json:"processed_files"`
	FailedFiles    []string  `json:"failed_files"`
	TotalChunks    int       `json:"total_chunks"`
	Failures       []Failure `json:"errors"`
}

// IndexDocument ingests, embeds and commits one upload. On error nothing from
// the upload is visible to search or listings.
func (ix *Indexer) IndexDocument(ctx context.Context, u ingestion.Upload) (*models.Document, error) {
	start := time.Now()

	res, err := ix.processor.Process(u)
	if err != nil {
		metrics.DocumentsProcessed.WithLabelValues("failed").Inc()
		return nil, err
	}

	texts := make([]string, len(res.Chunks))
	for i, ch := range res.Chunks {
		texts[i] = ch.Text
	}

	vecs, err := ix.embed(ctx, res.Document.Filename, texts)
	if err != nil {
		metrics.DocumentsProcessed.WithLabelValues("failed").Inc()
		return nil, err
	}
	for i := range res.Chunks {
		res.Chunks[i].Embedding = vecs[i]
	}

	if err := ix.catalog.Commit(ctx, res.Document, res.Chunks); err != nil {
		metrics.DocumentsProcessed.WithLabelValues("failed").Inc()
		return nil, err
	}

	doc := res.Document
	doc.ChunkCount = len(res.Chunks)

	metrics.DocumentsProcessed.WithLabelValues("success").Inc()
	metrics.ChunksIndexed.Add(float64(len(res.Chunks)))
	ix.corpusChanged(ctx)

	logger.Info("Document indexed",
		zap.String("doc_id", doc.ID),
		zap.String("filename", doc.Filename),
		zap.Int("chunks", doc.ChunkCount),
		zap.Duration("duration", time.Since(start)),
	)
	return &doc, nil
}

func (ix *Indexer) embed(ctx context.Context, filename string, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, ix.embedTimeout)
	defer cancel()

	dim := ix.catalog.Store().Dimension()
	out := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += ix.batchSize {
		end := i + ix.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		vecs, err := ix.embedder.Embed(ctx, texts[i:end])
		if err != nil {
			if _, ok := ragerr.KindOf(err); ok {
				return nil, withFilename(err, filename)
			}
			return nil, &ragerr.Error{Kind: ragerr.EmbeddingFailure, Op: "embed", Filename: filename, Err: err}
		}
		if len(vecs) != end-i {
			return nil, &ragerr.Error{
				Kind:     ragerr.EmbeddingFailure,
				Op:       "embed",
				Filename: filename,
				Message:  fmt.Sprintf("expected %d vectors, got %d", end-i, len(vecs)),
			}
		}
		for _, v := range vecs {
			if err := vector.CheckDimension("embed", dim, v); err != nil {
				return nil, withFilename(err, filename)
			}
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func withFilename(err error, filename string) error {
	var re *ragerr.Error
	if errors.As(err, &re) && re.Filename == "" {
		cp := *re
		cp.Filename = filename
		return &cp
	}
	return err
}

// IndexBatch indexes uploads in parallel. A failing file never affects the
// others, and results keep input order.
func (ix *Indexer) IndexBatch(ctx context.Context, uploads []ingestion.Upload) BatchResult {
	type outcome struct {
		doc *models.Document
		err error
	}
	outcomes := make([]outcome, len(uploads))

	g := new(errgroup.Group)
	g.SetLimit(ix.workers)
	for i, u := range uploads {
		g.Go(func() error {
			doc, err := ix.IndexDocument(ctx, u)
			outcomes[i] = outcome{doc: doc, err: err}
			return nil
		})
	}
	_ = g.Wait()

	result := BatchResult{
		ProcessedFiles: make([]string, 0, len(uploads)),
		FailedFiles:    make([]string, 0),
		Failures:       make([]Failure, 0),
	}
	for i, o := range outcomes {
		if o.err == nil {
			result.ProcessedFiles = append(result.ProcessedFiles, o.doc.Filename)
			result.TotalChunks += o.doc.ChunkCount
			continue
		}

		name := filepath.Base(uploads[i].Filename)
		result.FailedFiles = append(result.FailedFiles, name)
		result.Failures = append(result.Failures, describeFailure(name, o.err))

		logger.Warn("Failed to index file", zap.String("filename", name), zap.Error(o.err))
	}

	logger.Info("Batch indexed",
		zap.Int("processed", len(result.ProcessedFiles)),
		zap.Int("failed", len(result.FailedFiles)),
		zap.Int("chunks", result.TotalChunks),
	)
	return result
}

func describeFailure(filename string, err error) Failure {
	f := Failure{Filename: filename, Error: err.Error()}
	if kind, ok := ragerr.KindOf(err); ok {
		f.Kind = kind
		f.Class = kind.Class()
	} else {
		f.Kind = ragerr.WriteFailure
		f.Class = ragerr.ClassIndex
	}
	return f
}

// IndexDirectory indexes every supported file directly under or below dir.
func (ix *Indexer) IndexDirectory(ctx context.Context, dir string) (BatchResult, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if ix.processor.Extractor().Supports(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	sort.Strings(paths)

	uploads := make([]ingestion.Upload, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			logger.Warn("Failed to read file", zap.String("path", p), zap.Error(err))
			continue
		}
		uploads = append(uploads, ingestion.Upload{Filename: p, Data: data})
	}

	logger.Info("Indexing directory", zap.String("dir", dir), zap.Int("files", len(uploads)))
	return ix.IndexBatch(ctx, uploads), nil
}

// Clear removes every indexed document.
func (ix *Indexer) Clear(ctx context.Context) error {
	if err := ix.catalog.Clear(ctx); err != nil {
		return err
	}
	ix.corpusChanged(ctx)
	return nil
}

func (ix *Indexer) corpusChanged(ctx context.Context) {
	if docs, _, err := ix.catalog.Totals(ctx); err == nil {
		metrics.IndexedDocuments.Set(float64(docs))
	}
	if ix.invalidator == nil {
		return
	}
	if err := ix.invalidator.InvalidateAnswers(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("Failed to invalidate answer cache", zap.Error(err))
	}
}
