// Package retrieval ranks indexed chunks against a query vector.
package retrieval

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/storage/models"
	"github.com/legal-rag/backend/internal/vector"
	"github.com/legal-rag/backend/pkg/logger"
)

// Searcher is satisfied by catalog.Catalog and by any vector.Store.
type Searcher interface {
	Search(ctx context.Context, query []float32, k int) ([]vector.Match, error)
}

type Config struct {
	CandidateMultiplier int
	MaxPerDocument      int
	MinSimilarity       float64
}

// maxCandidates bounds the widened fetch. It matches the Milvus top-k limit.
const maxCandidates = 16384

func DefaultConfig() Config {
	return Config{CandidateMultiplier: 4, MaxPerDocument: 2}
}

type Retriever struct {
	searcher Searcher
	cfg      Config
}

func New(searcher Searcher, cfg Config) *Retriever {
	if cfg.CandidateMultiplier < 1 {
		cfg.CandidateMultiplier = 1
	}
	return &Retriever{searcher: searcher, cfg: cfg}
}

// Retrieve returns up to k chunks, best first, ranked 1..k. Ties on similarity
// break by chunk ordinal, then filename, then chunk id, so equal inputs always
// produce the same order. MaxPerDocument <= 0 disables the per-document cap.
func (r *Retriever) Retrieve(ctx context.Context, query []float32, k int) ([]models.RetrievalResult, error) {
	if k <= 0 {
		return []models.RetrievalResult{}, nil
	}

	matches, err := r.candidates(ctx, query, k*r.cfg.CandidateMultiplier)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}

	candidates := matches[:0:0]
	for _, m := range matches {
		if m.Similarity >= r.cfg.MinSimilarity {
			candidates = append(candidates, m)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Ordinal != b.Ordinal {
			return a.Ordinal < b.Ordinal
		}
		if a.Filename != b.Filename {
			return a.Filename < b.Filename
		}
		return a.ChunkID < b.ChunkID
	})

	perDoc := make(map[string]int)
	results := make([]models.RetrievalResult, 0, k)
	for _, m := range candidates {
		if len(results) == k {
			break
		}
		if r.cfg.MaxPerDocument > 0 && perDoc[m.DocumentID] >= r.cfg.MaxPerDocument {
			continue
		}
		perDoc[m.DocumentID]++
		results = append(results, models.RetrievalResult{
			ChunkID:    m.ChunkID,
			DocumentID: m.DocumentID,
			Filename:   m.Filename,
			Ordinal:    m.Ordinal,
			Text:       m.Text,
			Similarity: m.Similarity,
			Rank:       len(results) + 1,
		})
	}

	logger.Debug("Chunks retrieved",
		zap.Int("requested", k),
		zap.Int("candidates", len(matches)),
		zap.Int("returned", len(results)),
	)
	return results, nil
}

// candidates fetches the n best matches. When the weakest of them ties a
// match outside the window the fetch doubles until the tie is fully inside,
// so the tie-break sees every equal candidate whatever order the backend
// returned them in. Searchers must return matches best first.
func (r *Retriever) candidates(ctx context.Context, query []float32, n int) ([]vector.Match, error) {
	matches, err := r.searcher.Search(ctx, query, n)
	if err != nil {
		return nil, err
	}
	for len(matches) >= n && n < maxCandidates {
		cutoff := matches[len(matches)-1].Similarity
		if cutoff < r.cfg.MinSimilarity {
			break
		}
		n = min(n*2, maxCandidates)
		wider, err := r.searcher.Search(ctx, query, n)
		if err != nil {
			return nil, err
		}
		matches = wider
		if len(matches) > 0 && matches[len(matches)-1].Similarity < cutoff {
			break
		}
	}
	return matches, nil
}
