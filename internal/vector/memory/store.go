// Package memory is an in-process vector index used for tests and single-node deployments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/legal-rag/backend/internal/vector"
)

type Store struct {
	dim int

	mu      sync.RWMutex
	entries map[string]vector.Entry // chunkID -> entry
	docs    map[string][]string     // documentID -> chunkIDs
}

func NewStore(dim int) *Store {
	return &Store{
		dim:     dim,
		entries: make(map[string]vector.Entry),
		docs:    make(map[string][]string),
	}
}

func (s *Store) Name() string   { return "memory" }
func (s *Store) Dimension() int { return s.dim }

func (s *Store) Insert(ctx context.Context, entries []vector.Entry) error {
	if err := vector.CheckEntries("insert", s.dim, entries); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if _, exists := s.entries[e.ChunkID]; !exists {
			s.docs[e.DocumentID] = append(s.docs[e.DocumentID], e.ChunkID)
		}
		e.Vector = append([]float32(nil), e.Vector...)
		s.entries[e.ChunkID] = e
	}
	return nil
}

func (s *Store) Search(ctx context.Context, query []float32, k int) ([]vector.Match, error) {
	if err := vector.CheckDimension("search", s.dim, query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]vector.Match, 0, len(s.entries))
	for _, e := range s.entries {
		matches = append(matches, vector.Match{
			ChunkID:    e.ChunkID,
			DocumentID: e.DocumentID,
			Filename:   e.Filename,
			Ordinal:    e.Ordinal,
			Text:       e.Text,
			Similarity: vector.Rescale(vector.Cosine(query, e.Vector)),
		})
	}

	// Ties order the same way the retriever ranks them, so the k cut never
	// depends on map iteration or chunk ids.
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
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

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.docs[documentID] {
		delete(s.entries, id)
	}
	delete(s.docs, documentID)
	return nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]vector.Entry)
	s.docs = make(map[string][]string)
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Len returns the number of stored chunks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) CountDocument(documentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[documentID])
}
