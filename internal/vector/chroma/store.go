// Package chroma implements vector.Store on a Chroma collection configured for cosine distance.
package chroma

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	chromago "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"
	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/vector"
	"github.com/legal-rag/backend/pkg/logger"
)

const (
	metaDocID    = "doc_id"
	metaFilename = "filename"
	metaOrdinal  = "ordinal"
)

type Store struct {
	client chromago.Client
	name   string
	dim    int

	mu         sync.RWMutex
	collection chromago.Collection
}

func NewStore(ctx context.Context, baseURL, collectionName string, dim int) (*Store, error) {
	var opts []chromago.ClientOption
	if baseURL != "" {
		opts = append(opts, chromago.WithBaseURL(baseURL))
	}
	client, err := chromago.NewHTTPClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create chroma client: %w", err)
	}

	s := &Store{client: client, name: collectionName, dim: dim}
	if err := s.open(ctx); err != nil {
		client.Close()
		return nil, err
	}

	logger.Info("Chroma client initialized",
		zap.String("url", baseURL),
		zap.String("collection", collectionName),
	)
	return s, nil
}

func (s *Store) open(ctx context.Context) error {
	collection, err := s.client.GetOrCreateCollection(
		ctx,
		s.name,
		chromago.WithCollectionMetadataCreate(
			chromago.NewMetadata(
				chromago.NewStringAttribute("hnsw:space", "cosine"),
				chromago.NewStringAttribute("description", "Legal document chunks"),
			),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to get or create collection %q: %w", s.name, err)
	}

	s.mu.Lock()
	s.collection = collection
	s.mu.Unlock()
	return nil
}

func (s *Store) current() chromago.Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collection
}

func (s *Store) Name() string   { return "chroma" }
func (s *Store) Dimension() int { return s.dim }

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Insert(ctx context.Context, entries []vector.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := vector.CheckEntries("insert", s.dim, entries); err != nil {
		return err
	}

	ids := make([]chromago.DocumentID, len(entries))
	texts := make([]string, len(entries))
	embs := make([]embeddings.Embedding, len(entries))
	metas := make([]chromago.DocumentMetadata, len(entries))
	for i, e := range entries {
		ids[i] = chromago.DocumentID(e.ChunkID)
		texts[i] = e.Text
		embs[i] = embeddings.NewEmbeddingFromFloat32(e.Vector)
		metas[i] = chromago.NewDocumentMetadata(
			chromago.NewStringAttribute(metaDocID, e.DocumentID),
			chromago.NewStringAttribute(metaFilename, e.Filename),
			chromago.NewIntAttribute(metaOrdinal, int64(e.Ordinal)),
		)
	}

	err := s.current().Add(ctx,
		chromago.WithIDs(ids...),
		chromago.WithTexts(texts...),
		chromago.WithEmbeddings(embs...),
		chromago.WithMetadatas(metas...),
	)
	if err != nil {
		return fmt.Errorf("failed to add chunks: %w", err)
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

	collection := s.current()
	count, err := collection.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count collection: %w", err)
	}
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := collection.Query(ctx,
		chromago.WithQueryEmbeddings(embeddings.NewEmbeddingFromFloat32(query)),
		chromago.WithNResults(k),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query chromadb: %w", err)
	}

	idGroups := results.GetIDGroups()
	docGroups := results.GetDocumentsGroups()
	metaGroups := results.GetMetadatasGroups()
	distGroups := results.GetDistancesGroups()
	if len(idGroups) == 0 {
		return nil, nil
	}

	matches := make([]vector.Match, 0, len(idGroups[0]))
	for i, id := range idGroups[0] {
		m := vector.Match{ChunkID: string(id)}
		if len(docGroups) > 0 && i < len(docGroups[0]) && docGroups[0][i] != nil {
			m.Text = docGroups[0][i].ContentString()
		}
		if len(metaGroups) > 0 && i < len(metaGroups[0]) {
			meta := metadataMap(metaGroups[0][i])
			m.DocumentID, _ = meta[metaDocID].(string)
			m.Filename, _ = meta[metaFilename].(string)
			if ord, ok := meta[metaOrdinal].(float64); ok {
				m.Ordinal = int(ord)
			}
		}
		if len(distGroups) > 0 && i < len(distGroups[0]) {
			// cosine distance is 1 - cos
			m.Similarity = vector.Rescale(1 - float64(distGroups[0][i]))
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// metadataMap flattens Chroma metadata through JSON since DocumentMetadata exposes no map accessor.
func metadataMap(md chromago.DocumentMetadata) map[string]interface{} {
	out := make(map[string]interface{})
	if md == nil {
		return out
	}
	raw, err := json.Marshal(md)
	if err != nil {
		logger.Warn("Could not marshal chroma metadata", zap.Error(err))
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		logger.Warn("Could not unmarshal chroma metadata", zap.Error(err))
	}
	return out
}

func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	err := s.current().Delete(ctx, chromago.WithWhereDelete(chromago.EqString(metaDocID, documentID)))
	if err != nil {
		return fmt.Errorf("failed to delete document chunks: %w", err)
	}
	return nil
}

// DeleteAll drops and recreates the collection.
func (s *Store) DeleteAll(ctx context.Context) error {
	if err := s.client.DeleteCollection(ctx, s.name); err != nil {
		return fmt.Errorf("failed to delete collection %q: %w", s.name, err)
	}
	return s.open(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.current().Count(ctx)
	return err
}
