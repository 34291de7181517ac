package zilliz

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/legal-rag/backend/internal/vector"
	"github.com/legal-rag/backend/pkg/logger"
)

const (
	fieldChunkID   = "chunk_id"
	fieldEmbedding = "embedding"
	fieldText      = "text"
	fieldDocID     = "doc_id"
	fieldFilename  = "filename"
	fieldOrdinal   = "ordinal"
)

var outputFields = []string{fieldChunkID, fieldText, fieldDocID, fieldFilename, fieldOrdinal}

// Client is a vector.Store backed by a Zilliz Cloud or self-hosted Milvus collection
// using the COSINE metric.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewClient(ctx context.Context, endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	z := &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}
	if err := z.CreateCollection(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return z, nil
}

func (z *Client) Name() string   { return "zilliz" }
func (z *Client) Dimension() int { return z.vectorDim }

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.client.LoadCollection(ctx, z.collectionName, false)
	}

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Legal document chunk embeddings",
		Fields: []*entity.Field{
			{
				Name:       fieldChunkID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "128"},
			},
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", z.vectorDim)},
			},
			{
				Name:       fieldText,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "65535"},
			},
			{
				Name:       fieldDocID,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       fieldFilename,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "1024"},
			},
			{
				Name:     fieldOrdinal,
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	err = z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 128)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	err = z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = z.client.LoadCollection(ctx, z.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))

	return nil
}

func (z *Client) Insert(ctx context.Context, entries []vector.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := vector.CheckEntries("insert", z.vectorDim, entries); err != nil {
		return err
	}

	chunkIDs := make([]string, len(entries))
	embeddings := make([][]float32, len(entries))
	texts := make([]string, len(entries))
	docIDs := make([]string, len(entries))
	filenames := make([]string, len(entries))
	ordinals := make([]int64, len(entries))

	for i, e := range entries {
		chunkIDs[i] = e.ChunkID
		embeddings[i] = e.Vector
		texts[i] = e.Text
		docIDs[i] = e.DocumentID
		filenames[i] = e.Filename
		ordinals[i] = int64(e.Ordinal)
	}

	_, err := z.client.Insert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar(fieldChunkID, chunkIDs),
		entity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, embeddings),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnVarChar(fieldDocID, docIDs),
		entity.NewColumnVarChar(fieldFilename, filenames),
		entity.NewColumnInt64(fieldOrdinal, ordinals),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	err = z.client.Flush(ctx, z.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Debug("Chunks inserted into vector DB", zap.Int("count", len(entries)))

	return nil
}

func (z *Client) Search(ctx context.Context, query []float32, k int) ([]vector.Match, error) {
	if err := vector.CheckDimension("search", z.vectorDim, query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		"",
		outputFields,
		[]entity.Vector{entity.FloatVector(query)},
		fieldEmbedding,
		entity.COSINE,
		k,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]vector.Match, 0, k)
	for _, sr := range searchResult {
		chunkIDCol := sr.Fields.GetColumn(fieldChunkID)
		textCol := sr.Fields.GetColumn(fieldText)
		docIDCol := sr.Fields.GetColumn(fieldDocID)
		filenameCol := sr.Fields.GetColumn(fieldFilename)
		ordinalCol := sr.Fields.GetColumn(fieldOrdinal)
		if chunkIDCol == nil || textCol == nil || docIDCol == nil || filenameCol == nil || ordinalCol == nil {
			return nil, fmt.Errorf("search result missing output fields")
		}

		for i := 0; i < sr.ResultCount; i++ {
			chunkID, _ := chunkIDCol.GetAsString(i)
			text, _ := textCol.GetAsString(i)
			docID, _ := docIDCol.GetAsString(i)
			filename, _ := filenameCol.GetAsString(i)
			ordinal, _ := ordinalCol.GetAsInt64(i)

			results = append(results, vector.Match{
				ChunkID:    chunkID,
				DocumentID: docID,
				Filename:   filename,
				Ordinal:    int(ordinal),
				Text:       text,
				Similarity: vector.Rescale(float64(sr.Scores[i])),
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", k),
		zap.Int("results", len(results)),
	)

	return results, nil
}

func (z *Client) DeleteDocument(ctx context.Context, documentID string) error {
	expr := fmt.Sprintf("%s == %q", fieldDocID, documentID)
	if err := z.client.Delete(ctx, z.collectionName, "", expr); err != nil {
		return fmt.Errorf("failed to delete document chunks: %w", err)
	}
	return nil
}

// DeleteAll drops and recreates the collection.
func (z *Client) DeleteAll(ctx context.Context) error {
	if err := z.client.DropCollection(ctx, z.collectionName); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	return z.CreateCollection(ctx)
}

func (z *Client) Ping(ctx context.Context) error {
	_, err := z.client.HasCollection(ctx, z.collectionName)
	return err
}
