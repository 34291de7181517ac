package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legal-rag/backend/internal/catalog"
	"github.com/legal-rag/backend/internal/embedding"
	"github.com/legal-rag/backend/internal/ingestion"
	"github.com/legal-rag/backend/internal/ragerr"
	"github.com/legal-rag/backend/internal/storage/memory"
	vecmem "github.com/legal-rag/backend/internal/vector/memory"
)

const dim = 64

type failingEmbedder struct {
	embedding.Embedder
	err error
}

func (f failingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, f.err
}

type shortEmbedder struct{ embedding.Embedder }

func (s shortEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, dim/2)
	}
	return out, nil
}

type countingInvalidator struct{ n atomic.Int32 }

func (c *countingInvalidator) InvalidateAnswers(ctx context.Context) error {
	c.n.Add(1)
	return nil
}

func setup(t *testing.T, emb embedding.Embedder, opts ...Option) (*Indexer, *catalog.Catalog, *vecmem.Store) {
	t.Helper()
	store := vecmem.NewStore(dim)
	cat := catalog.New(store, memory.NewRegistry())
	proc := ingestion.NewProcessor(200, 40, 1<<20)
	return New(proc, emb, cat, opts...), cat, store
}

func lease(n int) string {
	var sb strings.Builder
	for i := 1; i <= n; i++ {
		sb.WriteString("Kiracı, kira bedelini her ayın beşinci gününe kadar öder. ")
		sb.WriteString("Kiraya veren, depozitoyu sözleşme sonunda iade eder.\n\n")
	}
	return sb.String()
}

func TestIndexDocumentCommitsEveryChunk(t *testing.T) {
	inv := &countingInvalidator{}
	ix, cat, store := setup(t, embedding.NewHashing(dim), WithInvalidator(inv), WithBatchSize(3))
	ctx := context.Background()

	doc, err := ix.IndexDocument(ctx, ingestion.Upload{Filename: "kira.txt", Data: []byte(lease(10))})
	require.NoError(t, err)

	assert.Greater(t, doc.ChunkCount, 3)
	assert.Equal(t, doc.ChunkCount, store.CountDocument(doc.ID))

	n, err := cat.ChunkCount(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ChunkCount, n)
	assert.Equal(t, int32(1), inv.n.Load())
}

func TestIndexDocumentEmbeddingFailureLeavesNothing(t *testing.T) {
	ix, cat, store := setup(t, failingEmbedder{Embedder: embedding.NewHashing(dim), err: errors.New("503 from upstream")})

	_, err := ix.IndexDocument(context.Background(), ingestion.Upload{Filename: "kira.txt", Data: []byte(lease(3))})

	require.Error(t, err)
	assert.True(t, ragerr.IsKind(err, ragerr.EmbeddingFailure))
	assert.Zero(t, store.Len())
	docs, _ := cat.Documents(context.Background())
	assert.Empty(t, docs)
}

func TestIndexDocumentDimensionMismatch(t *testing.T) {
	ix, _, store := setup(t, shortEmbedder{embedding.NewHashing(dim)})

	_, err := ix.IndexDocument(context.Background(), ingestion.Upload{Filename: "kira.txt", Data: []byte(lease(1))})

	require.Error(t, err)
	assert.True(t, ragerr.IsKind(err, ragerr.DimensionMismatch))
	var re *ragerr.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "kira.txt", re.Filename)
	assert.Zero(t, store.Len())
}

func TestIndexBatchIsolatesFailures(t *testing.T) {
	ix, cat, _ := setup(t, embedding.NewHashing(dim), WithWorkers(2))

	uploads := []ingestion.Upload{
		{Filename: "a.txt", Data: []byte(lease(2))},
		{Filename: "bozuk.exe", Data: []byte("MZ")},
		{Filename: "b.md", Data: []byte(lease(4))},
		{Filename: "bos.txt", Data: []byte("   \n\n ")},
	}

	res := ix.IndexBatch(context.Background(), uploads)

	assert.Equal(t, []string{"a.txt", "b.md"}, res.ProcessedFiles)
	assert.Equal(t, []string{"bozuk.exe", "bos.txt"}, res.FailedFiles)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, ragerr.UnsupportedFormat, res.Failures[0].Kind)
	assert.Equal(t, ragerr.ClassIngestion, res.Failures[0].Class)
	assert.Equal(t, ragerr.EmptyExtraction, res.Failures[1].Kind)

	docs, err := cat.Documents(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	total := 0
	for _, d := range docs {
		total += d.Chunks
	}
	assert.Equal(t, res.TotalChunks, total)
}

func TestIndexDirectorySkipsUnsupportedAndHidden(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sozlesme.txt"), []byte(lease(2)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "resim.png"), []byte{0x89, 'P', 'N', 'G'}, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "notes.txt"), []byte(lease(1)), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "ekler"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ekler", "ek1.md"), []byte(lease(1)), 0o644))

	ix, _, _ := setup(t, embedding.NewHashing(dim))
	res, err := ix.IndexDirectory(context.Background(), dir)

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sozlesme.txt", "ek1.md"}, res.ProcessedFiles)
	assert.Empty(t, res.FailedFiles)
}

func TestClearInvalidatesAnswers(t *testing.T) {
	inv := &countingInvalidator{}
	ix, cat, store := setup(t, embedding.NewHashing(dim), WithInvalidator(inv))
	ctx := context.Background()

	_, err := ix.IndexDocument(ctx, ingestion.Upload{Filename: "kira.txt", Data: []byte(lease(2))})
	require.NoError(t, err)

	require.NoError(t, ix.Clear(ctx))

	assert.Zero(t, store.Len())
	docs, chunks, err := cat.Totals(ctx)
	require.NoError(t, err)
	assert.Zero(t, docs)
	assert.Zero(t, chunks)
	assert.Equal(t, int32(2), inv.n.Load())
}
