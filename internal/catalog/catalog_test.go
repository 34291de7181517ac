package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legal-rag/backend/internal/ragerr"
	"github.com/legal-rag/backend/internal/storage/memory"
	"github.com/legal-rag/backend/internal/storage/models"
	"github.com/legal-rag/backend/internal/vector"
	vecmem "github.com/legal-rag/backend/internal/vector/memory"
)

// flakyStore writes the first half of each insert and then fails.
type flakyStore struct {
	*vecmem.Store
	fail bool
}

func (f *flakyStore) Insert(ctx context.Context, entries []vector.Entry) error {
	if !f.fail {
		return f.Store.Insert(ctx, entries)
	}
	if err := f.Store.Insert(ctx, entries[:len(entries)/2]); err != nil {
		return err
	}
	return errors.New("connection reset")
}

func (f *flakyStore) DeleteAll(ctx context.Context) error {
	if f.fail {
		return errors.New("connection reset")
	}
	return f.Store.DeleteAll(ctx)
}

func makeDoc(id, filename string, n int) (models.Document, []models.Chunk) {
	doc := models.Document{ID: id, Filename: filename}
	chunks := make([]models.Chunk, n)
	for i := range chunks {
		chunks[i] = models.Chunk{
			ID:         fmt.Sprintf("%s_chunk_%d", id, i),
			DocumentID: id,
			Filename:   filename,
			Ordinal:    i,
			Text:       fmt.Sprintf("Madde %d", i+1),
			Embedding:  []float32{1, float32(i)},
		}
	}
	return doc, chunks
}

func TestCommitKeepsCountsInStep(t *testing.T) {
	ctx := context.Background()
	store := vecmem.NewStore(2)
	c := New(store, memory.NewRegistry())

	doc, chunks := makeDoc("d1", "kvkk.txt", 4)
	require.NoError(t, c.Commit(ctx, doc, chunks))

	n, err := c.ChunkCount(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, store.CountDocument("d1"), n)

	docs, chunkTotal, err := c.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, docs)
	assert.Equal(t, 4, chunkTotal)
}

func TestCommitRollsBackPartialInsert(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: vecmem.NewStore(2), fail: true}
	c := New(store, memory.NewRegistry())

	doc, chunks := makeDoc("d1", "kvkk.txt", 4)
	err := c.Commit(ctx, doc, chunks)
	require.Error(t, err)
	assert.True(t, ragerr.IsKind(err, ragerr.WriteFailure))

	assert.Zero(t, store.CountDocument("d1"))
	n, err := c.ChunkCount(ctx, "d1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCommitRejectsWrongDimension(t *testing.T) {
	ctx := context.Background()
	c := New(vecmem.NewStore(3), memory.NewRegistry())

	doc, chunks := makeDoc("d1", "kvkk.txt", 2)
	err := c.Commit(ctx, doc, chunks)
	assert.True(t, ragerr.IsKind(err, ragerr.DimensionMismatch))

	docs, err := c.Documents(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestCommitRejectsGapsAndEmptyChunks(t *testing.T) {
	ctx := context.Background()
	c := New(vecmem.NewStore(2), memory.NewRegistry())

	doc, chunks := makeDoc("d1", "a.txt", 3)
	chunks[2].Ordinal = 5
	assert.Error(t, c.Commit(ctx, doc, chunks))

	doc, chunks = makeDoc("d2", "b.txt", 2)
	chunks[1].Text = "   "
	assert.Error(t, c.Commit(ctx, doc, chunks))

	doc, _ = makeDoc("d3", "c.txt", 0)
	assert.True(t, ragerr.IsKind(c.Commit(ctx, doc, nil), ragerr.EmptyExtraction))
}

func TestClearEmptiesBoth(t *testing.T) {
	ctx := context.Background()
	store := vecmem.NewStore(2)
	c := New(store, memory.NewRegistry())

	for i := 0; i < 3; i++ {
		doc, chunks := makeDoc(fmt.Sprintf("d%d", i), fmt.Sprintf("f%d.txt", i), 2)
		require.NoError(t, c.Commit(ctx, doc, chunks))
	}

	require.NoError(t, c.Clear(ctx))
	assert.Zero(t, store.Len())
	docs, chunks, err := c.Totals(ctx)
	require.NoError(t, err)
	assert.Zero(t, docs)
	assert.Zero(t, chunks)

	matches, err := c.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestClearFailureLeavesRegistry(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: vecmem.NewStore(2)}
	c := New(store, memory.NewRegistry())

	doc, chunks := makeDoc("d1", "a.txt", 2)
	require.NoError(t, c.Commit(ctx, doc, chunks))

	store.fail = true
	require.Error(t, c.Clear(ctx))

	docs, n, err := c.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, docs)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, store.Len())
}

func TestReadersNeverSeePartialDocuments(t *testing.T) {
	ctx := context.Background()
	c := New(vecmem.NewStore(2), memory.NewRegistry())
	const perDoc = 5

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc, chunks := makeDoc(fmt.Sprintf("d%d", i), fmt.Sprintf("f%d.txt", i), perDoc)
			assert.NoError(t, c.Commit(ctx, doc, chunks))
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		matches, err := c.Search(ctx, []float32{1, 0}, 1000)
		require.NoError(t, err)
		perDocument := make(map[string]int)
		for _, m := range matches {
			perDocument[m.DocumentID]++
		}
		for id, n := range perDocument {
			require.Equal(t, perDoc, n, "document %s partially visible", id)
		}

		select {
		case <-done:
			docs, chunks, err := c.Totals(ctx)
			require.NoError(t, err)
			assert.Equal(t, 20, docs)
			assert.Equal(t, 20*perDoc, chunks)
			return
		default:
		}
	}
}

func TestGenerationAdvancesOnSuccessfulChanges(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: vecmem.NewStore(2)}
	c := New(store, memory.NewRegistry())
	start := c.Generation()

	doc, chunks := makeDoc("d1", "a.txt", 2)
	require.NoError(t, c.Commit(ctx, doc, chunks))
	afterCommit := c.Generation()
	assert.NotEqual(t, start, afterCommit)

	store.fail = true
	doc, chunks = makeDoc("d2", "b.txt", 2)
	require.Error(t, c.Commit(ctx, doc, chunks))
	require.Error(t, c.Clear(ctx))
	assert.Equal(t, afterCommit, c.Generation())

	store.fail = false
	require.NoError(t, c.Clear(ctx))
	assert.NotEqual(t, afterCommit, c.Generation())
}
