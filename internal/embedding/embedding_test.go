package embedding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legal-rag/backend/internal/vector"
)

func TestHashingIsDeterministicAndNormalised(t *testing.T) {
	h := NewHashing(128)
	ctx := context.Background()

	vecs, err := h.Embed(ctx, []string{"Kişisel verilerin işlenmesi", "Kişisel verilerin işlenmesi"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Len(t, vecs[0], 128)
	assert.Equal(t, vecs[0], vecs[1])
	assert.InDelta(t, 1.0, vector.Cosine(vecs[0], vecs[1]), 1e-6)

	var norm float64
	for _, x := range vecs[0] {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestHashingSimilarTextScoresHigher(t *testing.T) {
	h := NewHashing(384)
	ctx := context.Background()

	q, _ := EmbedOne(ctx, h, "işçinin yıllık ücretli izin hakkı")
	near, _ := EmbedOne(ctx, h, "Yıllık ücretli izin hakkı, işçinin en az bir yıl çalışmış olmasına bağlıdır.")
	far, _ := EmbedOne(ctx, h, "Ticaret sicili müdürlüğü şirket kuruluşunu tescil eder.")

	assert.Greater(t, vector.Cosine(q, near), vector.Cosine(q, far))
}

func TestHashingTurkishCasing(t *testing.T) {
	h := NewHashing(64)
	a, _ := EmbedOne(context.Background(), h, "İŞÇİ")
	b, _ := EmbedOne(context.Background(), h, "işçi")
	assert.Equal(t, a, b)
}

func TestHashingEmptyText(t *testing.T) {
	v, err := EmbedOne(context.Background(), NewHashing(16), "  ...  ")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 16), v)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][]float32
	fail bool
}

func (m *mapCache) GetEmbedding(ctx context.Context, key string) ([]float32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, false, errors.New("redis down")
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) SetEmbedding(ctx context.Context, key string, v []float32, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("redis down")
	}
	m.data[key] = v
	return nil
}

type countingEmbedder struct {
	*Hashing
	calls int
	texts int
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls++
	c.texts += len(texts)
	return c.Hashing.Embed(ctx, texts)
}

func TestCachedServesRepeatsFromCache(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{Hashing: NewHashing(32)}
	c := NewCached(inner, &mapCache{data: map[string][]float32{}}, time.Hour)

	first, err := c.Embed(ctx, []string{"a", "b"})
	require.NoError(t, err)
	second, err := c.Embed(ctx, []string{"b", "c", "a"})
	require.NoError(t, err)

	assert.Equal(t, first[1], second[0])
	assert.Equal(t, first[0], second[2])
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, 3, inner.texts)
	assert.Equal(t, "hashing-32", c.Model())
}

func TestCachedDegradesWhenCacheFails(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{Hashing: NewHashing(32)}
	c := NewCached(inner, &mapCache{data: map[string][]float32{}, fail: true}, time.Hour)

	vecs, err := c.Embed(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Len(t, vecs[0], 32)
}
