// Package vector defines the vector index contract shared by the memory,
// Zilliz/Milvus and Chroma backends.
package vector

import (
	"context"
	"fmt"
	"math"

	"github.com/legal-rag/backend/internal/ragerr"
)

// Entry is one chunk as stored in the index.
type Entry struct {
	ChunkID    string
	DocumentID string
	Filename   string
	Ordinal    int
	Text       string
	Vector     []float32
}

// Match is a search hit. Similarity is cosine similarity rescaled to [0, 1].
type Match struct {
	ChunkID    string
	DocumentID string
	Filename   string
	Ordinal    int
	Text       string
	Similarity float64
}

type Store interface {
	Insert(ctx context.Context, entries []Entry) error
	// Search returns at most k matches ordered by descending similarity.
	Search(ctx context.Context, query []float32, k int) ([]Match, error)
	DeleteDocument(ctx context.Context, documentID string) error
	DeleteAll(ctx context.Context) error
	Ping(ctx context.Context) error
	Name() string
	Dimension() int
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a zero vector.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Rescale maps a cosine similarity in [-1, 1] onto [0, 1].
func Rescale(cos float64) float64 {
	s := (cos + 1) / 2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func CheckDimension(op string, want int, v []float32) error {
	if len(v) != want {
		return &ragerr.Error{
			Kind:    ragerr.DimensionMismatch,
			Op:      op,
			Message: fmt.Sprintf("expected %d dimensions, got %d", want, len(v)),
		}
	}
	return nil
}

func CheckEntries(op string, want int, entries []Entry) error {
	for _, e := range entries {
		if err := CheckDimension(op, want, e.Vector); err != nil {
			return err
		}
	}
	return nil
}
