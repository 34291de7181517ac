// Package embedding turns chunk and question text into fixed-dimension vectors.
package embedding

import "context"

// Embedder returns one vector per input text, in input order, all of Dimension() length.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Model() string
}

// EmbedOne is a convenience for single-text calls such as query embedding.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
