package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Hashing is a local feature-hashing embedder. It needs no network access and
// gives identical text identical vectors, which makes it the default for
// development and tests. Tokens are lower-cased with Turkish casing rules;
// unigrams, adjacent bigrams and 5-rune prefixes are hashed into the vector.
type Hashing struct {
	dim int
}

func NewHashing(dim int) *Hashing {
	if dim <= 0 {
		dim = 384
	}
	return &Hashing{dim: dim}
}

func (h *Hashing) Dimension() int { return h.dim }
func (h *Hashing) Model() string  { return fmt.Sprintf("hashing-%d", h.dim) }

func (h *Hashing) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *Hashing) vector(text string) []float32 {
	v := make([]float32, h.dim)
	tokens := tokenize(text)
	for i, tok := range tokens {
		h.add(v, tok, 1)
		if r := []rune(tok); len(r) > 5 {
			h.add(v, "#"+string(r[:5]), 0.5)
		}
		if i > 0 {
			h.add(v, tokens[i-1]+" "+tok, 0.5)
		}
	}
	normalize(v)
	return v
}

func (h *Hashing) add(v []float32, feature string, weight float32) {
	f := fnv.New64a()
	f.Write([]byte(feature))
	sum := f.Sum64()
	idx := sum % uint64(h.dim)
	if sum>>63 == 1 {
		weight = -weight
	}
	v[idx] += weight
}

func tokenize(text string) []string {
	lower := strings.ToLowerSpecial(unicode.TurkishCase, text)
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
}
