package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder maps texts to normalized bag-of-words vectors using feature
// hashing. It needs no model server, so it backs offline setups and tests.
// Texts sharing words have positive cosine similarity.
type HashEmbedder struct {
	model     string
	dimension int
}

var _ Embedder = (*HashEmbedder)(nil)

// NewHashEmbedder creates a hashing embedder of the given dimension.
func NewHashEmbedder(model string, dimension int) *HashEmbedder {
	if model == "" {
		model = "hash-bow"
	}
	if dimension <= 0 {
		dimension = 384
	}
	return &HashEmbedder{model: model, dimension: dimension}
}

// Embed hashes the lowercase words of text into a unit vector.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := make([]float32, h.dimension)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		f := fnv.New64a()
		_, _ = f.Write([]byte(w))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dimension))
		if sum&(1<<63) != 0 {
			v[idx]--
		} else {
			v[idx]++
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v, nil
}

// EmbedBatch embeds each text in order.
func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Model returns the configured model label.
func (h *HashEmbedder) Model() string {
	return h.model
}

// Dimension returns the vector dimension.
func (h *HashEmbedder) Dimension() int {
	return h.dimension
}
