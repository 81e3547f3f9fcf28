package vectorindex

import (
	"sort"

	"github.com/viant/vec/search"

	"github.com/raphaelgruber/sitekb/internal/models"
)

// Cosine returns the cosine similarity of a and b.
// Vectors of different length or zero norm score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	va := search.Float32s(a)
	if va.Magnitude() == 0 || search.Float32s(b).Magnitude() == 0 {
		return 0
	}
	return 1 - float64(va.CosineDistance(b))
}

// SortHits orders hits by descending score, then document id, and trims to topK.
func SortHits(hits []models.VectorHit, topK int) []models.VectorHit {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocumentID < hits[j].DocumentID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}
