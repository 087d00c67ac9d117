package similarity

import (
	"container/heap"
	"math"

	"github.com/telhawk-systems/ledgerwatch/common/models"
)

// TopK scores candidates against query by cosine similarity and keeps the
// best k that pass the self-match cutoff and minScore. Candidates whose
// dimension differs from the query are skipped.
func TopK(query []float32, candidates []models.SimilarityCandidate, k int, minScore float64) []models.Neighbor {
	if k <= 0 || len(query) == 0 {
		return nil
	}
	q := normalize(query)
	if q == nil {
		return nil
	}

	h := &minHeap{}
	heap.Init(h)
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if len(c.Embedding) != len(q) {
			continue
		}
		if _, dup := seen[c.RecordID]; dup {
			continue
		}
		v := normalize(c.Embedding)
		if v == nil {
			continue
		}
		score := dotProduct(q, v)
		if !accept(score, minScore) {
			continue
		}
		seen[c.RecordID] = struct{}{}

		n := models.Neighbor{
			RecordID:   c.RecordID,
			Similarity: score,
			TenantID:   c.TenantID,
			UploadID:   c.UploadID,
			Amount:     c.Amount,
			Partner:    c.Partner,
			TxID:       c.TxID,
		}
		if h.Len() < k {
			heap.Push(h, n)
		} else if score > (*h)[0].Similarity {
			(*h)[0] = n
			heap.Fix(h, 0)
		}
	}

	out := make([]models.Neighbor, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(models.Neighbor)
	}
	return out
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or the dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	na, nb := normalize(a), normalize(b)
	if na == nil || nb == nil {
		return 0
	}
	return dotProduct(na, nb)
}

// minHeap keeps the lowest similarity at the root for top-K selection.
type minHeap []models.Neighbor

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].Similarity < h[j].Similarity }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(models.Neighbor)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// normalize returns v scaled to unit length, or nil for zero or non-finite
// vectors.
func normalize(v []float32) []float64 {
	var sum float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		sum += f * f
	}
	if sum == 0 {
		return nil
	}
	norm := math.Sqrt(sum)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x) / norm
	}
	return out
}

func dotProduct(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
