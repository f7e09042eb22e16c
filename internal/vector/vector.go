// Package vector defines the vector index used for chunk retrieval.
package vector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Record is one chunk embedding plus the payload needed to render a search hit.
type Record struct {
	DocumentID int64
	ChunkIndex int
	Text       string
	Vector     []float32
	CreatedAt  time.Time
}

type SearchOptions struct {
	Limit int
	// ScoreThreshold drops hits whose cosine similarity is below it.
	ScoreThreshold float32
	// DocumentIDs restricts the search when non-empty.
	DocumentIDs []int64
}

type SearchResult struct {
	PointID    string
	Score      float32
	DocumentID int64
	ChunkIndex int
	Text       string
}

type Index interface {
	// EnsureCollection creates the collection if it is missing. Safe to call
	// concurrently and repeatedly.
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, rec Record) (string, error)
	// Search returns hits ordered by descending cosine similarity.
	Search(ctx context.Context, query []float32, opts SearchOptions) ([]SearchResult, error)
	DeleteByDocument(ctx context.Context, documentID int64) error
	Close() error
}

// Flusher is implemented by backends that buffer writes.
type Flusher interface {
	Flush(ctx context.Context) error
}

func CheckDimension(v []float32, dim int) error {
	if len(v) != dim {
		return fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, dim, len(v))
	}
	return nil
}

func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// Rank sorts hits by descending score, drops those under the threshold
// and truncates to limit (when limit > 0).
func Rank(results []SearchResult, threshold float32, limit int) []SearchResult {
	kept := results[:0:0]
	for _, r := range results {
		if r.Score >= threshold {
			kept = append(kept, r)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	return kept
}
