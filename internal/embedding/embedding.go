// Package embedding turns text into fixed-dimension vectors.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrEmptyInput = errors.New("embedding input is empty")
	ErrEmptyVector = errors.New("embedding backend returned an empty vector")
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per input, in input order, or an error.
	// It never returns a partial result.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
}

// BatchEmbeddingError reports the first input of a batch that could not be embedded.
type BatchEmbeddingError struct {
	Index int
	Err   error
}

func (e *BatchEmbeddingError) Error() string {
	return fmt.Sprintf("failed to embed batch item %d: %v", e.Index, e.Err)
}

func (e *BatchEmbeddingError) Unwrap() error {
	return e.Err
}

// DimensionError reports a vector whose length differs from the configured size.
type DimensionError struct {
	Want, Got int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: want %d, got %d", e.Want, e.Got)
}

func isBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}

func checkVector(v []float32, dim int) error {
	if len(v) == 0 {
		return ErrEmptyVector
	}
	if dim > 0 && len(v) != dim {
		return &DimensionError{Want: dim, Got: len(v)}
	}
	return nil
}

// Normalize returns an L2-normalised copy of v. A zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)

	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return out
	}

	norm := math.Sqrt(sum)
	for i, x := range out {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
