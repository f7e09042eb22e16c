package embedding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	mu     sync.Mutex
	calls  int
	inputs []string
	failOn string
}

func (c *countingEmbedder) Dimensions() int   { return 2 }
func (c *countingEmbedder) ModelName() string { return "counting" }

func (c *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.inputs = append(c.inputs, text)
	return []float32{float32(len(text)), 1}, nil
}

func (c *countingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if t == c.failOn {
			return nil, &BatchEmbeddingError{Index: i, Err: errors.New("boom")}
		}
		c.inputs = append(c.inputs, t)
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

type memoryShared struct {
	data    map[string][]float32
	readErr error
}

func (m *memoryShared) GetEmbedding(_ context.Context, key string) ([]float32, bool, error) {
	if m.readErr != nil {
		return nil, false, m.readErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memoryShared) SetEmbedding(_ context.Context, key string, v []float32, _ time.Duration) error {
	m.data[key] = v
	return nil
}

func TestCachedEmbedderServesRepeatsFromLRU(t *testing.T) {
	next := &countingEmbedder{}
	c := NewCachedEmbedder(next, WithLRU(16, time.Minute))

	v1, err := c.Embed(context.Background(), "term")
	require.NoError(t, err)
	v2, err := c.Embed(context.Background(), "term")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, next.calls)
}

func TestCachedEmbedderReturnsCopies(t *testing.T) {
	next := &countingEmbedder{}
	c := NewCachedEmbedder(next, WithLRU(16, time.Minute))
	ctx := context.Background()

	first, err := c.Embed(ctx, "term")
	require.NoError(t, err)
	first[0] = 99

	second, err := c.Embed(ctx, "term")
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 1}, second)
	second[1] = 99

	third, err := c.Embed(ctx, "term")
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 1}, third)
	assert.Equal(t, 1, next.calls)
}

func TestCachedEmbedderBatchOnlyEmbedsMisses(t *testing.T) {
	next := &countingEmbedder{}
	shared := &memoryShared{data: map[string][]float32{}}
	c := NewCachedEmbedder(next, WithLRU(16, time.Minute), WithSharedCache(shared, time.Hour))

	_, err := c.Embed(context.Background(), "bb")
	require.NoError(t, err)

	vectors, err := c.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, float32(1), vectors[0][0])
	assert.Equal(t, float32(2), vectors[1][0])
	assert.Equal(t, float32(3), vectors[2][0])

	assert.Equal(t, []string{"bb", "a", "ccc"}, next.inputs)
	assert.Len(t, shared.data, 3)
}

func TestCachedEmbedderRemapsBatchFailureIndex(t *testing.T) {
	next := &countingEmbedder{failOn: "bad"}
	c := NewCachedEmbedder(next, WithLRU(16, time.Minute))

	_, err := c.Embed(context.Background(), "cached")
	require.NoError(t, err)

	_, err = c.EmbedBatch(context.Background(), []string{"cached", "fresh", "bad"})
	var be *BatchEmbeddingError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 2, be.Index)
}

func TestCachedEmbedderIgnoresSharedCacheErrors(t *testing.T) {
	next := &countingEmbedder{}
	shared := &memoryShared{data: map[string][]float32{}, readErr: errors.New("redis down")}
	c := NewCachedEmbedder(next, WithSharedCache(shared, time.Hour))

	v, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, v, 2)
}

func TestCachedEmbedderEmptyInput(t *testing.T) {
	c := NewCachedEmbedder(&countingEmbedder{})
	_, err := c.Embed(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}
