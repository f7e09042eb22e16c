package embedding

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/northoaks/contract-ai/backend/internal/metrics"
	"github.com/northoaks/contract-ai/backend/pkg/logger"
	"github.com/northoaks/contract-ai/backend/pkg/utils"
)

// SharedCache is a cross-process embedding cache such as redis.
type SharedCache interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, key string, embedding []float32, ttl time.Duration) error
}

// CachedEmbedder serves repeated inputs from an in-process LRU and, when
// configured, a shared cache. Cache errors never fail an embedding call.
type CachedEmbedder struct {
	next      Embedder
	lru       *expirable.LRU[string, []float32]
	shared    SharedCache
	sharedTTL time.Duration
}

type CacheOption func(*CachedEmbedder)

func WithLRU(size int, ttl time.Duration) CacheOption {
	return func(c *CachedEmbedder) {
		if size > 0 {
			c.lru = expirable.NewLRU[string, []float32](size, nil, ttl)
		}
	}
}

func WithSharedCache(cache SharedCache, ttl time.Duration) CacheOption {
	return func(c *CachedEmbedder) {
		c.shared = cache
		c.sharedTTL = ttl
	}
}

func NewCachedEmbedder(next Embedder, opts ...CacheOption) *CachedEmbedder {
	c := &CachedEmbedder{next: next}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CachedEmbedder) Dimensions() int   { return c.next.Dimensions() }
func (c *CachedEmbedder) ModelName() string { return c.next.ModelName() }

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if isBlank(text) {
		return nil, ErrEmptyInput
	}

	key := c.key(text)
	if v, ok := c.lookup(ctx, key); ok {
		return v, nil
	}

	v, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, v)
	return v, nil
}

func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if isBlank(t) {
			return nil, &BatchEmbeddingError{Index: i, Err: ErrEmptyInput}
		}
	}

	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		keys[i] = c.key(t)
		if v, ok := c.lookup(ctx, keys[i]); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	if len(missTexts) > 0 {
		vectors, err := c.next.EmbedBatch(ctx, missTexts)
		if err != nil {
			var be *BatchEmbeddingError
			if errors.As(err, &be) && be.Index >= 0 && be.Index < len(missIdx) {
				return nil, &BatchEmbeddingError{Index: missIdx[be.Index], Err: be.Err}
			}
			return nil, err
		}
		for j, v := range vectors {
			out[missIdx[j]] = v
			c.store(ctx, keys[missIdx[j]], v)
		}
	}

	return out, nil
}

func (c *CachedEmbedder) key(text string) string {
	return utils.HashParts(c.next.ModelName(), text)
}

func (c *CachedEmbedder) lookup(ctx context.Context, key string) ([]float32, bool) {
	if c.lru != nil {
		if v, ok := c.lru.Get(key); ok {
			metrics.CacheHits.WithLabelValues("embedding_lru").Inc()
			return slices.Clone(v), true
		}
		metrics.CacheMisses.WithLabelValues("embedding_lru").Inc()
	}
	if c.shared == nil {
		return nil, false
	}

	v, ok, err := c.shared.GetEmbedding(ctx, key)
	if err != nil {
		logger.Warn("Shared embedding cache read failed", zap.Error(err))
		return nil, false
	}
	if !ok || checkVector(v, c.Dimensions()) != nil {
		metrics.CacheMisses.WithLabelValues("embedding_redis").Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues("embedding_redis").Inc()
	if c.lru != nil {
		c.lru.Add(key, slices.Clone(v))
	}
	return v, true
}

// store keeps a private copy so callers may modify the vector they got back.
func (c *CachedEmbedder) store(ctx context.Context, key string, v []float32) {
	if c.lru != nil {
		c.lru.Add(key, slices.Clone(v))
	}
	if c.shared != nil {
		if err := c.shared.SetEmbedding(ctx, key, v, c.sharedTTL); err != nil {
			logger.Warn("Shared embedding cache write failed", zap.Error(err))
		}
	}
}
