package embedding

import (
	"context"
	"fmt"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/northoaks/contract-ai/backend/internal/metrics"
	"github.com/northoaks/contract-ai/backend/pkg/circuitbreaker"
	"github.com/northoaks/contract-ai/backend/pkg/logger"
	"github.com/northoaks/contract-ai/backend/pkg/retry"
)

const defaultBatchSize = 100

type embeddingsAPI interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
}

type OpenAIClient struct {
	api         embeddingsAPI
	model       string
	dim         int
	batchSize   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return newOpenAIClient(openai.NewClientWithConfig(clientCfg), cfg)
}

func newOpenAIClient(api embeddingsAPI, cfg OpenAIConfig) *OpenAIClient {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	cb := circuitbreaker.NewCircuitBreaker("embeddings", circuitbreaker.Config{
		HalfOpenRequests: 5,
		CountWindow:      time.Minute,
		Cooldown:         30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange:    metrics.BreakerStateChanged,
		Logger:           logger.GetLogger(),
	})

	logger.Info("Embedding client initialized",
		zap.String("model", cfg.Model),
		zap.Int("dimensions", cfg.Dimensions),
		zap.Int("batch_size", cfg.BatchSize),
	)

	return &OpenAIClient{
		api:       api,
		model:     cfg.Model,
		dim:       cfg.Dimensions,
		batchSize: cfg.BatchSize,
		timeout:   cfg.Timeout,
		cb:        cb,
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   500 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}
}

func (c *OpenAIClient) Dimensions() int   { return c.dim }
func (c *OpenAIClient) ModelName() string { return c.model }

func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if isBlank(text) {
		return nil, ErrEmptyInput
	}

	vectors, err := c.create(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	return vectors[0], nil
}

// EmbedBatch sends inputs in sub-batches. When a sub-batch fails its items
// are retried one at a time so the failing index can be reported.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if isBlank(t) {
			return nil, &BatchEmbeddingError{Index: i, Err: ErrEmptyInput}
		}
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))

		vectors, err := c.create(ctx, texts[start:end])
		if err != nil {
			if ctx.Err() != nil {
				return nil, &BatchEmbeddingError{Index: start, Err: ctx.Err()}
			}
			logger.Warn("Embedding sub-batch failed, locating failing item",
				zap.Int("start", start),
				zap.Int("size", end-start),
				zap.Error(err),
			)
			vectors = make([][]float32, 0, end-start)
			for i := start; i < end; i++ {
				v, itemErr := c.create(ctx, texts[i:i+1])
				if itemErr != nil {
					return nil, &BatchEmbeddingError{Index: i, Err: itemErr}
				}
				vectors = append(vectors, v[0])
			}
		}
		out = append(out, vectors...)
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(out)))
	return out, nil
}

func (c *OpenAIClient) create(ctx context.Context, inputs []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var vectors [][]float32
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: inputs,
				Model: openai.EmbeddingModel(c.model),
			})
			if err != nil {
				return err
			}
			if len(resp.Data) != len(inputs) {
				return fmt.Errorf("expected %d embeddings, got %d", len(inputs), len(resp.Data))
			}

			data := resp.Data
			sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })

			result := make([][]float32, len(data))
			for i, d := range data {
				if err := checkVector(d.Embedding, c.dim); err != nil {
					return retry.Permanent(err)
				}
				result[i] = d.Embedding
			}
			vectors = result
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}
