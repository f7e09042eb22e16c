package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/northoaks/contract-ai/backend/internal/metrics"
	"github.com/northoaks/contract-ai/backend/pkg/circuitbreaker"
	"github.com/northoaks/contract-ai/backend/pkg/logger"
)

type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
}

type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
	cb          *circuitbreaker.CircuitBreaker
}

func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	logger.Info("LLM client initialized",
		zap.String("provider", "gemini"),
		zap.String("model", cfg.Model),
	)

	return &GeminiClient{
		client:      client,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   int32(cfg.MaxTokens),
		cb: circuitbreaker.NewCircuitBreaker("gemini", circuitbreaker.Config{
			HalfOpenRequests: 5,
			CountWindow:      time.Minute,
			Cooldown:         30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OnStateChange:    metrics.BreakerStateChanged,
			Logger:           logger.GetLogger(),
		}),
	}, nil
}

func (g *GeminiClient) Generate(ctx context.Context, prompt, systemPrompt string, timeout time.Duration) (string, error) {
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(g.temperature),
		MaxOutputTokens: g.maxTokens,
	}
	if systemPrompt != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}

	return runWithDeadline(ctx, timeout, func(ctx context.Context) (string, error) {
		var text string
		err := g.cb.Execute(ctx, func() error {
			resp, err := g.client.Models.GenerateContent(
				ctx,
				g.model,
				[]*genai.Content{{Parts: []*genai.Part{{Text: prompt}}}},
				config,
			)
			if err != nil {
				return fmt.Errorf("failed to generate content: %w", err)
			}
			text = strings.TrimSpace(resp.Text())
			if text == "" {
				return ErrEmptyCompletion
			}
			return nil
		})
		return text, err
	})
}
