package llm

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/northoaks/contract-ai/backend/pkg/logger"
)

// TokenCounter estimates prompt sizes with the model's BPE encoding.
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter falls back to cl100k_base for unknown models and to a
// characters/4 estimate when no encoding can be loaded.
func NewTokenCounter(model string) *TokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		logger.Warn("Token encoding unavailable, using character estimate", zap.String("model", model), zap.Error(err))
		return &TokenCounter{}
	}
	return &TokenCounter{enc: enc}
}

func (t *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if t == nil || t.enc == nil {
		return (utf8.RuneCountInString(text) + 3) / 4
	}
	return len(t.enc.Encode(text, nil, nil))
}
