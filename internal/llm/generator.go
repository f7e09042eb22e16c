// Package llm wraps the text generation backends.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrGenerationTimeout = errors.New("generation timed out")
	ErrEmptyCompletion   = errors.New("generation returned no content")
)

// Generator produces a completion for prompt under systemPrompt. When the
// timeout elapses it returns an error matching both ErrGenerationTimeout
// and context.DeadlineExceeded.
type Generator interface {
	Generate(ctx context.Context, prompt, systemPrompt string, timeout time.Duration) (string, error)
}

type generateFunc func(ctx context.Context) (string, error)

// runWithDeadline enforces timeout even if fn ignores its context.
func runWithDeadline(ctx context.Context, timeout time.Duration, fn generateFunc) (string, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := fn(callCtx)
		done <- result{text: text, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", timeoutError(timeout)
		}
		return r.text, r.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", timeoutError(timeout)
	}
}

func timeoutError(timeout time.Duration) error {
	return fmt.Errorf("%w after %s: %w", ErrGenerationTimeout, timeout, context.DeadlineExceeded)
}
