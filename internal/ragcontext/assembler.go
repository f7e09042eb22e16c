// Package ragcontext builds the prompt context for answers and summaries.
package ragcontext

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/northoaks/contract-ai/backend/internal/storage/models"
	"github.com/northoaks/contract-ai/backend/internal/vector"
	"github.com/northoaks/contract-ai/backend/pkg/logger"
)

var ErrInsufficientContent = errors.New("insufficient content")

const passageSeparator = "\n\n"

type ChunkSource interface {
	ListChunksByDocuments(ctx context.Context, documentIDs []int64) ([]models.Chunk, error)
}

type TokenCounter interface {
	Count(text string) int
}

type SummaryLimits struct {
	MaxChunks     int
	PerDocument   int
	MaxChars      int
	MinChunkChars int
}

func DefaultSummaryLimits() SummaryLimits {
	return SummaryLimits{MaxChunks: 40, PerDocument: 30, MaxChars: 9000, MinChunkChars: 20}
}

type Assembler struct {
	chunks         ChunkSource
	limits         SummaryLimits
	dedupThreshold float64
	tokens         TokenCounter
	tokenBudget    int
}

type Option func(*Assembler)

func WithSummaryLimits(l SummaryLimits) Option {
	return func(a *Assembler) { a.limits = l }
}

func WithDedupThreshold(t float64) Option {
	return func(a *Assembler) { a.dedupThreshold = t }
}

// WithTokenBudget caps the retrieval context at budget tokens as measured
// by counter. A zero budget means no cap.
func WithTokenBudget(counter TokenCounter, budget int) Option {
	return func(a *Assembler) {
		a.tokens = counter
		a.tokenBudget = budget
	}
}

func NewAssembler(chunks ChunkSource, opts ...Option) *Assembler {
	a := &Assembler{
		chunks:         chunks,
		limits:         DefaultSummaryLimits(),
		dedupThreshold: DefaultDedupThreshold,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// BuildRetrieval labels the distinct passages of ranked results as [1], [2], ...
// and returns the context with the results that made it in.
func (a *Assembler) BuildRetrieval(results []vector.SearchResult) (string, []vector.SearchResult) {
	texts := make([]string, 0, len(results))
	candidates := make([]vector.SearchResult, 0, len(results))
	seen := make(map[string]struct{}, len(results))
	for _, r := range results {
		t := strings.TrimSpace(r.Text)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		texts = append(texts, t)
		candidates = append(candidates, r)
	}

	var (
		b      strings.Builder
		kept   []vector.SearchResult
		tokens int
	)
	for _, idx := range dedupIndexes(texts, a.dedupThreshold) {
		passage := fmt.Sprintf("[%d] %s", len(kept)+1, texts[idx])
		if a.tokens != nil && a.tokenBudget > 0 {
			n := a.tokens.Count(passage)
			if len(kept) > 0 && tokens+n > a.tokenBudget {
				break
			}
			tokens += n
		}
		if len(kept) > 0 {
			b.WriteString(passageSeparator)
		}
		b.WriteString(passage)
		kept = append(kept, candidates[idx])
	}

	return b.String(), kept
}

// BuildSummary gathers chunks of the given documents, in document order then
// chunk order, under the total, per-document and character caps. A chunk that
// would overflow the character budget ends that document's contribution.
func (a *Assembler) BuildSummary(ctx context.Context, documentIDs []int64) (string, error) {
	if len(documentIDs) == 0 {
		return "", ErrInsufficientContent
	}

	chunks, err := a.chunks.ListChunksByDocuments(ctx, documentIDs)
	if err != nil {
		return "", fmt.Errorf("failed to load chunks: %w", err)
	}

	byDoc := make(map[int64][]models.Chunk, len(documentIDs))
	for _, ch := range chunks {
		byDoc[ch.DocumentID] = append(byDoc[ch.DocumentID], ch)
	}

	var (
		b     strings.Builder
		total int
		chars int
	)
	sepLen := utf8.RuneCountInString(passageSeparator)

documents:
	for _, docID := range documentIDs {
		perDoc := 0
		for _, ch := range byDoc[docID] {
			if total >= a.limits.MaxChunks {
				break documents
			}
			if perDoc >= a.limits.PerDocument {
				break
			}

			text := strings.TrimSpace(ch.Text)
			n := utf8.RuneCountInString(text)
			if n < a.limits.MinChunkChars || n == 0 {
				continue
			}

			cost := n
			if total > 0 {
				cost += sepLen
			}
			if chars+cost > a.limits.MaxChars {
				break
			}

			if total > 0 {
				b.WriteString(passageSeparator)
			}
			b.WriteString(text)
			chars += cost
			total++
			perDoc++
		}
		// prevent a later document from reusing its map entry if ids repeat
		delete(byDoc, docID)
	}

	if total == 0 {
		return "", ErrInsufficientContent
	}

	logger.Debug("Summary context assembled",
		zap.Int("documents", len(documentIDs)),
		zap.Int("chunks", total),
		zap.Int("chars", chars),
	)

	return b.String(), nil
}
