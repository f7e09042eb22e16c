package ragcontext

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northoaks/contract-ai/backend/internal/storage/models"
	"github.com/northoaks/contract-ai/backend/internal/vector"
)

type fakeChunks struct {
	chunks []models.Chunk
	err    error
}

func (f fakeChunks) ListChunksByDocuments(_ context.Context, ids []int64) ([]models.Chunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Chunk
	for _, id := range ids {
		for _, c := range f.chunks {
			if c.DocumentID == id {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func docChunks(docID int64, texts ...string) []models.Chunk {
	out := make([]models.Chunk, len(texts))
	for i, t := range texts {
		out[i] = models.Chunk{DocumentID: docID, ChunkIndex: i, Text: t}
	}
	return out
}

type wordCounter struct{}

func (wordCounter) Count(s string) int { return len(strings.Fields(s)) }

func TestJaccard(t *testing.T) {
	assert.Equal(t, 0.0, Jaccard("alpha beta", "gamma delta"))
	assert.Equal(t, 1.0, Jaccard("Alpha beta", "beta alpha"))
	assert.InDelta(t, 1.0/3.0, Jaccard("a b", "b c"), 1e-9)
	assert.Equal(t, 0.0, Jaccard("", "anything"))
}

func TestDeduplicate(t *testing.T) {
	assert.Equal(t, []string{"same text here"}, Deduplicate([]string{"same text here", "same text here"}, 0.8))
	assert.Equal(t, []string{"alpha beta", "gamma delta"}, Deduplicate([]string{"alpha beta", "gamma delta"}, 0.8))

	near := []string{
		"the tenant shall pay rent on the first day of each month",
		"The tenant shall pay rent on the first day of each month.",
		"confidential information must not be disclosed",
	}
	out := Deduplicate(near, 0.8)
	assert.Equal(t, []string{near[0], near[2]}, out)
}

func TestBuildRetrievalLabelsDistinctPassages(t *testing.T) {
	a := NewAssembler(fakeChunks{})
	ctx, kept := a.BuildRetrieval([]vector.SearchResult{
		{Text: "Rent is 1000 per month.", Score: 0.9, DocumentID: 1, ChunkIndex: 2},
		{Text: "Rent is 1000 per month.", Score: 0.85, DocumentID: 1, ChunkIndex: 2},
		{Text: "   ", Score: 0.8},
		{Text: "Termination requires 30 days notice.", Score: 0.7, DocumentID: 1, ChunkIndex: 5},
	})

	assert.Equal(t, "[1] Rent is 1000 per month.\n\n[2] Termination requires 30 days notice.", ctx)
	require.Len(t, kept, 2)
	assert.Equal(t, 5, kept[1].ChunkIndex)
}

func TestBuildRetrievalTokenBudget(t *testing.T) {
	a := NewAssembler(fakeChunks{}, WithTokenBudget(wordCounter{}, 6))
	ctx, kept := a.BuildRetrieval([]vector.SearchResult{
		{Text: "one two three four"},
		{Text: "five six seven eight"},
	})
	assert.Len(t, kept, 1)
	assert.Equal(t, "[1] one two three four", ctx)
}

func TestBuildSummaryRespectsCaps(t *testing.T) {
	long := strings.Repeat("x", 25)
	var texts []string
	for i := 0; i < 35; i++ {
		texts = append(texts, long)
	}
	chunks := append(docChunks(1, texts...), docChunks(2, texts...)...)

	a := NewAssembler(fakeChunks{chunks: chunks}, WithSummaryLimits(SummaryLimits{
		MaxChunks: 40, PerDocument: 30, MaxChars: 100000, MinChunkChars: 20,
	}))
	out, err := a.BuildSummary(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 40, strings.Count(out, long))
}

func TestBuildSummaryNeverExceedsCharBudget(t *testing.T) {
	big := strings.Repeat("a", 4000)
	chunks := docChunks(1, big, big, big, "short enough chunk text here")
	chunks = append(chunks, docChunks(2, strings.Repeat("b", 900))...)

	a := NewAssembler(fakeChunks{chunks: chunks})
	out, err := a.BuildSummary(context.Background(), []int64{1, 2})
	require.NoError(t, err)

	assert.LessOrEqual(t, utf8.RuneCountInString(out), 9000)
	assert.Equal(t, 2, strings.Count(out, big))
	assert.NotContains(t, out, "short enough", "document iteration stops after an overflowing chunk")
	assert.Contains(t, out, strings.Repeat("b", 900))
}

func TestBuildSummaryChunkNearBudget(t *testing.T) {
	chunks := docChunks(1, strings.Repeat("c", 8999), strings.Repeat("d", 30))
	a := NewAssembler(fakeChunks{chunks: chunks})

	out, err := a.BuildSummary(context.Background(), []int64{1})
	require.NoError(t, err)
	assert.Equal(t, 8999, utf8.RuneCountInString(out))
}

func TestBuildSummarySkipsNoise(t *testing.T) {
	a := NewAssembler(fakeChunks{chunks: docChunks(1, "p. 1", "   ", "Page 2 of 9")})
	_, err := a.BuildSummary(context.Background(), []int64{1})
	assert.ErrorIs(t, err, ErrInsufficientContent)
}

func TestBuildSummaryNoChunksOrDocuments(t *testing.T) {
	a := NewAssembler(fakeChunks{})
	_, err := a.BuildSummary(context.Background(), []int64{3})
	assert.ErrorIs(t, err, ErrInsufficientContent)

	_, err = a.BuildSummary(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInsufficientContent)
}

func TestBuildSummaryStoreError(t *testing.T) {
	boom := errors.New("db closed")
	a := NewAssembler(fakeChunks{err: boom})
	_, err := a.BuildSummary(context.Background(), []int64{1})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrInsufficientContent)
}
