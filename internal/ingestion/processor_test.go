package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northoaks/contract-ai/backend/internal/chunker"
	"github.com/northoaks/contract-ai/backend/internal/extraction"
	"github.com/northoaks/contract-ai/backend/internal/storage"
	"github.com/northoaks/contract-ai/backend/internal/storage/models"
	"github.com/northoaks/contract-ai/backend/internal/vector/memory"
)

const dim = 4

type fakeExtractor struct {
	text string
	err  error
}

func (f *fakeExtractor) ExtractText(context.Context, string) (string, error) {
	return f.text, f.err
}

type fakeEmbedder struct {
	mu     sync.Mutex
	calls  int
	failOn string
	// onCall runs before each embedding, after the call is counted.
	onCall func(n int)
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(n)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.failOn != "" && strings.Contains(text, f.failOn) {
		return nil, errors.New("embedding backend unavailable")
	}
	return []float32{float32(len(text)), 1, 0, 1}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int   { return dim }
func (f *fakeEmbedder) ModelName() string { return "fake" }

type statusUpdate struct {
	processed bool
	status    string
}

type fakeStore struct {
	mu        sync.Mutex
	chunks    map[int64][]models.Chunk
	statuses  []statusUpdate
	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{chunks: make(map[int64][]models.Chunk)}
}

func (s *fakeStore) UpdateDocumentStatus(_ context.Context, _ int64, processed bool, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, statusUpdate{processed, status})
	return nil
}

func (s *fakeStore) DeleteChunksByDocument(_ context.Context, documentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, documentID)
	return nil
}

func (s *fakeStore) InsertChunks(ctx context.Context, chunks []models.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.insertErr != nil {
		return s.insertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.chunks[c.DocumentID] = append(s.chunks[c.DocumentID], c)
	}
	return nil
}

func (s *fakeStore) last() statusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[len(s.statuses)-1]
}

// threePages reads like a short text-only lease: many sentences, no summary keywords.
func threePages() string {
	var b strings.Builder
	for page := 1; page <= 3; page++ {
		for i := 0; i < 12; i++ {
			b.WriteString("The tenant shall keep the premises in good repair and return them at the end of the term. ")
		}
		b.WriteString("\n\n")
	}
	return b.String()
}

func assertContiguous(t *testing.T, chunks []models.Chunk) {
	t.Helper()
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.NotEmpty(t, strings.TrimSpace(c.Text))
		assert.NotEmpty(t, c.PointID)
	}
}

func TestProcessIndexesEveryChunk(t *testing.T) {
	store := newFakeStore()
	index := memory.New(dim)
	p := NewProcessor(&fakeExtractor{text: threePages()}, chunker.New(), &fakeEmbedder{}, index, store)

	var percents []int
	err := p.Process(context.Background(), 7, "/uploads/lease.pdf", func(_ string, pct int) {
		percents = append(percents, pct)
	})
	require.NoError(t, err)

	chunks := store.chunks[7]
	require.NotEmpty(t, chunks)
	assertContiguous(t, chunks)
	assert.Equal(t, len(chunks), index.Count(7))

	last := store.last()
	assert.True(t, last.processed)
	assert.Equal(t, fmt.Sprintf("Processed: %d chunks", len(chunks)), last.status)

	require.NotEmpty(t, percents)
	assert.Equal(t, 100, percents[len(percents)-1])
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	store := newFakeStore()
	index := memory.New(dim)
	p := NewProcessor(&fakeExtractor{text: threePages()}, chunker.New(), &fakeEmbedder{}, index, store)

	require.NoError(t, p.Process(context.Background(), 1, "a.pdf", nil))
	first := len(store.chunks[1])

	require.NoError(t, p.Process(context.Background(), 1, "a.pdf", nil))
	assert.Len(t, store.chunks[1], first)
	assert.Equal(t, first, index.Count(1))
	assertContiguous(t, store.chunks[1])
}

func TestProcessSkipsFailedChunksWithoutGaps(t *testing.T) {
	store := newFakeStore()
	index := memory.New(dim)
	text := "First clause is fine. Second clause is POISON here. Third clause is also fine."
	p := NewProcessor(&fakeExtractor{text: text}, chunker.New(chunker.WithMaxChars(25)), &fakeEmbedder{failOn: "POISON"}, index, store)

	require.NoError(t, p.Process(context.Background(), 3, "c.txt", nil))

	chunks := store.chunks[3]
	require.Len(t, chunks, 2)
	assertContiguous(t, chunks)
	assert.Equal(t, "First clause is fine.", chunks[0].Text)
	assert.Equal(t, "Third clause is also fine.", chunks[1].Text)
	assert.Equal(t, "Processed: 2 chunks", store.last().status)
}

func TestProcessExtractionFailure(t *testing.T) {
	store := newFakeStore()
	index := memory.New(dim)
	emb := &fakeEmbedder{}
	p := NewProcessor(&fakeExtractor{err: extraction.ErrExtraction}, chunker.New(), emb, index, store)

	err := p.Process(context.Background(), 4, "broken.pdf", nil)
	require.ErrorIs(t, err, extraction.ErrExtraction)

	assert.Empty(t, store.chunks[4])
	assert.Zero(t, emb.calls)
	last := store.last()
	assert.False(t, last.processed)
	assert.Equal(t, StatusReadFailed, last.status)
}

func TestProcessNoReadableText(t *testing.T) {
	store := newFakeStore()
	p := NewProcessor(&fakeExtractor{text: "   \n\t "}, chunker.New(), &fakeEmbedder{}, memory.New(dim), store)

	var final int
	require.NoError(t, p.Process(context.Background(), 5, "blank.pdf", func(_ string, pct int) { final = pct }))

	last := store.last()
	assert.True(t, last.processed)
	assert.Equal(t, StatusNoText, last.status)
	assert.Equal(t, 100, final)
}

func TestProcessCancelledBetweenChunks(t *testing.T) {
	store := newFakeStore()
	index := memory.New(dim)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	text := "Alpha clause applies. Beta clause applies. Gamma clause applies. Delta clause applies."
	emb := &fakeEmbedder{onCall: func(n int) {
		if n == 3 {
			cancel()
		}
	}}
	p := NewProcessor(&fakeExtractor{text: text}, chunker.New(chunker.WithMaxChars(22)), emb, index, store)

	err := p.Process(ctx, 6, "d.txt", nil)
	require.ErrorIs(t, err, context.Canceled)

	chunks := store.chunks[6]
	require.Len(t, chunks, 2)
	assertContiguous(t, chunks)
	assert.Equal(t, 3, emb.calls)

	last := store.last()
	assert.False(t, last.processed)
	assert.Equal(t, "Cancelled: 2 chunks indexed", last.status)
}

func TestProcessPersistFailureMarksDocumentFailed(t *testing.T) {
	store := newFakeStore()
	store.insertErr = errors.New("disk full")
	p := NewProcessor(&fakeExtractor{text: "One sentence of text."}, chunker.New(), &fakeEmbedder{}, memory.New(dim), store)

	err := p.Process(context.Background(), 8, "e.txt", nil)
	require.Error(t, err)
	assert.Equal(t, StatusIndexFailed, store.last().status)
}

func TestProcessDropsVectorsWhenDocumentDeletedMidway(t *testing.T) {
	store := newFakeStore()
	store.insertErr = fmt.Errorf("document 9: %w", storage.ErrDeleted)
	idx := memory.New(dim)
	p := NewProcessor(&fakeExtractor{text: "First clause. Second clause. Third clause."}, chunker.New(chunker.WithMaxChars(20)), &fakeEmbedder{}, idx, store)

	require.NoError(t, p.Process(context.Background(), 9, "f.txt", nil))
	assert.Zero(t, idx.Count(9))
	assert.Empty(t, store.chunks[9])
	assert.NotEqual(t, "Processed: 3 chunks", store.last().status)
}
