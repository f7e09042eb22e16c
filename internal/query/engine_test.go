package query

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/northoaks/contract-ai/backend/internal/llm"
	"github.com/northoaks/contract-ai/backend/internal/ragcontext"
	"github.com/northoaks/contract-ai/backend/internal/storage/models"
	"github.com/northoaks/contract-ai/backend/internal/storage/sqlite"
	"github.com/northoaks/contract-ai/backend/internal/vector"
	"github.com/northoaks/contract-ai/backend/internal/vector/memory"
)

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, prompt, systemPrompt string, timeout time.Duration) (string, error) {
	args := m.Called(ctx, prompt, systemPrompt, timeout)
	return args.String(0), args.Error(1)
}

// fakeEmbedder maps known texts to fixed vectors; anything else points along
// an axis no stored chunk uses.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 1}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int   { return 4 }
func (f *fakeEmbedder) ModelName() string { return "fake" }

type harness struct {
	store    *sqlite.Client
	index    *memory.Index
	embedder *fakeEmbedder
	gen      *mockGenerator
	engine   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := sqlite.NewClient(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	require.NoError(t, store.InitSchema())
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store:    store,
		index:    memory.New(4),
		embedder: &fakeEmbedder{vectors: map[string][]float32{}},
		gen:      &mockGenerator{},
	}
	cfg := DefaultConfig()
	cfg.GenerationTimeout = time.Second
	h.engine = NewEngine(store, h.embedder, h.index, ragcontext.NewAssembler(store), h.gen, cfg)
	return h
}

// addDocument stores a document and indexes its chunks along the x axis.
func (h *harness) addDocument(t *testing.T, name string, chunks ...string) int64 {
	t.Helper()
	ctx := context.Background()
	doc := &models.Document{Name: name, FilePath: "/uploads/" + name, OwnerID: "owner", Status: "Processed", Processed: true, Visible: true}
	require.NoError(t, h.store.CreateDocument(ctx, doc))

	rows := make([]models.Chunk, 0, len(chunks))
	for i, text := range chunks {
		pointID, err := h.index.Upsert(ctx, vector.Record{DocumentID: doc.ID, ChunkIndex: i, Text: text, Vector: []float32{1, 0, 0, 0}})
		require.NoError(t, err)
		rows = append(rows, models.Chunk{DocumentID: doc.ID, ChunkIndex: i, Text: text, PointID: pointID})
	}
	if len(rows) > 0 {
		require.NoError(t, h.store.InsertChunks(ctx, rows))
	}
	return doc.ID
}

func (h *harness) session(t *testing.T, docIDs ...int64) int64 {
	t.Helper()
	typ := models.SessionSingle
	if len(docIDs) > 1 {
		typ = models.SessionComparison
	}
	s, err := h.engine.CreateSession(context.Background(), "owner", typ, docIDs)
	require.NoError(t, err)
	return s.ID
}

func TestQuestionWithRelevantContext(t *testing.T) {
	h := newHarness(t)
	docID := h.addDocument(t, "lease.pdf", "The monthly rent is 1,200 euros payable on the first business day.")
	sessionID := h.session(t, docID)

	question := "How much is the rent?"
	h.embedder.vectors[question] = []float32{1, 0, 0, 0}
	h.gen.On("Generate", mock.Anything,
		mock.MatchedBy(func(p string) bool { return strings.Contains(p, "[1] The monthly rent") }),
		questionSystemPrompt, time.Second,
	).Return("The rent is 1,200 euros per month [1].", nil).Once()

	msg, err := h.engine.CreateChatMessage(context.Background(), sessionID, question)
	require.NoError(t, err)
	assert.Equal(t, "The rent is 1,200 euros per month [1].", msg.Response)
	require.Len(t, msg.Sources, 1)
	assert.Equal(t, docID, msg.Sources[0].DocumentID)
	assert.Equal(t, 0, msg.Sources[0].ChunkIndex)
	h.gen.AssertExpectations(t)

	history, err := h.engine.GetSessionMessages(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, question, history[0].Text)
	assert.Equal(t, msg.Sources, history[0].Sources)
}

func TestQuestionWithoutMatchesSkipsGeneration(t *testing.T) {
	h := newHarness(t)
	docID := h.addDocument(t, "nda.pdf", "Confidential information must not be disclosed to third parties.")
	sessionID := h.session(t, docID)

	h.embedder.vectors["What is the weather like?"] = []float32{0, 1, 0, 0}

	msg, err := h.engine.CreateChatMessage(context.Background(), sessionID, "What is the weather like?")
	require.NoError(t, err)
	assert.Equal(t, NoRelevantInfoResponse, msg.Response)
	assert.Empty(t, msg.Sources)
	h.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	history, err := h.engine.GetSessionMessages(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, NoRelevantInfoResponse, history[0].Response)
}

func TestSearchIsScopedToLinkedDocuments(t *testing.T) {
	h := newHarness(t)
	linked := h.addDocument(t, "a.pdf", "Payment is due within thirty days of the invoice date.")
	h.addDocument(t, "b.pdf", "Payment is due within ten days of delivery of the goods.")
	sessionID := h.session(t, linked)

	h.embedder.vectors["When is payment due?"] = []float32{1, 0, 0, 0}
	h.gen.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("Thirty days [1].", nil).Once()

	msg, err := h.engine.CreateChatMessage(context.Background(), sessionID, "When is payment due?")
	require.NoError(t, err)
	require.Len(t, msg.Sources, 1)
	assert.Equal(t, linked, msg.Sources[0].DocumentID)
}

func TestQuestionWithoutLinkedDocumentsSearchesNothing(t *testing.T) {
	h := newHarness(t)
	h.addDocument(t, "other.pdf", "Payment is due within ten days of delivery of the goods.")
	sessionID := h.session(t)

	h.embedder.vectors["When is payment due?"] = []float32{1, 0, 0, 0}

	msg, err := h.engine.CreateChatMessage(context.Background(), sessionID, "When is payment due?")
	require.NoError(t, err)
	assert.Equal(t, NoRelevantInfoResponse, msg.Response)
	assert.Empty(t, msg.Sources)
	h.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestQuestionIgnoresDeletedLinkedDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	docID := h.addDocument(t, "old.pdf", "Payment is due within thirty days of the invoice date.")
	h.addDocument(t, "other.pdf", "Payment is due within ten days of delivery of the goods.")
	sessionID := h.session(t, docID)

	// vectors stay behind as if the purge had failed
	require.NoError(t, h.store.SoftDeleteDocument(ctx, docID, time.Now()))
	h.embedder.vectors["When is payment due?"] = []float32{1, 0, 0, 0}

	msg, err := h.engine.CreateChatMessage(ctx, sessionID, "When is payment due?")
	require.NoError(t, err)
	assert.Equal(t, NoRelevantInfoResponse, msg.Response)
	assert.Empty(t, msg.Sources)
	h.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSummaryOfDeletedDocumentsHasNothingToSummarize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addDocument(t, "a.pdf", "The supplier delivers goods every Monday.")
	b := h.addDocument(t, "b.pdf", "The buyer pays within thirty days.")
	sessionID := h.session(t, a, b)

	require.NoError(t, h.store.SoftDeleteDocument(ctx, a, time.Now()))
	require.NoError(t, h.store.SoftDeleteDocument(ctx, b, time.Now()))

	msg, err := h.engine.CreateChatMessage(ctx, sessionID, "Summarize both please")
	require.NoError(t, err)
	assert.Equal(t, NothingToSummarizeResponse, msg.Response)
}

func TestSummaryOfDocumentWithoutText(t *testing.T) {
	h := newHarness(t)
	docID := h.addDocument(t, "scan.pdf")
	sessionID := h.session(t, docID)

	msg, err := h.engine.CreateChatMessage(context.Background(), sessionID, "Can you tldr this?")
	require.NoError(t, err)
	assert.Equal(t, NoTextToSummarizeResponse, msg.Response)
	h.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSummaryWithoutLinkedDocuments(t *testing.T) {
	h := newHarness(t)
	sessionID := h.session(t)

	msg, err := h.engine.CreateChatMessage(context.Background(), sessionID, "Please summarize")
	require.NoError(t, err)
	assert.Equal(t, NothingToSummarizeResponse, msg.Response)
}

func TestSummaryUsesDocumentText(t *testing.T) {
	h := newHarness(t)
	docID := h.addDocument(t, "lease.pdf",
		"This lease is made between Acme Ltd and Jane Doe for the flat at 1 Main Street.",
		"The term is twelve months starting on the first of March.",
	)
	sessionID := h.session(t, docID)

	h.gen.On("Generate", mock.Anything,
		mock.MatchedBy(func(p string) bool {
			return strings.Contains(p, "Acme Ltd") && strings.Contains(p, "twelve months")
		}),
		summarySystemPrompt, time.Second,
	).Return("A twelve month lease between Acme Ltd and Jane Doe.", nil).Once()

	msg, err := h.engine.CreateChatMessage(context.Background(), sessionID, "Give me a quick recap")
	require.NoError(t, err)
	assert.Equal(t, "A twelve month lease between Acme Ltd and Jane Doe.", msg.Response)
	assert.Empty(t, msg.Sources)
	h.gen.AssertExpectations(t)
}

func TestGenerationTimeoutIsPersisted(t *testing.T) {
	h := newHarness(t)
	docID := h.addDocument(t, "lease.pdf", "The deposit equals two months of rent and is held in escrow.")
	sessionID := h.session(t, docID)

	h.embedder.vectors["How big is the deposit?"] = []float32{1, 0, 0, 0}
	h.gen.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", fmt.Errorf("%w after 1s: %w", llm.ErrGenerationTimeout, context.DeadlineExceeded)).Once()

	msg, err := h.engine.CreateChatMessage(context.Background(), sessionID, "How big is the deposit?")
	require.NoError(t, err)
	assert.Equal(t, GenerationTimeoutResponse, msg.Response)

	rows, err := h.store.ListMessages(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Response)
	assert.Equal(t, GenerationTimeoutResponse, *rows[0].Response)
}

func TestGenerationErrorBecomesApology(t *testing.T) {
	h := newHarness(t)
	docID := h.addDocument(t, "lease.pdf", "Either party may terminate with ninety days written notice.")
	sessionID := h.session(t, docID)

	h.embedder.vectors["How do I terminate?"] = []float32{1, 0, 0, 0}
	h.gen.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("upstream 500")).Once()

	msg, err := h.engine.CreateChatMessage(context.Background(), sessionID, "How do I terminate?")
	require.NoError(t, err)
	assert.Equal(t, GenerationErrorResponse, msg.Response)
	assert.Empty(t, msg.Sources)
}

func TestEmbeddingFailureBecomesApology(t *testing.T) {
	h := newHarness(t)
	docID := h.addDocument(t, "lease.pdf", "Pets are not allowed without written consent.")
	sessionID := h.session(t, docID)
	h.embedder.err = errors.New("embedding service down")

	msg, err := h.engine.CreateChatMessage(context.Background(), sessionID, "Can I keep a cat?")
	require.NoError(t, err)
	assert.Equal(t, GenerationErrorResponse, msg.Response)
}

func TestUnknownSessionPersistsNothing(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.CreateChatMessage(context.Background(), 404, "Hello?")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = h.engine.GetSessionMessages(context.Background(), 404)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	rows, err := h.store.ListMessages(context.Background(), 404)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestBlankMessageRejected(t *testing.T) {
	h := newHarness(t)
	sessionID := h.session(t)

	_, err := h.engine.CreateChatMessage(context.Background(), sessionID, "  \n ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestCreateSessionValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.addDocument(t, "a.pdf", "Some clause text that is long enough.")
	b := h.addDocument(t, "b.pdf", "Another clause text that is long enough.")

	_, err := h.engine.CreateSession(ctx, "owner", models.SessionSingle, []int64{999})
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	require.NoError(t, h.store.SoftDeleteDocument(ctx, b, time.Now()))
	_, err = h.engine.CreateSession(ctx, "owner", models.SessionComparison, []int64{a, b})
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	_, err = h.engine.CreateSession(ctx, "owner", models.SessionComparison, []int64{a, a})
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = h.engine.CreateSession(ctx, "owner", "group", nil)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestKeywordClassifier(t *testing.T) {
	tests := []struct {
		text string
		want Intent
	}{
		{"Can you tldr this?", IntentSummary},
		{"TL;DR please", IntentSummary},
		{"Summarise the agreement", IntentSummary},
		{"Give me the short version", IntentSummary},
		{"what's the gist", IntentSummary},
		{"Who signs the contract?", IntentQuestion},
		{"Is the register of members updated?", IntentQuestion},
	}

	var c KeywordClassifier
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.text))
		})
	}
}
