package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/northoaks/contract-ai/backend/internal/embedding"
	"github.com/northoaks/contract-ai/backend/internal/llm"
	"github.com/northoaks/contract-ai/backend/internal/metrics"
	"github.com/northoaks/contract-ai/backend/internal/ragcontext"
	"github.com/northoaks/contract-ai/backend/internal/storage"
	"github.com/northoaks/contract-ai/backend/internal/storage/models"
	"github.com/northoaks/contract-ai/backend/internal/vector"
	"github.com/northoaks/contract-ai/backend/pkg/logger"
)

var (
	ErrSessionNotFound  = errors.New("chat session not found")
	ErrDocumentNotFound = errors.New("document not found")
	ErrEmptyMessage     = errors.New("message text is empty")
	ErrInvalidSession   = errors.New("invalid chat session")
)

type Store interface {
	GetDocument(ctx context.Context, id int64) (*models.Document, error)
	CreateSession(ctx context.Context, session *models.ChatSession) error
	GetSession(ctx context.Context, id int64) (*models.ChatSession, error)
	InsertMessage(ctx context.Context, msg *models.ChatMessage) error
	ListMessages(ctx context.Context, sessionID int64) ([]models.ChatMessage, error)
}

type Searcher interface {
	Search(ctx context.Context, query []float32, opts vector.SearchOptions) ([]vector.SearchResult, error)
}

type ContextBuilder interface {
	BuildRetrieval(results []vector.SearchResult) (string, []vector.SearchResult)
	BuildSummary(ctx context.Context, documentIDs []int64) (string, error)
}

type TokenCounter interface {
	Count(text string) int
}

type Config struct {
	SearchLimit       int
	ScoreThreshold    float32
	GenerationTimeout time.Duration
	Model             string
}

func DefaultConfig() Config {
	return Config{
		SearchLimit:       12,
		ScoreThreshold:    0.2,
		GenerationTimeout: 100 * time.Second,
	}
}

// Message is a persisted chat turn as returned to API callers.
type Message struct {
	ID        int64           `json:"id"`
	Text      string          `json:"text"`
	Response  string          `json:"response"`
	Sources   []models.Source `json:"sources,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type Engine struct {
	store      Store
	embedder   embedding.Embedder
	searcher   Searcher
	assembler  ContextBuilder
	generator  llm.Generator
	classifier IntentClassifier
	tokens     TokenCounter
	cfg        Config
	now        func() time.Time
}

type Option func(*Engine)

func WithClassifier(c IntentClassifier) Option {
	return func(e *Engine) { e.classifier = c }
}

func WithTokenCounter(c TokenCounter) Option {
	return func(e *Engine) { e.tokens = c }
}

func NewEngine(store Store, embedder embedding.Embedder, searcher Searcher, assembler ContextBuilder, generator llm.Generator, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = def.SearchLimit
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = def.GenerationTimeout
	}
	e := &Engine{
		store:      store,
		embedder:   embedder,
		searcher:   searcher,
		assembler:  assembler,
		generator:  generator,
		classifier: KeywordClassifier{},
		cfg:        cfg,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateSession opens a chat over the given documents. Every document must
// exist and not be deleted.
func (e *Engine) CreateSession(ctx context.Context, ownerID string, sessionType models.SessionType, documentIDs []int64) (*models.ChatSession, error) {
	ids := uniqueIDs(documentIDs)
	switch sessionType {
	case models.SessionSingle:
		if len(ids) > 1 {
			return nil, fmt.Errorf("%w: a single-document chat links at most one document", ErrInvalidSession)
		}
	case models.SessionComparison:
		if len(ids) < 2 {
			return nil, fmt.Errorf("%w: a comparison chat needs at least two documents", ErrInvalidSession)
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidSession, sessionType)
	}

	for _, id := range ids {
		doc, err := e.store.GetDocument(ctx, id)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && doc.IsDeleted) {
			return nil, fmt.Errorf("%w: %d", ErrDocumentNotFound, id)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load document %d: %w", id, err)
		}
	}

	session := &models.ChatSession{
		OwnerID:     ownerID,
		Type:        sessionType,
		Visible:     true,
		CreatedAt:   e.now(),
		DocumentIDs: ids,
	}
	if err := e.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	logger.Info("Chat session created",
		zap.Int64("session_id", session.ID),
		zap.String("type", string(sessionType)),
		zap.Int64s("documents", ids),
	)
	return session, nil
}

// CreateChatMessage answers text within the session and persists the turn
// once the response is known. Generation failures become a readable
// response rather than an error.
func (e *Engine) CreateChatMessage(ctx context.Context, sessionID int64, text string) (*Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	session, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	startTime := time.Now()
	log := logger.GetLogger().With(
		zap.String("trace_id", uuid.New().String()),
		zap.Int64("session_id", sessionID),
	)
	log.Debug("Message state", zap.String("state", "received"))

	intent := e.classifier.Classify(text)
	log.Debug("Message state", zap.String("state", "intent_classified"), zap.Stringer("intent", intent))

	var ans answer
	if intent == IntentSummary {
		ans = e.summarize(ctx, log, session, text)
	} else {
		ans = e.answerQuestion(ctx, log, session, text)
	}

	msg := &models.ChatMessage{
		SessionID: sessionID,
		Request:   text,
		Response:  &ans.text,
		CreatedAt: e.now(),
	}
	if len(ans.sources) > 0 {
		raw, err := json.Marshal(ans.sources)
		if err != nil {
			return nil, fmt.Errorf("failed to encode sources: %w", err)
		}
		s := string(raw)
		msg.Sources = &s
	}

	// The turn is stored even if the caller went away during generation.
	if err := e.store.InsertMessage(context.WithoutCancel(ctx), msg); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}

	metrics.QueryTotal.WithLabelValues(intent.String(), ans.outcome).Inc()
	metrics.QueryDuration.WithLabelValues(intent.String()).Observe(time.Since(startTime).Seconds())
	log.Info("Message answered",
		zap.Int64("message_id", msg.ID),
		zap.Stringer("intent", intent),
		zap.String("outcome", ans.outcome),
		zap.Int("sources", len(ans.sources)),
		zap.Duration("latency", time.Since(startTime)),
	)

	return &Message{
		ID:        msg.ID,
		Text:      text,
		Response:  ans.text,
		Sources:   ans.sources,
		Timestamp: msg.CreatedAt,
	}, nil
}

func (e *Engine) GetSessionMessages(ctx context.Context, sessionID int64) ([]Message, error) {
	if _, err := e.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	rows, err := e.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	out := make([]Message, 0, len(rows))
	for _, row := range rows {
		m := Message{ID: row.ID, Text: row.Request, Timestamp: row.CreatedAt}
		if row.Response != nil {
			m.Response = *row.Response
		}
		if row.Sources != nil && *row.Sources != "" {
			if err := json.Unmarshal([]byte(*row.Sources), &m.Sources); err != nil {
				logger.Warn("Failed to decode message sources", zap.Int64("message_id", row.ID), zap.Error(err))
			}
		}
		out = append(out, m)
	}
	return out, nil
}

type answer struct {
	text    string
	sources []models.Source
	outcome string
}

func (e *Engine) answerQuestion(ctx context.Context, log *zap.Logger, session *models.ChatSession, question string) answer {
	log.Debug("Message state", zap.String("state", "retrieving"))

	documentIDs, err := e.liveDocumentIDs(ctx, session.DocumentIDs)
	if err != nil {
		log.Error("SearchFailure", zap.String("stage", "documents"), zap.Error(err))
		return answer{text: GenerationErrorResponse, outcome: "search_error"}
	}
	// an empty filter would search every document in the index
	if len(documentIDs) == 0 {
		return answer{text: NoRelevantInfoResponse, outcome: "nothing_linked"}
	}

	vec, err := e.embedder.Embed(ctx, question)
	if err != nil {
		log.Error("SearchFailure", zap.String("stage", "embed"), zap.Error(err))
		return answer{text: GenerationErrorResponse, outcome: "search_error"}
	}

	results, err := e.searcher.Search(ctx, vec, vector.SearchOptions{
		Limit:          e.cfg.SearchLimit,
		ScoreThreshold: e.cfg.ScoreThreshold,
		DocumentIDs:    documentIDs,
	})
	if err != nil {
		log.Error("SearchFailure", zap.String("stage", "search"), zap.Error(err))
		return answer{text: GenerationErrorResponse, outcome: "search_error"}
	}
	metrics.VectorResultsCount.Observe(float64(len(results)))

	if len(results) == 0 {
		return answer{text: NoRelevantInfoResponse, outcome: "no_results"}
	}

	contextText, kept := e.assembler.BuildRetrieval(results)
	if contextText == "" {
		return answer{text: NoRelevantInfoResponse, outcome: "no_results"}
	}
	log.Debug("Message state", zap.String("state", "context_built"), zap.Int("passages", len(kept)))

	text, outcome := e.generate(ctx, log, questionPrompt(contextText, question), questionSystemPrompt)
	ans := answer{text: text, outcome: outcome}
	if outcome == "answered" {
		ans.sources = make([]models.Source, 0, len(kept))
		for _, r := range kept {
			ans.sources = append(ans.sources, models.Source{
				DocumentID: r.DocumentID,
				ChunkIndex: r.ChunkIndex,
				Score:      r.Score,
			})
		}
	}
	return ans
}

func (e *Engine) summarize(ctx context.Context, log *zap.Logger, session *models.ChatSession, request string) answer {
	log.Debug("Message state", zap.String("state", "summary_gathering"))

	documentIDs, err := e.liveDocumentIDs(ctx, session.DocumentIDs)
	if err != nil {
		log.Error("Failed to load linked documents", zap.Error(err))
		return answer{text: GenerationErrorResponse, outcome: "error"}
	}
	if len(documentIDs) == 0 {
		return answer{text: NothingToSummarizeResponse, outcome: "nothing_linked"}
	}

	contextText, err := e.assembler.BuildSummary(ctx, documentIDs)
	if errors.Is(err, ragcontext.ErrInsufficientContent) {
		return answer{text: NoTextToSummarizeResponse, outcome: "no_text"}
	}
	if err != nil {
		log.Error("Failed to gather summary context", zap.Error(err))
		return answer{text: GenerationErrorResponse, outcome: "error"}
	}
	log.Debug("Message state", zap.String("state", "context_built"))

	text, outcome := e.generate(ctx, log, summaryPrompt(contextText, request), summarySystemPrompt)
	return answer{text: text, outcome: outcome}
}

// liveDocumentIDs drops linked documents that were deleted after the session
// was created.
func (e *Engine) liveDocumentIDs(ctx context.Context, ids []int64) ([]int64, error) {
	live := make([]int64, 0, len(ids))
	for _, id := range ids {
		doc, err := e.store.GetDocument(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load document %d: %w", id, err)
		}
		if !doc.IsDeleted {
			live = append(live, id)
		}
	}
	return live, nil
}

func (e *Engine) generate(ctx context.Context, log *zap.Logger, prompt, systemPrompt string) (string, string) {
	log.Debug("Message state", zap.String("state", "generating"))
	if e.tokens != nil {
		metrics.LLMTokensUsed.WithLabelValues(e.cfg.Model).Add(float64(e.tokens.Count(systemPrompt + prompt)))
	}

	text, err := e.generator.Generate(ctx, prompt, systemPrompt, e.cfg.GenerationTimeout)
	switch {
	case errors.Is(err, llm.ErrGenerationTimeout):
		log.Warn("Generation timed out", zap.Duration("timeout", e.cfg.GenerationTimeout))
		return GenerationTimeoutResponse, "timeout"
	case err != nil:
		log.Error("Generation failed", zap.Error(err))
		return GenerationErrorResponse, "error"
	case strings.TrimSpace(text) == "":
		log.Error("Generation returned no text")
		return GenerationErrorResponse, "error"
	}
	log.Debug("Message state", zap.String("state", "answered"))
	return strings.TrimSpace(text), "answered"
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
