package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/northoaks/contract-ai/backend/internal/embedding"
	"github.com/northoaks/contract-ai/backend/internal/metrics"
	"github.com/northoaks/contract-ai/backend/internal/storage"
	"github.com/northoaks/contract-ai/backend/internal/storage/models"
	"github.com/northoaks/contract-ai/backend/internal/vector"
	"github.com/northoaks/contract-ai/backend/pkg/logger"
)

const (
	StatusExtracting  = "Extracting text"
	StatusReadFailed  = "Failed: could not read document"
	StatusNoText      = "Processed: no readable text"
	StatusIndexFailed = "Failed: could not index document"
)

type Extractor interface {
	ExtractText(ctx context.Context, path string) (string, error)
}

type Chunker interface {
	Chunk(text string) []string
}

// Store is the slice of the record store the processor writes to.
type Store interface {
	UpdateDocumentStatus(ctx context.Context, id int64, processed bool, status string) error
	DeleteChunksByDocument(ctx context.Context, documentID int64) error
	InsertChunks(ctx context.Context, chunks []models.Chunk) error
}

// ProgressFunc receives a human readable step and a percentage in [0, 100].
type ProgressFunc func(message string, percent int)

type Processor struct {
	extractor Extractor
	chunker   Chunker
	embedder  embedding.Embedder
	index     vector.Index
	store     Store
	now       func() time.Time
}

func NewProcessor(extractor Extractor, chunker Chunker, embedder embedding.Embedder, index vector.Index, store Store) *Processor {
	return &Processor{
		extractor: extractor,
		chunker:   chunker,
		embedder:  embedder,
		index:     index,
		store:     store,
		now:       time.Now,
	}
}

// Process extracts, chunks, embeds and indexes one document. Running it again
// for the same document replaces the previous chunks and vectors.
func (p *Processor) Process(ctx context.Context, documentID int64, filePath string, progress ProgressFunc) error {
	if progress == nil {
		progress = func(string, int) {}
	}
	log := logger.GetLogger().With(zap.Int64("document_id", documentID))
	log.Info("Processing document", zap.String("path", filePath))

	if err := p.store.UpdateDocumentStatus(ctx, documentID, false, StatusExtracting); err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	progress(StatusExtracting, 0)

	text, err := p.extractor.ExtractText(ctx, filePath)
	if err != nil && isCancelled(ctx, err) {
		p.setStatus(context.WithoutCancel(ctx), documentID, false, "Cancelled")
		metrics.DocumentsProcessed.WithLabelValues("cancelled").Inc()
		return ctx.Err()
	}
	if err != nil {
		log.Error("Text extraction failed", zap.Error(err))
		p.setStatus(ctx, documentID, false, StatusReadFailed)
		metrics.DocumentsProcessed.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to extract text from %s: %w", filePath, err)
	}
	progress("Text extracted", 10)

	chunks := p.chunker.Chunk(text)
	log.Info("Document chunked", zap.Int("chunks", len(chunks)))

	if err := p.purge(ctx, documentID); err != nil {
		p.setStatus(ctx, documentID, false, StatusIndexFailed)
		metrics.DocumentsProcessed.WithLabelValues("failed").Inc()
		return err
	}

	if len(chunks) == 0 {
		p.setStatus(ctx, documentID, true, StatusNoText)
		metrics.DocumentsProcessed.WithLabelValues("empty").Inc()
		progress(StatusNoText, 100)
		return nil
	}

	indexed, loopErr := p.indexChunks(ctx, log, documentID, chunks, progress)

	// Writes below must land even when the job was cancelled mid-loop.
	persistCtx := context.WithoutCancel(ctx)

	if f, ok := p.index.(vector.Flusher); ok && len(indexed) > 0 {
		if err := f.Flush(persistCtx); err != nil {
			log.Warn("Failed to flush vector index", zap.Error(err))
		}
	}

	if len(indexed) > 0 {
		err := p.store.InsertChunks(persistCtx, indexed)
		if errors.Is(err, storage.ErrDeleted) {
			p.dropDeleted(persistCtx, log, documentID)
			return nil
		}
		if err != nil {
			p.setStatus(persistCtx, documentID, false, StatusIndexFailed)
			metrics.DocumentsProcessed.WithLabelValues("failed").Inc()
			return fmt.Errorf("failed to persist chunks: %w", err)
		}
	}

	if loopErr != nil {
		status := fmt.Sprintf("Cancelled: %d chunks indexed", len(indexed))
		p.setStatus(persistCtx, documentID, false, status)
		metrics.DocumentsProcessed.WithLabelValues("cancelled").Inc()
		log.Warn("Document processing cancelled", zap.Int("indexed", len(indexed)))
		return loopErr
	}

	status := fmt.Sprintf("Processed: %d chunks", len(indexed))
	if err := p.store.UpdateDocumentStatus(ctx, documentID, true, status); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Info("Document deleted during processing")
			return nil
		}
		return fmt.Errorf("failed to update document status: %w", err)
	}
	metrics.DocumentsProcessed.WithLabelValues("processed").Inc()
	progress(status, 100)

	log.Info("Document processed successfully",
		zap.Int("chunks", len(chunks)),
		zap.Int("indexed", len(indexed)),
	)
	return nil
}

// indexChunks embeds and upserts every chunk in order. A chunk that fails is
// logged and skipped; indices stay contiguous over the chunks that succeed.
func (p *Processor) indexChunks(ctx context.Context, log *zap.Logger, documentID int64, chunks []string, progress ProgressFunc) ([]models.Chunk, error) {
	indexed := make([]models.Chunk, 0, len(chunks))
	for i, text := range chunks {
		if err := ctx.Err(); err != nil {
			return indexed, err
		}

		vec, err := p.embedder.Embed(ctx, text)
		if err != nil {
			if isCancelled(ctx, err) {
				return indexed, ctx.Err()
			}
			log.Warn("ChunkEmbeddingFailure", zap.Int("chunk", i), zap.Error(err))
			metrics.ChunkFailures.Inc()
			continue
		}

		now := p.now()
		pointID, err := p.index.Upsert(ctx, vector.Record{
			DocumentID: documentID,
			ChunkIndex: len(indexed),
			Text:       text,
			Vector:     vec,
			CreatedAt:  now,
		})
		if err != nil {
			if isCancelled(ctx, err) {
				return indexed, ctx.Err()
			}
			log.Warn("ChunkEmbeddingFailure", zap.Int("chunk", i), zap.String("stage", "upsert"), zap.Error(err))
			metrics.ChunkFailures.Inc()
			continue
		}

		indexed = append(indexed, models.Chunk{
			DocumentID: documentID,
			ChunkIndex: len(indexed),
			Text:       text,
			PointID:    pointID,
			CreatedAt:  now,
		})
		metrics.ChunksIndexed.Inc()
		progress(fmt.Sprintf("Indexed chunk %d of %d", i+1, len(chunks)), 10+80*(i+1)/len(chunks))
	}
	return indexed, nil
}

func (p *Processor) purge(ctx context.Context, documentID int64) error {
	if err := p.store.DeleteChunksByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("failed to delete previous chunks: %w", err)
	}
	if err := p.index.DeleteByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("failed to delete previous vectors: %w", err)
	}
	return nil
}

// dropDeleted removes vectors written for a document that was deleted while
// it was being processed. The store has already queued the document for
// reconciliation, so a failure here is only logged.
func (p *Processor) dropDeleted(ctx context.Context, log *zap.Logger, documentID int64) {
	metrics.DocumentsProcessed.WithLabelValues("deleted").Inc()
	if err := p.index.DeleteByDocument(ctx, documentID); err != nil {
		log.Warn("Failed to drop vectors of deleted document", zap.Error(err))
		return
	}
	log.Info("Document deleted during processing, vectors dropped")
}

func (p *Processor) setStatus(ctx context.Context, documentID int64, processed bool, status string) {
	if err := p.store.UpdateDocumentStatus(ctx, documentID, processed, status); err != nil {
		logger.Error("Failed to update document status",
			zap.Int64("document_id", documentID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}

func isCancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
