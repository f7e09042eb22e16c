// Package documents manages the lifecycle of uploaded contracts: creation,
// background processing, status and deletion.
package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/northoaks/contract-ai/backend/internal/ingestion"
	"github.com/northoaks/contract-ai/backend/internal/jobs"
	"github.com/northoaks/contract-ai/backend/internal/metrics"
	"github.com/northoaks/contract-ai/backend/internal/progress"
	"github.com/northoaks/contract-ai/backend/internal/storage"
	"github.com/northoaks/contract-ai/backend/internal/storage/models"
	"github.com/northoaks/contract-ai/backend/pkg/logger"
)

const StatusQueued = "Queued"

var ErrDocumentNotFound = errors.New("document not found")

type Store interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id int64) (*models.Document, error)
	SoftDeleteDocument(ctx context.Context, id int64, at time.Time) error
	MarkVectorsPurged(ctx context.Context, id int64) error
	ListUnpurgedDeleted(ctx context.Context) ([]int64, error)
}

type Processor interface {
	Process(ctx context.Context, documentID int64, filePath string, progress ingestion.ProgressFunc) error
}

type Enqueuer interface {
	Enqueue(job jobs.Job)
}

// VectorPurger removes every vector that belongs to a document.
type VectorPurger interface {
	DeleteByDocument(ctx context.Context, documentID int64) error
}

type Status struct {
	Processed  bool   `json:"processed"`
	StatusText string `json:"status"`
}

type Service struct {
	store     Store
	processor Processor
	queue     Enqueuer
	vectors   VectorPurger
	sink      progress.Sink
	now       func() time.Time
}

func NewService(store Store, processor Processor, queue Enqueuer, vectors VectorPurger, sink progress.Sink) *Service {
	if sink == nil {
		sink = progress.NopSink{}
	}
	return &Service{
		store:     store,
		processor: processor,
		queue:     queue,
		vectors:   vectors,
		sink:      sink,
		now:       time.Now,
	}
}

// Upload records a stored file and schedules it for processing. Progress is
// published under the owner's id.
func (s *Service) Upload(ctx context.Context, ownerID, name, filePath string, visible bool) (*models.Document, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(filePath) == "" {
		return nil, errors.New("document name and path are required")
	}

	doc := &models.Document{
		Name:       name,
		FilePath:   filePath,
		OwnerID:    ownerID,
		UploadedAt: s.now(),
		Status:     StatusQueued,
		Visible:    visible,
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}
	logger.Info("Document uploaded",
		zap.Int64("document_id", doc.ID),
		zap.String("name", name),
		zap.String("owner", ownerID),
	)

	if err := s.EnqueueDocumentProcessing(ctx, doc.ID, ownerID); err != nil {
		return nil, err
	}
	return doc, nil
}

// EnqueueDocumentProcessing schedules a (re)processing run. It does nothing
// for unknown or deleted documents.
func (s *Service) EnqueueDocumentProcessing(ctx context.Context, documentID int64, routingKey string) error {
	doc, err := s.lookup(ctx, documentID)
	if err != nil {
		return err
	}

	path := doc.FilePath
	s.sink.Emit(progress.Event{
		Key:        routingKey,
		DocumentID: documentID,
		Message:    StatusQueued,
		Time:       s.now(),
	})
	s.queue.Enqueue(jobs.Job{
		DocumentID: documentID,
		RoutingKey: routingKey,
		Run: func(ctx context.Context) error {
			// deleted while waiting in the queue
			if _, err := s.lookup(ctx, documentID); errors.Is(err, ErrDocumentNotFound) {
				logger.Info("Skipping processing of deleted document", zap.Int64("document_id", documentID))
				return nil
			}
			return s.processor.Process(ctx, documentID, path, func(message string, percent int) {
				s.sink.Emit(progress.Event{
					Key:        routingKey,
					DocumentID: documentID,
					Message:    message,
					Progress:   percent,
					Time:       s.now(),
				})
			})
		},
	})
	return nil
}

func (s *Service) GetDocumentStatus(ctx context.Context, documentID int64) (*Status, error) {
	doc, err := s.lookup(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return &Status{Processed: doc.Processed, StatusText: doc.Status}, nil
}

// Delete soft-deletes the document and its chunks, then purges its vectors.
// A failed purge is left for ReconcileVectors.
func (s *Service) Delete(ctx context.Context, documentID int64) error {
	err := s.store.SoftDeleteDocument(ctx, documentID, s.now())
	if errors.Is(err, storage.ErrNotFound) {
		return ErrDocumentNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	logger.Info("Document deleted", zap.Int64("document_id", documentID))

	if err := s.purge(ctx, documentID, "delete"); err != nil {
		logger.Warn("Vector purge failed, will retry on reconcile",
			zap.Int64("document_id", documentID),
			zap.Error(err),
		)
	}
	return nil
}

// ReconcileVectors purges vectors of deleted documents whose earlier purge
// failed. It returns how many documents were purged.
func (s *Service) ReconcileVectors(ctx context.Context) (int, error) {
	ids, err := s.store.ListUnpurgedDeleted(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list deleted documents: %w", err)
	}

	purged := 0
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		if err := s.purge(ctx, id, "reconcile"); err != nil {
			errs = append(errs, fmt.Errorf("document %d: %w", id, err))
			continue
		}
		purged++
	}
	if purged > 0 || len(errs) > 0 {
		logger.Info("Vector reconciliation finished",
			zap.Int("pending", len(ids)),
			zap.Int("purged", purged),
			zap.Int("failed", len(errs)),
		)
	}
	return purged, errors.Join(errs...)
}

func (s *Service) purge(ctx context.Context, documentID int64, source string) error {
	if err := s.vectors.DeleteByDocument(ctx, documentID); err != nil {
		metrics.VectorPurges.WithLabelValues(source, "failed").Inc()
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	if err := s.store.MarkVectorsPurged(ctx, documentID); err != nil {
		metrics.VectorPurges.WithLabelValues(source, "failed").Inc()
		return fmt.Errorf("failed to mark vectors purged: %w", err)
	}
	metrics.VectorPurges.WithLabelValues(source, "succeeded").Inc()
	return nil
}

func (s *Service) lookup(ctx context.Context, documentID int64) (*models.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	if doc.IsDeleted {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}
