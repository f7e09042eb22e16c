// Package jobs runs document processing off the request path.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/northoaks/contract-ai/backend/internal/metrics"
	"github.com/northoaks/contract-ai/backend/internal/progress"
	"github.com/northoaks/contract-ai/backend/pkg/logger"
	"github.com/northoaks/contract-ai/backend/pkg/queue"
)

// Job is one unit of background work. RoutingKey addresses progress events
// to the user that triggered it.
type Job struct {
	DocumentID int64
	RoutingKey string
	Run        func(ctx context.Context) error
}

type Queue struct {
	items   *queue.Unbounded[Job]
	sink    progress.Sink
	workers int

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped bool
}

func NewQueue(workers int, sink progress.Sink) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if sink == nil {
		sink = progress.NopSink{}
	}
	return &Queue{
		items:   queue.NewUnbounded[Job](),
		sink:    sink,
		workers: workers,
	}
}

// Start launches the workers. Jobs run with a context derived from ctx and
// are cancelled by Stop.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.group != nil || q.stopped {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	q.cancel = cancel
	q.group = g

	for i := 0; i < q.workers; i++ {
		worker := i
		g.Go(func() error {
			q.work(gctx, worker)
			return nil
		})
	}
	logger.Info("Job queue started", zap.Int("workers", q.workers))
}

// Enqueue never blocks. After Stop the job is dropped.
func (q *Queue) Enqueue(job Job) {
	if !q.items.Push(job) {
		logger.Warn("Job queue stopped, dropping job", zap.Int64("document_id", job.DocumentID))
		return
	}
	metrics.JobQueueDepth.Set(float64(q.items.Len()))
}

func (q *Queue) Len() int {
	return q.items.Len()
}

// Stop rejects new jobs, cancels running ones and waits for the workers.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	cancel, g := q.cancel, q.group
	q.mu.Unlock()

	q.items.Close()
	if cancel != nil {
		cancel()
	}
	if g != nil {
		_ = g.Wait()
	}
	logger.Info("Job queue stopped", zap.Int("dropped", q.items.Len()))
}

func (q *Queue) work(ctx context.Context, worker int) {
	for {
		job, err := q.items.Pop(ctx)
		if err != nil {
			return
		}
		metrics.JobQueueDepth.Set(float64(q.items.Len()))
		q.run(ctx, worker, job)
	}
}

func (q *Queue) run(ctx context.Context, worker int, job Job) {
	start := time.Now()
	err := safeRun(ctx, job)
	switch {
	case err == nil:
		metrics.JobsTotal.WithLabelValues("succeeded").Inc()
		logger.Debug("Job finished",
			zap.Int("worker", worker),
			zap.Int64("document_id", job.DocumentID),
			zap.Duration("duration", time.Since(start)),
		)
		return
	case errors.Is(err, context.Canceled):
		metrics.JobsTotal.WithLabelValues("cancelled").Inc()
	default:
		metrics.JobsTotal.WithLabelValues("failed").Inc()
	}

	logger.Error("Job failed",
		zap.Int("worker", worker),
		zap.Int64("document_id", job.DocumentID),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	q.sink.Emit(progress.Event{
		Key:        job.RoutingKey,
		DocumentID: job.DocumentID,
		Message:    "Processing failed",
		Progress:   progress.ProgressFailed,
		Time:       time.Now(),
	})
}

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(ctx)
}
