// Package schedule runs periodic maintenance jobs on cron expressions.
package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/northoaks/contract-ai/backend/pkg/logger"
)

type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type Scheduler struct {
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
}

func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		entries: make(map[string]cron.EntryID),
		ctx:     context.Background(),
	}
}

func (s *Scheduler) AddJob(job Job, spec string) error {
	log := logger.GetLogger().With(zap.String("job", job.Name()), zap.String("spec", spec))
	entryID, err := s.cron.AddFunc(spec, s.wrap(job))
	if err != nil {
		log.Error("Failed to schedule job", zap.Error(err))
		return err
	}

	s.mu.Lock()
	s.entries[job.Name()] = entryID
	s.mu.Unlock()
	log.Info("Job scheduled")
	return nil
}

// Start runs scheduled jobs with ctx until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// wrap skips a tick while the previous run of the same job is still going.
func (s *Scheduler) wrap(job Job) func() {
	var running atomic.Bool
	return func() {
		log := logger.GetLogger().With(zap.String("job", job.Name()))
		if !running.CompareAndSwap(false, true) {
			log.Info("Job skipped: still running")
			return
		}
		defer running.Store(false)

		start := time.Now()
		if err := job.Run(s.runContext()); err != nil {
			log.Error("Job failed", zap.Duration("duration", time.Since(start)), zap.Error(err))
			return
		}
		log.Debug("Job finished", zap.Duration("duration", time.Since(start)))
	}
}
