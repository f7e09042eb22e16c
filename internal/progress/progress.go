// Package progress delivers document processing events to subscribers.
package progress

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/northoaks/contract-ai/backend/pkg/logger"
	"github.com/northoaks/contract-ai/backend/pkg/queue"
)

// ProgressFailed marks an event that reports a failed job.
const ProgressFailed = -1

type Event struct {
	Key        string    `json:"-"`
	DocumentID int64     `json:"document_id"`
	Message    string    `json:"message"`
	Progress   int       `json:"progress"`
	Time       time.Time `json:"time"`
}

// Sink accepts events without blocking the emitter.
type Sink interface {
	Emit(ev Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

type subscriber struct {
	mailbox *queue.Unbounded[Event]
	out     chan Event
	cancel  context.CancelFunc
}

// Broker fans events out by key. Every subscriber has its own unbounded
// mailbox, so a slow consumer sees events in emission order and never
// blocks the emitter.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*subscriber]struct{})}
}

func (b *Broker) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs[ev.Key] {
		s.mailbox.Push(ev)
	}

	logger.Debug("Progress event emitted",
		zap.String("key", ev.Key),
		zap.Int64("document_id", ev.DocumentID),
		zap.Int("progress", ev.Progress),
		zap.String("message", ev.Message),
	)
}

// Subscribe returns a channel of events for key. The channel is closed
// after unsubscribe is called or the broker is closed.
func (b *Broker) Subscribe(key string) (<-chan Event, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscriber{
		mailbox: queue.NewUnbounded[Event](),
		out:     make(chan Event),
		cancel:  cancel,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		close(s.out)
		return s.out, func() {}
	}
	if b.subs[key] == nil {
		b.subs[key] = make(map[*subscriber]struct{})
	}
	b.subs[key][s] = struct{}{}
	b.mu.Unlock()

	go s.pump(ctx)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[key], s)
			if len(b.subs[key]) == 0 {
				delete(b.subs, key)
			}
			b.mu.Unlock()
			s.stop()
		})
	}
	return s.out, unsubscribe
}

func (s *subscriber) pump(ctx context.Context) {
	defer close(s.out)
	for {
		ev, err := s.mailbox.Pop(ctx)
		if err != nil {
			return
		}
		select {
		case s.out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (s *subscriber) stop() {
	s.mailbox.Close()
	s.cancel()
}

// Close ends every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for key, set := range b.subs {
		for s := range set {
			s.stop()
		}
		delete(b.subs, key)
	}
}
