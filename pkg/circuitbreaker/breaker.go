// Package circuitbreaker stops calling a remote model backend after repeated
// failures and lets a few trial calls through once a cooldown has passed.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("circuit breaker is half-open, request rejected")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// RejectedError is returned by Execute when the call was not attempted.
// It matches ErrCircuitOpen or ErrTooManyRequests with errors.Is.
type RejectedError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	if e.State == StateOpen {
		return fmt.Sprintf("%s: %v, retry in %s", e.Name, ErrCircuitOpen, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("%s: %v", e.Name, ErrTooManyRequests)
}

func (e *RejectedError) Is(target error) bool {
	switch target {
	case ErrCircuitOpen:
		return e.State == StateOpen
	case ErrTooManyRequests:
		return e.State == StateHalfOpen
	}
	return false
}

// StateChangeFunc is called with the breaker lock held; it must not call back
// into the breaker.
type StateChangeFunc func(name string, from, to State)

type Config struct {
	// HalfOpenRequests bounds concurrent trial calls after the cooldown.
	HalfOpenRequests uint32
	// CountWindow resets the failure counts of a closed breaker. Zero keeps
	// counting until the state changes.
	CountWindow      time.Duration
	Cooldown         time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
	OnStateChange    StateChangeFunc
	Logger           *zap.Logger
}

type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

type CircuitBreaker struct {
	name   string
	cfg    Config
	now    func() time.Time
	mu     sync.Mutex
	state  State
	epoch  uint64
	counts Counts
	expiry time.Time
}

func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}

	cb := &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
	cb.resetCounts(cb.now())
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the breaker rejects the call. Failures caused by the
// caller's own context do not count against the backend.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	epoch, err := cb.admit()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.record(epoch, false)
			panic(r)
		}
	}()

	err = fn()
	cb.record(epoch, err == nil || isCallerError(ctx, err))
	return err
}

func isCallerError(ctx context.Context, err error) bool {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state := cb.refresh(now)
	switch {
	case state == StateOpen:
		return cb.epoch, &RejectedError{Name: cb.name, State: state, RetryAfter: cb.expiry.Sub(now)}
	case state == StateHalfOpen && cb.counts.Requests >= cb.cfg.HalfOpenRequests:
		return cb.epoch, &RejectedError{Name: cb.name, State: state}
	}

	cb.counts.Requests++
	return cb.epoch, nil
}

// record ignores results of calls admitted before the last state change.
func (cb *CircuitBreaker) record(epoch uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state := cb.refresh(now)
	if epoch != cb.epoch {
		return
	}

	if success {
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
		return
	}

	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0
	if state == StateHalfOpen || cb.counts.ConsecutiveFailures >= cb.cfg.FailureThreshold {
		cb.transition(StateOpen, now)
	}
}

// refresh applies time based transitions and returns the current state.
func (cb *CircuitBreaker) refresh(now time.Time) State {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.resetCounts(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.transition(StateHalfOpen, now)
		}
	}
	return cb.state
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	if cb.state == to {
		return
	}
	from := cb.state
	failures := cb.counts.ConsecutiveFailures
	cb.state = to
	cb.resetCounts(now)

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
	if cb.cfg.Logger != nil {
		cb.cfg.Logger.Info("Circuit breaker state changed",
			zap.String("name", cb.name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.Uint32("failures", failures),
		)
	}
}

func (cb *CircuitBreaker) resetCounts(now time.Time) {
	cb.epoch++
	cb.counts = Counts{}

	switch {
	case cb.state == StateOpen:
		cb.expiry = now.Add(cb.cfg.Cooldown)
	case cb.state == StateClosed && cb.cfg.CountWindow > 0:
		cb.expiry = now.Add(cb.cfg.CountWindow)
	default:
		cb.expiry = time.Time{}
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.refresh(cb.now())
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}
