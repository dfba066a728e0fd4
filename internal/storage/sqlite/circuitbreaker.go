package sqlite

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mistakeknot/huddle/internal/core"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops calling into a failing database after threshold
// consecutive failures and lets a single probe through once resetTimeout
// has passed. Store outcomes such as a lost claim or a missing record are
// answers, not failures, and never count toward the threshold.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
	nowFunc      func() time.Time
}

func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		nowFunc:      time.Now,
	}
}

func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, core.ErrNotFound),
		errors.Is(err, core.ErrAlreadyClaimed),
		errors.Is(err, core.ErrNotOwner),
		errors.Is(err, core.ErrInvalidTransition),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	cb.mu.Lock()
	probe := false
	switch cb.state {
	case StateOpen:
		if cb.nowFunc().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		probe = true
	case StateHalfOpen:
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	cb.mu.Unlock()

	err := fn(ctx)
	failed := countsAsFailure(err)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case probe && failed:
		cb.state = StateOpen
		cb.openedAt = cb.nowFunc()
	case probe:
		cb.state = StateClosed
		cb.failures = 0
	case failed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.state = StateOpen
			cb.openedAt = cb.nowFunc()
		}
	default:
		cb.failures = 0
	}
	return err
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
