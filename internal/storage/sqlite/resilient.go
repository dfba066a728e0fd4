package sqlite

import (
	"context"
	"time"

	"github.com/mistakeknot/huddle/internal/core"
	"github.com/mistakeknot/huddle/internal/storage"
)

var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore runs every *Store call through a CircuitBreaker and
// retries "database is locked" failures.
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
}

// NewResilient wraps inner with a breaker that opens after 5 consecutive
// failures and probes again after 30s.
func NewResilient(inner *Store) *ResilientStore {
	return &ResilientStore{inner: inner, cb: NewCircuitBreaker(5, 30*time.Second)}
}

func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, cb: cb}
}

func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

// Inner exposes the wrapped store for maintenance such as the sweeper.
func (r *ResilientStore) Inner() *Store { return r.inner }

func (r *ResilientStore) exec(ctx context.Context, fn func(context.Context) error) error {
	return r.cb.Execute(ctx, func(ctx context.Context) error {
		return RetryOnDBLock(ctx, fn)
	})
}

func call[T any](r *ResilientStore, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := r.exec(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func (r *ResilientStore) CreateSession(ctx context.Context, s core.Session, ttl time.Duration) error {
	return r.exec(ctx, func(ctx context.Context) error { return r.inner.CreateSession(ctx, s, ttl) })
}

func (r *ResilientStore) GetSession(ctx context.Context, id string) (core.Session, error) {
	return call(r, ctx, func(ctx context.Context) (core.Session, error) { return r.inner.GetSession(ctx, id) })
}

func (r *ResilientStore) SessionIDForRoom(ctx context.Context, roomID string) (string, error) {
	return call(r, ctx, func(ctx context.Context) (string, error) { return r.inner.SessionIDForRoom(ctx, roomID) })
}

func (r *ResilientStore) TransitionSession(ctx context.Context, id string, to core.SessionStatus) (core.Session, error) {
	return call(r, ctx, func(ctx context.Context) (core.Session, error) { return r.inner.TransitionSession(ctx, id, to) })
}

func (r *ResilientStore) ClaimAgent(ctx context.Context, a core.AgentStatus, ttl time.Duration) error {
	return r.exec(ctx, func(ctx context.Context) error { return r.inner.ClaimAgent(ctx, a, ttl) })
}

func (r *ResilientStore) GetAgent(ctx context.Context, sessionID string) (core.AgentStatus, error) {
	return call(r, ctx, func(ctx context.Context) (core.AgentStatus, error) { return r.inner.GetAgent(ctx, sessionID) })
}

func (r *ResilientStore) UpdateAgent(ctx context.Context, sessionID, workerID string, state core.AgentState, ttl time.Duration) (core.AgentStatus, error) {
	return call(r, ctx, func(ctx context.Context) (core.AgentStatus, error) {
		return r.inner.UpdateAgent(ctx, sessionID, workerID, state, ttl)
	})
}

func (r *ResilientStore) DeleteAgent(ctx context.Context, sessionID string) error {
	return r.exec(ctx, func(ctx context.Context) error { return r.inner.DeleteAgent(ctx, sessionID) })
}

func (r *ResilientStore) SaveConversation(ctx context.Context, sessionID string, turns []core.Turn, ttl time.Duration) error {
	return r.exec(ctx, func(ctx context.Context) error { return r.inner.SaveConversation(ctx, sessionID, turns, ttl) })
}

func (r *ResilientStore) LoadConversation(ctx context.Context, sessionID string) ([]core.Turn, error) {
	return call(r, ctx, func(ctx context.Context) ([]core.Turn, error) { return r.inner.LoadConversation(ctx, sessionID) })
}

func (r *ResilientStore) DeleteConversation(ctx context.Context, sessionID string) error {
	return r.exec(ctx, func(ctx context.Context) error { return r.inner.DeleteConversation(ctx, sessionID) })
}

func (r *ResilientStore) SaveSummary(ctx context.Context, s core.Summary) (bool, error) {
	return call(r, ctx, func(ctx context.Context) (bool, error) { return r.inner.SaveSummary(ctx, s) })
}

func (r *ResilientStore) GetSummary(ctx context.Context, sessionID string) (core.Summary, error) {
	return call(r, ctx, func(ctx context.Context) (core.Summary, error) { return r.inner.GetSummary(ctx, sessionID) })
}

func (r *ResilientStore) AddPending(ctx context.Context, p core.PendingClaim) error {
	return r.exec(ctx, func(ctx context.Context) error { return r.inner.AddPending(ctx, p) })
}

func (r *ResilientStore) DuePending(ctx context.Context, now time.Time, limit int) ([]core.PendingClaim, error) {
	return call(r, ctx, func(ctx context.Context) ([]core.PendingClaim, error) { return r.inner.DuePending(ctx, now, limit) })
}

func (r *ResilientStore) ReschedulePending(ctx context.Context, sessionID string, deadline time.Time, attempts int) error {
	return r.exec(ctx, func(ctx context.Context) error {
		return r.inner.ReschedulePending(ctx, sessionID, deadline, attempts)
	})
}

func (r *ResilientStore) RemovePending(ctx context.Context, sessionID string) error {
	return r.exec(ctx, func(ctx context.Context) error { return r.inner.RemovePending(ctx, sessionID) })
}

func (r *ResilientStore) Close() error {
	return r.inner.Close()
}
