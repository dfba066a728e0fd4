package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mistakeknot/huddle/internal/core"
)

// Store is the shared state store. Every method touches a single key and is
// safe to repeat: deletes of missing records succeed, and the only
// conditional writes are ClaimAgent (create-if-absent), TransitionSession
// (forward-only status) and SaveSummary (first writer wins).
type Store interface {
	CreateSession(ctx context.Context, s core.Session, ttl time.Duration) error
	GetSession(ctx context.Context, id string) (core.Session, error)
	SessionIDForRoom(ctx context.Context, roomID string) (string, error)
	// TransitionSession moves a session forward. Moving to the status it
	// already has is a no-op; any backward or sideways move returns
	// core.ErrInvalidTransition together with the current record.
	TransitionSession(ctx context.Context, id string, to core.SessionStatus) (core.Session, error)

	// ClaimAgent creates the agent record only if none exists (or the
	// existing one has expired). It returns core.ErrAlreadyClaimed otherwise.
	ClaimAgent(ctx context.Context, a core.AgentStatus, ttl time.Duration) error
	GetAgent(ctx context.Context, sessionID string) (core.AgentStatus, error)
	// UpdateAgent changes state and refreshes the TTL of a record owned by
	// workerID. It returns core.ErrNotOwner for another worker's record and
	// core.ErrNotFound when the record is gone.
	UpdateAgent(ctx context.Context, sessionID, workerID string, state core.AgentState, ttl time.Duration) (core.AgentStatus, error)
	DeleteAgent(ctx context.Context, sessionID string) error

	SaveConversation(ctx context.Context, sessionID string, turns []core.Turn, ttl time.Duration) error
	LoadConversation(ctx context.Context, sessionID string) ([]core.Turn, error)
	DeleteConversation(ctx context.Context, sessionID string) error

	// SaveSummary stores the summary unless one exists. It reports whether
	// this call created it.
	SaveSummary(ctx context.Context, s core.Summary) (bool, error)
	GetSummary(ctx context.Context, sessionID string) (core.Summary, error)

	AddPending(ctx context.Context, p core.PendingClaim) error
	DuePending(ctx context.Context, now time.Time, limit int) ([]core.PendingClaim, error)
	ReschedulePending(ctx context.Context, sessionID string, deadline time.Time, attempts int) error
	RemovePending(ctx context.Context, sessionID string) error

	Close() error
}

type expiring[T any] struct {
	val       T
	expiresAt time.Time
}

func (e expiring[T]) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// InMemory is a process-local store used by tests and single-process runs.
type InMemory struct {
	mu            sync.Mutex
	now           func() time.Time
	sessions      map[string]expiring[core.Session]
	rooms         map[string]expiring[string]
	agents        map[string]expiring[core.AgentStatus]
	conversations map[string]expiring[[]core.Turn]
	summaries     map[string]core.Summary
	pending       map[string]core.PendingClaim
}

func NewInMemory() *InMemory {
	return NewInMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

func NewInMemoryWithClock(now func() time.Time) *InMemory {
	return &InMemory{
		now:           now,
		sessions:      make(map[string]expiring[core.Session]),
		rooms:         make(map[string]expiring[string]),
		agents:        make(map[string]expiring[core.AgentStatus]),
		conversations: make(map[string]expiring[[]core.Turn]),
		summaries:     make(map[string]core.Summary),
		pending:       make(map[string]core.PendingClaim),
	}
}

func (m *InMemory) CreateSession(_ context.Context, s core.Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Status == "" {
		s.Status = core.SessionPending
	}
	exp := expiry(now, ttl)
	m.sessions[s.ID] = expiring[core.Session]{val: s, expiresAt: exp}
	if s.RoomID != "" {
		m.rooms[s.RoomID] = expiring[string]{val: s.ID, expiresAt: exp}
	}
	return nil
}

func (m *InMemory) GetSession(_ context.Context, id string) (core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok || !e.live(m.now()) {
		return core.Session{}, core.ErrNotFound
	}
	return e.val, nil
}

func (m *InMemory) SessionIDForRoom(_ context.Context, roomID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rooms[roomID]
	if !ok || !e.live(m.now()) {
		return "", core.ErrNotFound
	}
	return e.val, nil
}

func (m *InMemory) TransitionSession(_ context.Context, id string, to core.SessionStatus) (core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.sessions[id]
	if !ok || !e.live(now) {
		return core.Session{}, core.ErrNotFound
	}
	if e.val.Status == to {
		return e.val, nil
	}
	if !core.CanTransition(e.val.Status, to) {
		return e.val, core.ErrInvalidTransition
	}
	e.val.Status = to
	e.val.UpdatedAt = now
	m.sessions[id] = e
	return e.val, nil
}

func (m *InMemory) ClaimAgent(_ context.Context, a core.AgentStatus, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.agents[a.SessionID]; ok && e.live(now) {
		return core.ErrAlreadyClaimed
	}
	if a.State == "" {
		a.State = core.AgentClaimed
	}
	a.LastActivityAt = now
	a.ExpiresAt = expiry(now, ttl)
	m.agents[a.SessionID] = expiring[core.AgentStatus]{val: a, expiresAt: a.ExpiresAt}
	return nil
}

func (m *InMemory) GetAgent(_ context.Context, sessionID string) (core.AgentStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.agents[sessionID]
	if !ok || !e.live(m.now()) {
		return core.AgentStatus{}, core.ErrNotFound
	}
	return e.val, nil
}

func (m *InMemory) UpdateAgent(_ context.Context, sessionID, workerID string, state core.AgentState, ttl time.Duration) (core.AgentStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.agents[sessionID]
	if !ok || !e.live(now) {
		return core.AgentStatus{}, core.ErrNotFound
	}
	if e.val.WorkerID != workerID {
		return e.val, core.ErrNotOwner
	}
	if state != "" && e.val.State.Advances(state) {
		if state == core.AgentActive && e.val.ConnectedAt.IsZero() {
			e.val.ConnectedAt = now
		}
		e.val.State = state
	}
	e.val.LastActivityAt = now
	e.val.ExpiresAt = expiry(now, ttl)
	e.expiresAt = e.val.ExpiresAt
	m.agents[sessionID] = e
	return e.val, nil
}

func (m *InMemory) DeleteAgent(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, sessionID)
	return nil
}

func (m *InMemory) SaveConversation(_ context.Context, sessionID string, turns []core.Turn, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]core.Turn, len(turns))
	copy(cp, turns)
	m.conversations[sessionID] = expiring[[]core.Turn]{val: cp, expiresAt: expiry(m.now(), ttl)}
	return nil
}

func (m *InMemory) LoadConversation(_ context.Context, sessionID string) ([]core.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.conversations[sessionID]
	if !ok || !e.live(m.now()) {
		return nil, nil
	}
	cp := make([]core.Turn, len(e.val))
	copy(cp, e.val)
	return cp, nil
}

func (m *InMemory) DeleteConversation(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, sessionID)
	return nil
}

func (m *InMemory) SaveSummary(_ context.Context, s core.Summary) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.summaries[s.SessionID]; ok {
		return false, nil
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	m.summaries[s.SessionID] = s
	return true, nil
}

func (m *InMemory) GetSummary(_ context.Context, sessionID string) (core.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[sessionID]
	if !ok {
		return core.Summary{}, core.ErrNotFound
	}
	return s, nil
}

func (m *InMemory) AddPending(_ context.Context, p core.PendingClaim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[p.SessionID] = p
	return nil
}

func (m *InMemory) DuePending(_ context.Context, now time.Time, limit int) ([]core.PendingClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.PendingClaim
	for _, p := range m.pending {
		if !p.Deadline.After(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *InMemory) ReschedulePending(_ context.Context, sessionID string, deadline time.Time, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[sessionID]
	if !ok {
		return core.ErrNotFound
	}
	p.Deadline = deadline
	p.Attempts = attempts
	m.pending[sessionID] = p
	return nil
}

func (m *InMemory) RemovePending(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, sessionID)
	return nil
}

func (m *InMemory) Close() error { return nil }
