package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mistakeknot/huddle/internal/bus"
	"github.com/mistakeknot/huddle/internal/core"
)

// Worker subscribes to the notification bus and runs the sessions it wins.
// Every worker sees every notification; the store claim decides which one
// acts on a start_agent.
type Worker struct {
	id       string
	sub      bus.Subscriber
	deps     Deps
	cfg      Config
	logger   *slog.Logger
	registry *Registry

	seenMu sync.Mutex
	seen   *expirable.LRU[string, struct{}]

	wg sync.WaitGroup
}

func NewWorker(id string, sub bus.Subscriber, deps Deps, cfg Config) *Worker {
	deps = deps.withDefaults()
	return &Worker{
		id:       id,
		sub:      sub,
		deps:     deps,
		cfg:      cfg,
		logger:   deps.Logger.With("worker_id", id),
		registry: NewRegistry(),
		seen:     expirable.NewLRU[string, struct{}](cfg.DedupSize, nil, cfg.DedupTTL),
	}
}

func (w *Worker) ID() string { return w.id }

// Active is the number of sessions running on this worker.
func (w *Worker) Active() int { return w.registry.Len() }

// Instance returns the local instance for a session, if this worker runs it.
func (w *Worker) Instance(sessionID string) (*Instance, bool) {
	return w.registry.Get(sessionID)
}

// Run handles notifications until ctx ends, then stops every local session
// and waits for their cleanup.
func (w *Worker) Run(ctx context.Context) error {
	ch, err := w.sub.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	w.logger.Info("worker listening")
	for raw := range ch {
		if err := w.HandleNotification(ctx, raw); err != nil {
			w.logger.Warn("notification not handled", "error", err)
		}
	}
	w.Shutdown()
	return nil
}

// HandleNotification decodes and acts on one bus payload. Malformed payloads
// are dropped with a classified error; duplicates and lost claim races are
// not errors.
func (w *Worker) HandleNotification(ctx context.Context, raw []byte) error {
	n, err := bus.Decode(raw)
	if err != nil {
		return core.NewFault(core.KindMalformed, "decode notification", err)
	}
	if w.duplicate(n) {
		w.logger.Debug("duplicate notification", "session_id", n.SessionID, "correlation_id", n.CorrelationID)
		return nil
	}
	switch n.Type {
	case core.NotifyStartAgent:
		return w.start(ctx, n)
	case core.NotifyStopAgent:
		if in, ok := w.registry.Get(n.SessionID); ok {
			w.logger.Info("stop requested", "session_id", n.SessionID, "correlation_id", n.CorrelationID)
			in.Stop()
		}
	}
	return nil
}

func (w *Worker) duplicate(n core.Notification) bool {
	if n.CorrelationID == "" {
		return false
	}
	key := string(n.Type) + ":" + n.CorrelationID
	w.seenMu.Lock()
	defer w.seenMu.Unlock()
	if w.seen.Contains(key) {
		return true
	}
	w.seen.Add(key, struct{}{})
	return false
}

func (w *Worker) start(ctx context.Context, n core.Notification) error {
	log := w.logger.With("session_id", n.SessionID, "correlation_id", n.CorrelationID)
	if _, ok := w.registry.Get(n.SessionID); ok {
		return nil
	}

	now := w.deps.Now().UTC()
	err := w.deps.Store.ClaimAgent(ctx, core.AgentStatus{
		SessionID:      n.SessionID,
		WorkerID:       w.id,
		State:          core.AgentClaimed,
		LastActivityAt: now,
	}, w.cfg.ClaimTTL)
	if errors.Is(err, core.ErrAlreadyClaimed) {
		log.Debug("claim lost", "policy", core.PolicyFor(core.KindClaimRaceLoss))
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim %s: %w", n.SessionID, err)
	}
	// The claim record is deleted by cleanup, so a late start_agent can win
	// it again. Only a pending session may get an agent.
	sess, err := w.deps.Store.GetSession(ctx, n.SessionID)
	if err != nil || sess.Status != core.SessionPending {
		if derr := w.deps.Store.DeleteAgent(ctx, n.SessionID); derr != nil {
			log.Warn("stale claim not released", "error", derr)
		}
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("load session %s: %w", n.SessionID, err)
		}
		log.Debug("session no longer pending, start dropped", "status", sess.Status)
		return nil
	}
	if err := w.deps.Store.RemovePending(ctx, n.SessionID); err != nil {
		log.Warn("pending claim not removed", "error", err)
	}

	in := newInstance(n, w.id, w.deps, w.cfg)
	if !w.registry.Add(in) {
		return nil
	}
	log.Info("session claimed")
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.registry.Remove(in)
		in.Run(context.WithoutCancel(ctx))
	}()
	return nil
}

// Shutdown ends every local session and waits for them to terminate.
func (w *Worker) Shutdown() {
	for _, in := range w.registry.All() {
		in.Stop()
	}
	w.wg.Wait()
}
