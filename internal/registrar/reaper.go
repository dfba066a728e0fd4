package registrar

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/huddle/internal/bus"
	"github.com/mistakeknot/huddle/internal/core"
	"github.com/mistakeknot/huddle/internal/media"
	"github.com/mistakeknot/huddle/internal/storage"
)

const reapBatch = 100

// Reaper finds sessions nobody claimed before their deadline. It republishes
// start_agent up to MaxRepublish times, then marks the session failed and
// deletes its room.
type Reaper struct {
	store  storage.Store
	pub    bus.Publisher
	rooms  media.Rooms
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func NewReaper(store storage.Store, pub bus.Publisher, rooms media.Rooms, cfg Config, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:  store,
		pub:    pub,
		rooms:  rooms,
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (rp *Reaper) Start(ctx context.Context) {
	ctx, rp.cancel = context.WithCancel(ctx)
	interval := rp.cfg.ReapInterval
	if interval <= 0 {
		interval = DefaultConfig().ReapInterval
	}

	go func() {
		defer close(rp.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := rp.Sweep(ctx); err != nil && ctx.Err() == nil {
					rp.logger.Warn("reaper sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels the reaper goroutine and waits for it to finish.
func (rp *Reaper) Stop() {
	if rp.cancel != nil {
		rp.cancel()
	}
	<-rp.done
}

// Sweep handles every overdue pending claim once and reports how many it
// processed.
func (rp *Reaper) Sweep(ctx context.Context) (int, error) {
	now := rp.now()
	due, err := rp.store.DuePending(ctx, now, reapBatch)
	if err != nil {
		return 0, err
	}
	for _, p := range due {
		if err := rp.reap(ctx, p, now); err != nil {
			rp.logger.Warn("reap failed", "session_id", p.SessionID, "error", err)
		}
	}
	return len(due), nil
}

func (rp *Reaper) reap(ctx context.Context, p core.PendingClaim, now time.Time) error {
	log := rp.logger.With("session_id", p.SessionID)

	// Claimed or gone: nothing to recover.
	if _, err := rp.store.GetAgent(ctx, p.SessionID); err == nil {
		return rp.store.RemovePending(ctx, p.SessionID)
	} else if !errors.Is(err, core.ErrNotFound) {
		return err
	}
	sess, err := rp.store.GetSession(ctx, p.SessionID)
	if errors.Is(err, core.ErrNotFound) {
		return rp.store.RemovePending(ctx, p.SessionID)
	}
	if err != nil {
		return err
	}
	if sess.Status != core.SessionPending {
		return rp.store.RemovePending(ctx, p.SessionID)
	}

	if p.Attempts < rp.cfg.MaxRepublish {
		n := p.Notification
		n.CorrelationID = uuid.NewString()
		n.SentAt = now.UTC()
		if err := rp.pub.Publish(ctx, n); err != nil {
			log.Warn("republish failed", "attempt", p.Attempts+1, "error", err)
		} else {
			log.Info("start_agent republished", "attempt", p.Attempts+1, "correlation_id", n.CorrelationID)
		}
		return rp.store.ReschedulePending(ctx, p.SessionID, now.Add(rp.cfg.ClaimDeadline), p.Attempts+1)
	}

	if _, err := rp.store.TransitionSession(ctx, p.SessionID, core.SessionFailed); err != nil && !errors.Is(err, core.ErrInvalidTransition) && !errors.Is(err, core.ErrNotFound) {
		return err
	}
	if err := rp.store.RemovePending(ctx, p.SessionID); err != nil {
		return err
	}
	if sess.RoomID != "" {
		if err := rp.rooms.DeleteRoom(ctx, sess.RoomID); err != nil {
			log.Warn("room delete failed", "room_id", sess.RoomID, "error", err)
		}
	}
	log.Warn("session never claimed, marked failed", "attempts", p.Attempts)
	return nil
}
