// Package lifecycle holds the cleanup path shared by agent instances and the
// room event listener.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mistakeknot/huddle/internal/core"
	"github.com/mistakeknot/huddle/internal/storage"
)

// Who or what ended a session.
const (
	EndedByParticipant  = "participant"
	EndedByDisconnect   = "disconnect"
	EndedByRoomFinished = "room_finished"
	EndedByCoachLeft    = "coach_left"
	EndedByStop         = "stop_agent"
	EndedByConnectError = "connect_failed"
	EndedByReaper       = "unclaimed"
)

// Result describes how a session ended.
type Result struct {
	Status  core.SessionStatus
	EndedBy string
	// Turns is the full transcript when the caller holds it. When nil the
	// hot conversation window is summarized instead.
	Turns []core.Turn
}

// Cleaner converges a session to its terminal state. Every step is a
// single-key idempotent write, so concurrent or repeated calls for one
// session end in the same state without error.
type Cleaner struct {
	store  storage.Store
	now    func() time.Time
	logger *slog.Logger
}

func NewCleaner(store storage.Store, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{store: store, now: time.Now, logger: logger}
}

// Cleanup writes the summary (first writer wins), moves the session to its
// terminal status and deletes the agent, conversation and pending-claim
// records.
func (c *Cleaner) Cleanup(ctx context.Context, sessionID string, res Result) error {
	if res.Status != core.SessionFailed {
		res.Status = core.SessionEnded
	}
	log := c.logger.With("session_id", sessionID, "ended_by", res.EndedBy)

	sess, err := c.store.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, core.ErrNotFound):
		log.Info("cleanup of expired session")
	case err != nil:
		return fmt.Errorf("cleanup %s: get session: %w", sessionID, err)
	default:
		if err := c.writeSummary(ctx, sessionID, res); err != nil {
			return err
		}
		if err := c.finish(ctx, sess, res.Status); err != nil {
			return err
		}
	}

	if err := c.store.DeleteAgent(ctx, sessionID); err != nil {
		return fmt.Errorf("cleanup %s: delete agent: %w", sessionID, err)
	}
	if err := c.store.DeleteConversation(ctx, sessionID); err != nil {
		return fmt.Errorf("cleanup %s: delete conversation: %w", sessionID, err)
	}
	if err := c.store.RemovePending(ctx, sessionID); err != nil {
		return fmt.Errorf("cleanup %s: remove pending: %w", sessionID, err)
	}
	log.Info("session cleaned up", "state", res.Status)
	return nil
}

func (c *Cleaner) writeSummary(ctx context.Context, sessionID string, res Result) error {
	turns := res.Turns
	if turns == nil {
		hot, err := c.store.LoadConversation(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("cleanup %s: load conversation: %w", sessionID, err)
		}
		turns = hot
	}
	sum := Summarize(turns, c.now())
	sum.SessionID = sessionID
	sum.EndedBy = res.EndedBy
	created, err := c.store.SaveSummary(ctx, sum)
	if err != nil {
		return fmt.Errorf("cleanup %s: save summary: %w", sessionID, err)
	}
	if !created {
		c.logger.Debug("summary already written", "session_id", sessionID)
	}
	return nil
}

// finish moves the session to its terminal status. A session that never
// became active cannot end, so it fails instead. Finding the session already
// terminal counts as success.
func (c *Cleaner) finish(ctx context.Context, sess core.Session, to core.SessionStatus) error {
	if sess.Status.Terminal() {
		return nil
	}
	if to == core.SessionEnded && sess.Status == core.SessionPending {
		to = core.SessionFailed
	}
	_, err := c.store.TransitionSession(ctx, sess.ID, to)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrInvalidTransition), errors.Is(err, core.ErrNotFound):
		c.logger.Debug("session already finished", "session_id", sess.ID, "error", core.NewFault(core.KindCleanupConflict, "finish session", err))
		return nil
	}
	return fmt.Errorf("cleanup %s: transition: %w", sess.ID, err)
}
