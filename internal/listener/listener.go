// Package listener reconciles shared state from room lifecycle webhooks.
// It cleans up sessions whose worker never got to, so cleanup does not
// depend on any worker being alive.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mistakeknot/huddle/internal/core"
	"github.com/mistakeknot/huddle/internal/lifecycle"
	"github.com/mistakeknot/huddle/internal/media"
	"github.com/mistakeknot/huddle/internal/registrar"
	"github.com/mistakeknot/huddle/internal/storage"
)

const DefaultCleanupTimeout = 10 * time.Second

type dispatchFunc func(ctx context.Context, sessionID string, ev media.RoomEvent) error

type Listener struct {
	store    storage.Store
	cleaner  *lifecycle.Cleaner
	webhooks media.WebhookReceiver
	timeout  time.Duration
	logger   *slog.Logger
	dispatch map[media.RoomEventType]dispatchFunc
}

func New(store storage.Store, cleaner *lifecycle.Cleaner, webhooks media.WebhookReceiver, cleanupTimeout time.Duration, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if cleanupTimeout <= 0 {
		cleanupTimeout = DefaultCleanupTimeout
	}
	l := &Listener{store: store, cleaner: cleaner, webhooks: webhooks, timeout: cleanupTimeout, logger: logger}
	l.dispatch = map[media.RoomEventType]dispatchFunc{
		media.EventRoomStarted:       l.roomStarted,
		media.EventRoomFinished:      l.roomFinished,
		media.EventParticipantJoined: l.participantJoined,
		media.EventParticipantLeft:   l.participantLeft,
		media.EventTrackPublished:    l.trackChanged,
		media.EventTrackUnpublished:  l.trackChanged,
	}
	return l
}

// Handle reconciles one room event. Events for rooms this system does not
// own and unknown event types are ignored.
func (l *Listener) Handle(ctx context.Context, ev media.RoomEvent) error {
	fn, ok := l.dispatch[ev.Type]
	if !ok {
		l.logger.Debug("room event ignored", "event", ev.Type, "room_id", ev.Room)
		return nil
	}
	sessionID, err := l.sessionFor(ctx, ev.Room)
	if err != nil {
		return err
	}
	if sessionID == "" {
		return nil
	}
	return fn(ctx, sessionID, ev)
}

// sessionFor maps a room to its session. When the session record has
// already expired the id is recovered from the room name so leftover agent
// and conversation keys can still be removed.
func (l *Listener) sessionFor(ctx context.Context, room string) (string, error) {
	id, err := l.store.SessionIDForRoom(ctx, room)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return "", err
	}
	if strings.HasPrefix(room, registrar.RoomPrefix) {
		return strings.TrimPrefix(room, registrar.RoomPrefix), nil
	}
	return "", nil
}

func (l *Listener) roomStarted(_ context.Context, sessionID string, ev media.RoomEvent) error {
	l.logger.Info("room started", "session_id", sessionID, "room_id", ev.Room)
	return nil
}

func (l *Listener) roomFinished(ctx context.Context, sessionID string, ev media.RoomEvent) error {
	return l.cleanup(ctx, sessionID, ev, lifecycle.EndedByRoomFinished)
}

func (l *Listener) participantJoined(_ context.Context, sessionID string, ev media.RoomEvent) error {
	l.logger.Info("participant joined", "session_id", sessionID, "participant", ev.Participant)
	return nil
}

// participantLeft treats the coach leaving as the end of the session. The
// participant leaving is left to the room's empty timeout.
func (l *Listener) participantLeft(ctx context.Context, sessionID string, ev media.RoomEvent) error {
	if !strings.HasPrefix(ev.Participant, media.CoachIdentityPrefix) {
		l.logger.Info("participant left", "session_id", sessionID, "participant", ev.Participant)
		return nil
	}
	return l.cleanup(ctx, sessionID, ev, lifecycle.EndedByCoachLeft)
}

func (l *Listener) trackChanged(_ context.Context, sessionID string, ev media.RoomEvent) error {
	l.logger.Debug("track event", "session_id", sessionID, "event", ev.Type, "participant", ev.Participant, "kind", ev.TrackKind)
	return nil
}

func (l *Listener) cleanup(ctx context.Context, sessionID string, ev media.RoomEvent, endedBy string) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	l.logger.Info("room ended, cleaning up", "session_id", sessionID, "room_id", ev.Room, "event", ev.Type)
	return l.cleaner.Cleanup(ctx, sessionID, lifecycle.Result{Status: core.SessionEnded, EndedBy: endedBy})
}

// ServeHTTP verifies a webhook and reconciles it before acknowledging.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ev, err := l.webhooks.Receive(r)
	if err != nil {
		if errors.Is(err, media.ErrInvalidSignature) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		l.logger.Warn("webhook dropped", "error", core.NewFault(core.KindMalformed, "webhook", err))
		http.Error(w, "bad webhook", http.StatusBadRequest)
		return
	}
	if err := l.Handle(r.Context(), ev); err != nil {
		l.logger.Error("webhook reconciliation failed", "room_id", ev.Room, "event", ev.Type, "error", err)
		http.Error(w, "reconciliation failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
