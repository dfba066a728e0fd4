// Package registrar creates sessions for the request-serving tier: it
// allocates the room, issues credentials, records the session and tells the
// worker pool about it.
package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/huddle/internal/bus"
	"github.com/mistakeknot/huddle/internal/core"
	"github.com/mistakeknot/huddle/internal/media"
	"github.com/mistakeknot/huddle/internal/storage"
)

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrRoomUnavailable = errors.New("room service unavailable")
)

const (
	RoomPrefix      = "huddle-"
	maxParticipants = 2
)

type Config struct {
	SessionTTL       time.Duration
	CredentialTTL    time.Duration
	ClaimDeadline    time.Duration
	MaxRepublish     int
	RoomEmptyTimeout time.Duration
	ReapInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		SessionTTL:       10 * time.Hour,
		CredentialTTL:    10 * time.Hour,
		ClaimDeadline:    30 * time.Second,
		MaxRepublish:     2,
		RoomEmptyTimeout: 300 * time.Second,
		ReapInterval:     10 * time.Second,
	}
}

// Coaches resolves a coach id to its persona.
type Coaches interface {
	Lookup(coachID string) (core.Persona, error)
}

type CreateRequest struct {
	CoachID string `json:"coach_id"`
	UserID  string `json:"user_id"`
}

// JoinInfo is what the participant needs to enter the room.
type JoinInfo struct {
	SessionID string    `json:"session_id"`
	RoomID    string    `json:"room_id"`
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionView is the registrar's read model of one session.
type SessionView struct {
	Session core.Session      `json:"session"`
	Agent   *core.AgentStatus `json:"agent,omitempty"`
	Summary *core.Summary     `json:"summary,omitempty"`
}

type Registrar struct {
	store   storage.Store
	rooms   media.Rooms
	pub     bus.Publisher
	coaches Coaches
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
}

func New(store storage.Store, rooms media.Rooms, pub bus.Publisher, coaches Coaches, cfg Config, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{store: store, rooms: rooms, pub: pub, coaches: coaches, cfg: cfg, now: time.Now, logger: logger}
}

// CreateSession allocates a room and two scoped credentials, records the
// session as pending and publishes start_agent. Nothing is recorded when the
// room cannot be created. A failed publish is left to the reaper, so the
// pending claim must be recorded first.
func (r *Registrar) CreateSession(ctx context.Context, req CreateRequest) (JoinInfo, error) {
	req.CoachID = strings.TrimSpace(req.CoachID)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.CoachID == "" || req.UserID == "" {
		return JoinInfo{}, fmt.Errorf("%w: coach_id and user_id are required", ErrInvalidRequest)
	}
	persona, err := r.coaches.Lookup(req.CoachID)
	if err != nil {
		return JoinInfo{}, err
	}
	persona.CoachID = req.CoachID

	sessionID := uuid.NewString()
	log := r.logger.With("session_id", sessionID)
	meta, _ := json.Marshal(map[string]string{"session_id": sessionID, "coach_id": req.CoachID})
	room, err := r.rooms.CreateRoom(ctx, media.RoomSpec{
		Name:            RoomPrefix + sessionID,
		MaxParticipants: maxParticipants,
		EmptyTimeout:    r.cfg.RoomEmptyTimeout,
		Metadata:        string(meta),
	})
	if err != nil {
		return JoinInfo{}, fmt.Errorf("%w: %v", ErrRoomUnavailable, err)
	}
	log = log.With("room_id", room.Name)

	grants := media.Grants{CanPublish: true, CanSubscribe: true, CanPublishData: true}
	userToken, err := r.rooms.IssueCredential(room.Name, media.UserIdentityPrefix+req.UserID, req.UserID, grants, r.cfg.CredentialTTL)
	if err != nil {
		r.abandonRoom(room.Name, log)
		return JoinInfo{}, fmt.Errorf("issue participant credential: %w", err)
	}
	agentToken, err := r.rooms.IssueCredential(room.Name, media.CoachIdentityPrefix+req.CoachID, persona.Name, grants, r.cfg.CredentialTTL)
	if err != nil {
		r.abandonRoom(room.Name, log)
		return JoinInfo{}, fmt.Errorf("issue agent credential: %w", err)
	}

	now := r.now().UTC()
	sess := core.Session{
		ID:        sessionID,
		CoachID:   req.CoachID,
		UserID:    req.UserID,
		RoomID:    room.Name,
		Status:    core.SessionPending,
		CreatedAt: now,
	}
	if err := r.store.CreateSession(ctx, sess, r.cfg.SessionTTL); err != nil {
		r.abandonRoom(room.Name, log)
		return JoinInfo{}, fmt.Errorf("create session: %w", err)
	}

	n := core.Notification{
		Type:            core.NotifyStartAgent,
		SessionID:       sessionID,
		CoachID:         req.CoachID,
		UserID:          req.UserID,
		RoomID:          room.Name,
		RoomURL:         r.rooms.URL(),
		CoachPersona:    persona,
		AgentCredential: agentToken,
		CorrelationID:   uuid.NewString(),
		SentAt:          now,
	}
	// The reaper only retries sessions with a pending claim.
	if err := r.store.AddPending(ctx, core.PendingClaim{SessionID: sessionID, Deadline: now.Add(r.cfg.ClaimDeadline), Notification: n}); err != nil {
		if _, terr := r.store.TransitionSession(ctx, sessionID, core.SessionFailed); terr != nil {
			log.Warn("session not marked failed", "error", terr)
		}
		r.abandonRoom(room.Name, log)
		return JoinInfo{}, fmt.Errorf("record pending claim: %w", err)
	}
	if err := r.pub.Publish(ctx, n); err != nil {
		log.Warn("start_agent publish failed, reaper will retry", "correlation_id", n.CorrelationID, "error", err)
	} else {
		log.Info("session created", "coach_id", req.CoachID, "correlation_id", n.CorrelationID)
	}

	return JoinInfo{
		SessionID: sessionID,
		RoomID:    room.Name,
		URL:       r.rooms.URL(),
		Token:     userToken,
		ExpiresAt: now.Add(r.cfg.CredentialTTL),
	}, nil
}

// abandonRoom deletes a room whose session could not be recorded.
func (r *Registrar) abandonRoom(name string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.rooms.DeleteRoom(ctx, name); err != nil {
		log.Warn("room cleanup failed", "error", err)
	}
}

// EndSession asks the owning worker to stop. It is best-effort; the room
// event listener is what guarantees cleanup.
func (r *Registrar) EndSession(ctx context.Context, sessionID string) error {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	n := core.Notification{
		Type:          core.NotifyStopAgent,
		SessionID:     sessionID,
		CoachID:       sess.CoachID,
		RoomID:        sess.RoomID,
		CorrelationID: uuid.NewString(),
		SentAt:        r.now().UTC(),
	}
	if err := r.pub.Publish(ctx, n); err != nil {
		r.logger.Warn("stop_agent publish failed", "session_id", sessionID, "error", err)
	}
	return nil
}

func (r *Registrar) Session(ctx context.Context, sessionID string) (SessionView, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	view := SessionView{Session: sess}
	if a, err := r.store.GetAgent(ctx, sessionID); err == nil {
		view.Agent = &a
	} else if !errors.Is(err, core.ErrNotFound) {
		return SessionView{}, err
	}
	if s, err := r.store.GetSummary(ctx, sessionID); err == nil {
		view.Summary = &s
	} else if !errors.Is(err, core.ErrNotFound) {
		return SessionView{}, err
	}
	return view, nil
}
