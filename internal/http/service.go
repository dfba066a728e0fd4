// Package httpapi is the registrar's HTTP surface: the session API for the
// web tier, the room webhook and the worker notification feed.
package httpapi

import (
	"context"
	"log/slog"

	"github.com/mistakeknot/huddle/internal/registrar"
)

// Sessions is the registrar as seen by the session handlers.
type Sessions interface {
	CreateSession(ctx context.Context, req registrar.CreateRequest) (registrar.JoinInfo, error)
	EndSession(ctx context.Context, sessionID string) error
	Session(ctx context.Context, sessionID string) (registrar.SessionView, error)
}

type Service struct {
	sessions Sessions
	logger   *slog.Logger
}

func NewService(sessions Sessions, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{sessions: sessions, logger: logger}
}
