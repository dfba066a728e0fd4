package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mistakeknot/huddle/internal/auth"
)

// Routes bundles the handlers the router mounts. Webhooks and Feed may be
// nil; a nil Auth leaves the API open.
type Routes struct {
	Service *Service
	// Webhooks verifies its own signatures and is mounted without keyring
	// auth.
	Webhooks http.Handler
	Feed     http.Handler
	Auth     func(http.Handler) http.Handler
}

func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/health"))

	authed := func(role auth.Role) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			if rt.Auth == nil {
				return next
			}
			return rt.Auth(auth.RequireRole(role)(next))
		}
	}

	svc := rt.Service
	r.Route("/api/sessions", func(r chi.Router) {
		r.Use(authed(auth.RoleClient))
		r.Post("/", svc.handleCreateSession)
		r.Get("/{sessionID}", svc.handleGetSession)
		r.Delete("/{sessionID}", svc.handleEndSession)
	})
	if rt.Webhooks != nil {
		r.Method(http.MethodPost, "/webhooks/livekit", rt.Webhooks)
	}
	if rt.Feed != nil {
		r.With(authed(auth.RoleWorker)).Get("/ws/workers/{workerID}", rt.Feed.ServeHTTP)
	}
	return r
}
