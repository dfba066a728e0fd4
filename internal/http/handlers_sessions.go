package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mistakeknot/huddle/internal/core"
	"github.com/mistakeknot/huddle/internal/registrar"
)

func (s *Service) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req registrar.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	join, err := s.sessions.CreateSession(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, join)
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.sessions.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Service) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.EndSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, registrar.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registrar.ErrRoomUnavailable):
		s.logger.Warn("room creation failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, "room service unavailable")
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
