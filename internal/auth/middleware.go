package auth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
)

type Mode string

const (
	ModeLocalhost Mode = "localhost"
	ModeAPIKey    Mode = "api_key"
)

type Info struct {
	Mode      Mode
	Role      Role
	Localhost bool
}

type contextKey struct{}

func FromContext(ctx context.Context) (Info, bool) {
	v, ok := ctx.Value(contextKey{}).(Info)
	return v, ok
}

// Middleware authenticates requests by bearer key. Loopback callers pass
// without a key when the keyring allows it.
func Middleware(ring *Keyring) func(http.Handler) http.Handler {
	if ring == nil {
		ring = defaultKeyring()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ring.AllowLocalhostWithoutAuth && isLocalRequest(r) {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, Info{Mode: ModeLocalhost, Localhost: true})))
				return
			}
			role, ok := authorize(r, ring)
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			info := Info{Mode: ModeAPIKey, Role: role}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, info)))
		})
	}
}

// RequireRole rejects key-authenticated callers without role. Localhost
// callers are let through.
func RequireRole(role Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, ok := FromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if info.Mode == ModeAPIKey && info.Role != role {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authorize(r *http.Request, ring *Keyring) (Role, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	scheme, key, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false
	}
	return ring.RoleForKey(key)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func isLocalRequest(r *http.Request) bool {
	if ip := forwardedFor(r.Header.Get("X-Forwarded-For")); ip != "" {
		if parsed := net.ParseIP(ip); parsed != nil {
			return parsed.IsLoopback()
		}
		return strings.EqualFold(ip, "localhost")
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	parsed := net.ParseIP(host)
	return parsed != nil && parsed.IsLoopback()
}

func forwardedFor(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}
