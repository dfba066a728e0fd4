package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLocalhostBypass(t *testing.T) {
	ring := NewKeyring(true, nil)
	h := Middleware(ring)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := FromContext(r.Context())
		if !ok || info.Mode != ModeLocalhost {
			t.Fatalf("expected localhost auth mode")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/s1", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestForwardedRemoteNeedsBearer(t *testing.T) {
	ring := NewKeyring(true, nil)
	h := Middleware(ring)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/s1", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.10, 127.0.0.1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for proxied remote caller, got %d", rr.Code)
	}
}

func TestNonLocalhostRequiresBearer(t *testing.T) {
	ring := NewKeyring(true, map[string]Role{"secret": RoleClient})
	h := Middleware(ring)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := FromContext(r.Context())
		if !ok || info.Role != RoleClient || info.Mode != ModeAPIKey {
			t.Fatalf("expected api key auth info, got %+v", info)
		}
		w.WriteHeader(http.StatusOK)
	}))

	for _, tc := range []struct {
		header string
		want   int
	}{
		{"", http.StatusUnauthorized},
		{"Bearer wrong", http.StatusUnauthorized},
		{"Basic secret", http.StatusUnauthorized},
		{"Bearer secret", http.StatusOK},
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions/s1", nil)
		req.RemoteAddr = "203.0.113.10:9999"
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != tc.want {
			t.Fatalf("header %q: expected %d, got %d", tc.header, tc.want, rr.Code)
		}
	}
}

func TestRequireRole(t *testing.T) {
	ring := NewKeyring(false, map[string]Role{"c-key": RoleClient, "w-key": RoleWorker})
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := Middleware(ring)(RequireRole(RoleWorker)(ok))

	for key, want := range map[string]int{"w-key": http.StatusOK, "c-key": http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodGet, "/ws/workers/w1", nil)
		req.RemoteAddr = "203.0.113.10:9999"
		req.Header.Set("Authorization", "Bearer "+key)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("key %s: expected %d, got %d", key, want, rr.Code)
		}
	}
}
