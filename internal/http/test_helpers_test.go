package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mistakeknot/huddle/internal/auth"
	"github.com/mistakeknot/huddle/internal/bus"
	"github.com/mistakeknot/huddle/internal/lifecycle"
	"github.com/mistakeknot/huddle/internal/listener"
	"github.com/mistakeknot/huddle/internal/media/mediatest"
	"github.com/mistakeknot/huddle/internal/persona"
	"github.com/mistakeknot/huddle/internal/registrar"
	"github.com/mistakeknot/huddle/internal/storage"
	"github.com/mistakeknot/huddle/internal/ws"
)

const webhookToken = "hook-secret"

// testEnv runs the full registrar router against in-memory collaborators.
// Requests come from loopback, so the keyring lets them through.
type testEnv struct {
	srv     *httptest.Server
	handler http.Handler
	store   *storage.InMemory
	rooms   *mediatest.Rooms
	bus     *bus.Local
}

func newTestEnv(t *testing.T, ring *auth.Keyring) *testEnv {
	t.Helper()
	dir, err := persona.LoadDirectory("")
	if err != nil {
		t.Fatalf("coaches: %v", err)
	}
	e := &testEnv{
		store: storage.NewInMemory(),
		rooms: &mediatest.Rooms{},
		bus:   bus.NewLocal(),
	}
	reg := registrar.New(e.store, e.rooms, e.bus, dir, registrar.DefaultConfig(), nil)
	lis := listener.New(e.store, lifecycle.NewCleaner(e.store, nil), mediatest.Webhooks{Token: webhookToken}, 0, nil)
	var mw func(http.Handler) http.Handler
	if ring != nil {
		mw = auth.Middleware(ring)
	}
	e.handler = NewRouter(Routes{
		Service:  NewService(reg, nil),
		Webhooks: lis,
		Feed:     ws.NewHub(nil).Handler(),
		Auth:     mw,
	})
	e.srv = httptest.NewServer(e.handler)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header http.Header) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, path, body, nil)
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodGet, path, nil, nil)
}

func (e *testEnv) delete(t *testing.T, path string) *http.Response {
	t.Helper()
	return e.do(t, http.MethodDelete, path, nil, nil)
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}
