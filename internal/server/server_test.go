package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"
)

func TestNewRequiresAddrAndHandler(t *testing.T) {
	if _, err := New(Config{Handler: http.NotFoundHandler()}); err == nil {
		t.Fatal("expected error without addr")
	}
	if _, err := New(Config{Addr: ":0"}); err == nil {
		t.Fatal("expected error without handler")
	}
}

func TestRunServesUnixSocketUntilCancelled(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "huddle.sock")
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "ok") })
	srv, err := New(Config{Addr: "127.0.0.1:0", SocketPath: sock, Handler: h})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", sock)
		},
	}}
	var body string
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := client.Get("http://unix/health")
		if err == nil {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			body = string(b)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("socket never answered: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if body != "ok" {
		t.Fatalf("unexpected body %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
