package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/mistakeknot/huddle/internal/core"
)

func completionServer(t *testing.T, status int, reply string, seen *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if seen != nil {
			seen.Store(req)
		}
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "cmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": reply},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProviderSendsBoundedPrompt(t *testing.T) {
	var seen atomic.Value
	srv := completionServer(t, http.StatusOK, "Tell me more.", &seen)
	p := NewProvider("test", "key", "m1", srv.URL+"/v1")

	out, err := p.Generate(context.Background(), Request{
		SystemPrompt: "You are Ada.",
		History: []core.Turn{
			{Role: core.RoleAssistant, Content: "Hello"},
			{Role: core.RoleUser, Content: "Hi"},
		},
		NewTurn:   "I have an interview",
		MaxTokens: 800,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "Tell me more." {
		t.Fatalf("unexpected reply %q", out)
	}
	req := seen.Load().(openai.ChatCompletionRequest)
	if req.Model != "m1" || req.MaxTokens != 800 {
		t.Fatalf("unexpected request %+v", req)
	}
	roles := []string{"system", "assistant", "user", "user"}
	if len(req.Messages) != len(roles) {
		t.Fatalf("messages = %+v", req.Messages)
	}
	for i, r := range roles {
		if req.Messages[i].Role != r {
			t.Fatalf("message %d role = %s, want %s", i, req.Messages[i].Role, r)
		}
	}
	if req.Messages[3].Content != "I have an interview" {
		t.Fatalf("new turn should be last, got %q", req.Messages[3].Content)
	}
}

func TestProviderClassifiesRateLimit(t *testing.T) {
	srv := completionServer(t, http.StatusTooManyRequests, "", nil)
	_, err := NewProvider("test", "key", "m1", srv.URL+"/v1").Generate(context.Background(), Request{NewTurn: "hi"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if core.KindOf(err) != core.KindTransientExternal {
		t.Fatalf("expected transient kind, got %v", core.KindOf(err))
	}
}

func TestProviderClassifiesTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewProvider("test", "key", "m1", srv.URL+"/v1").Generate(ctx, Request{NewTurn: "hi"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestProviderRejectsEmptyCompletion(t *testing.T) {
	srv := completionServer(t, http.StatusOK, "", nil)
	_, err := NewProvider("test", "key", "m1", srv.URL+"/v1").Generate(context.Background(), Request{NewTurn: "hi"})
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected invalid response, got %v", err)
	}
}

func TestChainFallsBackInOrder(t *testing.T) {
	limited := completionServer(t, http.StatusTooManyRequests, "", nil)
	ok := completionServer(t, http.StatusOK, "from second", nil)
	chain := NewChain(nil,
		NewProvider("first", "k", "m", limited.URL+"/v1"),
		NewProvider("second", "k", "m", ok.URL+"/v1"),
	)
	out, err := chain.Generate(context.Background(), Request{NewTurn: "hi"})
	if err != nil || out != "from second" {
		t.Fatalf("got %q, %v", out, err)
	}
}

func TestChainReturnsLastError(t *testing.T) {
	a := completionServer(t, http.StatusTooManyRequests, "", nil)
	b := completionServer(t, http.StatusOK, "", nil)
	chain := NewChain(nil, NewProvider("a", "k", "m", a.URL+"/v1"), NewProvider("b", "k", "m", b.URL+"/v1"))
	_, err := chain.Generate(context.Background(), Request{NewTurn: "hi"})
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected last provider's error, got %v", err)
	}
	if _, err := NewChain(nil).Generate(context.Background(), Request{}); err == nil {
		t.Fatal("empty chain should fail")
	}
}
