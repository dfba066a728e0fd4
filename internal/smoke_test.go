package internal_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mistakeknot/huddle/client"
	"github.com/mistakeknot/huddle/internal/agent"
	"github.com/mistakeknot/huddle/internal/backoff"
	"github.com/mistakeknot/huddle/internal/llm"
	"github.com/mistakeknot/huddle/internal/media/mediatest"
	"github.com/mistakeknot/huddle/pkg/embedded"
)

type upperGenerator struct{}

func (upperGenerator) Generate(_ context.Context, req llm.Request) (string, error) {
	return strings.ToUpper(req.NewTurn), nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func coachSaid(conn *mediatest.Conn, text string) bool {
	for _, p := range conn.Published() {
		var m struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		if json.Unmarshal(p.Payload, &m) == nil && m.Type == "coach_message" && m.Message == text {
			return true
		}
	}
	return false
}

// TestSmokeSessionFlow exercises the full lifecycle over the websocket feed:
// create session → worker claims and greets → participant speaks → coach
// replies → end session → summary recorded.
func TestSmokeSessionFlow(t *testing.T) {
	connector := mediatest.NewConnector()
	agentCfg := agent.DefaultConfig()
	agentCfg.ClosingTimeout = 200 * time.Millisecond
	agentCfg.Connect = backoff.Config{MaxRetries: 1, BaseDelay: time.Millisecond}

	srv, err := embedded.New(embedded.Config{
		Workers:   2,
		Rooms:     &mediatest.Rooms{},
		Connector: connector,
		Generator: upperGenerator{},
		Agent:     &agentCfg,
	})
	if err != nil {
		t.Fatalf("embedded: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })

	api := client.New(srv.URL())
	ctx := context.Background()

	join, err := api.CreateSession(ctx, "presentation", "u42")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if !strings.HasSuffix(join.Token, ":user-u42") {
		t.Fatalf("unexpected participant token %q", join.Token)
	}

	conn, err := connector.Connected(5 * time.Second)
	if err != nil {
		t.Fatalf("agent never joined: %v", err)
	}
	waitFor(t, "session active", func() bool {
		view, err := api.GetSession(ctx, join.SessionID)
		return err == nil && view.Session.Status == "active" && view.Agent != nil && view.Agent.State == "active"
	})

	owners := 0
	for _, w := range srv.Workers() {
		if _, ok := w.Instance(join.SessionID); ok {
			owners++
		}
	}
	if owners != 1 {
		t.Fatalf("expected one owning worker, got %d", owners)
	}

	payload, _ := json.Marshal(map[string]string{"type": "user_message", "message": "how do I open a talk?"})
	conn.Handler.OnDataReceived(payload, "user-u42")
	waitFor(t, "coach reply", func() bool { return coachSaid(conn, "HOW DO I OPEN A TALK?") })

	if err := api.EndSession(ctx, join.SessionID); err != nil {
		t.Fatalf("end session: %v", err)
	}
	var view client.SessionView
	waitFor(t, "session ended", func() bool {
		view, err = api.GetSession(ctx, join.SessionID)
		return err == nil && view.Session.Status == "ended" && view.Summary != nil
	})
	if view.Summary.UserTurns != 1 || view.Summary.AssistantTurns != 2 || view.Summary.EndedBy != "stop_agent" {
		t.Fatalf("unexpected summary %+v", view.Summary)
	}
	if view.Agent != nil {
		t.Fatalf("agent record should be released, got %+v", view.Agent)
	}
	if !conn.Disconnected() {
		t.Fatal("agent should leave the room")
	}
}

func TestSmokeUnknownSession(t *testing.T) {
	srv, err := embedded.New(embedded.Config{
		Rooms:     &mediatest.Rooms{},
		Connector: mediatest.NewConnector(),
		Generator: upperGenerator{},
	})
	if err != nil {
		t.Fatalf("embedded: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })

	_, err = client.New(srv.URL()).GetSession(context.Background(), "nope")
	if !errors.Is(err, client.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
