package httpapi

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/mistakeknot/huddle/internal/bus"
	"github.com/mistakeknot/huddle/internal/core"
	"github.com/mistakeknot/huddle/internal/registrar"
)

func TestCreateSession(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.post(t, "/api/sessions", map[string]string{"coach_id": "interview", "user_id": "u1"})
	requireStatus(t, resp, http.StatusCreated)
	join := decodeJSON[registrar.JoinInfo](t, resp)

	if join.SessionID == "" || join.RoomID != registrar.RoomPrefix+join.SessionID {
		t.Fatalf("unexpected join info %+v", join)
	}
	if join.Token != "token:"+join.RoomID+":user-u1" || join.URL != env.rooms.URL() {
		t.Fatalf("unexpected credential %+v", join)
	}
	sess, err := env.store.GetSession(context.Background(), join.SessionID)
	if err != nil || sess.Status != core.SessionPending {
		t.Fatalf("expected pending session, got %+v err=%v", sess, err)
	}
}

func TestCreateSessionRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, nil)
	requireStatus(t, env.post(t, "/api/sessions", "{not json"), http.StatusBadRequest)
	requireStatus(t, env.post(t, "/api/sessions", map[string]string{"coach_id": "interview"}), http.StatusBadRequest)
	requireStatus(t, env.post(t, "/api/sessions", map[string]string{"coach_id": "astrology", "user_id": "u1"}), http.StatusNotFound)
	if len(env.rooms.Created) != 0 {
		t.Fatalf("no room should be created, got %d", len(env.rooms.Created))
	}
}

func TestCreateSessionRoomFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.rooms.FailCreate = true
	resp := env.post(t, "/api/sessions", map[string]string{"coach_id": "sales", "user_id": "u1"})
	requireStatus(t, resp, http.StatusBadGateway)
	body := decodeJSON[map[string]string](t, resp)
	if body["error"] == "" {
		t.Fatal("expected error message")
	}
}

func TestGetSession(t *testing.T) {
	env := newTestEnv(t, nil)
	join := decodeJSON[registrar.JoinInfo](t, env.post(t, "/api/sessions", map[string]string{"coach_id": "career", "user_id": "u1"}))

	resp := env.get(t, "/api/sessions/"+join.SessionID)
	requireStatus(t, resp, http.StatusOK)
	view := decodeJSON[registrar.SessionView](t, resp)
	if view.Session.ID != join.SessionID || view.Session.CoachID != "career" || view.Agent != nil || view.Summary != nil {
		t.Fatalf("unexpected view %+v", view)
	}

	requireStatus(t, env.get(t, "/api/sessions/missing"), http.StatusNotFound)
}

func TestEndSessionPublishesStop(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed, err := env.bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	join := decodeJSON[registrar.JoinInfo](t, env.post(t, "/api/sessions", map[string]string{"coach_id": "sales", "user_id": "u1"}))
	<-feed // start_agent

	requireStatus(t, env.delete(t, "/api/sessions/"+join.SessionID), http.StatusAccepted)
	select {
	case raw := <-feed:
		n, err := bus.Decode(raw)
		if err != nil || n.Type != core.NotifyStopAgent || n.SessionID != join.SessionID {
			t.Fatalf("unexpected notification %+v err=%v", n, err)
		}
	case <-time.After(time.Second):
		t.Fatal("stop_agent not published")
	}

	requireStatus(t, env.delete(t, "/api/sessions/missing"), http.StatusNotFound)
}

func TestRoomFinishedWebhookEndsSession(t *testing.T) {
	env := newTestEnv(t, nil)
	join := decodeJSON[registrar.JoinInfo](t, env.post(t, "/api/sessions", map[string]string{"coach_id": "sales", "user_id": "u1"}))
	if _, err := env.store.TransitionSession(context.Background(), join.SessionID, core.SessionActive); err != nil {
		t.Fatalf("activate: %v", err)
	}

	event := map[string]string{"id": "EV_1", "event": "room_finished", "room": join.RoomID}
	requireStatus(t, env.do(t, http.MethodPost, "/webhooks/livekit", event, nil), http.StatusUnauthorized)
	resp := env.do(t, http.MethodPost, "/webhooks/livekit", event, http.Header{"Authorization": {webhookToken}})
	requireStatus(t, resp, http.StatusOK)

	view := decodeJSON[registrar.SessionView](t, env.get(t, "/api/sessions/"+join.SessionID))
	if view.Session.Status != core.SessionEnded || view.Summary == nil {
		t.Fatalf("expected ended session with summary, got %+v", view)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.get(t, "/health")
	requireStatus(t, resp, http.StatusOK)
}

func TestWorkerFeedRequiresUpgrade(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.get(t, "/ws/workers/w1")
	if resp.StatusCode != http.StatusUpgradeRequired && resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("plain GET on the feed should be refused, got %d", resp.StatusCode)
	}
}
