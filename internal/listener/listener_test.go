package listener

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mistakeknot/huddle/internal/core"
	"github.com/mistakeknot/huddle/internal/lifecycle"
	"github.com/mistakeknot/huddle/internal/media"
	"github.com/mistakeknot/huddle/internal/media/mediatest"
	"github.com/mistakeknot/huddle/internal/storage"
)

func seedActive(t *testing.T, st storage.Store, id string) {
	t.Helper()
	ctx := context.Background()
	if err := st.CreateSession(ctx, core.Session{ID: id, RoomID: "huddle-" + id}, time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := st.TransitionSession(ctx, id, core.SessionActive); err != nil {
		t.Fatal(err)
	}
	if err := st.ClaimAgent(ctx, core.AgentStatus{SessionID: id, WorkerID: "crashed-worker", State: core.AgentClaimed}, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := st.UpdateAgent(ctx, id, "crashed-worker", core.AgentActive, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveConversation(ctx, id, []core.Turn{{Role: core.RoleAssistant, Content: "Hello"}}, time.Hour); err != nil {
		t.Fatal(err)
	}
}

func newListener(st storage.Store) *Listener {
	return New(st, lifecycle.NewCleaner(st, nil), mediatest.Webhooks{Token: "signed"}, time.Second, nil)
}

func assertGone(t *testing.T, st storage.Store, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := st.GetAgent(ctx, id); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("agent:%s should be removed, got %v", id, err)
	}
	if turns, _ := st.LoadConversation(ctx, id); turns != nil {
		t.Fatalf("conversation:%s should be removed", id)
	}
}

// A room finishing while no worker tracks the session still cleans it up.
func TestRoomFinishedCleansUpWithoutWorker(t *testing.T) {
	st := storage.NewInMemory()
	seedActive(t, st, "S2")
	l := newListener(st)

	err := l.Handle(context.Background(), media.RoomEvent{Type: media.EventRoomFinished, Room: "huddle-S2"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	assertGone(t, st, "S2")
	if sess, _ := st.GetSession(context.Background(), "S2"); sess.Status != core.SessionEnded {
		t.Fatalf("expected ended, got %s", sess.Status)
	}
	sum, err := st.GetSummary(context.Background(), "S2")
	if err != nil || sum.EndedBy != lifecycle.EndedByRoomFinished {
		t.Fatalf("summary: %+v %v", sum, err)
	}

	// Redelivery converges.
	if err := l.Handle(context.Background(), media.RoomEvent{Type: media.EventRoomFinished, Room: "huddle-S2"}); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
}

func TestCoachLeavingEndsSession(t *testing.T) {
	st := storage.NewInMemory()
	seedActive(t, st, "S3")
	l := newListener(st)
	ctx := context.Background()

	if err := l.Handle(ctx, media.RoomEvent{Type: media.EventParticipantLeft, Room: "huddle-S3", Participant: "user-u1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetAgent(ctx, "S3"); err != nil {
		t.Fatalf("participant leaving must not clean up: %v", err)
	}
	if err := l.Handle(ctx, media.RoomEvent{Type: media.EventParticipantLeft, Room: "huddle-S3", Participant: "coach-interview"}); err != nil {
		t.Fatal(err)
	}
	assertGone(t, st, "S3")
}

func TestExpiredSessionRecordStillCleansKeys(t *testing.T) {
	st := storage.NewInMemory()
	ctx := context.Background()
	_ = st.ClaimAgent(ctx, core.AgentStatus{SessionID: "S4", WorkerID: "w"}, time.Minute)
	_ = st.SaveConversation(ctx, "S4", []core.Turn{{Role: core.RoleUser, Content: "hi"}}, time.Hour)

	if err := newListener(st).Handle(ctx, media.RoomEvent{Type: media.EventRoomFinished, Room: "huddle-S4"}); err != nil {
		t.Fatal(err)
	}
	assertGone(t, st, "S4")
}

func TestForeignRoomsAndUnknownEventsAreIgnored(t *testing.T) {
	st := storage.NewInMemory()
	l := newListener(st)
	ctx := context.Background()
	if err := l.Handle(ctx, media.RoomEvent{Type: media.EventRoomFinished, Room: "someone-else"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Handle(ctx, media.RoomEvent{Type: "egress_started", Room: "huddle-x"}); err != nil {
		t.Fatal(err)
	}
}

func TestServeHTTP(t *testing.T) {
	st := storage.NewInMemory()
	seedActive(t, st, "S5")
	l := newListener(st)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/livekit", strings.NewReader(`{"event":"room_finished","room":"huddle-S5"}`))
	l.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned webhook: expected 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/webhooks/livekit", strings.NewReader(`{"event":`))
	req.Header.Set("Authorization", "signed")
	l.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed webhook: expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/webhooks/livekit", strings.NewReader(`{"event":"room_finished","room":"huddle-S5"}`))
	req.Header.Set("Authorization", "signed")
	l.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	assertGone(t, st, "S5")
}
