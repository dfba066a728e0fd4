// Package storagetest holds the behavior every storage.Store must share.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mistakeknot/huddle/internal/core"
	"github.com/mistakeknot/huddle/internal/storage"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) storage.Store

// Run exercises st against the shared store contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("SessionLifecycle", func(t *testing.T) { testSessionLifecycle(t, newStore(t)) })
	t.Run("StatusIsMonotonic", func(t *testing.T) { testStatusIsMonotonic(t, newStore(t)) })
	t.Run("ClaimIsExclusive", func(t *testing.T) { testClaimIsExclusive(t, newStore(t)) })
	t.Run("ConcurrentClaims", func(t *testing.T) { testConcurrentClaims(t, newStore(t)) })
	t.Run("UpdateAgentRequiresOwner", func(t *testing.T) { testUpdateAgentRequiresOwner(t, newStore(t)) })
	t.Run("Conversation", func(t *testing.T) { testConversation(t, newStore(t)) })
	t.Run("SummaryWrittenOnce", func(t *testing.T) { testSummaryWrittenOnce(t, newStore(t)) })
	t.Run("PendingClaims", func(t *testing.T) { testPendingClaims(t, newStore(t)) })
	t.Run("DeletesAreIdempotent", func(t *testing.T) { testDeletesAreIdempotent(t, newStore(t)) })
}

func testSessionLifecycle(t *testing.T, st storage.Store) {
	ctx := context.Background()
	if _, err := st.GetSession(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	s := core.Session{ID: "s1", CoachID: "c1", UserID: "u1", RoomID: "huddle-s1"}
	if err := st.CreateSession(ctx, s, time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != core.SessionPending || got.CoachID != "c1" || got.RoomID != "huddle-s1" {
		t.Fatalf("unexpected session %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}
	id, err := st.SessionIDForRoom(ctx, "huddle-s1")
	if err != nil || id != "s1" {
		t.Fatalf("room index: id=%q err=%v", id, err)
	}
	if _, err := st.SessionIDForRoom(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown room, got %v", err)
	}
}

func testStatusIsMonotonic(t *testing.T, st storage.Store) {
	ctx := context.Background()
	if err := st.CreateSession(ctx, core.Session{ID: "s1", RoomID: "r1"}, time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.TransitionSession(ctx, "s1", core.SessionEnded); !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("pending -> ended should be rejected, got %v", err)
	}
	got, err := st.TransitionSession(ctx, "s1", core.SessionActive)
	if err != nil || got.Status != core.SessionActive {
		t.Fatalf("pending -> active: %+v %v", got, err)
	}
	if _, err := st.TransitionSession(ctx, "s1", core.SessionActive); err != nil {
		t.Fatalf("repeating active should be a no-op, got %v", err)
	}
	if _, err := st.TransitionSession(ctx, "s1", core.SessionEnded); err != nil {
		t.Fatalf("active -> ended: %v", err)
	}
	got, err = st.TransitionSession(ctx, "s1", core.SessionActive)
	if !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("ended -> active should be rejected, got %v", err)
	}
	if got.Status != core.SessionEnded {
		t.Fatalf("rejected transition should report current status, got %s", got.Status)
	}
	if _, err := st.TransitionSession(ctx, "s1", core.SessionFailed); !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("ended -> failed should be rejected, got %v", err)
	}
	if _, err := st.TransitionSession(ctx, "missing", core.SessionActive); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testClaimIsExclusive(t *testing.T, st storage.Store) {
	ctx := context.Background()
	if err := st.ClaimAgent(ctx, core.AgentStatus{SessionID: "s1", WorkerID: "w1"}, time.Minute); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	err := st.ClaimAgent(ctx, core.AgentStatus{SessionID: "s1", WorkerID: "w2"}, time.Minute)
	if !errors.Is(err, core.ErrAlreadyClaimed) {
		t.Fatalf("second claim should lose, got %v", err)
	}
	a, err := st.GetAgent(ctx, "s1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if a.WorkerID != "w1" || a.State != core.AgentClaimed {
		t.Fatalf("unexpected agent %+v", a)
	}
	if err := st.DeleteAgent(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.ClaimAgent(ctx, core.AgentStatus{SessionID: "s1", WorkerID: "w2"}, time.Minute); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func testConcurrentClaims(t *testing.T, st storage.Store) {
	ctx := context.Background()
	const workers = 10
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := st.ClaimAgent(ctx, core.AgentStatus{SessionID: "race", WorkerID: fmt.Sprintf("w%d", n)}, time.Minute)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, core.ErrAlreadyClaimed):
			default:
				t.Errorf("worker %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func testUpdateAgentRequiresOwner(t *testing.T, st storage.Store) {
	ctx := context.Background()
	if _, err := st.UpdateAgent(ctx, "s1", "w1", core.AgentActive, time.Minute); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("update of missing record: %v", err)
	}
	if err := st.ClaimAgent(ctx, core.AgentStatus{SessionID: "s1", WorkerID: "w1"}, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := st.UpdateAgent(ctx, "s1", "w2", core.AgentActive, time.Minute); !errors.Is(err, core.ErrNotOwner) {
		t.Fatalf("non-owner update should fail, got %v", err)
	}
	a, err := st.UpdateAgent(ctx, "s1", "w1", core.AgentActive, time.Minute)
	if err != nil {
		t.Fatalf("owner update: %v", err)
	}
	if a.State != core.AgentActive || a.ConnectedAt.IsZero() {
		t.Fatalf("expected active with connected_at, got %+v", a)
	}
	a, err = st.UpdateAgent(ctx, "s1", "w1", core.AgentConnecting, time.Minute)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if a.State != core.AgentActive {
		t.Fatalf("state must not move backward, got %s", a.State)
	}
}

func testConversation(t *testing.T, st storage.Store) {
	ctx := context.Background()
	turns, err := st.LoadConversation(ctx, "s1")
	if err != nil || len(turns) != 0 {
		t.Fatalf("empty load: %v %v", turns, err)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	in := []core.Turn{
		{Role: core.RoleAssistant, Content: "hello", Timestamp: now},
		{Role: core.RoleUser, Content: "hi coach", Timestamp: now.Add(time.Second)},
	}
	if err := st.SaveConversation(ctx, "s1", in, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}
	turns, err = st.LoadConversation(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(turns) != 2 || turns[0].Content != "hello" || turns[1].Role != core.RoleUser {
		t.Fatalf("unexpected turns %+v", turns)
	}
	if err := st.DeleteConversation(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	turns, _ = st.LoadConversation(ctx, "s1")
	if len(turns) != 0 {
		t.Fatalf("expected conversation gone, got %d turns", len(turns))
	}
}

func testSummaryWrittenOnce(t *testing.T, st storage.Store) {
	ctx := context.Background()
	created, err := st.SaveSummary(ctx, core.Summary{SessionID: "s1", TotalTurns: 4, EndedBy: "agent", Topics: []string{"salary"}})
	if err != nil || !created {
		t.Fatalf("first save: created=%v err=%v", created, err)
	}
	created, err = st.SaveSummary(ctx, core.Summary{SessionID: "s1", TotalTurns: 9, EndedBy: "listener"})
	if err != nil || created {
		t.Fatalf("second save should not overwrite: created=%v err=%v", created, err)
	}
	s, err := st.GetSummary(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.TotalTurns != 4 || s.EndedBy != "agent" || len(s.Topics) != 1 {
		t.Fatalf("unexpected summary %+v", s)
	}
	if _, err := st.GetSummary(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testPendingClaims(t *testing.T, st storage.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	deadlines := map[string]time.Time{
		"late":   base.Add(-10 * time.Second),
		"early":  base.Add(-20 * time.Second),
		"future": base.Add(time.Hour),
	}
	for id, deadline := range deadlines {
		p := core.PendingClaim{SessionID: id, Deadline: deadline, Notification: core.Notification{Type: core.NotifyStartAgent, SessionID: id}}
		if err := st.AddPending(ctx, p); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	due, err := st.DuePending(ctx, base, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 2 || due[0].SessionID != "early" || due[1].SessionID != "late" {
		t.Fatalf("unexpected due list %+v", due)
	}
	if due[0].Notification.Type != core.NotifyStartAgent {
		t.Fatalf("notification payload lost: %+v", due[0].Notification)
	}
	if err := st.ReschedulePending(ctx, "early", base.Add(time.Minute), 1); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	due, _ = st.DuePending(ctx, base, 10)
	if len(due) != 1 || due[0].SessionID != "late" {
		t.Fatalf("rescheduled claim should not be due, got %+v", due)
	}
	due, _ = st.DuePending(ctx, base.Add(2*time.Minute), 10)
	for _, p := range due {
		if p.SessionID == "early" && p.Attempts != 1 {
			t.Fatalf("expected attempts=1, got %d", p.Attempts)
		}
	}
	if err := st.RemovePending(ctx, "late"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	due, _ = st.DuePending(ctx, base, 10)
	if len(due) != 0 {
		t.Fatalf("expected nothing due, got %+v", due)
	}
	if err := st.ReschedulePending(ctx, "late", base, 2); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("reschedule removed claim: %v", err)
	}
}

func testDeletesAreIdempotent(t *testing.T, st storage.Store) {
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := st.DeleteAgent(ctx, "s1"); err != nil {
			t.Fatalf("delete agent #%d: %v", i, err)
		}
		if err := st.DeleteConversation(ctx, "s1"); err != nil {
			t.Fatalf("delete conversation #%d: %v", i, err)
		}
		if err := st.RemovePending(ctx, "s1"); err != nil {
			t.Fatalf("remove pending #%d: %v", i, err)
		}
	}
}
