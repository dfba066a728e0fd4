package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mistakeknot/huddle/internal/core"
	"github.com/mistakeknot/huddle/internal/storage"
	"github.com/mistakeknot/huddle/internal/storage/storagetest"
)

func TestSQLiteConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return NewSQLiteTest(t) })
}

func TestResilientConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return NewResilient(NewSQLiteTest(t)) })
}

func TestFileStoreConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		st, err := New(filepath.Join(t.TempDir(), "huddle.db"))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { st.Close() })
		return st
	})
}

func TestClaimTakesOverExpiredRecord(t *testing.T) {
	st := NewSQLiteTest(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	withClock(st, &now)
	ctx := context.Background()

	if err := st.ClaimAgent(ctx, core.AgentStatus{SessionID: "s1", WorkerID: "w1"}, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	now = now.Add(59 * time.Second)
	if err := st.ClaimAgent(ctx, core.AgentStatus{SessionID: "s1", WorkerID: "w2"}, time.Minute); !errors.Is(err, core.ErrAlreadyClaimed) {
		t.Fatalf("live claim must win, got %v", err)
	}
	now = now.Add(2 * time.Second)
	if err := st.ClaimAgent(ctx, core.AgentStatus{SessionID: "s1", WorkerID: "w2"}, time.Minute); err != nil {
		t.Fatalf("expired claim should be replaced: %v", err)
	}
	a, err := st.GetAgent(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.WorkerID != "w2" || !a.ConnectedAt.IsZero() {
		t.Fatalf("unexpected takeover record %+v", a)
	}
}

func TestSweepExpired(t *testing.T) {
	st := NewSQLiteTest(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	withClock(st, &now)
	ctx := context.Background()

	_ = st.CreateSession(ctx, core.Session{ID: "old", RoomID: "r-old"}, time.Minute)
	_ = st.CreateSession(ctx, core.Session{ID: "new", RoomID: "r-new"}, time.Hour)
	_ = st.ClaimAgent(ctx, core.AgentStatus{SessionID: "old", WorkerID: "w1"}, time.Minute)
	_ = st.SaveConversation(ctx, "old", []core.Turn{{Role: core.RoleUser, Content: "hi"}}, time.Minute)
	if _, err := st.SaveSummary(ctx, core.Summary{SessionID: "old"}); err != nil {
		t.Fatalf("summary: %v", err)
	}

	now = now.Add(5 * time.Minute)
	n, err := st.SweepExpired(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows swept, got %d", n)
	}
	if _, err := st.GetSession(ctx, "new"); err != nil {
		t.Fatalf("live session swept: %v", err)
	}
	if _, err := st.GetSummary(ctx, "old"); err != nil {
		t.Fatalf("summaries must survive the sweep: %v", err)
	}
}

func TestSweeperStartStop(t *testing.T) {
	st := NewSQLiteTest(t)
	now := time.Now().UTC()
	withClock(st, &now)
	ctx := context.Background()
	_ = st.CreateSession(ctx, core.Session{ID: "s1"}, time.Millisecond)
	now = now.Add(time.Second)

	sw := NewSweeper(st, time.Hour, nil)
	sw.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var count int
		if err := st.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count); err == nil && count == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	sw.Stop()

	var count int
	if err := st.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("startup sweep should remove the expired session, %d left", count)
	}
}
