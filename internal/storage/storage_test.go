package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/huddle/internal/core"
	"github.com/mistakeknot/huddle/internal/storage"
	"github.com/mistakeknot/huddle/internal/storage/storagetest"
)

func TestInMemoryConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return storage.NewInMemory() })
}

func TestInMemoryClaimExpires(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	st := storage.NewInMemoryWithClock(func() time.Time { return now })
	ctx := context.Background()

	if err := st.ClaimAgent(ctx, core.AgentStatus{SessionID: "s1", WorkerID: "w1"}, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	now = now.Add(30 * time.Second)
	if _, err := st.UpdateAgent(ctx, "s1", "w1", core.AgentActive, time.Minute); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	now = now.Add(45 * time.Second)
	if err := st.ClaimAgent(ctx, core.AgentStatus{SessionID: "s1", WorkerID: "w2"}, time.Minute); !errors.Is(err, core.ErrAlreadyClaimed) {
		t.Fatalf("heartbeat should have extended the claim, got %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := st.GetAgent(ctx, "s1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected expired record, got %v", err)
	}
	if err := st.ClaimAgent(ctx, core.AgentStatus{SessionID: "s1", WorkerID: "w2"}, time.Minute); err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
}

func TestInMemorySessionExpires(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	st := storage.NewInMemoryWithClock(func() time.Time { return now })
	ctx := context.Background()
	if err := st.CreateSession(ctx, core.Session{ID: "s1", RoomID: "r1"}, time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := st.GetSession(ctx, "s1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected session to expire, got %v", err)
	}
	if _, err := st.SessionIDForRoom(ctx, "r1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected room index to expire, got %v", err)
	}
}
