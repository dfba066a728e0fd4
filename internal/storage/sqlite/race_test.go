package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mistakeknot/huddle/internal/core"
)

// newRaceStore opens a file-backed WAL store wrapped in the resilient
// layer, the way the registrar and workers run it.
func newRaceStore(t *testing.T) *ResilientStore {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "race.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewResilient(st)
}

// TestConcurrentClaimsAcrossSessions races 8 workers over 20 sessions; every
// session must end up with exactly one owner.
func TestConcurrentClaimsAcrossSessions(t *testing.T) {
	st := newRaceStore(t)
	ctx := context.Background()
	const workers = 8
	const sessions = 20

	var (
		wg     sync.WaitGroup
		wins   atomic.Int32
		losses atomic.Int32
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for s := 0; s < sessions; s++ {
				err := st.ClaimAgent(ctx, core.AgentStatus{
					SessionID: fmt.Sprintf("s-%d", s),
					WorkerID:  fmt.Sprintf("w-%d", w),
				}, time.Minute)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, core.ErrAlreadyClaimed):
					losses.Add(1)
				default:
					t.Errorf("worker %d session %d: %v", w, s, err)
				}
			}
		}(w)
	}
	wg.Wait()

	if wins.Load() != sessions {
		t.Fatalf("expected %d wins, got %d", sessions, wins.Load())
	}
	if losses.Load() != int32(sessions*(workers-1)) {
		t.Fatalf("expected %d losses, got %d", sessions*(workers-1), losses.Load())
	}
	if st.CircuitBreakerState() != "closed" {
		t.Fatalf("lost claims must not trip the breaker, state=%s", st.CircuitBreakerState())
	}
}

// TestConcurrentCleanupConverges runs agent and listener style cleanup for
// the same session at once; both must succeed and leave the same state.
func TestConcurrentCleanupConverges(t *testing.T) {
	st := newRaceStore(t)
	ctx := context.Background()
	_ = st.CreateSession(ctx, core.Session{ID: "s1", RoomID: "r1"}, time.Hour)
	_, _ = st.TransitionSession(ctx, "s1", core.SessionActive)
	_ = st.ClaimAgent(ctx, core.AgentStatus{SessionID: "s1", WorkerID: "w1"}, time.Minute)
	_ = st.SaveConversation(ctx, "s1", []core.Turn{{Role: core.RoleUser, Content: "hello"}}, time.Hour)

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := st.SaveSummary(ctx, core.Summary{SessionID: "s1", EndedBy: fmt.Sprint(i)})
			if err != nil {
				t.Errorf("summary: %v", err)
			}
			if ok {
				created.Add(1)
			}
			if _, err := st.TransitionSession(ctx, "s1", core.SessionEnded); err != nil {
				t.Errorf("transition: %v", err)
			}
			if err := st.DeleteAgent(ctx, "s1"); err != nil {
				t.Errorf("delete agent: %v", err)
			}
			if err := st.DeleteConversation(ctx, "s1"); err != nil {
				t.Errorf("delete conversation: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Fatalf("expected one summary, got %d", created.Load())
	}
	sess, _ := st.GetSession(ctx, "s1")
	if sess.Status != core.SessionEnded {
		t.Fatalf("expected ended, got %s", sess.Status)
	}
	if _, err := st.GetAgent(ctx, "s1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("agent record should be gone, got %v", err)
	}
}
