package sqlite

import (
	"testing"
	"time"
)

// NewSQLiteTest returns an in-memory store closed when the test ends.
func NewSQLiteTest(t *testing.T) *Store {
	t.Helper()
	st, err := NewInMemory()
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// withClock pins the store's notion of now.
func withClock(st *Store, now *time.Time) {
	st.now = func() time.Time { return *now }
}
