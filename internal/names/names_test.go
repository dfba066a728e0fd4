package names

import (
	"strings"
	"testing"
)

func TestWorker(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := Worker()
		if !strings.HasPrefix(id, "worker-") {
			t.Fatalf("unexpected id %q", id)
		}
		if Sanitize(id) != id {
			t.Fatalf("generated id %q is not already sanitized", id)
		}
		seen[id] = true
	}
	if len(seen) < 90 {
		t.Fatalf("expected variety, got only %d unique ids", len(seen))
	}
}

func TestSanitize(t *testing.T) {
	if got := Sanitize("  Box 7/Worker_A "); got != "box-7-worker-a" {
		t.Fatalf("got %q", got)
	}
}
