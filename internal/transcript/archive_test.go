package transcript

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mistakeknot/huddle/internal/core"
)

func TestArchiveWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a, err := New(Config{Dir: dir, QueueSize: 4}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	now := time.Now()
	a.Submit(Record{
		SessionID: "sess-1",
		UserID:    "user-1",
		CoachID:   "interview",
		Turns: []core.Turn{
			{Role: core.RoleAssistant, Content: "Hello", Timestamp: now},
			{Role: core.RoleUser, Content: "Hi", Timestamp: now},
		},
	})
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "user-1", "sess-1.ndjson"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	var lines []Line
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l Line
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		lines = append(lines, l)
	}
	if len(lines) != 2 || lines[0].Content != "Hello" || lines[1].Seq != 1 || lines[1].Role != core.RoleUser {
		t.Fatalf("unexpected lines %+v", lines)
	}
}

func TestArchivePathSanitizesIDs(t *testing.T) {
	a, err := New(Config{Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	p := a.Path("../etc", "")
	if filepath.Base(filepath.Dir(p)) != "etc" || filepath.Base(p) != "unknown.ndjson" {
		t.Fatalf("unexpected path %q", p)
	}
}

func TestSubmitAfterCloseIsIgnored(t *testing.T) {
	a, err := New(Config{Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = a.Close()
	a.Submit(Record{SessionID: "s"})
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
