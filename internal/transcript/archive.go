// Package transcript archives full session transcripts as per-session NDJSON
// files written by a background goroutine.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/mistakeknot/huddle/internal/core"
	"github.com/mistakeknot/huddle/internal/names"
)

const defaultQueueSize = 64

type Config struct {
	Dir       string
	QueueSize int
}

// Line is one archived turn.
type Line struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CoachID   string    `json:"coach_id,omitempty"`
	Seq       int       `json:"seq"`
	Role      core.Role `json:"role"`
	Content   string    `json:"content"`
	Timestamp string    `json:"timestamp"`
}

// Record is a finished session handed to the archive.
type Record struct {
	SessionID string
	UserID    string
	CoachID   string
	Turns     []core.Turn
}

// Archive writes {dir}/{userId}/{sessionId}.ndjson. Submit never blocks; a
// full queue drops the record and logs it.
type Archive struct {
	dir    string
	queue  chan Record
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func New(cfg Config, logger *slog.Logger) (*Archive, error) {
	if cfg.Dir == "" {
		return nil, errors.New("transcript: dir is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("transcript dir: %w", err)
	}
	a := &Archive{
		dir:    cfg.Dir,
		queue:  make(chan Record, cfg.QueueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go a.run()
	return a, nil
}

func (a *Archive) Submit(rec Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- rec:
	default:
		a.logger.Warn("transcript queue full, dropping", "session_id", rec.SessionID, "turns", len(rec.Turns))
	}
}

// Close flushes queued records and stops the writer.
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
	return nil
}

func (a *Archive) run() {
	defer close(a.done)
	for rec := range a.queue {
		if err := a.write(rec); err != nil {
			a.logger.Error("transcript write failed", "session_id", rec.SessionID, "error", err)
		}
	}
}

// Path returns where a session's transcript is written.
func (a *Archive) Path(userID, sessionID string) string {
	return filepath.Join(a.dir, component(userID), component(sessionID)+".ndjson")
}

func (a *Archive) write(rec Record) error {
	path := a.Path(rec.UserID, rec.SessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for i, t := range rec.Turns {
		line := Line{
			SessionID: rec.SessionID,
			UserID:    rec.UserID,
			CoachID:   rec.CoachID,
			Seq:       i,
			Role:      t.Role,
			Content:   t.Content,
			Timestamp: t.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		}
		if err := enc.Encode(line); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

func component(s string) string {
	if c := names.Sanitize(s); c != "" {
		return c
	}
	return "unknown"
}
