package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mistakeknot/huddle/internal/core"
	"github.com/mistakeknot/huddle/internal/storage"
)

//go:embed schema.sql
var schema string

var _ storage.Store = (*Store)(nil)

// Store keeps shared session state in a single SQLite file. Timestamps are
// unix milliseconds; an expires_at of 0 never expires.
type Store struct {
	db  dbHandle
	now func() time.Time
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Single writer; the claim and status updates rely on it.
	db.SetMaxOpenConns(1)
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return newStore(db), nil
}

func NewInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Each :memory: connection is its own database.
	db.SetMaxOpenConns(1)
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return newStore(db), nil
}

func newStore(db *sql.DB) *Store {
	return &Store{db: &queryLogger{inner: db}, now: func() time.Time { return time.Now().UTC() }}
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func expiresAt(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixMilli()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateSession(ctx context.Context, sess core.Session, ttl time.Duration) error {
	now := s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.Status == "" {
		sess.Status = core.SessionPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, coach_id, user_id, room_id, status, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET coach_id=excluded.coach_id, user_id=excluded.user_id, room_id=excluded.room_id,
		   status=excluded.status, created_at=excluded.created_at, updated_at=excluded.updated_at, expires_at=excluded.expires_at`,
		sess.ID, sess.CoachID, sess.UserID, sess.RoomID, string(sess.Status),
		toMillis(sess.CreatedAt), toMillis(now), expiresAt(now, ttl),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (core.Session, error) {
	var (
		sess             core.Session
		status           string
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, coach_id, user_id, room_id, status, created_at, updated_at
		 FROM sessions WHERE id = ? AND (expires_at = 0 OR expires_at > ?)`,
		id, toMillis(s.now()),
	).Scan(&sess.ID, &sess.CoachID, &sess.UserID, &sess.RoomID, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Session{}, core.ErrNotFound
	}
	if err != nil {
		return core.Session{}, fmt.Errorf("get session: %w", err)
	}
	sess.Status = core.SessionStatus(status)
	sess.CreatedAt = fromMillis(created)
	sess.UpdatedAt = fromMillis(updated)
	return sess, nil
}

func (s *Store) SessionIDForRoom(ctx context.Context, roomID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE room_id = ? AND (expires_at = 0 OR expires_at > ?)
		 ORDER BY created_at DESC LIMIT 1`,
		roomID, toMillis(s.now()),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("session for room: %w", err)
	}
	return id, nil
}

func (s *Store) TransitionSession(ctx context.Context, id string, to core.SessionStatus) (core.Session, error) {
	from := to.AllowedFrom()
	if len(from) > 0 {
		now := s.now()
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
		args := []any{string(to), toMillis(now), id, toMillis(now)}
		for _, st := range from {
			args = append(args, string(st))
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ?
			 WHERE id = ? AND (expires_at = 0 OR expires_at > ?) AND status IN (`+placeholders+`)`,
			args...,
		)
		if err != nil {
			return core.Session{}, fmt.Errorf("transition session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return s.GetSession(ctx, id)
		}
	}
	cur, err := s.GetSession(ctx, id)
	if err != nil {
		return core.Session{}, err
	}
	if cur.Status == to {
		return cur, nil
	}
	return cur, core.ErrInvalidTransition
}

func (s *Store) ClaimAgent(ctx context.Context, a core.AgentStatus, ttl time.Duration) error {
	now := s.now()
	if a.State == "" {
		a.State = core.AgentClaimed
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (session_id, worker_id, state, connected_at, last_activity_at, expires_at)
		 VALUES (?, ?, ?, 0, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET worker_id=excluded.worker_id, state=excluded.state,
		   connected_at=0, last_activity_at=excluded.last_activity_at, expires_at=excluded.expires_at
		 WHERE agents.expires_at != 0 AND agents.expires_at <= ?`,
		a.SessionID, a.WorkerID, string(a.State), toMillis(now), expiresAt(now, ttl), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("claim agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim agent: %w", err)
	}
	if n == 0 {
		return core.ErrAlreadyClaimed
	}
	return nil
}

func scanAgent(row *sql.Row) (core.AgentStatus, error) {
	var (
		a                            core.AgentStatus
		state                        string
		connected, activity, expires int64
	)
	if err := row.Scan(&a.SessionID, &a.WorkerID, &state, &connected, &activity, &expires); err != nil {
		return core.AgentStatus{}, err
	}
	a.State = core.AgentState(state)
	a.ConnectedAt = fromMillis(connected)
	a.LastActivityAt = fromMillis(activity)
	a.ExpiresAt = fromMillis(expires)
	return a, nil
}

const agentColumns = `session_id, worker_id, state, connected_at, last_activity_at, expires_at`

func (s *Store) GetAgent(ctx context.Context, sessionID string) (core.AgentStatus, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE session_id = ? AND (expires_at = 0 OR expires_at > ?)`,
		sessionID, toMillis(s.now()),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return core.AgentStatus{}, core.ErrNotFound
	}
	if err != nil {
		return core.AgentStatus{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) UpdateAgent(ctx context.Context, sessionID, workerID string, state core.AgentState, ttl time.Duration) (core.AgentStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.AgentStatus{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	a, err := scanAgent(tx.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE session_id = ? AND (expires_at = 0 OR expires_at > ?)`,
		sessionID, toMillis(now),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return core.AgentStatus{}, core.ErrNotFound
	}
	if err != nil {
		return core.AgentStatus{}, fmt.Errorf("load agent: %w", err)
	}
	if a.WorkerID != workerID {
		return a, core.ErrNotOwner
	}
	if state != "" && a.State.Advances(state) {
		if state == core.AgentActive && a.ConnectedAt.IsZero() {
			a.ConnectedAt = now
		}
		a.State = state
	}
	a.LastActivityAt = now
	a.ExpiresAt = fromMillis(expiresAt(now, ttl))
	if _, err := tx.ExecContext(ctx,
		`UPDATE agents SET state = ?, connected_at = ?, last_activity_at = ?, expires_at = ?
		 WHERE session_id = ? AND worker_id = ?`,
		string(a.State), toMillis(a.ConnectedAt), toMillis(a.LastActivityAt), toMillis(a.ExpiresAt), sessionID, workerID,
	); err != nil {
		return core.AgentStatus{}, fmt.Errorf("update agent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return core.AgentStatus{}, fmt.Errorf("commit: %w", err)
	}
	return a, nil
}

func (s *Store) DeleteAgent(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

func (s *Store) SaveConversation(ctx context.Context, sessionID string, turns []core.Turn, ttl time.Duration) error {
	if turns == nil {
		turns = []core.Turn{}
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("marshal turns: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (session_id, turns_json, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET turns_json=excluded.turns_json, expires_at=excluded.expires_at`,
		sessionID, string(data), expiresAt(s.now(), ttl),
	)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (s *Store) LoadConversation(ctx context.Context, sessionID string) ([]core.Turn, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT turns_json FROM conversations WHERE session_id = ? AND (expires_at = 0 OR expires_at > ?)`,
		sessionID, toMillis(s.now()),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	var turns []core.Turn
	if err := json.Unmarshal([]byte(data), &turns); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return turns, nil
}

func (s *Store) DeleteConversation(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (s *Store) SaveSummary(ctx context.Context, sum core.Summary) (bool, error) {
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = s.now()
	}
	data, err := json.Marshal(sum)
	if err != nil {
		return false, fmt.Errorf("marshal summary: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (session_id, summary_json, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sum.SessionID, string(data), toMillis(sum.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("save summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save summary: %w", err)
	}
	return n == 1, nil
}

func (s *Store) GetSummary(ctx context.Context, sessionID string) (core.Summary, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT summary_json FROM summaries WHERE session_id = ?`, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Summary{}, core.ErrNotFound
	}
	if err != nil {
		return core.Summary{}, fmt.Errorf("get summary: %w", err)
	}
	var sum core.Summary
	if err := json.Unmarshal([]byte(data), &sum); err != nil {
		return core.Summary{}, fmt.Errorf("decode summary: %w", err)
	}
	return sum, nil
}

func (s *Store) AddPending(ctx context.Context, p core.PendingClaim) error {
	data, err := json.Marshal(p.Notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_claims (session_id, deadline, attempts, notification_json) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET deadline=excluded.deadline, attempts=excluded.attempts, notification_json=excluded.notification_json`,
		p.SessionID, toMillis(p.Deadline), p.Attempts, string(data),
	)
	if err != nil {
		return fmt.Errorf("add pending: %w", err)
	}
	return nil
}

func (s *Store) DuePending(ctx context.Context, now time.Time, limit int) ([]core.PendingClaim, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, deadline, attempts, notification_json FROM pending_claims
		 WHERE deadline <= ? ORDER BY deadline ASC LIMIT ?`,
		toMillis(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []core.PendingClaim
	for rows.Next() {
		var (
			p        core.PendingClaim
			deadline int64
			data     string
		)
		if err := rows.Scan(&p.SessionID, &deadline, &p.Attempts, &data); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		p.Deadline = fromMillis(deadline)
		if err := json.Unmarshal([]byte(data), &p.Notification); err != nil {
			return nil, fmt.Errorf("decode pending %s: %w", p.SessionID, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *Store) ReschedulePending(ctx context.Context, sessionID string, deadline time.Time, attempts int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_claims SET deadline = ?, attempts = ? WHERE session_id = ?`,
		toMillis(deadline), attempts, sessionID,
	)
	if err != nil {
		return fmt.Errorf("reschedule pending: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *Store) RemovePending(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_claims WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("remove pending: %w", err)
	}
	return nil
}

// SweepExpired deletes session, agent and conversation rows whose TTL
// passed before the given time. Summaries and pending claims are kept.
func (s *Store) SweepExpired(ctx context.Context, before time.Time) (int64, error) {
	cutoff := toMillis(before)
	var total int64
	for _, table := range []string{"sessions", "agents", "conversations"} {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE expires_at != 0 AND expires_at <= ?`, cutoff)
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
