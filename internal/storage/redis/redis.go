// Package redis stores shared session state in Redis. Conditional writes are
// single-key Lua scripts or SET NX, so no operation needs MULTI.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mistakeknot/huddle/internal/core"
	"github.com/mistakeknot/huddle/internal/storage"
)

var _ storage.Store = (*Store)(nil)

const pendingSet = "pending-claims"

func sessionKey(id string) string      { return "session:" + id }
func roomKey(roomID string) string     { return "room:" + roomID }
func agentKey(id string) string        { return "agent:" + id }
func conversationKey(id string) string { return "conversation:" + id }
func summaryKey(id string) string      { return "summary:" + id }
func pendingKey(id string) string      { return "pending:" + id }

// Returns 1 when the record was created, 0 when a live record exists.
var claimScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'session_id', ARGV[1], 'worker_id', ARGV[2], 'state', ARGV[3],
  'connected_at', '', 'last_activity_at', ARGV[4], 'expires_at', ARGV[5])
if tonumber(ARGV[6]) > 0 then redis.call('PEXPIRE', KEYS[1], ARGV[6]) end
return 1
`)

// ARGV: target status, updated_at, statuses allowed to move to the target.
// Returns 1 updated, 0 already there, -1 missing, -2 not allowed.
var transitionScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return -1 end
if cur == ARGV[1] then return 0 end
for i = 3, #ARGV do
  if ARGV[i] == cur then
    redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
    return 1
  end
end
return -2
`)

// ARGV: worker, state ('' to keep), now, ttl ms, expires_at, then the
// states the record may currently hold for the new state to apply.
// Returns 1 updated, -1 missing, -2 owned by another worker.
var updateAgentScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'worker_id') ~= ARGV[1] then return -2 end
local cur = redis.call('HGET', KEYS[1], 'state')
if ARGV[2] ~= '' then
  for i = 6, #ARGV do
    if ARGV[i] == cur then
      redis.call('HSET', KEYS[1], 'state', ARGV[2])
      if ARGV[2] == 'active' and (redis.call('HGET', KEYS[1], 'connected_at') or '') == '' then
        redis.call('HSET', KEYS[1], 'connected_at', ARGV[3])
      end
      break
    end
  end
end
redis.call('HSET', KEYS[1], 'last_activity_at', ARGV[3], 'expires_at', ARGV[5])
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
else
  redis.call('PERSIST', KEYS[1])
end
return 1
`)

var allAgentStates = []core.AgentState{
	core.AgentClaimed, core.AgentConnecting, core.AgentActive, core.AgentEnding, core.AgentTerminated,
}

type Store struct {
	rdb goredis.UniversalClient
	now func() time.Time
}

func New(rdb goredis.UniversalClient) *Store {
	return &Store{rdb: rdb, now: func() time.Time { return time.Now().UTC() }}
}

// Open connects to a redis:// URL and checks the connection.
func Open(ctx context.Context, url string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(rdb), nil
}

// Client exposes the underlying connection so the pub/sub bus can share it.
func (s *Store) Client() goredis.UniversalClient { return s.rdb }

func (s *Store) Close() error { return s.rdb.Close() }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func ttlMillis(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return ttl.Milliseconds()
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (s *Store) CreateSession(ctx context.Context, sess core.Session, ttl time.Duration) error {
	now := s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.Status == "" {
		sess.Status = core.SessionPending
	}
	key := sessionKey(sess.ID)
	_, err := s.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, key,
			"id", sess.ID,
			"coach_id", sess.CoachID,
			"user_id", sess.UserID,
			"room_id", sess.RoomID,
			"status", string(sess.Status),
			"created_at", formatTime(sess.CreatedAt),
			"updated_at", formatTime(now),
		)
		if ttl > 0 {
			p.PExpire(ctx, key, ttl)
		}
		if sess.RoomID != "" {
			p.Set(ctx, roomKey(sess.RoomID), sess.ID, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (core.Session, error) {
	m, err := s.rdb.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return core.Session{}, fmt.Errorf("get session: %w", err)
	}
	if len(m) == 0 {
		return core.Session{}, core.ErrNotFound
	}
	return core.Session{
		ID:        m["id"],
		CoachID:   m["coach_id"],
		UserID:    m["user_id"],
		RoomID:    m["room_id"],
		Status:    core.SessionStatus(m["status"]),
		CreatedAt: parseTime(m["created_at"]),
		UpdatedAt: parseTime(m["updated_at"]),
	}, nil
}

func (s *Store) SessionIDForRoom(ctx context.Context, roomID string) (string, error) {
	id, err := s.rdb.Get(ctx, roomKey(roomID)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", core.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("session for room: %w", err)
	}
	return id, nil
}

func (s *Store) TransitionSession(ctx context.Context, id string, to core.SessionStatus) (core.Session, error) {
	args := []any{string(to), formatTime(s.now())}
	for _, st := range to.AllowedFrom() {
		args = append(args, string(st))
	}
	res, err := transitionScript.Run(ctx, s.rdb, []string{sessionKey(id)}, args...).Int()
	if err != nil {
		return core.Session{}, fmt.Errorf("transition session: %w", err)
	}
	if res == -1 {
		return core.Session{}, core.ErrNotFound
	}
	cur, err := s.GetSession(ctx, id)
	if err != nil {
		return core.Session{}, err
	}
	if res == -2 {
		return cur, core.ErrInvalidTransition
	}
	return cur, nil
}

func (s *Store) ClaimAgent(ctx context.Context, a core.AgentStatus, ttl time.Duration) error {
	now := s.now()
	if a.State == "" {
		a.State = core.AgentClaimed
	}
	res, err := claimScript.Run(ctx, s.rdb, []string{agentKey(a.SessionID)},
		a.SessionID, a.WorkerID, string(a.State), formatTime(now), formatTime(expiry(now, ttl)), ttlMillis(ttl),
	).Int()
	if err != nil {
		return fmt.Errorf("claim agent: %w", err)
	}
	if res == 0 {
		return core.ErrAlreadyClaimed
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, sessionID string) (core.AgentStatus, error) {
	m, err := s.rdb.HGetAll(ctx, agentKey(sessionID)).Result()
	if err != nil {
		return core.AgentStatus{}, fmt.Errorf("get agent: %w", err)
	}
	if len(m) == 0 {
		return core.AgentStatus{}, core.ErrNotFound
	}
	return core.AgentStatus{
		SessionID:      m["session_id"],
		WorkerID:       m["worker_id"],
		State:          core.AgentState(m["state"]),
		ConnectedAt:    parseTime(m["connected_at"]),
		LastActivityAt: parseTime(m["last_activity_at"]),
		ExpiresAt:      parseTime(m["expires_at"]),
	}, nil
}

func (s *Store) UpdateAgent(ctx context.Context, sessionID, workerID string, state core.AgentState, ttl time.Duration) (core.AgentStatus, error) {
	now := s.now()
	args := []any{workerID, string(state), formatTime(now), ttlMillis(ttl), formatTime(expiry(now, ttl))}
	if state != "" {
		for _, cur := range allAgentStates {
			if cur.Advances(state) {
				args = append(args, string(cur))
			}
		}
	}
	res, err := updateAgentScript.Run(ctx, s.rdb, []string{agentKey(sessionID)}, args...).Int()
	if err != nil {
		return core.AgentStatus{}, fmt.Errorf("update agent: %w", err)
	}
	switch res {
	case -1:
		return core.AgentStatus{}, core.ErrNotFound
	case -2:
		a, _ := s.GetAgent(ctx, sessionID)
		return a, core.ErrNotOwner
	}
	return s.GetAgent(ctx, sessionID)
}

func (s *Store) DeleteAgent(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, agentKey(sessionID)).Err(); err != nil {
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
	if err := s.rdb.Set(ctx, conversationKey(sessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (s *Store) LoadConversation(ctx context.Context, sessionID string) ([]core.Turn, error) {
	data, err := s.rdb.Get(ctx, conversationKey(sessionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	var turns []core.Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return turns, nil
}

func (s *Store) DeleteConversation(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, conversationKey(sessionID)).Err(); err != nil {
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
	ok, err := s.rdb.SetNX(ctx, summaryKey(sum.SessionID), data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("save summary: %w", err)
	}
	return ok, nil
}

func (s *Store) GetSummary(ctx context.Context, sessionID string) (core.Summary, error) {
	data, err := s.rdb.Get(ctx, summaryKey(sessionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return core.Summary{}, core.ErrNotFound
	}
	if err != nil {
		return core.Summary{}, fmt.Errorf("get summary: %w", err)
	}
	var sum core.Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return core.Summary{}, fmt.Errorf("decode summary: %w", err)
	}
	return sum, nil
}

func (s *Store) writePending(ctx context.Context, p core.PendingClaim) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending: %w", err)
	}
	_, err = s.rdb.Pipelined(ctx, func(pl goredis.Pipeliner) error {
		pl.Set(ctx, pendingKey(p.SessionID), data, 0)
		pl.ZAdd(ctx, pendingSet, goredis.Z{Score: float64(p.Deadline.UnixMilli()), Member: p.SessionID})
		return nil
	})
	return err
}

func (s *Store) AddPending(ctx context.Context, p core.PendingClaim) error {
	if err := s.writePending(ctx, p); err != nil {
		return fmt.Errorf("add pending: %w", err)
	}
	return nil
}

func (s *Store) DuePending(ctx context.Context, now time.Time, limit int) ([]core.PendingClaim, error) {
	by := &goredis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.rdb.ZRangeByScore(ctx, pendingSet, by).Result()
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = pendingKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	out := make([]core.PendingClaim, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Payload gone; drop the dangling index entry.
			s.rdb.ZRem(ctx, pendingSet, ids[i])
			continue
		}
		var p core.PendingClaim
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode pending %s: %w", ids[i], err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) ReschedulePending(ctx context.Context, sessionID string, deadline time.Time, attempts int) error {
	data, err := s.rdb.Get(ctx, pendingKey(sessionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return core.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reschedule pending: %w", err)
	}
	var p core.PendingClaim
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode pending %s: %w", sessionID, err)
	}
	p.Deadline = deadline
	p.Attempts = attempts
	if err := s.writePending(ctx, p); err != nil {
		return fmt.Errorf("reschedule pending: %w", err)
	}
	return nil
}

func (s *Store) RemovePending(ctx context.Context, sessionID string) error {
	_, err := s.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.ZRem(ctx, pendingSet, sessionID)
		p.Del(ctx, pendingKey(sessionID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove pending: %w", err)
	}
	return nil
}
