package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/huddle/internal/backoff"
	"github.com/mistakeknot/huddle/internal/bus"
	"github.com/mistakeknot/huddle/internal/core"
	"github.com/mistakeknot/huddle/internal/llm"
	"github.com/mistakeknot/huddle/internal/media"
	"github.com/mistakeknot/huddle/internal/media/mediatest"
	"github.com/mistakeknot/huddle/internal/persona"
	"github.com/mistakeknot/huddle/internal/storage"
	"github.com/mistakeknot/huddle/internal/transcribe"
	"github.com/mistakeknot/huddle/internal/transcript"
)

// echoGenerator answers every turn with "re: <turn>" unless reply is set.
type echoGenerator struct {
	mu       sync.Mutex
	requests []llm.Request
	reply    func(ctx context.Context, req llm.Request) (string, error)
}

func (g *echoGenerator) Generate(ctx context.Context, req llm.Request) (string, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	reply := g.reply
	g.mu.Unlock()
	if reply != nil {
		return reply(ctx, req)
	}
	return "re: " + req.NewTurn, nil
}

func (g *echoGenerator) Requests() []llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]llm.Request(nil), g.requests...)
}

type fixedSynth struct {
	audio []byte
	err   error
}

func (s fixedSynth) Synthesize(context.Context, string, core.VoiceConfig) ([]byte, error) {
	return s.audio, s.err
}

// scriptTranscriber emits its lines as final results, then waits for ctx.
type scriptTranscriber struct {
	lines []string
}

func (s scriptTranscriber) Stream(ctx context.Context, _ media.Track, emit func(transcribe.Result)) error {
	for _, l := range s.lines {
		emit(transcribe.Result{Text: l, Final: true})
	}
	<-ctx.Done()
	return ctx.Err()
}

type archiveRecorder struct {
	mu      sync.Mutex
	records []transcript.Record
}

func (a *archiveRecorder) Submit(rec transcript.Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
}

func (a *archiveRecorder) Records() []transcript.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]transcript.Record(nil), a.records...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HistoryWindow = 4
	cfg.GenerateTimeout = 200 * time.Millisecond
	cfg.SynthesizeTimeout = 200 * time.Millisecond
	cfg.ClosingTimeout = 200 * time.Millisecond
	cfg.CleanupTimeout = time.Second
	cfg.Heartbeat = time.Hour
	cfg.Connect = backoff.Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return cfg
}

type harness struct {
	store     *storage.InMemory
	connector *mediatest.Connector
	gen       *echoGenerator
	archive   *archiveRecorder
	deps      Deps
	cfg       Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     storage.NewInMemory(),
		connector: mediatest.NewConnector(),
		gen:       &echoGenerator{},
		archive:   &archiveRecorder{},
		cfg:       testConfig(),
	}
	h.deps = Deps{
		Store:     h.store,
		Connector: h.connector,
		Generator: h.gen,
		Archive:   h.archive,
	}
	return h
}

func (h *harness) worker(t *testing.T, id string) *Worker {
	t.Helper()
	w := NewWorker(id, bus.NewLocal(), h.deps, h.cfg)
	t.Cleanup(w.Shutdown)
	return w
}

func coach(t *testing.T, id string) core.Persona {
	t.Helper()
	dir, err := persona.LoadDirectory("")
	if err != nil {
		t.Fatalf("coaches: %v", err)
	}
	p, err := dir.Lookup(id)
	if err != nil {
		t.Fatalf("lookup %s: %v", id, err)
	}
	p.CoachID = id
	return p
}

// pendingSession records a pending session and returns its start_agent.
func (h *harness) pendingSession(t *testing.T, id string) core.Notification {
	t.Helper()
	room := "huddle-" + id
	if err := h.store.CreateSession(context.Background(), core.Session{
		ID: id, CoachID: "interview", UserID: "u1", RoomID: room, Status: core.SessionPending, CreatedAt: time.Now().UTC(),
	}, time.Hour); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return core.Notification{
		Type:            core.NotifyStartAgent,
		SessionID:       id,
		CoachID:         "interview",
		UserID:          "u1",
		RoomID:          room,
		RoomURL:         "wss://media.test",
		CoachPersona:    coach(t, "interview"),
		AgentCredential: "token:" + room + ":coach-interview",
		CorrelationID:   "corr-" + id,
		SentAt:          time.Now().UTC(),
	}
}

func encode(t *testing.T, n core.Notification) []byte {
	t.Helper()
	raw, err := bus.Encode(n)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

// start delivers n to w and waits until the instance is listening.
func (h *harness) start(t *testing.T, w *Worker, n core.Notification) (*Instance, *mediatest.Conn) {
	t.Helper()
	if err := w.HandleNotification(context.Background(), encode(t, n)); err != nil {
		t.Fatalf("handle start: %v", err)
	}
	in, ok := w.Instance(n.SessionID)
	if !ok {
		t.Fatalf("worker %s did not take session %s", w.ID(), n.SessionID)
	}
	conn, err := h.connector.Connected(2 * time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "greeting delivered", func() bool { return in.State() == StateListening })
	return in, conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitDone(t *testing.T, in *Instance) {
	t.Helper()
	select {
	case <-in.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("instance %s did not terminate (state %s)", in.SessionID(), in.State())
	}
}

func say(conn *mediatest.Conn, text string) {
	payload, _ := json.Marshal(map[string]string{"type": "user_message", "message": text})
	conn.Handler.OnDataReceived(payload, "user-u1")
}

func endMeeting(conn *mediatest.Conn) {
	conn.Handler.OnDataReceived([]byte(`{"type":"meeting_end"}`), "user-u1")
}

// coachMessages returns the text messages the coach published, in order.
func coachMessages(t *testing.T, conn *mediatest.Conn) []string {
	t.Helper()
	var out []string
	for _, p := range conn.Published() {
		if p.Topic != TopicMessage {
			continue
		}
		var m coachMessage
		if err := json.Unmarshal(p.Payload, &m); err != nil {
			t.Fatalf("decode coach message: %v", err)
		}
		out = append(out, m.Message)
	}
	return out
}

func countRole(turns []core.Turn, role core.Role) int {
	n := 0
	for _, tr := range turns {
		if tr.Role == role {
			n++
		}
	}
	return n
}
