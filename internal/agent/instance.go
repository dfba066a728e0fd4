package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mistakeknot/huddle/internal/backoff"
	"github.com/mistakeknot/huddle/internal/core"
	"github.com/mistakeknot/huddle/internal/lifecycle"
	"github.com/mistakeknot/huddle/internal/llm"
	"github.com/mistakeknot/huddle/internal/media"
	"github.com/mistakeknot/huddle/internal/persona"
	"github.com/mistakeknot/huddle/internal/transcribe"
	"github.com/mistakeknot/huddle/internal/transcript"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateListening  State = "listening"
	StateResponding State = "responding"
	StateEnding     State = "ending"
	StateTerminated State = "terminated"
)

// Active reports whether the session is in conversation.
func (s State) Active() bool {
	return s == StateListening || s == StateResponding
}

type eventKind int

const (
	evTranscript eventKind = iota
	evData
	evTrack
	evJoined
	evLeft
	evDisconnected
	evReply
	evReplyDone
)

type event struct {
	kind        eventKind
	text        string
	final       bool
	payload     []byte
	participant string
	track       media.Track
}

const eventBuffer = 64

// Instance is the state machine of one session on its owning worker. Room
// callbacks, transcription results and reply progress all arrive as events
// on one channel and are handled by the Run goroutine in order. At most one
// reply is in flight; utterances that arrive meanwhile wait in a queue.
type Instance struct {
	n        core.Notification
	workerID string
	deps     Deps
	cfg      Config
	logger   *slog.Logger

	events   chan event
	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	state State
	turns []core.Turn

	// Owned by the Run goroutine.
	runCtx       context.Context
	conn         media.Conn
	connLost     bool
	inflight     context.CancelFunc
	queue        []string
	transcribing map[string]bool
}

func newInstance(n core.Notification, workerID string, deps Deps, cfg Config) *Instance {
	deps = deps.withDefaults()
	return &Instance{
		n:            n,
		workerID:     workerID,
		deps:         deps,
		cfg:          cfg,
		logger:       deps.Logger.With("session_id", n.SessionID, "worker_id", workerID, "room_id", n.RoomID),
		events:       make(chan event, eventBuffer),
		stopping:     make(chan struct{}),
		done:         make(chan struct{}),
		state:        StateIdle,
		transcribing: make(map[string]bool),
	}
}

func (in *Instance) SessionID() string { return in.n.SessionID }

func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Turns returns a copy of the transcript so far.
func (in *Instance) Turns() []core.Turn {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]core.Turn(nil), in.turns...)
}

// Done is closed once the instance is terminated.
func (in *Instance) Done() <-chan struct{} { return in.done }

// Stop asks the instance to end the session. Repeated calls, and calls after
// termination, do nothing.
func (in *Instance) Stop() {
	in.stopOnce.Do(func() { close(in.stopping) })
}

func (in *Instance) setState(s State) {
	in.mu.Lock()
	prev := in.state
	in.state = s
	in.mu.Unlock()
	if prev != s {
		in.logger.Debug("agent state", "state", s, "from", prev)
	}
}

func (in *Instance) appendTurn(role core.Role, content string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.turns = append(in.turns, core.Turn{Role: role, Content: content, Timestamp: in.deps.Now().UTC()})
}

func (in *Instance) post(ev event) {
	select {
	case in.events <- ev:
	case <-in.done:
	}
}

// Room callbacks. They only enqueue; all handling happens in Run.

func (in *Instance) OnDisconnected(reason string) {
	in.post(event{kind: evDisconnected, text: reason})
}

func (in *Instance) OnParticipantJoined(identity string) {
	in.post(event{kind: evJoined, participant: identity})
}

func (in *Instance) OnParticipantLeft(identity string) {
	in.post(event{kind: evLeft, participant: identity})
}

func (in *Instance) OnTrackSubscribed(track media.Track, participant string) {
	in.post(event{kind: evTrack, track: track, participant: participant})
}

func (in *Instance) OnDataReceived(payload []byte, participant string) {
	in.post(event{kind: evData, payload: append([]byte(nil), payload...), participant: participant})
}

// Run drives the session from Connecting to Terminated. Only Stop or a
// session event ends it; ctx must outlive the session so cleanup can reach
// the store.
func (in *Instance) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	in.runCtx = runCtx
	defer in.finish()

	if !in.connect(runCtx) {
		return
	}
	if !in.activate(runCtx) {
		return
	}

	heartbeat := time.NewTicker(in.cfg.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case ev := <-in.events:
			if endedBy := in.dispatch(runCtx, ev); endedBy != "" {
				in.end(runCtx, endedBy)
				return
			}
		case <-heartbeat.C:
			if !in.heartbeat(runCtx) {
				in.abandon("agent record lost")
				return
			}
		case <-in.stopping:
			in.end(runCtx, lifecycle.EndedByStop)
			return
		}
	}
}

// dispatch hands an event to its handler. A non-empty result ends the
// session with that reason.
func (in *Instance) dispatch(ctx context.Context, ev event) string {
	switch ev.kind {
	case evTranscript:
		return in.onTranscript(ev)
	case evData:
		return in.onData(ev)
	case evTrack:
		return in.onTrack(ev)
	case evJoined:
		return in.onJoined(ev)
	case evLeft:
		return in.onLeft(ev)
	case evDisconnected:
		return in.onDisconnected(ev)
	case evReply:
		return in.onReply(ctx, ev)
	case evReplyDone:
		return in.onReplyDone()
	}
	return ""
}

func (in *Instance) connect(ctx context.Context) bool {
	in.setState(StateConnecting)
	if _, err := in.deps.Store.UpdateAgent(ctx, in.n.SessionID, in.workerID, core.AgentConnecting, in.cfg.ClaimTTL); err != nil {
		in.logger.Warn("claim lost before connecting", "error", err)
		return false
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-in.stopping:
			cancel()
		case <-cctx.Done():
		}
	}()

	attempts := 0
	err := backoff.Do(cctx, in.cfg.Connect, func(c context.Context) error {
		attempts++
		conn, err := in.deps.Connector.Connect(c, in.n.RoomURL, in.n.AgentCredential, in)
		if err != nil {
			in.logger.Warn("room connect failed", "attempt", attempts, "error", err)
			return err
		}
		in.conn = conn
		return nil
	}, nil)
	if err == nil {
		return true
	}

	res := lifecycle.Result{Status: core.SessionFailed, EndedBy: lifecycle.EndedByConnectError}
	if cctx.Err() != nil && ctx.Err() == nil {
		res.EndedBy = lifecycle.EndedByStop
	}
	fault := core.NewFault(core.KindConnection, "connect", err)
	in.logger.Error("giving up on room", "attempts", attempts, "policy", core.PolicyFor(core.KindConnection), "error", fault)
	in.setState(StateEnding)
	in.release(ctx, res)
	return false
}

// activate marks the session active, then greets the participant.
func (in *Instance) activate(ctx context.Context) bool {
	if _, err := in.deps.Store.TransitionSession(ctx, in.n.SessionID, core.SessionActive); err != nil {
		if errors.Is(err, core.ErrInvalidTransition) || errors.Is(err, core.ErrNotFound) {
			in.logger.Info("session finished while connecting", "error", err)
			in.end(ctx, lifecycle.EndedByStop)
			return false
		}
		in.logger.Warn("session not marked active", "error", err)
	}
	if _, err := in.deps.Store.UpdateAgent(ctx, in.n.SessionID, in.workerID, core.AgentActive, in.cfg.ClaimTTL); err != nil {
		if errors.Is(err, core.ErrNotOwner) || errors.Is(err, core.ErrNotFound) {
			in.abandon("agent record lost")
			return false
		}
		in.logger.Warn("agent not marked active", "error", err)
	}
	in.setState(StateListening)
	in.logger.Info("agent active", "coach_id", in.n.CoachID, "correlation_id", in.n.CorrelationID)

	greeting := persona.Greeting(in.n.CoachPersona)
	in.appendTurn(core.RoleAssistant, greeting)
	in.persist(ctx)
	in.launch(func(c context.Context) { in.deliver(c, greeting) })
	return true
}

func (in *Instance) onTranscript(ev event) string {
	if !ev.final {
		return ""
	}
	return in.onUtterance(ev.text)
}

func (in *Instance) onUtterance(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if in.inflight != nil {
		in.queue = append(in.queue, text)
		return ""
	}
	in.startTurn(text)
	return ""
}

// participantMessage is a data message sent by the participant.
type participantMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (in *Instance) onData(ev event) string {
	var msg participantMessage
	if err := json.Unmarshal(ev.payload, &msg); err != nil {
		in.dropMalformed(ev.participant, err)
		return ""
	}
	switch msg.Type {
	case "user_message":
		return in.onUtterance(msg.Message)
	case "meeting_end":
		return lifecycle.EndedByParticipant
	}
	in.dropMalformed(ev.participant, fmt.Errorf("unknown data message type %q", msg.Type))
	return ""
}

func (in *Instance) dropMalformed(participant string, err error) {
	fault := core.NewFault(core.KindMalformed, "data message", err)
	in.logger.Warn("data message dropped", "participant", participant, "policy", core.PolicyFor(core.KindMalformed), "error", fault)
}

func (in *Instance) onTrack(ev event) string {
	if ev.track == nil || ev.track.Kind() != media.TrackAudio || !strings.HasPrefix(ev.participant, media.UserIdentityPrefix) {
		return ""
	}
	if in.deps.Transcriber == nil {
		in.logger.Warn("no transcriber configured, audio ignored", "participant", ev.participant)
		return ""
	}
	if in.transcribing[ev.participant] {
		return ""
	}
	in.transcribing[ev.participant] = true
	ctx := in.runCtx
	go func() {
		err := in.deps.Transcriber.Stream(ctx, ev.track, func(r transcribe.Result) {
			in.post(event{kind: evTranscript, text: r.Text, final: r.Final})
		})
		if err != nil && ctx.Err() == nil {
			in.logger.Warn("transcription stopped", "participant", ev.participant, "error", err)
		}
	}()
	return ""
}

func (in *Instance) onJoined(ev event) string {
	in.logger.Info("participant joined", "participant", ev.participant)
	return ""
}

func (in *Instance) onLeft(ev event) string {
	if strings.HasPrefix(ev.participant, media.UserIdentityPrefix) {
		return lifecycle.EndedByParticipant
	}
	return ""
}

func (in *Instance) onDisconnected(ev event) string {
	in.connLost = true
	in.logger.Info("disconnected from room", "reason", ev.text)
	return lifecycle.EndedByDisconnect
}

// startTurn records the user turn and launches the reply with a prompt
// bounded to the history window.
func (in *Instance) startTurn(text string) {
	history := core.LastTurns(in.Turns(), in.cfg.HistoryWindow)
	in.appendTurn(core.RoleUser, text)
	req := llm.Request{
		SystemPrompt: persona.SystemPrompt(in.n.CoachPersona),
		History:      history,
		NewTurn:      text,
		MaxTokens:    in.cfg.MaxTokens,
	}
	in.launch(func(ctx context.Context) {
		reply := in.generate(ctx, req)
		in.post(event{kind: evReply, text: reply})
		in.deliver(ctx, reply)
	})
}

func (in *Instance) launch(fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(in.runCtx)
	in.inflight = cancel
	in.setState(StateResponding)
	go func() {
		defer in.post(event{kind: evReplyDone})
		fn(ctx)
	}()
}

func (in *Instance) onReply(ctx context.Context, ev event) string {
	in.appendTurn(core.RoleAssistant, ev.text)
	in.persist(ctx)
	return ""
}

func (in *Instance) onReplyDone() string {
	if in.inflight != nil {
		in.inflight()
		in.inflight = nil
	}
	in.setState(StateListening)
	if len(in.queue) > 0 {
		next := in.queue[0]
		in.queue = in.queue[1:]
		in.startTurn(next)
	}
	return ""
}

// generate returns the model's reply, or the fallback reply on any failure.
func (in *Instance) generate(ctx context.Context, req llm.Request) string {
	gctx, cancel := context.WithTimeout(ctx, in.cfg.GenerateTimeout)
	defer cancel()
	text, err := in.deps.Generator.Generate(gctx, req)
	if err == nil && strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text)
	}
	if err == nil {
		err = llm.ErrInvalidResponse
	}
	if core.KindOf(err) == core.KindInternal {
		err = core.NewFault(core.KindTransientExternal, "generate", err)
	}
	in.logger.Warn("text generation failed, using fallback", "policy", core.PolicyFor(core.KindOf(err)), "error", err)
	return persona.FallbackReply
}

func (in *Instance) persist(ctx context.Context) {
	window := core.LastTurns(in.Turns(), in.cfg.HotWindow)
	if err := in.deps.Store.SaveConversation(ctx, in.n.SessionID, window, in.cfg.ConversationTTL); err != nil {
		in.logger.Warn("conversation not saved", "error", err)
	}
}

func (in *Instance) heartbeat(ctx context.Context) bool {
	_, err := in.deps.Store.UpdateAgent(ctx, in.n.SessionID, in.workerID, core.AgentActive, in.cfg.ClaimTTL)
	switch {
	case err == nil:
		return true
	case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrNotOwner):
		return false
	}
	in.logger.Warn("heartbeat failed", "error", err)
	return true
}

// end runs the Ending state: wait briefly for an in-flight reply, say
// goodbye, archive, then clean up shared state.
func (in *Instance) end(ctx context.Context, endedBy string) {
	in.setState(StateEnding)
	base := context.WithoutCancel(ctx)
	if _, err := in.deps.Store.UpdateAgent(base, in.n.SessionID, in.workerID, core.AgentEnding, in.cfg.ClaimTTL); err != nil {
		in.logger.Debug("agent not marked ending", "error", err)
	}
	in.drainInflight()
	if len(in.queue) > 0 {
		in.logger.Info("discarding queued utterances", "count", len(in.queue))
		in.queue = nil
	}

	if in.conn != nil && !in.connLost {
		cctx, cancel := context.WithTimeout(base, in.cfg.ClosingTimeout)
		in.deliver(cctx, persona.Farewell)
		cancel()
	}

	turns := in.Turns()
	if in.deps.Archive != nil && len(turns) > 0 {
		in.deps.Archive.Submit(transcript.Record{
			SessionID: in.n.SessionID,
			UserID:    in.n.UserID,
			CoachID:   in.n.CoachID,
			Turns:     turns,
		})
	}
	in.release(base, lifecycle.Result{Status: core.SessionEnded, EndedBy: endedBy, Turns: turns})
	in.logger.Info("session ended", "ended_by", endedBy, "turns", len(turns))
}

// drainInflight waits up to the closing timeout for the current reply, then
// cancels it.
func (in *Instance) drainInflight() {
	if in.inflight == nil {
		return
	}
	timer := time.NewTimer(in.cfg.ClosingTimeout)
	defer timer.Stop()
	for in.inflight != nil {
		select {
		case ev := <-in.events:
			switch ev.kind {
			case evReply:
				in.appendTurn(core.RoleAssistant, ev.text)
			case evReplyDone:
				in.inflight()
				in.inflight = nil
			}
		case <-timer.C:
			in.inflight()
			in.inflight = nil
		}
	}
}

func (in *Instance) release(ctx context.Context, res lifecycle.Result) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), in.cfg.CleanupTimeout)
	defer cancel()
	if err := in.deps.Cleaner.Cleanup(cctx, in.n.SessionID, res); err != nil {
		in.logger.Error("cleanup failed", "error", err)
	}
}

// abandon leaves the room without touching shared state, which now belongs
// to someone else or is already cleaned up.
func (in *Instance) abandon(reason string) {
	in.logger.Warn("abandoning session", "reason", reason)
}

func (in *Instance) finish() {
	if in.inflight != nil {
		in.inflight()
		in.inflight = nil
	}
	in.setState(StateTerminated)
	close(in.done)
	if in.conn != nil {
		in.conn.Disconnect()
	}
}
