// Package agent runs coaching sessions on a worker: the claim protocol that
// decides which worker owns a session, and the per-session state machine.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/mistakeknot/huddle/internal/backoff"
	"github.com/mistakeknot/huddle/internal/lifecycle"
	"github.com/mistakeknot/huddle/internal/llm"
	"github.com/mistakeknot/huddle/internal/media"
	"github.com/mistakeknot/huddle/internal/storage"
	"github.com/mistakeknot/huddle/internal/transcribe"
	"github.com/mistakeknot/huddle/internal/transcript"
	"github.com/mistakeknot/huddle/internal/tts"
)

type Config struct {
	// HistoryWindow is the number of prior turns sent with each prompt.
	HistoryWindow int
	// HotWindow is the number of turns kept in the shared store.
	HotWindow int
	MaxTokens int

	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration
	ClosingTimeout    time.Duration
	CleanupTimeout    time.Duration
	Connect           backoff.Config

	ClaimTTL        time.Duration
	Heartbeat       time.Duration
	ConversationTTL time.Duration

	DedupSize int
	DedupTTL  time.Duration
}

func DefaultConfig() Config {
	return Config{
		HistoryWindow:     6,
		HotWindow:         20,
		MaxTokens:         800,
		GenerateTimeout:   20 * time.Second,
		SynthesizeTimeout: 15 * time.Second,
		ClosingTimeout:    3 * time.Second,
		CleanupTimeout:    10 * time.Second,
		Connect: backoff.Config{
			MaxRetries: 3,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   5 * time.Second,
			JitterPct:  0.2,
		},
		ClaimTTL:        60 * time.Second,
		Heartbeat:       20 * time.Second,
		ConversationTTL: 10 * time.Hour,
		DedupSize:       1024,
		DedupTTL:        10 * time.Minute,
	}
}

// Transcriber turns an audio track into utterances.
type Transcriber interface {
	Stream(ctx context.Context, track media.Track, emit func(transcribe.Result)) error
}

// Archiver receives the full transcript of a finished session.
type Archiver interface {
	Submit(rec transcript.Record)
}

// Deps are the collaborators an agent instance uses. Transcriber,
// Synthesizer and Archive are optional.
type Deps struct {
	Store       storage.Store
	Connector   media.Connector
	Transcriber Transcriber
	Generator   llm.Generator
	Synthesizer tts.Synthesizer
	Cleaner     *lifecycle.Cleaner
	Archive     Archiver
	Logger      *slog.Logger
	Now         func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Cleaner == nil && d.Store != nil {
		d.Cleaner = lifecycle.NewCleaner(d.Store, d.Logger)
	}
	return d
}
