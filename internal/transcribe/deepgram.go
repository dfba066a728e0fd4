// Package transcribe streams participant audio to Deepgram and reports
// interim and finalized utterances.
package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"nhooyr.io/websocket"

	"github.com/mistakeknot/huddle/internal/media"
)

const (
	DefaultEndpoint = "wss://api.deepgram.com/v1/listen"
	DefaultModel    = "nova-2"

	keepAliveInterval = 5 * time.Second
	flushTimeout      = 3 * time.Second
	readLimit         = 1 << 20
)

// ErrUnsupportedCodec is returned for tracks that are not Opus audio.
var ErrUnsupportedCodec = errors.New("transcribe: unsupported codec")

// Result is one transcription event. Only Final results carry a complete
// utterance.
type Result struct {
	Text  string
	Final bool
}

type Deepgram struct {
	apiKey   string
	endpoint string
	model    string
	logger   *slog.Logger
}

type Option func(*Deepgram)

func WithEndpoint(u string) Option { return func(d *Deepgram) { d.endpoint = u } }
func WithModel(m string) Option    { return func(d *Deepgram) { d.model = m } }

func WithLogger(l *slog.Logger) Option {
	return func(d *Deepgram) {
		if l != nil {
			d.logger = l
		}
	}
}

func NewDeepgram(apiKey string, opts ...Option) *Deepgram {
	d := &Deepgram{apiKey: apiKey, endpoint: DefaultEndpoint, model: DefaultModel, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Deepgram) listenURL() string {
	q := url.Values{}
	q.Set("model", d.model)
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("endpointing", "300")
	q.Set("utterance_end_ms", "1000")
	return d.endpoint + "?" + q.Encode()
}

// Stream sends track to Deepgram as Ogg/Opus until the track ends or ctx is
// cancelled, calling emit for every result. emit is called from a single
// goroutine.
func (d *Deepgram) Stream(ctx context.Context, track media.Track, emit func(Result)) error {
	if track.Kind() != media.TrackAudio || !strings.EqualFold(track.MimeType(), webrtc.MimeTypeOpus) {
		return fmt.Errorf("%w: %s", ErrUnsupportedCodec, track.MimeType())
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, d.listenURL(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Token " + d.apiKey}},
	})
	if err != nil {
		return fmt.Errorf("deepgram dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(readLimit)

	readDone := make(chan error, 1)
	go func() { readDone <- d.readResults(ctx, conn, emit) }()
	go d.keepAlive(ctx, conn)

	if err := d.pump(ctx, conn, track); err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return nil
	}
	select {
	case err := <-readDone:
		return err
	case <-ctx.Done():
		return nil
	case <-time.After(flushTimeout):
		return nil
	}
}

// pump copies RTP packets into an Ogg stream whose pages become binary
// websocket frames.
func (d *Deepgram) pump(ctx context.Context, conn *websocket.Conn, track media.Track) error {
	ogg, err := oggwriter.NewWith(frameWriter{ctx: ctx, conn: conn}, 48000, 2)
	if err != nil {
		return fmt.Errorf("ogg writer: %w", err)
	}
	defer ogg.Close()
	for {
		pkt, err := track.ReadRTP()
		if err != nil {
			// Track ended.
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := ogg.WriteRTP(pkt); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("deepgram send: %w", err)
		}
	}
}

func (d *Deepgram) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		}
	}
}

type listenMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (m listenMessage) transcript() string {
	if len(m.Channel.Alternatives) == 0 {
		return ""
	}
	return strings.TrimSpace(m.Channel.Alternatives[0].Transcript)
}

// readResults joins finalized segments until Deepgram marks the end of
// speech, then emits them as one Final result.
func (d *Deepgram) readResults(ctx context.Context, conn *websocket.Conn, emit func(Result)) error {
	var segments []string
	flush := func() {
		if len(segments) == 0 {
			return
		}
		emit(Result{Text: strings.Join(segments, " "), Final: true})
		segments = nil
	}
	defer flush()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("deepgram read: %w", err)
		}
		var msg listenMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			d.logger.Warn("deepgram message dropped", "error", err)
			continue
		}
		switch msg.Type {
		case "Results":
			text := msg.transcript()
			if !msg.IsFinal {
				if text != "" {
					emit(Result{Text: text})
				}
				continue
			}
			if text != "" {
				segments = append(segments, text)
			}
			if msg.SpeechFinal {
				flush()
			}
		case "UtteranceEnd":
			flush()
		}
	}
}

type frameWriter struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (w frameWriter) Write(p []byte) (int, error) {
	if err := w.conn.Write(w.ctx, websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
