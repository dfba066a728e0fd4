// Package tts synthesizes coach speech with ElevenLabs.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mistakeknot/huddle/internal/core"
)

var (
	ErrQuotaExceeded = errors.New("speech synthesis quota exceeded")
	ErrTimeout       = errors.New("speech synthesis timed out")
	ErrInvalidVoice  = errors.New("speech synthesis voice invalid")
)

const (
	DefaultBaseURL = "https://api.elevenlabs.io"
	DefaultModel   = "eleven_turbo_v2_5"
	// DefaultVoice is used when a persona has no voice configured.
	DefaultVoice = "21m00Tcm4TlvDq8ikWAM"

	maxAudioBytes = 8 << 20
)

type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice core.VoiceConfig) ([]byte, error)
}

type ElevenLabs struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

type Option func(*ElevenLabs)

func WithBaseURL(u string) Option          { return func(e *ElevenLabs) { e.baseURL = strings.TrimRight(u, "/") } }
func WithHTTPClient(c *http.Client) Option { return func(e *ElevenLabs) { e.http = c } }

func NewElevenLabs(apiKey, model string, opts ...Option) *ElevenLabs {
	if model == "" {
		model = DefaultModel
	}
	e := &ElevenLabs{apiKey: apiKey, model: model, baseURL: DefaultBaseURL, http: http.DefaultClient}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

type synthesisRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// Synthesize returns MP3 audio for text.
func (e *ElevenLabs) Synthesize(ctx context.Context, text string, voice core.VoiceConfig) ([]byte, error) {
	voiceID := voice.VoiceID
	if voiceID == "" {
		voiceID = DefaultVoice
	}
	model := voice.ModelID
	if model == "" {
		model = e.model
	}
	body, err := json.Marshal(synthesisRequest{
		Text:    text,
		ModelID: model,
		VoiceSettings: voiceSettings{
			Stability:       orDefault(voice.Stability, 0.5),
			SimilarityBoost: orDefault(voice.Clarity, 0.75),
			Style:           voice.Style,
			UseSpeakerBoost: voice.SpeakerBoost,
		},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/text-to-speech/"+voiceID, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := e.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fault(fmt.Errorf("%w: %v", ErrTimeout, err))
		}
		return nil, fault(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fault(statusError(resp.StatusCode, strings.TrimSpace(string(detail))))
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fault(fmt.Errorf("%w: %v", ErrTimeout, err))
		}
		return nil, fault(err)
	}
	if len(audio) == 0 {
		return nil, fault(errors.New("empty audio"))
	}
	return audio, nil
}

func statusError(code int, detail string) error {
	switch {
	case code == http.StatusTooManyRequests || code == http.StatusPaymentRequired:
		return fmt.Errorf("%w: status %d: %s", ErrQuotaExceeded, code, detail)
	case code == http.StatusUnauthorized && strings.Contains(detail, "quota"):
		return fmt.Errorf("%w: status %d: %s", ErrQuotaExceeded, code, detail)
	case code == http.StatusNotFound || code == http.StatusUnprocessableEntity || code == http.StatusBadRequest:
		return fmt.Errorf("%w: status %d: %s", ErrInvalidVoice, code, detail)
	case code == http.StatusGatewayTimeout || code == http.StatusRequestTimeout:
		return fmt.Errorf("%w: status %d", ErrTimeout, code)
	}
	return fmt.Errorf("elevenlabs: status %d: %s", code, detail)
}

func fault(err error) error {
	return core.NewFault(core.KindTransientExternal, "synthesize", err)
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
