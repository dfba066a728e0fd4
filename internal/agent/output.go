package agent

import (
	"context"
	"encoding/json"
	"time"
)

// Data topics the coach publishes on.
const (
	TopicMessage = "coach-message"
	TopicAudio   = "coach-audio"

	audioChunkSize = 10 << 10
)

type coachMessage struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// coachAudio is one chunk of an MP3 reply. Data is base64 on the wire.
type coachAudio struct {
	Type   string `json:"type"`
	Seq    int    `json:"seq"`
	Last   bool   `json:"last"`
	Format string `json:"format"`
	Data   []byte `json:"data"`
}

// deliver speaks text when synthesis works and sends it as a text message
// otherwise, so the participant never gets silence.
func (in *Instance) deliver(ctx context.Context, text string) {
	if in.deps.Synthesizer != nil {
		sctx, cancel := context.WithTimeout(ctx, in.cfg.SynthesizeTimeout)
		audio, err := in.deps.Synthesizer.Synthesize(sctx, text, in.n.CoachPersona.Voice)
		cancel()
		if err == nil {
			if err = in.publishAudio(ctx, audio); err == nil {
				return
			}
		}
		in.logger.Warn("speech unavailable, sending text", "error", err)
	}
	if err := in.publishText(ctx, text); err != nil {
		in.logger.Warn("coach message not delivered", "error", err)
	}
}

func (in *Instance) publishText(ctx context.Context, text string) error {
	msg, err := json.Marshal(coachMessage{Type: "coach_message", Message: text, Timestamp: in.deps.Now().UTC()})
	if err != nil {
		return err
	}
	return in.conn.PublishData(ctx, TopicMessage, msg)
}

func (in *Instance) publishAudio(ctx context.Context, audio []byte) error {
	for seq, off := 0, 0; off < len(audio); seq++ {
		end := min(off+audioChunkSize, len(audio))
		msg, err := json.Marshal(coachAudio{
			Type:   "coach_audio",
			Seq:    seq,
			Last:   end == len(audio),
			Format: "mp3",
			Data:   audio[off:end],
		})
		if err != nil {
			return err
		}
		if err := in.conn.PublishData(ctx, TopicAudio, msg); err != nil {
			return err
		}
		off = end
	}
	return nil
}
