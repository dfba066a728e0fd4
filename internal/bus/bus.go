// Package bus carries start/stop notifications from the registrar to every
// worker. Delivery is broadcast: ownership is settled by the store claim,
// never by the bus.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mistakeknot/huddle/internal/core"
)

// ErrNoSubscribers is returned by a Publisher that knows nobody received
// the notification.
var ErrNoSubscribers = errors.New("no subscribers")

type Publisher interface {
	Publish(ctx context.Context, n core.Notification) error
}

// Subscriber yields raw notification payloads until ctx ends, then closes
// the channel.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

func Encode(n core.Notification) ([]byte, error) {
	return json.Marshal(n)
}

// Decode parses and validates a notification. Every failure wraps
// core.ErrMalformed.
func Decode(raw []byte) (core.Notification, error) {
	var n core.Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return core.Notification{}, fmt.Errorf("%w: %v", core.ErrMalformed, err)
	}
	if n.SessionID == "" {
		return core.Notification{}, fmt.Errorf("%w: missing session_id", core.ErrMalformed)
	}
	switch n.Type {
	case core.NotifyStartAgent:
		if n.RoomURL == "" || n.RoomID == "" {
			return core.Notification{}, fmt.Errorf("%w: start_agent without room", core.ErrMalformed)
		}
		if n.AgentCredential == "" {
			return core.Notification{}, fmt.Errorf("%w: start_agent without credential", core.ErrMalformed)
		}
		if n.CoachPersona.Name == "" {
			return core.Notification{}, fmt.Errorf("%w: start_agent without persona", core.ErrMalformed)
		}
	case core.NotifyStopAgent:
	default:
		return core.Notification{}, fmt.Errorf("%w: unknown type %q", core.ErrMalformed, n.Type)
	}
	return n, nil
}

// Local is an in-process bus. Slow subscribers drop messages rather than
// block the publisher.
type Local struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func NewLocal() *Local {
	return &Local{subs: make(map[chan []byte]struct{})}
}

func (l *Local) Publish(_ context.Context, n core.Notification) error {
	raw, err := Encode(n)
	if err != nil {
		return err
	}
	return l.PublishRaw(raw)
}

// PublishRaw broadcasts an already-encoded payload.
func (l *Local) PublishRaw(raw []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.subs) == 0 {
		return ErrNoSubscribers
	}
	for ch := range l.subs {
		select {
		case ch <- raw:
		default:
		}
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ch := make(chan []byte, 64)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()
	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs, ch)
		close(ch)
		l.mu.Unlock()
	}()
	return ch, nil
}

// Subscribers reports the current subscriber count.
func (l *Local) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}
