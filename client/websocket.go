package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"nhooyr.io/websocket"

	"github.com/mistakeknot/huddle/internal/backoff"
)

// Subscriber receives the registrar's notification feed over a websocket and
// reconnects with backoff when the connection drops.
type Subscriber struct {
	baseURL  string
	workerID string
	apiKey   string
	retry    backoff.Config
	logger   *slog.Logger
}

type SubscriberOption func(*Subscriber)

func WithSubscriberAPIKey(key string) SubscriberOption {
	return func(s *Subscriber) { s.apiKey = key }
}

func WithSubscriberLogger(l *slog.Logger) SubscriberOption {
	return func(s *Subscriber) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithReconnectBackoff(cfg backoff.Config) SubscriberOption {
	return func(s *Subscriber) { s.retry = cfg }
}

func NewSubscriber(baseURL, workerID string, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		baseURL:  baseURL,
		workerID: workerID,
		retry:    backoff.Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second, JitterPct: 0.2},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe dials once and fails if that first dial fails. Afterwards the
// feed survives disconnects until ctx ends.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan []byte, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan []byte, 64)
	go s.readLoop(ctx, conn, out)
	return out, nil
}

func (s *Subscriber) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := s.buildWSURL()
	if err != nil {
		return nil, fmt.Errorf("build websocket url: %w", err)
	}
	opts := &websocket.DialOptions{}
	if s.apiKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + s.apiKey}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

func (s *Subscriber) buildWSURL() (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/workers/" + url.PathEscape(s.workerID)
	return u.String(), nil
}

func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- []byte) {
	defer close(out)
	for {
		_, data, err := conn.Read(ctx)
		if err == nil {
			select {
			case out <- data:
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "worker stopping")
				return
			}
			continue
		}
		conn.Close(websocket.StatusGoingAway, "read error")
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("notification feed lost", "worker_id", s.workerID, "error", err)
		conn = s.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

func (s *Subscriber) reconnect(ctx context.Context) *websocket.Conn {
	for attempt := 1; ; attempt++ {
		if err := backoff.Sleep(ctx, s.retry.Delay(attempt)); err != nil {
			return nil
		}
		conn, err := s.dial(ctx)
		if err == nil {
			s.logger.Info("notification feed restored", "worker_id", s.workerID, "attempts", attempt)
			return conn
		}
	}
}
