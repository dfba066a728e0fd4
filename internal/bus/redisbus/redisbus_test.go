package redisbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mistakeknot/huddle/internal/bus"
	"github.com/mistakeknot/huddle/internal/core"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	b := New(rdb, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := core.Notification{Type: core.NotifyStopAgent, SessionID: "s1", CorrelationID: "c"}
	if err := b.Publish(ctx, n); !errors.Is(err, bus.ErrNoSubscribers) {
		t.Fatalf("expected ErrNoSubscribers, got %v", err)
	}

	first, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(ctx, n); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i, ch := range []<-chan []byte{first, second} {
		select {
		case raw := <-ch:
			got, err := bus.Decode(raw)
			if err != nil || got.SessionID != "s1" || got.Type != core.NotifyStopAgent {
				t.Fatalf("subscriber %d: %+v %v", i, got, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}
