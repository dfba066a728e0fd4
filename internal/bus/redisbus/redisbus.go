// Package redisbus carries notifications over Redis pub/sub.
package redisbus

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mistakeknot/huddle/internal/bus"
	"github.com/mistakeknot/huddle/internal/core"
)

const DefaultChannel = "agent-notifications"

type Bus struct {
	rdb     goredis.UniversalClient
	channel string
}

func New(rdb goredis.UniversalClient, channel string) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Bus{rdb: rdb, channel: channel}
}

// Publish returns bus.ErrNoSubscribers when no worker was listening.
func (b *Bus) Publish(ctx context.Context, n core.Notification) error {
	raw, err := bus.Encode(n)
	if err != nil {
		return err
	}
	receivers, err := b.rdb.Publish(ctx, b.channel, raw).Result()
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if receivers == 0 {
		return bus.ErrNoSubscribers
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ps := b.rdb.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
