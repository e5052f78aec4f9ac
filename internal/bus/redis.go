package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisBus is the cross-instance bus on Redis PUBLISH / PSUBSCRIBE.
// Channel names are not prefixed, pub/sub lives outside the key space.
type RedisBus struct {
	rdb redis.UniversalClient
}

func NewRedisBus(rdb redis.UniversalClient) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, handler Handler, patterns ...string) error {
	ps := b.rdb.PSubscribe(ctx, patterns...)

	// Wait for the confirmation so publishes issued after Subscribe returns
	// are never missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("psubscribe %v: %w", patterns, err)
	}

	ch := ps.Channel()
	go func() {
		defer func() { _ = ps.Close() }()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					slog.Warn("dropping malformed envelope", "channel", msg.Channel, "error", err)
					continue
				}
				handler(msg.Channel, env)
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Close is a no-op, the client is owned by the caller.
func (b *RedisBus) Close() error {
	return nil
}
