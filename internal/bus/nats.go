package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// NatsBus carries channels as NATS subjects: "conversation:c1" is published
// on "conversation.c1", and pattern "typing:*" subscribes to "typing.>".
type NatsBus struct {
	nc *nats.Conn
}

func NewNatsBus(url, name string) (*NatsBus, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NatsBus{nc: nc}, nil
}

func (b *NatsBus) Publish(_ context.Context, channel string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.nc.Publish(ChannelSubject(channel), data); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (b *NatsBus) Subscribe(ctx context.Context, handler Handler, patterns ...string) error {
	subs := make([]*nats.Subscription, 0, len(patterns))
	unsubscribe := func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}

	for _, p := range patterns {
		sub, err := b.nc.Subscribe(PatternSubject(p), func(m *nats.Msg) {
			var env Envelope
			if err := json.Unmarshal(m.Data, &env); err != nil {
				slog.Warn("dropping malformed envelope", "subject", m.Subject, "error", err)
				return
			}
			handler(SubjectChannel(m.Subject), env)
		})
		if err != nil {
			unsubscribe()
			return fmt.Errorf("subscribe %s: %w", p, err)
		}
		subs = append(subs, sub)
	}

	if err := b.nc.FlushWithContext(ctx); err != nil {
		unsubscribe()
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return nil
}

func (b *NatsBus) Close() error {
	return b.nc.Drain()
}

// ChannelSubject maps a channel name to a subject. Ids never contain dots.
func ChannelSubject(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

// PatternSubject maps a glob pattern to a subject filter. A trailing "*"
// matches any number of tokens, as it does for Redis patterns.
func PatternSubject(pattern string) string {
	subject := ChannelSubject(pattern)
	if base, ok := strings.CutSuffix(subject, ".*"); ok {
		return base + ".>"
	}
	return subject
}

func SubjectChannel(subject string) string {
	return strings.ReplaceAll(subject, ".", ":")
}
