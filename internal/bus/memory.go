package bus

import (
	"context"
	"errors"
	"path"
	"slices"
	"sync"
)

var ErrClosed = errors.New("bus closed")

type delivery struct {
	channel string
	env     Envelope
}

type memorySub struct {
	patterns []string
	handler  Handler
	queue    chan delivery
	done     chan struct{}
}

func (s *memorySub) matches(channel string) bool {
	return slices.ContainsFunc(s.patterns, func(p string) bool {
		ok, _ := path.Match(p, channel)
		return ok
	})
}

// MemoryBus fans out within a single process. Each subscription drains its
// own queue on one goroutine, so per-channel order is kept.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed bool
	size   int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[*memorySub]struct{}),
		size: 1024,
	}
}

// Publish blocks while a subscriber queue is full.
func (b *MemoryBus) Publish(ctx context.Context, channel string, env Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for sub := range b.subs {
		if !sub.matches(channel) {
			continue
		}
		select {
		case sub.queue <- delivery{channel: channel, env: env}:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler, patterns ...string) error {
	sub := &memorySub{
		patterns: patterns,
		handler:  handler,
		queue:    make(chan delivery, b.size),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
		}()
		for {
			select {
			case d := <-sub.queue:
				sub.handler(d.channel, d.env)
			case <-ctx.Done():
				close(sub.done)
				return
			}
		}
	}()

	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
