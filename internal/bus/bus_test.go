package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	channel string
	env     Envelope
}

type collector struct {
	mu  sync.Mutex
	got []received
}

func (c *collector) handle(channel string, env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, received{channel, env})
}

func (c *collector) snapshot() []received {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]received(nil), c.got...)
}

func (c *collector) waitFor(t *testing.T, n int) []received {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.snapshot()) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return c.snapshot()
}

type busCase struct {
	name  string
	build func(t *testing.T) Bus
}

func buses() []busCase {
	return []busCase{
		{"memory", func(t *testing.T) Bus {
			b := NewMemoryBus()
			t.Cleanup(func() { _ = b.Close() })
			return b
		}},
		{"redis", func(t *testing.T) Bus {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return NewRedisBus(rdb)
		}},
	}
}

func TestBusDelivery(t *testing.T) {
	for _, bc := range buses() {
		t.Run(bc.name+"/pattern routing", func(t *testing.T) {
			b := bc.build(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var convs, typing collector
			require.NoError(t, b.Subscribe(ctx, convs.handle, "conversation:*"))
			require.NoError(t, b.Subscribe(ctx, typing.handle, "typing:*"))

			require.NoError(t, Publish(ctx, b, ConversationChannel("c1"), "new_message", map[string]string{"id": "m1"}))
			require.NoError(t, Publish(ctx, b, TypingChannel("conversation", "c1"), "typing", map[string]string{"userId": "alice"}))
			require.NoError(t, Publish(ctx, b, RoomChannel("lobby"), "new_message", map[string]string{"id": "m2"}))

			got := convs.waitFor(t, 1)
			assert.Equal(t, "conversation:c1", got[0].channel)
			assert.Equal(t, "new_message", got[0].env.Type)

			var payload map[string]string
			require.NoError(t, got[0].env.Decode(&payload))
			assert.Equal(t, "m1", payload["id"])

			gotTyping := typing.waitFor(t, 1)
			assert.Equal(t, "typing:conversation:c1", gotTyping[0].channel)

			// Nobody listens on room:*.
			time.Sleep(20 * time.Millisecond)
			assert.Len(t, convs.snapshot(), 1)
			assert.Len(t, typing.snapshot(), 1)
		})

		t.Run(bc.name+"/per channel order", func(t *testing.T) {
			b := bc.build(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var c collector
			require.NoError(t, b.Subscribe(ctx, c.handle, GatewayPatterns...))

			for i := 0; i < 50; i++ {
				require.NoError(t, Publish(ctx, b, ConversationChannel("c1"), "new_message", map[string]int{"n": i}))
			}

			got := c.waitFor(t, 50)
			for i, r := range got {
				var payload map[string]int
				require.NoError(t, r.env.Decode(&payload))
				assert.Equal(t, i, payload["n"], fmt.Sprintf("position %d", i))
			}
		})

		t.Run(bc.name+"/every subscriber receives", func(t *testing.T) {
			b := bc.build(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var first, second collector
			require.NoError(t, b.Subscribe(ctx, first.handle, "presence:*"))
			require.NoError(t, b.Subscribe(ctx, second.handle, "presence:*"))

			require.NoError(t, Publish(ctx, b, PresenceOnlineChannel, "online", map[string]string{"userId": "alice"}))

			first.waitFor(t, 1)
			second.waitFor(t, 1)
		})
	}
}

func TestMemoryBusStopsOnCancel(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())

	var c collector
	require.NoError(t, b.Subscribe(ctx, c.handle, "user:*"))
	cancel()

	require.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return len(b.subs) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, Publish(context.Background(), b, UserChannel("alice"), "notification", struct{}{}))
	assert.Empty(t, c.snapshot())

	require.NoError(t, b.Close())
	assert.ErrorIs(t, Publish(context.Background(), b, UserChannel("alice"), "notification", struct{}{}), ErrClosed)
}

func TestSubjectMapping(t *testing.T) {
	assert.Equal(t, "conversation.c1", ChannelSubject("conversation:c1"))
	assert.Equal(t, "presence.online", ChannelSubject(PresenceOnlineChannel))
	assert.Equal(t, "typing.>", PatternSubject("typing:*"))
	assert.Equal(t, "presence.online", PatternSubject("presence:online"))
	assert.Equal(t, "typing:room:lobby", SubjectChannel("typing.room.lobby"))
}

func TestParseTypingChannel(t *testing.T) {
	scope, id, ok := ParseTypingChannel("typing:room:lobby")
	require.True(t, ok)
	assert.Equal(t, "room", scope)
	assert.Equal(t, "lobby", id)

	for _, bad := range []string{"typing:room", "conversation:c1", "typing::c1", "typing:room:"} {
		_, _, ok := ParseTypingChannel(bad)
		assert.False(t, ok, bad)
	}
}
