package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/bus"
	"parley/internal/models"
)

type published struct {
	channel string
	env     bus.Envelope
}

type recorder struct {
	mu  sync.Mutex
	got []published
}

func (r *recorder) Publish(_ context.Context, channel string, env bus.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, published{channel, env})
	return nil
}

func (r *recorder) all() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.got...)
}

func TestTrackerPublishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	tr := NewTracker(NewMemoryStore(ctx, DefaultTTL), rec, DefaultTTL)

	require.NoError(t, tr.StartTyping(ctx, models.ScopeConversation, "c1", "alice"))
	require.NoError(t, tr.StopTyping(ctx, models.ScopeConversation, "c1", "alice"))

	got := rec.all()
	require.Len(t, got, 2)

	assert.Equal(t, "typing:conversation:c1", got[0].channel)
	assert.Equal(t, models.EnvelopeTyping, got[0].env.Type)
	var payload models.TypingPayload
	require.NoError(t, got[0].env.Decode(&payload))
	assert.Equal(t, models.TypingPayload{UserID: "alice", ConversationID: "c1", ConversationType: "conversation"}, payload)

	assert.Equal(t, models.EnvelopeStopTyping, got[1].env.Type)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(ctx, DefaultTTL)
	store.now = func() time.Time { return now }
	tr := NewTracker(store, &recorder{}, DefaultTTL)

	require.NoError(t, tr.StartTyping(ctx, models.ScopeRoom, "lobby", "alice"))
	require.NoError(t, tr.StartTyping(ctx, models.ScopeRoom, "lobby", "bob"))
	require.NoError(t, tr.StartTyping(ctx, models.ScopeRoom, "other", "carol"))

	users, err := tr.TypingUsers(ctx, models.ScopeRoom, "lobby")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)

	// alice keeps typing, bob goes quiet.
	now = now.Add(2 * time.Second)
	require.NoError(t, tr.StartTyping(ctx, models.ScopeRoom, "lobby", "alice"))
	now = now.Add(2 * time.Second)

	users, err = tr.TypingUsers(ctx, models.ScopeRoom, "lobby")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)

	require.NoError(t, tr.StopTyping(ctx, models.ScopeRoom, "lobby", "alice"))
	users, err = tr.TypingUsers(ctx, models.ScopeRoom, "lobby")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	tr := NewTracker(NewRedisStore(rdb, "chat:test:"), &recorder{}, DefaultTTL)

	require.NoError(t, tr.StartTyping(ctx, models.ScopeConversation, "c1", "alice"))
	require.NoError(t, tr.StartTyping(ctx, models.ScopeConversation, "c1", "bob"))
	require.NoError(t, tr.StartTyping(ctx, models.ScopeConversation, "c10", "carol"))

	assert.Equal(t, DefaultTTL, mr.TTL("chat:test:typing:conversation:c1:alice"))

	users, err := tr.TypingUsers(ctx, models.ScopeConversation, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)

	mr.FastForward(2 * time.Second)
	require.NoError(t, tr.StartTyping(ctx, models.ScopeConversation, "c1", "alice"))
	mr.FastForward(2 * time.Second)

	users, err = tr.TypingUsers(ctx, models.ScopeConversation, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)

	require.NoError(t, tr.StopTyping(ctx, models.ScopeConversation, "c1", "alice"))
	users, err = tr.TypingUsers(ctx, models.ScopeConversation, "c1")
	require.NoError(t, err)
	assert.Empty(t, users)
}
