package typing

import (
	"context"
	"strings"
	"time"

	"github.com/c-pro/geche"
)

// MemoryStore keeps the expiry moment next to each flag and checks it on
// read. The TTL cache only reclaims memory.
type MemoryStore struct {
	flags *geche.MapTTLCache[string, time.Time]
	now   func() time.Time
}

func NewMemoryStore(ctx context.Context, ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		flags: geche.NewMapTTLCache[string, time.Time](ctx, 2*ttl, time.Minute),
		now:   time.Now,
	}
}

func (s *MemoryStore) Set(_ context.Context, scope, conversationID, userID string, ttl time.Duration) error {
	s.flags.Set(flagKey(scope, conversationID, userID), s.now().Add(ttl))
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, scope, conversationID, userID string) error {
	_ = s.flags.Del(flagKey(scope, conversationID, userID))
	return nil
}

func (s *MemoryStore) List(_ context.Context, scope, conversationID string) ([]string, error) {
	prefix := flagPrefix(scope, conversationID)
	now := s.now()

	var users []string
	for k, expiresAt := range s.flags.Snapshot() {
		userID, ok := strings.CutPrefix(k, prefix)
		if !ok || !expiresAt.After(now) {
			continue
		}
		users = append(users, userID)
	}
	return users, nil
}
