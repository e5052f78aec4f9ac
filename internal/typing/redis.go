package typing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each flag as its own key with a TTL, so expiry needs no
// cleanup job.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: keyPrefix}
}

func (s *RedisStore) Set(ctx context.Context, scope, conversationID, userID string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.prefix+flagKey(scope, conversationID, userID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("set typing flag: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, scope, conversationID, userID string) error {
	if err := s.rdb.Del(ctx, s.prefix+flagKey(scope, conversationID, userID)).Err(); err != nil {
		return fmt.Errorf("delete typing flag: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, scope, conversationID string) ([]string, error) {
	prefix := s.prefix + flagPrefix(scope, conversationID)

	var users []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		users = append(users, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan typing flags: %w", err)
	}
	return users, nil
}
