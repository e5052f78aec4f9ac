package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter keeps each window as a sorted set of uniquely tagged
// timestamps, shared by every gateway instance.
type RedisLimiter struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(rdb redis.UniversalClient, keyPrefix string) *RedisLimiter {
	return &RedisLimiter{
		rdb:    rdb,
		prefix: keyPrefix,
		now:    time.Now,
	}
}

func (l *RedisLimiter) key(kind, identifier string) string {
	return l.prefix + key(kind, identifier)
}

// IsAllowed inserts first and counts second inside one MULTI block, so
// concurrent callers on different instances always see each other.
func (l *RedisLimiter) IsAllowed(ctx context.Context, kind, identifier string, limit Limit) (Result, error) {
	now := l.now()
	k := l.key(kind, identifier)
	ms := now.UnixMilli()
	windowStart := now.Add(-limit.Window).UnixMilli()

	var card *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, k, redis.Z{
			Score:  float64(ms),
			Member: fmt.Sprintf("%d:%s", ms, uuid.NewString()),
		})
		pipe.ZRemRangeByScore(ctx, k, "0", strconv.FormatInt(windowStart, 10))
		card = pipe.ZCard(ctx, k)
		pipe.PExpire(ctx, k, limit.Window)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("rate limit window %s: %w", k, err)
	}

	return evaluate(int(card.Val()), limit, now), nil
}

func (l *RedisLimiter) Reset(ctx context.Context, kind, identifier string) error {
	if err := l.rdb.Del(ctx, l.key(kind, identifier)).Err(); err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	return nil
}

// Status counts entries inside the window without recording an attempt.
func (l *RedisLimiter) Status(ctx context.Context, kind, identifier string, window time.Duration) (Status, error) {
	now := l.now()
	k := l.key(kind, identifier)
	from := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)

	count, err := l.rdb.ZCount(ctx, k, "("+from, "+inf").Result()
	if err != nil {
		return Status{}, fmt.Errorf("rate limit status: %w", err)
	}

	st := Status{Count: int(count)}
	if count > 0 {
		st.ResetAt = now.Add(window)
	}
	return st, nil
}
