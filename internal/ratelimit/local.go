package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/c-pro/geche"
)

type window struct {
	hits []time.Time
}

// prune drops hits at or before cutoff. Hits are appended in clock order.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	w.hits = w.hits[i:]
}

// LocalLimiter is the process-local variant used for socket bursts. Windows
// idle longer than the eviction TTL are dropped by the cache.
type LocalLimiter struct {
	mu      sync.Mutex
	windows geche.Geche[string, *window]
	now     func() time.Time
}

// NewLocalLimiter creates a limiter whose idle windows are evicted after
// idleTTL. idleTTL must be at least the longest window checked.
func NewLocalLimiter(ctx context.Context, idleTTL time.Duration) *LocalLimiter {
	return &LocalLimiter{
		windows: geche.NewMapTTLCache[string, *window](ctx, idleTTL, time.Minute),
		now:     time.Now,
	}
}

func (l *LocalLimiter) IsAllowed(_ context.Context, kind, identifier string, limit Limit) (Result, error) {
	now := l.now()
	k := key(kind, identifier)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, err := l.windows.Get(k)
	if err != nil {
		w = &window{}
	}
	w.hits = append(w.hits, now)
	w.prune(now.Add(-limit.Window))
	l.windows.Set(k, w)

	return evaluate(len(w.hits), limit, now), nil
}

func (l *LocalLimiter) Reset(_ context.Context, kind, identifier string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_ = l.windows.Del(key(kind, identifier))
	return nil
}

func (l *LocalLimiter) Status(_ context.Context, kind, identifier string, window time.Duration) (Status, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, err := l.windows.Get(key(kind, identifier))
	if err != nil {
		return Status{}, nil
	}

	cutoff := now.Add(-window)
	count := 0
	for _, hit := range w.hits {
		if hit.After(cutoff) {
			count++
		}
	}

	st := Status{Count: count}
	if count > 0 {
		st.ResetAt = now.Add(window)
	}
	return st, nil
}
