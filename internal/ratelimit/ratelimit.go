package ratelimit

import (
	"context"
	"fmt"
	"time"

	"parley/internal/apperr"
)

const (
	KindAPI       = "api"
	KindWSMessage = "ws:message"
)

// Result of a single sliding window check.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Status is a read-only view of a window.
type Status struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"resetAt,omitzero"`
}

// Limit is a window size and the number of events it admits.
type Limit struct {
	Window time.Duration
	Max    int
}

// Limiter admits events in a sliding window keyed by kind and identifier.
// Every call counts as an attempt, rejected ones included.
type Limiter interface {
	IsAllowed(ctx context.Context, kind, identifier string, limit Limit) (Result, error)
	Reset(ctx context.Context, kind, identifier string) error
	Status(ctx context.Context, kind, identifier string, window time.Duration) (Status, error)
}

// Check returns apperr.RateLimited when the event is not allowed. The retry
// hint is the distance to ResetAt, which is always one window ahead.
func Check(ctx context.Context, l Limiter, kind, identifier string, limit Limit) (Result, error) {
	res, err := l.IsAllowed(ctx, kind, identifier, limit)
	if err != nil {
		return res, apperr.Unavailable(err)
	}
	if !res.Allowed {
		return res, apperr.RateLimited(limit.Window)
	}
	return res, nil
}

func key(kind, identifier string) string {
	return fmt.Sprintf("ratelimit:%s:%s", kind, identifier)
}

func evaluate(count int, limit Limit, now time.Time) Result {
	return Result{
		Allowed:   count <= limit.Max,
		Remaining: max(0, limit.Max-count),
		ResetAt:   now.Add(limit.Window),
	}
}
