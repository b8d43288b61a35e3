// Package ratelimit provides fixed-window request buckets keyed by caller.
package ratelimit

import (
	"context"
	"time"
)

// Decision describes one consumed unit of a bucket.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long a rejected caller should wait.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

type Limiter interface {
	// Allow consumes one unit from bucket. A limit <= 0 disables the bucket.
	Allow(ctx context.Context, bucket string, limit int, window time.Duration) (Decision, error)
}

func windowBounds(now time.Time, window time.Duration) (time.Time, time.Time) {
	if window <= 0 {
		window = time.Minute
	}
	start := now.Truncate(window)
	return start, start.Add(window)
}

func decide(count int64, limit int, resetAt time.Time) Decision {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
