package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryBucket struct {
	windowStart time.Time
	count       int64
}

// MemoryLimiter is the single-process limiter used when Redis is not configured.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]memoryBucket
	now     func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: map[string]memoryBucket{}, now: time.Now}
}

func (l *MemoryLimiter) Allow(_ context.Context, bucket string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	start, end := windowBounds(l.now(), window)

	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.buckets[bucket]
	if !current.windowStart.Equal(start) {
		current = memoryBucket{windowStart: start}
	}
	current.count++
	l.buckets[bucket] = current
	return decide(current.count, limit, end), nil
}
