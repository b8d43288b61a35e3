package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter counts requests per window in Redis so every API replica
// shares one budget.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisLimiter connects to redisURL and verifies the connection.
func NewRedisLimiter(redisURL string) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisLimiterWithClient(client), nil
}

func NewRedisLimiterWithClient(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: "vortex:rl:",
		now:    time.Now,
	}
}

func (l *RedisLimiter) key(bucket string, windowStart time.Time) string {
	return l.prefix + bucket + ":" + strconv.FormatInt(windowStart.Unix(), 10)
}

func (l *RedisLimiter) Allow(ctx context.Context, bucket string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	start, end := windowBounds(l.now(), window)
	key := l.key(bucket, start)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireAt(ctx, key, end.Add(time.Second))
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("consume rate bucket: %w", err)
	}
	return decide(incr.Val(), limit, end), nil
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
