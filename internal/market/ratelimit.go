package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter admits requests before they hit the upstream API. Wait
// blocks until a slot is available or ctx is done.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// TokenBucket is a process-local rate limiter. Capacity tokens refill
// at refillRate tokens per second.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available.
func (b *TokenBucket) Wait(ctx context.Context) error {
	for {
		wait := b.take()
		if wait <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// take consumes a token if one is available, otherwise returns how
// long until the next token accrues.
func (b *TokenBucket) take() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return 0
	}
	deficit := 1 - b.tokens
	return time.Duration(deficit / b.refillRate * float64(time.Second))
}

// RedisWindowLimiter adds cluster-wide accounting on top of a local
// limiter. Each fixed window of windowSize gets at most limit requests
// across all workers sharing the same redis key prefix.
type RedisWindowLimiter struct {
	local      RateLimiter
	rdb        *redis.Client
	keyPrefix  string
	limit      int64
	windowSize time.Duration
}

// NewRedisWindowLimiter wraps local with a redis fixed-window gate.
func NewRedisWindowLimiter(local RateLimiter, rdb *redis.Client, keyPrefix string, limit int, windowSize time.Duration) *RedisWindowLimiter {
	return &RedisWindowLimiter{
		local:      local,
		rdb:        rdb,
		keyPrefix:  keyPrefix,
		limit:      int64(limit),
		windowSize: windowSize,
	}
}

// Wait admits through the local limiter first, then the shared window.
// When the shared window is exhausted it sleeps until the next window.
func (l *RedisWindowLimiter) Wait(ctx context.Context) error {
	if err := l.local.Wait(ctx); err != nil {
		return err
	}

	for {
		window := time.Now().UnixMilli() / l.windowSize.Milliseconds()
		key := fmt.Sprintf("%s:%d", l.keyPrefix, window)

		count, err := l.rdb.Incr(ctx, key).Result()
		if err != nil {
			// Redis being down must not stall fetching. The local
			// limiter still bounds this worker.
			return nil
		}
		if count == 1 {
			l.rdb.Expire(ctx, key, l.windowSize*2)
		}
		if count <= l.limit {
			return nil
		}

		nextWindow := time.UnixMilli((window + 1) * l.windowSize.Milliseconds())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(nextWindow)):
		}
	}
}
