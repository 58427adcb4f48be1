// internal/notification/ratelimit.go

package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimiter enforces a channel's messages-per-minute limit. When a send is
// refused, retryAfter is the time until the next window opens.
type RateLimiter interface {
	Allow(ctx context.Context, channelID int64, perMinute int) (allowed bool, retryAfter time.Duration, err error)
}

func windowStart(now time.Time) time.Time {
	return now.Truncate(time.Minute)
}

// RedisRateLimiter counts sends in fixed one-minute windows shared by all
// processes using the same Redis
type RedisRateLimiter struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

// NewRedisRateLimiter creates a limiter on client
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, prefix: "notifications:rate", clock: time.Now}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, channelID int64, perMinute int) (bool, time.Duration, error) {
	if perMinute <= 0 {
		return true, 0, nil
	}

	now := l.clock()
	window := windowStart(now)
	key := fmt.Sprintf("%s:%d:%d", l.prefix, channelID, window.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	if incr.Val() > int64(perMinute) {
		return false, window.Add(time.Minute).Sub(now), nil
	}
	return true, 0, nil
}

// MemoryRateLimiter is the single-process fallback when Redis is unavailable
type MemoryRateLimiter struct {
	mu     sync.Mutex
	counts map[int64]windowCount
	clock  func() time.Time
}

type windowCount struct {
	start time.Time
	count int
}

// NewMemoryRateLimiter creates an in-process limiter. A nil clock uses time.Now.
func NewMemoryRateLimiter(clock func() time.Time) *MemoryRateLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryRateLimiter{counts: make(map[int64]windowCount), clock: clock}
}

func (l *MemoryRateLimiter) Allow(ctx context.Context, channelID int64, perMinute int) (bool, time.Duration, error) {
	if perMinute <= 0 {
		return true, 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	window := windowStart(now)
	wc := l.counts[channelID]
	if !wc.start.Equal(window) {
		wc = windowCount{start: window}
	}
	wc.count++
	l.counts[channelID] = wc

	if wc.count > perMinute {
		return false, window.Add(time.Minute).Sub(now), nil
	}
	return true, 0, nil
}
