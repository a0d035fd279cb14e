// Package rate implements the fixed-window request counter shared by every
// abuse-sensitive flow. A window's TTL is attached only when the counter
// transitions from zero to one, so the window keeps a fixed origin until it
// expires naturally. Every call increments the counter, including calls that
// will be rejected: hammering an exhausted window keeps it pinned at the
// limit instead of resetting it.
package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts events per action+identity pair in Redis.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
}

// New creates a [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, prefix string) *Limiter {
	if prefix == "" {
		prefix = "rate"
	}
	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (l *Limiter) key(action, identity string) string {
	return l.prefix + ":" + action + ":" + identity
}

// Allow records one event for action+identity and reports whether the
// post-increment count is still within maxEvents for the current window.
func (l *Limiter) Allow(ctx context.Context, action, identity string, window time.Duration, maxEvents int) (bool, error) {
	key := l.key(action, identity)

	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, window).Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count <= int64(maxEvents), nil
}

// Reset clears the window for action+identity.
func (l *Limiter) Reset(ctx context.Context, action, identity string) error {
	if err := l.redis.Del(ctx, l.key(action, identity)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
