// Package ratelimit implements the RateLimiter: fixed-window RPM
// counters keyed by scope, incremented on every privileged operation
// (mission create, tool invocation), rejecting with rate_limited once any
// applicable scope counter exceeds its configured limit.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wmag-systems/wmag-kernel/internal/infra"
)

// Scope identifies what a counter is keyed to.
type Scope string

const (
	ScopeTenant Scope = "tenant"
	ScopeUser   Scope = "user"
	ScopeIP     Scope = "ip"
)

// Limiter enforces fixed RPM windows per scope via a pipelined Redis
// INCR+EXPIRE, keyed under the namespacing convention in rediskeys.go.
type Limiter struct {
	rdb        *redis.Client
	window     time.Duration
	limitByKey map[Scope]int64
}

func New(rdb *redis.Client, window time.Duration, limits map[Scope]int64) *Limiter {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Limiter{rdb: rdb, window: window, limitByKey: limits}
}

// Allow increments the counter for (scope, scopeID)'s current fixed
// window and reports whether the operation may proceed. It always
// increments before comparing, per the ("on each privileged
// operation ... increment all applicable scope counters; if any exceeds
// ... reject"); the caller gets both the outcome and the window's
// current count for logging/headers.
func (l *Limiter) Allow(ctx context.Context, scope Scope, scopeID string) (bool, int64, error) {
	limit, ok := l.limitByKey[scope]
	if !ok || limit <= 0 {
		return true, 0, nil // no configured limit for this scope: unrestricted
	}
	windowStart := time.Now().Truncate(l.window)
	key := Key(scope, scopeID, windowStart)

	pipe := l.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}
	count := incr.Val()
	return count <= limit, count, nil
}

// Key builds the Redis key for one (scope, scope_id, window_start) tuple.
func Key(scope Scope, scopeID string, windowStart time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", infra.RateLimitKeyPrefix(), scope, scopeID, windowStart.Unix())
}
