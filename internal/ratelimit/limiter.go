// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. It paces push sends across every notifyd instance
// sharing one Redis, so the push project's quota is respected cluster-wide.
package ratelimit

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:push:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// PushRule returns a one-second window allowing perSec sends.
func PushRule(perSec float64) Rule {
	return Rule{Key: "rl:push:", Limit: int(math.Ceil(perSec)), Window: time.Second}
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	rule   Rule
	log    zerolog.Logger
	now    func() time.Time
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, rule Rule, log zerolog.Logger) *Limiter {
	if rule.Window <= 0 {
		rule.Window = time.Second
	}
	return &Limiter{
		client: client,
		rule:   rule,
		log:    log.With().Str("comp", "ratelimit").Logger(),
		now:    time.Now,
	}
}

// Allow takes one slot in the current window. When the window is full it
// returns false and the time left until the next window starts.
//
// On Redis errors the method fails open (returns true) so that a Redis outage
// does not stall delivery.
func (l *Limiter) Allow(ctx context.Context) (bool, time.Duration, error) {
	now := l.now()
	window := now.UnixNano() / int64(l.rule.Window)
	key := l.rule.Key + strconv.FormatInt(window, 10)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("redis INCR failed, failing open")
		return true, 0, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, 2*l.rule.Window).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("redis EXPIRE failed, failing open")
			// The key exists but has no TTL; delete it so it does not linger.
			l.client.Del(ctx, key)
			return true, 0, err
		}
	}

	if int(count) > l.rule.Limit {
		next := time.Unix(0, (window+1)*int64(l.rule.Window))
		return false, next.Sub(now), nil
	}
	return true, 0, nil
}

// Wait blocks until a slot is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l.rule.Limit <= 0 {
		return ctx.Err()
	}
	for {
		ok, wait, _ := l.Allow(ctx)
		if ok {
			return ctx.Err()
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
