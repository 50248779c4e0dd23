package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisThrottle implements LoginThrottle using Redis.
// This allows lockouts to be shared across multiple API instances.
//
// The failure counter carries a TTL of one window, refreshed while the
// count is below the threshold, so expiry of the key is the time-based
// self-healing: a record older than the window simply no longer exists.
// Once blocked the TTL becomes the lockout clock and is left alone.
type RedisThrottle struct {
	redis  *redis.Client
	config *ThrottleConfig
	prefix string
}

// NewRedisThrottle creates a new Redis-backed login throttle
func NewRedisThrottle(redisClient *redis.Client, config *ThrottleConfig, prefix string) *RedisThrottle {
	if config == nil {
		config = DefaultThrottleConfig()
	}
	if prefix == "" {
		prefix = "loginthrottle"
	}
	return &RedisThrottle{
		redis:  redisClient,
		config: config,
		prefix: prefix,
	}
}

func (t *RedisThrottle) key(ip string) string {
	return fmt.Sprintf("%s:%s", t.prefix, ip)
}

// IsLocked reports whether ip is currently locked out
func (t *RedisThrottle) IsLocked(ctx context.Context, ip string) (bool, time.Duration, error) {
	count, err := t.redis.Get(ctx, t.key(ip)).Int()
	if err == redis.Nil {
		return false, 0, nil
	} else if err != nil {
		// On Redis error, fail open to avoid locking out every login
		return false, 0, fmt.Errorf("redis error: %w", err)
	}

	if count < t.config.MaxFailures {
		return false, 0, nil
	}

	remaining, err := t.redis.TTL(ctx, t.key(ip)).Result()
	if err != nil {
		return true, t.config.Window, fmt.Errorf("redis error: %w", err)
	}
	return true, remaining, nil
}

// RecordFailure registers a failed attempt for ip
func (t *RedisThrottle) RecordFailure(ctx context.Context, ip string) (LockoutState, error) {
	count, err := t.redis.Incr(ctx, t.key(ip)).Result()
	if err != nil {
		return LockoutState{}, fmt.Errorf("redis error: %w", err)
	}

	// Refresh the TTL only while still counting up. Once the threshold is
	// reached the TTL is the lockout clock, and failures against a blocked
	// record must not push it back out.
	if int(count) <= t.config.MaxFailures {
		if err := t.redis.Expire(ctx, t.key(ip), t.config.Window).Err(); err != nil {
			return LockoutState{}, fmt.Errorf("redis error: %w", err)
		}
	}

	state := LockoutState{Attempts: int(count)}
	if int(count) >= t.config.MaxFailures {
		// Saturate the reported count at the threshold
		state.Attempts = t.config.MaxFailures
		state.Blocked = true
		state.Remaining = t.config.Window
		if remaining, err := t.redis.TTL(ctx, t.key(ip)).Result(); err == nil && remaining > 0 {
			state.Remaining = remaining
		}
	}
	return state, nil
}

// RecordSuccess clears all throttle state for ip
func (t *RedisThrottle) RecordSuccess(ctx context.Context, ip string) error {
	return t.redis.Del(ctx, t.key(ip)).Err()
}
