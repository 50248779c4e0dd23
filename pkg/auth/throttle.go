package auth

import (
	"context"
	"sync"
	"time"
)

// ThrottleConfig defines login throttling configuration
type ThrottleConfig struct {
	// MaxFailures is the number of consecutive failures that triggers a lockout
	MaxFailures int
	// Window is both the lockout duration and the staleness horizon: a record
	// whose last attempt is older than the window is reset on the next check
	Window time.Duration
}

// DefaultThrottleConfig returns the default throttle settings
func DefaultThrottleConfig() *ThrottleConfig {
	return &ThrottleConfig{
		MaxFailures: 5,
		Window:      5 * time.Minute,
	}
}

// LoginThrottle gates authentication attempts per client IP
type LoginThrottle interface {
	// IsLocked reports whether the IP is locked out and for how much longer.
	// The check self-heals expired lockouts, so it may write.
	IsLocked(ctx context.Context, ip string) (bool, time.Duration, error)
	// RecordFailure registers a failed attempt and returns the resulting state
	RecordFailure(ctx context.Context, ip string) (LockoutState, error)
	// RecordSuccess clears all negative state for the IP
	RecordSuccess(ctx context.Context, ip string) error
}

// MemoryThrottle implements LoginThrottle with in-process per-IP records
type MemoryThrottle struct {
	config  *ThrottleConfig
	records map[string]*attemptRecord
	mu      sync.RWMutex
}

type attemptRecord struct {
	attempts    int
	lastAttempt time.Time
	blocked     bool
	mu          sync.Mutex
}

// NewMemoryThrottle creates a new in-memory login throttle
func NewMemoryThrottle(config *ThrottleConfig) *MemoryThrottle {
	if config == nil {
		config = DefaultThrottleConfig()
	}
	return &MemoryThrottle{
		config:  config,
		records: make(map[string]*attemptRecord),
	}
}

func (t *MemoryThrottle) record(ip string, create bool) *attemptRecord {
	t.mu.RLock()
	rec, exists := t.records[ip]
	t.mu.RUnlock()
	if exists || !create {
		return rec
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, exists = t.records[ip]; exists {
		return rec
	}
	rec = &attemptRecord{}
	t.records[ip] = rec
	return rec
}

// healLocked resets a record whose window has elapsed. Caller holds rec.mu.
func (t *MemoryThrottle) healLocked(rec *attemptRecord, now time.Time) {
	if rec.attempts > 0 && now.Sub(rec.lastAttempt) >= t.config.Window {
		rec.attempts = 0
		rec.blocked = false
	}
}

// IsLocked reports whether ip is currently locked out
func (t *MemoryThrottle) IsLocked(_ context.Context, ip string) (bool, time.Duration, error) {
	rec := t.record(ip, false)
	if rec == nil {
		return false, 0, nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := time.Now()
	t.healLocked(rec, now)
	if !rec.blocked {
		return false, 0, nil
	}
	return true, t.config.Window - now.Sub(rec.lastAttempt), nil
}

// RecordFailure registers a failed attempt for ip
func (t *MemoryThrottle) RecordFailure(_ context.Context, ip string) (LockoutState, error) {
	rec := t.record(ip, true)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := time.Now()
	t.healLocked(rec, now)

	if !rec.blocked {
		// Saturate at the threshold once blocked. A failure against an
		// already-blocked record must not touch lastAttempt: doing so
		// would push the window end out and turn every rejected attempt
		// into a fresh lockout.
		rec.attempts++
		rec.lastAttempt = now
		if rec.attempts >= t.config.MaxFailures {
			rec.blocked = true
		}
	}

	state := LockoutState{Blocked: rec.blocked, Attempts: rec.attempts}
	if rec.blocked {
		state.Remaining = t.config.Window - now.Sub(rec.lastAttempt)
	}
	return state, nil
}

// RecordSuccess clears the record for ip unconditionally
func (t *MemoryThrottle) RecordSuccess(_ context.Context, ip string) error {
	rec := t.record(ip, false)
	if rec == nil {
		return nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.attempts = 0
	rec.blocked = false
	return nil
}

// Cleanup removes records whose window has long elapsed
func (t *MemoryThrottle) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for ip, rec := range t.records {
		rec.mu.Lock()
		if now.Sub(rec.lastAttempt) > t.config.Window*2 {
			delete(t.records, ip)
		}
		rec.mu.Unlock()
	}
}

// StartCleanup starts a background goroutine to cleanup stale records
func (t *MemoryThrottle) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(t.config.Window)
	go func() {
		for {
			select {
			case <-ticker.C:
				t.Cleanup()
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}
