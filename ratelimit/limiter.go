// Package ratelimit guards every access attempt with per-(device,user)
// sliding windows and a brute-force lockout.
package ratelimit

import (
	"sync"
	"time"

	"github.com/doorfleet/doorfleet/internal/logutil"
	"github.com/doorfleet/doorfleet/internal/timeutil"
	"github.com/doorfleet/doorfleet/state"
)

// Deny reasons surfaced to callers and the audit log.
const (
	ReasonLockedOut   = "locked_out"
	ReasonRateLimited = "rate_limited"
)

const attemptWindow = time.Minute

// Config enumerates the limiter knobs. Zero values fall back to
// DefaultConfig.
type Config struct {
	MaxAttemptsPerMinute int
	MaxFailedAttempts    int
	LockoutDuration      time.Duration
	CleanupInterval      time.Duration
	// ExemptAdmin skips limiting for AdminUserID. Off by default; the
	// admin is deliberately not exempt unless a deployment opts in.
	ExemptAdmin bool
	AdminUserID string

	// Clock overrides time.Now in tests.
	Clock timeutil.Clock
}

// DefaultConfig returns the built-in limiter settings.
func DefaultConfig() Config {
	return Config{
		MaxAttemptsPerMinute: 10,
		MaxFailedAttempts:    5,
		LockoutDuration:      60 * time.Second,
		CleanupInterval:      60 * time.Minute,
		AdminUserID:          "admin",
	}
}

type key struct {
	deviceID string
	userID   string
}

type attempt struct {
	at      time.Time
	command state.Command
	success bool
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed bool
	Reason  string // ReasonLockedOut or ReasonRateLimited when denied
	// RemainingLockout is how long the lockout still holds. Only set
	// for ReasonLockedOut.
	RemainingLockout time.Duration
}

// Limiter is the in-memory rate limiter. All state is process-lifetime
// only and wiped by Clear.
type Limiter struct {
	cfg Config
	now timeutil.Clock

	mu        sync.Mutex
	attempts  map[key][]attempt
	lastSweep time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New validates config and starts the background cleanup ticker.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.MaxAttemptsPerMinute <= 0 {
		cfg.MaxAttemptsPerMinute = def.MaxAttemptsPerMinute
	}
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = def.MaxFailedAttempts
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = def.LockoutDuration
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.AdminUserID == "" {
		cfg.AdminUserID = def.AdminUserID
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	l := &Limiter{
		cfg:       cfg,
		now:       now,
		attempts:  make(map[key][]attempt),
		lastSweep: now(),
		stopCh:    make(chan struct{}),
	}
	go l.cleanupLoop()
	logutil.WithFields(map[string]interface{}{
		"max_attempts_per_minute": cfg.MaxAttemptsPerMinute,
		"max_failed_attempts":     cfg.MaxFailedAttempts,
		"lockout_duration":        cfg.LockoutDuration.String(),
	}).Info("rate limiter initialized")
	return l
}

// Close stops the background cleanup ticker.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Check decides whether an attempt for (deviceID, userID) may proceed.
// Lockout takes precedence over the per-minute window.
func (l *Limiter) Check(deviceID string, userID string, command state.Command) Decision {
	if l.cfg.ExemptAdmin && userID == l.cfg.AdminUserID {
		return Decision{Allowed: true}
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeSweepLocked(now)

	recent := l.attempts[key{deviceID, userID}]

	var lastFailed time.Time
	failed := 0
	for _, a := range recent {
		if !a.success && now.Sub(a.at) <= l.cfg.LockoutDuration {
			failed++
			if a.at.After(lastFailed) {
				lastFailed = a.at
			}
		}
	}
	if failed >= l.cfg.MaxFailedAttempts {
		expiry := lastFailed.Add(l.cfg.LockoutDuration)
		if remaining := expiry.Sub(now); remaining > 0 {
			return Decision{Allowed: false, Reason: ReasonLockedOut, RemainingLockout: remaining}
		}
	}

	total := 0
	for _, a := range recent {
		if now.Sub(a.at) <= attemptWindow {
			total++
		}
	}
	if total >= l.cfg.MaxAttemptsPerMinute {
		return Decision{Allowed: false, Reason: ReasonRateLimited}
	}
	return Decision{Allowed: true}
}

// Record registers the outcome of an attempt. Every authorization pass
// records exactly once, granted or denied.
func (l *Limiter) Record(deviceID string, userID string, command state.Command, success bool) {
	now := l.now()
	k := key{deviceID, userID}
	l.mu.Lock()
	l.attempts[k] = append(l.attempts[k], attempt{at: now, command: command, success: success})
	l.mu.Unlock()
	logutil.WithFields(map[string]interface{}{
		"device_id": deviceID,
		"user_id":   userID,
		"command":   string(command),
		"success":   success,
	}).Debug("recorded rate limit attempt")
}

// Clear wipes every record and reports how many were dropped. Exposed
// for operational recovery; the HTTP surface gates it to the admin.
func (l *Limiter) Clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, v := range l.attempts {
		n += len(v)
	}
	l.attempts = make(map[key][]attempt)
	return n
}

// retention is how long records must be kept to answer both windows.
func (l *Limiter) retention() time.Duration {
	if l.cfg.LockoutDuration > attemptWindow {
		return l.cfg.LockoutDuration
	}
	return attemptWindow
}

// maybeSweepLocked runs an opportunistic sweep at most once per
// cleanup interval.
func (l *Limiter) maybeSweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.cfg.CleanupInterval {
		return
	}
	l.sweepLocked(now)
}

func (l *Limiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-l.retention())
	dropped := 0
	for k, v := range l.attempts {
		keep := v[:0]
		for _, a := range v {
			if a.at.After(cutoff) {
				keep = append(keep, a)
			} else {
				dropped++
			}
		}
		if len(keep) == 0 {
			delete(l.attempts, k)
		} else {
			l.attempts[k] = keep
		}
	}
	l.lastSweep = now
	if dropped > 0 {
		logutil.WithField("dropped", dropped).Info("rate limiter sweep")
	}
}

func (l *Limiter) cleanupLoop() {
	t := time.NewTicker(l.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-t.C:
			now := l.now()
			l.mu.Lock()
			l.sweepLocked(now)
			l.mu.Unlock()
		}
	}
}
