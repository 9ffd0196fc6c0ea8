// Package ratelimit holds the in-memory admission limiters used by the
// gateway: a sliding-window failed-auth limiter with lockout, a fixed-window
// pacer for per-connection request rate, and the control-plane bucket limiter.
//
// Every time-dependent operation has an ...At variant taking epoch
// milliseconds. The plain variants read the wall clock once and delegate.
package ratelimit

import (
	"fmt"
	"sync"

	"agentgate/pkg/types"
)

// MaxKeyLength bounds the rendered composite key. Longer keys are never stored.
const MaxKeyLength = 256

// SlidingWindowConfig configures a SlidingWindowLimiter
type SlidingWindowConfig struct {
	MaxAttempts    uint32 `json:"max_attempts" yaml:"max_attempts"`
	WindowMs       int64  `json:"window_ms" yaml:"window_ms"`
	LockoutMs      int64  `json:"lockout_ms" yaml:"lockout_ms"`
	ExemptLoopback bool   `json:"exempt_loopback" yaml:"exempt_loopback"`
	BurstAllowance uint32 `json:"burst_allowance" yaml:"burst_allowance"`
	// BurstWindowMs is carried for configuration compatibility only.
	// Burst allowance is a flat addition to MaxAttempts inside the main window.
	BurstWindowMs int64 `json:"burst_window_ms" yaml:"burst_window_ms"`
}

// DefaultSlidingWindowConfig returns 10 attempts per minute with a 5 minute lockout
func DefaultSlidingWindowConfig() SlidingWindowConfig {
	return SlidingWindowConfig{
		MaxAttempts:    10,
		WindowMs:       60_000,
		LockoutMs:      300_000,
		ExemptLoopback: true,
		BurstAllowance: 0,
		BurstWindowMs:  0,
	}
}

// EffectiveMax is the quota actually enforced inside one window
func (c SlidingWindowConfig) EffectiveMax() uint32 {
	return c.MaxAttempts + c.BurstAllowance
}

// Validate checks limiter configuration values
func (c SlidingWindowConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if c.WindowMs < 1 {
		return ErrInvalidWindow
	}
	if c.LockoutMs < 0 {
		return ErrInvalidLockout
	}
	return nil
}

// entry is the per-key failure record.
// attempts stays in insertion order; sliding only trims from the front.
type entry struct {
	attempts    []int64
	lockedUntil int64
}

// slide drops attempts at or before the window boundary
func (e *entry) slide(nowMs, windowMs int64) {
	cutoff := nowMs - windowMs
	i := 0
	for i < len(e.attempts) && e.attempts[i] <= cutoff {
		i++
	}
	if i > 0 {
		e.attempts = append(e.attempts[:0], e.attempts[i:]...)
	}
}

// SlidingWindowLimiter tracks failed authentication attempts per (scope, ip)
// ARCHITECTURAL DISCOVERY: One coarse mutex per limiter. No method performs I/O
// while holding it, so contention is bounded by map and slice work only.
type SlidingWindowLimiter struct {
	mu      sync.Mutex
	config  SlidingWindowConfig
	entries map[string]*entry
}

// NewSlidingWindowLimiter creates a limiter with the given configuration
func NewSlidingWindowLimiter(config SlidingWindowConfig) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		config:  config,
		entries: make(map[string]*entry),
	}
}

// Config returns the limiter configuration
func (l *SlidingWindowLimiter) Config() SlidingWindowConfig {
	return l.config
}

// IsLoopback reports whether ip is one of the literal loopback forms exempted
// from auth limiting. Matching is exact string comparison.
func IsLoopback(ip string) bool {
	switch ip {
	case "127.0.0.1", "::1", "localhost", "::ffff:127.0.0.1":
		return true
	default:
		return false
	}
}

// compositeKey renders "{scope}:{ip}". ok is false when the key would exceed
// MaxKeyLength; such keys fail open on check and are ignored on record/reset.
func compositeKey(ip string, scope types.Scope) (string, bool) {
	if len(scope)+1+len(ip) > MaxKeyLength {
		return "", false
	}
	return fmt.Sprintf("%s:%s", scope, ip), true
}

func (l *SlidingWindowLimiter) exempt(ip string) bool {
	return l.config.ExemptLoopback && IsLoopback(ip)
}

func (l *SlidingWindowLimiter) full() types.CheckResult {
	return types.CheckResult{Allowed: true, Remaining: l.config.EffectiveMax()}
}

// Check reports whether ip may attempt authentication in scope right now
func (l *SlidingWindowLimiter) Check(ip string, scope types.Scope) types.CheckResult {
	return l.CheckAt(ip, scope, types.NowMillis())
}

// CheckAt is Check evaluated at nowMs
func (l *SlidingWindowLimiter) CheckAt(ip string, scope types.Scope, nowMs int64) types.CheckResult {
	if l.exempt(ip) {
		return l.full()
	}
	key, ok := compositeKey(ip, scope)
	if !ok {
		return l.full()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, exists := l.entries[key]
	if !exists {
		return l.full()
	}

	if e.lockedUntil > 0 {
		if nowMs < e.lockedUntil {
			return types.CheckResult{Allowed: false, Remaining: 0, RetryAfterMs: e.lockedUntil - nowMs}
		}
		// Expired lockout resets the entry completely.
		e.lockedUntil = 0
		e.attempts = e.attempts[:0]
	}

	e.slide(nowMs, l.config.WindowMs)

	remaining := l.remaining(e)
	return types.CheckResult{Allowed: remaining > 0, Remaining: remaining}
}

func (l *SlidingWindowLimiter) remaining(e *entry) uint32 {
	limit := l.config.EffectiveMax()
	count := uint32(len(e.attempts))
	if count >= limit {
		return 0
	}
	return limit - count
}

// RecordFailure records one failed attempt for ip in scope.
// It returns true when this failure triggered a lockout.
func (l *SlidingWindowLimiter) RecordFailure(ip string, scope types.Scope) bool {
	return l.RecordFailureAt(ip, scope, types.NowMillis())
}

// RecordFailureAt is RecordFailure evaluated at nowMs
func (l *SlidingWindowLimiter) RecordFailureAt(ip string, scope types.Scope, nowMs int64) bool {
	if l.exempt(ip) {
		return false
	}
	key, ok := compositeKey(ip, scope)
	if !ok {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, exists := l.entries[key]
	if !exists {
		e = &entry{}
		l.entries[key] = e
	}

	if e.lockedUntil > 0 {
		if nowMs < e.lockedUntil {
			return false
		}
		// Same full reset Check applies, whether or not a Check ran since.
		e.lockedUntil = 0
		e.attempts = e.attempts[:0]
	}

	e.slide(nowMs, l.config.WindowMs)
	e.attempts = append(e.attempts, nowMs)

	if uint32(len(e.attempts)) >= l.config.EffectiveMax() {
		e.lockedUntil = nowMs + l.config.LockoutMs
		return true
	}
	return false
}

// Reset removes all state for ip in scope
func (l *SlidingWindowLimiter) Reset(ip string, scope types.Scope) {
	key, ok := compositeKey(ip, scope)
	if !ok {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Size returns the number of tracked keys
func (l *SlidingWindowLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Prune removes idle entries and returns how many were dropped
func (l *SlidingWindowLimiter) Prune() int {
	return l.PruneAt(types.NowMillis())
}

// PruneAt removes entries that are unlocked and hold no attempts inside the
// window at nowMs. Entries still locked at nowMs are kept.
func (l *SlidingWindowLimiter) PruneAt(nowMs int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.entries {
		if e.lockedUntil > 0 {
			if nowMs < e.lockedUntil {
				continue
			}
			e.lockedUntil = 0
			e.attempts = e.attempts[:0]
		}
		e.slide(nowMs, l.config.WindowMs)
		if len(e.attempts) == 0 {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Clear drops every tracked entry
func (l *SlidingWindowLimiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*entry)
}
