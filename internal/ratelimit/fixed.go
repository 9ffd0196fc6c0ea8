package ratelimit

import (
	"sync"

	"agentgate/pkg/types"
)

// FixedWindowLimiter is a single-counter throttle with hard window boundaries.
// The websocket read loop keeps one per connection for frame pacing.
// FUNCTIONAL DISCOVERY: The window restarts on the first call after it elapses,
// not on a wall-clock boundary.
type FixedWindowLimiter struct {
	mu            sync.Mutex
	maxRequests   uint32
	windowMs      int64
	windowStartMs int64
	count         uint32
}

// NewFixedWindowLimiter creates a limiter; both arguments are clamped to at least 1
func NewFixedWindowLimiter(maxRequests uint32, windowMs int64) *FixedWindowLimiter {
	if maxRequests < 1 {
		maxRequests = 1
	}
	if windowMs < 1 {
		windowMs = 1
	}
	return &FixedWindowLimiter{
		maxRequests: maxRequests,
		windowMs:    windowMs,
	}
}

// Consume takes one request from the current window
func (f *FixedWindowLimiter) Consume() types.CheckResult {
	return f.ConsumeAt(types.NowMillis())
}

// ConsumeAt is Consume evaluated at nowMs
func (f *FixedWindowLimiter) ConsumeAt(nowMs int64) types.CheckResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	if nowMs-f.windowStartMs >= f.windowMs {
		f.windowStartMs = nowMs
		f.count = 0
	}

	if f.count >= f.maxRequests {
		retry := f.windowStartMs + f.windowMs - nowMs
		if retry < 0 {
			retry = 0
		}
		return types.CheckResult{Allowed: false, Remaining: 0, RetryAfterMs: retry}
	}

	f.count++
	return types.CheckResult{Allowed: true, Remaining: f.maxRequests - f.count}
}

// ResetWindow zeroes the counter and window start
func (f *FixedWindowLimiter) ResetWindow() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windowStartMs = 0
	f.count = 0
}
