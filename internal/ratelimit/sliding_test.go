package ratelimit

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/pkg/types"
)

const t0 int64 = 1_700_000_000_000

func strictConfig(maxAttempts uint32, windowMs, lockoutMs int64) SlidingWindowConfig {
	cfg := DefaultSlidingWindowConfig()
	cfg.MaxAttempts = maxAttempts
	cfg.WindowMs = windowMs
	cfg.LockoutMs = lockoutMs
	cfg.ExemptLoopback = false
	return cfg
}

func TestDefaultSlidingWindowConfig(t *testing.T) {
	cfg := DefaultSlidingWindowConfig()
	assert.Equal(t, uint32(10), cfg.MaxAttempts)
	assert.Equal(t, int64(60_000), cfg.WindowMs)
	assert.Equal(t, int64(300_000), cfg.LockoutMs)
	assert.True(t, cfg.ExemptLoopback)
	assert.Equal(t, uint32(0), cfg.BurstAllowance)
	assert.Equal(t, uint32(10), cfg.EffectiveMax())
	assert.NoError(t, cfg.Validate())
}

func TestSlidingWindowConfig_Validate(t *testing.T) {
	cfg := DefaultSlidingWindowConfig()
	cfg.MaxAttempts = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidMaxAttempts)

	cfg = DefaultSlidingWindowConfig()
	cfg.WindowMs = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidWindow)

	cfg = DefaultSlidingWindowConfig()
	cfg.LockoutMs = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidLockout)
}

func TestSlidingWindowLimiter_Lockout(t *testing.T) {
	l := NewSlidingWindowLimiter(strictConfig(2, 60_000, 10_000))
	ip := "203.0.113.7"

	assert.False(t, l.RecordFailureAt(ip, types.ScopeDefault, t0))
	assert.True(t, l.RecordFailureAt(ip, types.ScopeDefault, t0+1), "second failure should trigger lockout")

	res := l.CheckAt(ip, types.ScopeDefault, t0+2)
	assert.False(t, res.Allowed)
	assert.Equal(t, uint32(0), res.Remaining)
	// Lockout runs from the triggering failure at t0+1.
	assert.Equal(t, int64(9_999), res.RetryAfterMs)

	res = l.CheckAt(ip, types.ScopeDefault, t0+10_200)
	assert.True(t, res.Allowed)
	assert.Equal(t, uint32(2), res.Remaining)
}

func TestSlidingWindowLimiter_LockoutBoundary(t *testing.T) {
	l := NewSlidingWindowLimiter(strictConfig(1, 60_000, 5_000))
	ip := "198.51.100.1"

	require.True(t, l.RecordFailureAt(ip, types.ScopeSharedSecret, t0))

	res := l.CheckAt(ip, types.ScopeSharedSecret, t0+4_999)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(1), res.RetryAfterMs)

	// Expired lockout resets the entry completely, even though the failure is
	// still inside the window.
	res = l.CheckAt(ip, types.ScopeSharedSecret, t0+5_000)
	assert.True(t, res.Allowed)
	assert.Equal(t, uint32(1), res.Remaining)
}

func TestSlidingWindowLimiter_FailureAfterExpiredLockoutWithoutCheck(t *testing.T) {
	l := NewSlidingWindowLimiter(strictConfig(3, 60_000, 10_000))
	ip := "198.51.100.20"

	l.RecordFailureAt(ip, types.ScopeDefault, t0)
	l.RecordFailureAt(ip, types.ScopeDefault, t0+1)
	require.True(t, l.RecordFailureAt(ip, types.ScopeDefault, t0+2))

	// No Check in between: the expired lockout still clears the pre-lockout
	// attempts even though they sit inside the window.
	assert.False(t, l.RecordFailureAt(ip, types.ScopeDefault, t0+10_500))

	res := l.CheckAt(ip, types.ScopeDefault, t0+10_600)
	assert.True(t, res.Allowed)
	assert.Equal(t, uint32(2), res.Remaining)

	assert.False(t, l.RecordFailureAt(ip, types.ScopeDefault, t0+10_700))
	assert.True(t, l.RecordFailureAt(ip, types.ScopeDefault, t0+10_800), "third failure after expiry locks again")
	assert.Equal(t, int64(10_000), l.CheckAt(ip, types.ScopeDefault, t0+10_800).RetryAfterMs)
}

func TestSlidingWindowLimiter_FailuresIgnoredWhileLocked(t *testing.T) {
	l := NewSlidingWindowLimiter(strictConfig(2, 60_000, 10_000))
	ip := "192.0.2.10"

	l.RecordFailureAt(ip, types.ScopeDefault, t0)
	l.RecordFailureAt(ip, types.ScopeDefault, t0+1)
	assert.False(t, l.RecordFailureAt(ip, types.ScopeDefault, t0+5_000))

	// Still measured from the original trigger, not extended.
	res := l.CheckAt(ip, types.ScopeDefault, t0+6_000)
	assert.Equal(t, int64(4_001), res.RetryAfterMs)
}

func TestSlidingWindowLimiter_Burst(t *testing.T) {
	cfg := strictConfig(2, 60_000, 30_000)
	cfg.BurstAllowance = 3
	l := NewSlidingWindowLimiter(cfg)
	ip := "203.0.113.50"

	for i := int64(0); i < 4; i++ {
		assert.False(t, l.RecordFailureAt(ip, types.ScopeDeviceToken, t0+i))
	}

	res := l.CheckAt(ip, types.ScopeDeviceToken, t0+10)
	assert.True(t, res.Allowed)
	assert.Equal(t, uint32(1), res.Remaining)

	assert.True(t, l.RecordFailureAt(ip, types.ScopeDeviceToken, t0+11))
	res = l.CheckAt(ip, types.ScopeDeviceToken, t0+12)
	assert.False(t, res.Allowed)
}

func TestSlidingWindowLimiter_WindowSlides(t *testing.T) {
	l := NewSlidingWindowLimiter(strictConfig(3, 1_000, 60_000))
	ip := "203.0.113.9"

	l.RecordFailureAt(ip, types.ScopeDefault, t0)

	res := l.CheckAt(ip, types.ScopeDefault, t0+500)
	assert.Equal(t, uint32(2), res.Remaining)

	// A timestamp exactly at now-window is dropped.
	res = l.CheckAt(ip, types.ScopeDefault, t0+1_000)
	assert.Equal(t, uint32(3), res.Remaining)

	l.RecordFailureAt(ip, types.ScopeDefault, t0+2_000)
	res = l.CheckAt(ip, types.ScopeDefault, t0+2_000+1_000+1)
	assert.True(t, res.Allowed)
	assert.Equal(t, uint32(3), res.Remaining)
}

func TestSlidingWindowLimiter_OldFailuresDoNotLock(t *testing.T) {
	l := NewSlidingWindowLimiter(strictConfig(2, 1_000, 60_000))
	ip := "203.0.113.20"

	assert.False(t, l.RecordFailureAt(ip, types.ScopeDefault, t0))
	assert.False(t, l.RecordFailureAt(ip, types.ScopeDefault, t0+1_500))
	assert.True(t, l.CheckAt(ip, types.ScopeDefault, t0+1_600).Allowed)
}

func TestSlidingWindowLimiter_Loopback(t *testing.T) {
	l := NewSlidingWindowLimiter(DefaultSlidingWindowConfig())

	for _, ip := range []string{"127.0.0.1", "::1", "localhost", "::ffff:127.0.0.1"} {
		t.Run(ip, func(t *testing.T) {
			for i := int64(0); i < 20; i++ {
				assert.False(t, l.RecordFailureAt(ip, types.ScopeDefault, t0+i))
			}
			res := l.CheckAt(ip, types.ScopeDefault, t0+30)
			assert.True(t, res.Allowed)
			assert.Equal(t, uint32(10), res.Remaining)
		})
	}
	assert.Equal(t, 0, l.Size())
}

func TestSlidingWindowLimiter_LoopbackNotExempt(t *testing.T) {
	l := NewSlidingWindowLimiter(strictConfig(1, 60_000, 1_000))

	assert.True(t, l.RecordFailureAt("127.0.0.1", types.ScopeDefault, t0))
	assert.False(t, l.CheckAt("127.0.0.1", types.ScopeDefault, t0+1).Allowed)
	assert.Equal(t, 1, l.Size())
}

func TestSlidingWindowLimiter_ScopesAreIndependent(t *testing.T) {
	l := NewSlidingWindowLimiter(strictConfig(1, 60_000, 60_000))
	ip := "203.0.113.30"

	l.RecordFailureAt(ip, types.ScopeSharedSecret, t0)

	assert.False(t, l.CheckAt(ip, types.ScopeSharedSecret, t0+1).Allowed)
	assert.True(t, l.CheckAt(ip, types.ScopeHookAuth, t0+1).Allowed)
	assert.True(t, l.CheckAt("203.0.113.31", types.ScopeSharedSecret, t0+1).Allowed)
}

func TestSlidingWindowLimiter_Reset(t *testing.T) {
	l := NewSlidingWindowLimiter(strictConfig(2, 60_000, 60_000))
	ip := "203.0.113.40"

	l.RecordFailureAt(ip, types.ScopeDefault, t0)
	l.RecordFailureAt(ip, types.ScopeDefault, t0+1)
	require.False(t, l.CheckAt(ip, types.ScopeDefault, t0+2).Allowed)

	l.Reset(ip, types.ScopeDefault)
	assert.Equal(t, 0, l.Size())

	res := l.CheckAt(ip, types.ScopeDefault, t0+3)
	assert.True(t, res.Allowed)
	assert.Equal(t, uint32(2), res.Remaining)

	// Reset on an absent key is a no-op.
	l.Reset(ip, types.ScopeDefault)
	assert.Equal(t, 0, l.Size())
}

func TestSlidingWindowLimiter_OversizedKeyFailsOpen(t *testing.T) {
	l := NewSlidingWindowLimiter(strictConfig(1, 60_000, 60_000))
	longIP := strings.Repeat("9", MaxKeyLength)

	for i := int64(0); i < 5; i++ {
		assert.False(t, l.RecordFailureAt(longIP, types.ScopeDefault, t0+i))
	}
	assert.Equal(t, 0, l.Size())

	res := l.CheckAt(longIP, types.ScopeDefault, t0+10)
	assert.True(t, res.Allowed)
	assert.Equal(t, uint32(1), res.Remaining)

	l.Reset(longIP, types.ScopeDefault)
}

func TestSlidingWindowLimiter_KeyLengthBoundary(t *testing.T) {
	l := NewSlidingWindowLimiter(strictConfig(1, 60_000, 60_000))
	// "default:" is 8 bytes, so this renders to exactly MaxKeyLength.
	ip := strings.Repeat("a", MaxKeyLength-len(types.ScopeDefault)-1)

	assert.True(t, l.RecordFailureAt(ip, types.ScopeDefault, t0))
	assert.Equal(t, 1, l.Size())
	assert.False(t, l.CheckAt(ip, types.ScopeDefault, t0+1).Allowed)
}

func TestSlidingWindowLimiter_Prune(t *testing.T) {
	l := NewSlidingWindowLimiter(strictConfig(2, 1_000, 10_000))

	l.RecordFailureAt("10.0.0.1", types.ScopeDefault, t0) // stale after window
	l.RecordFailureAt("10.0.0.2", types.ScopeDefault, t0) // locked
	l.RecordFailureAt("10.0.0.2", types.ScopeDefault, t0+1)
	l.RecordFailureAt("10.0.0.3", types.ScopeDefault, t0+1_500) // still in window
	require.Equal(t, 3, l.Size())

	removed := l.PruneAt(t0 + 2_000)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, l.Size())
	assert.False(t, l.CheckAt("10.0.0.2", types.ScopeDefault, t0+2_000).Allowed)

	// After the lockout and window both expire everything goes.
	removed = l.PruneAt(t0 + 20_000)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, l.Size())
}

func TestSlidingWindowLimiter_Clear(t *testing.T) {
	l := NewSlidingWindowLimiter(strictConfig(5, 60_000, 60_000))
	for i := 0; i < 10; i++ {
		l.RecordFailureAt(fmt.Sprintf("10.0.1.%d", i), types.ScopeDefault, t0)
	}
	require.Equal(t, 10, l.Size())

	l.Clear()
	assert.Equal(t, 0, l.Size())
}

func TestSlidingWindowLimiter_WallClockVariants(t *testing.T) {
	l := NewSlidingWindowLimiter(strictConfig(1, 60_000, 60_000))

	assert.True(t, l.Check("203.0.113.60", types.ScopeDefault).Allowed)
	assert.True(t, l.RecordFailure("203.0.113.60", types.ScopeDefault))

	res := l.Check("203.0.113.60", types.ScopeDefault)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfterMs, int64(0))
	assert.Equal(t, 0, l.Prune(), "locked entries survive pruning")
	assert.Equal(t, 1, l.Size())
}

func TestSlidingWindowLimiter_Concurrent(t *testing.T) {
	l := NewSlidingWindowLimiter(strictConfig(1_000, 60_000, 60_000))

	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			ip := fmt.Sprintf("10.1.0.%d", g%5)
			for i := 0; i < 50; i++ {
				l.RecordFailureAt(ip, types.ScopeDefault, t0+int64(i))
				l.CheckAt(ip, types.ScopeDefault, t0+int64(i))
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 5, l.Size())
	// 4 goroutines per ip, 50 failures each.
	res := l.CheckAt("10.1.0.0", types.ScopeDefault, t0+100)
	assert.Equal(t, uint32(800), res.Remaining)
}
