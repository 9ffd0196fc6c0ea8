package ratelimit

import (
	"sync"

	"agentgate/pkg/types"
)

// Control-plane quota. These are not configurable.
const (
	ControlPlaneMaxRequests = 3
	ControlPlaneWindowMs    = 60_000
)

type bucket struct {
	count         uint32
	windowStartMs int64
}

// ControlPlaneLimiter applies a fixed 3 requests / 60s quota per opaque key
// to sensitive RPC methods such as connections.kick and auth.reset.
type ControlPlaneLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewControlPlaneLimiter creates an empty limiter
func NewControlPlaneLimiter() *ControlPlaneLimiter {
	return &ControlPlaneLimiter{
		buckets: make(map[string]*bucket),
	}
}

// Consume takes one request for key
func (c *ControlPlaneLimiter) Consume(key string) types.CheckResult {
	return c.ConsumeAt(key, types.NowMillis())
}

// ConsumeAt is Consume evaluated at nowMs
func (c *ControlPlaneLimiter) ConsumeAt(key string, nowMs int64) types.CheckResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, exists := c.buckets[key]
	if !exists || nowMs-b.windowStartMs >= ControlPlaneWindowMs {
		c.buckets[key] = &bucket{count: 1, windowStartMs: nowMs}
		return types.CheckResult{Allowed: true, Remaining: ControlPlaneMaxRequests - 1}
	}

	if b.count >= ControlPlaneMaxRequests {
		retry := b.windowStartMs + ControlPlaneWindowMs - nowMs
		if retry < 0 {
			retry = 0
		}
		return types.CheckResult{Allowed: false, Remaining: 0, RetryAfterMs: retry}
	}

	b.count++
	return types.CheckResult{Allowed: true, Remaining: ControlPlaneMaxRequests - b.count}
}

// Size returns the number of live buckets
func (c *ControlPlaneLimiter) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}

// Prune drops buckets whose window has elapsed
func (c *ControlPlaneLimiter) Prune() int {
	return c.PruneAt(types.NowMillis())
}

// PruneAt is Prune evaluated at nowMs
func (c *ControlPlaneLimiter) PruneAt(nowMs int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, b := range c.buckets {
		if nowMs-b.windowStartMs >= ControlPlaneWindowMs {
			delete(c.buckets, key)
			removed++
		}
	}
	return removed
}

// ResolveControlPlaneKey builds the bucket key "{device}|{ip}".
// Missing parts become unknown-device / unknown-ip. Only when both are unknown
// and connID is non-empty is "|conn={connID}" appended.
// An empty result means the key would exceed MaxKeyLength; callers must reject.
func ResolveControlPlaneKey(deviceID, clientIP, connID string) string {
	device := deviceID
	if device == "" {
		device = "unknown-device"
	}
	ip := clientIP
	if ip == "" {
		ip = "unknown-ip"
	}

	key := device + "|" + ip
	if deviceID == "" && clientIP == "" && connID != "" {
		key += "|conn=" + connID
	}

	if len(key) > MaxKeyLength {
		return ""
	}
	return key
}

// Clear drops every bucket
func (c *ControlPlaneLimiter) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets = make(map[string]*bucket)
}
