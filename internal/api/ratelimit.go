package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// VisitorLimiter is a per-IP token bucket for the HTTP API.
// ARCHITECTURAL DISCOVERY: Buckets are per process. Idle visitors are dropped by
// Prune, which the maintenance loop calls; the limiter owns no goroutine.
type VisitorLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewVisitorLimiter allows perSecond requests per IP with the given burst
func NewVisitorLimiter(perSecond float64, burst int) *VisitorLimiter {
	return &VisitorLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow takes one token for ip
func (l *VisitorLimiter) Allow(ip string) bool {
	l.mu.Lock()
	now := l.now()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// Size returns the number of tracked visitors
func (l *VisitorLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// Prune drops visitors not seen within idle and returns how many were removed
func (l *VisitorLimiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	removed := 0
	for ip, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, ip)
			removed++
		}
	}
	return removed
}
