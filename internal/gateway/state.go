// Package gateway composes the admission limiters and live-session
// directories into the single State the connection handler works against.
package gateway

import (
	"sync"

	"agentgate/internal/presence"
	"agentgate/internal/ratelimit"
	"agentgate/internal/session"
	"agentgate/pkg/types"
)

// DefaultAuthLimiterConfig is the failed-auth quota used when none is configured:
// 5 attempts per 60s, other fields at their limiter defaults.
func DefaultAuthLimiterConfig() ratelimit.SlidingWindowConfig {
	cfg := ratelimit.DefaultSlidingWindowConfig()
	cfg.MaxAttempts = 5
	cfg.WindowMs = 60_000
	return cfg
}

// Options overrides construction defaults
type Options struct {
	AuthLimiter ratelimit.SlidingWindowConfig
	// StartedAtMs defaults to the wall clock when zero.
	StartedAtMs int64
}

// Status is a point-in-time summary for status RPCs and the HTTP API
type Status struct {
	AuthMode            types.AuthMode `json:"auth_mode"`
	Connections         int            `json:"connections"`
	PresenceOnline      int            `json:"presence_online"`
	PresenceVersion     uint64         `json:"presence_version"`
	AuthEntries         int            `json:"auth_entries"`
	ControlPlaneBuckets int            `json:"control_plane_buckets"`
	UptimeMs            int64          `json:"uptime_ms"`
}

// State is the long-lived gateway aggregate.
// Each component carries its own lock; State adds none of its own.
type State struct {
	Registry     *session.Registry
	Presence     *presence.Tracker
	AuthLimiter  *ratelimit.SlidingWindowLimiter
	ControlPlane *ratelimit.ControlPlaneLimiter

	authMode    types.AuthMode
	authConfig  types.AuthConfig
	startedAtMs int64

	closeOnce sync.Once
}

// New builds a State with the default auth limiter
func New(authMode types.AuthMode, authConfig types.AuthConfig) *State {
	return NewWithOptions(authMode, authConfig, Options{AuthLimiter: DefaultAuthLimiterConfig()})
}

// NewWithOptions builds a State with an explicit auth limiter configuration
func NewWithOptions(authMode types.AuthMode, authConfig types.AuthConfig, opts Options) *State {
	started := opts.StartedAtMs
	if started == 0 {
		started = types.NowMillis()
	}
	return &State{
		Registry:     session.NewRegistry(),
		Presence:     presence.NewTracker(),
		AuthLimiter:  ratelimit.NewSlidingWindowLimiter(opts.AuthLimiter),
		ControlPlane: ratelimit.NewControlPlaneLimiter(),
		authMode:     authMode,
		authConfig:   authConfig,
		startedAtMs:  started,
	}
}

// AuthMode returns the configured authentication mode
func (s *State) AuthMode() types.AuthMode {
	return s.authMode
}

// AuthConfig returns the configured shared secrets
func (s *State) AuthConfig() types.AuthConfig {
	return s.authConfig
}

// StartedAtMs returns the gateway start time
func (s *State) StartedAtMs() int64 {
	return s.startedAtMs
}

// ConnectionCount delegates to the registry
func (s *State) ConnectionCount() int {
	return s.Registry.Count()
}

// UptimeMs returns milliseconds since start
func (s *State) UptimeMs() int64 {
	return s.UptimeMsAt(types.NowMillis())
}

// UptimeMsAt returns milliseconds between start and nowMs
func (s *State) UptimeMsAt(nowMs int64) int64 {
	return nowMs - s.startedAtMs
}

// Status summarizes the gateway using the wall clock
func (s *State) Status() Status {
	return s.StatusAt(types.NowMillis())
}

// StatusAt summarizes the gateway at nowMs.
// Each field is read under its own component lock, so the values are not a
// single atomic snapshot.
func (s *State) StatusAt(nowMs int64) Status {
	return Status{
		AuthMode:            s.authMode,
		Connections:         s.Registry.Count(),
		PresenceOnline:      s.Presence.OnlineCount(),
		PresenceVersion:     s.Presence.Version(),
		AuthEntries:         s.AuthLimiter.Size(),
		ControlPlaneBuckets: s.ControlPlane.Size(),
		UptimeMs:            s.UptimeMsAt(nowMs),
	}
}

// Close tears down all owned state. Safe to call more than once.
func (s *State) Close() {
	s.closeOnce.Do(func() {
		s.Registry.Clear()
		s.Presence.Clear()
		s.AuthLimiter.Clear()
		s.ControlPlane.Clear()
	})
}
