package types

import "time"

// ConnectionEventKind classifies an audited connection lifecycle event
type ConnectionEventKind string

const (
	EventConnected    ConnectionEventKind = "connected"
	EventDisconnected ConnectionEventKind = "disconnected"
	EventAuthFailed   ConnectionEventKind = "auth_failed"
	EventRejected     ConnectionEventKind = "rejected"
	EventKicked       ConnectionEventKind = "kicked"
)

// ConnectionEvent is one row of the connection audit trail
type ConnectionEvent struct {
	ID        int64               `json:"id"`
	Kind      ConnectionEventKind `json:"kind"`
	ConnID    string              `json:"conn_id,omitempty"`
	Role      ClientRole          `json:"role,omitempty"`
	ClientID  string              `json:"client_id,omitempty"`
	ClientIP  string              `json:"client_ip"`
	Scope     Scope               `json:"scope,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// LockoutRecord is written whenever a failed auth triggers a lockout
type LockoutRecord struct {
	ID        int64     `json:"id"`
	ClientIP  string    `json:"client_ip"`
	Scope     Scope     `json:"scope"`
	LockoutMs int64     `json:"lockout_ms"`
	LockedAt  time.Time `json:"locked_at"`
}

// Limiter names used in decision stats and metrics labels
const (
	LimiterAuth         = "auth"
	LimiterFrame        = "frame"
	LimiterControlPlane = "control_plane"
	LimiterHTTP         = "http"
)

// Decision is one admission decision reported to the stats store
type Decision struct {
	Limiter string    `json:"limiter"`
	Key     string    `json:"key,omitempty"`
	Allowed bool      `json:"allowed"`
	At      time.Time `json:"at"`
}

// IsValid reports whether k is one of the audited kinds
func (k ConnectionEventKind) IsValid() bool {
	switch k {
	case EventConnected, EventDisconnected, EventAuthFailed, EventRejected, EventKicked:
		return true
	}
	return false
}
