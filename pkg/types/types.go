package types

import (
	"encoding/json"
	"time"
)

// Scope partitions the failed-auth namespace of the sliding window limiter.
// The string values are part of the composite key format "{scope}:{ip}".
type Scope string

const (
	ScopeDefault      Scope = "default"
	ScopeSharedSecret Scope = "shared-secret"
	ScopeDeviceToken  Scope = "device-token"
	ScopeHookAuth     Scope = "hook-auth"
)

// ClientRole is the role granted to a connection after authentication
type ClientRole string

const (
	RoleOperator ClientRole = "operator"
	RoleAdmin    ClientRole = "admin"
	RoleViewer   ClientRole = "viewer"
)

// ClientMode identifies the kind of client on the other end of a connection
type ClientMode string

const (
	ClientModeCLI     ClientMode = "cli"
	ClientModeUI      ClientMode = "ui"
	ClientModeWebchat ClientMode = "webchat"
	ClientModeBackend ClientMode = "backend"
)

// AuthMode selects how connect requests are authenticated
type AuthMode string

const (
	AuthModeNone         AuthMode = "none"
	AuthModeToken        AuthMode = "token"
	AuthModePassword     AuthMode = "password"
	AuthModeTrustedProxy AuthMode = "trusted-proxy"
)

// AuthConfig carries the shared secrets for token and password modes.
// Empty strings mean "not configured".
type AuthConfig struct {
	Token    string `json:"-" yaml:"-"`
	Password string `json:"-" yaml:"-"`
}

// CheckResult is returned by every limiter check or consume call.
// Callers reject with a retry-after hint when Allowed is false.
type CheckResult struct {
	Allowed      bool   `json:"allowed"`
	Remaining    uint32 `json:"remaining"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}

// RetryAfter converts RetryAfterMs into a duration for HTTP headers and timers
func (r CheckResult) RetryAfter() time.Duration {
	return time.Duration(r.RetryAfterMs) * time.Millisecond
}

// Frame type discriminators used on the gateway socket
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame is a client-to-gateway RPC call
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers exactly one RequestFrame, matched by ID
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// EventFrame is an unsolicited gateway-to-client notification
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// ErrorShape is the error body carried by a failed ResponseFrame
type ErrorShape struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// Error codes carried in ErrorShape.Code
const (
	ErrorCodeInvalidRequest = "INVALID_REQUEST"
	ErrorCodeUnauthorized   = "UNAUTHORIZED"
	ErrorCodeForbidden      = "FORBIDDEN"
	ErrorCodeRateLimited    = "RATE_LIMITED"
	ErrorCodeNotFound       = "NOT_FOUND"
	ErrorCodeUnavailable    = "UNAVAILABLE"
)

// NewResponse builds a successful response for request id
func NewResponse(id string, payload interface{}) ResponseFrame {
	return ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed response for request id
func NewErrorResponse(id string, shape ErrorShape) ResponseFrame {
	return ResponseFrame{Type: FrameTypeResponse, ID: id, OK: false, Error: &shape}
}

// NewEvent builds an event frame
func NewEvent(event string, payload interface{}) EventFrame {
	return EventFrame{Type: FrameTypeEvent, Event: event, Payload: payload}
}

// NowMillis reads the wall clock once and returns epoch milliseconds.
// Only the plain (non-At) operations call it.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
