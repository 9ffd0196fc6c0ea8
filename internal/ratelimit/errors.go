package ratelimit

import "errors"

// Rate limiter errors
var (
	ErrInvalidMaxAttempts = errors.New("max attempts must be at least 1")
	ErrInvalidWindow      = errors.New("window must be at least 1ms")
	ErrInvalidLockout     = errors.New("lockout must not be negative")
)
