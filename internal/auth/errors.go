package auth

import "errors"

// Authentication failures. All of them count against the auth limiter.
var (
	ErrMissingCredentials = errors.New("credentials required")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSecretNotSet       = errors.New("gateway secret not configured for auth mode")
	ErrUntrustedProxy     = errors.New("request did not arrive through a trusted proxy")
	ErrNonceMismatch      = errors.New("challenge nonce mismatch")
)
