package types

import "errors"

// Validation errors shared by the transport and RPC layers
var (
	ErrInvalidRole        = errors.New("role must be one of operator, admin, viewer")
	ErrInvalidClientMode  = errors.New("client mode must be one of cli, ui, webchat, backend")
	ErrInvalidClientID    = errors.New("client ID must be 1-128 characters, alphanumeric + ._:-")
	ErrInvalidPresenceKey = errors.New("presence key must be 1-200 printable characters")
	ErrInvalidAuthMode    = errors.New("auth mode must be one of none, token, password, trusted-proxy")
	ErrInvalidFrame       = errors.New("invalid frame")
)
