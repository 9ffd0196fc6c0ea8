package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Socket directory errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
	ErrEmptyConnID   = errors.New("connection must carry a conn id")
	ErrSocketsClosed = errors.New("gateway is shutting down")
)

// Handshake errors
var (
	ErrExpectedConnect = errors.New("first frame must be a connect request")
	ErrBadConnectFrame = errors.New("malformed connect frame")
)
