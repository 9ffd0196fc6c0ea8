package session

import "errors"

// ErrEmptyConnID is returned when registering a connection without an ID
var ErrEmptyConnID = errors.New("connection ID cannot be empty")
