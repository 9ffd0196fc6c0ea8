package rpc

import (
	"errors"

	"agentgate/pkg/types"
)

// Dispatcher errors
var (
	ErrUnknownMethod = errors.New("unknown method")
	ErrForbidden     = errors.New("role not permitted for method")
	ErrNoControlKey  = errors.New("control-plane key unavailable")
	ErrConnNotFound  = errors.New("connection not found")
)

func shape(code string, err error) *types.ErrorShape {
	return &types.ErrorShape{Code: code, Message: err.Error()}
}
