package maintenance

import "errors"

var (
	ErrAlreadyRunning = errors.New("maintenance is already running")
	ErrNotRunning     = errors.New("maintenance is not running")
	ErrNoAuditStore   = errors.New("retention purge requires an audit store")
)
