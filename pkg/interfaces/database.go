package interfaces

import (
	"context"
	"time"

	"agentgate/pkg/types"
)

// AuditStore persists connection and lockout history
// ARCHITECTURAL DISCOVERY: The live registry never reads from the audit store.
// Writes are best-effort from the connection path and must not hold limiter locks.
type AuditStore interface {
	// RecordConnectionEvent appends one lifecycle event
	RecordConnectionEvent(ctx context.Context, event *types.ConnectionEvent) error

	// RecordLockout appends one lockout
	RecordLockout(ctx context.Context, record *types.LockoutRecord) error

	// ListConnectionEvents returns the newest events first, at most limit rows
	ListConnectionEvents(ctx context.Context, limit int) ([]*types.ConnectionEvent, error)

	// ListLockouts returns the newest lockouts first, at most limit rows
	ListLockouts(ctx context.Context, limit int) ([]*types.LockoutRecord, error)

	// PurgeBefore deletes audit rows older than cutoff and returns the count
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// HealthCheck verifies database connectivity
	HealthCheck(ctx context.Context) error

	// Close flushes pending writes and closes the database
	Close() error
}
