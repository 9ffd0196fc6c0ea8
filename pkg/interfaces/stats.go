package interfaces

import (
	"context"

	"agentgate/pkg/types"
)

// StatsRecorder receives admission decisions. Errors are logged, never surfaced
// to the client.
type StatsRecorder interface {
	Record(ctx context.Context, decision types.Decision) error
}
