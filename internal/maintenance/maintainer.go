// Package maintenance runs the gateway's background housekeeping: periodic
// pruning of limiter state and the scheduled audit retention purge.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"

	"agentgate/internal/gateway"
	"agentgate/internal/logging"
	"agentgate/internal/metrics"
	"agentgate/pkg/interfaces"
	"agentgate/pkg/types"
)

// Limiter names for prune metrics that are not admission limiters
const (
	PruneVisitors = "http_visitors"
)

// VisitorPruner drops idle per-IP HTTP buckets
type VisitorPruner interface {
	Prune(idle time.Duration) int
	Size() int
}

// Options controls the schedule. A zero Retention disables the purge job.
type Options struct {
	PruneInterval     time.Duration
	VisitorIdle       time.Duration
	Retention         time.Duration
	RetentionSchedule string
}

// Deps are the components maintained. Only State is required.
type Deps struct {
	State    *gateway.State
	Audit    interfaces.AuditStore
	Visitors VisitorPruner
	Metrics  *metrics.Metrics
	Logger   hclog.Logger
}

// PruneReport counts the entries removed by one prune pass
type PruneReport struct {
	Auth         int
	ControlPlane int
	Visitors     int
}

// Maintainer owns the prune ticker and the retention cron
// ARCHITECTURAL DISCOVERY: Limiters never clean up after themselves. All
// expiry of idle state happens here so lock hold times stay bounded by one pass.
type Maintainer struct {
	deps   Deps
	opts   Options
	logger hclog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	cron    *cron.Cron
	stopCh  chan struct{}
	done    chan struct{}
}

// New validates opts and builds a stopped Maintainer
func New(deps Deps, opts Options) (*Maintainer, error) {
	if deps.State == nil {
		return nil, fmt.Errorf("maintenance requires gateway state")
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = time.Minute
	}
	if opts.VisitorIdle <= 0 {
		opts.VisitorIdle = 3 * time.Minute
	}
	if opts.Retention < 0 {
		return nil, fmt.Errorf("retention cannot be negative")
	}
	if opts.Retention > 0 {
		if deps.Audit == nil {
			return nil, ErrNoAuditStore
		}
		if _, err := cron.ParseStandard(opts.RetentionSchedule); err != nil {
			return nil, fmt.Errorf("invalid retention schedule %q: %w", opts.RetentionSchedule, err)
		}
	}

	return &Maintainer{
		deps:   deps,
		opts:   opts,
		logger: logging.OrNull(deps.Logger).Named("maintenance"),
		now:    time.Now,
	}, nil
}

// Start launches the prune loop and, when retention is set, the purge job
func (m *Maintainer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyRunning
	}

	if m.opts.Retention > 0 {
		c := cron.New()
		if _, err := c.AddFunc(m.opts.RetentionSchedule, func() {
			if _, err := m.PurgeOnce(ctx); err != nil {
				m.logger.Warn("audit purge failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule retention purge: %w", err)
		}
		c.Start()
		m.cron = c
	}

	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	m.running = true
	go m.run(ctx, m.stopCh, m.done)

	m.logger.Info("maintenance started", "prune_interval", m.opts.PruneInterval,
		"retention", m.opts.Retention, "schedule", m.opts.RetentionSchedule)
	return nil
}

// Stop halts the loop and waits for an in-flight purge to finish
func (m *Maintainer) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.running = false
	close(m.stopCh)
	done := m.done
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	<-done
	if c != nil {
		<-c.Stop().Done()
	}
	m.logger.Info("maintenance stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop
func (m *Maintainer) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Maintainer) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.opts.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.PruneOnce()
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// PruneOnce expires idle limiter state and refreshes the size gauges
func (m *Maintainer) PruneOnce() PruneReport {
	state := m.deps.State
	nowMs := m.now().UnixMilli()

	report := PruneReport{
		Auth:         state.AuthLimiter.PruneAt(nowMs),
		ControlPlane: state.ControlPlane.PruneAt(nowMs),
	}
	m.deps.Metrics.ObservePrune(types.LimiterAuth, report.Auth, state.AuthLimiter.Size())
	m.deps.Metrics.ObservePrune(types.LimiterControlPlane, report.ControlPlane, state.ControlPlane.Size())

	if m.deps.Visitors != nil {
		report.Visitors = m.deps.Visitors.Prune(m.opts.VisitorIdle)
		m.deps.Metrics.ObservePrune(PruneVisitors, report.Visitors, m.deps.Visitors.Size())
	}
	m.deps.Metrics.ObservePresence(state.Presence.OnlineCount())

	if report.Auth+report.ControlPlane+report.Visitors > 0 {
		m.logger.Debug("pruned limiter state", "auth", report.Auth,
			"control_plane", report.ControlPlane, "visitors", report.Visitors)
	}
	return report
}

// PurgeOnce deletes audit rows older than the retention window
func (m *Maintainer) PurgeOnce(ctx context.Context) (int64, error) {
	if m.deps.Audit == nil {
		return 0, ErrNoAuditStore
	}
	if m.opts.Retention <= 0 {
		return 0, nil
	}

	cutoff := m.now().Add(-m.opts.Retention)
	rows, err := m.deps.Audit.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	m.deps.Metrics.ObservePurge(rows)
	m.logger.Info("purged audit rows", "rows", rows, "cutoff", cutoff.UTC().Format(time.RFC3339))
	return rows, nil
}
