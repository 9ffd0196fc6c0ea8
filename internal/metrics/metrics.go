// Package metrics exposes gateway counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentgate/pkg/types"
)

const namespace = "agentgate"

// Metrics holds every collector. Build one per process with New; tests use
// their own registry.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	AuthAttempts      *prometheus.CounterVec
	AuthLockouts      *prometheus.CounterVec
	Decisions         *prometheus.CounterVec
	LimiterEntries    *prometheus.GaugeVec
	PrunedEntries     *prometheus.CounterVec
	PresenceOnline    prometheus.Gauge
	RPCRequests       *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
	AuditPurged       prometheus.Counter
	AuditWriteErrors  prometheus.Counter
}

// New registers all collectors, plus Go runtime and process collectors, on a
// fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newWithRegistry(reg)
}

// NewForTest registers only the gateway collectors
func NewForTest() *Metrics {
	return newWithRegistry(prometheus.NewRegistry())
}

func newWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of registered WebSocket connections",
		}),
		ConnectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total authenticated connections by role",
		}, []string{"role"}),
		AuthAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Connect handshakes by scope and result",
		}, []string{"scope", "result"}),
		AuthLockouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_lockouts_total",
			Help:      "Lockouts triggered by failed authentication",
		}, []string{"scope"}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Admission decisions by limiter and result",
		}, []string{"limiter", "result"}),
		LimiterEntries: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ratelimit_entries",
			Help:      "Tracked keys per limiter after the last prune",
		}, []string{"limiter"}),
		PrunedEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_pruned_total",
			Help:      "Limiter entries removed by the maintenance loop",
		}, []string{"limiter"}),
		PresenceOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_online",
			Help:      "Presence keys currently online",
		}),
		RPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "RPC requests by method and outcome",
		}, []string{"method", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route", "status"}),
		AuditPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_purged_rows_total",
			Help:      "Audit rows deleted by retention",
		}),
		AuditWriteErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_write_errors_total",
			Help:      "Audit writes that failed after retry",
		}),
	}
}

// Registry returns the registry backing this instance
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// The Observe helpers are no-ops on a nil *Metrics so components can run
// without instrumentation.

// ObserveDecision counts one admission decision
func (m *Metrics) ObserveDecision(d types.Decision) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(d.Limiter, resultLabel(d.Allowed)).Inc()
}

// ObserveAuth counts one connect handshake outcome
func (m *Metrics) ObserveAuth(scope types.Scope, ok bool) {
	if m == nil {
		return
	}
	m.AuthAttempts.WithLabelValues(string(scope), resultLabel(ok)).Inc()
}

// ObserveHTTP records one HTTP request
func (m *Metrics) ObserveHTTP(method, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(seconds)
}

// ObserveLockout counts a lockout triggered in scope
func (m *Metrics) ObserveLockout(scope types.Scope) {
	if m == nil {
		return
	}
	m.AuthLockouts.WithLabelValues(string(scope)).Inc()
}

// ObserveRPC counts one dispatched request; status is "ok" or an error code
func (m *Metrics) ObserveRPC(method, status string) {
	if m == nil {
		return
	}
	m.RPCRequests.WithLabelValues(method, status).Inc()
}

// ObserveConnect counts an authenticated connection and bumps the active gauge
func (m *Metrics) ObserveConnect(role types.ClientRole) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(string(role)).Inc()
	m.ConnectionsActive.Inc()
}

// ObserveDisconnect lowers the active gauge
func (m *Metrics) ObserveDisconnect() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// ObserveAuditError counts an audit write that did not land
func (m *Metrics) ObserveAuditError() {
	if m == nil {
		return
	}
	m.AuditWriteErrors.Inc()
}

// ObservePrune records one maintenance pass over a limiter
func (m *Metrics) ObservePrune(limiter string, removed, remaining int) {
	if m == nil {
		return
	}
	m.PrunedEntries.WithLabelValues(limiter).Add(float64(removed))
	m.LimiterEntries.WithLabelValues(limiter).Set(float64(remaining))
}

// ObservePresence sets the online gauge
func (m *Metrics) ObservePresence(online int) {
	if m == nil {
		return
	}
	m.PresenceOnline.Set(float64(online))
}

// ObservePurge counts rows removed by audit retention
func (m *Metrics) ObservePurge(rows int64) {
	if m == nil {
		return
	}
	m.AuditPurged.Add(float64(rows))
}

func resultLabel(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
