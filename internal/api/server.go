// Package api serves the read-only HTTP surface of the gateway: health,
// status, live connections, presence, audit history, decision stats and
// Prometheus metrics. The gateway socket is mounted at /ws.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"

	"agentgate/internal/gateway"
	"agentgate/internal/logging"
	"agentgate/internal/metrics"
	"agentgate/internal/stats"
	"agentgate/pkg/interfaces"
	"agentgate/pkg/types"
)

// Audit listing bounds
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// StatsReader exposes in-process decision counters
type StatsReader interface {
	Total() stats.Counters
	ByLimiter() map[string]stats.Counters
}

// ClientIPResolver maps a request to the client address used for rate limiting
type ClientIPResolver interface {
	ResolveClientIP(r *http.Request) (string, bool)
}

// Deps are the components the API reads from. Only State is required.
type Deps struct {
	State       *gateway.State
	Audit       interfaces.AuditStore
	Stats       interfaces.StatsRecorder
	StatsReader StatsReader
	Metrics     *metrics.Metrics
	Limiter     *VisitorLimiter
	ClientIP    ClientIPResolver
	Gateway     http.Handler
	Logger      hclog.Logger
}

// ARCHITECTURAL DISCOVERY: HTTP API layer holds no gateway state of its own.
// Every handler reads a component snapshot and serializes it.
type Server struct {
	deps   Deps
	logger hclog.Logger
	router chi.Router
}

// NewServer wires routes and middleware
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: logging.OrNull(deps.Logger).Named("api"),
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)
	r.Use(corsMiddleware)

	if s.deps.Gateway != nil {
		r.Handle("/ws", s.deps.Gateway)
	}
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(jsonMiddleware)
		r.Use(s.rateLimitMiddleware)

		r.Get("/health", s.healthCheck)
		r.Route("/api", func(r chi.Router) {
			r.Get("/status", s.getStatus)
			r.Get("/connections", s.listConnections)
			r.Get("/presence", s.getPresence)
			r.Get("/stats", s.getStats)
			r.Get("/audit/events", s.listEvents)
			r.Get("/audit/lockouts", s.listLockouts)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		sendError(w, "route not found", http.StatusNotFound)
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HealthResponse answers /health
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Audit       string    `json:"audit"`
	Connections int       `json:"connections"`
	UptimeMs    int64     `json:"uptime_ms"`
}

// ConnectionsResponse answers /api/connections
type ConnectionsResponse struct {
	Count       int         `json:"count"`
	Connections interface{} `json:"connections"`
}

// StatsResponse answers /api/stats
type StatsResponse struct {
	Total     stats.Counters            `json:"total"`
	ByLimiter map[string]stats.Counters `json:"by_limiter"`
}

// ErrorResponse is the body of every non-2xx API reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: A failing audit store reports "degraded" with 503.
// Admission never depends on the store, so the gateway keeps serving sockets.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	auditStatus := "disabled"
	code := http.StatusOK

	if s.deps.Audit != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		auditStatus = "ok"
		if err := s.deps.Audit.HealthCheck(ctx); err != nil {
			status = "degraded"
			auditStatus = "error: " + err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	w.WriteHeader(code)
	writeJSON(w, HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Audit:       auditStatus,
		Connections: s.deps.State.ConnectionCount(),
		UptimeMs:    s.deps.State.UptimeMs(),
	})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.deps.State.Status())
}

func (s *Server) listConnections(w http.ResponseWriter, _ *http.Request) {
	conns := s.deps.State.Registry.List()
	writeJSON(w, ConnectionsResponse{Count: len(conns), Connections: conns})
}

func (s *Server) getPresence(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.deps.State.Presence.Snapshot())
}

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.StatsReader == nil {
		sendError(w, "decision stats are not kept in process", http.StatusNotFound)
		return
	}
	writeJSON(w, StatsResponse{
		Total:     s.deps.StatsReader.Total(),
		ByLimiter: s.deps.StatsReader.ByLimiter(),
	})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.auditLimit(w, r)
	if !ok {
		return
	}
	events, err := s.deps.Audit.ListConnectionEvents(r.Context(), limit)
	if err != nil {
		s.logger.Warn("list connection events failed", "error", err)
		sendError(w, "failed to list connection events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*types.ConnectionEvent{}
	}
	writeJSON(w, map[string]interface{}{"events": events})
}

func (s *Server) listLockouts(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.auditLimit(w, r)
	if !ok {
		return
	}
	lockouts, err := s.deps.Audit.ListLockouts(r.Context(), limit)
	if err != nil {
		s.logger.Warn("list lockouts failed", "error", err)
		sendError(w, "failed to list lockouts", http.StatusInternalServerError)
		return
	}
	if lockouts == nil {
		lockouts = []*types.LockoutRecord{}
	}
	writeJSON(w, map[string]interface{}{"lockouts": lockouts})
}

// auditLimit parses ?limit= and rejects requests when no audit store is wired
func (s *Server) auditLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	if s.deps.Audit == nil {
		sendError(w, "audit store is disabled", http.StatusServiceUnavailable)
		return 0, false
	}
	limit := DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return 0, false
		}
		limit = n
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return limit, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	_ = json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	writeJSON(w, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
