package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"agentgate/internal/api"
	"agentgate/internal/config"
	"agentgate/internal/database"
	"agentgate/internal/gateway"
	"agentgate/internal/logging"
	"agentgate/internal/maintenance"
	"agentgate/internal/metrics"
	"agentgate/internal/rpc"
	"agentgate/internal/stats"
	"agentgate/internal/websocket"
	dbconfig "agentgate/pkg/database"
)

// ShutdownTimeout bounds Stop when Run's context ends
const ShutdownTimeout = 10 * time.Second

// Application coordinates all gateway components
// Component initialization follows strict dependency order:
// Audit → Stats → State → Sockets → Dispatcher → Gateway → Maintenance → API → HTTP
type Application struct {
	config     *config.Config
	logger     hclog.Logger
	metrics    *metrics.Metrics
	audit      *database.Manager
	stats      *stats.Recorder
	state      *gateway.State
	gateway    *websocket.Handler
	maintainer *maintenance.Maintainer
	apiServer  *api.Server
	httpServer *http.Server

	mu       sync.Mutex
	addr     string
	stopOnce sync.Once
	stopErr  error
}

// NewApplication validates cfg and builds every component. Nothing listens
// until Run.
func NewApplication(cfg *config.Config, logger hclog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = logging.New(*cfg.Log)
	}

	m := metrics.New()

	// STEP 1: audit store (foundation layer)
	dbCfg := dbconfig.DefaultConfig()
	dbCfg.DatabasePath = cfg.Database.Path
	dbCfg.WriteTimeout = cfg.Database.Timeout
	audit, err := database.NewManager(dbCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audit store: %w", err)
	}

	// STEP 2: decision stats
	recorder, err := stats.New(stats.Options{
		Backend:       cfg.Stats.Backend,
		RedisAddr:     cfg.Stats.RedisAddr,
		RedisPassword: cfg.Stats.RedisPassword,
		RedisDB:       cfg.Stats.RedisDB,
		KeyPrefix:     cfg.Stats.KeyPrefix,
		TTL:           cfg.Stats.TTL,
	})
	if err != nil {
		_ = audit.Close()
		return nil, fmt.Errorf("failed to initialize stats: %w", err)
	}

	// STEP 3: gateway state and socket directory
	state := gateway.NewWithOptions(cfg.AuthMode(), cfg.AuthSecrets(), gateway.Options{
		AuthLimiter: cfg.AuthLimiterConfig(),
	})
	sockets := websocket.NewSockets()

	dispatcher := rpc.NewDispatcher(rpc.Deps{
		State:   state,
		Sockets: sockets,
		Audit:   audit,
		Stats:   recorder,
		Metrics: m,
		Logger:  logger,
	})

	wsOpts := websocket.DefaultOptions()
	wsOpts.PingInterval = cfg.WebSocket.PingInterval
	wsOpts.ReadTimeout = cfg.WebSocket.ReadTimeout
	wsOpts.WriteTimeout = cfg.WebSocket.WriteTimeout
	wsOpts.HandshakeTimeout = cfg.WebSocket.HandshakeTimeout
	wsOpts.BufferSize = cfg.WebSocket.BufferSize
	wsOpts.FrameMaxRequests = cfg.RateLimit.FrameMaxRequests
	wsOpts.FrameWindowMs = cfg.RateLimit.FrameWindow.Milliseconds()
	wsOpts.TrustedProxies = cfg.Auth.TrustedProxies

	gw, err := websocket.NewHandler(websocket.Deps{
		State:      state,
		Dispatcher: dispatcher,
		Sockets:    sockets,
		Audit:      audit,
		Stats:      recorder,
		Metrics:    m,
		Logger:     logger,
	}, wsOpts)
	if err != nil {
		_ = recorder.Close()
		_ = audit.Close()
		return nil, fmt.Errorf("failed to initialize gateway handler: %w", err)
	}

	// STEP 4: housekeeping
	visitors := api.NewVisitorLimiter(cfg.RateLimit.HTTPRate, cfg.RateLimit.HTTPBurst)
	maintainer, err := maintenance.New(maintenance.Deps{
		State:    state,
		Audit:    audit,
		Visitors: visitors,
		Metrics:  m,
		Logger:   logger,
	}, maintenance.Options{
		PruneInterval:     cfg.RateLimit.PruneInterval,
		Retention:         cfg.Database.Retention,
		RetentionSchedule: cfg.Database.RetentionSchedule,
	})
	if err != nil {
		_ = recorder.Close()
		_ = audit.Close()
		return nil, fmt.Errorf("failed to initialize maintenance: %w", err)
	}

	// STEP 5: HTTP surface
	var reader api.StatsReader
	if mem, ok := recorder.StatsRecorder.(*stats.MemoryStore); ok {
		reader = mem
	}
	apiServer := api.NewServer(api.Deps{
		State:       state,
		Audit:       audit,
		Stats:       recorder,
		StatsReader: reader,
		Metrics:     m,
		Limiter:     visitors,
		ClientIP:    gw.TrustedProxies(),
		Gateway:     gw,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Address(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger.Named("app"),
		metrics:    m,
		audit:      audit,
		stats:      recorder,
		state:      state,
		gateway:    gw,
		maintainer: maintainer,
		apiServer:  apiServer,
		httpServer: httpServer,
		addr:       httpServer.Addr,
	}, nil
}

// Run listens on the configured address and blocks until ctx ends or the
// server fails, then shuts everything down
func (app *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.Stop(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (app *Application) Serve(ctx context.Context, ln net.Listener) error {
	app.mu.Lock()
	app.addr = ln.Addr().String()
	app.mu.Unlock()

	if err := app.maintainer.Start(ctx); err != nil {
		_ = ln.Close()
		_ = app.Stop(context.Background())
		return fmt.Errorf("failed to start maintenance: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	gctx, served := context.WithCancel(gctx)
	g.Go(func() error {
		defer served()
		app.logger.Info("gateway listening", "addr", ln.Addr().String(), "auth_mode", app.config.Auth.Mode)
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return app.Stop(shutdownCtx)
	})
	return g.Wait()
}

// Stop shuts down in reverse dependency order. Safe to call more than once;
// later calls return the first result.
func (app *Application) Stop(ctx context.Context) error {
	app.stopOnce.Do(func() {
		app.logger.Info("shutting down")
		var errs []error

		// STEP 1: stop accepting and drop live sockets so their cleanup
		// can still reach the audit store
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
		}
		app.gateway.Sockets().CloseAll()
		app.waitDrained(ctx)

		// STEP 2: background work
		if err := app.maintainer.Stop(); err != nil && !errors.Is(err, maintenance.ErrNotRunning) {
			errs = append(errs, fmt.Errorf("maintenance: %w", err))
		}

		// STEP 3: stores
		if err := app.stats.Close(); err != nil {
			errs = append(errs, fmt.Errorf("stats: %w", err))
		}
		if err := app.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit store: %w", err))
		}
		app.state.Close()

		app.stopErr = errors.Join(errs...)
		app.logger.Info("shutdown complete")
	})
	return app.stopErr
}

// waitDrained blocks until every socket goroutine, handshaking ones
// included, ran its cleanup
func (app *Application) waitDrained(ctx context.Context) {
	sockets := app.gateway.Sockets()
	if err := sockets.Wait(ctx); err != nil {
		app.logger.Warn("sockets still open at shutdown",
			"sockets", sockets.Tracked(), "connections", app.state.ConnectionCount())
	}
}

// Addr returns the listen address, resolved once serving
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.addr
}

// State exposes the gateway aggregate
func (app *Application) State() *gateway.State {
	return app.state
}

// Metrics exposes the Prometheus collectors
func (app *Application) Metrics() *metrics.Metrics {
	return app.metrics
}
