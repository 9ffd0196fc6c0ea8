package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"agentgate/internal/auth"
	"agentgate/internal/gateway"
	"agentgate/internal/metrics"
	"agentgate/internal/ratelimit"
	"agentgate/internal/rpc"
	"agentgate/internal/stats"
	"agentgate/pkg/interfaces"
	"agentgate/pkg/types"
)

// Handshake frame names
const (
	EventChallenge = "connect.challenge"
	MethodConnect  = "connect"
	HelloOK        = "hello-ok"
)

// Options tunes the transport. Zero values take the defaults below.
type Options struct {
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	BufferSize       int
	MaxMessageBytes  int64
	FrameMaxRequests uint32
	FrameWindowMs    int64
	TrustedProxies   []string
}

// DefaultOptions mirrors the configuration defaults
func DefaultOptions() Options {
	return Options{
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		BufferSize:       DefaultBufferSize,
		MaxMessageBytes:  1 << 20,
		FrameMaxRequests: 100,
		FrameWindowMs:    60_000,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = d.MaxMessageBytes
	}
	if o.FrameMaxRequests == 0 {
		o.FrameMaxRequests = d.FrameMaxRequests
	}
	if o.FrameWindowMs <= 0 {
		o.FrameWindowMs = d.FrameWindowMs
	}
	return o
}

// Deps are the collaborators the handler drives. State and Dispatcher are required.
type Deps struct {
	State      *gateway.State
	Dispatcher *rpc.Dispatcher
	Sockets    *Sockets
	Audit      interfaces.AuditStore
	Stats      interfaces.StatsRecorder
	Metrics    *metrics.Metrics
	Logger     hclog.Logger
}

// Handler admits gateway sockets
// ARCHITECTURAL DISCOVERY: Multi-stage admission (limiter -> upgrade -> challenge ->
// connect -> registration) keeps locked-out clients from costing an upgrade
type Handler struct {
	deps     Deps
	opts     Options
	proxies  *TrustedProxies
	upgrader websocket.Upgrader
	logger   hclog.Logger
}

// NewHandler validates options and builds a handler
func NewHandler(deps Deps, opts Options) (*Handler, error) {
	if deps.State == nil || deps.Dispatcher == nil {
		return nil, errors.New("websocket handler requires state and dispatcher")
	}
	opts = opts.withDefaults()

	proxies, err := ParseTrustedProxies(opts.TrustedProxies)
	if err != nil {
		return nil, err
	}
	if deps.Sockets == nil {
		deps.Sockets = NewSockets()
	}
	if deps.Stats == nil {
		deps.Stats = stats.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	return &Handler{
		deps:    deps,
		opts:    opts,
		proxies: proxies,
		upgrader: websocket.Upgrader{
			// FUNCTIONAL DISCOVERY: Origin is not an auth boundary here; connect credentials are
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		logger: logger.Named("ws"),
	}, nil
}

// Sockets exposes the live socket directory
func (h *Handler) Sockets() *Sockets {
	return h.deps.Sockets
}

// TrustedProxies returns the parsed proxy allow-list
func (h *Handler) TrustedProxies() *TrustedProxies {
	return h.proxies
}

// ServeHTTP runs the admission pipeline for one upgrade request
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP, viaProxy := h.proxies.ResolveClientIP(r)
	state := h.deps.State

	// Pre-upgrade gate on the scope the configured mode implies. The scope the
	// client actually uses is checked again once its connect params are known.
	preScope := auth.ScopeFor(auth.ConnectParams{}, state.AuthMode())
	if result := state.AuthLimiter.Check(clientIP, preScope); !result.Allowed {
		h.recordDecision(r.Context(), types.LimiterAuth, preScope, clientIP, false)
		h.logger.Warn("upgrade rejected by auth limiter", "ip", clientIP, "scope", preScope, "retry_after_ms", result.RetryAfterMs)
		h.audit(r.Context(), &types.ConnectionEvent{
			Kind: types.EventRejected, ClientIP: clientIP, Scope: preScope, Reason: "locked out",
		})
		writeRetryAfter(w, result)
		http.Error(w, "too many failed authentication attempts", http.StatusTooManyRequests)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "ip", clientIP, "error", err)
		return
	}
	wsConn.SetReadLimit(h.opts.MaxMessageBytes)

	conn := newConnection(wsConn, auth.NewConnID(), clientIP, h.opts.BufferSize, h.opts.WriteTimeout)
	if err := h.deps.Sockets.Track(conn); err != nil {
		_ = conn.CloseWithReason(websocket.CloseGoingAway, err.Error())
		return
	}
	go h.serve(conn, viaProxy)
}

// serve owns conn for its whole life
func (h *Handler) serve(conn *Connection, viaProxy bool) {
	defer h.deps.Sockets.Release(conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, ok := h.handshake(ctx, conn, viaProxy)
	if !ok {
		_ = conn.Close()
		return
	}
	defer h.cleanup(ctx, conn, client)

	h.readLoop(ctx, conn, client)
}

// handshake sends the challenge and authenticates the connect request
func (h *Handler) handshake(ctx context.Context, conn *Connection, viaProxy bool) (rpc.Client, bool) {
	state := h.deps.State
	ip := conn.ClientIP()
	nonce := auth.NewNonce()

	if err := conn.WriteJSON(types.NewEvent(EventChallenge, map[string]interface{}{
		"nonce": nonce,
		"ts":    types.NowMillis(),
	})); err != nil {
		return rpc.Client{}, false
	}

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.HandshakeTimeout)); err != nil {
		return rpc.Client{}, false
	}
	frame, params, err := readConnect(conn.conn)
	if err != nil {
		h.logger.Debug("bad connect frame", "ip", ip, "error", err)
		h.audit(ctx, &types.ConnectionEvent{Kind: types.EventRejected, ClientIP: ip, Reason: err.Error()})
		h.reject(conn, frame.ID, types.ErrorShape{Code: types.ErrorCodeInvalidRequest, Message: err.Error()})
		return rpc.Client{}, false
	}
	params.ViaTrustedProxy = viaProxy

	scope := auth.ScopeFor(params, state.AuthMode())
	if result := state.AuthLimiter.Check(ip, scope); !result.Allowed {
		h.recordDecision(ctx, types.LimiterAuth, scope, ip, false)
		h.logger.Warn("connect rejected by auth limiter", "ip", ip, "scope", scope, "retry_after_ms", result.RetryAfterMs)
		h.audit(ctx, &types.ConnectionEvent{Kind: types.EventRejected, ClientIP: ip, Scope: scope, Reason: "locked out"})
		h.reject(conn, frame.ID, types.ErrorShape{
			Code:         types.ErrorCodeRateLimited,
			Message:      "too many failed authentication attempts",
			RetryAfterMs: result.RetryAfterMs,
		})
		return rpc.Client{}, false
	}

	res := auth.Authenticate(params, state.AuthMode(), state.AuthConfig())
	if res.OK {
		if err := auth.VerifyNonce(nonce, params.Nonce); err != nil {
			res = auth.Result{OK: false, Err: err}
		}
	}
	h.deps.Metrics.ObserveAuth(scope, res.OK)

	if !res.OK {
		h.onAuthFailure(ctx, conn, frame.ID, scope, res.Err)
		return rpc.Client{}, false
	}
	h.recordDecision(ctx, types.LimiterAuth, scope, ip, true)
	state.AuthLimiter.Reset(ip, scope)

	connID := conn.ConnID()
	if err := h.deps.Sockets.Add(conn); err != nil {
		h.reject(conn, frame.ID, types.ErrorShape{Code: types.ErrorCodeUnavailable, Message: err.Error()})
		return rpc.Client{}, false
	}
	if err := state.Registry.Add(connID, res.Role, res.ClientID, res.ClientMode); err != nil {
		h.deps.Sockets.Remove(conn)
		h.reject(conn, frame.ID, types.ErrorShape{Code: types.ErrorCodeUnavailable, Message: err.Error()})
		return rpc.Client{}, false
	}
	if params.PresenceKey != "" {
		if err := state.Presence.Upsert(params.PresenceKey, connID); err != nil {
			h.logger.Debug("presence key ignored", "conn_id", connID, "error", err)
		} else {
			state.Registry.SetPresenceKey(connID, params.PresenceKey)
			h.deps.Metrics.ObservePresence(state.Presence.OnlineCount())
		}
	}
	h.deps.Metrics.ObserveConnect(res.Role)

	client := rpc.Client{ConnID: connID, ClientIP: ip, DeviceID: params.DeviceID, Role: res.Role}
	if err := conn.WriteJSON(types.NewResponse(frame.ID, h.hello(client))); err != nil {
		h.cleanup(ctx, conn, client)
		return rpc.Client{}, false
	}

	h.logger.Info("client connected", "conn_id", connID, "ip", ip, "role", res.Role, "client_mode", res.ClientMode)
	h.audit(ctx, &types.ConnectionEvent{
		Kind: types.EventConnected, ConnID: connID, Role: res.Role,
		ClientID: res.ClientID, ClientIP: ip, Scope: scope,
	})
	return client, true
}

// onAuthFailure counts the failure against ip/scope and closes the socket
func (h *Handler) onAuthFailure(ctx context.Context, conn *Connection, frameID string, scope types.Scope, cause error) {
	ip := conn.ClientIP()
	state := h.deps.State
	h.recordDecision(ctx, types.LimiterAuth, scope, ip, false)

	reason := "authentication failed"
	if cause != nil {
		reason = cause.Error()
	}

	if locked := state.AuthLimiter.RecordFailure(ip, scope); locked {
		lockoutMs := state.AuthLimiter.Config().LockoutMs
		h.logger.Warn("auth lockout", "ip", ip, "scope", scope, "lockout_ms", lockoutMs)
		h.deps.Metrics.ObserveLockout(scope)
		if h.deps.Audit != nil {
			if err := h.deps.Audit.RecordLockout(ctx, &types.LockoutRecord{
				ClientIP: ip, Scope: scope, LockoutMs: lockoutMs, LockedAt: time.Now(),
			}); err != nil {
				h.deps.Metrics.ObserveAuditError()
				h.logger.Warn("audit lockout write failed", "ip", ip, "error", err)
			}
		}
	} else {
		h.logger.Info("auth failed", "ip", ip, "scope", scope, "reason", reason)
	}

	h.audit(ctx, &types.ConnectionEvent{Kind: types.EventAuthFailed, ClientIP: ip, Scope: scope, Reason: reason})
	h.reject(conn, frameID, types.ErrorShape{Code: types.ErrorCodeUnauthorized, Message: reason})
}

// HelloPayload is returned in the connect response
type HelloPayload struct {
	Type     string           `json:"type"`
	ConnID   string           `json:"conn_id"`
	Role     types.ClientRole `json:"role"`
	Methods  []string         `json:"methods"`
	Policy   Policy           `json:"policy"`
	Presence uint64           `json:"presence_version"`
}

// Policy tells the client the pacing it is held to
type Policy struct {
	MaxFrames      uint32 `json:"max_frames"`
	WindowMs       int64  `json:"window_ms"`
	PingIntervalMs int64  `json:"ping_interval_ms"`
}

func (h *Handler) hello(client rpc.Client) HelloPayload {
	return HelloPayload{
		Type:    HelloOK,
		ConnID:  client.ConnID,
		Role:    client.Role,
		Methods: h.deps.Dispatcher.Methods(),
		Policy: Policy{
			MaxFrames:      h.opts.FrameMaxRequests,
			WindowMs:       h.opts.FrameWindowMs,
			PingIntervalMs: h.opts.PingInterval.Milliseconds(),
		},
		Presence: h.deps.State.Presence.Version(),
	}
}

// readLoop paces and dispatches frames until the socket closes
// TECHNICAL DISCOVERY: Read deadline is extended by pongs; the ping ticker runs
// beside the read loop and stops with the connection
func (h *Handler) readLoop(ctx context.Context, conn *Connection, client rpc.Client) {
	ws := conn.conn
	pacer := ratelimit.NewFixedWindowLimiter(h.opts.FrameMaxRequests, h.opts.FrameWindowMs)

	_ = ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	go func() {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", "conn_id", client.ConnID, "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		h.deps.State.Registry.UpdateLastFrame(client.ConnID)

		var frame types.RequestFrame
		parseErr := json.Unmarshal(data, &frame)

		// Pacing counts every text frame, parseable or not.
		if result := pacer.Consume(); !result.Allowed {
			h.recordDecision(ctx, types.LimiterFrame, "", client.ConnID, false)
			_ = conn.WriteJSON(types.NewErrorResponse(frame.ID, types.ErrorShape{
				Code:         types.ErrorCodeRateLimited,
				Message:      "frame rate exceeded",
				RetryAfterMs: result.RetryAfterMs,
			}))
			continue
		}

		if parseErr != nil {
			_ = conn.WriteJSON(types.NewErrorResponse("", types.ErrorShape{
				Code: types.ErrorCodeInvalidRequest, Message: "frame is not valid JSON",
			}))
			continue
		}

		resp := h.deps.Dispatcher.Dispatch(ctx, client, frame)
		if err := conn.WriteJSON(resp); err != nil {
			h.logger.Debug("response not delivered", "conn_id", client.ConnID, "error", err)
			return
		}
	}
}

// cleanup unregisters conn. Every step is idempotent, so a kick that already
// removed the registry entry is fine.
func (h *Handler) cleanup(ctx context.Context, conn *Connection, client rpc.Client) {
	state := h.deps.State
	h.deps.Sockets.Remove(conn)
	removed := state.Registry.Remove(client.ConnID)
	if state.Presence.RemoveByConnID(client.ConnID) {
		h.deps.Metrics.ObservePresence(state.Presence.OnlineCount())
	}
	h.deps.Metrics.ObserveDisconnect()
	_ = conn.Close()

	if removed {
		h.logger.Info("client disconnected", "conn_id", client.ConnID, "ip", client.ClientIP)
		h.audit(ctx, &types.ConnectionEvent{
			Kind: types.EventDisconnected, ConnID: client.ConnID, Role: client.Role, ClientIP: client.ClientIP,
		})
	}
}

// reject sends a terminal error response and closes
func (h *Handler) reject(conn *Connection, frameID string, shape types.ErrorShape) {
	_ = conn.WriteJSONAndClose(types.NewErrorResponse(frameID, shape))
}

func (h *Handler) recordDecision(ctx context.Context, limiter string, scope types.Scope, subject string, allowed bool) {
	key := subject
	if scope != "" {
		key = string(scope) + ":" + subject
	}
	d := types.Decision{Limiter: limiter, Key: key, Allowed: allowed, At: time.Now()}
	stats.RecordBestEffort(ctx, h.deps.Stats, h.logger, d)
	h.deps.Metrics.ObserveDecision(d)
}

func (h *Handler) audit(ctx context.Context, ev *types.ConnectionEvent) {
	if h.deps.Audit == nil {
		return
	}
	if err := h.deps.Audit.RecordConnectionEvent(ctx, ev); err != nil {
		h.deps.Metrics.ObserveAuditError()
		h.logger.Warn("audit write failed", "kind", ev.Kind, "ip", ev.ClientIP, "error", err)
	}
}

// readConnect reads the first frame and decodes its connect params
func readConnect(ws *websocket.Conn) (types.RequestFrame, auth.ConnectParams, error) {
	var frame types.RequestFrame
	var params auth.ConnectParams

	_, data, err := ws.ReadMessage()
	if err != nil {
		return frame, params, err
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, params, ErrBadConnectFrame
	}
	if err := frame.Validate(); err != nil {
		return frame, params, ErrBadConnectFrame
	}
	if frame.Method != MethodConnect {
		return frame, params, ErrExpectedConnect
	}
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return frame, params, ErrBadConnectFrame
		}
	}
	return frame, params, nil
}

// writeRetryAfter sets Retry-After in whole seconds, rounded up
func writeRetryAfter(w http.ResponseWriter, result types.CheckResult) {
	secs := (result.RetryAfterMs + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
}
