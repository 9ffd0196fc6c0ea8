package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"agentgate/internal/gateway"
	"agentgate/internal/ratelimit"
	"agentgate/internal/rpc"
	"agentgate/internal/stats"
	"agentgate/pkg/types"
)

type memAudit struct {
	mu       sync.Mutex
	events   []types.ConnectionEvent
	lockouts []types.LockoutRecord
}

func (a *memAudit) RecordConnectionEvent(_ context.Context, ev *types.ConnectionEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, *ev)
	return nil
}

func (a *memAudit) RecordLockout(_ context.Context, rec *types.LockoutRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lockouts = append(a.lockouts, *rec)
	return nil
}

func (a *memAudit) ListConnectionEvents(context.Context, int) ([]*types.ConnectionEvent, error) {
	return nil, nil
}
func (a *memAudit) ListLockouts(context.Context, int) ([]*types.LockoutRecord, error) {
	return nil, nil
}
func (a *memAudit) PurgeBefore(context.Context, time.Time) (int64, error) { return 0, nil }
func (a *memAudit) HealthCheck(context.Context) error                      { return nil }
func (a *memAudit) Close() error                                           { return nil }

func (a *memAudit) kinds() []types.ConnectionEventKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.ConnectionEventKind, 0, len(a.events))
	for _, ev := range a.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (a *memAudit) lockoutCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.lockouts)
}

type testGateway struct {
	state   *gateway.State
	handler *Handler
	audit   *memAudit
	stats   *stats.MemoryStore
	url     string
}

type gatewaySetup struct {
	mode    types.AuthMode
	secrets types.AuthConfig
	limiter *ratelimit.SlidingWindowConfig
	opts    Options
}

func newTestGateway(t *testing.T, setup gatewaySetup) *testGateway {
	t.Helper()
	if setup.mode == "" {
		setup.mode = types.AuthModeNone
	}
	limiterCfg := gateway.DefaultAuthLimiterConfig()
	limiterCfg.ExemptLoopback = false
	if setup.limiter != nil {
		limiterCfg = *setup.limiter
	}

	state := gateway.NewWithOptions(setup.mode, setup.secrets, gateway.Options{AuthLimiter: limiterCfg})
	t.Cleanup(state.Close)

	audit := &memAudit{}
	statsStore := stats.NewMemoryStore()
	sockets := NewSockets()
	dispatcher := rpc.NewDispatcher(rpc.Deps{State: state, Sockets: sockets, Audit: audit, Stats: statsStore})

	handler, err := NewHandler(Deps{
		State:      state,
		Dispatcher: dispatcher,
		Sockets:    sockets,
		Audit:      audit,
		Stats:      statsStore,
	}, setup.opts)
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		sockets.CloseAll()
		server.Close()
	})

	return &testGateway{
		state:   state,
		handler: handler,
		audit:   audit,
		stats:   statsStore,
		url:     "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

// wireResponse decodes a ResponseFrame without losing the payload type
type wireResponse struct {
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	OK      bool              `json:"ok"`
	Payload json.RawMessage   `json:"payload"`
	Error   *types.ErrorShape `json:"error"`
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("Unmarshal %s failed: %v", data, err)
	}
}

func readChallenge(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	var ev struct {
		Type    string `json:"type"`
		Event   string `json:"event"`
		Payload struct {
			Nonce string `json:"nonce"`
		} `json:"payload"`
	}
	readFrame(t, conn, &ev)
	if ev.Type != types.FrameTypeEvent || ev.Event != EventChallenge || ev.Payload.Nonce == "" {
		t.Fatalf("Expected connect.challenge with nonce, got %+v", ev)
	}
	return ev.Payload.Nonce
}

func send(t *testing.T, conn *websocket.Conn, id, method string, params interface{}) {
	t.Helper()
	frame := map[string]interface{}{"type": "req", "id": id, "method": method}
	if params != nil {
		frame["params"] = params
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
}

// connect performs the full handshake and returns the connect response
func connect(t *testing.T, url string, params map[string]interface{}) (*websocket.Conn, wireResponse) {
	t.Helper()
	conn := dial(t, url)
	nonce := readChallenge(t, conn)

	if params == nil {
		params = map[string]interface{}{}
	}
	if _, set := params["nonce"]; !set {
		params["nonce"] = nonce
	}
	send(t, conn, "connect-1", MethodConnect, params)

	var resp wireResponse
	readFrame(t, conn, &resp)
	return conn, resp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandler_RequiresStateAndDispatcher(t *testing.T) {
	if _, err := NewHandler(Deps{}, Options{}); err == nil {
		t.Error("Expected error without state and dispatcher")
	}
}

func TestHandler_RejectsInvalidTrustedProxy(t *testing.T) {
	state := gateway.New(types.AuthModeNone, types.AuthConfig{})
	defer state.Close()
	d := rpc.NewDispatcher(rpc.Deps{State: state})
	if _, err := NewHandler(Deps{State: state, Dispatcher: d}, Options{TrustedProxies: []string{"nope"}}); err == nil {
		t.Error("Expected error for invalid trusted proxy")
	}
}

func TestHandler_ConnectSuccess(t *testing.T) {
	gw := newTestGateway(t, gatewaySetup{})

	conn, resp := connect(t, gw.url, map[string]interface{}{"role": "admin", "client_mode": "cli", "client_id": "tester"})
	if !resp.OK || resp.ID != "connect-1" {
		t.Fatalf("Expected successful connect, got %+v", resp)
	}

	var hello HelloPayload
	if err := json.Unmarshal(resp.Payload, &hello); err != nil {
		t.Fatalf("Unmarshal hello failed: %v", err)
	}
	if hello.Type != HelloOK || hello.ConnID == "" || hello.Role != types.RoleAdmin {
		t.Errorf("Unexpected hello payload %+v", hello)
	}
	if hello.Policy.MaxFrames != 100 || hello.Policy.WindowMs != 60_000 {
		t.Errorf("Unexpected policy %+v", hello.Policy)
	}

	registered, ok := gw.state.Registry.Get(hello.ConnID)
	if !ok || registered.ClientID != "tester" || registered.ClientMode != types.ClientModeCLI {
		t.Errorf("Expected registered connection, got %+v %v", registered, ok)
	}
	if _, ok := gw.handler.Sockets().Lookup(hello.ConnID); !ok {
		t.Error("Expected live socket to be tracked")
	}

	send(t, conn, "s1", "status", nil)
	var status wireResponse
	readFrame(t, conn, &status)
	if !status.OK || status.ID != "s1" {
		t.Errorf("Expected status response, got %+v", status)
	}

	waitFor(t, "connected audit", func() bool {
		kinds := gw.audit.kinds()
		return len(kinds) == 1 && kinds[0] == types.EventConnected
	})
}

func TestHandler_DefaultRoleIsOperator(t *testing.T) {
	gw := newTestGateway(t, gatewaySetup{})
	_, resp := connect(t, gw.url, nil)

	var hello HelloPayload
	_ = json.Unmarshal(resp.Payload, &hello)
	if hello.Role != types.RoleOperator {
		t.Errorf("Expected operator role, got %s", hello.Role)
	}
}

func TestHandler_FirstFrameMustBeConnect(t *testing.T) {
	gw := newTestGateway(t, gatewaySetup{})
	conn := dial(t, gw.url)
	readChallenge(t, conn)

	send(t, conn, "x", "status", nil)
	var resp wireResponse
	readFrame(t, conn, &resp)
	if resp.OK || resp.Error == nil || resp.Error.Code != types.ErrorCodeInvalidRequest {
		t.Fatalf("Expected INVALID_REQUEST, got %+v", resp)
	}

	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected socket closed after rejected handshake")
	}
	if gw.state.Registry.Count() != 0 {
		t.Error("Rejected handshake must not register")
	}
}

func TestHandler_WrongTokenRecordsFailure(t *testing.T) {
	gw := newTestGateway(t, gatewaySetup{mode: types.AuthModeToken, secrets: types.AuthConfig{Token: "s3cret"}})

	conn, resp := connect(t, gw.url, map[string]interface{}{"token": "guess"})
	if resp.OK || resp.Error == nil || resp.Error.Code != types.ErrorCodeUnauthorized {
		t.Fatalf("Expected UNAUTHORIZED, got %+v", resp)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected socket closed after auth failure")
	}

	if gw.state.AuthLimiter.Size() != 1 {
		t.Errorf("Expected one limiter entry, got %d", gw.state.AuthLimiter.Size())
	}
	check := gw.state.AuthLimiter.Check("127.0.0.1", types.ScopeSharedSecret)
	if check.Remaining != 4 {
		t.Errorf("Expected 4 remaining attempts, got %d", check.Remaining)
	}

	kinds := gw.audit.kinds()
	if len(kinds) != 1 || kinds[0] != types.EventAuthFailed {
		t.Errorf("Expected auth_failed audit, got %v", kinds)
	}
	if gw.stats.ByLimiter()[types.LimiterAuth].Denied != 1 {
		t.Errorf("Expected one denied auth decision, got %+v", gw.stats.ByLimiter())
	}
}

func TestHandler_SuccessResetsFailures(t *testing.T) {
	gw := newTestGateway(t, gatewaySetup{mode: types.AuthModeToken, secrets: types.AuthConfig{Token: "s3cret"}})

	_, bad := connect(t, gw.url, map[string]interface{}{"token": "guess"})
	if bad.OK {
		t.Fatal("Expected failure")
	}
	_, good := connect(t, gw.url, map[string]interface{}{"token": "s3cret"})
	if !good.OK {
		t.Fatalf("Expected success, got %+v", good.Error)
	}

	if gw.state.AuthLimiter.Size() != 0 {
		t.Errorf("Successful auth should reset the entry, size %d", gw.state.AuthLimiter.Size())
	}
}

func TestHandler_NonceMismatch(t *testing.T) {
	gw := newTestGateway(t, gatewaySetup{})
	_, resp := connect(t, gw.url, map[string]interface{}{"nonce": "forged"})
	if resp.OK || resp.Error == nil || resp.Error.Code != types.ErrorCodeUnauthorized {
		t.Fatalf("Expected UNAUTHORIZED for forged nonce, got %+v", resp)
	}
}

func TestHandler_LockoutRejectsUpgrade(t *testing.T) {
	cfg := ratelimit.SlidingWindowConfig{MaxAttempts: 2, WindowMs: 60_000, LockoutMs: 120_000}
	gw := newTestGateway(t, gatewaySetup{
		mode:    types.AuthModePassword,
		secrets: types.AuthConfig{Password: "pw"},
		limiter: &cfg,
	})

	for i := 0; i < 2; i++ {
		_, resp := connect(t, gw.url, map[string]interface{}{"password": "wrong"})
		if resp.OK {
			t.Fatal("Expected failure")
		}
	}
	if gw.audit.lockoutCount() != 1 {
		t.Errorf("Expected one lockout record, got %d", gw.audit.lockoutCount())
	}

	_, httpResp, err := websocket.DefaultDialer.Dial(gw.url, nil)
	if err == nil {
		t.Fatal("Expected dial to fail while locked out")
	}
	if httpResp == nil || httpResp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %+v", httpResp)
	}
	if httpResp.Header.Get("Retry-After") != "120" {
		t.Errorf("Expected Retry-After 120, got %q", httpResp.Header.Get("Retry-After"))
	}
}

func TestHandler_DeviceTokenScopeIsSeparate(t *testing.T) {
	cfg := ratelimit.SlidingWindowConfig{MaxAttempts: 1, WindowMs: 60_000, LockoutMs: 60_000}
	gw := newTestGateway(t, gatewaySetup{
		mode:    types.AuthModeToken,
		secrets: types.AuthConfig{Token: "tok"},
		limiter: &cfg,
	})

	_, resp := connect(t, gw.url, map[string]interface{}{"device_token": "bad"})
	if resp.OK {
		t.Fatal("Expected device token failure")
	}
	if gw.state.AuthLimiter.Check("127.0.0.1", types.ScopeDeviceToken).Allowed {
		t.Error("device-token scope should be locked")
	}

	_, resp = connect(t, gw.url, map[string]interface{}{"token": "tok"})
	if !resp.OK {
		t.Errorf("shared-secret scope should be unaffected, got %+v", resp.Error)
	}
}

func TestHandler_FramePacing(t *testing.T) {
	gw := newTestGateway(t, gatewaySetup{opts: Options{FrameMaxRequests: 2, FrameWindowMs: 60_000}})
	conn, resp := connect(t, gw.url, nil)
	if !resp.OK {
		t.Fatalf("connect failed: %+v", resp.Error)
	}

	for i, id := range []string{"a", "b", "c"} {
		send(t, conn, id, "status", nil)
		var r wireResponse
		readFrame(t, conn, &r)
		if i < 2 && !r.OK {
			t.Errorf("frame %s should pass, got %+v", id, r.Error)
		}
		if i == 2 {
			if r.OK || r.Error == nil || r.Error.Code != types.ErrorCodeRateLimited || r.ID != "c" {
				t.Errorf("frame c should be rate limited, got %+v", r)
			}
		}
	}

	// the connection stays open after a paced rejection
	if gw.state.Registry.Count() != 1 {
		t.Error("Pacing must not disconnect")
	}
}

func TestHandler_InvalidJSONFrame(t *testing.T) {
	gw := newTestGateway(t, gatewaySetup{})
	conn, _ := connect(t, gw.url, nil)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	var r wireResponse
	readFrame(t, conn, &r)
	if r.OK || r.Error == nil || r.Error.Code != types.ErrorCodeInvalidRequest {
		t.Errorf("Expected INVALID_REQUEST, got %+v", r)
	}
}

func TestHandler_PresenceAndDisconnectCleanup(t *testing.T) {
	gw := newTestGateway(t, gatewaySetup{})
	conn, resp := connect(t, gw.url, map[string]interface{}{"presence_key": "user:42"})
	if !resp.OK {
		t.Fatalf("connect failed: %+v", resp.Error)
	}
	if !gw.state.Presence.IsOnline("user:42") {
		t.Fatal("Expected presence key online after connect")
	}

	_ = conn.Close()

	waitFor(t, "registry cleanup", func() bool {
		return gw.state.Registry.Count() == 0 && !gw.state.Presence.IsOnline("user:42")
	})
	waitFor(t, "disconnected audit", func() bool {
		kinds := gw.audit.kinds()
		return len(kinds) == 2 && kinds[1] == types.EventDisconnected
	})
	if gw.handler.Sockets().Count() != 0 {
		t.Error("Expected socket directory to be empty")
	}
}

func TestHandler_KickFromAdmin(t *testing.T) {
	gw := newTestGateway(t, gatewaySetup{})

	victim, victimResp := connect(t, gw.url, nil)
	var victimHello HelloPayload
	_ = json.Unmarshal(victimResp.Payload, &victimHello)

	adminConn, _ := connect(t, gw.url, map[string]interface{}{"role": "admin", "device_id": "console"})
	send(t, adminConn, "k1", "connections.kick", map[string]string{"conn_id": victimHello.ConnID, "reason": "test"})

	var kick wireResponse
	readFrame(t, adminConn, &kick)
	if !kick.OK {
		t.Fatalf("kick failed: %+v", kick.Error)
	}

	var ev struct {
		Event string `json:"event"`
	}
	readFrame(t, victim, &ev)
	if ev.Event != rpc.EventKicked {
		t.Errorf("Expected kicked event, got %q", ev.Event)
	}

	waitFor(t, "victim removed", func() bool {
		_, ok := gw.state.Registry.Get(victimHello.ConnID)
		return !ok && gw.state.Registry.Count() == 1
	})
}

func TestHandler_ShutdownDuringHandshake(t *testing.T) {
	gw := newTestGateway(t, gatewaySetup{})
	conn := dial(t, gw.url)
	nonce := readChallenge(t, conn)

	gw.handler.Sockets().CloseAll()

	// The connect frame may or may not reach the server; either way the
	// socket is gone and nothing registers.
	_ = conn.WriteJSON(map[string]interface{}{
		"type": "req", "id": "c1", "method": MethodConnect,
		"params": map[string]interface{}{"nonce": nonce},
	})
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := gw.handler.Sockets().Wait(ctx); err != nil {
		t.Fatalf("serve goroutine still running after shutdown: %v", err)
	}
	if gw.state.Registry.Count() != 0 || gw.handler.Sockets().Count() != 0 {
		t.Errorf("Expected nothing registered, got registry %d sockets %d",
			gw.state.Registry.Count(), gw.handler.Sockets().Count())
	}

	late := dial(t, gw.url)
	_ = late.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := late.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("Expected going-away close for a socket opened after shutdown, got %v", err)
	}
}

func TestHandler_TrustedProxyMode(t *testing.T) {
	gw := newTestGateway(t, gatewaySetup{
		mode: types.AuthModeTrustedProxy,
		opts: Options{TrustedProxies: []string{"127.0.0.1", "::1"}},
	})
	_, resp := connect(t, gw.url, nil)
	if !resp.OK {
		t.Errorf("Expected trusted proxy connect to succeed, got %+v", resp.Error)
	}

	untrusted := newTestGateway(t, gatewaySetup{mode: types.AuthModeTrustedProxy})
	_, resp = connect(t, untrusted.url, nil)
	if resp.OK || resp.Error == nil || resp.Error.Code != types.ErrorCodeUnauthorized {
		t.Errorf("Expected UNAUTHORIZED without trusted proxy, got %+v", resp)
	}
}
