package integration

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"agentgate/internal/app"
	"agentgate/internal/config"
	"agentgate/internal/logging"
	"agentgate/pkg/types"
)

// gatewayConfig is a runnable config on a temp database with loopback
// rate limiting enabled so tests on 127.0.0.1 are counted
func gatewayConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "audit.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.RateLimit.ExemptLoopback = false
	cfg.Log.Level = "error"
	return cfg
}

type testGateway struct {
	app  *app.Application
	base string
	ws   string
}

func startGateway(t *testing.T, cfg *config.Config) *testGateway {
	t.Helper()
	application, err := app.NewApplication(cfg, logging.OrNull(nil))
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(app.ShutdownTimeout):
			t.Error("gateway did not shut down")
		}
	})

	addr := ln.Addr().String()
	return &testGateway{app: application, base: "http://" + addr, ws: "ws://" + addr + "/ws"}
}

func (g *testGateway) getJSON(t *testing.T, path string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(g.base + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s failed: %v", path, err)
		}
	}
	return resp.StatusCode
}

type response struct {
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	OK      bool              `json:"ok"`
	Payload json.RawMessage   `json:"payload"`
	Error   *types.ErrorShape `json:"error"`
	Event   string            `json:"event"`
}

type client struct {
	t      *testing.T
	conn   *websocket.Conn
	connID string
}

// connect performs the challenge handshake; a failed connect returns the
// error response and a nil client
func (g *testGateway) connect(t *testing.T, params map[string]interface{}) (*client, response) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(g.ws, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	c := &client{t: t, conn: conn}
	var challenge struct {
		Payload struct {
			Nonce string `json:"nonce"`
		} `json:"payload"`
	}
	c.read(&challenge)

	if params == nil {
		params = map[string]interface{}{}
	}
	params["nonce"] = challenge.Payload.Nonce
	c.send("connect", "connect", params)

	res := c.response()
	if !res.OK {
		return nil, res
	}
	var hello struct {
		ConnID string `json:"conn_id"`
	}
	_ = json.Unmarshal(res.Payload, &hello)
	c.connID = hello.ConnID
	return c, res
}

func (c *client) read(v interface{}) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := c.conn.ReadJSON(v); err != nil {
		c.t.Fatalf("read failed: %v", err)
	}
}

func (c *client) send(id, method string, params interface{}) {
	c.t.Helper()
	frame := map[string]interface{}{"type": types.FrameTypeRequest, "id": id, "method": method}
	if params != nil {
		frame["params"] = params
	}
	if err := c.conn.WriteJSON(frame); err != nil {
		c.t.Fatalf("write failed: %v", err)
	}
}

func (c *client) response() response {
	c.t.Helper()
	var r response
	c.read(&r)
	return r
}

func (c *client) call(id, method string, params interface{}) response {
	c.t.Helper()
	c.send(id, method, params)
	return c.response()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
