package rpc

import (
	"context"
	"encoding/json"
	"net/netip"
	"time"

	"agentgate/internal/session"
	"agentgate/pkg/types"
)

var timeNow = time.Now

// EventKicked is pushed to a connection just before connections.kick closes it
const EventKicked = "connection.kicked"

var allScopes = []types.Scope{
	types.ScopeDefault,
	types.ScopeSharedSecret,
	types.ScopeDeviceToken,
	types.ScopeHookAuth,
}

func (d *Dispatcher) handleStatus(_ context.Context, _ Client, _ json.RawMessage) (interface{}, *types.ErrorShape) {
	return d.deps.State.Status(), nil
}

// HealthPayload answers the health method
type HealthPayload struct {
	OK       bool   `json:"ok"`
	Audit    string `json:"audit"`
	UptimeMs int64  `json:"uptime_ms"`
}

func (d *Dispatcher) handleHealth(ctx context.Context, _ Client, _ json.RawMessage) (interface{}, *types.ErrorShape) {
	payload := HealthPayload{OK: true, Audit: "disabled", UptimeMs: d.deps.State.UptimeMs()}
	if d.deps.Audit != nil {
		payload.Audit = "ok"
		if err := d.deps.Audit.HealthCheck(ctx); err != nil {
			d.logger.Warn("audit store unhealthy", "error", err)
			payload.Audit = "unavailable"
		}
	}
	return payload, nil
}

func (d *Dispatcher) handlePresence(_ context.Context, _ Client, _ json.RawMessage) (interface{}, *types.ErrorShape) {
	return d.deps.State.Presence.Snapshot(), nil
}

type presenceUpdateParams struct {
	Key string `json:"key" validate:"required,max=200"`
}

// PresenceUpdatePayload answers presence.update
type PresenceUpdatePayload struct {
	Key     string `json:"key"`
	Version uint64 `json:"version"`
}

func (d *Dispatcher) handlePresenceUpdate(_ context.Context, client Client, raw json.RawMessage) (interface{}, *types.ErrorShape) {
	var params presenceUpdateParams
	if errShape := d.decodeParams(raw, &params); errShape != nil {
		return nil, errShape
	}
	if !types.IsValidPresenceKey(params.Key) {
		return nil, shape(types.ErrorCodeInvalidRequest, types.ErrInvalidPresenceKey)
	}

	state := d.deps.State
	if conn, ok := state.Registry.Get(client.ConnID); ok && conn.PresenceKey != "" && conn.PresenceKey != params.Key {
		state.Presence.RemoveByConnID(client.ConnID)
	}
	if err := state.Presence.Upsert(params.Key, client.ConnID); err != nil {
		return nil, shape(types.ErrorCodeInvalidRequest, err)
	}
	state.Registry.SetPresenceKey(client.ConnID, params.Key)
	d.deps.Metrics.ObservePresence(state.Presence.OnlineCount())

	return PresenceUpdatePayload{Key: params.Key, Version: state.Presence.Version()}, nil
}

// ConnectionsPayload answers connections.list
type ConnectionsPayload struct {
	Count       int                  `json:"count"`
	Connections []session.Connection `json:"connections"`
}

func (d *Dispatcher) handleConnectionsList(_ context.Context, _ Client, _ json.RawMessage) (interface{}, *types.ErrorShape) {
	conns := d.deps.State.Registry.List()
	return ConnectionsPayload{Count: len(conns), Connections: conns}, nil
}

type kickParams struct {
	ConnID string `json:"conn_id" validate:"required,max=128"`
	Reason string `json:"reason" validate:"max=200"`
}

// KickPayload answers connections.kick
type KickPayload struct {
	ConnID string `json:"conn_id"`
	Kicked bool   `json:"kicked"`
}

// handleKick notifies the target, closes its socket and drops it from the
// directories. The socket's own read loop finishes the cleanup idempotently.
func (d *Dispatcher) handleKick(ctx context.Context, client Client, raw json.RawMessage) (interface{}, *types.ErrorShape) {
	var params kickParams
	if errShape := d.decodeParams(raw, &params); errShape != nil {
		return nil, errShape
	}

	state := d.deps.State
	target, registered := state.Registry.Get(params.ConnID)

	targetIP := ""
	socketFound := false
	if d.deps.Sockets != nil {
		if sock, ok := d.deps.Sockets.Lookup(params.ConnID); ok {
			socketFound = true
			targetIP = sock.ClientIP()
			if err := sock.WriteJSON(types.NewEvent(EventKicked, map[string]string{"reason": params.Reason})); err != nil {
				d.logger.Debug("kick notice not delivered", "conn_id", params.ConnID, "error", err)
			}
			_ = sock.Close()
		}
	}

	if !registered && !socketFound {
		return nil, shape(types.ErrorCodeNotFound, ErrConnNotFound)
	}

	state.Registry.Remove(params.ConnID)
	if state.Presence.RemoveByConnID(params.ConnID) {
		d.deps.Metrics.ObservePresence(state.Presence.OnlineCount())
	}

	d.logger.Info("connection kicked", "conn_id", params.ConnID, "by", client.ConnID, "reason", params.Reason)
	d.audit(ctx, &types.ConnectionEvent{
		Kind:     types.EventKicked,
		ConnID:   params.ConnID,
		Role:     target.Role,
		ClientID: target.ClientID,
		ClientIP: targetIP,
		Reason:   params.Reason,
	})

	return KickPayload{ConnID: params.ConnID, Kicked: true}, nil
}

type authResetParams struct {
	IP    string      `json:"ip" validate:"required,ip"`
	Scope types.Scope `json:"scope" validate:"omitempty,oneof=default shared-secret device-token hook-auth"`
}

// AuthResetPayload answers auth.reset
type AuthResetPayload struct {
	IP     string        `json:"ip"`
	Scopes []types.Scope `json:"scopes"`
}

func (d *Dispatcher) handleAuthReset(_ context.Context, client Client, raw json.RawMessage) (interface{}, *types.ErrorShape) {
	var params authResetParams
	if errShape := d.decodeParams(raw, &params); errShape != nil {
		return nil, errShape
	}

	// Limiter keys are canonical addresses, so "2001:DB8::7" and
	// "::ffff:192.0.2.1" must reset "2001:db8::7" and "192.0.2.1"
	if addr, err := netip.ParseAddr(params.IP); err == nil {
		params.IP = addr.Unmap().String()
	}

	scopes := allScopes
	if params.Scope != "" {
		scopes = []types.Scope{params.Scope}
	}
	for _, scope := range scopes {
		d.deps.State.AuthLimiter.Reset(params.IP, scope)
	}

	d.logger.Info("auth limiter reset", "ip", params.IP, "scopes", scopes, "by", client.ConnID)
	return AuthResetPayload{IP: params.IP, Scopes: scopes}, nil
}

// audit writes ev and logs a failure; the RPC outcome does not depend on it
func (d *Dispatcher) audit(ctx context.Context, ev *types.ConnectionEvent) {
	if d.deps.Audit == nil {
		return
	}
	if err := d.deps.Audit.RecordConnectionEvent(ctx, ev); err != nil {
		d.deps.Metrics.ObserveAuditError()
		d.logger.Warn("audit write failed", "kind", ev.Kind, "conn_id", ev.ConnID, "error", err)
	}
}
