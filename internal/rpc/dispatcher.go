// Package rpc dispatches request frames received on an authenticated
// gateway socket to method handlers.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-hclog"

	"agentgate/internal/gateway"
	"agentgate/internal/metrics"
	"agentgate/internal/ratelimit"
	"agentgate/internal/stats"
	"agentgate/pkg/interfaces"
	"agentgate/pkg/types"
)

// Client identifies the caller of a request
type Client struct {
	ConnID   string
	ClientIP string
	DeviceID string
	Role     types.ClientRole
}

// Sockets finds live sockets by connection ID
type Sockets interface {
	Lookup(connID string) (interfaces.Connection, bool)
}

// Deps are the collaborators handlers reach. Only State is required.
type Deps struct {
	State   *gateway.State
	Sockets Sockets
	Audit   interfaces.AuditStore
	Stats   interfaces.StatsRecorder
	Metrics *metrics.Metrics
	Logger  hclog.Logger
}

type handlerFunc func(ctx context.Context, client Client, params json.RawMessage) (interface{}, *types.ErrorShape)

// method describes one RPC method
// ARCHITECTURAL DISCOVERY: Role checks and control-plane metering live in the
// table, so handlers only see requests that already passed both
type method struct {
	handler      handlerFunc
	roles        []types.ClientRole // empty means every role
	controlPlane bool
}

// Dispatcher routes request frames to handlers
type Dispatcher struct {
	deps     Deps
	logger   hclog.Logger
	validate *validator.Validate
	methods  map[string]method
}

// NewDispatcher builds a dispatcher with the built-in method table
func NewDispatcher(deps Deps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if deps.Stats == nil {
		deps.Stats = stats.Nop{}
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})

	d := &Dispatcher{
		deps:     deps,
		logger:   logger.Named("rpc"),
		validate: validate,
	}
	d.methods = map[string]method{
		"status":           {handler: d.handleStatus},
		"health":           {handler: d.handleHealth},
		"system.presence":  {handler: d.handlePresence},
		"presence.update":  {handler: d.handlePresenceUpdate},
		"connections.list": {handler: d.handleConnectionsList},
		"connections.kick": {
			handler:      d.handleKick,
			roles:        []types.ClientRole{types.RoleAdmin, types.RoleOperator},
			controlPlane: true,
		},
		"auth.reset": {
			handler:      d.handleAuthReset,
			roles:        []types.ClientRole{types.RoleAdmin},
			controlPlane: true,
		},
	}
	return d
}

// Methods lists the registered method names in order
func (d *Dispatcher) Methods() []string {
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch answers one request frame. It never returns nil.
func (d *Dispatcher) Dispatch(ctx context.Context, client Client, frame types.RequestFrame) types.ResponseFrame {
	resp := d.dispatch(ctx, client, frame)

	status := "ok"
	if resp.Error != nil {
		status = resp.Error.Code
	}
	d.deps.Metrics.ObserveRPC(metricMethod(d.methods, frame.Method), status)
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, client Client, frame types.RequestFrame) types.ResponseFrame {
	if err := frame.Validate(); err != nil {
		return types.NewErrorResponse(frame.ID, *shape(types.ErrorCodeInvalidRequest, err))
	}

	m, ok := d.methods[frame.Method]
	if !ok {
		return types.NewErrorResponse(frame.ID, *shape(types.ErrorCodeNotFound,
			fmt.Errorf("%w: %s", ErrUnknownMethod, frame.Method)))
	}

	if !roleAllowed(m.roles, client.Role) {
		d.logger.Warn("forbidden rpc", "method", frame.Method, "conn_id", client.ConnID, "role", client.Role)
		return types.NewErrorResponse(frame.ID, *shape(types.ErrorCodeForbidden, ErrForbidden))
	}

	if m.controlPlane {
		if errShape := d.consumeControlPlane(ctx, client, frame.Method); errShape != nil {
			return types.NewErrorResponse(frame.ID, *errShape)
		}
	}

	payload, errShape := m.handler(ctx, client, frame.Params)
	if errShape != nil {
		return types.NewErrorResponse(frame.ID, *errShape)
	}
	return types.NewResponse(frame.ID, payload)
}

// consumeControlPlane meters sensitive methods per device and client address
func (d *Dispatcher) consumeControlPlane(ctx context.Context, client Client, methodName string) *types.ErrorShape {
	key := ratelimit.ResolveControlPlaneKey(client.DeviceID, client.ClientIP, client.ConnID)
	if key == "" {
		d.logger.Warn("control-plane key too long", "method", methodName, "conn_id", client.ConnID)
		return shape(types.ErrorCodeUnavailable, ErrNoControlKey)
	}

	result := d.deps.State.ControlPlane.Consume(key)
	decision := types.Decision{Limiter: types.LimiterControlPlane, Key: key, Allowed: result.Allowed, At: timeNow()}
	stats.RecordBestEffort(ctx, d.deps.Stats, d.logger, decision)
	d.deps.Metrics.ObserveDecision(decision)

	if !result.Allowed {
		d.logger.Warn("control-plane rate limited",
			"method", methodName, "conn_id", client.ConnID, "ip", client.ClientIP,
			"retry_after_ms", result.RetryAfterMs)
		return &types.ErrorShape{
			Code:         types.ErrorCodeRateLimited,
			Message:      "too many control-plane requests",
			RetryAfterMs: result.RetryAfterMs,
		}
	}
	return nil
}

// decodeParams unmarshals raw into dst and runs struct validation
func (d *Dispatcher) decodeParams(raw json.RawMessage, dst interface{}) *types.ErrorShape {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return shape(types.ErrorCodeInvalidRequest, fmt.Errorf("invalid params: %w", err))
	}
	if err := d.validate.Struct(dst); err != nil {
		return shape(types.ErrorCodeInvalidRequest, fmt.Errorf("invalid params: %s", describeValidation(err)))
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

func roleAllowed(roles []types.ClientRole, role types.ClientRole) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// metricMethod keeps unknown method names out of metric labels
func metricMethod(methods map[string]method, name string) string {
	if _, ok := methods[name]; ok {
		return name
	}
	return "unknown"
}
