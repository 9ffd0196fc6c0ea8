// Package auth verifies connect requests against the gateway's auth mode
// and hands out connection IDs and handshake nonces.
package auth

import (
	"crypto/subtle"

	"github.com/google/uuid"

	"agentgate/pkg/types"
)

// ConnectParams is the params object of the first "connect" request
type ConnectParams struct {
	Role        types.ClientRole `json:"role,omitempty"`
	ClientID    string           `json:"client_id,omitempty"`
	ClientMode  types.ClientMode `json:"client_mode,omitempty"`
	Token       string           `json:"token,omitempty"`
	Password    string           `json:"password,omitempty"`
	DeviceID    string           `json:"device_id,omitempty"`
	DeviceToken string           `json:"device_token,omitempty"`
	PresenceKey string           `json:"presence_key,omitempty"`
	Nonce       string           `json:"nonce,omitempty"`

	// ViaTrustedProxy is set by the transport, never decoded from the client.
	ViaTrustedProxy bool `json:"-"`
}

// Result is the outcome of Authenticate
type Result struct {
	OK         bool
	Role       types.ClientRole
	ClientID   string
	ClientMode types.ClientMode
	Err        error
}

func fail(err error) Result {
	return Result{OK: false, Err: err}
}

// Authenticate checks params against mode and cfg.
// Secrets are compared in constant time. An empty role defaults to operator.
func Authenticate(params ConnectParams, mode types.AuthMode, cfg types.AuthConfig) Result {
	role := params.Role
	if role == "" {
		role = types.RoleOperator
	}
	if !types.IsValidRole(role) {
		return fail(types.ErrInvalidRole)
	}
	if params.ClientMode != "" && !types.IsValidClientMode(params.ClientMode) {
		return fail(types.ErrInvalidClientMode)
	}
	if params.ClientID != "" && !types.IsValidClientID(params.ClientID) {
		return fail(types.ErrInvalidClientID)
	}

	switch mode {
	case types.AuthModeNone:
	case types.AuthModeToken:
		presented := params.Token
		if presented == "" {
			presented = params.DeviceToken
		}
		if err := verifySecret(presented, cfg.Token); err != nil {
			return fail(err)
		}
	case types.AuthModePassword:
		if err := verifySecret(params.Password, cfg.Password); err != nil {
			return fail(err)
		}
	case types.AuthModeTrustedProxy:
		if !params.ViaTrustedProxy {
			return fail(ErrUntrustedProxy)
		}
	default:
		return fail(types.ErrInvalidAuthMode)
	}

	return Result{
		OK:         true,
		Role:       role,
		ClientID:   params.ClientID,
		ClientMode: params.ClientMode,
	}
}

func verifySecret(presented, expected string) error {
	if expected == "" {
		return ErrSecretNotSet
	}
	if presented == "" {
		return ErrMissingCredentials
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// ScopeFor picks the auth limiter scope for a connect attempt
func ScopeFor(params ConnectParams, mode types.AuthMode) types.Scope {
	if params.DeviceToken != "" && params.Token == "" {
		return types.ScopeDeviceToken
	}
	switch mode {
	case types.AuthModeToken, types.AuthModePassword:
		return types.ScopeSharedSecret
	default:
		return types.ScopeDefault
	}
}

// VerifyNonce checks that the client echoed the challenge it was sent
func VerifyNonce(sent, echoed string) error {
	if sent == "" || subtle.ConstantTimeCompare([]byte(sent), []byte(echoed)) != 1 {
		return ErrNonceMismatch
	}
	return nil
}

// NewNonce returns a fresh handshake challenge
func NewNonce() string {
	return uuid.NewString()
}

// NewConnID returns a fresh connection ID
func NewConnID() string {
	return uuid.New().String()
}
