package auth

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/pkg/types"
)

func TestAuthenticate(t *testing.T) {
	cfg := types.AuthConfig{Token: "tok-123", Password: "hunter2"}

	tests := []struct {
		name    string
		params  ConnectParams
		mode    types.AuthMode
		cfg     types.AuthConfig
		wantOK  bool
		wantErr error
	}{
		{"none accepts anything", ConnectParams{}, types.AuthModeNone, cfg, true, nil},
		{"token ok", ConnectParams{Token: "tok-123"}, types.AuthModeToken, cfg, true, nil},
		{"device token ok", ConnectParams{DeviceToken: "tok-123"}, types.AuthModeToken, cfg, true, nil},
		{"token wrong", ConnectParams{Token: "tok-124"}, types.AuthModeToken, cfg, false, ErrInvalidCredentials},
		{"token missing", ConnectParams{}, types.AuthModeToken, cfg, false, ErrMissingCredentials},
		{"token not configured", ConnectParams{Token: "x"}, types.AuthModeToken, types.AuthConfig{}, false, ErrSecretNotSet},
		{"password ok", ConnectParams{Password: "hunter2"}, types.AuthModePassword, cfg, true, nil},
		{"password wrong", ConnectParams{Password: "hunter3"}, types.AuthModePassword, cfg, false, ErrInvalidCredentials},
		{"token does not satisfy password", ConnectParams{Token: "hunter2"}, types.AuthModePassword, cfg, false, ErrMissingCredentials},
		{"proxy trusted", ConnectParams{ViaTrustedProxy: true}, types.AuthModeTrustedProxy, cfg, true, nil},
		{"proxy untrusted", ConnectParams{}, types.AuthModeTrustedProxy, cfg, false, ErrUntrustedProxy},
		{"unknown mode", ConnectParams{}, types.AuthMode("magic"), cfg, false, types.ErrInvalidAuthMode},
		{"bad role", ConnectParams{Role: "root"}, types.AuthModeNone, cfg, false, types.ErrInvalidRole},
		{"bad client mode", ConnectParams{ClientMode: "desktop"}, types.AuthModeNone, cfg, false, types.ErrInvalidClientMode},
		{"bad client id", ConnectParams{ClientID: "has space"}, types.AuthModeNone, cfg, false, types.ErrInvalidClientID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Authenticate(tt.params, tt.mode, tt.cfg)
			assert.Equal(t, tt.wantOK, res.OK)
			if tt.wantErr != nil {
				assert.ErrorIs(t, res.Err, tt.wantErr)
			} else {
				assert.NoError(t, res.Err)
			}
		})
	}
}

func TestAuthenticate_ResultFields(t *testing.T) {
	res := Authenticate(ConnectParams{
		Role:       types.RoleAdmin,
		ClientID:   "ui-main",
		ClientMode: types.ClientModeUI,
	}, types.AuthModeNone, types.AuthConfig{})

	require.True(t, res.OK)
	assert.Equal(t, types.RoleAdmin, res.Role)
	assert.Equal(t, "ui-main", res.ClientID)
	assert.Equal(t, types.ClientModeUI, res.ClientMode)

	res = Authenticate(ConnectParams{}, types.AuthModeNone, types.AuthConfig{})
	assert.Equal(t, types.RoleOperator, res.Role, "empty role defaults to operator")
}

func TestScopeFor(t *testing.T) {
	assert.Equal(t, types.ScopeSharedSecret, ScopeFor(ConnectParams{Token: "x"}, types.AuthModeToken))
	assert.Equal(t, types.ScopeSharedSecret, ScopeFor(ConnectParams{Password: "x"}, types.AuthModePassword))
	assert.Equal(t, types.ScopeDeviceToken, ScopeFor(ConnectParams{DeviceToken: "x"}, types.AuthModeToken))
	assert.Equal(t, types.ScopeDefault, ScopeFor(ConnectParams{}, types.AuthModeNone))
	assert.Equal(t, types.ScopeDefault, ScopeFor(ConnectParams{}, types.AuthModeTrustedProxy))
}

func TestVerifyNonce(t *testing.T) {
	n := NewNonce()
	assert.NoError(t, VerifyNonce(n, n))
	assert.ErrorIs(t, VerifyNonce(n, "other"), ErrNonceMismatch)
	assert.ErrorIs(t, VerifyNonce("", ""), ErrNonceMismatch)
}

func TestIdentifiers(t *testing.T) {
	a, b := NewConnID(), NewConnID()
	assert.NotEqual(t, a, b)
	_, err := uuid.Parse(a)
	assert.NoError(t, err)
	assert.NotEqual(t, NewNonce(), NewNonce())
}
