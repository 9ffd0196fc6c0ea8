package types

import (
	"encoding/json"
	"regexp"
	"unicode"
)

// Regex compiled once at package initialization
var clientIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)

// IsValidRole reports whether role is a known ClientRole
func IsValidRole(role ClientRole) bool {
	switch role {
	case RoleOperator, RoleAdmin, RoleViewer:
		return true
	default:
		return false
	}
}

// IsValidClientMode reports whether mode is a known ClientMode
func IsValidClientMode(mode ClientMode) bool {
	switch mode {
	case ClientModeCLI, ClientModeUI, ClientModeWebchat, ClientModeBackend:
		return true
	default:
		return false
	}
}

// IsValidAuthMode reports whether mode is a known AuthMode
func IsValidAuthMode(mode AuthMode) bool {
	switch mode {
	case AuthModeNone, AuthModeToken, AuthModePassword, AuthModeTrustedProxy:
		return true
	default:
		return false
	}
}

// IsValidClientID checks the optional client id reported at connect time
func IsValidClientID(clientID string) bool {
	if len(clientID) < 1 || len(clientID) > 128 {
		return false
	}
	return clientIDRegex.MatchString(clientID)
}

// IsValidPresenceKey accepts application identities such as "user:123".
// Control characters are rejected so keys stay printable in logs.
func IsValidPresenceKey(key string) bool {
	if len(key) < 1 || len(key) > 200 {
		return false
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// Validate checks the envelope of a request frame
func (f *RequestFrame) Validate() error {
	if f.Type != FrameTypeRequest || f.ID == "" || f.Method == "" {
		return ErrInvalidFrame
	}
	if len(f.Params) > 0 && !json.Valid(f.Params) {
		return ErrInvalidFrame
	}
	return nil
}
