package ipc

import (
	"errors"
	"time"

	"github.com/al-bashkir/cms-console/internal/auth"
)

// MessageType is the command carried by a control request
type MessageType string

const (
	// MessageTypeStatus reports the current session
	MessageTypeStatus MessageType = "status"
	// MessageTypeLogin signs in with the enclosed credentials
	MessageTypeLogin MessageType = "login"
	// MessageTypeLogout ends the session
	MessageTypeLogout MessageType = "logout"
	// MessageTypeSync re-verifies the stored token with the backend
	MessageTypeSync MessageType = "sync"
)

// Valid reports whether t is a known command.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeStatus, MessageTypeLogin, MessageTypeLogout, MessageTypeSync:
		return true
	}
	return false
}

// Request is sent from the CLI to the daemon.
// Password is only set for login requests and is never logged.
type Request struct {
	Type     MessageType `json:"type"`
	Username string      `json:"username,omitempty"`
	Password string      `json:"password,omitempty"`
	Remember bool        `json:"remember,omitempty"`
}

// Response is sent from the daemon back to the CLI
type Response struct {
	Type    MessageType  `json:"type"`
	Status  string       `json:"status"` // "ok" or "error"
	Session *SessionInfo `json:"session,omitempty"`
	Error   string       `json:"error,omitempty"`
	Code    string       `json:"code,omitempty"`
}

// SessionInfo describes the daemon's session after the command ran.
type SessionInfo struct {
	Phase         string    `json:"phase"`
	Authenticated bool      `json:"authenticated"`
	Loading       bool      `json:"loading,omitempty"`
	LoggingOut    bool      `json:"logging_out,omitempty"`
	Username      string    `json:"username,omitempty"`
	Name          string    `json:"name,omitempty"`
	Role          auth.Role `json:"role,omitempty"`
	// TokenExpiry is the advisory expiry of the access token, zero when unknown.
	TokenExpiry time.Time `json:"token_expiry,omitzero"`
}

// NewSessionInfo summarizes state for the wire.
func NewSessionInfo(phase string, state auth.State) *SessionInfo {
	info := &SessionInfo{
		Phase:         phase,
		Authenticated: state.IsAuthenticated,
		Loading:       state.IsLoading,
		LoggingOut:    state.IsLoggingOut,
	}
	if state.User != nil {
		info.Username = state.User.Username
		info.Name = state.User.Name
		info.Role = state.User.Role
	}
	return info
}

// ResponseStatus constants
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Error codes let the CLI tell failure classes apart.
const (
	CodeInvalidCredentials = "invalid_credentials"
	CodeSessionExpired     = "session_expired"
	CodeNetwork            = "network"
	CodeDenied             = "denied"
	CodeBadRequest         = "bad_request"
	CodeInternal           = "internal"
)

// ErrorCode classifies err for a response.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return CodeInvalidCredentials
	case errors.Is(err, auth.ErrSessionExpired):
		return CodeSessionExpired
	case errors.Is(err, auth.ErrNetwork):
		return CodeNetwork
	case errors.Is(err, auth.ErrAuthorizationDenied):
		return CodeDenied
	default:
		return CodeInternal
	}
}
