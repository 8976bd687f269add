package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials means the backend rejected a login.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrSessionExpired means an authorization failure could not be recovered
	// by a token reissue.
	ErrSessionExpired = errors.New("session expired")

	// ErrNetwork marks transient transport failures.
	ErrNetwork = errors.New("network error")

	// ErrAuthorizationDenied means the operator is authenticated but their
	// role is not allowed where they tried to go.
	ErrAuthorizationDenied = errors.New("authorization denied")
)

// BackendError is a non-2xx answer from the CMS backend.
type BackendError struct {
	StatusCode int
	Message    string

	// Kind is one of the sentinel errors above, or nil for unclassified failures.
	Kind error
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
}

func (e *BackendError) Unwrap() error {
	return e.Kind
}

// Message extracts the human-readable backend message from err, falling back
// to err's text.
func Message(err error) string {
	var be *BackendError
	if errors.As(err, &be) && be.Message != "" {
		return be.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
