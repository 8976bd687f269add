package session

import (
	"context"
	"errors"

	"github.com/al-bashkir/cms-console/internal/auth"
)

// Phase is the lifecycle position of the console's session.
type Phase int

const (
	Unauthenticated Phase = iota
	Authenticating
	Authenticated
	LoggingOut
)

func (p Phase) String() string {
	switch p {
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case LoggingOut:
		return "logging_out"
	default:
		return "unauthenticated"
	}
}

// ErrSuperseded is returned by Login when a newer transition (a logout or an
// expiry) happened while the login was in flight.
var ErrSuperseded = errors.New("session transition superseded")

// Backend is the part of the CMS backend client the machine drives.
type Backend interface {
	Login(ctx context.Context, creds auth.Credentials) (auth.LoginResult, error)
	Verify(ctx context.Context) (auth.UserProfile, error)
	Logout(ctx context.Context) error
}

// Navigator carries out navigations requested by the machine.
type Navigator interface {
	Navigate(target string) bool
}
