// Package auth holds the domain types shared by the console's session core:
// user profiles, roles, token pairs, the session record and the error taxonomy.
package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Role is a normalized CMS role name (without the backend namespace prefix).
type Role string

// Roles known to the CMS backends.
const (
	RoleSuperAdmin   Role = "SUPER_ADMIN"
	RoleAdmin        Role = "ADMIN"
	RoleServiceAdmin Role = "SERVICE_ADMIN"
	RoleSiteAdmin    Role = "SITE_ADMIN"
	RoleUser         Role = "USER"
)

// DefaultRolePrefix is the namespace prefix the backend puts on role names.
const DefaultRolePrefix = "ROLE_"

// NormalizeRole strips the namespace prefix from a backend role name.
// An empty result maps to RoleUser.
func NormalizeRole(raw, prefix string) Role {
	r := strings.TrimSpace(raw)
	if prefix != "" {
		r = strings.TrimPrefix(r, prefix)
	}
	if r == "" {
		return RoleUser
	}
	return Role(strings.ToUpper(r))
}

// UserProfile is the verified identity of the operator.
type UserProfile struct {
	ID                     string `json:"uuid"`
	Username               string `json:"username"`
	Role                   Role   `json:"role"`
	Name                   string `json:"name"`
	Email                  string `json:"email"`
	Status                 string `json:"status"`
	RequiresPasswordChange bool   `json:"requiresPasswordChange,omitempty"`
	CreatedAt              string `json:"createdAt"`
	UpdatedAt              string `json:"updatedAt"`
}

// Normalize fills the defaults the backend may leave empty and strips the
// role namespace prefix.
func (u UserProfile) Normalize(rolePrefix string) UserProfile {
	u.Role = NormalizeRole(string(u.Role), rolePrefix)
	if u.Name == "" {
		u.Name = u.Username
	}
	if u.Status == "" {
		u.Status = "ACTIVE"
	}
	return u
}

// HasRole reports whether the profile's role is one of roles.
func (u *UserProfile) HasRole(roles ...Role) bool {
	if u == nil {
		return false
	}
	for _, r := range roles {
		if u.Role == r {
			return true
		}
	}
	return false
}

// Credentials are what the operator types on the sign-in page.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`

	// Remember asks the session to keep the login id for the next sign-in.
	Remember bool `json:"-"`
}

// TokenPair is the live access/refresh token pair. Tokens are opaque here;
// the backend's 401 is the only authority on validity.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in,omitempty"` // seconds, advisory
	IssuedAt     time.Time `json:"issued_at"`
}

// Expiry returns the advisory expiry of the access token. It prefers the
// server-supplied lifetime and falls back to the unverified exp claim when the
// access token is a JWT. Zero means unknown.
func (p TokenPair) Expiry() time.Time {
	if p.ExpiresIn > 0 && !p.IssuedAt.IsZero() {
		return p.IssuedAt.Add(time.Duration(p.ExpiresIn) * time.Second)
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(p.AccessToken, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// OAuth2 converts the pair into an oauth2 bearer token.
func (p TokenPair) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       p.Expiry(),
	}
}

// LoginResult is what a successful login hands back.
type LoginResult struct {
	Tokens TokenPair
	User   UserProfile
}

// State is the session record observed by the UI. It is always replaced as a whole.
// IsAuthenticated is true exactly when User is non-nil.
type State struct {
	IsAuthenticated bool         `json:"isAuthenticated"`
	User            *UserProfile `json:"user"`
	IsLoading       bool         `json:"isLoading"`
	IsLoggingOut    bool         `json:"isLoggingOut"`
}

// Authenticated returns the record of a verified session for user.
func Authenticated(user UserProfile) State {
	return State{IsAuthenticated: true, User: &user}
}

// LoggedOut returns the record of a session without an operator.
func LoggedOut() State {
	return State{}
}

// Equal compares two records by value, including the profile.
func (s State) Equal(o State) bool {
	if s.IsAuthenticated != o.IsAuthenticated || s.IsLoading != o.IsLoading || s.IsLoggingOut != o.IsLoggingOut {
		return false
	}
	if (s.User == nil) != (o.User == nil) {
		return false
	}
	return s.User == nil || *s.User == *o.User
}
