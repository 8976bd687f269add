// Package redirect decides where the console should send the operator for a
// given session state and location, and dispatches those navigations without
// repeating them.
package redirect

import (
	"net/url"
	"strings"

	"github.com/al-bashkir/cms-console/internal/auth"
	"github.com/al-bashkir/cms-console/internal/config"
)

// DefaultReturnParam carries the originally requested location to the sign-in page.
const DefaultReturnParam = "redirectedFrom"

// ErrorParam annotates the sign-in location with the reason for the redirect.
const ErrorParam = "error"

// ReasonSessionExpired is the ErrorParam value for expired sessions.
const ReasonSessionExpired = "session_expired"

// Context tells how a role denial on a route is handled.
type Context int

const (
	// Regular routes send a denied operator to a landing location.
	Regular Context = iota
	// Admin routes log a denied operator out silently.
	Admin
)

// Route restricts a path prefix to a set of roles.
type Route struct {
	Prefix       string
	AllowedRoles []auth.Role
	Context      Context
}

// Policy is the console's navigation table.
type Policy struct {
	SignInPath         string
	HomePath           string
	PasswordChangePath string
	PublicPaths        []string
	Routes             []Route
	RoleLanding        map[auth.Role]string
	DefaultLanding     string
	ReturnParam        string
}

// PolicyFromConfig converts the routes section of the configuration.
func PolicyFromConfig(cfg *config.RoutesConfig) Policy {
	p := Policy{
		SignInPath:         cfg.SignIn,
		HomePath:           cfg.Home,
		PasswordChangePath: cfg.PasswordChange,
		PublicPaths:        append([]string(nil), cfg.Public...),
		DefaultLanding:     cfg.DefaultLanding,
		ReturnParam:        DefaultReturnParam,
	}

	for _, g := range cfg.Guards {
		r := Route{Prefix: g.Prefix, Context: Regular}
		if g.Context == config.GuardContextAdmin {
			r.Context = Admin
		}
		for _, role := range g.Roles {
			r.AllowedRoles = append(r.AllowedRoles, auth.NormalizeRole(role, auth.DefaultRolePrefix))
		}
		p.Routes = append(p.Routes, r)
	}

	if len(cfg.Landing) > 0 {
		p.RoleLanding = make(map[auth.Role]string, len(cfg.Landing))
		for role, path := range cfg.Landing {
			p.RoleLanding[auth.NormalizeRole(role, auth.DefaultRolePrefix)] = path
		}
	}
	return p
}

// IsPublic reports whether path may be visited without a session. The
// sign-in location is always public.
func (p *Policy) IsPublic(path string) bool {
	if path == p.SignInPath {
		return true
	}
	for _, pub := range p.PublicPaths {
		if matchPrefix(path, pub) {
			return true
		}
	}
	return false
}

// Route returns the most specific route covering path.
func (p *Policy) Route(path string) (Route, bool) {
	var (
		best  Route
		found bool
	)
	for _, r := range p.Routes {
		if matchPrefix(path, r.Prefix) && (!found || len(r.Prefix) > len(best.Prefix)) {
			best, found = r, true
		}
	}
	return best, found
}

// Landing returns where a denied operator with role should go.
func (p *Policy) Landing(role auth.Role) string {
	if l, ok := p.RoleLanding[role]; ok && l != "" {
		return l
	}
	if p.DefaultLanding != "" {
		return p.DefaultLanding
	}
	return p.HomePath
}

func (p *Policy) returnParam() string {
	if p.ReturnParam == "" {
		return DefaultReturnParam
	}
	return p.ReturnParam
}

// SignInTarget builds the sign-in location, optionally annotated with the
// location to return to and the reason for the redirect.
func (p *Policy) SignInTarget(from, reason string) string {
	q := url.Values{}
	if from != "" && pathOf(from) != "/" && pathOf(from) != p.HomePath && pathOf(from) != p.SignInPath {
		q.Set(p.returnParam(), from)
	}
	if reason != "" {
		q.Set(ErrorParam, reason)
	}
	if len(q) == 0 {
		return p.SignInPath
	}
	return p.SignInPath + "?" + q.Encode()
}

// SafeReturn validates a post-login return location. Only local absolute
// paths outside the sign-in page are accepted.
func (p *Policy) SafeReturn(raw string) (string, bool) {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "", false
	}
	if u.Path == p.SignInPath {
		return "", false
	}
	return u.RequestURI(), true
}

func matchPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if prefix == "/" || path == prefix {
		return true
	}
	return strings.HasPrefix(path, strings.TrimRight(prefix, "/")+"/")
}

// pathOf returns the path component of a location like "/a/b?c=d".
func pathOf(location string) string {
	if i := strings.IndexAny(location, "?#"); i >= 0 {
		location = location[:i]
	}
	if location == "" {
		return "/"
	}
	return location
}

func queryOf(location string) url.Values {
	i := strings.IndexByte(location, '?')
	if i < 0 {
		return url.Values{}
	}
	raw := location[i+1:]
	if j := strings.IndexByte(raw, '#'); j >= 0 {
		raw = raw[:j]
	}
	q, err := url.ParseQuery(raw)
	if err != nil {
		return url.Values{}
	}
	return q
}
