package redirect

import (
	"github.com/al-bashkir/cms-console/internal/auth"
)

// Kind is what the console should do for a location.
type Kind int

const (
	// None renders the location as requested.
	None Kind = iota
	// Loading renders a loading affordance while the session is verified.
	Loading
	// Navigate sends the operator to Target.
	Navigate
	// Logout ends the session without a notification and then goes to Target.
	Logout
	// Denied refuses the location in place; there is nowhere else to land.
	Denied
)

func (k Kind) String() string {
	switch k {
	case Loading:
		return "loading"
	case Navigate:
		return "navigate"
	case Logout:
		return "logout"
	case Denied:
		return "denied"
	default:
		return "none"
	}
}

// Action is the outcome of Decide.
type Action struct {
	Kind   Kind
	Target string
	// Notify is false for silent logouts.
	Notify bool
}

// Decide evaluates the navigation policy for state at location. Rules are
// checked in order and the first match wins:
//
//  1. a verification in progress renders a loading page; a logout in progress does nothing
//  2. without a session, non-public locations go to sign-in with the requested location
//  3. with a session, sign-in goes to the return location or home, and "/" goes home
//  4. a mandatory password change pins the operator to the password-change page
//  5. a role outside a route's allowed set logs out (admin) or lands elsewhere (regular)
//
// A navigation to the current location is reported as None, except for a
// regular denial whose landing is the current location, which is Denied.
func Decide(state auth.State, location string, p Policy) Action {
	path := pathOf(location)

	act := decide(state, location, path, &p)
	if act.Kind == Navigate && pathOf(act.Target) == path {
		return Action{Kind: None}
	}
	return act
}

func decide(state auth.State, location, path string, p *Policy) Action {
	// 1. Pending transitions
	if state.IsLoading {
		return Action{Kind: Loading}
	}
	if state.IsLoggingOut {
		return Action{Kind: None}
	}

	// 2. No session
	if !state.IsAuthenticated || state.User == nil {
		if p.IsPublic(path) {
			return Action{Kind: None}
		}
		return Action{Kind: Navigate, Target: p.SignInTarget(location, "")}
	}
	user := state.User

	// 3. Already signed in
	if path == p.SignInPath {
		if target, ok := p.SafeReturn(queryOf(location).Get(p.returnParam())); ok {
			return Action{Kind: Navigate, Target: target}
		}
		return Action{Kind: Navigate, Target: p.HomePath}
	}
	if path == "/" {
		return Action{Kind: Navigate, Target: p.HomePath}
	}

	// 4. Mandatory password change
	if user.RequiresPasswordChange && p.PasswordChangePath != "" && path != p.PasswordChangePath {
		return Action{Kind: Navigate, Target: p.PasswordChangePath}
	}

	// 5. Role guard
	if route, ok := p.Route(path); ok && len(route.AllowedRoles) > 0 && !user.HasRole(route.AllowedRoles...) {
		if route.Context == Admin {
			return Action{Kind: Logout, Target: p.SignInPath, Notify: false}
		}
		landing := p.Landing(user.Role)
		if lr, ok := p.Route(pathOf(landing)); ok && len(lr.AllowedRoles) > 0 && !user.HasRole(lr.AllowedRoles...) {
			landing = p.HomePath
		}
		if pathOf(landing) == path {
			return Action{Kind: Denied}
		}
		return Action{Kind: Navigate, Target: landing}
	}

	// 6. Nothing to do
	return Action{Kind: None}
}
