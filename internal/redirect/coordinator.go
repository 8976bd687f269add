package redirect

import (
	"log/slog"
	"sync"

	"github.com/al-bashkir/cms-console/internal/auth"
	"github.com/al-bashkir/cms-console/internal/logsanitize"
)

// Coordinator is the single place navigations are issued from. It tracks the
// last observed session state and location, holds a forced navigation until it
// is delivered, and refuses to dispatch the same target twice within one state
// transition.
//
// It runs in two modes that can be mixed. In push mode Observe and SetLocation
// evaluate the policy and hand navigations to the sink. In pull mode Evaluate
// returns the action for a request and the caller carries it out.
type Coordinator struct {
	policy Policy

	mu         sync.Mutex
	state      auth.State
	location   string
	pending    string // forced navigation not yet delivered
	dispatched string // path dispatched in the current state transition

	sink   func(target string)
	logout func(target string)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSink receives every dispatched navigation.
func WithSink(fn func(target string)) Option {
	return func(c *Coordinator) { c.sink = fn }
}

// WithLogoutHook executes silent logouts required by admin route denials.
func WithLogoutHook(fn func(target string)) Option {
	return func(c *Coordinator) { c.logout = fn }
}

// NewCoordinator creates a coordinator for policy.
func NewCoordinator(policy Policy, opts ...Option) *Coordinator {
	c := &Coordinator{policy: policy, location: "/"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the navigation table.
func (c *Coordinator) Policy() Policy {
	return c.policy
}

// SetLogoutHook installs the logout hook after construction.
func (c *Coordinator) SetLogoutHook(fn func(target string)) {
	c.mu.Lock()
	c.logout = fn
	c.mu.Unlock()
}

// Observe records a new session state and, in push mode, re-evaluates the
// policy for the current location. It never runs the logout hook: states are
// published from inside session transitions, and a denial caused by a new
// state is acted on at the next location change or request.
func (c *Coordinator) Observe(state auth.State) {
	c.mu.Lock()
	c.observeLocked(state)
	act, fn := c.pushLocked(false)
	c.mu.Unlock()

	dispatch(act, fn)
}

// SetLocation records where the operator is and re-evaluates in push mode.
func (c *Coordinator) SetLocation(location string) {
	c.mu.Lock()
	c.locateLocked(location)
	act, fn := c.pushLocked(true)
	c.mu.Unlock()

	dispatch(act, fn)
}

// Navigate issues a forced navigation, such as the sign-in redirect after the
// session expired. It reports whether the navigation was dispatched. A target
// at the current location or already dispatched in this state is dropped.
func (c *Coordinator) Navigate(target string) bool {
	c.mu.Lock()
	path := pathOf(target)
	if path == pathOf(c.location) || path == c.dispatched {
		c.mu.Unlock()
		slog.Debug("dropping repeated navigation", "target", logsanitize.Sanitize(target))
		return false
	}
	c.pending = target
	c.dispatched = path
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		sink(target)
	}
	return true
}

// Evaluate returns the action for a request at location with state. A forced
// navigation that has not been delivered yet wins over the policy. Silent
// logouts are executed through the logout hook before returning.
func (c *Coordinator) Evaluate(state auth.State, location string) Action {
	c.mu.Lock()
	c.observeLocked(state)
	c.locateLocked(location)

	if c.pending != "" {
		target := c.pending
		c.pending = ""
		c.mu.Unlock()
		return Action{Kind: Navigate, Target: target}
	}

	act := Decide(c.state, c.location, c.policy)
	hook := c.logout
	fire := act.Kind == Logout && c.claimLocked(act.Target)
	c.mu.Unlock()

	if fire && hook != nil {
		hook(act.Target)
	}
	return act
}

// Pending returns the forced navigation that has not been delivered yet.
func (c *Coordinator) Pending() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

func (c *Coordinator) observeLocked(state auth.State) {
	if state.Equal(c.state) {
		return
	}
	c.state = state
	c.dispatched = ""
	if state.IsAuthenticated {
		c.pending = ""
	}
}

func (c *Coordinator) locateLocked(location string) {
	if location == "" {
		location = "/"
	}
	c.location = location
	if c.pending != "" && pathOf(c.pending) == pathOf(location) {
		c.pending = ""
	}
}

// pushLocked evaluates the policy for push mode and returns the action with
// the function that carries it out. Nothing is pushed without a sink or hook,
// or while a forced navigation is on its way. Logouts are only pushed when
// located is set.
func (c *Coordinator) pushLocked(located bool) (Action, func(string)) {
	if (c.sink == nil && c.logout == nil) || c.pending != "" {
		return Action{}, nil
	}
	act := Decide(c.state, c.location, c.policy)
	var fn func(string)
	switch act.Kind {
	case Navigate:
		fn = c.sink
	case Logout:
		if located {
			fn = c.logout
		}
	}
	if fn == nil || !c.claimLocked(act.Target) {
		return Action{}, nil
	}
	return act, fn
}

// claimLocked marks target as dispatched for the current state. It returns
// false when it already was.
func (c *Coordinator) claimLocked(target string) bool {
	path := pathOf(target)
	if path == c.dispatched {
		return false
	}
	c.dispatched = path
	return true
}

func dispatch(act Action, fn func(string)) {
	if fn == nil {
		return
	}
	switch act.Kind {
	case Navigate:
		slog.Debug("navigating", "target", logsanitize.Sanitize(act.Target))
	case Logout:
		slog.Info("role not allowed here, logging out", "target", logsanitize.Sanitize(act.Target))
	}
	fn(act.Target)
}
