// Package session owns the console's single authenticated session. The
// Machine serializes login, logout, verification and expiry into whole-record
// state replacements and tells subscribers about every new record.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/al-bashkir/cms-console/internal/auth"
	"github.com/al-bashkir/cms-console/internal/logsanitize"
	"github.com/al-bashkir/cms-console/internal/notify"
	"github.com/al-bashkir/cms-console/internal/tokenstore"
)

// Options tunes a Machine.
type Options struct {
	SignInPath string

	// NavigationDelay and NotifyDelay postpone the side effects of a logout.
	// Zero runs them inline.
	NavigationDelay time.Duration
	NotifyDelay     time.Duration

	// RememberLogin keeps the login id of operators who ask for it.
	RememberLogin bool
}

// Machine is the session state machine. It is safe for concurrent use.
type Machine struct {
	store    tokenstore.Store
	backend  Backend
	nav      Navigator
	notifier notify.Notifier
	opts     Options

	mu    sync.Mutex
	state auth.State
	phase Phase
	gen   uint64 // bumped by every transition; delayed work checks it

	subMu sync.RWMutex
	subs  []func(auth.State)
}

// New creates a machine in the Unauthenticated phase. nav and notifier may be nil.
func New(store tokenstore.Store, backend Backend, nav Navigator, notifier notify.Notifier, opts Options) *Machine {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if opts.SignInPath == "" {
		opts.SignInPath = "/login"
	}
	return &Machine{
		store:    store,
		backend:  backend,
		nav:      nav,
		notifier: notifier,
		opts:     opts,
		state:    auth.LoggedOut(),
	}
}

// Subscribe registers fn to receive every new session record. fn is called
// outside the machine's lock and may call back into the machine.
func (m *Machine) Subscribe(fn func(auth.State)) {
	m.subMu.Lock()
	m.subs = append(m.subs, fn)
	m.subMu.Unlock()
}

// Snapshot returns the current session record.
func (m *Machine) Snapshot() auth.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Phase returns the current lifecycle phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// RememberedLogin returns the login id kept from an earlier sign-in.
func (m *Machine) RememberedLogin(ctx context.Context) string {
	id, err := m.store.RememberedLogin(ctx)
	if err != nil {
		slog.Warn("failed to read remembered login id", "error", err)
		return ""
	}
	return id
}

// Login authenticates with creds. On success the token pair and profile are
// persisted and the session becomes Authenticated. On failure the session is
// Unauthenticated and the backend's error is returned. A login overtaken by a
// newer transition returns ErrSuperseded and leaves the store to that
// transition.
func (m *Machine) Login(ctx context.Context, creds auth.Credentials) error {
	m.mu.Lock()
	if m.phase == LoggingOut {
		m.mu.Unlock()
		return fmt.Errorf("logout in progress")
	}
	m.phase = Authenticating
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	user := logsanitize.Sanitize(creds.Username)

	s, err := m.authenticate(ctx, gen, creds)
	if errors.Is(err, ErrSuperseded) {
		slog.Info("login superseded by a newer transition", "username", user)
		return err
	}
	if err != nil {
		if m.fail(gen) {
			slog.Warn("login failed", "username", user, "error", err)
			m.notifier.Notify(notify.New(notify.LoginFailure, auth.Message(err)))
		}
		return err
	}

	if m.opts.RememberLogin {
		id := ""
		if creds.Remember {
			id = creds.Username
		}
		if err := m.store.RememberLogin(ctx, id); err != nil {
			slog.Warn("failed to remember login id", "error", err)
		}
	}

	m.publish(s)

	// a subscriber may have ended the session already
	if !m.current(gen) {
		slog.Info("login superseded by a newer transition", "username", user)
		return ErrSuperseded
	}
	slog.Info("login succeeded", "username", user, "role", string(s.User.Role))
	m.notifier.Notify(notify.New(notify.LoginSuccess, ""))
	return nil
}

// authenticate runs the backend login, persists the result and commits the
// Authenticated record. The store is only written while gen is current.
func (m *Machine) authenticate(ctx context.Context, gen uint64, creds auth.Credentials) (auth.State, error) {
	res, err := m.backend.Login(ctx, creds)
	if err != nil {
		return auth.State{}, err
	}

	var s auth.State
	commit := func(profile auth.UserProfile) func() {
		return func() {
			m.phase = Authenticated
			m.state = auth.Authenticated(profile)
			s = m.state
		}
	}

	if res.User.Username != "" {
		err := m.persist(ctx, gen, res.Tokens, &res.User, commit(res.User))
		return s, err
	}

	// The backend did not return the profile, fetch it with the new token
	if err := m.persist(ctx, gen, res.Tokens, nil, nil); err != nil {
		return auth.State{}, err
	}
	profile, err := m.backend.Verify(ctx)
	if err != nil {
		m.clearIfCurrent(ctx, gen)
		return auth.State{}, err
	}
	// Verify may have rotated the pair, keep whatever is stored now
	err = m.cacheProfile(ctx, gen, profile, commit(profile))
	return s, err
}

// persist writes the token pair and profile if gen is still current, then
// runs then under the same lock. A transition that starts afterwards clears
// the store after this write, never before it.
func (m *Machine) persist(ctx context.Context, gen uint64, pair auth.TokenPair, profile *auth.UserProfile, then func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return ErrSuperseded
	}
	if err := m.store.Set(ctx, pair, profile); err != nil {
		return fmt.Errorf("failed to persist tokens: %w", err)
	}
	if then != nil {
		then()
	}
	return nil
}

// clearIfCurrent empties the store unless a newer transition owns it.
func (m *Machine) clearIfCurrent(ctx context.Context, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	if err := m.store.Clear(ctx); err != nil {
		slog.Error("failed to clear token store", "error", err)
	}
}

// fail resets the session after a failed login. It reports whether gen was
// still current.
func (m *Machine) fail(gen uint64) bool {
	s, ok := m.commit(gen, Unauthenticated, auth.LoggedOut())
	if ok {
		m.publish(s)
	}
	return ok
}

// Logout ends the session. The backend is told on a best-effort basis; the
// local session is always cleared. Navigation to target (the sign-in page
// when empty) and, when notifyUser is set, the logout notification follow
// after their delays unless a newer transition happened meanwhile.
func (m *Machine) Logout(ctx context.Context, target string, notifyUser bool) {
	if target == "" {
		target = m.opts.SignInPath
	}

	m.mu.Lock()
	if m.phase == LoggingOut {
		m.mu.Unlock()
		return
	}
	m.phase = LoggingOut
	m.gen++
	gen := m.gen
	prev := m.state
	m.state = auth.State{IsAuthenticated: prev.IsAuthenticated, User: prev.User, IsLoggingOut: true}
	s := m.state
	m.mu.Unlock()
	m.publish(s)

	if err := m.backend.Logout(ctx); err != nil {
		slog.Warn("backend logout failed, continuing with local logout", "error", err)
	}
	if err := m.store.Clear(ctx); err != nil {
		slog.Error("failed to clear token store", "error", err)
	}

	m.publish(m.replace(Unauthenticated, auth.LoggedOut()))

	if prev.User != nil {
		slog.Info("logged out", "username", logsanitize.Sanitize(prev.User.Username))
	}

	m.after(m.opts.NavigationDelay, gen, func() {
		if m.nav != nil {
			m.nav.Navigate(target)
		}
	})
	if notifyUser {
		m.after(m.opts.NotifyDelay, gen, func() {
			m.notifier.Notify(notify.New(notify.LogoutSuccess, ""))
		})
	}
}

// SyncAuthState reconciles the session with the persisted token. Without a
// token the session becomes Unauthenticated without a backend call. With one,
// the session shows as loading (with the cached profile, if any) until the
// backend confirms it; a live session whose cached profile matches stays as
// it is while it is verified. It never fails; results of a superseded
// verification are discarded.
func (m *Machine) SyncAuthState(ctx context.Context) {
	rec, err := m.store.Get(ctx)
	if err != nil {
		slog.Warn("failed to read token store", "error", err)
		rec = nil
	}

	m.mu.Lock()
	if m.phase == LoggingOut {
		m.mu.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	if rec == nil {
		m.phase = Unauthenticated
		changed := !m.state.Equal(auth.LoggedOut())
		m.state = auth.LoggedOut()
		s := m.state
		m.mu.Unlock()
		if changed {
			m.publish(s)
		}
		return
	}

	silent := m.phase == Authenticated && rec.Profile != nil && m.state.Equal(auth.Authenticated(*rec.Profile))
	if silent {
		m.mu.Unlock()
	} else {
		m.phase = Authenticating
		loading := auth.State{IsLoading: true}
		if rec.Profile != nil {
			loading.IsAuthenticated = true
			loading.User = rec.Profile
		}
		m.state = loading
		m.mu.Unlock()
		m.publish(loading)
	}

	profile, err := m.backend.Verify(ctx)
	if err != nil {
		if !m.current(gen) {
			return
		}
		slog.Info("stored session is no longer valid", "error", err)
		m.clearIfCurrent(ctx, gen)
		if s, ok := m.commit(gen, Unauthenticated, auth.LoggedOut()); ok {
			m.publish(s)
		}
		return
	}

	var (
		s       auth.State
		changed bool
	)
	err = m.cacheProfile(ctx, gen, profile, func() {
		changed = !m.state.Equal(auth.Authenticated(profile))
		m.phase = Authenticated
		m.state = auth.Authenticated(profile)
		s = m.state
	})
	if err != nil {
		return
	}
	if changed {
		m.publish(s)
	}
}

// SessionExpired is called by the backend client when a 401 could not be
// recovered. While a session or its verification is live it resets the
// session, asks for the sign-in page annotated with the reason and notifies
// the operator once. Otherwise it does nothing.
func (m *Machine) SessionExpired(ctx context.Context) {
	m.mu.Lock()
	live := m.state.IsAuthenticated || m.state.IsLoading || m.phase == Authenticating
	if !live || m.phase == LoggingOut {
		m.mu.Unlock()
		return
	}
	m.phase = Unauthenticated
	m.gen++
	m.state = auth.LoggedOut()
	s := m.state
	m.mu.Unlock()

	if err := m.store.Clear(ctx); err != nil {
		slog.Error("failed to clear token store", "error", err)
	}

	if m.nav != nil {
		m.nav.Navigate(m.signInTarget("session_expired"))
	}
	m.publish(s)
	m.notifier.Notify(notify.New(notify.SessionExpired, ""))
}

func (m *Machine) signInTarget(reason string) string {
	return m.opts.SignInPath + "?" + url.Values{"error": {reason}}.Encode()
}

// cacheProfile stores profile next to the current token pair and runs then
// under the same lock, as long as gen is current. It returns ErrSuperseded
// otherwise.
func (m *Machine) cacheProfile(ctx context.Context, gen uint64, profile auth.UserProfile, then func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return ErrSuperseded
	}
	rec, err := m.store.Get(ctx)
	if err == nil && rec != nil {
		if err := m.store.Set(ctx, rec.Tokens, &profile); err != nil {
			slog.Warn("failed to cache profile", "error", err)
		}
	}
	then()
	return nil
}

// TokenExpiry returns the advisory expiry of the stored access token. Zero
// means there is no token or its lifetime is unknown.
func (m *Machine) TokenExpiry(ctx context.Context) time.Time {
	rec, err := m.store.Get(ctx)
	if err != nil || rec == nil {
		return time.Time{}
	}
	return rec.Tokens.Expiry()
}

// commit replaces the record if gen is still current.
func (m *Machine) commit(gen uint64, phase Phase, s auth.State) (auth.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return auth.State{}, false
	}
	m.phase = phase
	m.state = s
	return s, true
}

// replace swaps the record unconditionally. Logout uses it: no other
// transition can start while the phase is LoggingOut.
func (m *Machine) replace(phase Phase, s auth.State) auth.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = phase
	m.state = s
	return s
}

func (m *Machine) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

// after runs fn after d unless another transition happened by then.
func (m *Machine) after(d time.Duration, gen uint64, fn func()) {
	run := func() {
		if m.current(gen) {
			fn()
		}
	}
	if d <= 0 {
		run()
		return
	}
	time.AfterFunc(d, run)
}

func (m *Machine) publish(s auth.State) {
	m.subMu.RLock()
	subs := slices.Clone(m.subs)
	m.subMu.RUnlock()

	for _, fn := range subs {
		fn(s)
	}
}
