package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/al-bashkir/cms-console/internal/auth"
	"github.com/al-bashkir/cms-console/internal/logsanitize"
	"github.com/al-bashkir/cms-console/internal/notify"
	"github.com/al-bashkir/cms-console/internal/redirect"
)

// guard asks the coordinator what to do with a page request and only calls
// next when the page may be rendered as requested.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := s.session.Snapshot()
		act := s.coord.Evaluate(state, r.URL.RequestURI())
		if s.apply(w, r, state, act) {
			return
		}
		next(w, r)
	}
}

// apply carries out act and reports whether the response was written.
func (s *Server) apply(w http.ResponseWriter, r *http.Request, state auth.State, act redirect.Action) bool {
	switch act.Kind {
	case redirect.Loading:
		s.render(w, r, http.StatusOK, "loading.html", pageData{Title: "Loading"})
		return true

	case redirect.Navigate:
		if s.denied(state, r.URL.Path) {
			s.notifier.Notify(notify.New(notify.Unauthorized, ""))
		}
		s.redirect(w, r, act.Target)
		return true

	case redirect.Denied:
		s.notifier.Notify(notify.New(notify.Unauthorized, ""))
		s.renderError(w, r, http.StatusForbidden, "Your role does not allow access to this page.")
		return true

	case redirect.Logout:
		// the coordinator's logout hook has already ended the session
		slog.Info("silent logout on admin route", "path", logsanitize.Sanitize(r.URL.Path))
		s.redirect(w, r, act.Target)
		return true
	}
	return false
}

// denied reports whether an operator with a session is kept out of path by
// its route's role list.
func (s *Server) denied(state auth.State, path string) bool {
	if !state.IsAuthenticated || state.User == nil || state.User.RequiresPasswordChange {
		return false
	}
	route, ok := s.policy.Route(path)
	if !ok || route.Context != redirect.Regular || len(route.AllowedRoles) == 0 {
		return false
	}
	return !state.User.HasRole(route.AllowedRoles...)
}

// expired handles a backend call that failed because the session could not
// be recovered. The session machine has already queued the sign-in
// navigation; it is picked up here.
func (s *Server) expired(w http.ResponseWriter, r *http.Request, err error) bool {
	if !errors.Is(err, auth.ErrSessionExpired) {
		return false
	}
	state := s.session.Snapshot()
	act := s.coord.Evaluate(state, r.URL.RequestURI())
	if act.Kind == redirect.None {
		act = redirect.Action{Kind: redirect.Navigate, Target: s.policy.SignInTarget(r.URL.RequestURI(), redirect.ReasonSessionExpired)}
	}
	return s.apply(w, r, state, act)
}

// redirect sends the browser to target, with 303 after a form post.
func (s *Server) redirect(w http.ResponseWriter, r *http.Request, target string) {
	code := http.StatusFound
	if r.Method == http.MethodPost {
		code = http.StatusSeeOther
	}
	http.Redirect(w, r, target, code)
}
