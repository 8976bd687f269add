package httpserver

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/al-bashkir/cms-console/internal/auth"
	"github.com/al-bashkir/cms-console/internal/cmsapi"
	"github.com/al-bashkir/cms-console/internal/logsanitize"
	"github.com/al-bashkir/cms-console/internal/notify"
	"github.com/al-bashkir/cms-console/internal/redirect"
	"github.com/al-bashkir/cms-console/internal/session"
)

type pageData struct {
	Title   string
	User    *auth.UserProfile
	Flash   []notify.Notification
	Error   string
	Version string

	// sign-in
	Action  string
	LoginID string
	Expired bool

	// home
	TokenExpiry string

	// services
	Services []cmsapi.Service
	Statuses []cmsapi.ServiceStatus
}

// render executes the named template. Pending flash messages are drained
// into the page.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, data pageData) {
	if data.User == nil {
		data.User = s.session.Snapshot().User
	}
	data.Flash = s.flash.Drain()
	data.Version = s.version

	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("failed to render template", "template", name, "path", logsanitize.Sanitize(r.URL.Path), "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if _, err := buf.WriteTo(w); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

// renderError renders the error page
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, status int, errMsg string) {
	s.render(w, r, status, "error.html", pageData{Title: http.StatusText(status), Error: errMsg})
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "login.html", pageData{
		Title:   "Sign in",
		Action:  r.URL.RequestURI(),
		LoginID: s.session.RememberedLogin(r.Context()),
		Expired: r.URL.Query().Get(redirect.ErrorParam) == redirect.ReasonSessionExpired,
	})
}

// handleLogin signs the operator in and sends them where the navigation
// policy says a fresh session belongs.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, http.StatusBadRequest, "Invalid form")
		return
	}

	creds := auth.Credentials{
		Username: strings.TrimSpace(r.PostFormValue("username")),
		Password: r.PostFormValue("password"),
		Remember: r.PostFormValue("remember") != "",
	}
	if creds.Username == "" || creds.Password == "" {
		s.flash.Notify(notify.New(notify.LoginFailure, "Enter your login id and password."))
		s.render(w, r, http.StatusBadRequest, "login.html", pageData{
			Title:   "Sign in",
			Action:  r.URL.RequestURI(),
			LoginID: creds.Username,
		})
		return
	}

	err := s.session.Login(r.Context(), creds)
	switch {
	case errors.Is(err, session.ErrSuperseded):
		s.redirect(w, r, s.policy.SignInPath)
		return
	case err != nil:
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrNetwork) {
			status = http.StatusBadGateway
		}
		s.render(w, r, status, "login.html", pageData{
			Title:   "Sign in",
			Action:  r.URL.RequestURI(),
			LoginID: creds.Username,
		})
		return
	}

	state := s.session.Snapshot()
	act := s.coord.Evaluate(state, r.URL.RequestURI())
	if !s.apply(w, r, state, act) {
		s.redirect(w, r, s.policy.HomePath)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.session.Logout(r.Context(), s.policy.SignInPath, true)
	s.redirect(w, r, s.policy.SignInPath)
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	data := pageData{Title: "Home"}
	if exp := s.session.TokenExpiry(r.Context()); !exp.IsZero() {
		data.TokenExpiry = exp.UTC().Format(time.RFC3339)
	}
	s.render(w, r, http.StatusOK, "home.html", data)
}

func (s *Server) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "password-change.html", pageData{Title: "Change password"})
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	if s.services == nil {
		s.renderError(w, r, http.StatusNotFound, "The service registry is not available.")
		return
	}

	services, err := s.services.ListServices(r.Context())
	if err != nil {
		if s.expired(w, r, err) {
			return
		}
		slog.Error("failed to list services", "error", err)
		s.renderError(w, r, http.StatusBadGateway, auth.Message(err))
		return
	}
	cmsapi.SortServices(services)

	s.render(w, r, http.StatusOK, "services.html", pageData{
		Title:    "Services",
		Services: services,
		Statuses: []cmsapi.ServiceStatus{cmsapi.ServiceActive, cmsapi.ServiceMaintenance, cmsapi.ServiceInactive},
	})
}

func (s *Server) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	if s.services == nil {
		s.renderError(w, r, http.StatusNotFound, "The service registry is not available.")
		return
	}
	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, http.StatusBadRequest, "Invalid form")
		return
	}

	id := r.PathValue("id")
	status := cmsapi.ServiceStatus(strings.ToUpper(r.PostFormValue("status")))
	if !status.Valid() {
		s.renderError(w, r, http.StatusBadRequest, "Unknown service status")
		return
	}

	if err := s.services.UpdateServiceStatus(r.Context(), id, status); err != nil {
		if s.expired(w, r, err) {
			return
		}
		slog.Error("failed to update service status",
			"service_id", logsanitize.Sanitize(id),
			"status", string(status),
			"error", err,
		)
		s.renderError(w, r, http.StatusBadGateway, auth.Message(err))
		return
	}

	slog.Info("service status updated", "service_id", logsanitize.Sanitize(id), "status", string(status))
	s.redirect(w, r, "/services")
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.renderError(w, r, http.StatusNotFound, "Page not found")
}
