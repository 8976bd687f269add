// Package httpserver serves the operator console: sign-in, the protected
// pages and the health endpoint. Every page request is routed through the
// redirect coordinator before it is rendered.
package httpserver

import (
	"context"
	"embed"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/al-bashkir/cms-console/internal/auth"
	"github.com/al-bashkir/cms-console/internal/cmsapi"
	"github.com/al-bashkir/cms-console/internal/config"
	"github.com/al-bashkir/cms-console/internal/notify"
	"github.com/al-bashkir/cms-console/internal/redirect"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Session is the part of the session machine the console drives.
type Session interface {
	Snapshot() auth.State
	Login(ctx context.Context, creds auth.Credentials) error
	Logout(ctx context.Context, target string, notifyUser bool)
	RememberedLogin(ctx context.Context) string
	TokenExpiry(ctx context.Context) time.Time
}

// Registry lists and updates the services managed by the CMS.
type Registry interface {
	ListServices(ctx context.Context) ([]cmsapi.Service, error)
	UpdateServiceStatus(ctx context.Context, id string, status cmsapi.ServiceStatus) error
}

// Deps are the collaborators of the console server.
type Deps struct {
	Session     Session
	Coordinator *redirect.Coordinator
	Services    Registry
	// Flash holds notifications shown on the next rendered page.
	Flash    *notify.Flash
	Notifier notify.Notifier
	Version  string
}

// Server is the console HTTP server
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	mux        *http.ServeMux
	templates  *template.Template

	session  Session
	coord    *redirect.Coordinator
	policy   redirect.Policy
	services Registry
	flash    *notify.Flash
	notifier notify.Notifier
	version  string

	limiter      *IPRateLimiter
	loginLimiter *IPRateLimiter
}

// NewServer creates a new console server
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	templates, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	if deps.Notifier == nil {
		deps.Notifier = notify.Discard{}
	}
	if deps.Flash == nil {
		deps.Flash = notify.NewFlash(0)
	}
	if deps.Coordinator == nil {
		deps.Coordinator = redirect.NewCoordinator(redirect.PolicyFromConfig(&cfg.Routes))
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}

	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		templates: templates,
		session:   deps.Session,
		coord:     deps.Coordinator,
		policy:    deps.Coordinator.Policy(),
		services:  deps.Services,
		flash:     deps.Flash,
		notifier:  deps.Notifier,
		version:   deps.Version,

		// 10 requests per second per IP, burst of 50
		limiter: newIPRateLimiter(10, 50),
		// one sign-in attempt every 2 seconds per IP, burst of 5
		loginLimiter: newIPRateLimiter(0.5, 5),
	}

	signIn := s.policy.SignInPath
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc(pattern("GET", signIn), s.guard(s.handleLoginPage))
	s.mux.Handle(pattern("POST", signIn), s.rateLimit(s.loginLimiter, s.guard(s.handleLogin)))
	s.mux.HandleFunc("POST /logout", s.handleLogout)
	s.mux.HandleFunc(pattern("GET", s.policy.HomePath), s.guard(s.handleHome))
	if p := s.policy.PasswordChangePath; p != "" && p != s.policy.HomePath {
		s.mux.HandleFunc(pattern("GET", p), s.guard(s.handlePasswordChange))
	}
	s.mux.HandleFunc("GET /services", s.guard(s.handleServices))
	s.mux.HandleFunc("POST /services/{id}/status", s.guard(s.handleServiceStatus))
	s.mux.HandleFunc("/", s.guard(s.handleNotFound))

	// Wrap with middleware
	var handler http.Handler = s.mux
	handler = sameOriginMiddleware(handler)
	handler = loggingMiddleware(handler)
	handler = recoveryMiddleware(handler)
	handler = s.rateLimit(s.limiter, handler)
	handler = securityHeadersMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Listen.HTTP,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Backend.RequestTimeout() + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// pattern builds a mux pattern that matches path exactly.
func pattern(method, path string) string {
	if path == "/" {
		path = "/{$}"
	}
	return method + " " + path
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting HTTP server", "addr", s.cfg.Listen.HTTP)
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("starting HTTP server", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	s.limiter.Stop()
	s.loginLimiter.Stop()
	return s.httpServer.Shutdown(ctx)
}
