// Package daemon wires the console's components together and runs them until
// the process is told to stop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/al-bashkir/cms-console/internal/auth"
	"github.com/al-bashkir/cms-console/internal/cmsapi"
	"github.com/al-bashkir/cms-console/internal/config"
	"github.com/al-bashkir/cms-console/internal/httpserver"
	"github.com/al-bashkir/cms-console/internal/ipc"
	"github.com/al-bashkir/cms-console/internal/notify"
	"github.com/al-bashkir/cms-console/internal/redirect"
	"github.com/al-bashkir/cms-console/internal/session"
	"github.com/al-bashkir/cms-console/internal/tokenstore"
)

// shutdownTimeout bounds the graceful shutdown of the servers.
const shutdownTimeout = 30 * time.Second

// Daemon represents the main daemon process that coordinates all components.
type Daemon struct {
	cfg        *config.Config
	store      tokenstore.Store
	backend    *cmsapi.Client
	coord      *redirect.Coordinator
	machine    *session.Machine
	httpServer *httpserver.Server
	ipcServer  *ipc.Server
}

// New creates a new daemon with all components initialized. Nothing listens
// until Run is called.
func New(cfg *config.Config, version string) (*Daemon, error) {
	store, err := tokenstore.Open(&cfg.TokenStore)
	if err != nil {
		return nil, fmt.Errorf("failed to open token store: %w", err)
	}
	return newWithStore(cfg, version, store)
}

func newWithStore(cfg *config.Config, version string, store tokenstore.Store) (*Daemon, error) {
	slog.Info("token store initialized", "driver", string(cfg.TokenStore.Driver))

	// Backend client
	backend := cmsapi.New(cmsapi.Options{
		BaseURL:    cfg.Backend.APIBaseURL(),
		Timeout:    cfg.Backend.RequestTimeout(),
		RolePrefix: cfg.Backend.RolePrefix,
	}, store)

	slog.Info("backend client initialized",
		"flavor", string(cfg.Flavor),
		"base_url", cfg.Backend.APIBaseURL(),
	)

	// Notifications go to the log and to the next rendered page
	flash := notify.NewFlash(16)
	notifier := notify.Multi{notify.NewLog(nil), flash}

	// Session machine and redirect coordinator
	coord := redirect.NewCoordinator(redirect.PolicyFromConfig(&cfg.Routes))
	machine := session.New(store, backend, coord, notifier, session.Options{
		SignInPath:      cfg.Routes.SignIn,
		NavigationDelay: cfg.Session.NavigationDelay(),
		NotifyDelay:     cfg.Session.NotifyDelay(),
		RememberLogin:   cfg.Session.RememberLogin,
	})
	machine.Subscribe(coord.Observe)
	backend.OnSessionExpired(machine.SessionExpired)
	coord.SetLogoutHook(func(target string) {
		machine.Logout(context.Background(), target, false)
	})

	// HTTP server
	httpServer, err := httpserver.NewServer(cfg, httpserver.Deps{
		Session:     machine,
		Coordinator: coord,
		Services:    backend,
		Flash:       flash,
		Notifier:    notifier,
		Version:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	slog.Info("HTTP server initialized", "listen", cfg.Listen.HTTP)

	d := &Daemon{
		cfg:        cfg,
		store:      store,
		backend:    backend,
		coord:      coord,
		machine:    machine,
		httpServer: httpServer,
	}
	d.ipcServer = ipc.NewServer(cfg.Listen.Socket, d.handleControl)

	slog.Info("IPC server initialized", "socket", cfg.Listen.Socket)

	return d, nil
}

// Run starts all daemon components and blocks until a shutdown signal is received.
func (d *Daemon) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.run(ctx)
}

func (d *Daemon) run(ctx context.Context) error {
	slog.Info("starting CMS console daemon")

	// Start IPC server synchronously to catch startup errors
	if err := d.ipcServer.Start(context.WithoutCancel(ctx)); err != nil {
		d.closeStore()
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	// Start HTTP server in a goroutine (it blocks on ListenAndServe)
	httpErrCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	// Verify the persisted session once; pages show the loading view meanwhile
	go d.machine.SyncAuthState(context.WithoutCancel(ctx))

	// Wait for shutdown signal or startup error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			slog.Error("HTTP server failed to start", "error", err)
			// Clean up IPC server before returning
			if stopErr := d.ipcServer.Stop(); stopErr != nil {
				slog.Error("error stopping IPC server after HTTP server startup failure", "error", stopErr)
			}
			d.closeStore()
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	// Shutdown gracefully
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.ipcServer.Stop(); err != nil {
		slog.Error("error stopping IPC server", "error", err)
	}
	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("error stopping HTTP server", "error", err)
	}
	d.closeStore()

	slog.Info("daemon shutdown complete")
	return nil
}

func (d *Daemon) closeStore() {
	c, ok := d.store.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		slog.Warn("failed to close token store", "error", err)
	}
}

// handleControl executes a control request from the CLI against the session.
func (d *Daemon) handleControl(ctx context.Context, req *ipc.Request) (*ipc.Response, error) {
	switch req.Type {
	case ipc.MessageTypeStatus:
		// nothing to do, the current session is reported below

	case ipc.MessageTypeLogin:
		if req.Username == "" || req.Password == "" {
			return nil, fmt.Errorf("%w: username and password are required", auth.ErrInvalidCredentials)
		}
		err := d.machine.Login(ctx, auth.Credentials{
			Username: req.Username,
			Password: req.Password,
			Remember: req.Remember,
		})
		if err != nil {
			return nil, err
		}

	case ipc.MessageTypeLogout:
		d.machine.Logout(ctx, "", true)

	case ipc.MessageTypeSync:
		d.machine.SyncAuthState(ctx)

	default:
		return nil, fmt.Errorf("unsupported request type: %s", req.Type)
	}

	info := ipc.NewSessionInfo(d.machine.Phase().String(), d.machine.Snapshot())
	if info.Authenticated {
		info.TokenExpiry = d.machine.TokenExpiry(ctx)
	}
	return &ipc.Response{
		Status:  ipc.StatusOK,
		Session: info,
	}, nil
}
