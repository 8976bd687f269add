package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/al-bashkir/cms-console/internal/auth"
	"github.com/al-bashkir/cms-console/internal/config"
	"github.com/al-bashkir/cms-console/internal/ipc"
	"github.com/al-bashkir/cms-console/internal/tokenstore"
)

// fakeCMS is a minimal CMS backend: one operator, one token pair at a time.
type fakeCMS struct {
	mu sync.Mutex

	access  string
	refresh string
	revoked bool // reissue rejects every refresh token

	logoutStatus int
	calls        []string
}

func (f *fakeCMS) record(path string) {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	f.mu.Unlock()
}

func (f *fakeCMS) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCMS) bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (f *fakeCMS) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeCMS) profile() map[string]any {
	return map[string]any{
		"uuid":      "u-1",
		"username":  "admin",
		"role":      "ROLE_ADMIN",
		"name":      "Administrator",
		"email":     "admin@example.com",
		"status":    "ACTIVE",
		"createdAt": "2024-01-01T00:00:00Z",
		"updatedAt": "2024-01-01T00:00:00Z",
	}
}

func (f *fakeCMS) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		f.record(r.URL.Path)
		var body struct{ Username, Password string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Username != "admin" || body.Password != "secret" {
			f.writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "invalid login id or password"})
			return
		}
		f.mu.Lock()
		f.access, f.refresh = "A1", "R1"
		f.mu.Unlock()
		f.writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data": map[string]any{
				"accessToken":  "A1",
				"refreshToken": "R1",
				"user":         f.profile(),
			},
		})
	})

	mux.HandleFunc("POST /auth/reissue", func(w http.ResponseWriter, r *http.Request) {
		f.record(r.URL.Path)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.revoked || f.bearer(r) != f.refresh {
			f.writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "refresh token revoked"})
			return
		}
		f.access, f.refresh = "A2", "R2"
		f.writeJSON(w, http.StatusOK, map[string]any{"accessToken": "A2", "refreshToken": "R2", "accessTokenExpiresIn": 900})
	})

	mux.HandleFunc("GET /auth/verify", func(w http.ResponseWriter, r *http.Request) {
		f.record(r.URL.Path)
		if !f.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": f.profile()})
	})

	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, r *http.Request) {
		f.record(r.URL.Path)
		f.mu.Lock()
		status := f.logoutStatus
		f.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	})

	mux.HandleFunc("GET /services", func(w http.ResponseWriter, r *http.Request) {
		f.record(r.URL.Path)
		if !f.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": []map[string]any{
			{"serviceId": "s-1", "serviceCode": "douzone", "serviceName": "Douzone", "status": "ACTIVE"},
		}})
	})

	return mux
}

func (f *fakeCMS) authorized(r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.access != "" && f.bearer(r) == f.access
}

func (f *fakeCMS) setLogoutStatus(status int) {
	f.mu.Lock()
	f.logoutStatus = status
	f.mu.Unlock()
}

func (f *fakeCMS) revoke() {
	f.mu.Lock()
	f.revoked = true
	f.mu.Unlock()
}

// expireAccess makes the backend reject the current access token.
func (f *fakeCMS) expireAccess() {
	f.mu.Lock()
	f.access = "expired"
	f.mu.Unlock()
}

type testDaemon struct {
	*Daemon
	cms   *fakeCMS
	store *tokenstore.Memory
}

func newTestDaemon(t *testing.T) *testDaemon {
	t.Helper()
	return newTestDaemonWith(t, nil)
}

func newTestDaemonWith(t *testing.T, tweak func(*config.Config)) *testDaemon {
	t.Helper()

	cms := &fakeCMS{}
	ts := httptest.NewServer(cms.handler())
	t.Cleanup(ts.Close)

	socketDir, err := os.MkdirTemp("", "daemon-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(socketDir) })

	cfg := config.DefaultConfig()
	cfg.Backend.BaseURL = ts.URL
	cfg.Listen.HTTP = "127.0.0.1:0"
	cfg.Listen.Socket = filepath.Join(socketDir, "ctl.sock")
	cfg.TokenStore.Driver = config.StoreDriverMemory
	cfg.Session.NavigationDelayMS = 0
	cfg.Session.NotifyDelayMS = 0
	if tweak != nil {
		tweak(cfg)
	}
	require.NoError(t, cfg.Validate())

	store := tokenstore.NewMemory(0)
	d, err := newWithStore(cfg, "test", store)
	require.NoError(t, err)

	return &testDaemon{Daemon: d, cms: cms, store: store}
}

func (d *testDaemon) login(t *testing.T) {
	t.Helper()
	resp, err := d.handleControl(context.Background(), &ipc.Request{
		Type:     ipc.MessageTypeLogin,
		Username: "admin",
		Password: "secret",
	})
	require.NoError(t, err)
	require.True(t, resp.Session.Authenticated)
}

func (d *testDaemon) get(target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "192.0.2.1:1234"
	w := httptest.NewRecorder()
	d.httpServer.Handler().ServeHTTP(w, req)
	return w
}

func TestNewWithUnknownStoreDriver(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TokenStore.Driver = "etcd"

	_, err := New(cfg, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token store")
}

func TestControlLoginStripsRolePrefix(t *testing.T) {
	d := newTestDaemon(t)

	resp, err := d.handleControl(context.Background(), &ipc.Request{
		Type:     ipc.MessageTypeLogin,
		Username: "admin",
		Password: "secret",
	})
	require.NoError(t, err)

	assert.Equal(t, ipc.StatusOK, resp.Status)
	assert.Equal(t, "authenticated", resp.Session.Phase)
	assert.Equal(t, auth.RoleAdmin, resp.Session.Role)

	state := d.machine.Snapshot()
	require.NotNil(t, state.User)
	assert.True(t, state.IsAuthenticated)
	assert.Equal(t, auth.RoleAdmin, state.User.Role)

	rec, err := d.store.Get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "A1", rec.Tokens.AccessToken)
	assert.Equal(t, "R1", rec.Tokens.RefreshToken)
}

func TestControlLoginRejected(t *testing.T) {
	d := newTestDaemon(t)

	_, err := d.handleControl(context.Background(), &ipc.Request{
		Type:     ipc.MessageTypeLogin,
		Username: "admin",
		Password: "wrong",
	})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	assert.Equal(t, ipc.CodeInvalidCredentials, ipc.ErrorCode(err))
	assert.Contains(t, auth.Message(err), "invalid login id or password")

	assert.False(t, d.machine.Snapshot().IsAuthenticated)
	rec, err := d.store.Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestControlLoginRequiresCredentials(t *testing.T) {
	d := newTestDaemon(t)

	_, err := d.handleControl(context.Background(), &ipc.Request{Type: ipc.MessageTypeLogin, Username: "admin"})
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	assert.Zero(t, d.cms.callCount())
}

func TestControlLogoutSurvivesBackendFailure(t *testing.T) {
	d := newTestDaemon(t)
	d.login(t)
	d.cms.setLogoutStatus(http.StatusInternalServerError)

	resp, err := d.handleControl(context.Background(), &ipc.Request{Type: ipc.MessageTypeLogout})
	require.NoError(t, err)
	assert.False(t, resp.Session.Authenticated)
	assert.Equal(t, "unauthenticated", resp.Session.Phase)

	rec, err := d.store.Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestControlSyncWithoutTokenSkipsBackend(t *testing.T) {
	d := newTestDaemon(t)

	resp, err := d.handleControl(context.Background(), &ipc.Request{Type: ipc.MessageTypeSync})
	require.NoError(t, err)
	assert.False(t, resp.Session.Authenticated)
	assert.False(t, resp.Session.Loading)
	assert.Zero(t, d.cms.callCount())
}

func TestControlSyncIsIdempotent(t *testing.T) {
	d := newTestDaemon(t)
	d.login(t)

	first, err := d.handleControl(context.Background(), &ipc.Request{Type: ipc.MessageTypeSync})
	require.NoError(t, err)
	second, err := d.handleControl(context.Background(), &ipc.Request{Type: ipc.MessageTypeSync})
	require.NoError(t, err)

	assert.Equal(t, first.Session, second.Session)
	assert.True(t, second.Session.Authenticated)
	assert.Empty(t, d.coord.Pending())
}

func TestControlStatus(t *testing.T) {
	d := newTestDaemon(t)

	resp, err := d.handleControl(context.Background(), &ipc.Request{Type: ipc.MessageTypeStatus})
	require.NoError(t, err)
	assert.Equal(t, "unauthenticated", resp.Session.Phase)
}

func TestServicesAfterTokenReissue(t *testing.T) {
	d := newTestDaemon(t)
	d.login(t)
	d.cms.expireAccess()

	w := d.get("/services")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Douzone")

	rec, err := d.store.Get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "A2", rec.Tokens.AccessToken)
	assert.Equal(t, "R2", rec.Tokens.RefreshToken)
}

func TestControlStatusReportsTokenExpiry(t *testing.T) {
	d := newTestDaemon(t)
	d.login(t)

	// the login response carries no lifetime and the tokens are opaque
	resp, err := d.handleControl(context.Background(), &ipc.Request{Type: ipc.MessageTypeStatus})
	require.NoError(t, err)
	assert.True(t, resp.Session.TokenExpiry.IsZero())

	// the reissued pair comes with a 900 second lifetime
	d.cms.expireAccess()
	before := time.Now()
	require.Equal(t, http.StatusOK, d.get("/services").Code)

	resp, err = d.handleControl(context.Background(), &ipc.Request{Type: ipc.MessageTypeStatus})
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(900*time.Second), resp.Session.TokenExpiry, 5*time.Second)

	w := d.get("/home")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Access token expires")
}

func TestLoginWhileParkedOnAdminRouteSucceeds(t *testing.T) {
	d := newTestDaemonWith(t, func(cfg *config.Config) {
		cfg.Routes.Guards = []config.GuardConfig{
			{Prefix: "/services", Roles: []string{"SUPER_ADMIN"}, Context: config.GuardContextAdmin},
		}
	})

	// an anonymous browser asks for the SUPER_ADMIN-only services page
	w := d.get("/services")
	require.Equal(t, http.StatusFound, w.Code)

	// an ADMIN signs in from the command line
	resp, err := d.handleControl(context.Background(), &ipc.Request{
		Type:     ipc.MessageTypeLogin,
		Username: "admin",
		Password: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "authenticated", resp.Session.Phase)
	assert.True(t, d.machine.Snapshot().IsAuthenticated)

	rec, err := d.store.Get(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)

	// the denial is acted on when the browser comes back
	w = d.get("/services")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))
	assert.False(t, d.machine.Snapshot().IsAuthenticated)
}

func TestServicesWithRevokedRefreshTokenSignsOut(t *testing.T) {
	d := newTestDaemon(t)
	d.login(t)
	d.cms.expireAccess()
	d.cms.revoke()

	w := d.get("/services")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login?error=session_expired", w.Header().Get("Location"))

	state := d.machine.Snapshot()
	assert.False(t, state.IsAuthenticated)
	assert.Nil(t, state.User)

	rec, err := d.store.Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec)

	// the sign-in navigation is issued once
	assert.Empty(t, d.coord.Pending())
	w = d.get("/login?error=session_expired")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	d := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.run(ctx) }()

	// the control socket comes up before the HTTP server
	require.Eventually(t, func() bool {
		_, err := os.Stat(d.cfg.Listen.Socket)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := ipc.NewClient(d.cfg.Listen.Socket).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ipc.StatusOK, resp.Status)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	_, err = os.Stat(d.cfg.Listen.Socket)
	assert.True(t, os.IsNotExist(err), "socket should be removed on shutdown")
}

func TestRunHTTPServerStartFailureStopsAndReturnsError(t *testing.T) {
	// occupy a port so the HTTP server cannot bind
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	d := newTestDaemon(t)
	d.cfg.Listen.HTTP = ln.Addr().String()
	d2, err := newWithStore(d.cfg, "test", d.store)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- d2.run(context.Background()) }()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP server failed")
	case <-time.After(10 * time.Second):
		t.Fatal("run did not fail on a busy port")
	}

	_, err = os.Stat(d.cfg.Listen.Socket)
	assert.True(t, os.IsNotExist(err), "socket should be removed after startup failure")
}
