package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/al-bashkir/cms-console/internal/auth"
)

// socketDir returns a short temp directory; unix socket paths are limited to
// about 100 bytes, which t.TempDir can exceed.
func socketDir(t *testing.T) string {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "ipc-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	return tmpDir
}

func startServer(t *testing.T, handler Handler) string {
	t.Helper()
	socketPath := filepath.Join(socketDir(t), "test.sock")

	server := NewServer(socketPath, handler)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("server.Stop failed: %v", err)
		}
	})
	return socketPath
}

func TestClientServerCommunication(t *testing.T) {
	var got Request
	handler := func(ctx context.Context, req *Request) (*Response, error) {
		got = *req
		return &Response{
			Session: NewSessionInfo("authenticated", auth.Authenticated(auth.UserProfile{
				Username: req.Username,
				Name:     "Admin",
				Role:     auth.RoleAdmin,
			})),
		}, nil
	}

	socketPath := startServer(t, handler)
	client := NewClient(socketPath)

	resp, err := client.Login(context.Background(), "admin", "secret", true)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if got.Type != MessageTypeLogin || got.Username != "admin" || got.Password != "secret" || !got.Remember {
		t.Errorf("unexpected request on the server side: %+v", got)
	}
	if resp.Type != MessageTypeLogin {
		t.Errorf("expected type %s, got %s", MessageTypeLogin, resp.Type)
	}
	if resp.Status != StatusOK {
		t.Errorf("expected status %s, got %s", StatusOK, resp.Status)
	}
	if resp.Session == nil || !resp.Session.Authenticated {
		t.Fatalf("expected an authenticated session, got %+v", resp.Session)
	}
	if resp.Session.Role != auth.RoleAdmin {
		t.Errorf("expected role ADMIN, got %s", resp.Session.Role)
	}
}

func TestServerHandlerError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{
			name:     "invalid credentials",
			err:      &auth.BackendError{StatusCode: 401, Message: "bad password", Kind: auth.ErrInvalidCredentials},
			wantCode: CodeInvalidCredentials,
		},
		{
			name:     "network",
			err:      fmt.Errorf("%w: connection refused", auth.ErrNetwork),
			wantCode: CodeNetwork,
		},
		{
			name:     "session expired",
			err:      auth.ErrSessionExpired,
			wantCode: CodeSessionExpired,
		},
		{
			name:     "unclassified",
			err:      errors.New("daemon not initialized"),
			wantCode: CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			socketPath := startServer(t, func(ctx context.Context, req *Request) (*Response, error) {
				return nil, tt.err
			})

			resp, err := NewClient(socketPath).Login(context.Background(), "admin", "wrong", false)
			if err != nil {
				t.Fatalf("Login failed: %v", err)
			}
			if resp.Status != StatusError {
				t.Errorf("expected status error, got %s", resp.Status)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, resp.Code)
			}
			if resp.Error == "" {
				t.Error("expected error message to be set")
			}
		})
	}
}

func TestClientRejectsUnknownType(t *testing.T) {
	client := NewClient("/nonexistent/path/test.sock")

	_, err := client.Send(context.Background(), &Request{Type: "reboot"})
	if err == nil {
		t.Error("expected error for unknown request type")
	}
}

func TestClientConnectionFailure(t *testing.T) {
	// Try to connect to non-existent socket
	client := NewClient("/nonexistent/path/test.sock")

	_, err := client.Status(context.Background())
	if err == nil {
		t.Error("expected error when connecting to non-existent socket")
	}
}

func TestServerSocketPermissions(t *testing.T) {
	socketPath := startServer(t, func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{}, nil
	})

	// Check socket permissions
	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("failed to stat socket: %v", err)
	}

	mode := info.Mode()
	expectedMode := os.FileMode(0660) | os.ModeSocket

	if mode != expectedMode {
		t.Errorf("expected socket mode %v, got %v", expectedMode, mode)
	}
}

func TestServerGracefulShutdown(t *testing.T) {
	socketPath := filepath.Join(socketDir(t), "test.sock")

	// Handler that takes a bit of time
	handler := func(ctx context.Context, req *Request) (*Response, error) {
		time.Sleep(200 * time.Millisecond)
		return &Response{}, nil
	}

	server := NewServer(socketPath, handler)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	// Start a request in background
	done := make(chan *Response, 1)
	go func() {
		resp, _ := NewClient(socketPath).Sync(context.Background())
		done <- resp
	}()

	time.Sleep(50 * time.Millisecond)

	// Stop server - should wait for request to complete
	if err := server.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}

	select {
	case resp := <-done:
		if resp == nil || resp.Status != StatusOK {
			t.Errorf("in-flight request should complete, got %+v", resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for in-flight request")
	}

	// Socket should be removed
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket file should be removed after stop")
	}
}

func TestMultipleConcurrentRequests(t *testing.T) {
	// Handler that echoes the username back as the session owner
	handler := func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{
			Session: &SessionInfo{Phase: "authenticated", Authenticated: true, Username: req.Username},
		}, nil
	}

	socketPath := startServer(t, handler)

	// Send multiple concurrent requests
	numRequests := 10
	results := make(chan *Response, numRequests)
	errs := make(chan error, numRequests)

	for i := 0; i < numRequests; i++ {
		go func(n int) {
			client := NewClient(socketPath)
			resp, err := client.Login(context.Background(), string(rune('A'+n)), "pw", false)
			if err != nil {
				errs <- err
				return
			}
			results <- resp
		}(i)
	}

	// Collect results
	seen := map[string]bool{}
	for i := 0; i < numRequests; i++ {
		select {
		case err := <-errs:
			t.Errorf("request failed: %v", err)
		case resp := <-results:
			if resp.Status != StatusOK {
				t.Errorf("expected status ok, got %s", resp.Status)
			}
			seen[resp.Session.Username] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for responses")
		}
	}
	if len(seen) != numRequests {
		t.Errorf("expected %d distinct responses, got %d", numRequests, len(seen))
	}
}

func TestClientTimeout(t *testing.T) {
	// Handler that sleeps longer than client timeout
	handler := func(ctx context.Context, req *Request) (*Response, error) {
		time.Sleep(2 * time.Second)
		return &Response{}, nil
	}

	socketPath := startServer(t, handler)

	client := NewClient(socketPath)
	client.SetTimeout(500 * time.Millisecond)

	_, err := client.Status(context.Background())
	if err == nil {
		t.Error("expected timeout error")
	}
}

func TestNewSessionInfo(t *testing.T) {
	info := NewSessionInfo("unauthenticated", auth.LoggedOut())
	if info.Authenticated || info.Username != "" || info.Role != "" {
		t.Errorf("expected an empty session, got %+v", info)
	}

	user := auth.UserProfile{Username: "root", Name: "Root", Role: auth.RoleSuperAdmin}
	info = NewSessionInfo("authenticated", auth.Authenticated(user))
	if !info.Authenticated || info.Username != "root" || info.Role != auth.RoleSuperAdmin {
		t.Errorf("unexpected session info: %+v", info)
	}
}

func TestSessionInfoTokenExpiryOnTheWire(t *testing.T) {
	info := NewSessionInfo("authenticated", auth.Authenticated(auth.UserProfile{Username: "root"}))

	data, err := json.Marshal(info)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "token_expiry") {
		t.Errorf("unknown expiry should be omitted: %s", data)
	}

	info.TokenExpiry = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err = json.Marshal(info)
	if err != nil {
		t.Fatal(err)
	}
	var back SessionInfo
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if !back.TokenExpiry.Equal(info.TokenExpiry) {
		t.Errorf("expected expiry %v, got %v", info.TokenExpiry, back.TokenExpiry)
	}
}
