// Package ctl implements the CLI side of the control commands. Each command
// sends one request to the daemon over the control socket, prints the result
// and returns the process exit code.
package ctl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/al-bashkir/cms-console/internal/ipc"
	"github.com/al-bashkir/cms-console/internal/logsanitize"
)

// Exit codes for control commands
const (
	ExitSuccess            = 0
	ExitFailure            = 1
	ExitInvalidCredentials = 4
)

// Handler runs control commands against the daemon
type Handler struct {
	client *ipc.Client
	out    io.Writer
	errOut io.Writer
}

// NewHandler creates a handler talking to the daemon at socketPath
func NewHandler(socketPath string, out, errOut io.Writer) *Handler {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Handler{
		client: ipc.NewClient(socketPath),
		out:    out,
		errOut: errOut,
	}
}

// Login signs the daemon in with the credentials stored in credentialsFile.
func (h *Handler) Login(ctx context.Context, credentialsFile string, remember bool) int {
	username, password, err := readCredentialsFile(credentialsFile)
	if err != nil {
		slog.Error("failed to read credentials file", "error", err, "file", logsanitize.Sanitize(credentialsFile))
		fmt.Fprintf(h.errOut, "Error reading credentials: %v\n", err)
		return ExitFailure
	}

	resp, err := h.client.Login(ctx, username, password, remember)
	return h.finish(resp, err)
}

// Logout ends the daemon's session.
func (h *Handler) Logout(ctx context.Context) int {
	resp, err := h.client.Logout(ctx)
	return h.finish(resp, err)
}

// Status prints the daemon's session.
func (h *Handler) Status(ctx context.Context) int {
	resp, err := h.client.Status(ctx)
	return h.finish(resp, err)
}

// Sync makes the daemon re-verify its stored token.
func (h *Handler) Sync(ctx context.Context) int {
	resp, err := h.client.Sync(ctx)
	return h.finish(resp, err)
}

// finish reports a response and maps it to an exit code.
func (h *Handler) finish(resp *ipc.Response, err error) int {
	if err != nil {
		slog.Error("failed to communicate with daemon", "error", err)
		fmt.Fprintf(h.errOut, "Error: daemon communication failed: %v\n", err)
		fmt.Fprintf(h.errOut, "Is the daemon running? Check: systemctl status cms-console\n")
		return ExitFailure
	}

	if resp.Status == ipc.StatusError {
		fmt.Fprintf(h.errOut, "Error: %s\n", resp.Error)
		if resp.Code == ipc.CodeInvalidCredentials {
			return ExitInvalidCredentials
		}
		return ExitFailure
	}

	if resp.Status != ipc.StatusOK {
		slog.Error("unknown response status", "status", logsanitize.Sanitize(resp.Status))
		fmt.Fprintf(h.errOut, "Error: unexpected response from daemon\n")
		return ExitFailure
	}

	printSession(h.out, resp.Session)
	return ExitSuccess
}

func printSession(w io.Writer, s *ipc.SessionInfo) {
	if s == nil {
		fmt.Fprintln(w, "session: unknown")
		return
	}
	switch {
	case s.Loading:
		fmt.Fprintf(w, "session: %s (verifying)\n", s.Phase)
	case s.Authenticated:
		fmt.Fprintf(w, "session: %s\n", s.Phase)
		fmt.Fprintf(w, "  user: %s (%s)\n", s.Username, s.Name)
		fmt.Fprintf(w, "  role: %s\n", s.Role)
		if !s.TokenExpiry.IsZero() {
			fmt.Fprintf(w, "  token expires: %s\n", s.TokenExpiry.UTC().Format(time.RFC3339))
		}
	default:
		fmt.Fprintf(w, "session: %s\n", s.Phase)
	}
}

// readCredentialsFile reads the login id and password from a two-line file:
//
//	Line 1: login id
//	Line 2: password
func readCredentialsFile(path string) (username, password string, err error) {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 -- path given by the operator on the command line
	if err != nil {
		return "", "", fmt.Errorf("failed to read file: %w", err)
	}

	lines := strings.Split(string(data), "\n")

	username = strings.TrimSpace(lines[0])
	if len(lines) >= 2 {
		password = strings.TrimRight(lines[1], "\r")
	}

	if username == "" {
		return "", "", fmt.Errorf("username is empty in credentials file")
	}
	if password == "" {
		return "", "", fmt.Errorf("password is empty in credentials file")
	}
	return username, password, nil
}
