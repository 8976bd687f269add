package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is the control client used by the CLI to talk to the daemon
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new IPC client
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

// Send sends req to the daemon and waits for the response
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("invalid request type: %s", req.Type)
	}

	// Connect to Unix socket with timeout
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// Set overall deadline
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}

	// Send request
	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	// Read response
	var resp Response
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// Validate response type
	if resp.Type != req.Type {
		return nil, fmt.Errorf("invalid response type: %s", resp.Type)
	}

	return &resp, nil
}

// Status asks for the current session
func (c *Client) Status(ctx context.Context) (*Response, error) {
	return c.Send(ctx, &Request{Type: MessageTypeStatus})
}

// Login asks the daemon to sign in
func (c *Client) Login(ctx context.Context, username, password string, remember bool) (*Response, error) {
	return c.Send(ctx, &Request{Type: MessageTypeLogin, Username: username, Password: password, Remember: remember})
}

// Logout asks the daemon to end the session
func (c *Client) Logout(ctx context.Context) (*Response, error) {
	return c.Send(ctx, &Request{Type: MessageTypeLogout})
}

// Sync asks the daemon to re-verify the stored token
func (c *Client) Sync(ctx context.Context) (*Response, error) {
	return c.Send(ctx, &Request{Type: MessageTypeSync})
}

// SetTimeout sets the connection timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}
