package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/al-bashkir/cms-console/internal/logsanitize"
)

// Handler executes a control request. A returned error is sent to the client
// as an error response classified with ErrorCode.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// requestTimeout bounds a single connection, including the backend calls the
// handler makes.
const requestTimeout = 60 * time.Second

// Server is the control server that listens on a Unix socket for CLI requests
type Server struct {
	socketPath string
	listener   net.Listener
	handler    Handler
	wg         sync.WaitGroup
	stopChan   chan struct{}
	stopOnce   sync.Once
	mu         sync.Mutex
}

// NewServer creates a new control server
func NewServer(socketPath string, handler Handler) *Server {
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		stopChan:   make(chan struct{}),
	}
}

// Start starts the control server
func (s *Server) Start(ctx context.Context) error {
	// Ensure the directory exists.
	// Use 0755 so any local process can traverse the directory.
	// Access control is enforced at the socket level.
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove old socket if it exists
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old socket: %w", err)
	}

	// Create Unix listener
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	// Set socket permissions: 0660 (owner + group read/write).
	// Operators allowed to drive the console belong to the daemon's group.
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	slog.Info("IPC server started", "socket", s.socketPath)

	// Start accept loop in goroutine
	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return nil
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				// Server is stopping, this is expected
				return
			default:
				slog.Error("failed to accept connection", "error", err)
				continue
			}
		}

		// Handle connection in goroutine
		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection handles a single control connection
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if err := conn.SetDeadline(time.Now().Add(requestTimeout)); err != nil {
		slog.Warn("failed to set connection deadline", "error", err)
	}

	// Decode request
	var req Request
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&req); err != nil {
		slog.Error("failed to decode request", "error", err)
		s.sendErrorResponse(conn, "", CodeBadRequest, "invalid request format")
		return
	}

	// Validate request type
	if !req.Type.Valid() {
		slog.Error("invalid request type", "type", logsanitize.Sanitize(string(req.Type)))
		s.sendErrorResponse(conn, req.Type, CodeBadRequest, "invalid request type")
		return
	}

	slog.Info("control request received",
		"type", string(req.Type),
		"username", logsanitize.Sanitize(req.Username),
	)

	// Call handler
	resp, err := s.handler(ctx, &req)
	if err != nil {
		slog.Warn("control request failed", "type", string(req.Type), "error", err)
		s.sendErrorResponse(conn, req.Type, ErrorCode(err), err.Error())
		return
	}

	// Send response
	resp.Type = req.Type
	if resp.Status == "" {
		resp.Status = StatusOK
	}
	enc := json.NewEncoder(conn)
	if err := enc.Encode(resp); err != nil {
		slog.Error("failed to send response", "error", err)
		return
	}

	slog.Debug("control response sent", "type", string(resp.Type), "status", resp.Status)
}

// sendErrorResponse sends an error response to the client
func (s *Server) sendErrorResponse(conn net.Conn, typ MessageType, code, errMsg string) {
	resp := &Response{
		Type:   typ,
		Status: StatusError,
		Error:  errMsg,
		Code:   code,
	}

	enc := json.NewEncoder(conn)
	if err := enc.Encode(resp); err != nil {
		slog.Error("failed to send error response", "error", err)
	}
}

// Stop stops the control server gracefully
func (s *Server) Stop() error {
	slog.Info("stopping IPC server")

	// Signal accept loop to stop
	s.stopOnce.Do(func() { close(s.stopChan) })

	// Close listener
	s.mu.Lock()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			slog.Warn("failed to close listener", "error", err)
		}
	}
	s.mu.Unlock()

	// Wait for all connections to finish
	s.wg.Wait()

	// Remove socket file
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove socket file", "error", err)
	}

	slog.Info("IPC server stopped")
	return nil
}
