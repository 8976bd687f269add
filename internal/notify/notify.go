// Package notify delivers operator-facing authentication notifications.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/al-bashkir/cms-console/internal/logsanitize"
)

// Kind identifies an authentication event.
type Kind string

const (
	LoginSuccess   Kind = "login_success"
	LoginFailure   Kind = "login_failure"
	LogoutSuccess  Kind = "logout_success"
	SessionExpired Kind = "session_expired"
	Unauthorized   Kind = "unauthorized"
)

// Level is the severity shown to the operator.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelError   Level = "error"
)

// Notification is one message for the operator.
type Notification struct {
	Kind    Kind      `json:"kind"`
	Level   Level     `json:"level"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notifier receives notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// New builds a notification of kind with the default title and level. An
// empty message falls back to the default text for kind.
func New(kind Kind, message string) Notification {
	n := Notification{Kind: kind, Message: message, At: time.Now()}
	switch kind {
	case LoginSuccess:
		n.Level, n.Title = LevelSuccess, "Signed in"
		if n.Message == "" {
			n.Message = "Welcome!"
		}
	case LoginFailure:
		n.Level, n.Title = LevelError, "Sign-in failed"
		if n.Message == "" {
			n.Message = "Check your login id and password."
		}
	case LogoutSuccess:
		n.Level, n.Title = LevelSuccess, "Signed out"
		if n.Message == "" {
			n.Message = "You have been signed out."
		}
	case SessionExpired:
		n.Level, n.Title = LevelInfo, "Session expired"
		if n.Message == "" {
			n.Message = "Please sign in again."
		}
	case Unauthorized:
		n.Level, n.Title = LevelError, "Access denied"
		if n.Message == "" {
			n.Message = "You do not have permission to access this page."
		}
	default:
		n.Level = LevelInfo
	}
	return n
}

// Log writes notifications to a structured logger.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a Log notifier. A nil logger uses slog.Default().
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(n Notification) {
	level := slog.LevelInfo
	if n.Level == LevelError {
		level = slog.LevelWarn
	}
	l.logger.Log(context.Background(), level, "auth notification",
		"kind", string(n.Kind),
		"title", n.Title,
		"message", logsanitize.Sanitize(n.Message))
}

// Flash keeps the most recent notifications until a page drains them.
type Flash struct {
	mu    sync.Mutex
	items []Notification
	max   int
}

// NewFlash returns a Flash holding at most max items; older ones are dropped.
func NewFlash(max int) *Flash {
	if max <= 0 {
		max = 8
	}
	return &Flash{max: max}
}

func (f *Flash) Notify(n Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.items = append(f.items, n)
	if over := len(f.items) - f.max; over > 0 {
		f.items = append([]Notification(nil), f.items[over:]...)
	}
}

// Drain returns the pending notifications oldest first and empties the queue.
func (f *Flash) Drain() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := f.items
	f.items = nil
	return out
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(n Notification) {
	for _, nt := range m {
		if nt != nil {
			nt.Notify(n)
		}
	}
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(Notification) {}
