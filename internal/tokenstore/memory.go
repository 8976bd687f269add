package tokenstore

import (
	"context"
	"sync"
	"time"

	"github.com/al-bashkir/cms-console/internal/auth"
)

// Memory is an in-process Store. Its records do not survive a restart.
type Memory struct {
	mu         sync.Mutex
	rec        *Record
	remembered string
	lifetime   time.Duration
	now        func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory(lifetime time.Duration) *Memory {
	return &Memory{lifetime: lifetime, now: time.Now}
}

func (m *Memory) Get(_ context.Context) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !usable(m.rec) {
		return nil, nil
	}
	if outlived(m.rec, m.lifetime, m.now()) {
		m.rec = nil
		return nil, nil
	}
	return clone(m.rec), nil
}

func (m *Memory) Set(_ context.Context, pair auth.TokenPair, profile *auth.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rec = merge(m.rec, pair, profile, m.now())
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	m.rec = nil
	m.mu.Unlock()
	return nil
}

func (m *Memory) RememberLogin(_ context.Context, loginID string) error {
	m.mu.Lock()
	m.remembered = loginID
	m.mu.Unlock()
	return nil
}

func (m *Memory) RememberedLogin(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remembered, nil
}
