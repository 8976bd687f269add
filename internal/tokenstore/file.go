package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/al-bashkir/cms-console/internal/auth"
)

const (
	tokenFileName      = "tokens.json"
	rememberedFileName = "login_id"
)

// File keeps the record as a JSON file in a private directory. Writes go to a
// temp file first and are renamed into place.
type File struct {
	mu       sync.Mutex
	dir      string
	lifetime time.Duration
	now      func() time.Time
}

// NewFile creates the store directory (0700) if needed.
func NewFile(dir string, lifetime time.Duration) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("token store path is empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create token store directory: %w", err)
	}
	return &File{dir: dir, lifetime: lifetime, now: time.Now}, nil
}

func (f *File) tokenPath() string {
	return filepath.Join(f.dir, tokenFileName)
}

func (f *File) rememberedPath() string {
	return filepath.Join(f.dir, rememberedFileName)
}

func (f *File) Get(_ context.Context) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.load()
}

// load must be called with mu held.
func (f *File) load() (*Record, error) {
	data, err := os.ReadFile(f.tokenPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("ignoring corrupt token file", "path", f.tokenPath(), "error", err)
		return nil, nil
	}
	if !usable(&rec) {
		return nil, nil
	}
	if outlived(&rec, f.lifetime, f.now()) {
		slog.Debug("token record outlived its lifetime, removing", "saved_at", rec.SavedAt)
		if err := os.Remove(f.tokenPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove outlived token file: %w", err)
		}
		return nil, nil
	}
	return &rec, nil
}

func (f *File) Set(_ context.Context, pair auth.TokenPair, profile *auth.UserProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, err := f.load()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(merge(prev, pair, profile, f.now()), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token record: %w", err)
	}
	return writeAtomic(f.tokenPath(), data)
}

func (f *File) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.tokenPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}

func (f *File) RememberLogin(_ context.Context, loginID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if loginID == "" {
		if err := os.Remove(f.rememberedPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to forget login id: %w", err)
		}
		return nil
	}
	return writeAtomic(f.rememberedPath(), []byte(loginID+"\n"))
}

func (f *File) RememberedLogin(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.rememberedPath())
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read remembered login id: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// writeAtomic writes data next to path and renames it into place with 0600 permissions.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		if removeErr := os.Remove(tmp); removeErr != nil {
			return fmt.Errorf("failed to rename temp file: %v; additionally failed to remove temp file: %w", err, removeErr)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
