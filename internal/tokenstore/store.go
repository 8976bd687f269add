// Package tokenstore persists the console's token pair and cached user profile
// outside the in-memory session.
package tokenstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/al-bashkir/cms-console/internal/auth"
	"github.com/al-bashkir/cms-console/internal/config"
)

// Record is one persisted token pair with its optional cached profile.
type Record struct {
	Tokens  auth.TokenPair    `json:"tokens"`
	Profile *auth.UserProfile `json:"profile,omitempty"`
	SavedAt time.Time         `json:"saved_at"`
}

// Store persists at most one live Record.
//
// Get returns (nil, nil) when nothing usable is stored, including corrupt or
// outlived records. Errors are reserved for transport faults. Clear leaves the
// remembered login id in place.
type Store interface {
	Get(ctx context.Context) (*Record, error)
	Set(ctx context.Context, pair auth.TokenPair, profile *auth.UserProfile) error
	Clear(ctx context.Context) error

	RememberLogin(ctx context.Context, loginID string) error
	RememberedLogin(ctx context.Context) (string, error)
}

// Open builds the store selected by cfg.Driver.
func Open(cfg *config.TokenStoreConfig) (Store, error) {
	lifetime := time.Duration(cfg.Lifetime) * time.Second

	switch cfg.Driver {
	case config.StoreDriverMemory:
		return NewMemory(lifetime), nil
	case config.StoreDriverFile:
		return NewFile(cfg.Path, lifetime)
	case config.StoreDriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedis(client, cfg.KeyPrefix, lifetime), nil
	default:
		return nil, fmt.Errorf("unknown token store driver: %q", cfg.Driver)
	}
}

// merge builds the record Set should persist on top of prev.
func merge(prev *Record, pair auth.TokenPair, profile *auth.UserProfile, now time.Time) *Record {
	rec := &Record{Tokens: pair, SavedAt: now}
	if pair.IssuedAt.IsZero() {
		rec.Tokens.IssuedAt = now
	}

	switch {
	case profile != nil:
		p := *profile
		rec.Profile = &p
	case prev != nil && prev.Profile != nil:
		p := *prev.Profile
		rec.Profile = &p
	}
	return rec
}

// outlived reports whether rec is older than lifetime. A zero lifetime never expires.
func outlived(rec *Record, lifetime time.Duration, now time.Time) bool {
	return lifetime > 0 && now.Sub(rec.SavedAt) > lifetime
}

// usable filters out records that cannot authenticate anything.
func usable(rec *Record) bool {
	return rec != nil && rec.Tokens.AccessToken != ""
}

func clone(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	out := *rec
	if rec.Profile != nil {
		p := *rec.Profile
		out.Profile = &p
	}
	return &out
}
