package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/al-bashkir/cms-console/internal/auth"
)

// Redis shares the record between console instances through a redis server.
// The token key expires with the configured lifetime; the remembered login id
// does not expire.
type Redis struct {
	client   redis.UniversalClient
	prefix   string
	lifetime time.Duration
	now      func() time.Time
}

// NewRedis wraps an existing client. Keys are namespaced by prefix.
func NewRedis(client redis.UniversalClient, prefix string, lifetime time.Duration) *Redis {
	if prefix == "" {
		prefix = "cms-console"
	}
	return &Redis{client: client, prefix: prefix, lifetime: lifetime, now: time.Now}
}

func (r *Redis) tokenKey() string {
	return r.prefix + ":auth:token"
}

func (r *Redis) rememberedKey() string {
	return r.prefix + ":auth:login_id"
}

func (r *Redis) Get(ctx context.Context) (*Record, error) {
	data, err := r.client.Get(ctx, r.tokenKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("ignoring corrupt token record", "key", r.tokenKey(), "error", err)
		return nil, nil
	}
	if !usable(&rec) || outlived(&rec, r.lifetime, r.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (r *Redis) Set(ctx context.Context, pair auth.TokenPair, profile *auth.UserProfile) error {
	prev, err := r.Get(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(merge(prev, pair, profile, r.now()))
	if err != nil {
		return fmt.Errorf("failed to encode token record: %w", err)
	}
	if err := r.client.Set(ctx, r.tokenKey(), data, r.lifetime).Err(); err != nil {
		return fmt.Errorf("failed to write token record: %w", err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.tokenKey()).Err(); err != nil {
		return fmt.Errorf("failed to delete token record: %w", err)
	}
	return nil
}

func (r *Redis) RememberLogin(ctx context.Context, loginID string) error {
	if loginID == "" {
		if err := r.client.Del(ctx, r.rememberedKey()).Err(); err != nil {
			return fmt.Errorf("failed to forget login id: %w", err)
		}
		return nil
	}
	if err := r.client.Set(ctx, r.rememberedKey(), loginID, 0).Err(); err != nil {
		return fmt.Errorf("failed to remember login id: %w", err)
	}
	return nil
}

func (r *Redis) RememberedLogin(ctx context.Context) (string, error) {
	id, err := r.client.Get(ctx, r.rememberedKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read remembered login id: %w", err)
	}
	return id, nil
}

// Close releases the underlying redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
