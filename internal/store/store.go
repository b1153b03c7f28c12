package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("store: key not found")
	ErrEmptyURL       = errors.New("store: empty connection url")
	ErrNotReady       = errors.New("store: backend did not become ready in time")
	ErrHealthcheck    = errors.New("store: healthcheck failed")
	ErrUnknownDriver  = errors.New("store: unknown driver")
	ErrMirrorOverflow = errors.New("store: mirror queue full")
)

// Expiring is the key/value store holding sessions and challenge
// artifacts. It is the single source of truth for their validity.
type Expiring interface {
	// Get returns ErrNotFound for absent or expired keys.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	// TTL returns the remaining lifetime, ErrNotFound for absent keys and a
	// negative duration for keys without expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Keys lists keys matching a glob pattern such as "challenges:full:*".
	Keys(ctx context.Context, pattern string) ([]string, error)
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
}
