// Package cache is the shared TTL key-value store behind presence and the
// device blacklist. Every write is a single-key atomic command, so several
// gateway instances can share one store without read-modify-write races.
package cache

import (
	"context"
	"time"
)

type Store interface {
	// SetWithExpiry writes key=value and (re)sets its TTL.
	SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// ExtendExpiry resets the TTL of an existing key. It reports false and
	// writes nothing when the key is absent.
	ExtendExpiry(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	// ExistsMany answers Exists for every key, in order, in one round trip.
	ExistsMany(ctx context.Context, keys []string) ([]bool, error)
	// ScanKeys lists keys matching a glob pattern without blocking the server.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
}
