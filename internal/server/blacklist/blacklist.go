// Package blacklist keeps the fast, TTL-bound record of panic-locked
// devices that every handshake consults.
package blacklist

import (
	"context"
	"strings"
	"time"

	"github.com/dmitrijs2005/cipherrelay/internal/server/cache"
)

const keyPrefix = "blacklist:device:"

// DefaultTTL is how long a lock stays in the cache.
const DefaultTTL = 7 * 24 * time.Hour

func Key(deviceID string) string {
	return keyPrefix + deviceID
}

type Cache struct {
	store cache.Store
	ttl   time.Duration
}

func New(store cache.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{store: store, ttl: ttl}
}

// Add blacklists deviceID for the configured TTL. The value records when
// the lock was placed.
func (c *Cache) Add(ctx context.Context, deviceID string) error {
	return c.store.SetWithExpiry(ctx, Key(deviceID), time.Now().UTC().Format(time.RFC3339), c.ttl)
}

func (c *Cache) Contains(ctx context.Context, deviceID string) (bool, error) {
	return c.store.Exists(ctx, Key(deviceID))
}

// Devices lists every blacklisted device id.
func (c *Cache) Devices(ctx context.Context) ([]string, error) {
	keys, err := c.store.ScanKeys(ctx, keyPrefix+"*")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, keyPrefix))
	}
	return ids, nil
}
