// Package presence tracks online state per identity as TTL-bearing cache
// records. A missing record means offline.
package presence

import (
	"context"
	"time"

	"github.com/dmitrijs2005/cipherrelay/internal/logging"
	"github.com/dmitrijs2005/cipherrelay/internal/server/cache"
)

const keyPrefix = "presence:"

const onlineValue = "online"

// Key returns the cache key holding identityID's presence record.
func Key(identityID string) string {
	return keyPrefix + identityID
}

// Tracker keeps presence records with a fixed TTL. TTL expiry only covers
// clients that vanished without a clean disconnect; SetOffline is
// immediate.
type Tracker struct {
	store  cache.Store
	ttl    time.Duration
	logger logging.Logger
}

func NewTracker(store cache.Store, ttl time.Duration, logger logging.Logger) *Tracker {
	return &Tracker{store: store, ttl: ttl, logger: logger.With("module", "presence")}
}

func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

func (t *Tracker) SetOnline(ctx context.Context, identityID string) error {
	return t.store.SetWithExpiry(ctx, Key(identityID), onlineValue, t.ttl)
}

func (t *Tracker) SetOffline(ctx context.Context, identityID string) error {
	return t.store.Delete(ctx, Key(identityID))
}

func (t *Tracker) IsOnline(ctx context.Context, identityID string) (bool, error) {
	return t.store.Exists(ctx, Key(identityID))
}

// BatchStatus reports every requested identity. An unreachable cache is
// logged and answered as all-offline rather than failing the whole call.
func (t *Tracker) BatchStatus(ctx context.Context, identityIDs []string) map[string]bool {
	out := make(map[string]bool, len(identityIDs))
	if len(identityIDs) == 0 {
		return out
	}

	keys := make([]string, len(identityIDs))
	for i, id := range identityIDs {
		keys[i] = Key(id)
		out[id] = false
	}

	found, err := t.store.ExistsMany(ctx, keys)
	if err != nil {
		t.logger.Warn(ctx, "batch presence lookup failed", "count", len(identityIDs), "error", err)
		return out
	}
	for i, id := range identityIDs {
		out[id] = found[i]
	}
	return out
}

// Heartbeat extends an existing record. It never recreates one, so an
// identity that went offline explicitly stays offline. It reports whether a
// record was extended.
func (t *Tracker) Heartbeat(ctx context.Context, identityID string) (bool, error) {
	return t.store.ExtendExpiry(ctx, Key(identityID), t.ttl)
}
