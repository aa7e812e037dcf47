// Package cache provides the TTL key/value store that backs read caching
// for calendar lookups and computed availability.
//
// Expired entries are reported as misses but retained until overwritten,
// deleted, or purged, so callers can deliberately fall back to the most
// recent stale value when fresh data cannot be fetched.
package cache

import (
	"context"
	"time"
)

// Store is a TTL key/value cache over opaque payloads.
type Store interface {
	// Get returns the value for key if present and not expired.
	Get(ctx context.Context, key string) ([]byte, bool)

	// GetStale returns the value for key regardless of expiry. The third
	// result reports whether the entry has expired.
	GetStale(ctx context.Context, key string) (value []byte, ok bool, expired bool)

	// Set stores value under key, expiring after ttl. A non-positive ttl
	// stores the value already expired; it is then visible only to GetStale.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// PurgeExpired removes every expired entry and returns how many were
	// dropped. There is no background sweeper; callers purge when they
	// want the space back.
	PurgeExpired(ctx context.Context) (int, error)
}
