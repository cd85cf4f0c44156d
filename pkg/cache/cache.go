// Package cache provides key/value stores with a per-entry time-to-live.
//
// Entries are opaque byte slices written and removed wholesale. A cache is
// never the system of record: callers must treat any error as a miss.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is the contract for a TTL key/value store.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}
