// Package blobstore defines the shared fast key-value store that every queue and cache entry
// lives in, along with its drivers.
//
// The store is versioned: every successful write produces a new Version for the key, and
// CompareAndSwap only succeeds when the caller presents the Version it last read. This is the
// only concurrency-control mechanism the rest of the module relies on.
package blobstore

import (
	"context"
	"time"
)

// Version identifies one revision of a stored blob. The zero Version means the key does not exist.
type Version uint64

// Store is a versioned key-value store with compare-and-swap semantics.
//
// A ttl of zero means the value never expires. Expired keys behave exactly like missing keys.
type Store interface {
	// Get returns the value for key without its version.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Gets returns the value for key together with its current version. A missing key
	// returns a zero Version.
	Gets(ctx context.Context, key string) (value []byte, version Version, err error)

	// CompareAndSwap replaces the value for key only if its current version equals version.
	// It reports false, with a nil error, when the version check fails or the key is missing.
	CompareAndSwap(ctx context.Context, key string, value []byte, version Version, ttl time.Duration) (bool, error)

	// Add stores value only if key does not exist.
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Append atomically appends value to an existing key. It reports false when the key is missing.
	// A zero ttl keeps the key's current expiry.
	Append(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Set stores value unconditionally.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// GetMany returns the values of the keys that exist. Missing keys are absent from the map.
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)

	Close() error
}

// Purger is implemented by drivers that have to delete expired keys themselves.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}
