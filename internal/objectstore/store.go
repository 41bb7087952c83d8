// Package objectstore defines the durable source of truth for user state. It has no
// versioning: a put replaces the whole object.
package objectstore

import (
	"context"
	"errors"
)

// ErrUnknownDriver is returned when the configured durable driver is not supported
var ErrUnknownDriver = errors.New("unknown object store driver")

// Store is a durable get/put object store.
type Store interface {
	// Get returns found=false when no object exists under key.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Close() error
}
