package userstate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cuongbtq/watchsync/internal/blobstore"
	"github.com/cuongbtq/watchsync/internal/metrics"
	"github.com/cuongbtq/watchsync/internal/objectstore"
)

var errDurableDown = errors.New("durable store unavailable")

// contendedStore loses every conditional write on one key, as if another writer always
// got there first.
type contendedStore struct {
	blobstore.Store
	key string
}

func (s *contendedStore) CompareAndSwap(ctx context.Context, key string, value []byte, version blobstore.Version, ttl time.Duration) (bool, error) {
	if key == s.key {
		return false, nil
	}
	return s.Store.CompareAndSwap(ctx, key, value, version, ttl)
}

func (s *contendedStore) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if key == s.key {
		return false, nil
	}
	return s.Store.Add(ctx, key, value, ttl)
}

// flakyDurable fails puts for the keys in failing.
type flakyDurable struct {
	objectstore.Store
	mu      sync.Mutex
	failing map[string]bool
}

func (d *flakyDurable) Put(ctx context.Context, key string, value []byte) error {
	d.mu.Lock()
	fail := d.failing[key]
	d.mu.Unlock()
	if fail {
		return errDurableDown
	}
	return d.Store.Put(ctx, key, value)
}

func newTestMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}
