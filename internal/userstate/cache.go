package userstate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/watchsync/internal/blobstore"
	"github.com/cuongbtq/watchsync/internal/metrics"
	"github.com/cuongbtq/watchsync/internal/objectstore"
)

// WriteResult reports which path a cache write took to durability.
type WriteResult int

const (
	// WrittenThrough means the value was put to the durable store synchronously
	WrittenThrough WriteResult = iota
	// Buffered means the key was newly scheduled on the write buffer
	Buffered
	// AlreadyBuffered means a pending flush will already pick the new value up
	AlreadyBuffered
	// FellBack means buffering lost every race and the value was put synchronously instead
	FellBack
)

func (r WriteResult) String() string {
	switch r {
	case WrittenThrough:
		return "written_through"
	case Buffered:
		return "buffered"
	case AlreadyBuffered:
		return "already_buffered"
	case FellBack:
		return "fell_back"
	default:
		return "unknown"
	}
}

// Cache is a read-through, write-through view over the fast store and the durable store. With
// a buffer the durable write is deferred to the next flush.
type Cache struct {
	fast    blobstore.Store
	durable objectstore.Store
	buffer  *Buffer
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewCache creates a cache. A nil buffer makes every write synchronous.
func NewCache(fast blobstore.Store, durable objectstore.Store, buffer *Buffer, m *metrics.Metrics, logger *slog.Logger) *Cache {
	return &Cache{
		fast:    fast,
		durable: durable,
		buffer:  buffer,
		metrics: m,
		logger:  logger.With(slog.String("component", "cache")),
	}
}

// Read returns the value for key, loading it from the durable store on a miss.
func (c *Cache) Read(ctx context.Context, key string) ([]byte, bool, error) {
	value, found, err := c.fast.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read fast store: %w", err)
	}
	if found {
		c.metrics.CacheHits.Inc()
		return value, true, nil
	}
	c.metrics.CacheMisses.Inc()

	value, found, err = c.durable.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read durable store: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	if err := c.fast.Set(ctx, key, value, 0); err != nil {
		// The durable value is still good; the next read just misses again.
		c.logger.Warn("Failed to populate fast store",
			slog.String("key", key),
			slog.Any("error", err),
		)
	}
	return value, true, nil
}

// Write stores value in the fast store and makes sure it reaches the durable store.
func (c *Cache) Write(ctx context.Context, key string, value []byte) (WriteResult, error) {
	if err := c.fast.Set(ctx, key, value, 0); err != nil {
		return WrittenThrough, fmt.Errorf("failed to write fast store: %w", err)
	}
	c.metrics.CacheWrites.Inc()

	if c.buffer == nil {
		return WrittenThrough, c.putDurable(ctx, key, value)
	}

	result, err := c.buffer.Schedule(ctx, key)
	if err != nil {
		c.logger.Warn("Failed to schedule buffered write, writing through",
			slog.String("key", key),
			slog.Any("error", err),
		)
		result = Contended
	}
	switch result {
	case Scheduled:
		return Buffered, nil
	case AlreadyScheduled:
		return AlreadyBuffered, nil
	default:
		c.metrics.BufferFallbacks.Inc()
		return FellBack, c.putDurable(ctx, key, value)
	}
}

func (c *Cache) putDurable(ctx context.Context, key string, value []byte) error {
	if err := c.durable.Put(ctx, key, value); err != nil {
		return fmt.Errorf("failed to write durable store: %w", err)
	}
	c.metrics.DurableWrites.Inc()
	return nil
}
