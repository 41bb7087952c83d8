package userstate

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuongbtq/watchsync/internal/blobstore"
	"github.com/cuongbtq/watchsync/internal/casqueue"
	"github.com/cuongbtq/watchsync/internal/metrics"
	"github.com/cuongbtq/watchsync/internal/objectstore"
)

// BufferQueueName is the base name of the pending-key queue.
const BufferQueueName = "_deferred"

const (
	defaultScheduleAttempts = 3
	defaultRetryDelay       = 10 * time.Millisecond
	defaultFlushBatchSize   = 50
)

// ScheduleResult says how a key ended up on (or off) the buffer.
type ScheduleResult int

const (
	// Scheduled means the key was added to the pending queue
	Scheduled ScheduleResult = iota
	// AlreadyScheduled means the key was already pending
	AlreadyScheduled
	// Contended means every attempt lost its compare-and-swap; the caller must write through
	Contended
)

// BufferConfig tunes the deferred write buffer.
type BufferConfig struct {
	Attempts   int           // compare-and-swap attempts before giving up
	RetryDelay time.Duration // base delay, doubled after every lost attempt
	BatchSize  int           // keys per get-many during a flush
	FlushRate  float64       // durable puts per second during a flush, 0 for unlimited
	FlushBurst int
}

// FlushStats summarises one flush.
type FlushStats struct {
	Drained  int
	Uploaded int
	Gaps     int
	Requeued int
}

// Buffer is the deferred write buffer: a queue of user-state keys whose latest value lives in
// the fast store and still has to be copied to the durable store.
type Buffer struct {
	queue   *casqueue.Queue
	fast    blobstore.Store
	durable objectstore.Store
	config  BufferConfig
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewBuffer creates a buffer whose pending-key queue lives in namespace.
func NewBuffer(fast blobstore.Store, durable objectstore.Store, namespace string, config BufferConfig, m *metrics.Metrics, logger *slog.Logger) *Buffer {
	if config.Attempts <= 0 {
		config.Attempts = defaultScheduleAttempts
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaultRetryDelay
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultFlushBatchSize
	}

	limit := rate.Inf
	if config.FlushRate > 0 {
		limit = rate.Limit(config.FlushRate)
	}
	burst := config.FlushBurst
	if burst <= 0 {
		burst = 1
	}

	logger = logger.With(slog.String("component", "write_buffer"))
	return &Buffer{
		queue:   casqueue.New(fast, casqueue.Name(namespace, BufferQueueName), logger),
		fast:    fast,
		durable: durable,
		config:  config,
		limiter: rate.NewLimiter(limit, burst),
		metrics: m,
		logger:  logger,
	}
}

// Schedule adds key to the pending queue unless it is already there.
func (b *Buffer) Schedule(ctx context.Context, key string) (ScheduleResult, error) {
	for attempt := 0; attempt < b.config.Attempts; attempt++ {
		pending, version, err := b.queue.Snapshot(ctx)
		if err != nil {
			return Contended, fmt.Errorf("failed to read pending keys: %w", err)
		}
		if slices.Contains(pending, key) {
			return AlreadyScheduled, nil
		}

		ok, err := b.queue.Replace(ctx, append(pending, key), version)
		if err != nil {
			return Contended, fmt.Errorf("failed to schedule key: %w", err)
		}
		if ok {
			b.metrics.BufferedWrites.Inc()
			return Scheduled, nil
		}

		b.metrics.BufferCollisions.Inc()
		if attempt < b.config.Attempts-1 {
			backoffDelay := time.Duration(float64(b.config.RetryDelay) * float64(uint(1)<<uint(attempt)))
			b.logger.Debug("Lost race scheduling key, retrying",
				slog.String("key", key),
				slog.Int("attempt", attempt+1),
				slog.Duration("retry_after", backoffDelay),
			)
			if err := sleep(ctx, backoffDelay); err != nil {
				return Contended, err
			}
		}
	}

	b.logger.Warn("Gave up scheduling key after repeated collisions",
		slog.String("key", key),
		slog.Int("attempts", b.config.Attempts),
	)
	return Contended, nil
}

// Flush copies every pending key from the fast store to the durable store. Keys whose upload
// fails are pushed back for the next flush; keys missing from the fast store are skipped.
func (b *Buffer) Flush(ctx context.Context) (FlushStats, error) {
	var stats FlushStats

	keys, err := b.queue.Drain(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to drain pending keys: %w", err)
	}
	keys = unique(keys)
	stats.Drained = len(keys)
	if len(keys) == 0 {
		return stats, nil
	}

	b.logger.Info("Flushing user state",
		slog.Int("keys", len(keys)),
	)

	var failed []string
	for start := 0; start < len(keys); start += b.config.BatchSize {
		batch := keys[start:min(start+b.config.BatchSize, len(keys))]

		values, err := b.fast.GetMany(ctx, batch)
		if err != nil {
			b.logger.Error("Failed to read pending values",
				slog.Int("batch_size", len(batch)),
				slog.Any("error", err),
			)
			failed = append(failed, batch...)
			continue
		}

		for i, key := range batch {
			value, ok := values[key]
			if !ok {
				stats.Gaps++
				b.metrics.FlushGaps.Inc()
				b.logger.Warn("Pending key missing from fast store, skipping",
					slog.String("key", key),
				)
				continue
			}

			if err := b.limiter.Wait(ctx); err != nil {
				failed = append(failed, batch[i:]...)
				failed = append(failed, keys[start+len(batch):]...)
				stats.Requeued = b.requeue(ctx, failed)
				return stats, fmt.Errorf("flush interrupted: %w", err)
			}

			if err := b.durable.Put(ctx, key, value); err != nil {
				b.logger.Error("Failed to upload user state",
					slog.String("key", key),
					slog.Any("error", err),
				)
				failed = append(failed, key)
				continue
			}
			stats.Uploaded++
			b.metrics.FlushUploads.Inc()
			b.metrics.DurableWrites.Inc()
		}
	}

	stats.Requeued = b.requeue(ctx, failed)
	return stats, nil
}

// Pending returns the number of keys waiting to be flushed.
func (b *Buffer) Pending(ctx context.Context) (int, error) {
	return b.queue.Size(ctx)
}

func (b *Buffer) requeue(ctx context.Context, keys []string) int {
	// Requeueing must survive the cancellation that interrupted the flush.
	ctx = context.WithoutCancel(ctx)

	requeued := 0
	for _, key := range keys {
		if err := b.queue.Push(ctx, key); err != nil {
			b.logger.Error("Failed to requeue pending key",
				slog.String("key", key),
				slog.Any("error", err),
			)
			continue
		}
		requeued++
		b.metrics.FlushRequeued.Inc()
	}
	return requeued
}

func unique(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
