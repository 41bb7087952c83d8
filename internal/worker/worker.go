package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/watchsync/internal/blobstore"
	"github.com/cuongbtq/watchsync/internal/jobs"
	"github.com/cuongbtq/watchsync/internal/metrics"
	"github.com/cuongbtq/watchsync/internal/userstate"
)

const finalFlushTimeout = 10 * time.Second

// JobRunner pops and runs queued jobs and keeps the job list short.
type JobRunner interface {
	RunNext(ctx context.Context) (jobs.Job, bool, error)
	CompactJobList(ctx context.Context) (jobs.CompactStats, error)
}

// Flusher moves buffered user state to the durable store.
type Flusher interface {
	Flush(ctx context.Context) (userstate.FlushStats, error)
}

// Config holds worker configuration. Buffer, Purger and Consumer are optional.
type Config struct {
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
	Jobs            JobRunner
	Buffer          Flusher
	Purger          blobstore.Purger
	Consumer        Consumer
	WorkerID        string
	Concurrency     int
	PollInterval    time.Duration
	FlushInterval   time.Duration
	CompactInterval time.Duration
	PurgeInterval   time.Duration
}

// Worker runs the job runner pool and the periodic maintenance loops
type Worker struct {
	logger          *slog.Logger
	metrics         *metrics.Metrics
	jobs            JobRunner
	buffer          Flusher
	purger          blobstore.Purger
	consumer        Consumer
	workerID        string
	concurrency     int
	pollInterval    time.Duration
	flushInterval   time.Duration
	compactInterval time.Duration
	purgeInterval   time.Duration
	wake            chan struct{}
	wg              sync.WaitGroup
	stopChan        chan struct{}
	stopOnce        sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := max(cfg.Concurrency, 1)
	return &Worker{
		logger:          cfg.Logger.With(slog.String("worker_id", cfg.WorkerID)),
		metrics:         cfg.Metrics,
		jobs:            cfg.Jobs,
		buffer:          cfg.Buffer,
		purger:          cfg.Purger,
		consumer:        cfg.Consumer,
		workerID:        cfg.WorkerID,
		concurrency:     concurrency,
		pollInterval:    orDefault(cfg.PollInterval, time.Second),
		flushInterval:   orDefault(cfg.FlushInterval, time.Minute),
		compactInterval: orDefault(cfg.CompactInterval, 10*time.Minute),
		purgeInterval:   orDefault(cfg.PurgeInterval, time.Hour),
		wake:            make(chan struct{}, concurrency),
		stopChan:        make(chan struct{}),
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Start spawns every loop and blocks until ctx is canceled or Stop is called
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Bool("buffered_writes", w.buffer != nil),
		slog.Bool("notifications", w.consumer != nil),
	)

	if w.consumer != nil {
		deliveries, err := w.setupConsumer()
		if err != nil {
			return err
		}
		w.wg.Add(1)
		go w.startMessageDispatcher(ctx, deliveries)
	}

	w.spawnRunnerPool(ctx)
	w.spawnMaintenance(ctx)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	}
	return nil
}

// Stop signals every loop to exit and waits for them
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// wakeRunners nudges one idle runner without blocking. A full channel means every runner
// already has a pending wake-up.
func (w *Worker) wakeRunners() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
