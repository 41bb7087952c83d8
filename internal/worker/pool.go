package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// spawnRunnerPool spawns N runner goroutines based on concurrency configuration
func (w *Worker) spawnRunnerPool(ctx context.Context) {
	w.logger.Info("Spawning runner pool",
		slog.Int("concurrency", w.concurrency),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.runnerLoop(ctx, i)
	}
}

// runnerLoop drains the job queue, then sleeps until the next poll or wake-up
func (w *Worker) runnerLoop(ctx context.Context, runnerNum int) {
	defer w.wg.Done()

	runnerName := fmt.Sprintf("%s-%d", w.workerID, runnerNum)
	logger := w.logger.With(slog.String("runner", runnerName))
	logger.Debug("Runner goroutine started")

	// stagger the runners so they do not all poll in the same instant
	ticker := time.NewTicker(w.pollInterval + time.Duration(runnerNum)*w.pollInterval/time.Duration(w.concurrency))
	defer ticker.Stop()

	for {
		w.drainQueue(ctx, logger)

		select {
		case <-w.stopChan:
			logger.Debug("Runner goroutine stopping - stopChan closed")
			return
		case <-ctx.Done():
			logger.Debug("Runner goroutine stopping - context canceled")
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// spawnMaintenance starts the flush, compaction and purge loops
func (w *Worker) spawnMaintenance(ctx context.Context) {
	if w.buffer != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runEvery(ctx, "flush", w.flushInterval, w.flush)
			w.finalFlush()
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runEvery(ctx, "compact", w.compactInterval, w.compact)
	}()

	if w.purger != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runEvery(ctx, "purge", w.purgeInterval, w.purge)
		}()
	}
}

// runEvery calls fn every interval until the worker stops. fn runs once right away.
func (w *Worker) runEvery(ctx context.Context, loop string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		w.safely(ctx, loop, fn)

		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// safely runs one iteration of a loop. Errors and panics are logged and counted; the loop
// keeps going either way.
func (w *Worker) safely(ctx context.Context, loop string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			w.metrics.WorkerErrors.WithLabelValues(loop).Inc()
			w.logger.Error("Worker loop panicked",
				slog.String("loop", loop),
				slog.Any("panic", r),
			)
		}
	}()

	if err := fn(ctx); err != nil && ctx.Err() == nil {
		w.metrics.WorkerErrors.WithLabelValues(loop).Inc()
		w.logger.Error("Worker loop iteration failed",
			slog.String("loop", loop),
			slog.Any("error", err),
		)
	}
}
