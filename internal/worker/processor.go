package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/watchsync/internal/jobs"
)

// drainQueue runs queued jobs until the queue is empty, a pop loses its race, or the queue
// cannot be read
func (w *Worker) drainQueue(ctx context.Context, logger *slog.Logger) {
	for ctx.Err() == nil {
		select {
		case <-w.stopChan:
			return
		default:
		}

		ran, err := w.processNext(ctx, logger)
		if err != nil {
			w.metrics.WorkerErrors.WithLabelValues("runner").Inc()
			logger.Error("Failed to run next job", slog.Any("error", err))
			return
		}
		if !ran {
			return
		}
	}
}

// processNext runs at most one job. A failing step is part of the job's outcome, not a
// runner error: it is already in the job log and the job is not retried.
func (w *Worker) processNext(ctx context.Context, logger *slog.Logger) (ran bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ran, err = true, fmt.Errorf("job runner panicked: %v", r)
		}
	}()

	start := time.Now()
	job, ran, err := w.jobs.RunNext(ctx)
	if !ran {
		return false, err
	}

	var stepErr *jobs.StepError
	if err != nil && !errors.As(err, &stepErr) {
		return true, err
	}

	logger.Info("Job finished",
		slog.String("job_id", job.ID),
		slog.String("action", job.Action),
		slog.Bool("failed", stepErr != nil),
		slog.Duration("duration", time.Since(start)),
	)
	return true, nil
}

func (w *Worker) flush(ctx context.Context) error {
	stats, err := w.buffer.Flush(ctx)
	if err != nil {
		return err
	}
	if stats.Drained > 0 {
		w.logger.Info("Flushed buffered user state",
			slog.Int("drained", stats.Drained),
			slog.Int("uploaded", stats.Uploaded),
			slog.Int("gaps", stats.Gaps),
			slog.Int("requeued", stats.Requeued),
		)
	}
	return nil
}

// finalFlush gives buffered writes one last chance to reach the durable store on shutdown
func (w *Worker) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()

	w.logger.Info("Flushing buffered user state before exit")
	w.safely(ctx, "flush", w.flush)
}

func (w *Worker) compact(ctx context.Context) error {
	_, err := w.jobs.CompactJobList(ctx)
	return err
}

func (w *Worker) purge(ctx context.Context) error {
	purged, err := w.purger.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	if purged > 0 {
		w.logger.Info("Purged expired blobs", slog.Int64("count", purged))
	}
	return nil
}
