package worker

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/watchsync/internal/notify"
)

// Consumer delivers job notifications
type Consumer interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// setupConsumer starts consuming job notifications under this worker's ID
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.consumer.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Job notification consumer started",
		slog.String("consumer_tag", w.workerID),
	)
	return deliveries, nil
}

// startMessageDispatcher turns job notifications into runner wake-ups. Notifications are
// acked as soon as they are read because the job itself stays in the job queue.
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case <-w.stopChan:
			w.logger.Info("Message dispatcher stopped")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				// runners keep polling, so losing the broker only adds latency
				w.logger.Warn("RabbitMQ delivery channel closed, falling back to polling")
				return
			}
			w.dispatch(delivery)
		}
	}
}

func (w *Worker) dispatch(delivery amqp.Delivery) {
	msg, err := notify.Decode(delivery.Body)
	if err != nil {
		w.logger.Error("Dropping invalid job notification",
			slog.Any("error", err),
			slog.String("body", string(delivery.Body)),
		)
		// NACK without requeue so malformed messages go to the dead-letter exchange
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			w.logger.Error("Failed to NACK invalid notification",
				slog.Any("error", nackErr),
			)
		}
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		w.logger.Error("Failed to ACK notification",
			slog.String("job_id", msg.JobID),
			slog.Any("error", ackErr),
		)
	}

	w.logger.Debug("Job notification received",
		slog.String("job_id", msg.JobID),
	)
	w.wakeRunners()
}
