// Package notify carries "a job was enqueued" wake-ups from the API to idle runners. The
// job itself always lives in the job queue; a lost notification only delays it until the
// next poll.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cuongbtq/watchsync/internal/jobs"
)

const contentType = "application/json"

// ErrInvalidMessage is returned for bodies that are not a job notification
var ErrInvalidMessage = errors.New("invalid job notification")

// Message is the notification body
type Message struct {
	JobID  string `json:"job_id"`
	Action string `json:"action,omitempty"`
}

// Decode parses and validates a notification body
func Decode(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return Message{}, fmt.Errorf("%w: job_id %q is not a UUID", ErrInvalidMessage, msg.JobID)
	}
	return msg, nil
}

// Publisher sends a message body to the notification exchange
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// JobNotifier publishes one message per enqueued job
type JobNotifier struct {
	publisher Publisher
	logger    *slog.Logger
}

func NewJobNotifier(publisher Publisher, logger *slog.Logger) *JobNotifier {
	return &JobNotifier{
		publisher: publisher,
		logger:    logger,
	}
}

func (n *JobNotifier) NotifyJobEnqueued(ctx context.Context, job jobs.Job) error {
	body, err := json.Marshal(Message{JobID: job.ID, Action: job.Action})
	if err != nil {
		return fmt.Errorf("failed to marshal job notification: %w", err)
	}

	if err := n.publisher.PublishWithRetry(ctx, body, contentType); err != nil {
		return fmt.Errorf("failed to publish job notification: %w", err)
	}

	n.logger.Debug("Job notification published",
		slog.String("job_id", job.ID),
	)
	return nil
}
