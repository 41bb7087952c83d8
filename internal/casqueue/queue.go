// Package casqueue implements a FIFO queue of newline-free records stored as a single
// newline-delimited blob. All mutations go through the blob store's atomic append or
// compare-and-swap, so any number of processes can share a queue without locks.
package casqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/watchsync/internal/blobstore"
)

const separator = "\n"

// pushAttempts bounds the append/add dance when the blob keeps disappearing under us.
const pushAttempts = 3

var (
	// ErrInvalidRecord is returned when a record contains a newline
	ErrInvalidRecord = errors.New("queue record must not contain a newline")

	// ErrPushFailed is returned when a record could not be appended or created
	ErrPushFailed = errors.New("failed to push record onto queue")
)

// Name builds a namespaced queue name.
func Name(namespace, base string) string {
	return namespace + "/" + base
}

// Queue is a CAS-guarded record queue living under one blob store key.
type Queue struct {
	store  blobstore.Store
	name   string
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithTTL makes every mutation refresh the blob expiry to ttl.
func WithTTL(ttl time.Duration) Option {
	return func(q *Queue) {
		q.ttl = ttl
	}
}

// New returns a handle on the queue stored under name. The blob is created lazily.
func New(store blobstore.Store, name string, logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		name:   name,
		logger: logger.With(slog.String("queue", name)),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Name() string {
	return q.name
}

// Push appends record at the tail of the queue.
func (q *Queue) Push(ctx context.Context, record string) error {
	if strings.Contains(record, separator) {
		return ErrInvalidRecord
	}
	line := []byte(record + separator)

	for attempt := 0; attempt < pushAttempts; attempt++ {
		ok, err := q.store.Append(ctx, q.name, line, q.ttl)
		if err != nil {
			return fmt.Errorf("failed to append to queue %s: %w", q.name, err)
		}
		if ok {
			return nil
		}

		// The blob is missing (never created or evicted). Another writer may create it
		// first, in which case the next append succeeds.
		ok, err = q.store.Add(ctx, q.name, line, q.ttl)
		if err != nil {
			return fmt.Errorf("failed to create queue %s: %w", q.name, err)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrPushFailed, q.name)
}

// Pop removes and returns the record at the head of the queue. It reports ok=false when the
// queue is empty or when another consumer won the race; the head record then stays in place.
func (q *Queue) Pop(ctx context.Context) (string, bool, error) {
	value, version, err := q.store.Gets(ctx, q.name)
	if err != nil {
		return "", false, fmt.Errorf("failed to read queue %s: %w", q.name, err)
	}
	if version == 0 {
		if _, err := q.store.Add(ctx, q.name, []byte{}, q.ttl); err != nil {
			return "", false, fmt.Errorf("failed to create queue %s: %w", q.name, err)
		}
		return "", false, nil
	}
	if len(value) == 0 {
		return "", false, nil
	}

	head, rest, _ := strings.Cut(string(value), separator)
	ok, err := q.store.CompareAndSwap(ctx, q.name, []byte(rest), version, q.ttl)
	if err != nil {
		return "", false, fmt.Errorf("failed to pop from queue %s: %w", q.name, err)
	}
	if !ok {
		q.logger.Debug("Lost pop race")
		return "", false, nil
	}
	return head, true, nil
}

// Snapshot returns every record currently queued with the version they were read at. A
// missing queue returns a zero version.
func (q *Queue) Snapshot(ctx context.Context) ([]string, blobstore.Version, error) {
	value, version, err := q.store.Gets(ctx, q.name)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read queue %s: %w", q.name, err)
	}
	return decode(value), version, nil
}

// Replace overwrites the queue with records if it is still at version. A zero version
// expects the queue to be missing.
func (q *Queue) Replace(ctx context.Context, records []string, version blobstore.Version) (bool, error) {
	for _, record := range records {
		if strings.Contains(record, separator) {
			return false, ErrInvalidRecord
		}
	}

	var (
		ok  bool
		err error
	)
	if version == 0 {
		ok, err = q.store.Add(ctx, q.name, encode(records), q.ttl)
	} else {
		ok, err = q.store.CompareAndSwap(ctx, q.name, encode(records), version, q.ttl)
	}
	if err != nil {
		return false, fmt.Errorf("failed to replace queue %s: %w", q.name, err)
	}
	return ok, nil
}

// Drain removes and returns every queued record. Losing the race returns nothing and leaves
// the queue untouched.
func (q *Queue) Drain(ctx context.Context) ([]string, error) {
	value, version, err := q.store.Gets(ctx, q.name)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue %s: %w", q.name, err)
	}
	if version == 0 || len(value) == 0 {
		return nil, nil
	}

	ok, err := q.store.CompareAndSwap(ctx, q.name, []byte{}, version, q.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to drain queue %s: %w", q.name, err)
	}
	if !ok {
		q.logger.Debug("Lost drain race")
		return nil, nil
	}
	return decode(value), nil
}

// Size counts queued records with an unversioned read, so the answer may already be stale.
func (q *Queue) Size(ctx context.Context) (int, error) {
	value, _, err := q.store.Get(ctx, q.name)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue %s: %w", q.name, err)
	}
	return strings.Count(string(value), separator), nil
}

func encode(records []string) []byte {
	if len(records) == 0 {
		return []byte{}
	}
	return []byte(strings.Join(records, separator) + separator)
}

func decode(value []byte) []string {
	trimmed := strings.TrimSuffix(string(value), separator)
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, separator)
}
