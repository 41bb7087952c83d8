package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/watchsync/internal/blobstore"
	"github.com/cuongbtq/watchsync/internal/jobs"
	"github.com/cuongbtq/watchsync/internal/metrics"
	"github.com/cuongbtq/watchsync/internal/userstate"
	"github.com/cuongbtq/watchsync/shared/logger"
)

const validJobID = "6f1c2a9e-3b4d-4e5f-8a7b-9c0d1e2f3a4b"

// fakeRunner hands out a fixed number of jobs and then reports an empty queue.
type fakeRunner struct {
	mu        sync.Mutex
	remaining int
	ran       int
	compacted int
	runErr    error
	popErr    error
	panicOnce bool
}

func (r *fakeRunner) RunNext(context.Context) (jobs.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.panicOnce {
		r.panicOnce = false
		panic("runner exploded")
	}
	if r.popErr != nil {
		return jobs.Job{}, false, r.popErr
	}
	if r.remaining == 0 {
		return jobs.Job{}, false, nil
	}
	r.remaining--
	r.ran++
	return jobs.Job{ID: validJobID, Action: "test"}, true, r.runErr
}

func (r *fakeRunner) CompactJobList(context.Context) (jobs.CompactStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compacted++
	return jobs.CompactStats{}, nil
}

func (r *fakeRunner) Ran() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ran
}

func (r *fakeRunner) Compacted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compacted
}

type fakeFlusher struct {
	calls atomic.Int32
	err   error
}

func (f *fakeFlusher) Flush(context.Context) (userstate.FlushStats, error) {
	f.calls.Add(1)
	return userstate.FlushStats{Drained: 1, Uploaded: 1}, f.err
}

type fakePurger struct {
	calls atomic.Int32
}

func (p *fakePurger) PurgeExpired(context.Context) (int64, error) {
	p.calls.Add(1)
	return 2, nil
}

type fakeConsumer struct {
	deliveries chan amqp.Delivery
	err        error
}

func (c *fakeConsumer) Consume(string) (<-chan amqp.Delivery, error) {
	return c.deliveries, c.err
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue []bool
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *fakeAcknowledger) Reject(uint64, bool) error {
	return nil
}

func (a *fakeAcknowledger) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks, a.nacks
}

func newTestWorker(cfg *Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDiscard()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "test"
	}
	return NewWorker(cfg)
}

// start runs the worker in the background and returns a function that shuts it down.
func start(t *testing.T, w *Worker) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Start(ctx)
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			w.Stop()
			require.NoError(t, <-errChan)
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestWorker_RunsQueuedJobs(t *testing.T) {
	runner := &fakeRunner{remaining: 5}
	w := newTestWorker(&Config{Jobs: runner, Concurrency: 2, PollInterval: time.Hour})
	start(t, w)

	assert.Eventually(t, func() bool { return runner.Ran() == 5 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return runner.Compacted() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestWorker_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		runner     *fakeRunner
		wantErrors float64
	}{
		{
			name:       "failing step is not a worker error",
			runner:     &fakeRunner{remaining: 1, runErr: &jobs.StepError{Step: 0, Name: "boom", Err: errors.New("boom")}},
			wantErrors: 0,
		},
		{
			name:       "store error is counted",
			runner:     &fakeRunner{popErr: errors.New("store down")},
			wantErrors: 1,
		},
		{
			name:       "panic is recovered and counted",
			runner:     &fakeRunner{panicOnce: true},
			wantErrors: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New(prometheus.NewRegistry())
			w := newTestWorker(&Config{Jobs: tt.runner, Metrics: m, Concurrency: 1, PollInterval: time.Hour})
			w.drainQueue(context.Background(), w.logger)

			assert.Equal(t, tt.wantErrors, metrics.Value(m.WorkerErrors.WithLabelValues("runner")))
		})
	}
}

func TestWorker_MaintenanceLoops(t *testing.T) {
	flusher := &fakeFlusher{}
	purger := &fakePurger{}
	runner := &fakeRunner{}
	w := newTestWorker(&Config{
		Jobs:            runner,
		Buffer:          flusher,
		Purger:          purger,
		Concurrency:     1,
		PollInterval:    time.Hour,
		FlushInterval:   5 * time.Millisecond,
		CompactInterval: 5 * time.Millisecond,
		PurgeInterval:   5 * time.Millisecond,
	})
	stop := start(t, w)

	assert.Eventually(t, func() bool {
		return flusher.calls.Load() >= 2 && purger.calls.Load() >= 2 && runner.Compacted() >= 2
	}, time.Second, 5*time.Millisecond)

	stop()
	flushes := flusher.calls.Load()
	assert.GreaterOrEqual(t, flushes, int32(3), "a final flush runs on shutdown")
}

func TestWorker_FinalFlushOnShutdown(t *testing.T) {
	flusher := &fakeFlusher{}
	w := newTestWorker(&Config{
		Jobs:          &fakeRunner{},
		Buffer:        flusher,
		Concurrency:   1,
		PollInterval:  time.Hour,
		FlushInterval: time.Hour,
	})
	stop := start(t, w)

	assert.Eventually(t, func() bool { return flusher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	stop()
	assert.Equal(t, int32(2), flusher.calls.Load())
}

func TestWorker_FlushErrorCounted(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	w := newTestWorker(&Config{
		Jobs:    &fakeRunner{},
		Buffer:  &fakeFlusher{err: errors.New("durable store down")},
		Metrics: m,
	})

	w.safely(context.Background(), "flush", w.flush)

	assert.Equal(t, 1.0, metrics.Value(m.WorkerErrors.WithLabelValues("flush")))
}

func TestWorker_Dispatch(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantAcks  int
		wantNacks int
		wantWake  bool
	}{
		{
			name:     "valid notification wakes a runner",
			body:     `{"job_id":"` + validJobID + `"}`,
			wantAcks: 1,
			wantWake: true,
		},
		{
			name:      "malformed json is dropped",
			body:      `not json`,
			wantNacks: 1,
		},
		{
			name:      "job id must be a uuid",
			body:      `{"job_id":"42"}`,
			wantNacks: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWorker(&Config{Jobs: &fakeRunner{}})
			ack := &fakeAcknowledger{}

			w.dispatch(amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(tt.body)})

			acks, nacks := ack.counts()
			assert.Equal(t, tt.wantAcks, acks)
			assert.Equal(t, tt.wantNacks, nacks)
			for _, requeue := range ack.requeue {
				assert.False(t, requeue)
			}
			assert.Equal(t, tt.wantWake, len(w.wake) == 1)
		})
	}
}

func TestWorker_WakeDoesNotBlock(t *testing.T) {
	w := newTestWorker(&Config{Jobs: &fakeRunner{}, Concurrency: 2})

	for i := 0; i < 10; i++ {
		w.wakeRunners()
	}
	assert.Len(t, w.wake, 2)
}

func TestWorker_ConsumerError(t *testing.T) {
	w := newTestWorker(&Config{
		Jobs:     &fakeRunner{},
		Consumer: &fakeConsumer{err: errors.New("channel closed")},
	})

	err := w.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start consuming")
}

func TestWorker_NotificationRunsJob(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemory()
	m := metrics.New(prometheus.NewRegistry())

	var recorded atomic.Int32
	registry := jobs.NewRegistry()
	registry.Register("record", func(ctx context.Context, step jobs.StepContext) error {
		recorded.Add(1)
		return step.Log.Text(ctx, "recorded")
	})
	catalog, err := jobs.ParseCatalog([]byte(`
actions:
  - id: record
    name: Record
    steps:
      - function: record
`), registry)
	require.NoError(t, err)

	service := jobs.NewService(store, catalog, registry, jobs.NewShellExecutor(0), jobs.Config{Namespace: "site"}, m, logger.NewDiscard())

	deliveries := make(chan amqp.Delivery, 1)
	w := newTestWorker(&Config{
		Jobs:         service,
		Metrics:      m,
		Consumer:     &fakeConsumer{deliveries: deliveries},
		Concurrency:  1,
		PollInterval: time.Hour,
	})
	start(t, w)

	job, err := service.Enqueue(ctx, "user1", "record", nil)
	require.NoError(t, err)
	deliveries <- amqp.Delivery{
		Acknowledger: &fakeAcknowledger{},
		Body:         []byte(`{"job_id":"` + job.ID + `"}`),
	}

	assert.Eventually(t, func() bool {
		entries, err := service.ListLogs(ctx, job.ID, 0)
		return err == nil && len(entries) > 0 && entries[len(entries)-1].Tombstone
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), recorded.Load())
}
