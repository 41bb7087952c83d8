package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/watchsync/internal/blobstore"
	"github.com/cuongbtq/watchsync/internal/config"
	"github.com/cuongbtq/watchsync/internal/objectstore"
	"github.com/cuongbtq/watchsync/internal/userstate"
	"github.com/cuongbtq/watchsync/internal/worker"
	"github.com/cuongbtq/watchsync/shared/logger"
)

const catalog = `
actions:
  - id: flush
    name: Flush user state
    steps:
      - function: flush_user_state
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	path := filepath.Join(t.TempDir(), "actions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o600))

	return &config.Config{
		App:     config.AppConfig{Name: "watchsync", Namespace: "site"},
		Cache:   config.StoreConfig{Driver: config.DriverMemory},
		Durable: config.StoreConfig{Driver: config.DriverMemory},
		Buffer:  config.BufferConfig{Enabled: true, Attempts: 3, RetryDelay: time.Millisecond},
		Jobs:    config.JobsConfig{CatalogPath: path},
	}
}

func TestNew_MemoryDrivers(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), logger.NewDiscard())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.DB)
	assert.Nil(t, a.Rabbit)
	require.NotNil(t, a.Buffer)
	assert.Nil(t, a.Purger(), "the memory store expires keys on its own")

	_, _, err = a.UserState.Write(ctx, "alice", userstate.State{"s": {{ID: "a", TS: 1}}})
	require.NoError(t, err)

	pending, err := a.Buffer.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "writes go through the buffer when it is enabled")

	// the flush action from the catalog drains the buffer
	job, err := a.Jobs.Enqueue(ctx, "admin", "flush", nil)
	require.NoError(t, err)
	_, ran, err := a.Jobs.RunNext(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	pending, err = a.Buffer.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	entries, err := a.Jobs.ListLogs(ctx, job.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.True(t, entries[len(entries)-1].Tombstone)
}

func TestNew_BufferDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Buffer.Enabled = false

	a, err := New(ctx, cfg, logger.NewDiscard())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Buffer)

	job, err := a.Jobs.Enqueue(ctx, "admin", "flush", nil)
	require.NoError(t, err)
	_, ran, err := a.Jobs.RunNext(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	entries, err := a.Jobs.ListLogs(ctx, job.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "Write buffer disabled, nothing to upload", entries[1].Text)
}

func TestWorkerConfig_SingleProcess(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Worker = config.WorkerConfig{Concurrency: 1, PollInterval: 10 * time.Millisecond, CompactInterval: time.Hour, PurgeInterval: time.Hour}
	cfg.Buffer.FlushInterval = time.Hour

	a, err := New(ctx, cfg, logger.NewDiscard())
	require.NoError(t, err)
	defer a.Close()

	assert.Empty(t, a.HealthCheckers())

	wc := a.WorkerConfig(cfg, "test-worker")
	assert.Equal(t, "test-worker", wc.WorkerID)
	assert.Nil(t, wc.Consumer, "no consumer without rabbitmq")
	assert.Nil(t, wc.Purger)
	require.NotNil(t, wc.Buffer)

	w := worker.NewWorker(wc)
	runCtx, cancel := context.WithCancel(ctx)
	go func() { _ = w.Start(runCtx) }()
	defer func() {
		cancel()
		w.Stop()
	}()

	// the worker shares this process's stores, so it sees jobs enqueued here
	job, err := a.Jobs.Enqueue(ctx, "admin", "flush", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, err := a.Jobs.ListLogs(ctx, job.ID, 0)
		return err == nil && len(entries) > 0 && entries[len(entries)-1].Tombstone
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNew_EmbeddedDrivers(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Cache = config.StoreConfig{Driver: config.DriverBadger, Path: filepath.Join(t.TempDir(), "badger")}
	cfg.Durable = config.StoreConfig{Driver: config.DriverPebble, Path: filepath.Join(t.TempDir(), "pebble")}
	cfg.Buffer.Enabled = false

	a, err := New(ctx, cfg, logger.NewDiscard())
	require.NoError(t, err)

	assert.IsType(t, &blobstore.Badger{}, a.Fast)
	assert.IsType(t, &objectstore.Pebble{}, a.Durable)

	_, _, err = a.UserState.Write(ctx, "alice", userstate.State{"s": {{ID: "a", TS: 1}}})
	require.NoError(t, err)

	key, err := a.UserState.Key("alice")
	require.NoError(t, err)
	_, found, err := a.Durable.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, found, "writes go straight to the durable store without a buffer")

	require.NoError(t, a.Close())
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
		errIs  error
	}{
		{
			name:   "unknown cache driver",
			mutate: func(cfg *config.Config) { cfg.Cache.Driver = "memcached" },
			errIs:  blobstore.ErrUnknownDriver,
		},
		{
			name:   "unknown durable driver",
			mutate: func(cfg *config.Config) { cfg.Durable.Driver = "s3" },
			errIs:  objectstore.ErrUnknownDriver,
		},
		{
			name:   "missing catalog",
			mutate: func(cfg *config.Config) { cfg.Jobs.CatalogPath = filepath.Join(t.TempDir(), "missing.yaml") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)

			a, err := New(context.Background(), cfg, logger.NewDiscard())
			require.Error(t, err)
			assert.Nil(t, a)
			if tt.errIs != nil {
				assert.ErrorIs(t, err, tt.errIs)
			}
		})
	}
}

func TestRabbitConfig(t *testing.T) {
	cfg := &config.RabbitMQConfig{
		Host:       "mq",
		Port:       5672,
		User:       "guest",
		Password:   "guest",
		VHost:      "/",
		Exchange:   config.ExchangeConfig{Name: "jobs_exchange", Type: "direct", Durable: true},
		Queue:      config.QueueConfig{Name: "job_notifications", Durable: true},
		RoutingKey: "job.enqueued",
		Publish:    config.PublishConfig{RetryAttempts: 5, RetryInterval: time.Second, BackoffMultiplier: 1.5},
		Consumer:   config.ConsumerConfig{PrefetchCount: 8},
	}

	rc := RabbitConfig(cfg)
	assert.Equal(t, "jobs_exchange", rc.ExchangeName)
	assert.True(t, rc.ExchangeDurable)
	assert.Equal(t, "job_notifications", rc.QueueName)
	assert.Equal(t, "job.enqueued", rc.RoutingKey)
	assert.Equal(t, 5, rc.PublishRetries)
	assert.Equal(t, 1.5, rc.PublishBackoffMult)
	assert.Equal(t, 8, rc.PrefetchCount)
}

func TestPostgresConfig(t *testing.T) {
	pc := PostgresConfig(&config.DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "require"})
	assert.Equal(t, "postgres://u:p@db:5432/d?sslmode=require", pc.DSN())
}
