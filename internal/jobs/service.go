package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/watchsync/internal/blobstore"
	"github.com/cuongbtq/watchsync/internal/casqueue"
	"github.com/cuongbtq/watchsync/internal/metrics"
)

const defaultCompactBatchSize = 50

// Config holds job queue settings
type Config struct {
	Namespace        string
	LogTTL           time.Duration
	CompactBatchSize int
}

// Notifier is told about every enqueued job so idle runners can wake up early.
type Notifier interface {
	NotifyJobEnqueued(ctx context.Context, job Job) error
}

// CompactStats summarises one job-list compaction.
type CompactStats struct {
	Before  int
	Kept    int
	Skipped bool
}

// Service owns the job queue, the job list and the per-job logs.
type Service struct {
	store    blobstore.Store
	actions  ActionProvider
	registry *Registry
	executor Executor
	notifier Notifier
	queue    *casqueue.Queue
	list     *casqueue.Queue
	config   Config
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithNotifier(notifier Notifier) Option {
	return func(s *Service) {
		s.notifier = notifier
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(store blobstore.Store, actions ActionProvider, registry *Registry, executor Executor, config Config, m *metrics.Metrics, logger *slog.Logger, opts ...Option) *Service {
	if config.LogTTL <= 0 {
		config.LogTTL = DefaultLogTTL
	}
	if config.CompactBatchSize <= 0 {
		config.CompactBatchSize = defaultCompactBatchSize
	}

	logger = logger.With(slog.String("component", "jobs"))
	s := &Service{
		store:    store,
		actions:  actions,
		registry: registry,
		executor: executor,
		queue:    casqueue.New(store, casqueue.Name(config.Namespace, JobQueueName), logger),
		list:     casqueue.New(store, casqueue.Name(config.Namespace, JobListName), logger),
		config:   config,
		now:      time.Now,
		metrics:  m,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue validates a request against the action's form and queues it.
func (s *Service) Enqueue(ctx context.Context, user, actionID string, params map[string]string) (Job, error) {
	action, ok := s.actions.Action(actionID)
	if !ok {
		return Job{}, &ValidationError{Field: "action", Reason: "not found"}
	}

	validated, err := Validate(action, params)
	if err != nil {
		return Job{}, err
	}

	job := Job{
		ID:     uuid.NewString(),
		User:   user,
		Action: actionID,
		Params: validated,
		Time:   unixSeconds(s.now()),
	}
	record, err := job.encode()
	if err != nil {
		return Job{}, err
	}

	if err := s.queue.Push(ctx, record); err != nil {
		return Job{}, fmt.Errorf("failed to enqueue job: %w", err)
	}
	s.metrics.JobsEnqueued.Inc()

	if err := s.list.Push(ctx, record); err != nil {
		// The job still runs; it is only missing from listings.
		s.logger.Error("Failed to add job to job list",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}

	s.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("action", job.Action),
		slog.String("user", job.User),
	)

	if s.notifier != nil {
		if err := s.notifier.NotifyJobEnqueued(ctx, job); err != nil {
			s.logger.Warn("Failed to notify runners, they will pick the job up on their next poll",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		}
	}
	return job, nil
}

// RunNext pops one job and runs it. ran is false when the queue is empty or another runner
// won the pop. A failing step is returned as a *StepError after it has been logged.
func (s *Service) RunNext(ctx context.Context) (Job, bool, error) {
	record, ok, err := s.queue.Pop(ctx)
	if err != nil {
		return Job{}, false, fmt.Errorf("failed to pop job: %w", err)
	}
	if !ok {
		return Job{}, false, nil
	}

	job, err := decodeJob(record)
	if err != nil {
		return Job{}, false, err
	}
	return job, true, s.Run(ctx, job)
}

// Run executes the steps of job, writing progress to its log. The log always ends with a
// tombstone, whatever happens to the steps.
func (s *Service) Run(ctx context.Context, job Job) (err error) {
	log := s.OpenLog(job.ID)
	logger := s.logger.With(
		slog.String("job_id", job.ID),
		slog.String("action", job.Action),
	)
	s.metrics.JobsRun.Inc()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
			_ = log.PreText(context.WithoutCancel(ctx), err.Error())
		}
		if err != nil {
			s.metrics.JobsFailed.Inc()
			logger.Warn("Job failed", slog.Any("error", err))
		}
		if tombErr := log.Tombstone(context.WithoutCancel(ctx)); tombErr != nil {
			logger.Error("Failed to write job tombstone", slog.Any("error", tombErr))
		}
	}()

	action, ok := s.actions.Action(job.Action)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownAction, job.Action)
		_ = log.PreText(ctx, err.Error())
		return err
	}

	logger.Info("Running job", slog.Int("steps", len(action.Steps)))

	for i, step := range action.Steps {
		if err := log.Heading(ctx, fmt.Sprintf("Running step %d: %s", i, step.Name())); err != nil {
			return &StepError{Step: i, Name: step.Name(), Err: err}
		}

		var stepErr error
		if len(step.RunCommand) > 0 {
			stepErr = s.runCommand(ctx, log, step, job.Params)
		} else {
			stepErr = s.runFunction(ctx, log, step, job)
		}
		if stepErr != nil {
			_ = log.PreText(ctx, stepErr.Error())
			return &StepError{Step: i, Name: step.Name(), Err: stepErr}
		}
	}

	logger.Info("Job completed")
	return nil
}

func (s *Service) runCommand(ctx context.Context, log *Log, step Step, params map[string]string) error {
	argv, err := expandCommand(step.RunCommand, params)
	if err != nil {
		return err
	}

	rendered, err := json.Marshal(argv)
	if err != nil {
		return fmt.Errorf("failed to render command: %w", err)
	}
	if err := log.Text(ctx, "Running command: "+string(rendered)); err != nil {
		return err
	}

	result, err := s.executor.Run(ctx, argv)
	if err != nil {
		return err
	}

	if err := log.Text(ctx, fmt.Sprintf("Return code: %d", result.ExitCode)); err != nil {
		return err
	}
	if len(result.Stdout) > 0 {
		if err := log.HTML(ctx, "<br /><strong>stdout:</strong>"); err != nil {
			return err
		}
		if err := log.Text(ctx, string(result.Stdout)); err != nil {
			return err
		}
	}
	if len(result.Stderr) > 0 {
		if err := log.HTML(ctx, "<br /><strong>stderr:</strong>"); err != nil {
			return err
		}
		if err := log.Text(ctx, string(result.Stderr)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) runFunction(ctx context.Context, log *Log, step Step, job Job) error {
	fn, ok := s.registry.Lookup(step.Function)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFunction, step.Function)
	}
	return fn(ctx, StepContext{
		Job:     job,
		Params:  job.Params,
		Kwargs:  step.Kwargs,
		Log:     log,
		Service: s,
	})
}

// OpenLog returns the log of jobID. Writing to it refreshes its expiry.
func (s *Service) OpenLog(jobID string) *Log {
	return &Log{
		queue: casqueue.New(s.store, s.logKey(jobID), s.logger, casqueue.WithTTL(s.config.LogTTL)),
		now:   s.now,
	}
}

func (s *Service) logKey(jobID string) string {
	return casqueue.Name(s.config.Namespace, jobLogPrefix+jobID)
}

// ListLogs returns the log entries of a job written after since; since zero means all.
func (s *Service) ListLogs(ctx context.Context, jobID string, since float64) ([]LogEntry, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidJobID, jobID)
	}
	return s.OpenLog(jobID).Since(ctx, since)
}

// CompactJobList drops jobs whose log has expired from the job list. Jobs younger than the
// log TTL are always kept so that queued jobs without a log yet survive. Losing the final
// compare-and-swap skips the cycle.
func (s *Service) CompactJobList(ctx context.Context) (CompactStats, error) {
	var stats CompactStats

	records, version, err := s.list.Snapshot(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to read job list: %w", err)
	}
	if version == 0 {
		s.logger.Warn("Job list missing, skipping compaction")
		stats.Skipped = true
		return stats, nil
	}
	stats.Before = len(records)

	cutoff := unixSeconds(s.now().Add(-s.config.LogTTL))
	keep := make([]bool, len(records))
	var (
		oldKeys  []string
		oldIndex []int
	)
	for i, record := range records {
		job, err := decodeJob(record)
		if err != nil {
			s.logger.Warn("Dropping undecodable job list entry", slog.Any("error", err))
			continue
		}
		if job.Time > cutoff {
			keep[i] = true
			continue
		}
		oldKeys = append(oldKeys, s.logKey(job.ID))
		oldIndex = append(oldIndex, i)
	}

	for start := 0; start < len(oldKeys); start += s.config.CompactBatchSize {
		end := min(start+s.config.CompactBatchSize, len(oldKeys))
		found, err := s.store.GetMany(ctx, oldKeys[start:end])
		if err != nil {
			return stats, fmt.Errorf("failed to look up job logs: %w", err)
		}
		for j := start; j < end; j++ {
			if _, ok := found[oldKeys[j]]; ok {
				keep[oldIndex[j]] = true
			}
		}
	}

	kept := make([]string, 0, len(records))
	for i, record := range records {
		if keep[i] {
			kept = append(kept, record)
		}
	}
	stats.Kept = len(kept)
	s.metrics.JobListSize.Set(float64(len(kept)))

	if len(kept) == len(records) {
		return stats, nil
	}

	ok, err := s.list.Replace(ctx, kept, version)
	if err != nil {
		return stats, fmt.Errorf("failed to write job list: %w", err)
	}
	if !ok {
		s.logger.Info("Job list changed during compaction, skipping this cycle")
		stats.Skipped = true
		return stats, nil
	}

	s.logger.Info("Compacted job list",
		slog.Int("before", stats.Before),
		slog.Int("kept", stats.Kept),
	)
	return stats, nil
}

// ListJobs returns the listed jobs of user, oldest first. An empty user returns every job.
func (s *Service) ListJobs(ctx context.Context, user string) ([]Job, error) {
	records, _, err := s.list.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read job list: %w", err)
	}

	var jobs []Job
	for _, record := range records {
		job, err := decodeJob(record)
		if err != nil {
			continue
		}
		if user == "" || job.User == user {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// FindJob looks a job of user up in the job list.
func (s *Service) FindJob(ctx context.Context, user, jobID string) (Job, bool, error) {
	jobs, err := s.ListJobs(ctx, user)
	if err != nil {
		return Job{}, false, err
	}
	for _, job := range jobs {
		if job.ID == jobID {
			return job, true, nil
		}
	}
	return Job{}, false, nil
}

// Pending returns the number of queued jobs. The count may be stale.
func (s *Service) Pending(ctx context.Context) (int, error) {
	return s.queue.Size(ctx)
}

// Actions returns the actions offered to users when the provider can list them.
func (s *Service) Actions() []Action {
	lister, ok := s.actions.(interface{ Listed() []Action })
	if !ok {
		return nil
	}
	return lister.Listed()
}
