package handler

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/watchsync/internal/jobs"
	"github.com/cuongbtq/watchsync/internal/userstate"
)

// UserKeyContextKey is where the router stores the caller's user key
const UserKeyContextKey = "user_key"

// UserStateService reads and merges per-user state
type UserStateService interface {
	Read(ctx context.Context, userKey string) (userstate.State, bool, error)
	Write(ctx context.Context, userKey string, incoming userstate.State) (userstate.State, bool, error)
}

// JobService queues jobs and exposes their logs
type JobService interface {
	Enqueue(ctx context.Context, user, actionID string, params map[string]string) (jobs.Job, error)
	ListJobs(ctx context.Context, user string) ([]jobs.Job, error)
	FindJob(ctx context.Context, user, jobID string) (jobs.Job, bool, error)
	ListLogs(ctx context.Context, jobID string, since float64) ([]jobs.LogEntry, error)
	Actions() []jobs.Action
}

// HealthChecker is a backing service the health endpoint reports on
type HealthChecker interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	ServiceName    string
	UserState      UserStateService
	Jobs           JobService
	HealthCheckers []HealthChecker
}

// StateHandler handles user state requests
type StateHandler struct {
	logger    *slog.Logger
	userState UserStateService
}

func NewStateHandler(deps *Dependencies) *StateHandler {
	return &StateHandler{
		logger:    deps.Logger,
		userState: deps.UserState,
	}
}

// JobHandler handles action and job requests
type JobHandler struct {
	logger *slog.Logger
	jobs   JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

func userKey(c *gin.Context) string {
	return c.GetString(UserKeyContextKey)
}
