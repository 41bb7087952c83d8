package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cuongbtq/watchsync/internal/api/handler"
	"github.com/cuongbtq/watchsync/internal/metrics"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, m *metrics.Metrics, gatherer prometheus.Gatherer) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(MetricsMiddleware(m))
	r.Use(CORSMiddleware())

	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler(gatherer)))

	stateHandler := handler.NewStateHandler(deps)
	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes, all scoped to the caller's user key
	v1 := r.Group("/api/v1")
	v1.Use(UserKeyMiddleware())
	{
		v1.GET("/state", stateHandler.GetState)
		v1.POST("/state", stateHandler.WriteState)

		v1.GET("/actions", jobHandler.ListActions)

		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Queue an action
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List the caller's jobs
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id/logs - Read a job's log
			jobs.GET("/:job_id/logs", jobHandler.GetJobLogs)
		}
	}

	return r
}
