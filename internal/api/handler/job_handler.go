package handler

import (
	"cmp"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/watchsync/internal/api/dto"
	"github.com/cuongbtq/watchsync/internal/jobs"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListActions handles GET /api/v1/actions
// Returns the actions a user may run, with the forms to fill in
func (h *JobHandler) ListActions(c *gin.Context) {
	actions := h.jobs.Actions()
	if actions == nil {
		actions = []jobs.Action{}
	}
	c.JSON(http.StatusOK, dto.ListActionsResponse{Actions: actions})
}

// CreateJob handles POST /api/v1/jobs
// Validates the form and queues the action for the worker
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job, err := h.jobs.Enqueue(c.Request.Context(), userKey(c), req.Action, req.Params)
	if err != nil {
		respondError(c, h.logger, "create job", err)
		return
	}

	c.JSON(http.StatusAccepted, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists the caller's jobs, newest first, with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	all, err := h.jobs.ListJobs(c.Request.Context(), userKey(c))
	if err != nil {
		respondError(c, h.logger, "list jobs", err)
		return
	}

	page, hasMore := paginate(all, cursor, req.PageSize)

	jobResponse := make([]dto.JobDTO, len(page))
	for i, job := range page {
		jobResponse[i] = toJobDTO(job)
	}

	var nextCursor string
	if hasMore {
		last := page[len(page)-1]
		nextCursor = EncodeJobCursor(&JobCursor{Time: last.Time, JobID: last.ID})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// paginate sorts jobs newest first and returns the page after cursor
func paginate(all []jobs.Job, cursor *JobCursor, pageSize int) ([]jobs.Job, bool) {
	sorted := slices.Clone(all)
	slices.SortFunc(sorted, func(a, b jobs.Job) int {
		if c := cmp.Compare(b.Time, a.Time); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	if cursor != nil {
		start := len(sorted)
		for i, job := range sorted {
			if cursor.before(job) {
				start = i
				break
			}
		}
		sorted = sorted[start:]
	}

	if len(sorted) > pageSize {
		return sorted[:pageSize], true
	}
	return sorted, false
}

// GetJobLogs handles GET /api/v1/jobs/:job_id/logs
// Returns the log entries written after ?since= (unix seconds)
func (h *JobHandler) GetJobLogs(c *gin.Context) {
	jobID := c.Param("job_id")

	var req dto.JobLogsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "since must be a number",
		})
		return
	}

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	ctx := c.Request.Context()

	// logs are only readable by the user who queued the job
	_, found, err := h.jobs.FindJob(ctx, userKey(c), jobID)
	if err != nil {
		respondError(c, h.logger, "read job logs", err)
		return
	}
	if !found {
		respondError(c, h.logger, "read job logs", fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID))
		return
	}

	entries, err := h.jobs.ListLogs(ctx, jobID, req.Since)
	if err != nil {
		respondError(c, h.logger, "read job logs", err)
		return
	}

	done := len(entries) > 0 && entries[len(entries)-1].Tombstone
	if entries == nil {
		entries = []jobs.LogEntry{}
	}

	c.JSON(http.StatusOK, dto.JobLogsResponse{
		JobID:   jobID,
		Entries: entries,
		Done:    done,
	})
}

func toJobDTO(job jobs.Job) dto.JobDTO {
	params := job.Params
	if params == nil {
		params = map[string]string{}
	}
	sec := int64(job.Time)
	nsec := int64((job.Time - float64(sec)) * 1e9)
	return dto.JobDTO{
		JobID:     job.ID,
		Action:    job.Action,
		Params:    params,
		CreatedAt: time.Unix(sec, nsec).UTC().Format(time.RFC3339),
	}
}
