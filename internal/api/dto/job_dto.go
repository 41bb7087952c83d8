package dto

import "github.com/cuongbtq/watchsync/internal/jobs"

type CreateJobRequest struct {
	Action string            `json:"action" binding:"required"`
	Params map[string]string `json:"params"`
}

type ListJobsRequest struct {
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID     string            `json:"job_id"`
	Action    string            `json:"action"`
	Params    map[string]string `json:"params"`
	CreatedAt string            `json:"created_at"`
}

type JobLogsRequest struct {
	Since float64 `form:"since"`
}

type JobLogsResponse struct {
	JobID   string          `json:"job_id"`
	Entries []jobs.LogEntry `json:"entries"`
	// Done is set once the log ends with its tombstone
	Done bool `json:"done"`
}

type ListActionsResponse struct {
	Actions []jobs.Action `json:"actions"`
}
