package jobs

import (
	"encoding/json"
	"fmt"
)

// Queue base names inside a namespace.
const (
	JobQueueName = "_actions"
	JobListName  = "_action_list"
	jobLogPrefix = "_action/"
)

// Job is a validated request to run an action. It never changes after enqueue.
type Job struct {
	ID     string            `json:"id"`
	User   string            `json:"user"`
	Action string            `json:"action"`
	Params map[string]string `json:"params"`
	Time   float64           `json:"time"`
}

func (j Job) encode() (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}
	return string(data), nil
}

func decodeJob(record string) (Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(record), &job); err != nil {
		return Job{}, fmt.Errorf("failed to decode job: %w", err)
	}
	if job.ID == "" {
		return Job{}, fmt.Errorf("failed to decode job: missing id")
	}
	return job, nil
}
