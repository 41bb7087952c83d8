package handler

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuongbtq/watchsync/internal/jobs"
)

// JobCursor marks the last job of a page. Pages run newest first, ordered by time and then id.
type JobCursor struct {
	Time  float64
	JobID string
}

// before reports whether job comes after the cursor in newest-first order
func (c *JobCursor) before(job jobs.Job) bool {
	if job.Time != c.Time {
		return job.Time < c.Time
	}
	return job.ID < c.JobID
}

func DecodeJobCursor(cursorStr string) (*JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 || decodedParts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	createdAt, err := strconv.ParseFloat(decodedParts[0], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid time in cursor: %w", err)
	}

	return &JobCursor{
		Time:  createdAt,
		JobID: decodedParts[1],
	}, nil
}

func EncodeJobCursor(cursor *JobCursor) string {
	cs := strconv.FormatFloat(cursor.Time, 'f', -1, 64) + "|" + cursor.JobID
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}
