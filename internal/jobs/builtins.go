package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/cuongbtq/watchsync/internal/userstate"
)

// Flusher is the part of the write buffer that the flush_user_state step drives.
type Flusher interface {
	Flush(ctx context.Context) (userstate.FlushStats, error)
	Pending(ctx context.Context) (int, error)
}

// RegisterBuiltins registers the functions every deployment provides. With a nil flusher
// writes are never buffered and flush_user_state only says so.
func RegisterBuiltins(r *Registry, flusher Flusher) {
	if flusher != nil {
		r.Register("flush_user_state", flushUserState(flusher))
	} else {
		r.Register("flush_user_state", func(ctx context.Context, step StepContext) error {
			return step.Log.Text(ctx, "Write buffer disabled, nothing to upload")
		})
	}
	r.Register("wait", wait)
	r.Register("list_jobs", listJobs)
	r.Register("fetch_job_logs", fetchJobLogs)
}

func flushUserState(flusher Flusher) StepFunc {
	return func(ctx context.Context, step StepContext) error {
		pending, err := flusher.Pending(ctx)
		if err != nil {
			return err
		}
		if err := step.Log.Text(ctx, fmt.Sprintf("Uploading %d items", pending)); err != nil {
			return err
		}

		stats, err := flusher.Flush(ctx)
		if err != nil {
			return err
		}

		pending, err = flusher.Pending(ctx)
		if err != nil {
			return err
		}
		return step.Log.Text(ctx, fmt.Sprintf("Done! Uploaded %d, skipped %d. Current queue length: %d items",
			stats.Uploaded, stats.Gaps, pending))
	}
}

// wait sleeps for the "seconds" kwarg.
func wait(ctx context.Context, step StepContext) error {
	var seconds float64
	switch v := step.Kwargs["seconds"].(type) {
	case int:
		seconds = float64(v)
	case float64:
		seconds = v
	case nil:
		return fmt.Errorf("wait: missing seconds")
	default:
		return fmt.Errorf("wait: seconds must be a number, got %T", v)
	}

	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// listJobs renders the caller's jobs as an HTML table whose rows link to their logs.
func listJobs(ctx context.Context, step StepContext) error {
	jobs, err := step.Service.ListJobs(ctx, step.Job.User)
	if err != nil {
		return err
	}

	var out strings.Builder
	out.WriteString("<table>")
	for _, job := range jobs {
		params, err := json.Marshal(map[string]string{"job_id": job.ID})
		if err != nil {
			return err
		}
		fmt.Fprintf(&out,
			`<tr><td><a href="#" data-action="fetch_job_logs" data-params="%s" class="action_link format_time" title="%s">%s</a></td><td>%s</td></tr>`,
			html.EscapeString(string(params)),
			html.EscapeString(job.ID),
			time.Unix(int64(job.Time), 0).UTC().Format(time.RFC3339),
			html.EscapeString(job.Action),
		)
	}
	out.WriteString("</table>")
	return step.Log.HTML(ctx, out.String())
}

// fetchJobLogs copies the log of another job of the same user into this job's log.
func fetchJobLogs(ctx context.Context, step StepContext) error {
	jobID := step.Params["job_id"]
	if err := step.Log.Text(ctx, "Fetching "+jobID); err != nil {
		return err
	}

	_, found, err := step.Service.FindJob(ctx, step.Job.User, jobID)
	if err != nil {
		return err
	}
	if !found {
		return step.Log.Text(ctx, "Job not found")
	}

	entries, err := step.Service.ListLogs(ctx, jobID, 0)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		// Only this job's own tombstone may end its log.
		if entry.Tombstone {
			continue
		}
		if err := step.Log.Append(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}
