package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/watchsync/internal/casqueue"
)

// DefaultLogTTL is how long a job log stays readable after its last entry.
const DefaultLogTTL = 24 * time.Hour

// LogEntry is one line of a job log. Exactly one of the content fields is set.
type LogEntry struct {
	Heading   string  `json:"heading,omitempty"`
	HTML      string  `json:"html,omitempty"`
	Text      string  `json:"text,omitempty"`
	PreText   string  `json:"pre_text,omitempty"`
	Tombstone bool    `json:"tombstone,omitempty"`
	Time      float64 `json:"time"`
}

// Kind names the content field that is set.
func (e LogEntry) Kind() string {
	switch {
	case e.Tombstone:
		return "tombstone"
	case e.Heading != "":
		return "heading"
	case e.HTML != "":
		return "html"
	case e.PreText != "":
		return "pre_text"
	default:
		return "text"
	}
}

// Log is the append-only log of one job, kept in its own expiring queue.
type Log struct {
	queue *casqueue.Queue
	now   func() time.Time
}

func (l *Log) Heading(ctx context.Context, heading string) error {
	return l.Append(ctx, LogEntry{Heading: heading})
}

func (l *Log) HTML(ctx context.Context, html string) error {
	return l.Append(ctx, LogEntry{HTML: html})
}

func (l *Log) Text(ctx context.Context, text string) error {
	return l.Append(ctx, LogEntry{Text: text})
}

func (l *Log) PreText(ctx context.Context, text string) error {
	return l.Append(ctx, LogEntry{PreText: text})
}

// Tombstone marks the job finished. It is always the last entry.
func (l *Log) Tombstone(ctx context.Context) error {
	return l.Append(ctx, LogEntry{Tombstone: true})
}

// Append writes entry, stamping it with the current time if it has none.
func (l *Log) Append(ctx context.Context, entry LogEntry) error {
	if entry.Time == 0 {
		entry.Time = unixSeconds(l.now())
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode log entry: %w", err)
	}
	if err := l.queue.Push(ctx, string(data)); err != nil {
		return fmt.Errorf("failed to write job log: %w", err)
	}
	return nil
}

// Entries returns the whole log in write order. Undecodable lines are skipped.
func (l *Log) Entries(ctx context.Context) ([]LogEntry, error) {
	records, _, err := l.queue.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read job log: %w", err)
	}

	entries := make([]LogEntry, 0, len(records))
	for _, record := range records {
		var entry LogEntry
		if err := json.Unmarshal([]byte(record), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Since returns the entries written after since (unix seconds). A zero since returns them all.
func (l *Log) Since(ctx context.Context, since float64) ([]LogEntry, error) {
	entries, err := l.Entries(ctx)
	if err != nil || since == 0 {
		return entries, err
	}

	start := len(entries)
	for start > 0 && entries[start-1].Time > since {
		start--
	}
	return entries[start:], nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
