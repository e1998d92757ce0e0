package models

import "time"

const (
	JobStateRunning = "running"
	JobStatePending = "pending"
)

// Job is the in-memory record of one tracked asynchronous unit of work.
// It is owned exclusively by the jobs.Tracker in a single process and is
// never persisted or shared across processes; crashed-process jobs come
// back through upstream queue redelivery, not from here.
type Job struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	State      string         `json:"state"`
	Data       map[string]any `json:"data,omitempty"`
	Retries    int            `json:"retries"`
	MaxRetries int            `json:"max_retries"`
	Timeout    time.Duration  `json:"timeout"`
	StartedAt  time.Time      `json:"started_at"`
	Err        string         `json:"error,omitempty"`
}

// Elapsed reports how long the job has been running.
func (j *Job) Elapsed(now time.Time) time.Duration {
	return now.Sub(j.StartedAt)
}

// TimedOut reports whether the job has exceeded its timeout.
func (j *Job) TimedOut(now time.Time) bool {
	return j.Timeout > 0 && j.Elapsed(now) > j.Timeout
}
