// Package jobs tracks long-running asynchronous operations inside one
// process: registration, completion, bounded retries with dead-lettering,
// cooperative timeouts, and graceful-shutdown draining. State is purely
// local; cross-process coordination belongs to the lock and dedup packages.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tickettoken/coordination/internal/metrics"
	"github.com/tickettoken/coordination/pkg/models"
)

const (
	DefaultTimeout       = 60 * time.Second
	DefaultMaxRetries    = 3
	DefaultSweepInterval = 5 * time.Second

	// drainPollInterval is the coarse interval Shutdown uses while waiting
	// for active jobs to finish.
	drainPollInterval = 100 * time.Millisecond

	// durationWindow caps the ring buffer backing the running average.
	durationWindow = 1000
)

// ErrShuttingDown is returned by Register once shutdown has begun.
var ErrShuttingDown = errors.New("tracker is shutting down")

// EventKind names a job lifecycle transition.
type EventKind string

const (
	EventRegistered EventKind = "registered"
	EventCompleted  EventKind = "completed"
	EventRetry      EventKind = "retry"
	EventFailed     EventKind = "failed"
	EventCancelled  EventKind = "cancelled"
	EventTimedOut   EventKind = "timed_out"
	EventDeadLetter EventKind = "dead_letter"
)

// Event is delivered to subscribers on every lifecycle transition. Job is a
// copy of the record at transition time.
type Event struct {
	Kind     EventKind
	Job      models.Job
	Result   any
	Reason   string
	Duration time.Duration
}

// Options override the tracker defaults for a single job. Zero values fall
// back to the tracker's defaults.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
}

// Snapshot is a point-in-time view of the tracker's counters.
type Snapshot struct {
	Registered      int64            `json:"registered"`
	Active          int              `json:"active"`
	Completed       int64            `json:"completed"`
	Failed          int64            `json:"failed"`
	Cancelled       int64            `json:"cancelled"`
	TimedOut        int64            `json:"timed_out"`
	ByType          map[string]int64 `json:"by_type"`
	AverageDuration time.Duration    `json:"average_duration"`
}

// Tracker is the per-process job registry. Safe for concurrent use.
// Construct one per process and inject it; there is no package-level
// instance.
type Tracker struct {
	defaultTimeout    time.Duration
	defaultMaxRetries int
	metrics           *metrics.Metrics

	mu          sync.RWMutex
	jobs        map[string]*models.Job
	subscribers []func(Event)

	registered int64
	completed  int64
	failed     int64
	cancelled  int64
	timedOut   int64
	byType     map[string]int64

	durations [durationWindow]time.Duration
	durIdx    int
	durCount  int

	shuttingDown bool

	sweepStop chan struct{}
	sweepDone chan struct{}
	stopOnce  sync.Once
}

// New creates a Tracker and starts its timeout sweep. Call Shutdown to stop
// the sweep and drain active jobs.
func New(defaultTimeout time.Duration, defaultMaxRetries int, sweepInterval time.Duration, m *metrics.Metrics) *Tracker {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if defaultMaxRetries <= 0 {
		defaultMaxRetries = DefaultMaxRetries
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	t := &Tracker{
		defaultTimeout:    defaultTimeout,
		defaultMaxRetries: defaultMaxRetries,
		metrics:           m,
		jobs:              make(map[string]*models.Job),
		byType:            make(map[string]int64),
		sweepStop:         make(chan struct{}),
		sweepDone:         make(chan struct{}),
	}

	go t.sweepLoop(sweepInterval)
	return t
}

// Subscribe registers fn for lifecycle events. Subscribers are invoked
// synchronously on the goroutine performing the transition, so fn must be
// fast and must not call back into the tracker. Register subscribers at
// wiring time, before jobs start flowing.
func (t *Tracker) Subscribe(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers = append(t.subscribers, fn)
}

// Register starts tracking a job. Registering an id that is already tracked
// returns the existing job and logs a warning instead of erroring, so a
// redelivered queue message does not double-count. Fails with
// ErrShuttingDown once Shutdown has begun.
func (t *Tracker) Register(id, jobType string, data map[string]any, opts Options) (*models.Job, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = t.defaultMaxRetries
	}

	t.mu.Lock()
	if t.shuttingDown {
		t.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if existing, ok := t.jobs[id]; ok {
		t.mu.Unlock()
		slog.Warn("job already registered", "job_id", id, "job_type", existing.Type)
		return existing, nil
	}

	job := &models.Job{
		ID:         id,
		Type:       jobType,
		State:      models.JobStateRunning,
		Data:       data,
		MaxRetries: maxRetries,
		Timeout:    timeout,
		StartedAt:  time.Now(),
	}
	t.jobs[id] = job
	t.registered++
	t.byType[jobType]++
	t.metrics.JobsRegistered.WithLabelValues(jobType).Inc()
	t.metrics.JobsActive.Set(float64(len(t.jobs)))
	t.mu.Unlock()

	slog.Info("job registered", "job_id", id, "job_type", jobType, "timeout", timeout)
	t.emit(Event{Kind: EventRegistered, Job: *job})
	return job, nil
}

// Complete removes the job and records its duration. Unknown ids are a
// logged no-op, which keeps completion handlers safe to call after a
// timeout sweep already removed the job.
func (t *Tracker) Complete(id string, result any) {
	t.mu.Lock()
	job, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		slog.Warn("complete called for unknown job", "job_id", id)
		return
	}
	delete(t.jobs, id)
	duration := time.Since(job.StartedAt)
	t.recordDuration(duration)
	t.completed++
	t.metrics.JobsCompleted.WithLabelValues(job.Type).Inc()
	t.metrics.JobDuration.Observe(duration.Seconds())
	t.metrics.JobsActive.Set(float64(len(t.jobs)))
	snapshot := *job
	t.mu.Unlock()

	slog.Info("job completed", "job_id", id, "job_type", snapshot.Type, "duration_ms", duration.Milliseconds())
	t.emit(Event{Kind: EventCompleted, Job: snapshot, Result: result, Duration: duration})
}

// Fail records a failure. Under the retry limit the job re-enters pending
// and an EventRetry fires; at the limit the job is removed and dead-lettered.
// Only cause's message is retained.
func (t *Tracker) Fail(id string, cause error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	t.mu.Lock()
	job, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		slog.Warn("fail called for unknown job", "job_id", id)
		return
	}

	job.Retries++
	job.Err = msg

	if job.Retries < job.MaxRetries {
		job.State = models.JobStatePending
		t.metrics.JobsRetried.WithLabelValues(job.Type).Inc()
		snapshot := *job
		t.mu.Unlock()

		slog.Warn("job failed, will retry",
			"job_id", id, "job_type", snapshot.Type,
			"retries", snapshot.Retries, "max_retries", snapshot.MaxRetries,
			"error", msg,
		)
		t.emit(Event{Kind: EventRetry, Job: snapshot})
		return
	}

	delete(t.jobs, id)
	t.failed++
	t.metrics.JobsFailed.WithLabelValues(job.Type).Inc()
	t.metrics.JobsDeadLetter.WithLabelValues(job.Type).Inc()
	t.metrics.JobsActive.Set(float64(len(t.jobs)))
	snapshot := *job
	t.mu.Unlock()

	slog.Error("job failed permanently, dead-lettering",
		"job_id", id, "job_type", snapshot.Type,
		"retries", snapshot.Retries, "error", msg,
	)
	t.emit(Event{Kind: EventFailed, Job: snapshot})
	t.emit(Event{Kind: EventDeadLetter, Job: snapshot})
}

// Cancel terminally removes the job without retry.
func (t *Tracker) Cancel(id, reason string) {
	t.mu.Lock()
	job, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		slog.Warn("cancel called for unknown job", "job_id", id)
		return
	}
	delete(t.jobs, id)
	t.cancelled++
	t.metrics.JobsCancelled.WithLabelValues(job.Type).Inc()
	t.metrics.JobsActive.Set(float64(len(t.jobs)))
	snapshot := *job
	t.mu.Unlock()

	slog.Info("job cancelled", "job_id", id, "job_type", snapshot.Type, "reason", reason)
	t.emit(Event{Kind: EventCancelled, Job: snapshot, Reason: reason})
}

// Get returns a snapshot of the active job with the given id. Accessors
// return copies so callers never observe a job mid-transition; the tracker
// keeps the only live record.
func (t *Tracker) Get(id string) (*models.Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	job, ok := t.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *job
	return &cp, true
}

// ActiveJobs returns snapshots of all currently tracked jobs (running or
// pending retry).
func (t *Tracker) ActiveJobs() []*models.Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*models.Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		cp := *j
		out = append(out, &cp)
	}
	return out
}

// JobsByType returns snapshots of the active jobs of one type.
func (t *Tracker) JobsByType(jobType string) []*models.Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*models.Job
	for _, j := range t.jobs {
		if j.Type == jobType {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out
}

// ActiveCount returns the number of tracked jobs.
func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

// HasActive reports whether any job is still tracked.
func (t *Tracker) HasActive() bool {
	return t.ActiveCount() > 0
}

// Metrics returns a snapshot of the tracker's counters.
func (t *Tracker) Metrics() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byType := make(map[string]int64, len(t.byType))
	for k, v := range t.byType {
		byType[k] = v
	}

	var avg time.Duration
	if t.durCount > 0 {
		var total time.Duration
		for i := 0; i < t.durCount; i++ {
			total += t.durations[i]
		}
		avg = total / time.Duration(t.durCount)
	}

	return Snapshot{
		Registered:      t.registered,
		Active:          len(t.jobs),
		Completed:       t.completed,
		Failed:          t.failed,
		Cancelled:       t.cancelled,
		TimedOut:        t.timedOut,
		ByType:          byType,
		AverageDuration: avg,
	}
}

// Shutdown blocks new registrations, stops the timeout sweep, and waits for
// active jobs to drain, polling at a coarse interval. When ctx expires every
// remaining job is force-cancelled. Timeouts here are cooperative: the
// tracker drops its bookkeeping, it does not abort the underlying work.
func (t *Tracker) Shutdown(ctx context.Context) {
	t.mu.Lock()
	t.shuttingDown = true
	t.mu.Unlock()

	t.stopSweep()

	for {
		if !t.HasActive() {
			slog.Info("tracker drained")
			return
		}
		select {
		case <-ctx.Done():
			remaining := t.ActiveJobs()
			slog.Warn("shutdown grace expired, force-cancelling jobs", "count", len(remaining))
			for _, j := range remaining {
				t.Cancel(j.ID, "shutdown")
			}
			return
		case <-time.After(drainPollInterval):
		}
	}
}

// Reset clears all tracker state, including the shutting-down flag. The
// timeout sweep is not restarted; Reset exists for test isolation.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs = make(map[string]*models.Job)
	t.byType = make(map[string]int64)
	t.registered, t.completed, t.failed, t.cancelled, t.timedOut = 0, 0, 0, 0, 0
	t.durIdx, t.durCount = 0, 0
	t.shuttingDown = false
	t.metrics.JobsActive.Set(0)
}

func (t *Tracker) sweepLoop(interval time.Duration) {
	defer close(t.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweepTimeouts(time.Now())
		case <-t.sweepStop:
			return
		}
	}
}

// sweepTimeouts removes every job past its timeout and dead-letters it.
func (t *Tracker) sweepTimeouts(now time.Time) {
	t.mu.Lock()
	var expired []models.Job
	for id, job := range t.jobs {
		if job.TimedOut(now) {
			delete(t.jobs, id)
			t.timedOut++
			t.metrics.JobsTimedOut.WithLabelValues(job.Type).Inc()
			t.metrics.JobsDeadLetter.WithLabelValues(job.Type).Inc()
			expired = append(expired, *job)
		}
	}
	if len(expired) > 0 {
		t.metrics.JobsActive.Set(float64(len(t.jobs)))
	}
	t.mu.Unlock()

	for _, job := range expired {
		slog.Error("job timed out",
			"job_id", job.ID, "job_type", job.Type,
			"elapsed_ms", job.Elapsed(now).Milliseconds(),
			"timeout_ms", job.Timeout.Milliseconds(),
		)
		t.emit(Event{Kind: EventTimedOut, Job: job})
		t.emit(Event{Kind: EventDeadLetter, Job: job})
	}
}

func (t *Tracker) stopSweep() {
	t.stopOnce.Do(func() {
		close(t.sweepStop)
		<-t.sweepDone
	})
}

// recordDuration appends to the capped ring buffer. Caller holds t.mu.
func (t *Tracker) recordDuration(d time.Duration) {
	t.durations[t.durIdx] = d
	t.durIdx = (t.durIdx + 1) % durationWindow
	if t.durCount < durationWindow {
		t.durCount++
	}
}

func (t *Tracker) emit(ev Event) {
	t.mu.RLock()
	subs := make([]func(Event), len(t.subscribers))
	copy(subs, t.subscribers)
	t.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}
