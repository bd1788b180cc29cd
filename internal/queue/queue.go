package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
)

const (
	// HighestPriority is served first.
	HighestPriority = 1
	// LowestPriority is served last.
	LowestPriority = 10
	// DefaultPriority applies when the caller does not choose one.
	DefaultPriority = 5

	defaultPrefix             = "grader:jobs"
	defaultMaxAttempts        = 3
	defaultBaseBackoff        = 5 * time.Second
	defaultMaxBackoff         = 5 * time.Minute
	defaultCompletedRetention = 24 * time.Hour

	priorityBand = 1e13
)

var (
	// ErrEmpty is returned by Reserve when no job is ready.
	ErrEmpty = errors.New("queue empty")
	// ErrDuplicateJob is returned when a job id is already known to the queue.
	ErrDuplicateJob = errors.New("duplicate job id")
	// ErrJobNotFound is returned when a job id is unknown or has expired.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotRetryable is returned when an operator retries a job that is neither dead nor active.
	ErrNotRetryable = errors.New("job is not dead or stuck")
	// ErrInvalidPriority is returned for priorities outside 1..10.
	ErrInvalidPriority = errors.New("priority must be between 1 and 10")
	// ErrLeaseLost is returned when a worker settles a job it no longer holds, for example
	// after an operator requeued it.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue closed")
)

// Payload is the work description carried by a job.
type Payload struct {
	SubmissionID  uint   `json:"submission_id"`
	ExamID        uint   `json:"exam_id"`
	StudentID     uint   `json:"student_id"`
	TriggeredBy   string `json:"triggered_by"`
	CorrelationID string `json:"correlation_id"`
	Priority      int    `json:"priority"`
}

// EnqueueOptions tunes a single enqueue call.
type EnqueueOptions struct {
	Priority int
	JobID    string
}

// Job is the queue's view of one unit of work.
type Job struct {
	ID          string           `json:"id"`
	Payload     Payload          `json:"payload"`
	Priority    int              `json:"priority"`
	Status      models.JobStatus `json:"status"`
	Attempts    int              `json:"attempts"`
	MaxAttempts int              `json:"max_attempts"`
	Progress    int              `json:"progress"`
	Lease       string           `json:"lease,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	EnqueuedAt  time.Time        `json:"enqueued_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	NextRunAt   *time.Time       `json:"next_run_at,omitempty"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
}

// Exhausted reports whether the job has used all of its attempts.
func (j Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// Stats counts jobs per queue state.
type Stats struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
	Dead    int64 `json:"dead"`
}

// Client is the durable job queue used by the API and the worker pool.
type Client interface {
	Open(ctx context.Context) error
	Close() error
	Enqueue(ctx context.Context, payload Payload, opts EnqueueOptions) (string, error)
	Reserve(ctx context.Context) (Job, error)
	// Progress, Complete and Fail settle the reservation returned by Reserve and fail
	// with ErrLeaseLost once the job has been requeued or reserved again.
	Progress(ctx context.Context, held Job, percent int) error
	Complete(ctx context.Context, held Job) error
	Fail(ctx context.Context, held Job, cause error, retryable bool) (Job, error)
	Retry(ctx context.Context, id string) (Job, error)
	Get(ctx context.Context, id string) (Job, error)
	ListDead(ctx context.Context, limit int64) ([]Job, error)
	ListStuck(ctx context.Context, threshold time.Duration) ([]Job, error)
	Stats(ctx context.Context) (Stats, error)
}

// Options configures queue behaviour shared by every client implementation.
type Options struct {
	Prefix             string
	MaxAttempts        int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	CompletedRetention time.Duration
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = defaultPrefix
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = defaultBaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = defaultMaxBackoff
	}
	if o.CompletedRetention <= 0 {
		o.CompletedRetention = defaultCompletedRetention
	}
	return o
}

// Backoff returns the delay before the next run after the given attempt number.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func normalizePriority(priority int) (int, error) {
	if priority == 0 {
		return DefaultPriority, nil
	}
	if priority < HighestPriority || priority > LowestPriority {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidPriority, priority)
	}
	return priority, nil
}

// readyScore orders jobs by priority first and by enqueue sequence within a priority.
func readyScore(priority int, seq int64) float64 {
	return float64(priority)*priorityBand + float64(seq)
}

func newJob(id string, payload Payload, priority int, opts Options, now time.Time) Job {
	payload.Priority = priority
	return Job{
		ID:          id,
		Payload:     payload,
		Priority:    priority,
		Status:      models.JobStatusQueued,
		MaxAttempts: opts.MaxAttempts,
		EnqueuedAt:  now,
	}
}

func markActive(job *Job, now time.Time, lease string) {
	job.Attempts++
	job.Status = models.JobStatusActive
	job.Progress = 0
	job.Lease = lease
	job.StartedAt = &now
	job.NextRunAt = nil
}

func markCompleted(job *Job, now time.Time) {
	job.Status = models.JobStatusCompleted
	job.Progress = 100
	job.LastError = ""
	job.FinishedAt = &now
}

// markFailed records the failure and reports whether the job should be dead-lettered.
func markFailed(job *Job, cause error, retryable bool, opts Options, now time.Time) bool {
	if cause != nil {
		job.LastError = cause.Error()
	}
	if retryable && !job.Exhausted() {
		next := now.Add(Backoff(job.Attempts, opts.BaseBackoff, opts.MaxBackoff))
		job.Status = models.JobStatusRetrying
		job.NextRunAt = &next
		return false
	}
	job.Status = models.JobStatusFailed
	job.NextRunAt = nil
	job.FinishedAt = &now
	return true
}

func markRequeued(job *Job) {
	job.Attempts = 0
	job.Status = models.JobStatusQueued
	job.Progress = 0
	job.Lease = ""
	job.StartedAt = nil
	job.NextRunAt = nil
	job.FinishedAt = nil
}

// holds reports whether the stored job is still the active reservation described by held.
func holds(stored, held Job) bool {
	return stored.Status == models.JobStatusActive && stored.Lease != "" && stored.Lease == held.Lease
}

func clampProgress(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
