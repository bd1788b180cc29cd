package dto

import (
	"time"

	"github.com/noah-isme/gema-grader/internal/queue"
)

// JobResponse describes a queued evaluation job for operators.
type JobResponse struct {
	ID           string     `json:"id"`
	SubmissionID uint       `json:"submission_id"`
	Status       string     `json:"status"`
	Priority     int        `json:"priority"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	Progress     int        `json:"progress"`
	LastError    string     `json:"last_error,omitempty"`
	TriggeredBy  string     `json:"triggered_by"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	StartedAt    *time.Time `json:"started_at"`
	NextRunAt    *time.Time `json:"next_run_at"`
	FinishedAt   *time.Time `json:"finished_at"`
}

// NewJobResponse converts a queue job.
func NewJobResponse(job queue.Job) JobResponse {
	return JobResponse{
		ID:           job.ID,
		SubmissionID: job.Payload.SubmissionID,
		Status:       string(job.Status),
		Priority:     job.Priority,
		Attempts:     job.Attempts,
		MaxAttempts:  job.MaxAttempts,
		Progress:     job.Progress,
		LastError:    job.LastError,
		TriggeredBy:  job.Payload.TriggeredBy,
		EnqueuedAt:   job.EnqueuedAt,
		StartedAt:    job.StartedAt,
		NextRunAt:    job.NextRunAt,
		FinishedAt:   job.FinishedAt,
	}
}

// NewJobResponseSlice converts a list of queue jobs.
func NewJobResponseSlice(jobs []queue.Job) []JobResponse {
	responses := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		responses = append(responses, NewJobResponse(job))
	}
	return responses
}

// QueueStatsResponse reports queue depth per state.
type QueueStatsResponse struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
	Dead    int64 `json:"dead"`
}
