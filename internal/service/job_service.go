package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/queue"
	"github.com/noah-isme/gema-grader/internal/repository"
)

const defaultDeadListLimit = 50

// JobService exposes queue inspection and manual retry to operators.
type JobService interface {
	Stats(ctx context.Context) (dto.QueueStatsResponse, error)
	ListDead(ctx context.Context, limit int64) ([]dto.JobResponse, error)
	ListStuck(ctx context.Context) ([]dto.JobResponse, error)
	RetryJob(ctx context.Context, jobID string) (dto.JobResponse, error)
}

type jobService struct {
	queue          queue.Client
	evaluations    repository.EvaluationRepository
	stuckThreshold time.Duration
	logger         zerolog.Logger
	now            func() time.Time
}

// NewJobService constructs the operator job service.
func NewJobService(q queue.Client, evaluations repository.EvaluationRepository, stuckThreshold time.Duration, logger zerolog.Logger) JobService {
	if stuckThreshold <= 0 {
		stuckThreshold = 5 * time.Minute
	}
	return &jobService{
		queue:          q,
		evaluations:    evaluations,
		stuckThreshold: stuckThreshold,
		logger:         logger.With().Str("component", "job_service").Logger(),
		now:            time.Now,
	}
}

func (s *jobService) Stats(ctx context.Context) (dto.QueueStatsResponse, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return dto.QueueStatsResponse{}, err
	}
	return dto.QueueStatsResponse{
		Ready:   stats.Ready,
		Delayed: stats.Delayed,
		Active:  stats.Active,
		Dead:    stats.Dead,
	}, nil
}

func (s *jobService) ListDead(ctx context.Context, limit int64) ([]dto.JobResponse, error) {
	if limit <= 0 {
		limit = defaultDeadListLimit
	}
	jobs, err := s.queue.ListDead(ctx, limit)
	if err != nil {
		return nil, err
	}
	return dto.NewJobResponseSlice(jobs), nil
}

func (s *jobService) ListStuck(ctx context.Context) ([]dto.JobResponse, error) {
	jobs, err := s.queue.ListStuck(ctx, s.stuckThreshold)
	if err != nil {
		return nil, err
	}
	return dto.NewJobResponseSlice(jobs), nil
}

// RetryJob requeues a dead or stuck job and resets the job state on its evaluation.
func (s *jobService) RetryJob(ctx context.Context, jobID string) (dto.JobResponse, error) {
	job, err := s.queue.Retry(ctx, jobID)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrJobNotFound):
			return dto.JobResponse{}, ErrJobNotFound
		case errors.Is(err, queue.ErrNotRetryable):
			return dto.JobResponse{}, fmt.Errorf("%w (job %s)", ErrEvaluationNotRetryable, jobID)
		}
		return dto.JobResponse{}, err
	}

	record, err := s.evaluations.GetBySubmission(ctx, job.Payload.SubmissionID)
	switch {
	case err == nil && record.JobID == job.ID && record.Status == models.EvaluationStatusPending:
		if err := s.evaluations.Requeue(ctx, record.ID, job.ID, s.now().UTC()); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Error().Err(err).Str("job_id", job.ID).Uint("evaluation_id", record.ID).Msg("failed to reset evaluation job state")
		}
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to load evaluation for retried job")
	}

	s.logger.Info().Str("job_id", job.ID).Uint("submission_id", job.Payload.SubmissionID).Msg("job requeued by operator")
	return dto.NewJobResponse(job), nil
}
