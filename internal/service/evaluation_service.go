package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/events"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/queue"
	"github.com/noah-isme/gema-grader/internal/repository"
)

// DefaultReviewThreshold flags evaluations whose average confidence is below it.
const DefaultReviewThreshold = 0.5

// EvaluationService drives the evaluation lifecycle from request to finalization.
type EvaluationService interface {
	// RequestEvaluation creates the evaluation and queues its grading job. A submission
	// that already has an evaluation is rejected with ErrEvaluationExists, except when the
	// evaluation is still pending and its job has failed: that request requeues the same
	// job with a fresh attempt budget, or enqueues a new one if the job state has expired,
	// and keeps the existing evaluation record.
	RequestEvaluation(ctx context.Context, payload dto.EvaluationTriggerRequest, actor Actor, correlationID string) (dto.EvaluationResponse, error)
	Get(ctx context.Context, evaluationID uint) (dto.EvaluationResponse, error)
	GetBySubmission(ctx context.Context, submissionID uint) (dto.EvaluationResponse, error)
	Finalize(ctx context.Context, evaluationID uint, actor Actor) (dto.EvaluationResponse, error)
	Retry(ctx context.Context, evaluationID uint, actor Actor) (dto.EvaluationResponse, error)
}

// EvaluationServiceConfig groups the service collaborators.
type EvaluationServiceConfig struct {
	Evaluations     repository.EvaluationRepository
	Submissions     repository.SubmissionRepository
	Reconciliation  ReconciliationService
	Queue           queue.Client
	Publisher       events.Publisher
	Validator       *validator.Validate
	ReviewThreshold float64
	StuckThreshold  time.Duration
	Logger          zerolog.Logger
}

type evaluationService struct {
	evaluations     repository.EvaluationRepository
	submissions     repository.SubmissionRepository
	reconciliation  ReconciliationService
	queue           queue.Client
	publisher       events.Publisher
	validator       *validator.Validate
	reviewThreshold float64
	stuckThreshold  time.Duration
	logger          zerolog.Logger
	tracer          trace.Tracer
	now             func() time.Time
	newJobID        func() string
}

// NewEvaluationService constructs the evaluation lifecycle service.
func NewEvaluationService(cfg EvaluationServiceConfig) EvaluationService {
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}
	threshold := cfg.ReviewThreshold
	if threshold <= 0 {
		threshold = DefaultReviewThreshold
	}
	stuck := cfg.StuckThreshold
	if stuck <= 0 {
		stuck = 5 * time.Minute
	}

	return &evaluationService{
		evaluations:     cfg.Evaluations,
		submissions:     cfg.Submissions,
		reconciliation:  cfg.Reconciliation,
		queue:           cfg.Queue,
		publisher:       publisher,
		validator:       cfg.Validator,
		reviewThreshold: threshold,
		stuckThreshold:  stuck,
		logger:          cfg.Logger.With().Str("component", "evaluation_service").Logger(),
		tracer:          otel.Tracer("github.com/noah-isme/gema-grader/internal/service/evaluation"),
		now:             time.Now,
		newJobID:        uuid.NewString,
	}
}

func (s *evaluationService) RequestEvaluation(ctx context.Context, payload dto.EvaluationTriggerRequest, actor Actor, correlationID string) (dto.EvaluationResponse, error) {
	ctx, span := s.tracer.Start(ctx, "evaluation.request", trace.WithAttributes(
		attribute.Int64("submission.id", int64(payload.SubmissionID)),
		attribute.Int64("actor.id", int64(actor.ID)),
	))
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.EvaluationResponse{}, err
	}

	submission, err := s.submissions.GetByID(ctx, payload.SubmissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.EvaluationResponse{}, ErrSubmissionNotFound
		}
		span.RecordError(err)
		return dto.EvaluationResponse{}, err
	}

	existing, err := s.evaluations.GetBySubmission(ctx, submission.ID)
	switch {
	case err == nil:
		if existing.Status == models.EvaluationStatusPending && existing.JobStatus == models.JobStatusFailed {
			return s.requeue(ctx, existing, actor)
		}
		span.SetStatus(codes.Error, "duplicate_request")
		return dto.EvaluationResponse{}, fmt.Errorf("%w (evaluation %d is %s)", ErrEvaluationExists, existing.ID, existing.Status)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		span.RecordError(err)
		return dto.EvaluationResponse{}, err
	}

	if submission.Status != models.SubmissionStatusFinalized {
		span.SetStatus(codes.Error, "submission_not_finalized")
		return dto.EvaluationResponse{}, fmt.Errorf("%w (status %s)", ErrSubmissionNotFinalized, submission.Status)
	}

	queuedAt := s.now().UTC()
	record := models.Evaluation{
		SubmissionID:  submission.ID,
		ExamID:        submission.ExamID,
		StudentID:     submission.StudentID,
		Status:        models.EvaluationStatusPending,
		JobID:         s.newJobID(),
		JobStatus:     models.JobStatusQueued,
		TriggeredBy:   triggeredBy(actor),
		CorrelationID: correlationID,
		QueuedAt:      &queuedAt,
	}
	if err := s.evaluations.Create(ctx, &record); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return dto.EvaluationResponse{}, ErrEvaluationExists
		}
		span.RecordError(err)
		return dto.EvaluationResponse{}, err
	}

	if _, err := s.queue.Enqueue(ctx, queue.Payload{
		SubmissionID:  submission.ID,
		ExamID:        submission.ExamID,
		StudentID:     submission.StudentID,
		TriggeredBy:   record.TriggeredBy,
		CorrelationID: correlationID,
	}, queue.EnqueueOptions{Priority: payload.Priority, JobID: record.JobID}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue_failed")
		if stateErr := s.evaluations.UpdateJobState(ctx, record.ID, repository.JobState{Status: models.JobStatusFailed, Error: err.Error()}); stateErr != nil {
			s.logger.Error().Err(stateErr).Uint("evaluation_id", record.ID).Msg("failed to record enqueue failure")
		}
		return dto.EvaluationResponse{}, fmt.Errorf("enqueue evaluation job: %w", err)
	}

	s.publisher.Publish(ctx, events.Event{
		Type:         events.TypeQueued,
		EvaluationID: record.ID,
		SubmissionID: record.SubmissionID,
		Status:       string(record.Status),
	})
	s.logger.Info().
		Uint("evaluation_id", record.ID).
		Uint("submission_id", record.SubmissionID).
		Str("job_id", record.JobID).
		Str("correlation_id", correlationID).
		Msg("evaluation queued")

	return dto.NewEvaluationResponse(record, s.reviewThreshold), nil
}

func (s *evaluationService) Get(ctx context.Context, evaluationID uint) (dto.EvaluationResponse, error) {
	record, err := s.reconciliation.ApplyOverridesToEvaluation(ctx, evaluationID)
	if err != nil {
		return dto.EvaluationResponse{}, err
	}
	return dto.NewEvaluationResponse(record, s.reviewThreshold), nil
}

func (s *evaluationService) GetBySubmission(ctx context.Context, submissionID uint) (dto.EvaluationResponse, error) {
	record, err := s.evaluations.GetBySubmission(ctx, submissionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.EvaluationResponse{}, ErrEvaluationNotFound
		}
		return dto.EvaluationResponse{}, err
	}
	return s.Get(ctx, record.ID)
}

func (s *evaluationService) Finalize(ctx context.Context, evaluationID uint, actor Actor) (dto.EvaluationResponse, error) {
	ctx, span := s.tracer.Start(ctx, "evaluation.finalize", trace.WithAttributes(
		attribute.Int64("evaluation.id", int64(evaluationID)),
		attribute.Int64("actor.id", int64(actor.ID)),
	))
	defer span.End()

	record, err := s.reconciliation.ApplyOverridesToEvaluation(ctx, evaluationID)
	if err != nil {
		span.RecordError(err)
		return dto.EvaluationResponse{}, err
	}

	status, err := models.TransitionEvaluation(record.Status, models.EvaluationStatusFinalized)
	if err != nil {
		span.SetStatus(codes.Error, "invalid_transition")
		return dto.EvaluationResponse{}, fmt.Errorf("%w: %v", ErrEvaluationNotFinalizable, err)
	}

	finalizedAt := s.now().UTC()
	finalizedBy := actor.ID
	record.Status = status
	record.FinalizedAt = &finalizedAt
	record.FinalizedBy = &finalizedBy

	if err := s.evaluations.Finalize(ctx, &record); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.EvaluationResponse{}, ErrEvaluationNotFinalizable
		}
		span.RecordError(err)
		return dto.EvaluationResponse{}, err
	}

	s.publisher.Publish(ctx, events.Event{
		Type:         events.TypeFinalized,
		EvaluationID: record.ID,
		SubmissionID: record.SubmissionID,
		Status:       string(record.Status),
		TotalScore:   record.TotalScore,
	})
	s.logger.Info().Uint("evaluation_id", record.ID).Uint("finalized_by", actor.ID).Msg("evaluation finalized")

	return dto.NewEvaluationResponse(record, s.reviewThreshold), nil
}

// Retry requeues the job of a pending evaluation whose job failed or is stuck.
func (s *evaluationService) Retry(ctx context.Context, evaluationID uint, actor Actor) (dto.EvaluationResponse, error) {
	record, err := s.evaluations.GetByID(ctx, evaluationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.EvaluationResponse{}, ErrEvaluationNotFound
		}
		return dto.EvaluationResponse{}, err
	}
	if record.Status != models.EvaluationStatusPending {
		return dto.EvaluationResponse{}, fmt.Errorf("%w (status %s)", ErrEvaluationNotRetryable, record.Status)
	}

	switch record.JobStatus {
	case models.JobStatusFailed:
		return s.requeue(ctx, record, actor)
	case models.JobStatusActive:
		job, err := s.queue.Get(ctx, record.JobID)
		if err != nil && !errors.Is(err, queue.ErrJobNotFound) {
			return dto.EvaluationResponse{}, err
		}
		if err == nil && (job.StartedAt == nil || s.now().Sub(*job.StartedAt) < s.stuckThreshold) {
			return dto.EvaluationResponse{}, fmt.Errorf("%w (job %s is still running)", ErrEvaluationNotRetryable, record.JobID)
		}
		return s.requeue(ctx, record, actor)
	default:
		return dto.EvaluationResponse{}, fmt.Errorf("%w (job %s)", ErrEvaluationNotRetryable, record.JobStatus)
	}
}

// requeue gives the evaluation a fresh attempt budget. The existing job is reused when
// the queue still holds it; otherwise a new job is enqueued.
func (s *evaluationService) requeue(ctx context.Context, record models.Evaluation, actor Actor) (dto.EvaluationResponse, error) {
	jobID := record.JobID
	if _, err := s.queue.Retry(ctx, jobID); err != nil {
		if !errors.Is(err, queue.ErrJobNotFound) {
			return dto.EvaluationResponse{}, fmt.Errorf("retry job %s: %w", jobID, err)
		}
		jobID = s.newJobID()
		if _, err := s.queue.Enqueue(ctx, queue.Payload{
			SubmissionID:  record.SubmissionID,
			ExamID:        record.ExamID,
			StudentID:     record.StudentID,
			TriggeredBy:   triggeredBy(actor),
			CorrelationID: record.CorrelationID,
		}, queue.EnqueueOptions{JobID: jobID}); err != nil {
			return dto.EvaluationResponse{}, fmt.Errorf("enqueue evaluation job: %w", err)
		}
	}

	queuedAt := s.now().UTC()
	if err := s.evaluations.Requeue(ctx, record.ID, jobID, queuedAt); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.EvaluationResponse{}, ErrEvaluationNotRetryable
		}
		return dto.EvaluationResponse{}, err
	}

	record.JobID = jobID
	record.JobStatus = models.JobStatusQueued
	record.JobError = ""
	record.JobAttempts = 0
	record.QueuedAt = &queuedAt

	s.publisher.Publish(ctx, events.Event{
		Type:         events.TypeQueued,
		EvaluationID: record.ID,
		SubmissionID: record.SubmissionID,
		Status:       string(record.Status),
	})
	s.logger.Info().Uint("evaluation_id", record.ID).Str("job_id", jobID).Uint("actor_id", actor.ID).Msg("evaluation requeued")

	return dto.NewEvaluationResponse(record, s.reviewThreshold), nil
}

func triggeredBy(actor Actor) string {
	if actor.ID == 0 {
		return "system"
	}
	return fmt.Sprintf("%s:%d", actor.Role, actor.ID)
}
