package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/evaluation"
	"github.com/noah-isme/gema-grader/internal/events"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/queue"
	"github.com/noah-isme/gema-grader/internal/repository"
)

// Progress checkpoints reported while a job runs.
const (
	ProgressLoaded    = 10
	ProgressExecuting = 50
	ProgressValidated = 80
	ProgressDone      = 100

	maxLoggedPayload = 4096
	persistTimeout   = 10 * time.Second
)

// ProgressReporter records job progress. queue.Client satisfies it.
type ProgressReporter interface {
	Progress(ctx context.Context, held queue.Job, percent int) error
}

// ProcessorConfig groups the processor's collaborators.
type ProcessorConfig struct {
	Evaluations     repository.EvaluationRepository
	Submissions     repository.SubmissionRepository
	Exams           repository.ExamRepository
	Executor        Executor
	Validator       *evaluation.OutputValidator
	Publisher       events.Publisher
	Progress        ProgressReporter
	ReviewThreshold float64
	Logger          zerolog.Logger
}

// Processor runs the grading pipeline for one queued job.
type Processor struct {
	evaluations     repository.EvaluationRepository
	submissions     repository.SubmissionRepository
	exams           repository.ExamRepository
	executor        Executor
	validator       *evaluation.OutputValidator
	publisher       events.Publisher
	progress        ProgressReporter
	reviewThreshold float64
	logger          zerolog.Logger
	tracer          trace.Tracer
	now             func() time.Time
}

// NewProcessor wires the pipeline.
func NewProcessor(cfg ProcessorConfig) *Processor {
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}

	return &Processor{
		evaluations:     cfg.Evaluations,
		submissions:     cfg.Submissions,
		exams:           cfg.Exams,
		executor:        cfg.Executor,
		validator:       cfg.Validator,
		publisher:       publisher,
		progress:        cfg.Progress,
		reviewThreshold: cfg.ReviewThreshold,
		logger:          cfg.Logger.With().Str("component", "evaluation_processor").Logger(),
		tracer:          otel.Tracer("github.com/noah-isme/gema-grader/internal/worker"),
		now:             time.Now,
	}
}

// Process loads the submission, grades it, validates the output and stores the AI
// baseline. Processing a job whose evaluation is already graded is a no-op.
func (p *Processor) Process(ctx context.Context, job queue.Job) error {
	ctx, span := p.tracer.Start(ctx, "worker.process", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.Attempts),
		attribute.Int("submission.id", int(job.Payload.SubmissionID)),
	))
	defer span.End()

	logger := p.logger.With().
		Str("job_id", job.ID).
		Uint("submission_id", job.Payload.SubmissionID).
		Int("attempt", job.Attempts).
		Str("correlation_id", job.Payload.CorrelationID).
		Logger()

	err := p.process(ctx, job, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Processor) process(ctx context.Context, job queue.Job, logger zerolog.Logger) error {
	record, err := p.evaluations.GetBySubmission(ctx, job.Payload.SubmissionID)
	if err != nil {
		return notFound("evaluation", job.Payload.SubmissionID, err)
	}
	if record.Status.IsGraded() {
		logger.Info().Uint("evaluation_id", record.ID).Str("status", string(record.Status)).Msg("evaluation already graded; skipping")
		return nil
	}

	if err := p.evaluations.MarkProcessing(ctx, record.ID, job.Attempts, p.now().UTC()); err != nil {
		return fmt.Errorf("mark evaluation processing: %w", err)
	}

	submission, err := p.submissions.GetByID(ctx, job.Payload.SubmissionID)
	if err != nil {
		return notFound("submission", job.Payload.SubmissionID, err)
	}
	exam, err := p.exams.GetByID(ctx, submission.ExamID)
	if err != nil {
		return notFound("exam", submission.ExamID, err)
	}
	questions, err := p.exams.ListQuestions(ctx, exam.ID)
	if err != nil {
		return fmt.Errorf("load questions: %w", err)
	}

	input, err := evaluation.BuildInput(&submission, &exam, questions, submission.Answers)
	if err != nil {
		return err
	}
	p.reportProgress(ctx, job, ProgressLoaded, logger)

	p.reportProgress(ctx, job, ProgressExecuting, logger)
	raw, err := p.executor.Execute(ctx, input)
	if err != nil {
		return fmt.Errorf("execute grader: %w", err)
	}

	// grading may use the whole job deadline; storing the result gets its own budget
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	output, err := p.validator.Validate(raw, input)
	if err != nil {
		var violation *evaluation.ContractViolation
		if errors.As(err, &violation) {
			observability.ContractFailures().Inc()
			logger.Error().
				Strs("problems", violation.Problems).
				Str("payload", truncatePayload(violation.Raw)).
				Msg("grader output rejected")
		}
		return err
	}
	p.reportProgress(persistCtx, job, ProgressValidated, logger)

	results := evaluation.MapResults(output, input)
	totals := evaluation.ComputeTotals(results)

	applied, err := p.evaluations.SaveBaseline(persistCtx, record.ID, repository.Baseline{
		Results:           results,
		AITotalScore:      totals.AITotalScore,
		TotalScore:        totals.TotalScore,
		MaxScore:          totals.MaxScore,
		AverageConfidence: totals.AverageConfidence,
		EvaluatedAt:       p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("save evaluation baseline: %w", err)
	}
	p.reportProgress(persistCtx, job, ProgressDone, logger)

	if !applied {
		logger.Info().Uint("evaluation_id", record.ID).Msg("baseline already stored by an earlier attempt")
		return nil
	}

	if totals.AverageConfidence < p.reviewThreshold {
		observability.NeedsReview().Inc()
	}

	p.publisher.Publish(persistCtx, events.Event{
		Type:         events.TypeCompleted,
		EvaluationID: record.ID,
		SubmissionID: record.SubmissionID,
		Status:       string(models.EvaluationStatusAIEvaluated),
		TotalScore:   totals.TotalScore,
	})

	logger.Info().
		Uint("evaluation_id", record.ID).
		Float64("ai_total_score", totals.AITotalScore).
		Float64("average_confidence", totals.AverageConfidence).
		Msg("evaluation graded")
	return nil
}

// RecordFailure mirrors the queue's view of a failed attempt onto the evaluation and
// announces dead-lettered jobs.
func (p *Processor) RecordFailure(ctx context.Context, job queue.Job) {
	record, err := p.evaluations.GetBySubmission(ctx, job.Payload.SubmissionID)
	if err != nil {
		p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("cannot record job failure")
		return
	}
	if record.Status.IsGraded() {
		return
	}

	state := repository.JobState{Status: job.Status, Error: job.LastError, Attempts: job.Attempts}
	if err := p.evaluations.UpdateJobState(ctx, record.ID, state); err != nil {
		p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to persist job state")
		return
	}

	if job.Status == models.JobStatusFailed {
		p.publisher.Publish(ctx, events.Event{
			Type:         events.TypeFailed,
			EvaluationID: record.ID,
			SubmissionID: record.SubmissionID,
			Status:       string(record.Status),
			Error:        job.LastError,
		})
	}
}

func (p *Processor) reportProgress(ctx context.Context, job queue.Job, percent int, logger zerolog.Logger) {
	if p.progress == nil {
		return
	}
	if err := p.progress.Progress(ctx, job, percent); err != nil {
		logger.Debug().Err(err).Int("progress", percent).Msg("failed to report progress")
	}
}

func notFound(entity string, id uint, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d: %w", entity, id, evaluation.ErrNotFound)
	}
	return fmt.Errorf("load %s %d: %w", entity, id, err)
}

func truncatePayload(raw []byte) string {
	if len(raw) <= maxLoggedPayload {
		return string(raw)
	}
	return string(raw[:maxLoggedPayload]) + "...(truncated)"
}
