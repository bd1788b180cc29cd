package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/evaluation"
	"github.com/noah-isme/gema-grader/internal/events"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
)

const (
	minReasonRunes = 10
	maxReasonRunes = 1000
	scoreEpsilon   = 1e-9
)

// ReconciliationService applies reviewer overrides on top of the AI baseline. Every
// write replays the full override log, so results never drift from it.
type ReconciliationService interface {
	ReconcileQuestion(ctx context.Context, evaluationID uint, payload dto.OverrideRequest, reviewerID uint) (dto.ReconciliationResponse, error)
	ApplyOverridesToEvaluation(ctx context.Context, evaluationID uint) (models.Evaluation, error)
	RemoveOverride(ctx context.Context, evaluationID, questionID, reviewerID uint) (dto.ReconciliationResponse, error)
	ListOverrides(ctx context.Context, evaluationID uint) ([]dto.OverrideResponse, error)
}

type reconciliationService struct {
	evaluations repository.EvaluationRepository
	overrides   repository.OverrideRepository
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	publisher   events.Publisher
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewReconciliationService constructs the override reconciliation engine.
func NewReconciliationService(evaluations repository.EvaluationRepository, overrides repository.OverrideRepository, validate *validator.Validate, publisher events.Publisher, logger zerolog.Logger) ReconciliationService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &reconciliationService{
		evaluations: evaluations,
		overrides:   overrides,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		publisher:   publisher,
		logger:      logger.With().Str("component", "reconciliation_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-grader/internal/service/reconciliation"),
		now:         time.Now,
	}
}

func (s *reconciliationService) ReconcileQuestion(ctx context.Context, evaluationID uint, payload dto.OverrideRequest, reviewerID uint) (dto.ReconciliationResponse, error) {
	ctx, span := s.tracer.Start(ctx, "reconciliation.apply", trace.WithAttributes(
		attribute.Int64("evaluation.id", int64(evaluationID)),
		attribute.Int64("question.id", int64(payload.QuestionID)),
		attribute.Int64("reviewer.id", int64(reviewerID)),
	))
	defer span.End()

	if err := s.validator.Struct(payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.ReconciliationResponse{}, err
	}

	reason := strings.TrimSpace(s.sanitizer.Sanitize(payload.Reason))
	if count := utf8.RuneCountInString(reason); count < minReasonRunes || count > maxReasonRunes {
		err := &evaluation.ValidationError{Field: "reason", Reason: fmt.Sprintf("must be %d-%d characters after sanitization", minReasonRunes, maxReasonRunes)}
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation_failed")
		return dto.ReconciliationResponse{}, err
	}

	var feedback *string
	if payload.OverriddenFeedback != nil {
		if cleaned := strings.TrimSpace(s.sanitizer.Sanitize(*payload.OverriddenFeedback)); cleaned != "" {
			feedback = &cleaned
		}
	}

	var reconciled models.Evaluation
	err := s.evaluations.Transaction(ctx, func(evaluations repository.EvaluationRepository, overrides repository.OverrideRepository) error {
		current, err := s.lockEvaluation(ctx, evaluations, evaluationID)
		if err != nil {
			return err
		}
		if !current.Status.AllowsOverride() {
			return fmt.Errorf("%w (status %s)", ErrOverrideNotAllowed, current.Status)
		}

		result, ok := findResult(current, payload.QuestionID)
		if !ok {
			return ErrQuestionNotInEvaluation
		}

		score := *payload.OverriddenScore
		if math.IsNaN(score) || score < 0 || score > result.MaxScore+scoreEpsilon {
			return &evaluation.ValidationError{Field: "overridden_score", Reason: fmt.Sprintf("must be between 0 and %.2f", result.MaxScore)}
		}

		if _, err := overrides.GetActive(ctx, evaluationID, payload.QuestionID); err == nil {
			return ErrOverrideExists
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		override := models.ManualOverride{
			EvaluationID:    evaluationID,
			QuestionID:      payload.QuestionID,
			ReviewerID:      reviewerID,
			OriginalScore:   result.AIScore,
			OverriddenScore: score,
			MaxScore:        result.MaxScore,
			Reason:          reason,
			Feedback:        feedback,
			CreatedAt:       s.now().UTC(),
		}
		if err := overrides.Create(ctx, &override); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrOverrideExists
			}
			return err
		}

		status, err := models.TransitionEvaluation(current.Status, models.EvaluationStatusManuallyReviewed)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrOverrideNotAllowed, err)
		}
		current.Status = status

		active, err := overrides.ListActive(ctx, evaluationID)
		if err != nil {
			return err
		}
		reconciled, _ = Reconcile(current, active)
		return evaluations.SaveReconciled(ctx, &reconciled)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return dto.ReconciliationResponse{}, err
	}

	observability.Overrides().WithLabelValues("applied").Inc()
	s.publishOverridden(ctx, reconciled)
	s.logger.Info().
		Uint("evaluation_id", evaluationID).
		Uint("question_id", payload.QuestionID).
		Uint("reviewer_id", reviewerID).
		Float64("final_total_score", reconciled.TotalScore).
		Msg("override applied")

	return reconciliationResponse(reconciled), nil
}

func (s *reconciliationService) ApplyOverridesToEvaluation(ctx context.Context, evaluationID uint) (models.Evaluation, error) {
	ctx, span := s.tracer.Start(ctx, "reconciliation.replay", trace.WithAttributes(
		attribute.Int64("evaluation.id", int64(evaluationID)),
	))
	defer span.End()

	var reconciled models.Evaluation
	err := s.evaluations.Transaction(ctx, func(evaluations repository.EvaluationRepository, overrides repository.OverrideRepository) error {
		current, err := s.lockEvaluation(ctx, evaluations, evaluationID)
		if err != nil {
			return err
		}
		if !current.Status.IsGraded() {
			reconciled = current
			return nil
		}

		active, err := overrides.ListActive(ctx, evaluationID)
		if err != nil {
			return err
		}

		var changed bool
		reconciled, changed = Reconcile(current, active)
		span.SetAttributes(attribute.Bool("reconciliation.changed", changed))
		if !changed {
			return nil
		}
		s.logger.Warn().Uint("evaluation_id", evaluationID).Msg("stored results drifted from override log; repaired")
		return evaluations.SaveReconciled(ctx, &reconciled)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Evaluation{}, err
	}
	return reconciled, nil
}

func (s *reconciliationService) RemoveOverride(ctx context.Context, evaluationID, questionID, reviewerID uint) (dto.ReconciliationResponse, error) {
	ctx, span := s.tracer.Start(ctx, "reconciliation.remove", trace.WithAttributes(
		attribute.Int64("evaluation.id", int64(evaluationID)),
		attribute.Int64("question.id", int64(questionID)),
	))
	defer span.End()

	var reconciled models.Evaluation
	err := s.evaluations.Transaction(ctx, func(evaluations repository.EvaluationRepository, overrides repository.OverrideRepository) error {
		current, err := s.lockEvaluation(ctx, evaluations, evaluationID)
		if err != nil {
			return err
		}
		if !current.Status.AllowsOverride() {
			return fmt.Errorf("%w (status %s)", ErrOverrideNotAllowed, current.Status)
		}

		active, err := overrides.GetActive(ctx, evaluationID, questionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOverrideNotFound
			}
			return err
		}
		if err := overrides.MarkRemoved(ctx, active.ID, reviewerID, s.now().UTC()); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOverrideNotFound
			}
			return err
		}

		remaining, err := overrides.ListActive(ctx, evaluationID)
		if err != nil {
			return err
		}
		reconciled, _ = Reconcile(current, remaining)
		return evaluations.SaveReconciled(ctx, &reconciled)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return dto.ReconciliationResponse{}, err
	}

	observability.Overrides().WithLabelValues("removed").Inc()
	s.publishOverridden(ctx, reconciled)
	s.logger.Info().
		Uint("evaluation_id", evaluationID).
		Uint("question_id", questionID).
		Uint("reviewer_id", reviewerID).
		Msg("override removed")

	return reconciliationResponse(reconciled), nil
}

func (s *reconciliationService) ListOverrides(ctx context.Context, evaluationID uint) ([]dto.OverrideResponse, error) {
	if _, err := s.loadEvaluation(ctx, s.evaluations, evaluationID); err != nil {
		return nil, err
	}
	items, err := s.overrides.ListByEvaluation(ctx, evaluationID)
	if err != nil {
		return nil, err
	}
	return dto.NewOverrideResponseSlice(items), nil
}

func (s *reconciliationService) loadEvaluation(ctx context.Context, evaluations repository.EvaluationRepository, id uint) (models.Evaluation, error) {
	record, err := evaluations.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Evaluation{}, ErrEvaluationNotFound
		}
		return models.Evaluation{}, err
	}
	return record, nil
}

// lockEvaluation loads the evaluation under a row lock so concurrent overrides on the
// same evaluation replay the log one after another.
func (s *reconciliationService) lockEvaluation(ctx context.Context, evaluations repository.EvaluationRepository, id uint) (models.Evaluation, error) {
	record, err := evaluations.GetForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Evaluation{}, ErrEvaluationNotFound
		}
		return models.Evaluation{}, err
	}
	return record, nil
}

func (s *reconciliationService) publishOverridden(ctx context.Context, record models.Evaluation) {
	s.publisher.Publish(ctx, events.Event{
		Type:         events.TypeOverridden,
		EvaluationID: record.ID,
		SubmissionID: record.SubmissionID,
		Status:       string(record.Status),
		TotalScore:   record.TotalScore,
	})
}

// Reconcile rebuilds every result from its AI baseline and replays the active overrides
// in order, so the latest override per question wins. It reports whether any stored
// value differs from the rebuilt view.
func Reconcile(record models.Evaluation, active []models.ManualOverride) (models.Evaluation, bool) {
	latest := make(map[uint]models.ManualOverride, len(active))
	for _, override := range active {
		if override.EvaluationID != record.ID || !override.IsActive() {
			continue
		}
		latest[override.QuestionID] = override
	}

	rebuilt := record
	rebuilt.Results = make([]models.QuestionResult, len(record.Results))
	changed := false
	var total float64
	for idx, result := range record.Results {
		next := result
		next.FinalScore = result.AIScore
		next.Feedback = result.AIFeedback
		next.IsOverridden = false

		if override, ok := latest[result.QuestionID]; ok {
			next.FinalScore = clampScore(override.OverriddenScore, result.MaxScore)
			if override.Feedback != nil && strings.TrimSpace(*override.Feedback) != "" {
				next.Feedback = *override.Feedback
			}
			next.IsOverridden = true
		}

		if next.FinalScore != result.FinalScore || next.Feedback != result.Feedback || next.IsOverridden != result.IsOverridden {
			changed = true
		}
		rebuilt.Results[idx] = next
		total += next.FinalScore
	}

	if math.Abs(total-record.TotalScore) > scoreEpsilon {
		changed = true
	}
	rebuilt.TotalScore = total
	return rebuilt, changed
}

func findResult(record models.Evaluation, questionID uint) (models.QuestionResult, bool) {
	for _, result := range record.Results {
		if result.QuestionID == questionID {
			return result, true
		}
	}
	return models.QuestionResult{}, false
}

func clampScore(score, max float64) float64 {
	if score < 0 {
		return 0
	}
	if score > max {
		return max
	}
	return score
}

func reconciliationResponse(record models.Evaluation) dto.ReconciliationResponse {
	return dto.ReconciliationResponse{
		AITotalScore:    record.AITotalScore,
		FinalTotalScore: record.TotalScore,
		HasOverrides:    record.HasOverrides(),
	}
}
