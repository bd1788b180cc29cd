package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-grader/internal/models"
)

// JobState mirrors queue progress onto the evaluation record.
type JobState struct {
	Status   models.JobStatus
	Error    string
	Attempts int
}

// Baseline is the validated AI result written once per evaluation.
type Baseline struct {
	Results           []models.QuestionResult
	AITotalScore      float64
	TotalScore        float64
	MaxScore          float64
	AverageConfidence float64
	EvaluatedAt       time.Time
}

// EvaluationRepository persists evaluations and their question results.
type EvaluationRepository interface {
	Create(ctx context.Context, evaluation *models.Evaluation) error
	GetByID(ctx context.Context, id uint) (models.Evaluation, error)
	// GetForUpdate loads the evaluation and holds its row lock until the surrounding
	// transaction ends. Use it only inside Transaction.
	GetForUpdate(ctx context.Context, id uint) (models.Evaluation, error)
	GetBySubmission(ctx context.Context, submissionID uint) (models.Evaluation, error)
	MarkProcessing(ctx context.Context, id uint, attempts int, startedAt time.Time) error
	UpdateJobState(ctx context.Context, id uint, state JobState) error
	Requeue(ctx context.Context, id uint, jobID string, queuedAt time.Time) error
	SaveBaseline(ctx context.Context, id uint, baseline Baseline) (bool, error)
	SaveReconciled(ctx context.Context, evaluation *models.Evaluation) error
	Finalize(ctx context.Context, evaluation *models.Evaluation) error
	Transaction(ctx context.Context, fn func(evaluations EvaluationRepository, overrides OverrideRepository) error) error
}

type evaluationRepository struct {
	db *gorm.DB
}

// NewEvaluationRepository instantiates the repository.
func NewEvaluationRepository(db *gorm.DB) EvaluationRepository {
	return &evaluationRepository{db: db}
}

func (r *evaluationRepository) baseQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.Evaluation{}).
		Preload("Results", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC, question_id ASC")
		})
}

func (r *evaluationRepository) Create(ctx context.Context, evaluation *models.Evaluation) error {
	return r.db.WithContext(ctx).Create(evaluation).Error
}

func (r *evaluationRepository) GetByID(ctx context.Context, id uint) (models.Evaluation, error) {
	var evaluation models.Evaluation
	if err := r.baseQuery(ctx).First(&evaluation, id).Error; err != nil {
		return models.Evaluation{}, err
	}
	return evaluation, nil
}

func (r *evaluationRepository) GetForUpdate(ctx context.Context, id uint) (models.Evaluation, error) {
	var evaluation models.Evaluation
	if err := r.baseQuery(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&evaluation, id).Error; err != nil {
		return models.Evaluation{}, err
	}
	return evaluation, nil
}

func (r *evaluationRepository) GetBySubmission(ctx context.Context, submissionID uint) (models.Evaluation, error) {
	var evaluation models.Evaluation
	if err := r.baseQuery(ctx).Where("submission_id = ?", submissionID).First(&evaluation).Error; err != nil {
		return models.Evaluation{}, err
	}
	return evaluation, nil
}

func (r *evaluationRepository) MarkProcessing(ctx context.Context, id uint, attempts int, startedAt time.Time) error {
	return r.updateColumns(ctx, id, map[string]interface{}{
		"job_status":            models.JobStatusActive,
		"job_attempts":          attempts,
		"processing_started_at": startedAt,
	})
}

func (r *evaluationRepository) UpdateJobState(ctx context.Context, id uint, state JobState) error {
	return r.updateColumns(ctx, id, map[string]interface{}{
		"job_status":   state.Status,
		"job_error":    state.Error,
		"job_attempts": state.Attempts,
	})
}

// Requeue points a pending evaluation at a new job.
func (r *evaluationRepository) Requeue(ctx context.Context, id uint, jobID string, queuedAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Evaluation{}).
		Where("id = ?", id).
		Where("status = ?", models.EvaluationStatusPending).
		Updates(map[string]interface{}{
			"job_id":       jobID,
			"job_status":   models.JobStatusQueued,
			"job_error":    "",
			"job_attempts": 0,
			"queued_at":    queuedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SaveBaseline stores the AI results, moves the evaluation to ai_evaluated and the
// submission to evaluated in one transaction. It reports false without writing when
// the evaluation already has a baseline.
func (r *evaluationRepository) SaveBaseline(ctx context.Context, id uint, baseline Baseline) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var evaluation models.Evaluation
		if err := tx.First(&evaluation, id).Error; err != nil {
			return err
		}
		if evaluation.Status != models.EvaluationStatusPending {
			return nil
		}
		if _, err := models.TransitionEvaluation(evaluation.Status, models.EvaluationStatusAIEvaluated); err != nil {
			return err
		}

		update := tx.Model(&models.Evaluation{}).
			Where("id = ?", id).
			Where("status = ?", models.EvaluationStatusPending).
			Updates(map[string]interface{}{
				"status":             models.EvaluationStatusAIEvaluated,
				"ai_total_score":     baseline.AITotalScore,
				"total_score":        baseline.TotalScore,
				"max_score":          baseline.MaxScore,
				"average_confidence": baseline.AverageConfidence,
				"evaluated_at":       baseline.EvaluatedAt,
				"job_status":         models.JobStatusCompleted,
				"job_error":          "",
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			// a concurrent attempt stored the baseline first
			return nil
		}

		if err := tx.Where("evaluation_id = ?", id).Delete(&models.QuestionResult{}).Error; err != nil {
			return err
		}
		results := make([]models.QuestionResult, len(baseline.Results))
		for idx, result := range baseline.Results {
			result.ID = 0
			result.EvaluationID = id
			results[idx] = result
		}
		if len(results) > 0 {
			if err := tx.Create(&results).Error; err != nil {
				return err
			}
		}

		if err := tx.Model(&models.Submission{}).
			Where("id = ?", evaluation.SubmissionID).
			Where("status = ?", models.SubmissionStatusFinalized).
			Update("status", models.SubmissionStatusEvaluated).Error; err != nil {
			return err
		}

		applied = true
		return nil
	})
	return applied, err
}

// SaveReconciled writes the materialized view: evaluation totals and status plus each
// result's final score, feedback and override flag. AI baseline columns are never touched.
func (r *evaluationRepository) SaveReconciled(ctx context.Context, evaluation *models.Evaluation) error {
	db := r.db.WithContext(ctx)
	if err := db.Model(&models.Evaluation{}).
		Where("id = ?", evaluation.ID).
		Updates(map[string]interface{}{
			"status":      evaluation.Status,
			"total_score": evaluation.TotalScore,
		}).Error; err != nil {
		return err
	}

	for _, result := range evaluation.Results {
		if err := db.Model(&models.QuestionResult{}).
			Where("id = ?", result.ID).
			Where("evaluation_id = ?", evaluation.ID).
			Updates(map[string]interface{}{
				"final_score":   result.FinalScore,
				"feedback":      result.Feedback,
				"is_overridden": result.IsOverridden,
			}).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *evaluationRepository) Finalize(ctx context.Context, evaluation *models.Evaluation) error {
	result := r.db.WithContext(ctx).Model(&models.Evaluation{}).
		Where("id = ?", evaluation.ID).
		Where("status IN ?", []models.EvaluationStatus{models.EvaluationStatusAIEvaluated, models.EvaluationStatusManuallyReviewed}).
		Updates(map[string]interface{}{
			"status":       models.EvaluationStatusFinalized,
			"finalized_at": evaluation.FinalizedAt,
			"finalized_by": evaluation.FinalizedBy,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Transaction runs fn with repositories bound to a single database transaction.
func (r *evaluationRepository) Transaction(ctx context.Context, fn func(evaluations EvaluationRepository, overrides OverrideRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&evaluationRepository{db: tx}, &overrideRepository{db: tx})
	})
}

func (r *evaluationRepository) updateColumns(ctx context.Context, id uint, columns map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&models.Evaluation{}).Where("id = ?", id).Updates(columns)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
