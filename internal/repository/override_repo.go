package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

// OverrideRepository stores the append-only manual override log.
type OverrideRepository interface {
	Create(ctx context.Context, override *models.ManualOverride) error
	GetActive(ctx context.Context, evaluationID, questionID uint) (models.ManualOverride, error)
	ListActive(ctx context.Context, evaluationID uint) ([]models.ManualOverride, error)
	ListByEvaluation(ctx context.Context, evaluationID uint) ([]models.ManualOverride, error)
	MarkRemoved(ctx context.Context, id, removedBy uint, removedAt time.Time) error
}

type overrideRepository struct {
	db *gorm.DB
}

// NewOverrideRepository instantiates the repository.
func NewOverrideRepository(db *gorm.DB) OverrideRepository {
	return &overrideRepository{db: db}
}

func (r *overrideRepository) Create(ctx context.Context, override *models.ManualOverride) error {
	return r.db.WithContext(ctx).Create(override).Error
}

func (r *overrideRepository) GetActive(ctx context.Context, evaluationID, questionID uint) (models.ManualOverride, error) {
	var override models.ManualOverride
	if err := r.db.WithContext(ctx).
		Where("evaluation_id = ?", evaluationID).
		Where("question_id = ?", questionID).
		Where("removed_at IS NULL").
		Order("created_at DESC, id DESC").
		First(&override).Error; err != nil {
		return models.ManualOverride{}, err
	}
	return override, nil
}

// ListActive returns active overrides oldest first so that replaying them leaves the
// latest one per question in place.
func (r *overrideRepository) ListActive(ctx context.Context, evaluationID uint) ([]models.ManualOverride, error) {
	var overrides []models.ManualOverride
	if err := r.db.WithContext(ctx).
		Where("evaluation_id = ?", evaluationID).
		Where("removed_at IS NULL").
		Order("created_at ASC, id ASC").
		Find(&overrides).Error; err != nil {
		return nil, err
	}
	return overrides, nil
}

func (r *overrideRepository) ListByEvaluation(ctx context.Context, evaluationID uint) ([]models.ManualOverride, error) {
	var overrides []models.ManualOverride
	if err := r.db.WithContext(ctx).
		Where("evaluation_id = ?", evaluationID).
		Order("created_at ASC, id ASC").
		Find(&overrides).Error; err != nil {
		return nil, err
	}
	return overrides, nil
}

func (r *overrideRepository) MarkRemoved(ctx context.Context, id, removedBy uint, removedAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.ManualOverride{}).
		Where("id = ?", id).
		Where("removed_at IS NULL").
		Updates(map[string]interface{}{
			"removed_at": removedAt,
			"removed_by": removedBy,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
