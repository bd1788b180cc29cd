package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

func TestOverrideRepositoryAllowsOneActiveOverridePerQuestion(t *testing.T) {
	db := setupTestDB(t)
	repo := NewOverrideRepository(db)
	ctx := context.Background()

	_, evaluation := seedPendingEvaluation(t, db)

	first := models.ManualOverride{EvaluationID: evaluation.ID, QuestionID: 2, ReviewerID: 9, OriginalScore: 3, OverriddenScore: 5, MaxScore: 5, Reason: "answer covers both keypoints"}
	require.NoError(t, repo.Create(ctx, &first))

	duplicate := first
	duplicate.ID = 0
	require.ErrorIs(t, repo.Create(ctx, &duplicate), gorm.ErrDuplicatedKey)

	require.NoError(t, repo.MarkRemoved(ctx, first.ID, 9, time.Now().UTC()))
	require.ErrorIs(t, repo.MarkRemoved(ctx, first.ID, 9, time.Now().UTC()), gorm.ErrRecordNotFound)

	second := first
	second.ID = 0
	second.OverriddenScore = 4
	require.NoError(t, repo.Create(ctx, &second))

	active, err := repo.GetActive(ctx, evaluation.ID, 2)
	require.NoError(t, err)
	require.Equal(t, second.ID, active.ID)

	activeList, err := repo.ListActive(ctx, evaluation.ID)
	require.NoError(t, err)
	require.Len(t, activeList, 1)

	history, err := repo.ListByEvaluation(ctx, evaluation.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.False(t, history[0].IsActive())
	require.True(t, history[1].IsActive())
}
