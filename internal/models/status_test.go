package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionEvaluation(t *testing.T) {
	tests := []struct {
		from, to EvaluationStatus
		ok       bool
	}{
		{EvaluationStatusPending, EvaluationStatusAIEvaluated, true},
		{EvaluationStatusAIEvaluated, EvaluationStatusManuallyReviewed, true},
		{EvaluationStatusManuallyReviewed, EvaluationStatusManuallyReviewed, true},
		{EvaluationStatusAIEvaluated, EvaluationStatusFinalized, true},
		{EvaluationStatusManuallyReviewed, EvaluationStatusFinalized, true},
		{EvaluationStatusPending, EvaluationStatusFinalized, false},
		{EvaluationStatusPending, EvaluationStatusManuallyReviewed, false},
		{EvaluationStatusFinalized, EvaluationStatusManuallyReviewed, false},
		{EvaluationStatusManuallyReviewed, EvaluationStatusAIEvaluated, false},
		{EvaluationStatus("archived"), EvaluationStatusFinalized, false},
	}

	for _, tc := range tests {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			got, err := TransitionEvaluation(tc.from, tc.to)
			if tc.ok {
				require.NoError(t, err)
				require.Equal(t, tc.to, got)
				return
			}
			var invalid *ErrInvalidTransition
			require.True(t, errors.As(err, &invalid))
			require.Equal(t, "evaluation", invalid.Entity)
			require.Equal(t, tc.from, got)
		})
	}
}

func TestTransitionSubmission(t *testing.T) {
	_, err := TransitionSubmission(SubmissionStatusDraft, SubmissionStatusFinalized)
	require.NoError(t, err)
	_, err = TransitionSubmission(SubmissionStatusFinalized, SubmissionStatusEvaluated)
	require.NoError(t, err)

	_, err = TransitionSubmission(SubmissionStatusDraft, SubmissionStatusEvaluated)
	require.Error(t, err)
	_, err = TransitionSubmission(SubmissionStatusEvaluated, SubmissionStatusDraft)
	require.ErrorContains(t, err, "submission")
}

func TestStatusPredicates(t *testing.T) {
	require.False(t, EvaluationStatusPending.AllowsOverride())
	require.True(t, EvaluationStatusAIEvaluated.AllowsOverride())
	require.True(t, EvaluationStatusManuallyReviewed.AllowsOverride())
	require.False(t, EvaluationStatusFinalized.AllowsOverride())

	require.False(t, EvaluationStatusPending.IsGraded())
	require.True(t, EvaluationStatusFinalized.IsGraded())

	require.True(t, JobStatusFailed.IsTerminal())
	require.False(t, JobStatusRetrying.IsTerminal())
}
