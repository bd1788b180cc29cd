package service

import (
	"fmt"

	"github.com/noah-isme/gema-grader/internal/evaluation"
)

var (
	// ErrSubmissionNotFound indicates the submission does not exist.
	ErrSubmissionNotFound = fmt.Errorf("submission %w", evaluation.ErrNotFound)
	// ErrEvaluationNotFound indicates the evaluation does not exist.
	ErrEvaluationNotFound = fmt.Errorf("evaluation %w", evaluation.ErrNotFound)
	// ErrQuestionNotInEvaluation indicates the question has no result in the evaluation.
	ErrQuestionNotInEvaluation = fmt.Errorf("question result %w", evaluation.ErrNotFound)
	// ErrOverrideNotFound indicates there is no active override to remove.
	ErrOverrideNotFound = fmt.Errorf("active override %w", evaluation.ErrNotFound)
	// ErrJobNotFound indicates the queue no longer knows the job.
	ErrJobNotFound = fmt.Errorf("job %w", evaluation.ErrNotFound)

	// ErrSubmissionNotFinalized indicates answers are still editable.
	ErrSubmissionNotFinalized = fmt.Errorf("submission is not finalized: %w", evaluation.ErrConflict)
	// ErrEvaluationExists indicates the submission is already queued or graded.
	ErrEvaluationExists = fmt.Errorf("evaluation already requested: %w", evaluation.ErrConflict)
	// ErrOverrideNotAllowed indicates the evaluation state does not accept overrides.
	ErrOverrideNotAllowed = fmt.Errorf("overrides are not allowed in the current state: %w", evaluation.ErrConflict)
	// ErrOverrideExists indicates the question already carries an active override.
	ErrOverrideExists = fmt.Errorf("question already has an active override: %w", evaluation.ErrConflict)
	// ErrEvaluationNotFinalizable indicates the evaluation has no baseline or is already final.
	ErrEvaluationNotFinalizable = fmt.Errorf("evaluation cannot be finalized: %w", evaluation.ErrConflict)
	// ErrEvaluationNotRetryable indicates the evaluation's job is neither failed nor stuck.
	ErrEvaluationNotRetryable = fmt.Errorf("evaluation job is not failed or stuck: %w", evaluation.ErrConflict)
)

// Actor identifies the user behind a request.
type Actor struct {
	ID   uint
	Role string
}
