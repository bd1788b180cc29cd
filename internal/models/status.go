package models

import "fmt"

// EvaluationStatus is the closed set of states an evaluation moves through.
type EvaluationStatus string

const (
	EvaluationStatusPending          EvaluationStatus = "pending"
	EvaluationStatusAIEvaluated      EvaluationStatus = "ai_evaluated"
	EvaluationStatusManuallyReviewed EvaluationStatus = "manually_reviewed"
	EvaluationStatusFinalized        EvaluationStatus = "finalized"
)

// JobStatus mirrors the queue state of the evaluation job on the evaluation record.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusActive    JobStatus = "active"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ErrInvalidTransition is returned when a status change is not allowed.
type ErrInvalidTransition struct {
	Entity string
	From   string
	To     string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("%s cannot move from %q to %q", e.Entity, e.From, e.To)
}

var evaluationTransitions = map[EvaluationStatus][]EvaluationStatus{
	EvaluationStatusPending:          {EvaluationStatusAIEvaluated},
	EvaluationStatusAIEvaluated:      {EvaluationStatusManuallyReviewed, EvaluationStatusFinalized},
	EvaluationStatusManuallyReviewed: {EvaluationStatusManuallyReviewed, EvaluationStatusFinalized},
	EvaluationStatusFinalized:        {},
}

var submissionTransitions = map[SubmissionStatus][]SubmissionStatus{
	SubmissionStatusDraft:     {SubmissionStatusFinalized},
	SubmissionStatusFinalized: {SubmissionStatusEvaluated},
	SubmissionStatusEvaluated: {},
}

// TransitionEvaluation validates a status change and returns the target status.
func TransitionEvaluation(from, to EvaluationStatus) (EvaluationStatus, error) {
	for _, allowed := range evaluationTransitions[from] {
		if allowed == to {
			return to, nil
		}
	}
	return from, &ErrInvalidTransition{Entity: "evaluation", From: string(from), To: string(to)}
}

// TransitionSubmission validates a submission status change and returns the target status.
func TransitionSubmission(from, to SubmissionStatus) (SubmissionStatus, error) {
	for _, allowed := range submissionTransitions[from] {
		if allowed == to {
			return to, nil
		}
	}
	return from, &ErrInvalidTransition{Entity: "submission", From: string(from), To: string(to)}
}

// AllowsOverride reports whether reviewers may change scores in this state.
func (s EvaluationStatus) AllowsOverride() bool {
	return s == EvaluationStatusAIEvaluated || s == EvaluationStatusManuallyReviewed
}

// IsGraded reports whether an AI baseline exists.
func (s EvaluationStatus) IsGraded() bool {
	return s == EvaluationStatusAIEvaluated || s == EvaluationStatusManuallyReviewed || s == EvaluationStatusFinalized
}

// IsTerminal reports whether the job will not run again without operator action.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}
