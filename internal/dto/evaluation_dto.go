package dto

import (
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
)

// EvaluationTriggerRequest asks for a finalized submission to be graded.
type EvaluationTriggerRequest struct {
	SubmissionID uint `json:"submission_id" validate:"required,gt=0"`
	Priority     int  `json:"priority" validate:"omitempty,min=1,max=10"`
}

// QuestionResultResponse exposes the AI baseline next to the reconciled score.
type QuestionResultResponse struct {
	QuestionID   uint    `json:"question_id"`
	Position     int     `json:"position"`
	AIScore      float64 `json:"ai_score"`
	FinalScore   float64 `json:"final_score"`
	MaxScore     float64 `json:"max_score"`
	AIFeedback   string  `json:"ai_feedback"`
	Feedback     string  `json:"feedback"`
	Confidence   float64 `json:"confidence"`
	Provider     string  `json:"provider"`
	IsOverridden bool    `json:"is_overridden"`
}

// EvaluationResponse is the read model returned for an evaluation.
type EvaluationResponse struct {
	EvaluationID        uint                     `json:"evaluation_id"`
	SubmissionID        uint                     `json:"submission_id"`
	ExamID              uint                     `json:"exam_id"`
	StudentID           uint                     `json:"student_id"`
	Status              string                   `json:"status"`
	AITotalScore        float64                  `json:"ai_total_score"`
	TotalScore          float64                  `json:"total_score"`
	MaxScore            float64                  `json:"max_score"`
	AverageConfidence   float64                  `json:"average_confidence"`
	NeedsReview         bool                     `json:"needs_review"`
	HasOverrides        bool                     `json:"has_overrides"`
	Results             []QuestionResultResponse `json:"results"`
	JobID               string                   `json:"job_id"`
	JobStatus           string                   `json:"job_status"`
	JobError            string                   `json:"job_error,omitempty"`
	JobAttempts         int                      `json:"job_attempts"`
	QueuedAt            *time.Time               `json:"queued_at"`
	ProcessingStartedAt *time.Time               `json:"processing_started_at"`
	EvaluatedAt         *time.Time               `json:"evaluated_at"`
	FinalizedAt         *time.Time               `json:"finalized_at"`
	FinalizedBy         *uint                    `json:"finalized_by"`
}

// NewEvaluationResponse converts an evaluation into its read model. needs_review is only
// meaningful once an AI baseline exists.
func NewEvaluationResponse(model models.Evaluation, reviewThreshold float64) EvaluationResponse {
	results := make([]QuestionResultResponse, 0, len(model.Results))
	for _, result := range model.Results {
		results = append(results, QuestionResultResponse{
			QuestionID:   result.QuestionID,
			Position:     result.Position,
			AIScore:      result.AIScore,
			FinalScore:   result.FinalScore,
			MaxScore:     result.MaxScore,
			AIFeedback:   result.AIFeedback,
			Feedback:     result.Feedback,
			Confidence:   result.Confidence,
			Provider:     result.Provider,
			IsOverridden: result.IsOverridden,
		})
	}

	return EvaluationResponse{
		EvaluationID:        model.ID,
		SubmissionID:        model.SubmissionID,
		ExamID:              model.ExamID,
		StudentID:           model.StudentID,
		Status:              string(model.Status),
		AITotalScore:        model.AITotalScore,
		TotalScore:          model.TotalScore,
		MaxScore:            model.MaxScore,
		AverageConfidence:   model.AverageConfidence,
		NeedsReview:         model.Status.IsGraded() && model.AverageConfidence < reviewThreshold,
		HasOverrides:        model.HasOverrides(),
		Results:             results,
		JobID:               model.JobID,
		JobStatus:           string(model.JobStatus),
		JobError:            model.JobError,
		JobAttempts:         model.JobAttempts,
		QueuedAt:            model.QueuedAt,
		ProcessingStartedAt: model.ProcessingStartedAt,
		EvaluatedAt:         model.EvaluatedAt,
		FinalizedAt:         model.FinalizedAt,
		FinalizedBy:         model.FinalizedBy,
	}
}

// OverrideRequest is a reviewer's correction of one question score.
type OverrideRequest struct {
	QuestionID         uint     `json:"question_id" validate:"required,gt=0"`
	OverriddenScore    *float64 `json:"overridden_score" validate:"required,gte=0"`
	Reason             string   `json:"reason" validate:"required,min=10,max=1000"`
	OverriddenFeedback *string  `json:"overridden_feedback" validate:"omitempty,max=5000"`
}

// ReconciliationResponse reports totals after an override change.
type ReconciliationResponse struct {
	AITotalScore    float64 `json:"ai_total_score"`
	FinalTotalScore float64 `json:"final_total_score"`
	HasOverrides    bool    `json:"has_overrides"`
}

// OverrideResponse is one entry of the override audit trail.
type OverrideResponse struct {
	ID              uint       `json:"id"`
	EvaluationID    uint       `json:"evaluation_id"`
	QuestionID      uint       `json:"question_id"`
	ReviewerID      uint       `json:"reviewer_id"`
	OriginalScore   float64    `json:"original_score"`
	OverriddenScore float64    `json:"overridden_score"`
	MaxScore        float64    `json:"max_score"`
	Reason          string     `json:"reason"`
	Feedback        *string    `json:"feedback"`
	Active          bool       `json:"active"`
	CreatedAt       time.Time  `json:"created_at"`
	RemovedAt       *time.Time `json:"removed_at"`
	RemovedBy       *uint      `json:"removed_by"`
}

// NewOverrideResponse converts an override record into its DTO.
func NewOverrideResponse(model models.ManualOverride) OverrideResponse {
	return OverrideResponse{
		ID:              model.ID,
		EvaluationID:    model.EvaluationID,
		QuestionID:      model.QuestionID,
		ReviewerID:      model.ReviewerID,
		OriginalScore:   model.OriginalScore,
		OverriddenScore: model.OverriddenScore,
		MaxScore:        model.MaxScore,
		Reason:          model.Reason,
		Feedback:        model.Feedback,
		Active:          model.IsActive(),
		CreatedAt:       model.CreatedAt,
		RemovedAt:       model.RemovedAt,
		RemovedBy:       model.RemovedBy,
	}
}

// NewOverrideResponseSlice converts a list of overrides.
func NewOverrideResponseSlice(items []models.ManualOverride) []OverrideResponse {
	responses := make([]OverrideResponse, 0, len(items))
	for _, item := range items {
		responses = append(responses, NewOverrideResponse(item))
	}
	return responses
}
