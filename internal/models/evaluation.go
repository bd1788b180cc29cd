package models

import "time"

// Evaluation is the single grading record kept per submission.
type Evaluation struct {
	ID                  uint             `gorm:"primaryKey" json:"id"`
	SubmissionID        uint             `gorm:"not null;uniqueIndex" json:"submission_id"`
	ExamID              uint             `gorm:"not null;index" json:"exam_id"`
	StudentID           uint             `gorm:"not null;index" json:"student_id"`
	Status              EvaluationStatus `gorm:"size:32;not null;index" json:"status"`
	AITotalScore        float64          `gorm:"not null;default:0" json:"ai_total_score"`
	TotalScore          float64          `gorm:"not null;default:0" json:"total_score"`
	MaxScore            float64          `gorm:"not null;default:0" json:"max_score"`
	AverageConfidence   float64          `gorm:"not null;default:0" json:"average_confidence"`
	JobID               string           `gorm:"size:64;index" json:"job_id"`
	JobStatus           JobStatus        `gorm:"size:32" json:"job_status"`
	JobError            string           `gorm:"type:text" json:"job_error"`
	JobAttempts         int              `gorm:"not null;default:0" json:"job_attempts"`
	TriggeredBy         string           `gorm:"size:64" json:"triggered_by"`
	CorrelationID       string           `gorm:"size:64" json:"correlation_id"`
	QueuedAt            *time.Time       `json:"queued_at"`
	ProcessingStartedAt *time.Time       `json:"processing_started_at"`
	EvaluatedAt         *time.Time       `json:"evaluated_at"`
	FinalizedAt         *time.Time       `json:"finalized_at"`
	FinalizedBy         *uint            `json:"finalized_by"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
	Results             []QuestionResult `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"results"`
}

// QuestionResult holds the AI baseline and the reconciled score for one question.
type QuestionResult struct {
	ID           uint    `gorm:"primaryKey" json:"id"`
	EvaluationID uint    `gorm:"not null;uniqueIndex:idx_result_question" json:"evaluation_id"`
	QuestionID   uint    `gorm:"not null;uniqueIndex:idx_result_question" json:"question_id"`
	Position     int     `gorm:"not null;default:0" json:"position"`
	AIScore      float64 `gorm:"not null" json:"ai_score"`
	FinalScore   float64 `gorm:"not null" json:"final_score"`
	MaxScore     float64 `gorm:"not null" json:"max_score"`
	AIFeedback   string  `gorm:"type:text" json:"ai_feedback"`
	Feedback     string  `gorm:"type:text" json:"feedback"`
	Confidence   float64 `gorm:"not null;default:0" json:"confidence"`
	Provider     string  `gorm:"size:32" json:"provider"`
	IsOverridden bool    `gorm:"not null;default:false" json:"is_overridden"`
}

// HasOverrides reports whether any question currently carries a reviewer score.
func (e Evaluation) HasOverrides() bool {
	for _, result := range e.Results {
		if result.IsOverridden {
			return true
		}
	}
	return false
}

// SumAIScores returns the total of the immutable AI baseline.
func (e Evaluation) SumAIScores() float64 {
	var total float64
	for _, result := range e.Results {
		total += result.AIScore
	}
	return total
}

// SumFinalScores returns the total of the reconciled scores.
func (e Evaluation) SumFinalScores() float64 {
	var total float64
	for _, result := range e.Results {
		total += result.FinalScore
	}
	return total
}
