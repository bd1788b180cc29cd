package models

import "time"

// SubmissionStatus enumerates the lifecycle of a student's exam submission.
type SubmissionStatus string

const (
	// SubmissionStatusDraft indicates the student may still edit answers.
	SubmissionStatusDraft SubmissionStatus = "draft"
	// SubmissionStatusFinalized indicates answers are locked and ready for grading.
	SubmissionStatusFinalized SubmissionStatus = "finalized"
	// SubmissionStatusEvaluated is set by the grading pipeline once the AI baseline is stored.
	SubmissionStatusEvaluated SubmissionStatus = "evaluated"
)

// Submission represents a student's set of answers to an exam.
type Submission struct {
	ID        uint               `gorm:"primaryKey" json:"id"`
	StudentID uint               `gorm:"not null;index" json:"student_id"`
	ExamID    uint               `gorm:"not null;index" json:"exam_id"`
	Status    SubmissionStatus   `gorm:"size:32;not null" json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Answers   []SubmissionAnswer `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"answers"`
}

// SubmissionAnswer is the student's text for a single question.
type SubmissionAnswer struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	SubmissionID uint   `gorm:"not null;index" json:"submission_id"`
	QuestionID   uint   `gorm:"not null" json:"question_id"`
	StudentText  string `gorm:"type:text" json:"student_text"`
	ImageRef     string `gorm:"size:512" json:"image_ref"`
}

// IsEditable reports whether answers can still change.
func (s Submission) IsEditable() bool {
	return s.Status == SubmissionStatusDraft
}
