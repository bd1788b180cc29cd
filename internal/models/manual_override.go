package models

import "time"

// ManualOverride is an append-only audit record of a reviewer correction.
// A row is active while RemovedAt is nil; at most one active row exists per question.
type ManualOverride struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	EvaluationID    uint       `gorm:"not null;index;uniqueIndex:idx_active_override,where:removed_at IS NULL" json:"evaluation_id"`
	QuestionID      uint       `gorm:"not null;uniqueIndex:idx_active_override,where:removed_at IS NULL" json:"question_id"`
	ReviewerID      uint       `gorm:"not null" json:"reviewer_id"`
	OriginalScore   float64    `gorm:"not null" json:"original_score"`
	OverriddenScore float64    `gorm:"not null" json:"overridden_score"`
	MaxScore        float64    `gorm:"not null" json:"max_score"`
	Reason          string     `gorm:"type:text;not null" json:"reason"`
	Feedback        *string    `gorm:"type:text" json:"feedback"`
	CreatedAt       time.Time  `json:"created_at"`
	RemovedAt       *time.Time `json:"removed_at"`
	RemovedBy       *uint      `json:"removed_by"`
}

// IsActive reports whether the override still applies.
func (o ManualOverride) IsActive() bool {
	return o.RemovedAt == nil
}
