package models

import (
	"time"

	"gorm.io/datatypes"
)

// Exam groups the questions a submission answers.
type Exam struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Title     string     `gorm:"size:255;not null" json:"title"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Questions []Question `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"questions,omitempty"`
}

// RubricKeypoint is a weighted concept expected in a good answer.
type RubricKeypoint struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

// Question is a free-text exam question with its grading reference material.
type Question struct {
	ID              uint                                `gorm:"primaryKey" json:"id"`
	ExamID          uint                                `gorm:"not null;index" json:"exam_id"`
	Text            string                              `gorm:"type:text;not null" json:"text"`
	MaxScore        int                                 `gorm:"not null" json:"max_score"`
	ModelAnswer     string                              `gorm:"type:text" json:"model_answer"`
	RubricKeypoints datatypes.JSONSlice[RubricKeypoint] `json:"rubric_keypoints"`
	CreatedAt       time.Time                           `json:"created_at"`
	UpdatedAt       time.Time                           `json:"updated_at"`
}
