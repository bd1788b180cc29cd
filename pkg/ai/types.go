package ai

import (
	"context"
	"fmt"
)

// Provider names reported on grading results.
const (
	ProviderNone      = "none"
	ProviderHeuristic = "heuristic"
)

// Keypoint is a weighted rubric concept used to allocate partial credit.
type Keypoint struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

// GradeRequest contains everything needed to grade one free-text answer.
type GradeRequest struct {
	QuestionText  string
	ModelAnswer   string
	StudentAnswer string
	MaxScore      int
	Keypoints     []Keypoint
}

// GradeResult is the outcome produced by a grader.
type GradeResult struct {
	Score      int     `json:"score"`
	Feedback   string  `json:"feedback"`
	Provider   string  `json:"provider"`
	Confidence float64 `json:"confidence"`
}

// Grader describes a single grading provider.
type Grader interface {
	Name() string
	Grade(ctx context.Context, req GradeRequest) (GradeResult, error)
}

// ProviderError wraps a failure of one provider in the fallback chain.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
