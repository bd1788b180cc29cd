package evaluation

import "github.com/noah-isme/gema-grader/internal/models"

// ResultOutput is one graded question as reported by a grader.
type ResultOutput struct {
	QuestionID uint    `json:"question_id"`
	AIScore    float64 `json:"ai_score"`
	MaxScore   float64 `json:"max_score"`
	Confidence float64 `json:"confidence"`
	Feedback   string  `json:"feedback"`
	Provider   string  `json:"provider,omitempty"`
}

// Output is the payload a grader returns for a whole submission.
type Output struct {
	SubmissionID      uint           `json:"submission_id"`
	AITotalScore      float64        `json:"ai_total_score"`
	AverageConfidence float64        `json:"average_confidence"`
	Results           []ResultOutput `json:"results"`
}

// MapResults converts validated output into stored question results. Final scores and
// feedback start out equal to the AI baseline.
func MapResults(output Output, input Input) []models.QuestionResult {
	position := make(map[uint]int, len(input.Questions))
	for idx, question := range input.Questions {
		position[question.ID] = idx
	}

	results := make([]models.QuestionResult, 0, len(output.Results))
	for _, item := range output.Results {
		results = append(results, models.QuestionResult{
			QuestionID:   item.QuestionID,
			Position:     position[item.QuestionID],
			AIScore:      item.AIScore,
			FinalScore:   item.AIScore,
			MaxScore:     item.MaxScore,
			AIFeedback:   item.Feedback,
			Feedback:     item.Feedback,
			Confidence:   item.Confidence,
			Provider:     item.Provider,
			IsOverridden: false,
		})
	}
	return results
}

// Totals summarises mapped results.
type Totals struct {
	AITotalScore      float64
	TotalScore        float64
	MaxScore          float64
	AverageConfidence float64
}

// ComputeTotals derives the evaluation totals from question results.
func ComputeTotals(results []models.QuestionResult) Totals {
	var totals Totals
	for _, result := range results {
		totals.AITotalScore += result.AIScore
		totals.TotalScore += result.FinalScore
		totals.MaxScore += result.MaxScore
		totals.AverageConfidence += result.Confidence
	}
	if len(results) > 0 {
		totals.AverageConfidence /= float64(len(results))
	}
	return totals
}
