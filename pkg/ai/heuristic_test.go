package ai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeuristicGraderKeypointHit(t *testing.T) {
	grader := NewHeuristicGrader()
	keypoints := []Keypoint{{Text: "mitosis", Weight: 1}}

	hit, err := grader.Grade(context.Background(), GradeRequest{StudentAnswer: "Cells divide through Mitosis.", MaxScore: 5, Keypoints: keypoints})
	require.NoError(t, err)
	require.Equal(t, 5, hit.Score)
	require.Equal(t, ProviderHeuristic, hit.Provider)

	miss, err := grader.Grade(context.Background(), GradeRequest{StudentAnswer: "Cells just split in two", MaxScore: 5, Keypoints: keypoints})
	require.NoError(t, err)
	require.Equal(t, 0, miss.Score)
}

func TestHeuristicGraderWeightedPartialCredit(t *testing.T) {
	grader := NewHeuristicGrader()
	keypoints := []Keypoint{
		{Text: "chlorophyll", Weight: 3},
		{Text: "sunlight energy", Weight: 1},
	}

	result, err := grader.Grade(context.Background(), GradeRequest{
		StudentAnswer: "Plants use chlorophyll to make sugar.",
		MaxScore:      8,
		Keypoints:     keypoints,
	})
	require.NoError(t, err)
	require.Equal(t, 6, result.Score)
	require.Contains(t, result.Feedback, "sunlight energy")
}

func TestHeuristicGraderFallsBackToModelAnswerCoverage(t *testing.T) {
	grader := NewHeuristicGrader()

	result, err := grader.Grade(context.Background(), GradeRequest{
		ModelAnswer:   "water boils at one hundred degrees",
		StudentAnswer: "Water boils at 100 degrees!",
		MaxScore:      6,
	})
	require.NoError(t, err)
	// 4 of 6 reference tokens matched.
	require.Equal(t, 4, result.Score)
}

func TestHeuristicGraderIsDeterministic(t *testing.T) {
	grader := NewHeuristicGrader()
	req := GradeRequest{
		ModelAnswer:   "The mitochondria produces ATP for the cell",
		StudentAnswer: "ATP comes from the mitochondria",
		MaxScore:      10,
		Keypoints:     []Keypoint{{Text: "ATP", Weight: 2}, {Text: "mitochondria", Weight: 1}, {Text: "respiration", Weight: 1}},
	}

	first, err := grader.Grade(context.Background(), req)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		next, err := grader.Grade(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, first, next)
	}
}

func TestTokenizeStripsPunctuation(t *testing.T) {
	require.Equal(t, []string{"it", "s", "a", "cell", "wall"}, tokenize("It's a CELL-wall."))
}
