package ai

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"
)

const heuristicConfidence = 0.35

// HeuristicGrader scores answers by keyword overlap. It never calls the network and
// always returns the same result for the same request.
type HeuristicGrader struct{}

// NewHeuristicGrader constructs the local fallback grader.
func NewHeuristicGrader() *HeuristicGrader {
	return &HeuristicGrader{}
}

// Name reports the provider label.
func (h *HeuristicGrader) Name() string {
	return ProviderHeuristic
}

// Grade scores the answer against rubric keypoints, or the model answer when none exist.
func (h *HeuristicGrader) Grade(_ context.Context, req GradeRequest) (GradeResult, error) {
	maxScore := req.MaxScore
	if maxScore < 0 {
		maxScore = 0
	}

	student := tokenSet(req.StudentAnswer)

	keypoints := make([]Keypoint, 0, len(req.Keypoints))
	for _, kp := range req.Keypoints {
		if len(tokenize(kp.Text)) > 0 {
			keypoints = append(keypoints, kp)
		}
	}

	if len(keypoints) == 0 {
		return h.gradeByCoverage(student, req.ModelAnswer, maxScore), nil
	}

	var totalWeight, hitWeight float64
	hits := make([]string, 0, len(keypoints))
	misses := make([]string, 0, len(keypoints))
	for _, kp := range keypoints {
		weight := kp.Weight
		if weight <= 0 {
			weight = 1
		}
		totalWeight += weight

		if intersects(tokenize(kp.Text), student) {
			hitWeight += weight
			hits = append(hits, kp.Text)
		} else {
			misses = append(misses, kp.Text)
		}
	}

	score := int(math.Round(float64(maxScore) * hitWeight / totalWeight))

	return GradeResult{
		Score:      score,
		Feedback:   keypointFeedback(hits, misses),
		Provider:   ProviderHeuristic,
		Confidence: heuristicConfidence,
	}, nil
}

func (h *HeuristicGrader) gradeByCoverage(student map[string]struct{}, modelAnswer string, maxScore int) GradeResult {
	reference := tokenSet(modelAnswer)
	if len(reference) == 0 {
		return GradeResult{
			Score:      0,
			Feedback:   "No reference answer available for automatic grading.",
			Provider:   ProviderHeuristic,
			Confidence: heuristicConfidence,
		}
	}

	matched := 0
	for token := range reference {
		if _, ok := student[token]; ok {
			matched++
		}
	}

	coverage := float64(matched) / float64(len(reference))
	return GradeResult{
		Score:      int(math.Round(float64(maxScore) * coverage)),
		Feedback:   fmt.Sprintf("Your answer covers %.0f%% of the key terms in the model answer.", coverage*100),
		Provider:   ProviderHeuristic,
		Confidence: heuristicConfidence,
	}
}

func keypointFeedback(hits, misses []string) string {
	switch {
	case len(misses) == 0:
		return fmt.Sprintf("All %d expected keypoints were addressed.", len(hits))
	case len(hits) == 0:
		return "None of the expected keypoints were addressed. Missing: " + strings.Join(misses, "; ") + "."
	default:
		return fmt.Sprintf("Addressed %d of %d expected keypoints. Missing: %s.", len(hits), len(hits)+len(misses), strings.Join(misses, "; "))
	}
}

// tokenize lowercases text, replaces non-alphanumerics with spaces and splits on whitespace.
func tokenize(text string) []string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, text)
	return strings.Fields(cleaned)
}

func tokenSet(text string) map[string]struct{} {
	tokens := tokenize(text)
	set := make(map[string]struct{}, len(tokens))
	for _, token := range tokens {
		set[token] = struct{}{}
	}
	return set
}

func intersects(tokens []string, set map[string]struct{}) bool {
	for _, token := range tokens {
		if _, ok := set[token]; ok {
			return true
		}
	}
	return false
}
