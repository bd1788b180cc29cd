package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	maxFeedbackRunes  = 2000
	defaultConfidence = 0.8
)

// ErrNoJSONObject indicates the provider reply contained no JSON object.
var ErrNoJSONObject = errors.New("no json object in response")

// extractJSONObject returns the first balanced {...} block found in content.
// Braces inside JSON strings are ignored.
func extractJSONObject(content string) (string, error) {
	start := strings.IndexByte(content, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(content); i++ {
			ch := content[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case ch == '\\':
					escaped = true
				case ch == '"':
					inString = false
				}
				continue
			}
			switch ch {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return content[start : i+1], nil
				}
			}
		}

		next := strings.IndexByte(content[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", ErrNoJSONObject
}

// parseGradeResponse turns a provider reply into a bounded GradeResult.
func parseGradeResponse(content string, maxScore int) (GradeResult, error) {
	block, err := extractJSONObject(content)
	if err != nil {
		return GradeResult{}, err
	}

	type payload struct {
		Score      *float64 `json:"score"`
		Feedback   string   `json:"feedback"`
		Confidence *float64 `json:"confidence"`
	}

	var data payload
	if err := json.Unmarshal([]byte(block), &data); err != nil {
		return GradeResult{}, fmt.Errorf("parse grade json: %w", err)
	}
	if data.Score == nil {
		return GradeResult{}, errors.New("grade json missing score")
	}
	if math.IsNaN(*data.Score) || math.IsInf(*data.Score, 0) {
		return GradeResult{}, errors.New("grade json score is not finite")
	}

	confidence := defaultConfidence
	if data.Confidence != nil && !math.IsNaN(*data.Confidence) {
		confidence = clampFloat(*data.Confidence, 0, 1)
	}

	return GradeResult{
		Score:      clampScore(*data.Score, maxScore),
		Feedback:   truncateRunes(strings.TrimSpace(data.Feedback), maxFeedbackRunes),
		Confidence: confidence,
	}, nil
}

func clampScore(score float64, maxScore int) int {
	if maxScore < 0 {
		maxScore = 0
	}
	return int(math.Round(clampFloat(score, 0, float64(maxScore))))
}

func clampFloat(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
