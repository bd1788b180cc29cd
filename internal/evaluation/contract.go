package evaluation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ScoreTolerance is the allowed drift between a reported total and the sum of its parts.
const ScoreTolerance = 0.01

const outputSchemaURL = "grader-output.json"

const outputSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["submission_id", "ai_total_score", "results"],
  "properties": {
    "submission_id": {"type": "integer", "minimum": 1},
    "ai_total_score": {"type": "number", "minimum": 0},
    "average_confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "results": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["question_id", "ai_score", "max_score", "confidence"],
        "properties": {
          "question_id": {"type": "integer", "minimum": 1},
          "ai_score": {"type": "number", "minimum": 0},
          "max_score": {"type": "number", "exclusiveMinimum": 0},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "feedback": {"type": "string"},
          "provider": {"type": "string"}
        }
      }
    }
  }
}`

// OutputValidator treats grader output as untrusted and checks it against the
// structural schema and the scoring rules before anything is stored.
type OutputValidator struct {
	schema *jsonschema.Schema
}

// NewOutputValidator compiles the output schema.
func NewOutputValidator() (*OutputValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(outputSchemaURL, bytes.NewReader([]byte(outputSchema))); err != nil {
		return nil, fmt.Errorf("load output schema: %w", err)
	}
	schema, err := compiler.Compile(outputSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile output schema: %w", err)
	}
	return &OutputValidator{schema: schema}, nil
}

// Validate decodes raw grader output and returns it only if every check passes.
func (v *OutputValidator) Validate(raw []byte, input Input) (Output, error) {
	var document interface{}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&document); err != nil {
		return Output{}, violation(raw, fmt.Sprintf("payload is not valid json: %v", err))
	}

	if err := v.schema.Validate(document); err != nil {
		return Output{}, violation(raw, fmt.Sprintf("schema: %v", err))
	}

	var output Output
	if err := json.Unmarshal(raw, &output); err != nil {
		return Output{}, violation(raw, fmt.Sprintf("decode output: %v", err))
	}

	if problems := checkOutput(output, input); len(problems) > 0 {
		return Output{}, &ContractViolation{Problems: problems, Raw: raw}
	}

	return output, nil
}

func checkOutput(output Output, input Input) []string {
	var problems []string

	if !finite(output.AITotalScore) || !finite(output.AverageConfidence) {
		problems = append(problems, "totals must be finite numbers")
	}
	if output.SubmissionID != input.Submission.ID {
		problems = append(problems, fmt.Sprintf("submission_id %d does not match %d", output.SubmissionID, input.Submission.ID))
	}

	expected := make(map[uint]int, len(input.Questions))
	for _, question := range input.Questions {
		expected[question.ID] = question.MaxScore
	}

	seen := make(map[uint]struct{}, len(output.Results))
	var sum float64
	for _, result := range output.Results {
		if !finite(result.AIScore) || !finite(result.MaxScore) || !finite(result.Confidence) {
			problems = append(problems, fmt.Sprintf("question %d has non-finite values", result.QuestionID))
			continue
		}
		if _, dup := seen[result.QuestionID]; dup {
			problems = append(problems, fmt.Sprintf("question %d reported twice", result.QuestionID))
			continue
		}
		seen[result.QuestionID] = struct{}{}

		declared, ok := expected[result.QuestionID]
		if !ok {
			problems = append(problems, fmt.Sprintf("unexpected question %d", result.QuestionID))
			continue
		}
		if math.Abs(result.MaxScore-float64(declared)) > ScoreTolerance {
			problems = append(problems, fmt.Sprintf("question %d max_score %.2f does not match %d", result.QuestionID, result.MaxScore, declared))
		}
		if result.AIScore < 0 || result.AIScore > float64(declared) {
			problems = append(problems, fmt.Sprintf("question %d ai_score %.2f outside [0, %d]", result.QuestionID, result.AIScore, declared))
		}
		if result.Confidence < 0 || result.Confidence > 1 {
			problems = append(problems, fmt.Sprintf("question %d confidence %.2f outside [0, 1]", result.QuestionID, result.Confidence))
		}
		sum += result.AIScore
	}

	for _, question := range input.Questions {
		if _, ok := seen[question.ID]; !ok {
			problems = append(problems, fmt.Sprintf("missing question %d", question.ID))
		}
	}

	if math.Abs(output.AITotalScore-sum) > ScoreTolerance {
		problems = append(problems, fmt.Sprintf("ai_total_score %.2f does not equal sum of scores %.2f", output.AITotalScore, sum))
	}

	return problems
}

func violation(raw []byte, problem string) *ContractViolation {
	return &ContractViolation{Problems: []string{problem}, Raw: raw}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
