package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/noah-isme/gema-grader/internal/evaluation"
	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/docker"
)

// Executor turns grader input into raw, untrusted grader output.
type Executor interface {
	Execute(ctx context.Context, input evaluation.Input) ([]byte, error)
}

// AnswerGrader grades a single answer. *ai.Engine satisfies it.
type AnswerGrader interface {
	GradeAnswer(ctx context.Context, req ai.GradeRequest) ai.GradeResult
}

// LocalExecutor grades every question in-process through the provider chain.
type LocalExecutor struct {
	grader AnswerGrader
}

// NewLocalExecutor wraps a grading engine.
func NewLocalExecutor(grader AnswerGrader) *LocalExecutor {
	return &LocalExecutor{grader: grader}
}

// Execute grades the questions in input order and encodes the result in the grader
// output format.
func (e *LocalExecutor) Execute(ctx context.Context, input evaluation.Input) ([]byte, error) {
	output := evaluation.Output{
		SubmissionID: input.Submission.ID,
		Results:      make([]evaluation.ResultOutput, 0, len(input.Questions)),
	}

	var confidence float64
	for _, question := range input.Questions {
		// shutdown aborts the attempt; an expired job deadline only disables the AI providers
		if err := ctx.Err(); errors.Is(err, context.Canceled) {
			return nil, err
		}

		keypoints := make([]ai.Keypoint, 0, len(question.Rubric))
		for _, item := range question.Rubric {
			keypoints = append(keypoints, ai.Keypoint{Text: item.Keypoint, Weight: item.Weight})
		}

		result := e.grader.GradeAnswer(ctx, ai.GradeRequest{
			QuestionText:  question.Text,
			ModelAnswer:   question.ModelAnswer,
			StudentAnswer: input.AnswerFor(question.ID).StudentAnswer,
			MaxScore:      question.MaxScore,
			Keypoints:     keypoints,
		})

		output.Results = append(output.Results, evaluation.ResultOutput{
			QuestionID: question.ID,
			AIScore:    float64(result.Score),
			MaxScore:   float64(question.MaxScore),
			Confidence: result.Confidence,
			Feedback:   result.Feedback,
			Provider:   result.Provider,
		})
		output.AITotalScore += float64(result.Score)
		confidence += result.Confidence
	}
	if len(output.Results) > 0 {
		output.AverageConfidence = confidence / float64(len(output.Results))
	}

	raw, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("encode grader output: %w", err)
	}
	return raw, nil
}

// ContainerRunner runs an out-of-process grader. *docker.Runner satisfies it.
type ContainerRunner interface {
	Run(ctx context.Context, req docker.RunRequest) (docker.RunResult, error)
}

// ContainerExecutor hands the input to a grader image and returns what it prints.
type ContainerExecutor struct {
	runner  ContainerRunner
	image   string
	cmd     []string
	timeout time.Duration
}

// NewContainerExecutor builds an executor for the given grader image.
func NewContainerExecutor(runner ContainerRunner, image string, cmd []string, timeout time.Duration) *ContainerExecutor {
	return &ContainerExecutor{runner: runner, image: image, cmd: cmd, timeout: timeout}
}

// Execute runs the grader container with the encoded input.
func (e *ContainerExecutor) Execute(ctx context.Context, input evaluation.Input) ([]byte, error) {
	encoded, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode grader input: %w", err)
	}

	result, err := e.runner.Run(ctx, docker.RunRequest{
		Image:   e.image,
		Cmd:     e.cmd,
		Input:   encoded,
		Timeout: e.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("run grader container: %w", err)
	}
	return result.Stdout, nil
}
