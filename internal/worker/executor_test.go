package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/evaluation"
	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/docker"
)

// hangingGrader never answers; it returns only when its context ends.
type hangingGrader struct {
	name string
}

func (g hangingGrader) Name() string { return g.name }

func (g hangingGrader) Grade(ctx context.Context, _ ai.GradeRequest) (ai.GradeResult, error) {
	<-ctx.Done()
	return ai.GradeResult{}, ctx.Err()
}

func hangingEngine() *ai.Engine {
	return ai.NewEngine(ai.EngineConfig{
		ProviderTimeout: 30 * time.Millisecond,
		DeadlineReserve: 10 * time.Millisecond,
		Logger:          zerolog.Nop(),
	}, hangingGrader{name: "openai"}, hangingGrader{name: "gemini"})
}

type capturingRunner struct {
	request docker.RunRequest
	stdout  []byte
}

func (r *capturingRunner) Run(_ context.Context, req docker.RunRequest) (docker.RunResult, error) {
	r.request = req
	return docker.RunResult{Stdout: r.stdout}, nil
}

func executorInput() evaluation.Input {
	return evaluation.Input{
		Submission: evaluation.SubmissionRef{ID: 3, StudentID: 1, ExamID: 2},
		Exam:       evaluation.ExamRef{ID: 2, Title: "History"},
		Questions: []evaluation.QuestionInput{
			{ID: 1, Text: "q1", MaxScore: 5},
			{ID: 2, Text: "q2", MaxScore: 5},
		},
		Answers: []evaluation.AnswerInput{{QuestionID: 1, StudentAnswer: "treaty"}},
	}
}

func TestLocalExecutorProducesValidOutput(t *testing.T) {
	executor := NewLocalExecutor(scriptedGrader{scores: map[string]int{"q1": 5, "q2": 2}})

	raw, err := executor.Execute(context.Background(), executorInput())
	require.NoError(t, err)

	validator, err := evaluation.NewOutputValidator()
	require.NoError(t, err)
	output, err := validator.Validate(raw, executorInput())
	require.NoError(t, err)
	require.InDelta(t, 7, output.AITotalScore, 0.001)
	require.InDelta(t, 0.8, output.AverageConfidence, 0.001)
	require.Equal(t, "scripted", output.Results[0].Provider)
}

func TestLocalExecutorStopsOnCancelledContext(t *testing.T) {
	executor := NewLocalExecutor(scriptedGrader{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := executor.Execute(ctx, executorInput())
	require.ErrorIs(t, err, context.Canceled)
}

func TestLocalExecutorFinishesWhenProvidersExhaustJobDeadline(t *testing.T) {
	input := evaluation.Input{
		Submission: evaluation.SubmissionRef{ID: 3, StudentID: 1, ExamID: 2},
		Exam:       evaluation.ExamRef{ID: 2, Title: "History"},
		Questions: []evaluation.QuestionInput{
			{ID: 1, Text: "q1", MaxScore: 5, ModelAnswer: "treaty of versailles"},
			{ID: 2, Text: "q2", MaxScore: 5, ModelAnswer: "league of nations"},
			{ID: 3, Text: "q3", MaxScore: 5, ModelAnswer: "reparations"},
		},
		Answers: []evaluation.AnswerInput{
			{QuestionID: 1, StudentAnswer: "the treaty of versailles"},
			{QuestionID: 2, StudentAnswer: "the league"},
			{QuestionID: 3, StudentAnswer: "war reparations"},
		},
	}
	executor := NewLocalExecutor(hangingEngine())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	raw, err := executor.Execute(ctx, input)
	require.NoError(t, err)

	validator, err := evaluation.NewOutputValidator()
	require.NoError(t, err)
	output, err := validator.Validate(raw, input)
	require.NoError(t, err)
	require.Len(t, output.Results, 3)
	for _, result := range output.Results {
		require.Equal(t, ai.ProviderHeuristic, result.Provider)
	}
}

func TestContainerExecutorSendsInputAndReturnsStdout(t *testing.T) {
	runner := &capturingRunner{stdout: []byte(`{"submission_id":3}`)}
	executor := NewContainerExecutor(runner, "grader:1", []string{"/grade"}, 0)

	raw, err := executor.Execute(context.Background(), executorInput())
	require.NoError(t, err)
	require.Equal(t, `{"submission_id":3}`, string(raw))
	require.Equal(t, "grader:1", runner.request.Image)
	require.Equal(t, []string{"/grade"}, runner.request.Cmd)

	var sent evaluation.Input
	require.NoError(t, json.Unmarshal(runner.request.Input, &sent))
	require.Equal(t, executorInput(), sent)
}
