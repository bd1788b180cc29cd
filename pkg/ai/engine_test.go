package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type countingGrader struct {
	name   string
	result GradeResult
	err    error
	delay  time.Duration
	calls  int
}

func (c *countingGrader) Name() string { return c.name }

func (c *countingGrader) Grade(ctx context.Context, req GradeRequest) (GradeResult, error) {
	c.calls++
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return GradeResult{}, ctx.Err()
		}
	}
	if c.err != nil {
		return GradeResult{}, c.err
	}
	return c.result, nil
}

func TestEngineEmptyAnswerSkipsProviders(t *testing.T) {
	primary := &countingGrader{name: "openai", result: GradeResult{Score: 5}}
	secondary := &countingGrader{name: "gemini", result: GradeResult{Score: 5}}
	engine := NewEngine(EngineConfig{Logger: zerolog.Nop()}, primary, secondary)

	result := engine.GradeAnswer(context.Background(), GradeRequest{StudentAnswer: "   \n\t", MaxScore: 5})
	require.Equal(t, 0, result.Score)
	require.Equal(t, NoAnswerFeedback, result.Feedback)
	require.Equal(t, ProviderNone, result.Provider)
	require.Zero(t, primary.calls)
	require.Zero(t, secondary.calls)
}

func TestEngineUsesPrimaryWhenHealthy(t *testing.T) {
	primary := &countingGrader{name: "openai", result: GradeResult{Score: 4, Feedback: "ok", Confidence: 0.9}}
	secondary := &countingGrader{name: "gemini"}
	engine := NewEngine(EngineConfig{Logger: zerolog.Nop()}, primary, secondary)

	result := engine.GradeAnswer(context.Background(), GradeRequest{StudentAnswer: "answer", MaxScore: 5})
	require.Equal(t, 4, result.Score)
	require.Equal(t, "openai", result.Provider)
	require.Equal(t, 1, primary.calls)
	require.Zero(t, secondary.calls)
}

func TestEngineFallsBackThroughChain(t *testing.T) {
	primary := &countingGrader{name: "openai", err: errors.New("503")}
	secondary := &countingGrader{name: "gemini", result: GradeResult{Score: 9, Feedback: "fine"}}
	engine := NewEngine(EngineConfig{Logger: zerolog.Nop()}, primary, secondary)

	result := engine.GradeAnswer(context.Background(), GradeRequest{StudentAnswer: "answer", MaxScore: 5})
	require.Equal(t, "gemini", result.Provider)
	require.Equal(t, 5, result.Score, "provider scores are clamped to max")
	require.Equal(t, 1, primary.calls)
	require.Equal(t, 1, secondary.calls)
}

func TestEngineFallsBackToHeuristicOnTimeout(t *testing.T) {
	slow := &countingGrader{name: "openai", delay: time.Second}
	engine := NewEngine(EngineConfig{ProviderTimeout: 10 * time.Millisecond, Logger: zerolog.Nop()}, slow)

	result := engine.GradeAnswer(context.Background(), GradeRequest{
		StudentAnswer: "mitosis splits the nucleus",
		MaxScore:      4,
		Keypoints:     []Keypoint{{Text: "mitosis", Weight: 1}},
	})
	require.Equal(t, ProviderHeuristic, result.Provider)
	require.Equal(t, 4, result.Score)
	require.Equal(t, 1, slow.calls)
}

func TestEngineSkipsUnconfiguredProviders(t *testing.T) {
	var missing *ChatGrader
	engine := NewEngine(EngineConfig{Logger: zerolog.Nop()}, missing, nil)
	require.Equal(t, []string{ProviderHeuristic}, engine.Providers())
}

func TestEngineSkipsProvidersWhenDeadlineInsideReserve(t *testing.T) {
	primary := &countingGrader{name: "openai", result: GradeResult{Score: 5}}
	engine := NewEngine(EngineConfig{DeadlineReserve: time.Second, Logger: zerolog.Nop()}, primary)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	result := engine.GradeAnswer(ctx, GradeRequest{
		StudentAnswer: "mitosis splits the nucleus",
		MaxScore:      4,
		Keypoints:     []Keypoint{{Text: "mitosis", Weight: 1}},
	})
	require.Equal(t, ProviderHeuristic, result.Provider)
	require.Equal(t, 4, result.Score)
	require.Zero(t, primary.calls)
}

func TestEngineCapsProviderCallAtRemainingBudget(t *testing.T) {
	slow := &countingGrader{name: "openai", delay: 5 * time.Second}
	engine := NewEngine(EngineConfig{
		ProviderTimeout: 30 * time.Second,
		DeadlineReserve: 150 * time.Millisecond,
		Logger:          zerolog.Nop(),
	}, slow)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	started := time.Now()
	result := engine.GradeAnswer(ctx, GradeRequest{StudentAnswer: "answer", MaxScore: 5})
	require.Less(t, time.Since(started), time.Second)
	require.Equal(t, ProviderHeuristic, result.Provider)
	require.Equal(t, 1, slow.calls)
	require.NoError(t, ctx.Err(), "the reserve is left for the heuristic and persistence")
}

func TestEngineHeuristicRunsOnExpiredContext(t *testing.T) {
	primary := &countingGrader{name: "openai", result: GradeResult{Score: 5}}
	engine := NewEngine(EngineConfig{Logger: zerolog.Nop()}, primary)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	result := engine.GradeAnswer(ctx, GradeRequest{StudentAnswer: "answer", MaxScore: 5})
	require.Equal(t, ProviderHeuristic, result.Provider)
	require.Zero(t, primary.calls)
}
