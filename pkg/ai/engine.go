package ai

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// NoAnswerFeedback is returned for blank answers.
const NoAnswerFeedback = "No answer provided"

const (
	defaultProviderTimeout = 30 * time.Second
	defaultDeadlineReserve = 5 * time.Second
)

var (
	providerSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "engine",
		Name:      "provider_selected_total",
		Help:      "Number of answers graded by each provider",
	}, []string{"provider"})

	providerFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "engine",
		Name:      "provider_fallbacks_total",
		Help:      "Number of times a provider was abandoned for the next one in the chain",
	}, []string{"provider"})
)

// EngineConfig configures the grading engine. DeadlineReserve is the part of the
// caller's deadline that provider calls may not use, leaving time to finish the
// remaining answers with the heuristic and to persist the result.
type EngineConfig struct {
	ProviderTimeout time.Duration
	DeadlineReserve time.Duration
	Logger          zerolog.Logger
}

// Engine grades answers by walking an ordered provider chain. The heuristic grader is
// always the last link, so GradeAnswer always produces a score.
type Engine struct {
	chain     []Grader
	heuristic Grader
	timeout   time.Duration
	reserve   time.Duration
	logger    zerolog.Logger
}

// NewEngine builds an engine from the configured AI providers, in priority order.
// Nil providers are skipped.
func NewEngine(cfg EngineConfig, providers ...Grader) *Engine {
	chain := make([]Grader, 0, len(providers))
	for _, provider := range providers {
		if provider != nil && !isNilGrader(provider) {
			chain = append(chain, provider)
		}
	}

	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	reserve := cfg.DeadlineReserve
	if reserve <= 0 {
		reserve = defaultDeadlineReserve
	}

	return &Engine{
		chain:     chain,
		heuristic: NewHeuristicGrader(),
		timeout:   timeout,
		reserve:   reserve,
		logger:    cfg.Logger.With().Str("component", "grading_engine").Logger(),
	}
}

// Providers lists the provider names in fallback order, heuristic included.
func (e *Engine) Providers() []string {
	names := make([]string, 0, len(e.chain)+1)
	for _, provider := range e.chain {
		names = append(names, provider.Name())
	}
	return append(names, e.heuristic.Name())
}

// GradeAnswer grades a single answer. Provider failures are logged and absorbed.
func (e *Engine) GradeAnswer(ctx context.Context, req GradeRequest) GradeResult {
	if strings.TrimSpace(req.StudentAnswer) == "" {
		providerSelections.WithLabelValues(ProviderNone).Inc()
		return GradeResult{Score: 0, Feedback: NoAnswerFeedback, Provider: ProviderNone, Confidence: 1}
	}

	for _, provider := range e.chain {
		budget, ok := e.providerBudget(ctx)
		if !ok {
			e.logger.Warn().Str("provider", provider.Name()).Msg("grading budget spent, using heuristic grader")
			break
		}

		result, err := e.tryProvider(ctx, provider, req, budget)
		if err == nil {
			providerSelections.WithLabelValues(result.Provider).Inc()
			return result
		}

		providerFallbacks.WithLabelValues(provider.Name()).Inc()
		e.logger.Warn().Err(err).Str("provider", provider.Name()).Msg("grading provider failed, falling back")
	}

	// the heuristic is local and must finish even when the caller's deadline has passed
	result, _ := e.heuristic.Grade(context.WithoutCancel(ctx), req)
	providerSelections.WithLabelValues(result.Provider).Inc()
	return result
}

// providerBudget caps a provider call at the provider timeout or at what is left of
// the caller's deadline minus the reserve, whichever is shorter.
func (e *Engine) providerBudget(ctx context.Context) (time.Duration, bool) {
	if ctx.Err() != nil {
		return 0, false
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return e.timeout, true
	}
	remaining := time.Until(deadline) - e.reserve
	if remaining <= 0 {
		return 0, false
	}
	if remaining < e.timeout {
		return remaining, true
	}
	return e.timeout, true
}

func (e *Engine) tryProvider(parent context.Context, provider Grader, req GradeRequest, budget time.Duration) (result GradeResult, err error) {
	ctx, cancel := context.WithTimeout(parent, budget)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = &ProviderError{Provider: provider.Name(), Err: errors.New("provider panicked")}
		}
	}()

	result, err = provider.Grade(ctx, req)
	if err != nil {
		return GradeResult{}, &ProviderError{Provider: provider.Name(), Err: err}
	}

	result.Score = clampScore(float64(result.Score), req.MaxScore)
	result.Confidence = clampFloat(result.Confidence, 0, 1)
	if result.Provider == "" {
		result.Provider = provider.Name()
	}
	return result, nil
}

func isNilGrader(g Grader) bool {
	switch v := g.(type) {
	case *ChatGrader:
		return v == nil
	case *HeuristicGrader:
		return v == nil
	}
	return false
}
