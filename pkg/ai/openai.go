package ai

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	gradeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grader",
		Subsystem: "ai",
		Name:      "grade_duration_seconds",
		Help:      "Duration of AI grading requests",
	}, []string{"provider", "model"})

	gradeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "ai",
		Name:      "grade_failures_total",
		Help:      "Number of AI grading requests that failed or returned unusable output",
	}, []string{"provider", "model"})
)

// ChatGraderConfig defines configuration options for an OpenAI-compatible grader.
type ChatGraderConfig struct {
	Name        string
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	JSONMode    bool
	Logger      zerolog.Logger
}

// ChatGrader grades answers through an OpenAI-compatible chat completion API.
// The primary provider talks to OpenAI; a secondary one can point BaseURL at any
// compatible endpoint.
type ChatGrader struct {
	client *openai.Client
	cfg    ChatGraderConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewChatGrader builds a grader using the provided configuration.
func NewChatGrader(cfg ChatGraderConfig) (*ChatGrader, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s api key is required", nameOrDefault(cfg.Name))
	}

	cfg.Name = nameOrDefault(cfg.Name)
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 512
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &ChatGrader{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-grader/pkg/ai/chat"),
		logger: logger.With().Str("component", "chat_grader").Str("provider", cfg.Name).Logger(),
	}, nil
}

// Name reports the provider label used in results and metrics.
func (g *ChatGrader) Name() string {
	return g.cfg.Name
}

// Grade asks the model for a score and feedback and parses its JSON reply.
func (g *ChatGrader) Grade(parent context.Context, req GradeRequest) (GradeResult, error) {
	ctx, span := g.tracer.Start(parent, "ai.grade", trace.WithAttributes(
		attribute.String("ai.provider", g.cfg.Name),
		attribute.String("ai.model", g.cfg.Model),
		attribute.Int("ai.max_score", req.MaxScore),
	))
	defer span.End()

	request := openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: graderSystemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: buildGradePrompt(req)},
		},
	}
	if g.cfg.JSONMode {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, request)
	gradeDuration.WithLabelValues(g.cfg.Name, g.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		return GradeResult{}, g.fail(span, fmt.Errorf("chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return GradeResult{}, g.fail(span, fmt.Errorf("no choices returned"))
	}

	result, err := parseGradeResponse(resp.Choices[0].Message.Content, req.MaxScore)
	if err != nil {
		return GradeResult{}, g.fail(span, err)
	}
	result.Provider = g.cfg.Name

	span.SetAttributes(attribute.Int("ai.score", result.Score))
	return result, nil
}

func (g *ChatGrader) fail(span trace.Span, err error) error {
	gradeFailures.WithLabelValues(g.cfg.Name, g.cfg.Model).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func graderSystemPrompt() string {
	return "You are an exam grader. Compare the student's answer with the model answer and rubric keypoints. " +
		"Respond with a JSON object containing score (integer between 0 and the maximum score), feedback " +
		"(two or three sentences addressed to the student) and confidence (0-1)."
}

func buildGradePrompt(req GradeRequest) string {
	builder := strings.Builder{}
	if req.QuestionText != "" {
		builder.WriteString("# Question\n")
		builder.WriteString(req.QuestionText)
		builder.WriteString("\n\n")
	}
	builder.WriteString("## Maximum Score\n")
	builder.WriteString(strconv.Itoa(req.MaxScore))
	builder.WriteString("\n\n## Model Answer\n")
	builder.WriteString(req.ModelAnswer)
	if len(req.Keypoints) > 0 {
		builder.WriteString("\n\n## Rubric Keypoints\n")
		for _, kp := range req.Keypoints {
			builder.WriteString("- ")
			builder.WriteString(kp.Text)
			builder.WriteString(" (weight ")
			builder.WriteString(strconv.FormatFloat(kp.Weight, 'f', -1, 64))
			builder.WriteString(")\n")
		}
	}
	builder.WriteString("\n\n## Student Answer\n")
	builder.WriteString(req.StudentAnswer)
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

func nameOrDefault(name string) string {
	if strings.TrimSpace(name) == "" {
		return "openai"
	}
	return strings.ToLower(strings.TrimSpace(name))
}
