package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/noah-isme/gema-grader/internal/queue"
)

// Executor modes for the worker.
const (
	ExecutorLocal     = "local"
	ExecutorContainer = "container"
)

// Config holds runtime configuration values shared by the API, the worker and evalctl.
type Config struct {
	AppName      string
	AppEnv       string
	AppPort      string
	LogLevel     string
	CORSOrigins  string
	OTLPEndpoint string

	DatabaseURL  string
	RedisURL     string
	NATSURL      string
	EventChannel string
	JWTSecret    string

	QueuePrefix        string
	QueueMaxAttempts   int
	QueueBaseBackoff   time.Duration
	QueueMaxBackoff    time.Duration
	CompletedRetention time.Duration

	WorkerConcurrency   int
	WorkerRatePerSecond float64
	JobTimeout          time.Duration
	PollInterval        time.Duration
	StuckThreshold      time.Duration
	StuckSweepInterval  time.Duration
	WorkerMetricsPort   string

	ProviderTimeout  time.Duration
	DeadlineReserve  time.Duration
	OpenAIAPIKey     string
	OpenAIModel      string
	SecondaryName    string
	SecondaryAPIKey  string
	SecondaryBaseURL string
	SecondaryModel   string

	Executor         string
	DockerHost       string
	GraderImage      string
	GraderCommand    []string
	ContainerTimeout time.Duration
	ContainerMemMB   int
	ContainerCPU     int

	ReviewThreshold float64
	TriggerRateMax  int
}

// RequireJWT reports an error when the API cannot verify bearer tokens.
func (c Config) RequireJWT() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("jwt secret must be provided")
	}
	return nil
}

// QueueOptions maps the queue settings onto the queue client options.
func (c Config) QueueOptions() queue.Options {
	return queue.Options{
		Prefix:             c.QueuePrefix,
		MaxAttempts:        c.QueueMaxAttempts,
		BaseBackoff:        c.QueueBaseBackoff,
		MaxBackoff:         c.QueueMaxBackoff,
		CompletedRetention: c.CompletedRetention,
	}
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	return listenAddress(c.AppPort)
}

// WorkerMetricsAddress returns the address of the worker's metrics endpoint.
func (c Config) WorkerMetricsAddress() string {
	return listenAddress(c.WorkerMetricsPort)
}

func listenAddress(port string) string {
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// Load reads configuration values from environment variables and an optional .env file.
// Keys map to GRADER_ prefixed variables, e.g. worker.concurrency is GRADER_WORKER_CONCURRENCY.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GRADER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	cfg := Config{
		AppName:      v.GetString("app.name"),
		AppEnv:       v.GetString("app.env"),
		AppPort:      v.GetString("app.port"),
		LogLevel:     strings.ToLower(v.GetString("log.level")),
		CORSOrigins:  v.GetString("cors.origins"),
		OTLPEndpoint: v.GetString("otel.endpoint"),

		DatabaseURL:  v.GetString("database.url"),
		RedisURL:     v.GetString("redis.url"),
		NATSURL:      v.GetString("nats.url"),
		EventChannel: v.GetString("events.channel"),
		JWTSecret:    v.GetString("jwt.secret"),

		QueuePrefix:      v.GetString("queue.prefix"),
		QueueMaxAttempts: v.GetInt("queue.max_attempts"),

		WorkerConcurrency:   v.GetInt("worker.concurrency"),
		WorkerRatePerSecond: v.GetFloat64("worker.rate_per_second"),
		WorkerMetricsPort:   v.GetString("worker.metrics_port"),

		OpenAIAPIKey:     v.GetString("openai.api_key"),
		OpenAIModel:      v.GetString("openai.model"),
		SecondaryName:    v.GetString("secondary.name"),
		SecondaryAPIKey:  v.GetString("secondary.api_key"),
		SecondaryBaseURL: v.GetString("secondary.base_url"),
		SecondaryModel:   v.GetString("secondary.model"),

		Executor:       strings.ToLower(v.GetString("executor.mode")),
		DockerHost:     v.GetString("docker.host"),
		GraderImage:    v.GetString("docker.image"),
		GraderCommand:  strings.Fields(v.GetString("docker.command")),
		ContainerMemMB: v.GetInt("docker.memory_mb"),
		ContainerCPU:   v.GetInt("docker.cpu_shares"),

		ReviewThreshold: v.GetFloat64("review.confidence_threshold"),
		TriggerRateMax:  v.GetInt("api.trigger_rate_per_minute"),
	}

	durations := map[string]*time.Duration{
		"queue.base_backoff":        &cfg.QueueBaseBackoff,
		"queue.max_backoff":         &cfg.QueueMaxBackoff,
		"queue.completed_retention": &cfg.CompletedRetention,
		"worker.job_timeout":        &cfg.JobTimeout,
		"worker.poll_interval":      &cfg.PollInterval,
		"worker.stuck_threshold":    &cfg.StuckThreshold,
		"worker.stuck_interval":     &cfg.StuckSweepInterval,
		"ai.provider_timeout":       &cfg.ProviderTimeout,
		"ai.deadline_reserve":       &cfg.DeadlineReserve,
		"docker.timeout":            &cfg.ContainerTimeout,
	}
	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*target = parsed
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "GEMA Grader")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("cors.origins", "*")
	v.SetDefault("events.channel", "grader")

	v.SetDefault("queue.prefix", "grader:jobs")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.base_backoff", "5s")
	v.SetDefault("queue.max_backoff", "5m")
	v.SetDefault("queue.completed_retention", "24h")

	v.SetDefault("worker.concurrency", 5)
	v.SetDefault("worker.rate_per_second", 10)
	v.SetDefault("worker.job_timeout", "60s")
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.stuck_threshold", "5m")
	v.SetDefault("worker.stuck_interval", "1m")
	v.SetDefault("worker.metrics_port", "9090")

	v.SetDefault("ai.provider_timeout", "30s")
	v.SetDefault("ai.deadline_reserve", "5s")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("secondary.name", "gemini")
	v.SetDefault("secondary.model", "gemini-1.5-flash")

	v.SetDefault("executor.mode", ExecutorLocal)
	v.SetDefault("docker.command", "")
	v.SetDefault("docker.timeout", "45s")
	v.SetDefault("docker.memory_mb", 256)
	v.SetDefault("docker.cpu_shares", 512)

	v.SetDefault("review.confidence_threshold", 0.5)
	v.SetDefault("api.trigger_rate_per_minute", 30)
}

func (c Config) validate() error {
	if c.Executor != ExecutorLocal && c.Executor != ExecutorContainer {
		return fmt.Errorf("unknown executor mode %q", c.Executor)
	}
	if c.Executor == ExecutorContainer && c.GraderImage == "" {
		return fmt.Errorf("container executor requires a grader image")
	}
	if c.DeadlineReserve >= c.JobTimeout {
		return fmt.Errorf("ai deadline reserve must be shorter than the job timeout")
	}
	if c.ReviewThreshold < 0 || c.ReviewThreshold > 1 {
		return fmt.Errorf("review confidence threshold must be within [0,1]")
	}
	return nil
}
