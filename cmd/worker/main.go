package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/bootstrap"
	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/evaluation"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/worker"
	"github.com/noah-isme/gema-grader/pkg/ai"
	"github.com/noah-isme/gema-grader/pkg/docker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := observability.NewLogger("grader-worker", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, "grader-worker", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}

	infra, err := bootstrap.Connect(ctx, cfg, "grader-worker", false, logger)
	if err != nil {
		log.Fatalf("failed to connect infrastructure: %v", err)
	}
	defer infra.Close()

	executor, closeExecutor, err := buildExecutor(cfg, logger)
	if err != nil {
		log.Fatalf("failed to build executor: %v", err)
	}
	defer closeExecutor()

	outputValidator, err := evaluation.NewOutputValidator()
	if err != nil {
		log.Fatalf("failed to compile output contract: %v", err)
	}

	processor := worker.NewProcessor(worker.ProcessorConfig{
		Evaluations:     repository.NewEvaluationRepository(infra.DB),
		Submissions:     repository.NewSubmissionRepository(infra.DB),
		Exams:           repository.NewExamRepository(infra.DB),
		Executor:        executor,
		Validator:       outputValidator,
		Publisher:       infra.Publisher,
		Progress:        infra.Queue,
		ReviewThreshold: cfg.ReviewThreshold,
		Logger:          logger,
	})

	pool := worker.NewPool(infra.Queue, processor, worker.PoolConfig{
		Workers:        cfg.WorkerConcurrency,
		RatePerSecond:  cfg.WorkerRatePerSecond,
		JobTimeout:     cfg.JobTimeout,
		PollInterval:   cfg.PollInterval,
		StuckThreshold: cfg.StuckThreshold,
		StuckInterval:  cfg.StuckSweepInterval,
	}, logger)

	metricsApp := observability.NewMetricsApp("grader-worker")
	go func() {
		if err := metricsApp.Listen(cfg.WorkerMetricsAddress()); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().
		Int("workers", cfg.WorkerConcurrency).
		Str("executor", cfg.Executor).
		Msg("grader worker started")

	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker pool stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsApp.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics shutdown failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracer shutdown failed")
	}
	logger.Info().Msg("grader worker stopped")
}

func buildExecutor(cfg config.Config, logger zerolog.Logger) (worker.Executor, func(), error) {
	if cfg.Executor == config.ExecutorContainer {
		runner, err := docker.NewRunner(docker.Config{
			Host:          cfg.DockerHost,
			Image:         cfg.GraderImage,
			Timeout:       cfg.ContainerTimeout,
			MemoryLimitMB: int64(cfg.ContainerMemMB),
			CPUShares:     int64(cfg.ContainerCPU),
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, err
		}
		closer := func() { _ = runner.Close() }
		return worker.NewContainerExecutor(runner, cfg.GraderImage, cfg.GraderCommand, cfg.ContainerTimeout), closer, nil
	}

	return worker.NewLocalExecutor(buildEngine(cfg, logger)), func() {}, nil
}

func buildEngine(cfg config.Config, logger zerolog.Logger) *ai.Engine {
	var providers []ai.Grader

	if cfg.OpenAIAPIKey != "" {
		primary, err := ai.NewChatGrader(ai.ChatGraderConfig{
			Name:     "openai",
			APIKey:   cfg.OpenAIAPIKey,
			Model:    cfg.OpenAIModel,
			JSONMode: true,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("primary grader disabled")
		} else {
			providers = append(providers, primary)
		}
	}

	if cfg.SecondaryAPIKey != "" {
		secondary, err := ai.NewChatGrader(ai.ChatGraderConfig{
			Name:    cfg.SecondaryName,
			APIKey:  cfg.SecondaryAPIKey,
			BaseURL: cfg.SecondaryBaseURL,
			Model:   cfg.SecondaryModel,
			Logger:  logger,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("secondary grader disabled")
		} else {
			providers = append(providers, secondary)
		}
	}

	if len(providers) == 0 {
		logger.Warn().Msg("no AI provider configured, grading with the heuristic grader only")
	}

	return ai.NewEngine(ai.EngineConfig{
		ProviderTimeout: cfg.ProviderTimeout,
		DeadlineReserve: cfg.DeadlineReserve,
		Logger:          logger,
	}, providers...)
}
