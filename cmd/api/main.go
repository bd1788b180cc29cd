package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/bootstrap"
	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/events"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/router"
	"github.com/noah-isme/gema-grader/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.RequireJWT(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := observability.NewLogger("grader-api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, "grader-api", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}

	infra, err := bootstrap.Connect(ctx, cfg, "grader-api", true, logger)
	if err != nil {
		log.Fatalf("failed to connect infrastructure: %v", err)
	}
	defer infra.Close()

	validate := validator.New(validator.WithRequiredStructEnabled())

	evaluationRepo := repository.NewEvaluationRepository(infra.DB)
	overrideRepo := repository.NewOverrideRepository(infra.DB)
	submissionRepo := repository.NewSubmissionRepository(infra.DB)

	reconciliationService := service.NewReconciliationService(evaluationRepo, overrideRepo, validate, infra.Publisher, logger)
	evaluationService := service.NewEvaluationService(service.EvaluationServiceConfig{
		Evaluations:     evaluationRepo,
		Submissions:     submissionRepo,
		Reconciliation:  reconciliationService,
		Queue:           infra.Queue,
		Publisher:       infra.Publisher,
		Validator:       validate,
		ReviewThreshold: cfg.ReviewThreshold,
		StuckThreshold:  cfg.StuckThreshold,
		Logger:          logger,
	})
	jobService := service.NewJobService(infra.Queue, evaluationRepo, cfg.StuckThreshold, logger)

	hub := events.NewHub(64, logger)
	go func() {
		if err := hub.Run(ctx, infra.Publisher.Listen); err != nil {
			logger.Error().Err(err).Msg("event stream listener stopped")
		}
	}()

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: logger, AllowOrigins: cfg.CORSOrigins})
	router.Register(app, cfg, router.Dependencies{
		EvaluationHandler: handler.NewEvaluationHandler(evaluationService, reconciliationService, logger),
		JobHandler:        handler.NewJobHandler(jobService, logger),
		EventStream:       handler.NewEventStreamHandler(hub, logger),
		HealthChecks:      infra.HealthChecks(),
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		logger.Info().Str("address", cfg.HTTPAddress()).Msg("grader api listening")
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	waitForShutdown(app, shutdownTracing, logger)
}

func waitForShutdown(app *fiber.App, shutdownTracing func(context.Context) error, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Warn().Err(err).Msg("tracer shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
