package main

import (
	"context"
	"os"

	"github.com/noah-isme/gema-grader/internal/bootstrap"
	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/service"
)

func main() {
	root := newRootCommand(connect)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func connect(ctx context.Context) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger("evalctl", "warn")

	infra, err := bootstrap.Connect(ctx, cfg, "evalctl", false, logger)
	if err != nil {
		return nil, err
	}

	return &session{
		jobs:   service.NewJobService(infra.Queue, repository.NewEvaluationRepository(infra.DB), cfg.StuckThreshold, logger),
		listen: infra.Publisher.Listen,
		close:  infra.Close,
	}, nil
}
