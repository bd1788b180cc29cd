package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, ":9090", cfg.WorkerMetricsAddress())
	require.Equal(t, "grader:jobs", cfg.QueuePrefix)
	require.Equal(t, 3, cfg.QueueMaxAttempts)
	require.Equal(t, 5*time.Second, cfg.QueueBaseBackoff)
	require.Equal(t, 5*time.Minute, cfg.QueueMaxBackoff)
	require.Equal(t, 5, cfg.WorkerConcurrency)
	require.InDelta(t, 10, cfg.WorkerRatePerSecond, 0.001)
	require.Equal(t, 60*time.Second, cfg.JobTimeout)
	require.Equal(t, 5*time.Minute, cfg.StuckThreshold)
	require.Equal(t, 30*time.Second, cfg.ProviderTimeout)
	require.Equal(t, 5*time.Second, cfg.DeadlineReserve)
	require.Equal(t, ExecutorLocal, cfg.Executor)
	require.InDelta(t, 0.5, cfg.ReviewThreshold, 0.001)
	require.Error(t, cfg.RequireJWT())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("GRADER_JWT_SECRET", "secret")
	t.Setenv("GRADER_WORKER_CONCURRENCY", "12")
	t.Setenv("GRADER_WORKER_JOB_TIMEOUT", "2m")
	t.Setenv("GRADER_EXECUTOR_MODE", "container")
	t.Setenv("GRADER_DOCKER_IMAGE", "registry.local/grader:1")
	t.Setenv("GRADER_DOCKER_COMMAND", "grader --input /workspace/input.json")
	t.Setenv("GRADER_APP_PORT", ":7000")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.RequireJWT())
	require.Equal(t, 12, cfg.WorkerConcurrency)
	require.Equal(t, 2*time.Minute, cfg.JobTimeout)
	require.Equal(t, ExecutorContainer, cfg.Executor)
	require.Equal(t, []string{"grader", "--input", "/workspace/input.json"}, cfg.GraderCommand)
	require.Equal(t, ":7000", cfg.HTTPAddress())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("GRADER_EXECUTOR_MODE", "container")
	_, err := Load()
	require.ErrorContains(t, err, "grader image")

	t.Setenv("GRADER_EXECUTOR_MODE", "local")
	t.Setenv("GRADER_QUEUE_BASE_BACKOFF", "soon")
	_, err = Load()
	require.ErrorContains(t, err, "queue.base_backoff")

	t.Setenv("GRADER_QUEUE_BASE_BACKOFF", "5s")
	t.Setenv("GRADER_WORKER_JOB_TIMEOUT", "3s")
	_, err = Load()
	require.ErrorContains(t, err, "deadline reserve")
}
