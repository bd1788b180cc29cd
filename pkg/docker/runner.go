package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InputFileName is the file the grader container reads its input from.
const InputFileName = "input.json"

var (
	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grader",
		Subsystem: "container",
		Name:      "run_duration_seconds",
		Help:      "Duration of out-of-process grader runs",
		Buckets:   prometheus.DefBuckets,
	}, []string{"image"})

	runTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "container",
		Name:      "run_timeouts_total",
		Help:      "Number of grader runs that hit the timeout",
	}, []string{"image"})

	runFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "container",
		Name:      "run_failures_total",
		Help:      "Number of grader runs that could not produce output",
	}, []string{"image"})
)

var (
	// ErrTimeout is returned when the grader does not exit within the run timeout.
	ErrTimeout = errors.New("grader container timed out")
	// ErrImageRequired is returned when neither the request nor the config names an image.
	ErrImageRequired = errors.New("grader image is required")
)

// ExitError reports a grader process that exited unsuccessfully.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("grader exited with code %d: %s", e.Code, e.Stderr)
}

// containerAPI is the subset of the Docker client the runner needs.
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// RunRequest describes one grader invocation.
type RunRequest struct {
	Image   string
	Cmd     []string
	Env     []string
	Input   []byte
	Timeout time.Duration
}

// RunResult carries what the grader printed.
type RunResult struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Config groups runner configuration values.
type Config struct {
	Host          string
	Image         string
	Timeout       time.Duration
	MemoryLimitMB int64
	CPUShares     int64
	WorkingDir    string
	WorkspaceRoot string
	Logger        zerolog.Logger
}

// Runner executes an out-of-process grader inside a sandboxed container. The input is
// mounted read-only at <WorkingDir>/input.json and the output is read from stdout.
type Runner struct {
	api    containerAPI
	cfg    Config
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewRunner constructs a Docker backed runner.
func NewRunner(cfg Config) (*Runner, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return newRunner(cli, cfg), nil
}

func newRunner(api containerAPI, cfg Config) *Runner {
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "/workspace"
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &Runner{
		api:    api,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-grader/pkg/docker"),
		logger: logger.With().Str("component", "grader_runner").Logger(),
	}
}

// Run writes the input into a fresh workspace, runs the grader and returns its stdout.
func (r *Runner) Run(parent context.Context, req RunRequest) (RunResult, error) {
	image := req.Image
	if image == "" {
		image = r.cfg.Image
	}
	if image == "" {
		return RunResult{}, ErrImageRequired
	}

	ctx, span := r.tracer.Start(parent, "docker.runner.run", trace.WithAttributes(
		attribute.String("docker.image", image),
		attribute.Int("grader.input_bytes", len(req.Input)),
	))
	defer span.End()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	workspace, err := r.prepareWorkspace(req.Input)
	if err != nil {
		runFailures.WithLabelValues(image).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RunResult{}, err
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			r.logger.Warn().Err(err).Str("workspace", workspace).Msg("failed to remove grader workspace")
		}
	}()

	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Resources: container.Resources{
			Memory:    r.cfg.MemoryLimitMB * 1024 * 1024,
			CPUShares: r.cfg.CPUShares,
		},
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   workspace,
			Target:   r.cfg.WorkingDir,
			ReadOnly: true,
		}},
	}

	config := &container.Config{
		Image:        image,
		Cmd:          req.Cmd,
		Env:          append(append([]string{}, req.Env...), "GRADER_INPUT="+filepath.ToSlash(filepath.Join(r.cfg.WorkingDir, InputFileName))),
		WorkingDir:   r.cfg.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	}

	start := time.Now()
	result := RunResult{}

	resp, err := r.api.ContainerCreate(ctx, config, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		runFailures.WithLabelValues(image).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("container create: %w", err)
	}

	containerID := resp.ID
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.api.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
			r.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to remove container")
		}
	}()

	if err := r.api.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		runFailures.WithLabelValues(image).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("container start: %w", err)
	}

	statusCh, errCh := r.api.ContainerWait(ctx, containerID, container.WaitConditionNextExit)

	var waitErr error
	select {
	case err := <-errCh:
		waitErr = err
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	result.Duration = time.Since(start)
	runDuration.WithLabelValues(image).Observe(result.Duration.Seconds())

	if waitErr != nil {
		if errors.Is(waitErr, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.TimedOut = true
			runTimeouts.WithLabelValues(image).Inc()
			killCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := r.api.ContainerKill(killCtx, containerID, "KILL"); err != nil {
				r.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to kill timed out container")
			}
			span.RecordError(waitErr)
			span.SetStatus(codes.Error, "grader timed out")
			return result, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		runFailures.WithLabelValues(image).Inc()
		span.RecordError(waitErr)
		span.SetStatus(codes.Error, waitErr.Error())
		return result, fmt.Errorf("container wait: %w", waitErr)
	}

	logReader, err := r.api.ContainerLogs(parent, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		runFailures.WithLabelValues(image).Inc()
		span.RecordError(err)
		return result, fmt.Errorf("container logs: %w", err)
	}
	defer logReader.Close()

	stdout, stderr, err := splitDockerLogs(logReader)
	if err != nil {
		runFailures.WithLabelValues(image).Inc()
		span.RecordError(err)
		return result, fmt.Errorf("read container logs: %w", err)
	}
	result.Stdout = stdout
	result.Stderr = stderr

	if result.ExitCode != 0 {
		runFailures.WithLabelValues(image).Inc()
		exitErr := &ExitError{Code: result.ExitCode, Stderr: stderr}
		span.RecordError(exitErr)
		span.SetStatus(codes.Error, exitErr.Error())
		return result, exitErr
	}

	span.SetAttributes(attribute.Int("grader.output_bytes", len(stdout)))
	return result, nil
}

func (r *Runner) prepareWorkspace(input []byte) (string, error) {
	dir, err := os.MkdirTemp(r.cfg.WorkspaceRoot, "grader-*")
	if err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	if err := os.Chmod(dir, 0o755); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("chmod workspace: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, InputFileName), input, 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("write grader input: %w", err)
	}
	return dir, nil
}

func splitDockerLogs(reader io.Reader) ([]byte, string, error) {
	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, reader); err != nil {
		return nil, "", err
	}
	return stdoutBuf.Bytes(), stderrBuf.String(), nil
}

// Close shuts down the runner's underlying client.
func (r *Runner) Close() error {
	if r.api == nil {
		return nil
	}
	return r.api.Close()
}
