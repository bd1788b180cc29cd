package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/noah-isme/gema-grader/internal/evaluation"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/queue"
)

const (
	defaultWorkers        = 5
	defaultRatePerSecond  = 10
	defaultJobTimeout     = 60 * time.Second
	defaultPollInterval   = time.Second
	defaultStuckThreshold = 5 * time.Minute
	defaultStuckInterval  = time.Minute
)

// JobProcessor handles reserved jobs. *Processor satisfies it.
type JobProcessor interface {
	Process(ctx context.Context, job queue.Job) error
	RecordFailure(ctx context.Context, job queue.Job)
}

// PoolConfig tunes concurrency and timing.
type PoolConfig struct {
	Workers        int
	RatePerSecond  float64
	JobTimeout     time.Duration
	PollInterval   time.Duration
	StuckThreshold time.Duration
	StuckInterval  time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = defaultRatePerSecond
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaultJobTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = defaultStuckThreshold
	}
	if c.StuckInterval <= 0 {
		c.StuckInterval = defaultStuckInterval
	}
	return c
}

// Pool runs a fixed number of workers that share a rate limiter and pull jobs from the queue.
type Pool struct {
	queue     queue.Client
	processor JobProcessor
	cfg       PoolConfig
	limiter   *rate.Limiter
	logger    zerolog.Logger
}

// NewPool builds a worker pool.
func NewPool(q queue.Client, processor JobProcessor, cfg PoolConfig, logger zerolog.Logger) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		queue:     q,
		processor: processor,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Workers),
		logger:    logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Run blocks until ctx is cancelled. In-flight jobs finish their bookkeeping before
// Run returns.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().
		Int("workers", p.cfg.Workers).
		Float64("rate_per_second", p.cfg.RatePerSecond).
		Dur("job_timeout", p.cfg.JobTimeout).
		Msg("worker pool starting")

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := i
		group.Go(func() error {
			p.work(groupCtx, workerID)
			return nil
		})
	}
	group.Go(func() error {
		p.monitor(groupCtx)
		return nil
	})

	err := group.Wait()
	p.logger.Info().Msg("worker pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, workerID int) {
	logger := p.logger.With().Int("worker", workerID).Logger()
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		handled, err := p.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("failed to reserve job")
		}
		if handled {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// RunOnce reserves and handles at most one job. It reports whether a job was handled.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.queue.Reserve(ctx)
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	p.handle(ctx, job)
	return true, nil
}

func (p *Pool) handle(ctx context.Context, job queue.Job) {
	logger := p.logger.With().Str("job_id", job.ID).Int("attempt", job.Attempts).Logger()
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	err := p.safeProcess(jobCtx, job)
	cancel()

	// queue bookkeeping must survive shutdown of the worker context
	bookkeeping := context.WithoutCancel(ctx)

	if err == nil {
		if completeErr := p.queue.Complete(bookkeeping, job); completeErr != nil {
			p.logSettleError(logger, completeErr, nil)
		}
		observability.JobsProcessed().WithLabelValues(string(models.JobStatusCompleted)).Inc()
		observability.JobDuration().WithLabelValues(string(models.JobStatusCompleted)).Observe(time.Since(start).Seconds())
		return
	}

	retryable := !evaluation.IsPermanent(err)
	failed, failErr := p.queue.Fail(bookkeeping, job, err, retryable)
	if failErr != nil {
		p.logSettleError(logger, failErr, err)
		return
	}

	outcome := string(failed.Status)
	observability.JobsProcessed().WithLabelValues(outcome).Inc()
	observability.JobDuration().WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	event := logger.Warn()
	if failed.Status == models.JobStatusFailed {
		event = logger.Error()
	}
	event.Err(err).
		Bool("retryable", retryable).
		Str("status", outcome).
		Msg("evaluation job failed")

	p.processor.RecordFailure(bookkeeping, failed)
}

// logSettleError reports a queue update that did not apply. A lost lease means an
// operator requeued the job mid-attempt and the queue already moved on.
func (p *Pool) logSettleError(logger zerolog.Logger, err, cause error) {
	if errors.Is(err, queue.ErrLeaseLost) {
		logger.Warn().Err(err).AnErr("cause", cause).Msg("job was requeued during the attempt; outcome not recorded")
		return
	}
	logger.Error().Err(err).AnErr("cause", cause).Msg("failed to record job outcome")
}

func (p *Pool) safeProcess(ctx context.Context, job queue.Job) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic while processing job %s: %v", job.ID, recovered)
		}
	}()
	return p.processor.Process(ctx, job)
}

func (p *Pool) monitor(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StuckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.SweepStuck(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("stuck job sweep failed")
			}
		}
	}
}

// SweepStuck logs active jobs older than the stuck threshold and refreshes queue gauges.
// Stuck jobs are left running; operators requeue them with Retry.
func (p *Pool) SweepStuck(ctx context.Context) ([]queue.Job, error) {
	stuck, err := p.queue.ListStuck(ctx, p.cfg.StuckThreshold)
	if err != nil {
		return nil, err
	}
	observability.StuckJobs().Set(float64(len(stuck)))
	for _, job := range stuck {
		event := p.logger.Warn().
			Str("job_id", job.ID).
			Uint("submission_id", job.Payload.SubmissionID).
			Int("attempt", job.Attempts).
			Int("progress", job.Progress)
		if job.StartedAt != nil {
			event = event.Time("started_at", *job.StartedAt)
		}
		event.Msg("job appears stuck; retry it with evalctl retry")
	}

	stats, err := p.queue.Stats(ctx)
	if err != nil {
		return stuck, err
	}
	observability.QueueDepth().WithLabelValues("ready").Set(float64(stats.Ready))
	observability.QueueDepth().WithLabelValues("delayed").Set(float64(stats.Delayed))
	observability.QueueDepth().WithLabelValues("active").Set(float64(stats.Active))
	observability.QueueDepth().WithLabelValues("dead").Set(float64(stats.Dead))
	return stuck, nil
}
