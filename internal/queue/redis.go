package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/models"
)

// RedisClient is the durable queue. Ready and delayed jobs live in sorted sets, active
// jobs in a sorted set scored by start time, dead jobs in a list, and each job's state
// in its own JSON key.
type RedisClient struct {
	client *redis.Client
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

const maxWatchAttempts = 5

// NewRedisClient wraps a connected go-redis client.
func NewRedisClient(client *redis.Client, opts Options, logger zerolog.Logger) *RedisClient {
	return &RedisClient{
		client: client,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "job_queue").Logger(),
		now:    time.Now,
	}
}

func (c *RedisClient) readyKey() string   { return c.opts.Prefix + ":ready" }
func (c *RedisClient) delayedKey() string { return c.opts.Prefix + ":delayed" }
func (c *RedisClient) activeKey() string  { return c.opts.Prefix + ":active" }
func (c *RedisClient) deadKey() string    { return c.opts.Prefix + ":dead" }
func (c *RedisClient) seqKey() string     { return c.opts.Prefix + ":seq" }
func (c *RedisClient) jobKey(id string) string {
	return c.opts.Prefix + ":job:" + id
}

// Open verifies the connection.
func (c *RedisClient) Open(ctx context.Context) error {
	if c.client == nil {
		return ErrClosed
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *RedisClient) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Enqueue stores a new job and makes it ready. Duplicate ids are rejected.
func (c *RedisClient) Enqueue(ctx context.Context, payload Payload, opts EnqueueOptions) (string, error) {
	priority, err := normalizePriority(opts.Priority)
	if err != nil {
		return "", err
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	job := newJob(id, payload, priority, c.opts, c.now().UTC())
	encoded, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	created, err := c.client.SetNX(ctx, c.jobKey(id), encoded, 0).Result()
	if err != nil {
		return "", fmt.Errorf("store job: %w", err)
	}
	if !created {
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}

	if err := c.pushReady(ctx, id, priority); err != nil {
		return "", err
	}
	return id, nil
}

// reserveScript promotes due retries, pops the highest-priority ready job and records
// the new reservation in one step so no other client sees a half-reserved job.
//
// KEYS: delayed, ready, active, seq. ARGV: now (ms), now (RFC 3339), job key prefix,
// lease, priority band.
var reserveScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	local raw = redis.call('GET', ARGV[3] .. id)
	if raw then
		local job = cjson.decode(raw)
		local seq = redis.call('INCR', KEYS[4])
		local score = job.priority * tonumber(ARGV[5]) + seq
		redis.call('ZADD', KEYS[2], string.format('%.0f', score), id)
	end
end

while true do
	local popped = redis.call('ZPOPMIN', KEYS[2])
	if #popped == 0 then
		return false
	end
	local id = popped[1]
	local raw = redis.call('GET', ARGV[3] .. id)
	if raw then
		local job = cjson.decode(raw)
		job.attempts = job.attempts + 1
		job.status = 'active'
		job.progress = 0
		job.lease = ARGV[4]
		job.started_at = ARGV[2]
		job.next_run_at = nil
		raw = cjson.encode(job)
		redis.call('SET', ARGV[3] .. id, raw)
		redis.call('ZADD', KEYS[3], ARGV[1], id)
		return raw
	end
end
`)

// Reserve promotes due retries, then pops the highest-priority ready job and marks it active.
func (c *RedisClient) Reserve(ctx context.Context) (Job, error) {
	now := c.now().UTC()
	raw, err := reserveScript.Run(ctx, c.client,
		[]string{c.delayedKey(), c.readyKey(), c.activeKey(), c.seqKey()},
		now.UnixMilli(), now.Format(time.RFC3339Nano), c.jobKey(""), uuid.NewString(), int64(priorityBand),
	).Text()
	if errors.Is(err, redis.Nil) {
		return Job{}, ErrEmpty
	}
	if err != nil {
		return Job{}, fmt.Errorf("reserve job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, fmt.Errorf("decode reserved job: %w", err)
	}
	c.logger.Debug().Str("job_id", job.ID).Int("attempt", job.Attempts).Msg("job reserved")
	return job, nil
}

// Progress records a completion percentage for an active job.
func (c *RedisClient) Progress(ctx context.Context, held Job, percent int) error {
	_, err := c.settle(ctx, held, func(_ redis.Pipeliner, job *Job) time.Duration {
		job.Progress = clampProgress(percent)
		return 0
	})
	return err
}

// Complete marks the job done; its state expires after the retention period.
func (c *RedisClient) Complete(ctx context.Context, held Job) error {
	_, err := c.settle(ctx, held, func(pipe redis.Pipeliner, job *Job) time.Duration {
		markCompleted(job, c.now().UTC())
		pipe.ZRem(ctx, c.activeKey(), job.ID)
		return c.opts.CompletedRetention
	})
	return err
}

// Fail schedules a retry with backoff, or dead-letters the job when it is not retryable
// or out of attempts.
func (c *RedisClient) Fail(ctx context.Context, held Job, cause error, retryable bool) (Job, error) {
	return c.settle(ctx, held, func(pipe redis.Pipeliner, job *Job) time.Duration {
		dead := markFailed(job, cause, retryable, c.opts, c.now().UTC())
		pipe.ZRem(ctx, c.activeKey(), job.ID)
		if dead {
			pipe.LPush(ctx, c.deadKey(), job.ID)
		} else {
			pipe.ZAdd(ctx, c.delayedKey(), redis.Z{Score: float64(job.NextRunAt.UnixMilli()), Member: job.ID})
		}
		return 0
	})
}

// Retry requeues a dead or stuck job with a fresh attempt budget.
func (c *RedisClient) Retry(ctx context.Context, id string) (Job, error) {
	seq, err := c.client.Incr(ctx, c.seqKey()).Result()
	if err != nil {
		return Job{}, fmt.Errorf("allocate sequence: %w", err)
	}

	key := c.jobKey(id)
	var requeued Job
	err = c.watch(ctx, func(tx *redis.Tx) error {
		job, err := c.load(ctx, tx, id)
		if err != nil {
			return err
		}
		previous := job.Status
		if previous != models.JobStatusFailed && previous != models.JobStatusActive {
			return fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, job.Status)
		}

		markRequeued(&job)
		encoded, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if previous == models.JobStatusFailed {
				pipe.LRem(ctx, c.deadKey(), 0, id)
			} else {
				pipe.ZRem(ctx, c.activeKey(), id)
			}
			pipe.Set(ctx, key, encoded, 0)
			pipe.ZAdd(ctx, c.readyKey(), redis.Z{Score: readyScore(job.Priority, seq), Member: id})
			return nil
		})
		requeued = job
		return err
	}, key)
	if err != nil {
		return Job{}, err
	}
	return requeued, nil
}

// Get loads a job's state.
func (c *RedisClient) Get(ctx context.Context, id string) (Job, error) {
	return c.load(ctx, c.client, id)
}

// ListDead returns the most recently dead-lettered jobs first.
func (c *RedisClient) ListDead(ctx context.Context, limit int64) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := c.client.LRange(ctx, c.deadKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead jobs: %w", err)
	}
	return c.loadAll(ctx, ids)
}

// ListStuck returns active jobs that started longer ago than threshold.
func (c *RedisClient) ListStuck(ctx context.Context, threshold time.Duration) ([]Job, error) {
	cutoff := c.now().Add(-threshold).UnixMilli()
	ids, err := c.client.ZRangeByScore(ctx, c.activeKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list stuck jobs: %w", err)
	}
	return c.loadAll(ctx, ids)
}

// Stats counts jobs in each state.
func (c *RedisClient) Stats(ctx context.Context) (Stats, error) {
	var (
		ready, delayed, active *redis.IntCmd
		dead                   *redis.IntCmd
	)
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.ZCard(ctx, c.readyKey())
		delayed = pipe.ZCard(ctx, c.delayedKey())
		active = pipe.ZCard(ctx, c.activeKey())
		dead = pipe.LLen(ctx, c.deadKey())
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Ready:   ready.Val(),
		Delayed: delayed.Val(),
		Active:  active.Val(),
		Dead:    dead.Val(),
	}, nil
}

func (c *RedisClient) pushReady(ctx context.Context, id string, priority int) error {
	seq, err := c.client.Incr(ctx, c.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("allocate sequence: %w", err)
	}
	if err := c.client.ZAdd(ctx, c.readyKey(), redis.Z{Score: readyScore(priority, seq), Member: id}).Err(); err != nil {
		return fmt.Errorf("push ready job: %w", err)
	}
	return nil
}

// settle applies change to the stored job while held is still its reservation. The job
// key is watched so a concurrent Retry or Reserve aborts the transaction.
func (c *RedisClient) settle(ctx context.Context, held Job, change func(pipe redis.Pipeliner, job *Job) time.Duration) (Job, error) {
	key := c.jobKey(held.ID)
	var settled Job
	err := c.watch(ctx, func(tx *redis.Tx) error {
		job, err := c.load(ctx, tx, held.ID)
		if err != nil {
			return err
		}
		if !holds(job, held) {
			return fmt.Errorf("%w: %s is %s", ErrLeaseLost, held.ID, job.Status)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			ttl := change(pipe, &job)
			encoded, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("encode job: %w", err)
			}
			pipe.Set(ctx, key, encoded, ttl)
			return nil
		})
		settled = job
		return err
	}, key)
	if err != nil {
		return Job{}, err
	}
	return settled, nil
}

func (c *RedisClient) watch(ctx context.Context, txf func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxWatchAttempts; attempt++ {
		err := c.client.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("job %v changed concurrently %d times", keys, maxWatchAttempts)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (c *RedisClient) load(ctx context.Context, src stringGetter, id string) (Job, error) {
	raw, err := src.Get(ctx, c.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return Job{}, fmt.Errorf("load job: %w", err)
	}

	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

func (c *RedisClient) loadAll(ctx context.Context, ids []string) ([]Job, error) {
	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := c.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
