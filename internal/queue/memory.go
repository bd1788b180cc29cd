package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/gema-grader/internal/models"
)

// MemoryClient is an in-process queue with the same semantics as RedisClient.
// It is used by tests and single-binary development setups.
type MemoryClient struct {
	mu      sync.Mutex
	opts    Options
	now     func() time.Time
	closed  bool
	seq     int64
	jobs    map[string]*Job
	ready   map[string]float64
	delayed map[string]time.Time
	active  map[string]time.Time
	dead    []string
}

// NewMemoryClient builds an empty in-process queue.
func NewMemoryClient(opts Options) *MemoryClient {
	return &MemoryClient{
		opts:    opts.withDefaults(),
		now:     time.Now,
		jobs:    make(map[string]*Job),
		ready:   make(map[string]float64),
		delayed: make(map[string]time.Time),
		active:  make(map[string]time.Time),
	}
}

// SetClock replaces the time source.
func (c *MemoryClient) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Open marks the queue usable.
func (c *MemoryClient) Open(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = false
	return nil
}

// Close rejects further calls.
func (c *MemoryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Enqueue stores a new job and makes it ready.
func (c *MemoryClient) Enqueue(_ context.Context, payload Payload, opts EnqueueOptions) (string, error) {
	priority, err := normalizePriority(opts.Priority)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := c.jobs[id]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}

	job := newJob(id, payload, priority, c.opts, c.now().UTC())
	c.jobs[id] = &job
	c.pushReady(id, priority)
	return id, nil
}

// Reserve pops the highest-priority ready job, promoting due retries first.
func (c *MemoryClient) Reserve(context.Context) (Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Job{}, ErrClosed
	}

	now := c.now()
	due := make([]string, 0, len(c.delayed))
	for id, at := range c.delayed {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return c.delayed[due[i]].Before(c.delayed[due[j]]) })
	for _, id := range due {
		delete(c.delayed, id)
		c.pushReady(id, c.jobs[id].Priority)
	}

	if len(c.ready) == 0 {
		return Job{}, ErrEmpty
	}

	var (
		nextID    string
		nextScore float64
	)
	for id, score := range c.ready {
		if nextID == "" || score < nextScore {
			nextID, nextScore = id, score
		}
	}
	delete(c.ready, nextID)

	job := c.jobs[nextID]
	markActive(job, now.UTC(), uuid.NewString())
	c.active[nextID] = now
	return *job, nil
}

// Progress records a completion percentage.
func (c *MemoryClient) Progress(_ context.Context, held Job, percent int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, err := c.lookupHeld(held)
	if err != nil {
		return err
	}
	job.Progress = clampProgress(percent)
	return nil
}

// Complete marks the job done.
func (c *MemoryClient) Complete(_ context.Context, held Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, err := c.lookupHeld(held)
	if err != nil {
		return err
	}
	markCompleted(job, c.now().UTC())
	delete(c.active, held.ID)
	return nil
}

// Fail schedules a retry or dead-letters the job.
func (c *MemoryClient) Fail(_ context.Context, held Job, cause error, retryable bool) (Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, err := c.lookupHeld(held)
	if err != nil {
		return Job{}, err
	}

	delete(c.active, held.ID)
	if markFailed(job, cause, retryable, c.opts, c.now().UTC()) {
		c.dead = append([]string{held.ID}, c.dead...)
	} else {
		c.delayed[held.ID] = *job.NextRunAt
	}
	return *job, nil
}

// Retry requeues a dead or stuck job with a fresh attempt budget.
func (c *MemoryClient) Retry(_ context.Context, id string) (Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, err := c.lookup(id)
	if err != nil {
		return Job{}, err
	}

	switch job.Status {
	case models.JobStatusFailed:
		c.removeDead(id)
	case models.JobStatusActive:
		delete(c.active, id)
	default:
		return Job{}, fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, job.Status)
	}

	markRequeued(job)
	c.pushReady(id, job.Priority)
	return *job, nil
}

// Get returns a copy of the job's state.
func (c *MemoryClient) Get(_ context.Context, id string) (Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, err := c.lookup(id)
	if err != nil {
		return Job{}, err
	}
	return *job, nil
}

// ListDead returns the most recently dead-lettered jobs first.
func (c *MemoryClient) ListDead(_ context.Context, limit int64) ([]Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	jobs := make([]Job, 0, len(c.dead))
	for _, id := range c.dead {
		if int64(len(jobs)) >= limit {
			break
		}
		jobs = append(jobs, *c.jobs[id])
	}
	return jobs, nil
}

// ListStuck returns active jobs that started longer ago than threshold.
func (c *MemoryClient) ListStuck(_ context.Context, threshold time.Duration) ([]Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-threshold)
	jobs := make([]Job, 0)
	for id, startedAt := range c.active {
		if !startedAt.After(cutoff) {
			jobs = append(jobs, *c.jobs[id])
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartedAt.Before(*jobs[j].StartedAt) })
	return jobs, nil
}

// Stats counts jobs in each state.
func (c *MemoryClient) Stats(context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Ready:   int64(len(c.ready)),
		Delayed: int64(len(c.delayed)),
		Active:  int64(len(c.active)),
		Dead:    int64(len(c.dead)),
	}, nil
}

func (c *MemoryClient) lookup(id string) (*Job, error) {
	if c.closed {
		return nil, ErrClosed
	}
	job, ok := c.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

func (c *MemoryClient) lookupHeld(held Job) (*Job, error) {
	job, err := c.lookup(held.ID)
	if err != nil {
		return nil, err
	}
	if !holds(*job, held) {
		return nil, fmt.Errorf("%w: %s is %s", ErrLeaseLost, held.ID, job.Status)
	}
	return job, nil
}

func (c *MemoryClient) pushReady(id string, priority int) {
	c.seq++
	c.ready[id] = readyScore(priority, c.seq)
}

func (c *MemoryClient) removeDead(id string) {
	for idx, deadID := range c.dead {
		if deadID == id {
			c.dead = append(c.dead[:idx], c.dead[idx+1:]...)
			return
		}
	}
}
