package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/events"
	"github.com/noah-isme/gema-grader/internal/service"
)

type fakeJobs struct {
	deadLimit int64
	retried   string
}

func (f *fakeJobs) Stats(context.Context) (dto.QueueStatsResponse, error) {
	return dto.QueueStatsResponse{Ready: 2, Dead: 1}, nil
}

func (f *fakeJobs) ListDead(_ context.Context, limit int64) ([]dto.JobResponse, error) {
	f.deadLimit = limit
	return []dto.JobResponse{{ID: "job-1", Status: "failed", LastError: "schema mismatch"}}, nil
}

func (f *fakeJobs) ListStuck(context.Context) ([]dto.JobResponse, error) {
	return []dto.JobResponse{}, nil
}

func (f *fakeJobs) RetryJob(_ context.Context, jobID string) (dto.JobResponse, error) {
	if jobID == "missing" {
		return dto.JobResponse{}, service.ErrJobNotFound
	}
	f.retried = jobID
	return dto.JobResponse{ID: jobID, Status: "queued"}, nil
}

func run(t *testing.T, jobs *fakeJobs, args ...string) (string, error) {
	t.Helper()
	closed := false
	root := newRootCommand(func(context.Context) (*session, error) {
		return &session{
			jobs: jobs,
			listen: func(_ context.Context, fn func(events.Event)) error {
				fn(events.Event{Type: events.TypeCompleted, EvaluationID: 7})
				return context.Canceled
			},
			close: func() { closed = true },
		}, nil
	})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	require.True(t, closed)
	return out.String(), err
}

func TestStatsPrintsQueueDepth(t *testing.T) {
	out, err := run(t, &fakeJobs{}, "stats")
	require.NoError(t, err)

	var stats dto.QueueStatsResponse
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Equal(t, int64(2), stats.Ready)
	require.Equal(t, int64(1), stats.Dead)
}

func TestDeadHonoursLimitFlag(t *testing.T) {
	jobs := &fakeJobs{}
	out, err := run(t, jobs, "dead", "--limit", "5")
	require.NoError(t, err)
	require.Equal(t, int64(5), jobs.deadLimit)
	require.Contains(t, out, "schema mismatch")

	_, err = run(t, jobs, "dead", "--limit=-1")
	require.Error(t, err)
}

func TestRetryCommand(t *testing.T) {
	jobs := &fakeJobs{}
	out, err := run(t, jobs, "retry", "job-9")
	require.NoError(t, err)
	require.Equal(t, "job-9", jobs.retried)
	require.Contains(t, out, `"status": "queued"`)

	_, err = run(t, jobs, "retry", "missing")
	require.True(t, errors.Is(err, service.ErrJobNotFound))
}

func TestWatchPrintsEvents(t *testing.T) {
	out, err := run(t, &fakeJobs{}, "watch")
	require.NoError(t, err)
	require.Contains(t, out, string(events.TypeCompleted))
}

func TestConnectFailureIsReported(t *testing.T) {
	root := newRootCommand(func(context.Context) (*session, error) {
		return nil, errors.New("redis unavailable")
	})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"stats"})
	err := root.Execute()
	require.ErrorContains(t, err, "redis unavailable")
}
