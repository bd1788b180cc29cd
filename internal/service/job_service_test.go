package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
)

func TestJobServiceRetriesDeadJob(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	submission, _ := f.seedSubmission(t, models.SubmissionStatusFinalized)

	queued, err := f.service.RequestEvaluation(ctx, dto.EvaluationTriggerRequest{SubmissionID: submission.ID}, teacher, "")
	require.NoError(t, err)

	job, err := f.queue.Reserve(ctx)
	require.NoError(t, err)
	_, err = f.queue.Fail(ctx, job, errors.New("schema mismatch"), false)
	require.NoError(t, err)
	require.NoError(t, f.evaluations.UpdateJobState(ctx, queued.EvaluationID, repository.JobState{Status: models.JobStatusFailed, Error: "schema mismatch", Attempts: 1}))

	stats, err := f.jobs.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, dto.QueueStatsResponse{Dead: 1}, stats)

	dead, err := f.jobs.ListDead(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, job.ID, dead[0].ID)
	require.Equal(t, "schema mismatch", dead[0].LastError)

	retried, err := f.jobs.RetryJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, string(models.JobStatusQueued), retried.Status)
	require.Zero(t, retried.Attempts)

	stored, err := f.evaluations.GetByID(ctx, queued.EvaluationID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusQueued, stored.JobStatus)
	require.Empty(t, stored.JobError)

	_, err = f.jobs.RetryJob(ctx, job.ID)
	require.ErrorIs(t, err, ErrEvaluationNotRetryable)
	_, err = f.jobs.RetryJob(ctx, "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobServiceListsStuckJobs(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	submission, _ := f.seedSubmission(t, models.SubmissionStatusFinalized)

	_, err := f.service.RequestEvaluation(ctx, dto.EvaluationTriggerRequest{SubmissionID: submission.ID}, teacher, "")
	require.NoError(t, err)
	job, err := f.queue.Reserve(ctx)
	require.NoError(t, err)

	stuck, err := f.jobs.ListStuck(ctx)
	require.NoError(t, err)
	require.Empty(t, stuck)

	f.clock = f.clock.Add(6 * time.Minute)
	stuck, err = f.jobs.ListStuck(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, job.ID, stuck[0].ID)
}
