package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webrenew/memories/internal/embed"
	"github.com/webrenew/memories/pkg/types"
)

func TestWorkerCompletesQueuedJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := mustStore(t, store, &types.Memory{Content: "the build uses go 1.22"})
	second := mustStore(t, store, &types.Memory{Content: "integration tests need docker"})
	for _, m := range []*types.Memory{first, second} {
		_, err := store.Enqueue(ctx, m.ID, m.Content, testModel, types.JobOpCreate)
		require.NoError(t, err)
	}

	worker := NewWorker(store, embed.NewHashEmbedder(testModel, testDimension), WorkerOptions{})
	result, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Leased)
	assert.Equal(t, 2, result.Completed)
	assert.Equal(t, 0, result.Failed)

	emb, err := store.GetEmbedding(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, testModel, emb.Model)
	assert.Equal(t, testDimension, emb.Dimension)

	counts, err := store.CountJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[types.JobDone])
	assert.Equal(t, 0, counts[types.JobQueued])
}

func TestWorkerRecordsEmbeddingFailureAndReschedules(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := mustStore(t, store, &types.Memory{Content: "flaky provider target"})
	job, err := store.Enqueue(ctx, m.ID, m.Content, testModel, types.JobOpCreate)
	require.NoError(t, err)

	embedder := embed.NewHashEmbedder(testModel, testDimension)
	embedder.SetFailure(errors.New("provider timeout"))

	worker := NewWorker(store, embedder, WorkerOptions{})
	result, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Leased)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.DeadLetter)

	// The job went back to queued with backoff, not to a terminal state.
	failed, err := store.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, failed.Status)
	assert.Equal(t, 1, failed.AttemptCount)
	assert.Contains(t, failed.LastError, "provider timeout")

	// Backoff means the retry is not due yet; the next pass skips it.
	next, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, next.Leased)
}

func TestWorkerDeadLettersAfterRetryBudget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := mustStore(t, store, &types.Memory{Content: "doomed content"})
	job, err := store.Enqueue(ctx, m.ID, m.Content, testModel, types.JobOpCreate)
	require.NoError(t, err)

	// Put the job on its final attempt.
	_, err = store.DB().Exec(`UPDATE embedding_jobs SET attempt_count = ? WHERE id = ?`,
		types.DefaultMaxAttempts-1, job.ID)
	require.NoError(t, err)

	embedder := embed.NewHashEmbedder(testModel, testDimension)
	embedder.SetFailure(errors.New("provider rejects this content"))

	worker := NewWorker(store, embedder, WorkerOptions{})
	result, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.DeadLetter)

	dead, err := store.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobDeadLetter, dead.Status)
	assert.NotEmpty(t, dead.DeadLetterReason)

	// Dead-lettered jobs are never leased again.
	next, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, next.Leased)
}

func TestWorkerReclaimsStaleLeases(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := mustStore(t, store, &types.Memory{Content: "left behind by a crashed worker"})
	job, err := store.Enqueue(ctx, m.ID, m.Content, testModel, types.JobOpCreate)
	require.NoError(t, err)

	// Simulate a crashed worker: a lease old enough to be reclaimed.
	leased, err := store.LeaseNext(ctx, "worker-crashed", 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	_, err = store.DB().Exec(`UPDATE embedding_jobs SET claimed_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour), job.ID)
	require.NoError(t, err)

	worker := NewWorker(store, embed.NewHashEmbedder(testModel, testDimension), WorkerOptions{})
	result, err := worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reclaimed)
	assert.Equal(t, 1, result.Leased)
	assert.Equal(t, 1, result.Completed)
}
