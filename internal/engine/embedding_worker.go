package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/webrenew/memories/internal/embed"
	"github.com/webrenew/memories/internal/storage"
	"github.com/webrenew/memories/pkg/types"
)

// WorkerOptions configures one embedding worker.
type WorkerOptions struct {
	// BatchSize is the number of jobs leased per pass. Default: 10.
	BatchSize int

	// LeaseTimeout is how long a claimed job may sit before it is reclaimed
	// from a presumably crashed worker. Default: 10 minutes.
	LeaseTimeout time.Duration

	// RatePerSecond paces calls to the embedding provider. Default: 5.
	RatePerSecond int
}

// Worker drains the embedding job queue: lease, embed through the breaker,
// complete or fail. Per-job failures are isolated; a pass never aborts
// because one job's embedding call failed.
type Worker struct {
	store    storage.Store
	embedder embed.Embedder
	id       string
	limiter  *rate.Limiter
	opts     WorkerOptions
}

// NewWorker creates a worker with a unique worker ID.
func NewWorker(store storage.Store, embedder embed.Embedder, opts WorkerOptions) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 10 * time.Minute
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 5
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		id:       "worker-" + uuid.New().String(),
		limiter:  rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.RatePerSecond),
		opts:     opts,
	}
}

// WorkerResult reports one queue pass.
type WorkerResult struct {
	Reclaimed  int
	Leased     int
	Completed  int
	Failed     int
	DeadLetter int
}

// RunOnce reclaims stale leases, then leases and processes one batch.
func (w *Worker) RunOnce(ctx context.Context) (*WorkerResult, error) {
	result := &WorkerResult{}

	reclaimed, err := w.store.ReclaimStale(ctx, w.opts.LeaseTimeout)
	if err != nil {
		return nil, fmt.Errorf("worker: failed to reclaim stale leases: %w", err)
	}
	result.Reclaimed = reclaimed
	if reclaimed > 0 {
		log.Printf("worker: reclaimed %d stale leases", reclaimed)
	}

	jobs, err := w.store.LeaseNext(ctx, w.id, w.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("worker: failed to lease jobs: %w", err)
	}
	result.Leased = len(jobs)

	for _, job := range jobs {
		if err := w.limiter.Wait(ctx); err != nil {
			return result, err
		}
		if err := w.processJob(ctx, &job, result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// processJob embeds one job's content and completes or fails it. Only
// storage errors propagate; embedding errors are the job's own failure.
func (w *Worker) processJob(ctx context.Context, job *types.EmbeddingJob, result *WorkerResult) error {
	vector, embedErr := w.embedder.Embed(ctx, job.Content)
	if embedErr == nil {
		if err := w.store.Complete(ctx, job.ID, w.id, vector); err == nil {
			result.Completed++
			return nil
		} else if errors.Is(err, storage.ErrLeaseLost) {
			// The job was refreshed or reclaimed mid-lease. Leave it for
			// the next pass to embed the current content.
			log.Printf("worker: lost lease on job %s, skipping", job.ID)
			return nil
		} else if errors.Is(err, storage.ErrInvalidInput) {
			// A bad vector is this job's failure, not a worker fault.
			embedErr = err
		} else {
			return fmt.Errorf("worker: failed to complete job %s: %w", job.ID, err)
		}
	}

	failed, err := w.store.Fail(ctx, job.ID, embedErr.Error())
	if err != nil {
		return fmt.Errorf("worker: failed to record job failure %s: %w", job.ID, err)
	}
	result.Failed++
	if failed.Status == types.JobDeadLetter {
		result.DeadLetter++
		log.Printf("worker: job %s dead-lettered after %d attempts: %v", job.ID, failed.AttemptCount, embedErr)
	}
	return nil
}
