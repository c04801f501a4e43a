package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/webrenew/memories/internal/storage"
	"github.com/webrenew/memories/pkg/types"
)

func TestEnqueueCollapsesPendingJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := mustStore(t, s, &types.Memory{Content: "first draft"})

	job1, err := s.Enqueue(ctx, m.ID, "first draft", "test-model", types.JobOpCreate)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// Burn an attempt so we can see the refresh reset it.
	if _, err := s.Fail(ctx, job1.ID, "embedder unavailable"); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	job2, err := s.Enqueue(ctx, m.ID, "second draft", "test-model", types.JobOpUpdate)
	if err != nil {
		t.Fatalf("second enqueue failed: %v", err)
	}
	if job2.ID != job1.ID {
		t.Fatalf("expected pending job to be refreshed in place, got new job %s", job2.ID)
	}
	if job2.AttemptCount != 0 {
		t.Errorf("expected attempt count reset, got %d", job2.AttemptCount)
	}
	if job2.Content != "second draft" {
		t.Errorf("expected refreshed content snapshot, got %q", job2.Content)
	}
	if job2.Operation != types.JobOpUpdate {
		t.Errorf("expected operation update, got %s", job2.Operation)
	}

	counts, err := s.CountJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[types.JobQueued] != 1 {
		t.Fatalf("expected exactly 1 queued job, got %d", counts[types.JobQueued])
	}
}

func TestLeaseNextIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		m := mustStore(t, s, &types.Memory{Content: "content"})
		if _, err := s.Enqueue(ctx, m.ID, "content", "test-model", types.JobOpCreate); err != nil {
			t.Fatal(err)
		}
	}

	first, err := s.LeaseNext(ctx, "worker-1", 2)
	if err != nil {
		t.Fatalf("lease failed: %v", err)
	}
	second, err := s.LeaseNext(ctx, "worker-2", 10)
	if err != nil {
		t.Fatalf("lease failed: %v", err)
	}

	if len(first) != 2 || len(second) != 1 {
		t.Fatalf("expected 2/1 split, got %d/%d", len(first), len(second))
	}
	seen := map[string]bool{}
	for _, j := range append(first, second...) {
		if seen[j.ID] {
			t.Fatalf("job %s leased twice", j.ID)
		}
		seen[j.ID] = true
		if j.Status != types.JobLeased {
			t.Errorf("expected leased status, got %s", j.Status)
		}
		if j.ClaimedBy == "" || j.ClaimedAt == nil {
			t.Error("expected claim bookkeeping to be stamped")
		}
	}

	// Nothing left to lease.
	rest, err := s.LeaseNext(ctx, "worker-3", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Fatalf("expected empty lease, got %d jobs", len(rest))
	}
}

func TestFailBacksOffThenDeadLetters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := mustStore(t, s, &types.Memory{Content: "content"})
	job, err := s.Enqueue(ctx, m.ID, "content", "test-model", types.JobOpCreate)
	if err != nil {
		t.Fatal(err)
	}

	job, err = s.Fail(ctx, job.ID, "timeout")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != types.JobQueued {
		t.Fatalf("expected requeue after first failure, got %s", job.Status)
	}
	if job.AttemptCount != 1 {
		t.Fatalf("expected attempt count 1, got %d", job.AttemptCount)
	}
	if job.LastError != "timeout" {
		t.Errorf("expected last error recorded, got %q", job.LastError)
	}
	delay := job.NextAttemptAt.Sub(job.UpdatedAt)
	if delay < 25*time.Second || delay > 35*time.Second {
		t.Errorf("expected ~30s backoff after first failure, got %v", delay)
	}

	// A backed-off job is not due yet.
	due, err := s.LeaseNext(ctx, "worker-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("backed-off job should not be leasable, got %d", len(due))
	}

	for i := 1; i < types.DefaultMaxAttempts; i++ {
		job, err = s.Fail(ctx, job.ID, "timeout")
		if err != nil {
			t.Fatal(err)
		}
	}
	if job.Status != types.JobDeadLetter {
		t.Fatalf("expected dead_letter after %d attempts, got %s", types.DefaultMaxAttempts, job.Status)
	}
	if job.DeadLetterReason == "" || job.DeadLetterAt == nil {
		t.Error("expected dead letter reason and timestamp")
	}

	// Dead-lettered jobs are terminal.
	if _, err := s.Fail(ctx, job.ID, "again"); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput failing a dead job, got %v", err)
	}
	due, err = s.LeaseNext(ctx, "worker-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatal("dead-lettered job must never be leased")
	}
}

func TestRetryBackoffDoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{7, 32 * time.Minute},
		{8, time.Hour},
		{20, time.Hour},
	}
	for _, c := range cases {
		if got := retryBackoff(c.attempt); got != c.want {
			t.Errorf("attempt %d: expected %v, got %v", c.attempt, c.want, got)
		}
	}
}

func TestCompleteStoresEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := mustStore(t, s, &types.Memory{Content: "content"})
	job, err := s.Enqueue(ctx, m.ID, "content", "test-model", types.JobOpCreate)
	if err != nil {
		t.Fatal(err)
	}
	leased, err := s.LeaseNext(ctx, "worker-1", 1)
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease failed: %v (%d jobs)", err, len(leased))
	}

	// Wrong dimension for the registered model is rejected.
	err = s.Complete(ctx, job.ID, "worker-1", []float32{1, 2})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("expected dimension mismatch error, got %v", err)
	}

	if err := s.Complete(ctx, job.ID, "worker-1", []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	emb, err := s.GetEmbedding(ctx, m.ID)
	if err != nil {
		t.Fatalf("failed to get embedding: %v", err)
	}
	if emb.Model != "test-model" || emb.Dimension != 4 {
		t.Errorf("unexpected embedding metadata: %+v", emb)
	}
	if emb.Vector[0] != 1 {
		t.Errorf("vector did not round-trip: %v", emb.Vector)
	}

	done, err := s.Job(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != types.JobDone {
		t.Fatalf("expected done, got %s", done.Status)
	}

	// Completing twice is rejected.
	if err := s.Complete(ctx, job.ID, "worker-1", []float32{1, 0, 0, 0}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput on double complete, got %v", err)
	}
}

func TestCompleteRequiresLiveLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := mustStore(t, s, &types.Memory{Content: "first draft"})
	if _, err := s.Enqueue(ctx, m.ID, "first draft", "test-model", types.JobOpCreate); err != nil {
		t.Fatal(err)
	}
	leased, err := s.LeaseNext(ctx, "worker-1", 1)
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease failed: %v (%d jobs)", err, len(leased))
	}

	// The memory is rewritten mid-lease, refreshing the pending job back to
	// queued with the new content.
	refreshed, err := s.Enqueue(ctx, m.ID, "second draft", "test-model", types.JobOpUpdate)
	if err != nil {
		t.Fatal(err)
	}
	if refreshed.ID != leased[0].ID {
		t.Fatalf("expected the refresh to reuse job %s, got %s", leased[0].ID, refreshed.ID)
	}
	if refreshed.Status != types.JobQueued || refreshed.Content != "second draft" {
		t.Fatalf("expected refreshed queued job, got %+v", refreshed)
	}

	// The stale holder's completion must not mark the refreshed job done.
	err = s.Complete(ctx, leased[0].ID, "worker-1", []float32{1, 0, 0, 0})
	if !errors.Is(err, storage.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}
	if _, err := s.GetEmbedding(ctx, m.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no embedding from the stale completion, got %v", err)
	}
	job, err := s.Job(ctx, leased[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != types.JobQueued {
		t.Fatalf("expected job to stay queued for the new content, got %s", job.Status)
	}

	// The second draft flows through a fresh lease normally.
	leased, err = s.LeaseNext(ctx, "worker-2", 1)
	if err != nil || len(leased) != 1 {
		t.Fatalf("re-lease failed: %v (%d jobs)", err, len(leased))
	}
	if leased[0].Content != "second draft" {
		t.Fatalf("expected re-leased job to carry the new content, got %q", leased[0].Content)
	}
	if err := s.Complete(ctx, leased[0].ID, "worker-2", []float32{0, 1, 0, 0}); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if _, err := s.GetEmbedding(ctx, m.ID); err != nil {
		t.Fatalf("expected embedding after real completion: %v", err)
	}
}

func TestReclaimStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := mustStore(t, s, &types.Memory{Content: "content"})
	if _, err := s.Enqueue(ctx, m.ID, "content", "test-model", types.JobOpCreate); err != nil {
		t.Fatal(err)
	}
	leased, err := s.LeaseNext(ctx, "worker-1", 1)
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease failed: %v", err)
	}

	// A fresh lease is not reclaimed.
	n, err := s.ReclaimStale(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("fresh lease reclaimed: %d", n)
	}

	// With a zero timeout every lease is stale.
	n, err = s.ReclaimStale(ctx, -time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed job, got %d", n)
	}

	job, err := s.Job(ctx, leased[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != types.JobQueued || job.ClaimedBy != "" {
		t.Fatalf("expected requeued unclaimed job, got %+v", job)
	}
}

func TestSemanticSearchRanksByCosine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	near := mustStore(t, s, &types.Memory{Content: "close match"})
	far := mustStore(t, s, &types.Memory{Content: "distant match"})
	other := mustStore(t, s, &types.Memory{Content: "other model"})

	embed := func(id string, v []float32, model string) {
		t.Helper()
		err := s.StoreEmbedding(ctx, &types.MemoryEmbedding{MemoryID: id, Vector: v, Model: model})
		if err != nil {
			t.Fatalf("failed to store embedding: %v", err)
		}
	}
	embed(near.ID, []float32{1, 0, 0, 0}, "test-model")
	embed(far.ID, []float32{0, 1, 0, 0}, "test-model")
	embed(other.ID, []float32{1, 0}, "tiny-model")

	results, err := s.SemanticSearch(ctx, []float32{1, 0.1, 0, 0}, "test-model", types.Scope{}, 10)
	if err != nil {
		t.Fatalf("semantic search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Memory.ID != near.ID {
		t.Errorf("expected %s ranked first, got %s", near.ID, results[0].Memory.ID)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("expected descending scores, got %f then %f", results[0].Score, results[1].Score)
	}
	for _, r := range results {
		if r.Memory.ID == other.ID {
			t.Error("embedding from a different model leaked into results")
		}
	}
}

func TestSemanticSearchExcludesDeadMemories(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := mustStore(t, s, &types.Memory{Content: "soon gone"})
	err := s.StoreEmbedding(ctx, &types.MemoryEmbedding{
		MemoryID: m.ID, Vector: []float32{1, 0, 0, 0}, Model: "test-model",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, m.ID); err != nil {
		t.Fatal(err)
	}

	results, err := s.SemanticSearch(ctx, []float32{1, 0, 0, 0}, "test-model", types.Scope{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("deleted memory surfaced in semantic search: %d results", len(results))
	}
}

func TestMissingEmbeddings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustStore(t, s, &types.Memory{Content: "a"})
	b := mustStore(t, s, &types.Memory{Content: "b"})
	err := s.StoreEmbedding(ctx, &types.MemoryEmbedding{
		MemoryID: a.ID, Vector: []float32{1, 0, 0, 0}, Model: "test-model",
	})
	if err != nil {
		t.Fatal(err)
	}

	missing, err := s.MissingEmbeddings(ctx, []string{a.ID, b.ID}, "test-model")
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0] != b.ID {
		t.Fatalf("expected only %s missing, got %v", b.ID, missing)
	}

	// An embedding under a different model does not count.
	missing, err = s.MissingEmbeddings(ctx, []string{a.ID}, "other-model")
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 {
		t.Fatalf("expected a missing for other-model, got %v", missing)
	}
}
