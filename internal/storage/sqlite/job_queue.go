package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/webrenew/memories/internal/storage"
	"github.com/webrenew/memories/pkg/types"
)

// Retry backoff bounds. The delay doubles per attempt from backoffBase up to
// backoffCap.
const (
	backoffBase = 30 * time.Second
	backoffCap  = time.Hour
)

const jobColumns = `
	id, memory_id, operation, model, content, status,
	attempt_count, max_attempts, next_attempt_at,
	claimed_by, claimed_at, last_error, dead_letter_reason, dead_letter_at,
	created_at, updated_at`

// Enqueue inserts or replaces the pending job for (memoryID, model). A write
// that lands while a job for the same pair is still pending refreshes that job
// in place, resetting attempts, so the queue never holds two live jobs for one
// memory.
func (s *Store) Enqueue(ctx context.Context, memoryID, content, model string, op types.JobOperation) (*types.EmbeddingJob, error) {
	if memoryID == "" || model == "" {
		return nil, fmt.Errorf("%w: memory ID and model are required", storage.ErrInvalidInput)
	}
	if op != types.JobOpCreate && op != types.JobOpUpdate {
		return nil, fmt.Errorf("%w: invalid job operation %q", storage.ErrInvalidInput, op)
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE embedding_jobs SET
			operation = ?,
			content = ?,
			status = 'queued',
			attempt_count = 0,
			next_attempt_at = ?,
			claimed_by = NULL,
			claimed_at = NULL,
			last_error = NULL,
			updated_at = ?
		WHERE memory_id = ? AND model = ? AND status IN ('queued', 'leased')`,
		string(op), content, now, now, memoryID, model)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to refresh pending job: %w", err)
	}
	refreshed, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}

	var jobID string
	if refreshed > 0 {
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM embedding_jobs WHERE memory_id = ? AND model = ? AND status = 'queued'`,
			memoryID, model).Scan(&jobID)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to load refreshed job: %w", err)
		}
	} else {
		jobID = uuid.New().String()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO embedding_jobs (
				id, memory_id, operation, model, content, status,
				attempt_count, max_attempts, next_attempt_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
			jobID, memoryID, string(op), model, content,
			types.DefaultMaxAttempts, now, now, now)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to enqueue job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to commit enqueue: %w", err)
	}
	return s.Job(ctx, jobID)
}

// LeaseNext claims up to limit due queued jobs for workerID. Each claim is a
// conditional update that only succeeds while the row is still queued, so two
// workers racing on the same candidate set never lease the same job.
func (s *Store) LeaseNext(ctx context.Context, workerID string, limit int) ([]types.EmbeddingJob, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker ID is required", storage.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 1
	}

	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM embedding_jobs
		WHERE status = 'queued' AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, created_at ASC
		LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to find due jobs: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("sqlite: failed to scan job id: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("sqlite: rows error: %w", err)
	}
	_ = rows.Close()

	leased := make([]types.EmbeddingJob, 0, len(candidates))
	for _, id := range candidates {
		res, err := s.db.ExecContext(ctx, `
			UPDATE embedding_jobs SET
				status = 'leased', claimed_by = ?, claimed_at = ?, updated_at = ?
			WHERE id = ? AND status = 'queued'`,
			workerID, now, now, id)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to claim job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to check rows affected: %w", err)
		}
		if affected == 0 {
			continue // Another worker won this row.
		}
		job, err := s.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		leased = append(leased, *job)
	}
	return leased, nil
}

// Complete stores the produced vector as the memory's embedding and marks the
// job done, in one transaction. The claim is re-checked on the final update:
// if the job was refreshed or reclaimed since workerID leased it, nothing is
// written and ErrLeaseLost comes back, leaving the queued job to carry the
// current content to the next lease.
func (s *Store) Complete(ctx context.Context, jobID string, workerID string, vector []float32) error {
	job, err := s.Job(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == types.JobDone || job.Status == types.JobDeadLetter {
		return fmt.Errorf("%w: job %s is already %s", storage.ErrInvalidInput, jobID, job.Status)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector", storage.ErrInvalidInput)
	}
	if want := s.expectedDimension(job.Model); want > 0 && want != len(vector) {
		return fmt.Errorf("%w: model %s expects dimension %d, got %d",
			storage.ErrInvalidInput, job.Model, want, len(vector))
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_embeddings (memory_id, vector, model, model_version, dimension, created_at, updated_at)
		VALUES (?, ?, ?, NULL, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET
			vector = excluded.vector,
			model = excluded.model,
			dimension = excluded.dimension,
			updated_at = excluded.updated_at`,
		job.MemoryID, serializeVector(vector), job.Model, len(vector), now, now)
	if err != nil {
		return fmt.Errorf("sqlite: failed to store embedding: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE embedding_jobs SET status = 'done', last_error = NULL, updated_at = ?
		WHERE id = ? AND status = 'leased' AND claimed_by = ?`, now, jobID, workerID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to mark job done: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: job %s is no longer leased by %s", storage.ErrLeaseLost, jobID, workerID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit completion: %w", err)
	}
	return nil
}

// Fail records a job failure. While attempts remain, the job goes back to
// queued with an exponentially backed-off next attempt time. Once the retry
// budget is exhausted it moves to dead_letter and is never leased again.
func (s *Store) Fail(ctx context.Context, jobID string, cause string) (*types.EmbeddingJob, error) {
	job, err := s.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == types.JobDone || job.Status == types.JobDeadLetter {
		return nil, fmt.Errorf("%w: job %s is already %s", storage.ErrInvalidInput, jobID, job.Status)
	}

	now := time.Now().UTC()
	attempts := job.AttemptCount + 1
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = types.DefaultMaxAttempts
	}

	if attempts >= maxAttempts {
		_, err = s.db.ExecContext(ctx, `
			UPDATE embedding_jobs SET
				status = 'dead_letter',
				attempt_count = ?,
				last_error = ?,
				dead_letter_reason = ?,
				dead_letter_at = ?,
				claimed_by = NULL,
				claimed_at = NULL,
				updated_at = ?
			WHERE id = ?`,
			attempts, cause, cause, now, now, jobID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE embedding_jobs SET
				status = 'queued',
				attempt_count = ?,
				last_error = ?,
				next_attempt_at = ?,
				claimed_by = NULL,
				claimed_at = NULL,
				updated_at = ?
			WHERE id = ?`,
			attempts, cause, now.Add(retryBackoff(attempts)), now, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to record job failure: %w", err)
	}
	return s.Job(ctx, jobID)
}

// ReclaimStale resets leased jobs whose claim is older than leaseTimeout back
// to queued. Returns the number of jobs reclaimed.
func (s *Store) ReclaimStale(ctx context.Context, leaseTimeout time.Duration) (int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-leaseTimeout)
	res, err := s.db.ExecContext(ctx, `
		UPDATE embedding_jobs SET
			status = 'queued', claimed_by = NULL, claimed_at = NULL,
			next_attempt_at = ?, updated_at = ?
		WHERE status = 'leased' AND claimed_at < ?`,
		now, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to reclaim stale leases: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}
	return int(affected), nil
}

// Job retrieves a job by ID.
func (s *Store) Job(ctx context.Context, jobID string) (*types.EmbeddingJob, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: job ID is required", storage.ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM embedding_jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get job: %w", err)
	}
	return job, nil
}

// CountJobs returns job counts grouped by status.
func (s *Store) CountJobs(ctx context.Context) (map[types.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM embedding_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[types.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan job count: %w", err)
		}
		counts[types.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows error: %w", err)
	}
	return counts, nil
}

// retryBackoff returns the delay before the given (1-based) retry attempt.
func retryBackoff(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

func scanJob(row rowScanner) (*types.EmbeddingJob, error) {
	var job types.EmbeddingJob
	var operation, status string
	var claimedBy, lastError, deadLetterReason sql.NullString
	var claimedAt, deadLetterAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.MemoryID, &operation, &job.Model, &job.Content, &status,
		&job.AttemptCount, &job.MaxAttempts, &job.NextAttemptAt,
		&claimedBy, &claimedAt, &lastError, &deadLetterReason, &deadLetterAt,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Operation = types.JobOperation(operation)
	job.Status = types.JobStatus(status)
	job.ClaimedBy = claimedBy.String
	job.LastError = lastError.String
	job.DeadLetterReason = deadLetterReason.String
	if claimedAt.Valid {
		t := claimedAt.Time
		job.ClaimedAt = &t
	}
	if deadLetterAt.Valid {
		t := deadLetterAt.Time
		job.DeadLetterAt = &t
	}
	return &job, nil
}
