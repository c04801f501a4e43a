package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/webrenew/memories/internal/storage"
	"github.com/webrenew/memories/pkg/types"
)

const (
	backoffBase = 30 * time.Second
	backoffCap  = time.Hour
)

const jobColumns = `
	id, memory_id, operation, model, content, status,
	attempt_count, max_attempts, next_attempt_at,
	claimed_by, claimed_at, last_error, dead_letter_reason, dead_letter_at,
	created_at, updated_at`

// Enqueue inserts or replaces the pending job for (memoryID, model).
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
		return nil, fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var jobID string
	err = tx.QueryRowContext(ctx, `
		UPDATE embedding_jobs SET
			operation = $1, content = $2, status = 'queued', attempt_count = 0,
			next_attempt_at = $3, claimed_by = NULL, claimed_at = NULL,
			last_error = NULL, updated_at = $3
		WHERE memory_id = $4 AND model = $5 AND status IN ('queued', 'leased')
		RETURNING id`,
		string(op), content, now, memoryID, model).Scan(&jobID)
	if err == sql.ErrNoRows {
		jobID = uuid.New().String()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO embedding_jobs (
				id, memory_id, operation, model, content, status,
				attempt_count, max_attempts, next_attempt_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, 'queued', 0, $6, $7, $7, $7)`,
			jobID, memoryID, string(op), model, content, types.DefaultMaxAttempts, now)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to enqueue job: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("postgres: failed to refresh pending job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: failed to commit enqueue: %w", err)
	}
	return s.Job(ctx, jobID)
}

// LeaseNext claims up to limit due queued jobs for workerID. SKIP LOCKED lets
// concurrent workers pull disjoint job sets without blocking each other.
func (s *Store) LeaseNext(ctx context.Context, workerID string, limit int) ([]types.EmbeddingJob, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker ID is required", storage.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 1
	}

	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE embedding_jobs SET
			status = 'leased', claimed_by = $1, claimed_at = $2, updated_at = $2
		WHERE id IN (
			SELECT id FROM embedding_jobs
			WHERE status = 'queued' AND next_attempt_at <= $2
			ORDER BY next_attempt_at ASC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		workerID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to lease jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var leased []types.EmbeddingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan leased job: %w", err)
		}
		leased = append(leased, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows error: %w", err)
	}
	return leased, nil
}

// Complete stores the produced vector as the memory's embedding and marks the
// job done. The claim is re-checked on the final update: a job refreshed or
// reclaimed since workerID leased it stays queued and ErrLeaseLost comes
// back, so the current content gets embedded on the next lease.
func (s *Store) Complete(ctx context.Context, jobID string, workerID string, vector []float32) error {
	job, err := s.Job(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == types.JobDone || job.Status == types.JobDeadLetter {
		return fmt.Errorf("%w: job %s is already %s", storage.ErrInvalidInput, jobID, job.Status)
	}
	if job.Status != types.JobLeased || job.ClaimedBy != workerID {
		return fmt.Errorf("%w: job %s is no longer leased by %s", storage.ErrLeaseLost, jobID, workerID)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector", storage.ErrInvalidInput)
	}
	if want := s.expectedDimension(job.Model); want > 0 && want != len(vector) {
		return fmt.Errorf("%w: model %s expects dimension %d, got %d",
			storage.ErrInvalidInput, job.Model, want, len(vector))
	}

	if err := s.StoreEmbedding(ctx, &types.MemoryEmbedding{
		MemoryID:  job.MemoryID,
		Vector:    vector,
		Model:     job.Model,
		Dimension: len(vector),
	}); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE embedding_jobs SET status = 'done', last_error = NULL, updated_at = $1
		WHERE id = $2 AND status = 'leased' AND claimed_by = $3`,
		time.Now().UTC(), jobID, workerID)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark job done: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}
	if affected == 0 {
		// The lease moved between the load and the update. The queued job
		// still holds the current content, and its next completion will
		// overwrite the embedding written above.
		return fmt.Errorf("%w: job %s is no longer leased by %s", storage.ErrLeaseLost, jobID, workerID)
	}
	return nil
}

// Fail records a job failure, rescheduling with backoff or dead-lettering.
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
				status = 'dead_letter', attempt_count = $1, last_error = $2,
				dead_letter_reason = $2, dead_letter_at = $3,
				claimed_by = NULL, claimed_at = NULL, updated_at = $3
			WHERE id = $4`,
			attempts, cause, now, jobID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE embedding_jobs SET
				status = 'queued', attempt_count = $1, last_error = $2,
				next_attempt_at = $3, claimed_by = NULL, claimed_at = NULL, updated_at = $4
			WHERE id = $5`,
			attempts, cause, now.Add(retryBackoff(attempts)), now, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to record job failure: %w", err)
	}
	return s.Job(ctx, jobID)
}

// ReclaimStale resets leased jobs whose claim is older than leaseTimeout.
func (s *Store) ReclaimStale(ctx context.Context, leaseTimeout time.Duration) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE embedding_jobs SET
			status = 'queued', claimed_by = NULL, claimed_at = NULL,
			next_attempt_at = $1, updated_at = $1
		WHERE status = 'leased' AND claimed_at < $2`,
		now, now.Add(-leaseTimeout))
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to reclaim stale leases: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}
	return int(affected), nil
}

// Job retrieves a job by ID.
func (s *Store) Job(ctx context.Context, jobID string) (*types.EmbeddingJob, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: job ID is required", storage.ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM embedding_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get job: %w", err)
	}
	return job, nil
}

// CountJobs returns job counts grouped by status.
func (s *Store) CountJobs(ctx context.Context) (map[types.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM embedding_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[types.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan job count: %w", err)
		}
		counts[types.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows error: %w", err)
	}
	return counts, nil
}

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
