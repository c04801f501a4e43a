package types

import "time"

// JobStatus is the lifecycle state of an embedding job.
type JobStatus string

// Job status constants.
const (
	// JobQueued indicates the job is waiting to be leased.
	JobQueued JobStatus = "queued"

	// JobLeased indicates a worker holds an exclusive claim on the job.
	JobLeased JobStatus = "leased"

	// JobDone indicates the embedding was produced and stored.
	JobDone JobStatus = "done"

	// JobDeadLetter is the terminal state for a job that exhausted its retry
	// budget. Dead-lettered jobs are excluded from leasing.
	JobDeadLetter JobStatus = "dead_letter"
)

// JobOperation distinguishes first-time embedding from re-embedding after an
// update.
type JobOperation string

// Job operation constants.
const (
	JobOpCreate JobOperation = "create"
	JobOpUpdate JobOperation = "update"
)

// DefaultMaxAttempts is the retry budget for embedding jobs.
const DefaultMaxAttempts = 5

// EmbeddingJob is one unit of asynchronous embedding work. At most one live
// (non-done, non-dead-letter) job exists per (memory, model) pair; a new write
// for the same pair supersedes the pending job instead of duplicating it.
type EmbeddingJob struct {
	ID        string       `json:"id"`
	MemoryID  string       `json:"memory_id"`
	Operation JobOperation `json:"operation"`
	Model     string       `json:"model"`

	// Content is a snapshot of the memory content at enqueue time, so the
	// embedded text matches what triggered the job even if the memory is
	// updated again before the job runs.
	Content string `json:"content"`

	Status        JobStatus `json:"status"`
	AttemptCount  int       `json:"attempt_count"`
	MaxAttempts   int       `json:"max_attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`

	// Lease bookkeeping
	ClaimedBy string     `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	LastError        string     `json:"last_error,omitempty"`
	DeadLetterReason string     `json:"dead_letter_reason,omitempty"`
	DeadLetterAt     *time.Time `json:"dead_letter_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BackfillStatus is the state of a resumable backfill run.
type BackfillStatus string

// Backfill status constants.
const (
	BackfillIdle      BackfillStatus = "idle"
	BackfillRunning   BackfillStatus = "running"
	BackfillCompleted BackfillStatus = "completed"
)

// BackfillState is the durable cursor for one (scope, model) backfill. The
// checkpoint only moves forward; resuming after a crash continues from the
// last committed checkpoint without reprocessing or skipping rows.
type BackfillState struct {
	ScopeKey string         `json:"scope_key"`
	Model    string         `json:"model"`
	Status   BackfillStatus `json:"status"`

	// Checkpoint: the (created_at, id) pair of the last scanned memory.
	// Keyset pagination over these two fields gives a stable order that
	// never re-visits or skips rows.
	CheckpointCreatedAt time.Time `json:"checkpoint_created_at"`
	CheckpointID        string    `json:"checkpoint_id"`

	// Progress counters
	Scanned            int `json:"scanned"`
	Enqueued           int `json:"enqueued"`
	EstimatedTotal     int `json:"estimated_total"`
	EstimatedRemaining int `json:"estimated_remaining"`

	// Tuning
	BatchLimit int `json:"batch_limit"`
	ThrottleMs int `json:"throttle_ms"`

	UpdatedAt time.Time `json:"updated_at"`
}

// BackfillMetrics is one append-only progress record for a backfill batch.
type BackfillMetrics struct {
	ID         string    `json:"id"`
	ScopeKey   string    `json:"scope_key"`
	Model      string    `json:"model"`
	Scanned    int       `json:"scanned"`
	Enqueued   int       `json:"enqueued"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}
