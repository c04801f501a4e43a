// Package storage provides composable storage interfaces for the memories
// system.
//
// The storage layer is split into small, focused interfaces that a backend
// implements together on one store type. The engine packages depend only on
// these interfaces, so the SQLite and PostgreSQL backends are interchangeable.
package storage

import (
	"context"
	"time"

	"github.com/webrenew/memories/pkg/types"
)

// MemoryStore provides CRUD and scoped query operations for memories.
type MemoryStore interface {
	// Store creates or updates a memory (upsert semantics by ID).
	Store(ctx context.Context, memory *types.Memory) error

	// Get retrieves a memory by ID. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*types.Memory, error)

	// Delete soft-deletes a memory (sets deleted_at).
	Delete(ctx context.Context, id string) error

	// Purge hard-deletes a memory and its embedding.
	Purge(ctx context.Context, id string) error

	// LexicalSearch returns live memories in scope whose content or tags
	// match any query term.
	LexicalSearch(ctx context.Context, q LexicalQuery) ([]types.Memory, error)

	// ListRules returns live rule-layer memories in scope, newest first.
	// Rules are bounded separately from ranked retrieval because they are
	// always-on context.
	ListRules(ctx context.Context, scope types.Scope, limit int) ([]types.Memory, error)

	// FindLiveByUpsertKey returns the single live (non-superseded,
	// non-deleted) memory sharing the given upsert identity, or ErrNotFound.
	FindLiveByUpsertKey(ctx context.Context, scope types.ScopeKind, projectID, userID string, memoryType types.MemoryType, upsertKey string) (*types.Memory, error)

	// Supersede marks a memory as logically replaced by another.
	Supersede(ctx context.Context, id, byID string, at time.Time) error

	// ScanAfter returns memories strictly after the (createdAt, id)
	// checkpoint in stable keyset order, up to limit rows. Used by backfill.
	ScanAfter(ctx context.Context, afterCreatedAt time.Time, afterID string, limit int) ([]types.Memory, error)

	// CountAll returns the total number of non-deleted memories, for
	// backfill progress estimation.
	CountAll(ctx context.Context) (int, error)

	// ExpireWorking soft-deletes working-layer memories whose expiry has
	// passed. Returns the number of rows affected.
	ExpireWorking(ctx context.Context, now time.Time) (int, error)

	// CountLifecycle aggregates lifecycle activity for scope since the
	// given time.
	CountLifecycle(ctx context.Context, scope types.Scope, since time.Time) (LifecycleCounts, error)

	// Close releases resources held by the store.
	Close() error
}

// EmbeddingStore manages vector persistence and semantic search.
type EmbeddingStore interface {
	// StoreEmbedding creates or replaces the active embedding for a memory.
	StoreEmbedding(ctx context.Context, emb *types.MemoryEmbedding) error

	// GetEmbedding retrieves the embedding for a memory, or ErrNotFound.
	GetEmbedding(ctx context.Context, memoryID string) (*types.MemoryEmbedding, error)

	// DeleteEmbedding removes the embedding for a memory.
	DeleteEmbedding(ctx context.Context, memoryID string) error

	// SemanticSearch ranks live in-scope memories by cosine similarity
	// against the query vector, considering only embeddings of the given
	// model and matching dimension.
	SemanticSearch(ctx context.Context, vector []float32, model string, scope types.Scope, limit int) ([]ScoredMemory, error)

	// MissingEmbeddings filters memoryIDs down to those lacking an
	// embedding for the given model. Used by backfill.
	MissingEmbeddings(ctx context.Context, memoryIDs []string, model string) ([]string, error)
}

// JobQueue is the lease-based embedding job queue. Mutual exclusion between
// workers is achieved with conditional updates on job status rather than
// locks: a claim succeeds only if the row is still queued at claim time.
type JobQueue interface {
	// Enqueue inserts or replaces the pending job for (memoryID, model),
	// resetting the attempt counter and next-attempt time.
	Enqueue(ctx context.Context, memoryID, content, model string, op types.JobOperation) (*types.EmbeddingJob, error)

	// LeaseNext atomically claims up to limit due queued jobs for workerID.
	// Two concurrent calls never return overlapping jobs.
	LeaseNext(ctx context.Context, workerID string, limit int) ([]types.EmbeddingJob, error)

	// Complete stores the produced vector as the memory's embedding and
	// marks the job done. The job must still be leased by workerID;
	// ErrLeaseLost otherwise, so a stale holder cannot mark a refreshed
	// or reclaimed job done with an outdated vector.
	Complete(ctx context.Context, jobID string, workerID string, vector []float32) error

	// Fail records a job failure: reschedules with exponential backoff while
	// attempts remain, otherwise dead-letters the job. Returns the updated job.
	Fail(ctx context.Context, jobID string, cause string) (*types.EmbeddingJob, error)

	// ReclaimStale resets leased jobs older than leaseTimeout back to queued
	// so a crashed worker cannot wedge a job forever.
	ReclaimStale(ctx context.Context, leaseTimeout time.Duration) (int, error)

	// Job retrieves a job by ID, or ErrNotFound.
	Job(ctx context.Context, jobID string) (*types.EmbeddingJob, error)

	// CountJobs returns job counts grouped by status.
	CountJobs(ctx context.Context) (map[types.JobStatus]int, error)
}

// GraphStore manages the entity graph used by graph-expansion retrieval.
type GraphStore interface {
	// UpsertNode creates or finds the node keyed by (type, key) and returns
	// its ID.
	UpsertNode(ctx context.Context, node *types.GraphNode) (string, error)

	// UpsertEdge creates or updates a directed edge.
	UpsertEdge(ctx context.Context, edge *types.GraphEdge) error

	// LinkMemory associates a memory with a node under a role.
	LinkMemory(ctx context.Context, memoryID, nodeID, role string) error

	// AdjacentMemories returns memories one edge-hop away from memoryID,
	// restricted to scope, skipping expired edges.
	AdjacentMemories(ctx context.Context, memoryID string, scope types.Scope, now time.Time) ([]types.GraphNeighbor, error)

	// CountContradictions counts unexpired contradiction edges in scope
	// created within [since, until).
	CountContradictions(ctx context.Context, scope types.Scope, since, until time.Time) (int, error)
}

// SessionStore manages sessions, their events, and compaction records.
type SessionStore interface {
	// UpsertSession creates or updates a session.
	UpsertSession(ctx context.Context, session *types.Session) error

	// GetSession retrieves a session by ID, or ErrNotFound.
	GetSession(ctx context.Context, id string) (*types.Session, error)

	// AppendEvent appends an ordered event to a session and bumps the
	// session's last-activity time.
	AppendEvent(ctx context.Context, event *types.SessionEvent) error

	// StaleSessions returns active sessions whose last activity is before
	// the cutoff, oldest first, up to limit.
	StaleSessions(ctx context.Context, before time.Time, limit int) ([]types.Session, error)

	// RecentEvents returns the most recent window events of a session in
	// chronological order.
	RecentEvents(ctx context.Context, sessionID string, window int) ([]types.SessionEvent, error)

	// SetSessionStatus transitions a session's lifecycle status.
	SetSessionStatus(ctx context.Context, sessionID string, status types.SessionStatus) error

	// RecordCompaction appends a compaction event.
	RecordCompaction(ctx context.Context, event *types.CompactionEvent) error

	// CompactionStats aggregates compaction events for sessions in scope
	// since the given time.
	CompactionStats(ctx context.Context, scope types.Scope, since time.Time) (CompactionStats, error)
}

// MetricsStore persists audit and progress records read by observability.
type MetricsStore interface {
	// AppendConsolidationRun appends one consolidation audit row.
	AppendConsolidationRun(ctx context.Context, run *types.ConsolidationRun) error

	// ConsolidationStats aggregates runs for a scope key since the given time.
	ConsolidationStats(ctx context.Context, scopeKey string, since time.Time) (ConsolidationStats, error)

	// GetBackfillState loads the backfill cursor for (scopeKey, model),
	// returning a fresh idle state when none exists.
	GetBackfillState(ctx context.Context, scopeKey, model string) (*types.BackfillState, error)

	// SaveBackfillState persists the cursor. The checkpoint may only move
	// forward; ErrCheckpointRegression is returned otherwise.
	SaveBackfillState(ctx context.Context, state *types.BackfillState) error

	// AppendBackfillMetrics appends one backfill batch record.
	AppendBackfillMetrics(ctx context.Context, m *types.BackfillMetrics) error

	// AppendGraphRollout appends one graph rollout observation.
	AppendGraphRollout(ctx context.Context, rec *GraphRolloutRecord) error
}

// Store is the full storage surface a backend provides.
type Store interface {
	MemoryStore
	EmbeddingStore
	JobQueue
	GraphStore
	SessionStore
	MetricsStore
}
