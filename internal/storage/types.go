package storage

import (
	"errors"
	"time"

	"github.com/webrenew/memories/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCheckpointRegression indicates an attempt to move a backfill
	// checkpoint backward. Checkpoints only advance.
	ErrCheckpointRegression = errors.New("backfill checkpoint moved backward")

	// ErrLeaseLost indicates a job mutation that required a lease the
	// caller no longer holds, because the job was refreshed with new
	// content or reclaimed while the caller worked on it.
	ErrLeaseLost = errors.New("job lease no longer held")
)

// LexicalQuery describes a scoped full-text lookup over memory content and
// tags. Soft-deleted, superseded, and expired rows are always excluded.
type LexicalQuery struct {
	// Scope is the caller's visibility boundary.
	Scope types.Scope

	// Terms are the significant query words; a memory matches when any term
	// appears in its content or tags.
	Terms []string

	// Layers restricts results to the given layers. Empty means all layers.
	Layers []types.Layer

	// Limit caps the number of rows returned (default 50).
	Limit int
}

// Normalize applies defaults and bounds to the query.
func (q *LexicalQuery) Normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 200 {
		q.Limit = 200
	}
}

// ScoredMemory pairs a memory with a backend-computed relevance score
// (cosine similarity for semantic search).
type ScoredMemory struct {
	Memory types.Memory
	Score  float64
}

// LifecycleCounts aggregates memory lifecycle activity over a window.
type LifecycleCounts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Active  int `json:"active"`
	Total   int `json:"total"`
}

// CompactionStats aggregates compaction events over a window.
type CompactionStats struct {
	// TotalEvents is the number of compaction events in the window.
	TotalEvents int `json:"total_events"`

	// MissingCheckpoints counts events whose checkpoint memory failed to
	// persist (null checkpoint_memory_id).
	MissingCheckpoints int `json:"missing_checkpoints"`

	// ByTrigger breaks events down by trigger type.
	ByTrigger map[types.CompactionTrigger]int `json:"by_trigger"`
}

// CoverageRatio returns the fraction of compaction events that produced a
// checkpoint memory. Returns 1.0 when there were no events.
func (s CompactionStats) CoverageRatio() float64 {
	if s.TotalEvents == 0 {
		return 1.0
	}
	return float64(s.TotalEvents-s.MissingCheckpoints) / float64(s.TotalEvents)
}

// ConsolidationStats aggregates consolidation runs over a window.
type ConsolidationStats struct {
	Runs       int `json:"runs"`
	Inputs     int `json:"inputs"`
	Merged     int `json:"merged"`
	Superseded int `json:"superseded"`
	Conflicted int `json:"conflicted"`
}

// ConflictRate returns conflicts as a fraction of consolidation inputs.
// Returns 0 when there were no inputs.
func (s ConsolidationStats) ConflictRate() float64 {
	if s.Inputs == 0 {
		return 0
	}
	return float64(s.Conflicted) / float64(s.Inputs)
}

// GraphRolloutRecord is one append-only observation of a graph-expansion
// execution under shadow or canary rollout, kept for validating the path
// before user-facing exposure.
type GraphRolloutRecord struct {
	ID            string           `json:"id"`
	ScopeKey      string           `json:"scope_key"`
	Mode          types.RolloutMode `json:"mode"`
	SeedCount     int              `json:"seed_count"`
	ExpandedCount int              `json:"expanded_count"`
	DurationMs    int64            `json:"duration_ms"`
	Failed        bool             `json:"failed"`
	CreatedAt     time.Time        `json:"created_at"`
}
