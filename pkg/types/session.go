package types

import "time"

// SessionStatus is the lifecycle state of a client session.
type SessionStatus string

// Session status constants.
const (
	SessionActive    SessionStatus = "active"
	SessionCompacted SessionStatus = "compacted"
	SessionEnded     SessionStatus = "ended"
)

// CompactionTrigger identifies what caused a compaction.
type CompactionTrigger string

// Compaction trigger constants.
const (
	// TriggerCount fires when a session accumulates too many turns.
	TriggerCount CompactionTrigger = "count"

	// TriggerTime fires when a session has been inactive past a threshold.
	TriggerTime CompactionTrigger = "time"

	// TriggerSemantic fires when the conversation drifts topic.
	TriggerSemantic CompactionTrigger = "semantic"
)

// Session tracks one client's ongoing interaction.
type Session struct {
	ID             string        `json:"id"`
	ProjectID      string        `json:"project_id,omitempty"`
	UserID         string        `json:"user_id,omitempty"`
	Status         SessionStatus `json:"status"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// SessionEvent is one ordered turn within a session.
type SessionEvent struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Seq        int       `json:"seq"`  // Monotonic per-session ordering
	Role       string    `json:"role"` // user, assistant, tool, system
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Meaningful reports whether the event carries conversational content worth
// summarizing. System frames and empty turns are skipped by compaction.
func (e *SessionEvent) Meaningful() bool {
	return e.Content != "" && e.Role != "system"
}

// CompactionEvent records one compaction of a session. A nil
// CheckpointMemoryID means the checkpoint memory failed to persist; this is a
// tracked anomaly counted by the observability snapshot, never silently
// dropped.
type CompactionEvent struct {
	ID                 string            `json:"id"`
	SessionID          string            `json:"session_id"`
	TriggerType        CompactionTrigger `json:"trigger_type"`
	EventsBefore       int               `json:"events_before"`
	TokensBefore       int               `json:"tokens_before"`
	CheckpointMemoryID *string           `json:"checkpoint_memory_id,omitempty"`
	Error              string            `json:"error,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// ConsolidationRun is one append-only audit record of a dedup pass.
type ConsolidationRun struct {
	ID              string    `json:"id"`
	ScopeKey        string    `json:"scope_key"`
	InputCount      int       `json:"input_count"`
	MergedCount     int       `json:"merged_count"`
	SupersededCount int       `json:"superseded_count"`
	ConflictedCount int       `json:"conflicted_count"`
	Model           string    `json:"model,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
