package types

import (
	"fmt"
	"time"
)

// Memory is the atomic unit of stored agent knowledge.
type Memory struct {
	// Core identification
	ID      string `json:"id"`      // Stable unique identifier
	Content string `json:"content"` // Raw memory content

	// Classification
	Type  MemoryType `json:"type"`  // rule, decision, fact, note, skill
	Layer Layer      `json:"layer"` // rule, working, long_term

	// Ownership and visibility
	Scope     ScopeKind `json:"scope"`                // global or project
	ProjectID string    `json:"project_id,omitempty"` // Owning project (project scope)
	UserID    string    `json:"user_id,omitempty"`    // Owning user; empty = shared

	// Organization
	Tags     []string               `json:"tags,omitempty"`     // User-defined tags
	Paths    []string               `json:"paths,omitempty"`    // Glob-like path scoping
	Category string                 `json:"category,omitempty"` // Primary category
	Metadata map[string]interface{} `json:"metadata,omitempty"` // Opaque structured blob

	// Quality signals
	Confidence float64 `json:"confidence"` // 0.0-1.0, default 1.0

	// Consolidation identity: memories sharing an upsert key restate the same
	// fact and are merged or superseded rather than duplicated.
	UpsertKey string `json:"upsert_key,omitempty"`

	// Provenance
	SourceSessionID string `json:"source_session_id,omitempty"`

	// Supersession: a memory with a non-nil SupersededAt is logically replaced
	// and must be excluded from retrieval even when not soft-deleted.
	SupersededBy string     `json:"superseded_by,omitempty"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`

	// ExpiresAt is mandatory for working-layer memories and nil otherwise.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Content deduplication
	ContentHash string `json:"content_hash,omitempty"` // SHA-256 of content

	// Timestamps
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"` // Soft delete marker
}

// Live reports whether the memory is eligible for retrieval: not soft-deleted,
// not superseded, and not past its working-layer expiry.
func (m *Memory) Live(now time.Time) bool {
	if m.DeletedAt != nil || m.SupersededAt != nil {
		return false
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Validate checks the structural invariants a memory must satisfy before it
// can be stored.
func (m *Memory) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("memory ID is required")
	}
	if m.Content == "" {
		return fmt.Errorf("memory content is required")
	}
	if m.Type != "" && !IsValidMemoryType(m.Type) {
		return fmt.Errorf("invalid memory type %q", m.Type)
	}
	if m.Layer != "" && !IsValidLayer(m.Layer) {
		return fmt.Errorf("invalid layer %q", m.Layer)
	}
	if !IsValidScopeKind(m.Scope) {
		return fmt.Errorf("invalid scope %q", m.Scope)
	}
	if m.Scope == ScopeProject && m.ProjectID == "" {
		return fmt.Errorf("project-scoped memory requires a project ID")
	}
	if m.Layer == LayerWorking && m.ExpiresAt == nil {
		return fmt.Errorf("working-layer memory requires expires_at")
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("confidence %f out of range [0,1]", m.Confidence)
	}
	return nil
}

// MemoryEmbedding is the persisted vector for a memory. There is at most one
// active embedding per memory; a new write replaces the old row.
type MemoryEmbedding struct {
	MemoryID     string    `json:"memory_id"`
	Vector       []float32 `json:"vector"`
	Model        string    `json:"model"`
	ModelVersion string    `json:"model_version,omitempty"`
	Dimension    int       `json:"dimension"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks that the vector length matches the declared dimension.
func (e *MemoryEmbedding) Validate() error {
	if e.MemoryID == "" {
		return fmt.Errorf("embedding memory ID is required")
	}
	if e.Model == "" {
		return fmt.Errorf("embedding model is required")
	}
	if e.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	if len(e.Vector) != e.Dimension {
		return fmt.Errorf("embedding length (%d) does not match dimension (%d)", len(e.Vector), e.Dimension)
	}
	return nil
}
