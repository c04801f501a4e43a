// Package types defines the core data structures for the memories system:
// memories and their lifecycle layers, embedding jobs, the knowledge graph,
// sessions, and the audit records produced by consolidation and compaction.
package types

// MemoryType classifies the purpose of a memory.
type MemoryType string

// Memory type constants.
const (
	// MemoryTypeRule is a standing instruction that should always be in context.
	MemoryTypeRule MemoryType = "rule"

	// MemoryTypeDecision records an important choice that was made.
	MemoryTypeDecision MemoryType = "decision"

	// MemoryTypeFact is a durable piece of information about the project or user.
	MemoryTypeFact MemoryType = "fact"

	// MemoryTypeNote is a free-form observation.
	MemoryTypeNote MemoryType = "note"

	// MemoryTypeSkill describes a capability or procedure the agent has learned.
	MemoryTypeSkill MemoryType = "skill"
)

// ValidMemoryTypes lists all valid memory types for validation.
var ValidMemoryTypes = []MemoryType{
	MemoryTypeRule,
	MemoryTypeDecision,
	MemoryTypeFact,
	MemoryTypeNote,
	MemoryTypeSkill,
}

// IsValidMemoryType checks if the given memory type is valid.
func IsValidMemoryType(t MemoryType) bool {
	for _, valid := range ValidMemoryTypes {
		if valid == t {
			return true
		}
	}
	return false
}

// Layer is the lifecycle tier of a memory.
type Layer string

// Layer constants.
const (
	// LayerRule memories are always-on context, included regardless of ranking.
	LayerRule Layer = "rule"

	// LayerWorking memories are session-scoped and carry a mandatory expiry.
	LayerWorking Layer = "working"

	// LayerLongTerm memories are durable knowledge.
	LayerLongTerm Layer = "long_term"
)

// ValidLayers lists all valid layers for validation.
var ValidLayers = []Layer{LayerRule, LayerWorking, LayerLongTerm}

// IsValidLayer checks if the given layer is valid.
func IsValidLayer(l Layer) bool {
	for _, valid := range ValidLayers {
		if valid == l {
			return true
		}
	}
	return false
}

// DefaultLayerForType returns the lifecycle layer a memory should default to
// when none was provided: rules live in the rule layer, everything else is
// long-term knowledge.
func DefaultLayerForType(t MemoryType) Layer {
	if t == MemoryTypeRule {
		return LayerRule
	}
	return LayerLongTerm
}

// ScopeKind describes how widely a memory applies.
type ScopeKind string

// Scope kind constants.
const (
	// ScopeGlobal memories apply to every project owned by the tenant.
	ScopeGlobal ScopeKind = "global"

	// ScopeProject memories apply to a single project.
	ScopeProject ScopeKind = "project"
)

// IsValidScopeKind checks if the given scope kind is valid.
func IsValidScopeKind(s ScopeKind) bool {
	return s == ScopeGlobal || s == ScopeProject
}

// Scope is the caller-declared visibility boundary for a request. Every
// retrieval path, consolidation pass, and observability query is filtered by
// the same scope predicate so no path can leak memories across projects or
// users.
type Scope struct {
	// ProjectID restricts results to memories of this project plus global
	// memories. Empty means global-only.
	ProjectID string `json:"project_id,omitempty"`

	// UserID restricts results to memories owned by this user plus
	// unowned (shared) memories. Empty means unowned-only.
	UserID string `json:"user_id,omitempty"`
}

// Key returns a stable string identity for the scope, used as the backfill
// state key and as part of cache keys.
func (s Scope) Key() string {
	return "p:" + s.ProjectID + "|u:" + s.UserID
}

// SemanticStrategy selects which retrieval scoring paths run.
type SemanticStrategy string

// Semantic strategy constants.
const (
	// SemanticLexical uses full-text matching only.
	SemanticLexical SemanticStrategy = "lexical"

	// SemanticOnly uses embedding similarity only.
	SemanticOnly SemanticStrategy = "semantic"

	// SemanticHybrid fuses lexical and semantic candidate sets.
	SemanticHybrid SemanticStrategy = "hybrid"
)

// RetrievalStrategy selects whether graph expansion runs on top of the
// semantic strategy.
type RetrievalStrategy string

// Retrieval strategy constants.
const (
	// RetrievalStandard runs lexical/semantic retrieval without graph expansion.
	RetrievalStandard RetrievalStrategy = "standard"

	// RetrievalHybridGraph additionally expands candidates through the
	// knowledge graph, subject to the rollout mode.
	RetrievalHybridGraph RetrievalStrategy = "hybrid_graph"
)

// RolloutMode gates the graph-expansion retrieval path.
type RolloutMode string

// Rollout mode constants.
const (
	// RolloutOff disables graph expansion entirely.
	RolloutOff RolloutMode = "off"

	// RolloutShadow executes the graph path but discards its results,
	// recording metrics only. Used to validate the path before exposure.
	RolloutShadow RolloutMode = "shadow"

	// RolloutCanary executes the graph path and merges its results.
	RolloutCanary RolloutMode = "canary"
)

// IsValidRolloutMode checks if the given rollout mode is valid.
func IsValidRolloutMode(m RolloutMode) bool {
	return m == RolloutOff || m == RolloutShadow || m == RolloutCanary
}
