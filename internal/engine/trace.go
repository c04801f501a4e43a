package engine

// ContextTrace describes what a context request actually did: which strategy
// ran versus which was asked for, how many candidates each path produced, and
// whether any designed degradation fired. Degradation is visible only here,
// never as an error to the caller.
type ContextTrace struct {
	// StrategyRequested is the semantic strategy the caller asked for.
	StrategyRequested string `json:"strategy_requested"`

	// StrategyApplied is the semantic strategy that actually ran. Differs
	// from StrategyRequested when a fallback triggered.
	StrategyApplied string `json:"strategy_applied"`

	// RetrievalStrategy records whether graph expansion was requested.
	RetrievalStrategy string `json:"retrieval_strategy"`

	// GraphRolloutMode is the rollout gate resolved for this request,
	// populated when the graph path was requested.
	GraphRolloutMode string `json:"graph_rollout_mode,omitempty"`

	// FallbackTriggered reports that a degradable failure occurred and a
	// fallback path produced the result.
	FallbackTriggered bool `json:"fallback_triggered,omitempty"`

	// FallbackReason names the degradation, e.g.
	// "query_embedding_unavailable" or "graph_expansion_failed".
	FallbackReason string `json:"fallback_reason,omitempty"`

	// LexicalCandidates is the candidate count the lexical path produced.
	LexicalCandidates int `json:"lexical_candidates"`

	// SemanticCandidates is the candidate count the semantic path produced.
	SemanticCandidates int `json:"semantic_candidates"`

	// GraphSeeds is the number of ranked memories used as expansion seeds.
	GraphSeeds int `json:"graph_seeds,omitempty"`

	// GraphExpanded is the number of memories the graph path discovered.
	// In shadow mode these are recorded here but absent from the result.
	GraphExpanded int `json:"graph_expanded,omitempty"`

	// RuleCount is the number of always-on rules included.
	RuleCount int `json:"rule_count"`

	// DurationMs is the total wall-clock time for the request.
	DurationMs int64 `json:"duration_ms"`
}
