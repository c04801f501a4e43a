// Package engine implements the core machinery around the memory store:
// context retrieval with hybrid lexical/semantic/graph ranking, consolidation
// of restated memories, session compaction, embedding job processing,
// backfill, and the observability snapshot.
package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/webrenew/memories/internal/embed"
	"github.com/webrenew/memories/internal/storage"
	"github.com/webrenew/memories/pkg/types"
)

const (
	defaultContextLimit = 50
	maxContextLimit     = 200
	defaultRuleLimit    = 20
	defaultGraphDepth   = 1
	defaultGraphLimit   = 10
	maxGraphDepth       = 2
)

// FallbackEmbeddingUnavailable is recorded when the query vector could not
// be produced and retrieval degraded to lexical-only.
const FallbackEmbeddingUnavailable = "query_embedding_unavailable"

// FallbackGraphFailed is recorded when the graph path errored and the
// non-graph result set was returned instead.
const FallbackGraphFailed = "graph_expansion_failed"

// Retriever assembles scoped context for agent queries.
type Retriever struct {
	store    storage.Store
	embedder embed.Embedder
	opts     RetrieverOptions
}

// RetrieverOptions carries the per-process retrieval configuration. Rollout
// mode is resolved here once per request and threaded through; the graph
// path never consults configuration mid-algorithm.
type RetrieverOptions struct {
	DefaultLimit int
	RuleLimit    int
	RolloutMode  types.RolloutMode
}

// NewRetriever creates a retriever. embedder may be nil, in which case every
// semantic request degrades to lexical with a recorded fallback.
func NewRetriever(store storage.Store, embedder embed.Embedder, opts RetrieverOptions) *Retriever {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = defaultContextLimit
	}
	if opts.RuleLimit <= 0 {
		opts.RuleLimit = defaultRuleLimit
	}
	if opts.RolloutMode == "" {
		opts.RolloutMode = types.RolloutOff
	}
	return &Retriever{store: store, embedder: embedder, opts: opts}
}

// ContextRequest describes one scoped retrieval.
type ContextRequest struct {
	Scope             types.Scope
	Query             string
	Limit             int
	SemanticStrategy  types.SemanticStrategy
	RetrievalStrategy types.RetrievalStrategy
	GraphDepth        int
	GraphLimit        int
}

// GraphExpansion explains why a graph-discovered memory was included.
type GraphExpansion struct {
	// SeedMemoryID is the ranked memory the expansion started from.
	SeedMemoryID string `json:"seed_memory_id"`

	// EdgeType is the edge that led to this memory.
	EdgeType string `json:"edge_type"`

	// Hops is the distance from the seed.
	Hops int `json:"hops"`
}

// RankedMemory is one scored retrieval result.
type RankedMemory struct {
	Memory types.Memory    `json:"memory"`
	Score  float64         `json:"score"`
	Graph  *GraphExpansion `json:"graph,omitempty"`
}

// ContextResult is the layered answer to a context request.
type ContextResult struct {
	// Rules are always-on context, bounded separately from ranking.
	Rules []types.Memory `json:"rules"`

	// Working and LongTerm partition Ranked by lifecycle layer.
	Working  []RankedMemory `json:"working"`
	LongTerm []RankedMemory `json:"long_term"`

	// Ranked is the flat relevance-ordered list.
	Ranked []RankedMemory `json:"ranked"`

	Trace ContextTrace `json:"trace"`
}

// GetContext resolves candidate memories through the lexical, semantic and
// graph paths permitted by the request, fuses and ranks them, and returns
// them partitioned by layer with a trace of what actually ran.
func (r *Retriever) GetContext(ctx context.Context, req ContextRequest) (*ContextResult, error) {
	started := time.Now()
	r.normalize(&req)

	trace := ContextTrace{
		StrategyRequested: string(req.SemanticStrategy),
		StrategyApplied:   string(req.SemanticStrategy),
		RetrievalStrategy: string(req.RetrievalStrategy),
	}

	rules, err := r.store.ListRules(ctx, req.Scope, r.opts.RuleLimit)
	if err != nil {
		return nil, err
	}
	trace.RuleCount = len(rules)

	terms := significantTerms(req.Query)
	fetchLimit := req.Limit * 2

	var lexical []types.Memory
	if req.SemanticStrategy != types.SemanticOnly {
		lexical, err = r.lexicalCandidates(ctx, req, terms, fetchLimit)
		if err != nil {
			return nil, err
		}
	}

	var semantic []storage.ScoredMemory
	if req.SemanticStrategy != types.SemanticLexical {
		semantic = r.semanticCandidates(ctx, req, fetchLimit, &trace)
		if trace.FallbackTriggered && len(lexical) == 0 {
			// Semantic-only requests still need candidates after degrading.
			lexical, err = r.lexicalCandidates(ctx, req, terms, fetchLimit)
			if err != nil {
				return nil, err
			}
		}
	}
	trace.LexicalCandidates = len(lexical)
	trace.SemanticCandidates = len(semantic)

	ranked := r.fuse(lexical, semantic, terms)
	if len(ranked) > req.Limit {
		ranked = ranked[:req.Limit]
	}

	if req.RetrievalStrategy == types.RetrievalHybridGraph {
		ranked = r.applyGraphExpansion(ctx, req, ranked, &trace)
	}

	result := &ContextResult{Rules: rules, Ranked: ranked}
	for _, rm := range ranked {
		switch rm.Memory.Layer {
		case types.LayerWorking:
			result.Working = append(result.Working, rm)
		default:
			result.LongTerm = append(result.LongTerm, rm)
		}
	}

	trace.DurationMs = time.Since(started).Milliseconds()
	result.Trace = trace
	return result, nil
}

func (r *Retriever) normalize(req *ContextRequest) {
	if req.Limit <= 0 {
		req.Limit = r.opts.DefaultLimit
	}
	if req.Limit > maxContextLimit {
		req.Limit = maxContextLimit
	}
	if req.SemanticStrategy == "" {
		req.SemanticStrategy = types.SemanticHybrid
	}
	if req.RetrievalStrategy == "" {
		req.RetrievalStrategy = types.RetrievalStandard
	}
	if req.GraphDepth <= 0 {
		req.GraphDepth = defaultGraphDepth
	}
	if req.GraphDepth > maxGraphDepth {
		req.GraphDepth = maxGraphDepth
	}
	if req.GraphLimit <= 0 {
		req.GraphLimit = defaultGraphLimit
	}
}

func (r *Retriever) lexicalCandidates(ctx context.Context, req ContextRequest, terms []string, limit int) ([]types.Memory, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	return r.store.LexicalSearch(ctx, storage.LexicalQuery{
		Scope:  req.Scope,
		Terms:  terms,
		Layers: []types.Layer{types.LayerWorking, types.LayerLongTerm},
		Limit:  limit,
	})
}

// semanticCandidates produces the semantic candidate set, degrading to an
// empty set with a recorded fallback when the query vector is unavailable.
func (r *Retriever) semanticCandidates(ctx context.Context, req ContextRequest, limit int, trace *ContextTrace) []storage.ScoredMemory {
	if r.embedder == nil {
		trace.FallbackTriggered = true
		trace.FallbackReason = FallbackEmbeddingUnavailable
		trace.StrategyApplied = string(types.SemanticLexical)
		return nil
	}

	vector, err := r.embedder.Embed(ctx, req.Query)
	if err != nil {
		trace.FallbackTriggered = true
		trace.FallbackReason = FallbackEmbeddingUnavailable
		trace.StrategyApplied = string(types.SemanticLexical)
		return nil
	}

	scored, err := r.store.SemanticSearch(ctx, vector, r.embedder.Model(), req.Scope, limit)
	if err != nil {
		trace.FallbackTriggered = true
		trace.FallbackReason = FallbackEmbeddingUnavailable
		trace.StrategyApplied = string(types.SemanticLexical)
		return nil
	}

	// Rules are surfaced through their own tier, not the ranked list.
	live := scored[:0]
	for _, s := range scored {
		if s.Memory.Layer != types.LayerRule {
			live = append(live, s)
		}
	}
	return live
}

// fuse unions the lexical and semantic candidate sets and scores them with a
// weighted combination. Short, ambiguous queries lean on semantic similarity;
// exact-term queries lean on lexical overlap. Ties break by updatedAt
// descending then id ascending for determinism.
func (r *Retriever) fuse(lexical []types.Memory, semantic []storage.ScoredMemory, terms []string) []RankedMemory {
	lexWeight, semWeight := 0.6, 0.4
	if len(terms) <= 2 {
		lexWeight, semWeight = 0.3, 0.7
	}

	byID := make(map[string]*RankedMemory)
	var order []string

	for _, m := range lexical {
		rm := &RankedMemory{Memory: m, Score: lexWeight * lexicalOverlap(&m, terms)}
		byID[m.ID] = rm
		order = append(order, m.ID)
	}
	for _, s := range semantic {
		if existing, ok := byID[s.Memory.ID]; ok {
			existing.Score += semWeight * s.Score
			continue
		}
		rm := &RankedMemory{
			Memory: s.Memory,
			Score:  semWeight*s.Score + lexWeight*lexicalOverlap(&s.Memory, terms),
		}
		byID[s.Memory.ID] = rm
		order = append(order, s.Memory.ID)
	}

	ranked := make([]RankedMemory, 0, len(order))
	for _, id := range order {
		ranked = append(ranked, *byID[id])
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if !ranked[i].Memory.UpdatedAt.Equal(ranked[j].Memory.UpdatedAt) {
			return ranked[i].Memory.UpdatedAt.After(ranked[j].Memory.UpdatedAt)
		}
		return ranked[i].Memory.ID < ranked[j].Memory.ID
	})
	return ranked
}

// lexicalOverlap scores a memory by the fraction of query terms present in
// its content or tags.
func lexicalOverlap(m *types.Memory, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	content := strings.ToLower(m.Content)
	tags := strings.ToLower(strings.Join(m.Tags, " "))
	matched := 0
	for _, term := range terms {
		if strings.Contains(content, term) || strings.Contains(tags, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "for": {}, "how": {}, "in": {},
	"is": {}, "of": {}, "on": {}, "or": {}, "the": {}, "to": {}, "what": {},
	"with": {},
}

// significantTerms extracts the lowercased query terms that carry meaning.
// When filtering would drop everything, the raw terms are kept so a query of
// pure stopwords still matches something.
func significantTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	var terms []string
	for _, f := range fields {
		f = strings.Trim(f, `.,;:!?"'()[]`)
		if f == "" {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		terms = append(terms, f)
	}
	if len(terms) == 0 {
		return fields
	}
	return terms
}
