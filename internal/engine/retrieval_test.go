package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webrenew/memories/internal/embed"
	"github.com/webrenew/memories/pkg/types"
)

func TestGetContextHybridRanksSemanticMatchFirst(t *testing.T) {
	store := newTestStore(t)
	embedder := embed.NewHashEmbedder(testModel, testDimension)
	ctx := context.Background()
	query := "deploy pipeline"

	lexOnly := mustStore(t, store, &types.Memory{
		Content: "deploy pipeline checklist for the staging cluster",
	})
	semantic := mustStore(t, store, &types.Memory{
		Content: "release automation rollout steps",
	})

	// The semantic candidate carries the query's own vector, so cosine
	// similarity is 1.0 without any lexical term overlap.
	queryVector, err := embedder.Embed(ctx, query)
	require.NoError(t, err)
	require.NoError(t, store.StoreEmbedding(ctx, &types.MemoryEmbedding{
		MemoryID:  semantic.ID,
		Vector:    queryVector,
		Model:     testModel,
		Dimension: testDimension,
	}))

	r := NewRetriever(store, embedder, RetrieverOptions{})
	result, err := r.GetContext(ctx, ContextRequest{Query: query})
	require.NoError(t, err)

	require.Len(t, result.Ranked, 2)
	assert.Equal(t, semantic.ID, result.Ranked[0].Memory.ID)
	assert.Equal(t, lexOnly.ID, result.Ranked[1].Memory.ID)
	assert.Greater(t, result.Ranked[0].Score, result.Ranked[1].Score)

	assert.False(t, result.Trace.FallbackTriggered)
	assert.Equal(t, string(types.SemanticHybrid), result.Trace.StrategyApplied)
	assert.Equal(t, 1, result.Trace.LexicalCandidates)
	assert.Equal(t, 1, result.Trace.SemanticCandidates)
}

func TestGetContextFallsBackToLexicalWhenEmbeddingFails(t *testing.T) {
	store := newTestStore(t)
	embedder := embed.NewHashEmbedder(testModel, testDimension)
	embedder.SetFailure(errors.New("provider unavailable"))
	ctx := context.Background()

	lexOnly := mustStore(t, store, &types.Memory{
		Content: "deploy pipeline checklist for the staging cluster",
	})

	r := NewRetriever(store, embedder, RetrieverOptions{})
	result, err := r.GetContext(ctx, ContextRequest{Query: "deploy pipeline"})
	require.NoError(t, err)

	assert.True(t, result.Trace.FallbackTriggered)
	assert.Equal(t, FallbackEmbeddingUnavailable, result.Trace.FallbackReason)
	assert.Equal(t, string(types.SemanticLexical), result.Trace.StrategyApplied)
	assert.Equal(t, string(types.SemanticHybrid), result.Trace.StrategyRequested)

	require.Len(t, result.Ranked, 1)
	assert.Equal(t, lexOnly.ID, result.Ranked[0].Memory.ID)
}

func TestGetContextSemanticOnlyStillReturnsResultsAfterFallback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lexOnly := mustStore(t, store, &types.Memory{
		Content: "deploy pipeline checklist for the staging cluster",
	})

	// No embedder at all: a semantic-only request must degrade, not go empty.
	r := NewRetriever(store, nil, RetrieverOptions{})
	result, err := r.GetContext(ctx, ContextRequest{
		Query:            "deploy pipeline",
		SemanticStrategy: types.SemanticOnly,
	})
	require.NoError(t, err)

	assert.True(t, result.Trace.FallbackTriggered)
	require.Len(t, result.Ranked, 1)
	assert.Equal(t, lexOnly.ID, result.Ranked[0].Memory.ID)
}

func TestGetContextRulesAreTheirOwnTier(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rule := mustStore(t, store, &types.Memory{
		Content: "always run linters before committing",
		Type:    types.MemoryTypeRule,
	})
	note := mustStore(t, store, &types.Memory{
		Content: "linters currently flag the generated protobuf files",
	})

	r := NewRetriever(store, nil, RetrieverOptions{})
	result, err := r.GetContext(ctx, ContextRequest{
		Query:            "linters",
		SemanticStrategy: types.SemanticLexical,
	})
	require.NoError(t, err)

	require.Len(t, result.Rules, 1)
	assert.Equal(t, rule.ID, result.Rules[0].ID)
	assert.Equal(t, 1, result.Trace.RuleCount)

	// The rule matches the query lexically but must never enter the ranked list.
	require.Len(t, result.Ranked, 1)
	assert.Equal(t, note.ID, result.Ranked[0].Memory.ID)
	assert.Equal(t, note.ID, result.LongTerm[0].Memory.ID)
}

func TestGetContextScopeIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustStore(t, store, &types.Memory{
		Content:   "alpha project uses the legacy billing API",
		Scope:     types.ScopeProject,
		ProjectID: "alpha",
	})
	global := mustStore(t, store, &types.Memory{
		Content: "billing API requests need an idempotency key",
	})
	beta := mustStore(t, store, &types.Memory{
		Content:   "beta project billing moved to usage-based plans",
		Scope:     types.ScopeProject,
		ProjectID: "beta",
	})

	r := NewRetriever(store, nil, RetrieverOptions{})
	result, err := r.GetContext(ctx, ContextRequest{
		Scope:            types.Scope{ProjectID: "beta"},
		Query:            "billing",
		SemanticStrategy: types.SemanticLexical,
	})
	require.NoError(t, err)

	require.Len(t, result.Ranked, 2)
	got := []string{result.Ranked[0].Memory.ID, result.Ranked[1].Memory.ID}
	assert.Contains(t, got, global.ID)
	assert.Contains(t, got, beta.ID)
}

func TestGetContextTieBreakIsDeterministic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := mustStore(t, store, &types.Memory{ID: "a-first", Content: "retry budget is five attempts"})
	b := mustStore(t, store, &types.Memory{ID: "b-second", Content: "retry budget is five attempts"})
	// Identical overlap and identical updated_at leaves the ID as tie-break.
	b.UpdatedAt = a.UpdatedAt
	mustStore(t, store, b)

	r := NewRetriever(store, nil, RetrieverOptions{})
	result, err := r.GetContext(ctx, ContextRequest{
		Query:            "retry budget",
		SemanticStrategy: types.SemanticLexical,
	})
	require.NoError(t, err)

	require.Len(t, result.Ranked, 2)
	assert.Equal(t, "a-first", result.Ranked[0].Memory.ID)
	assert.Equal(t, "b-second", result.Ranked[1].Memory.ID)
}

func TestSignificantTerms(t *testing.T) {
	assert.Equal(t, []string{"configure", "vector", "index"},
		significantTerms("How to configure the vector index?"))

	// A query of pure stopwords keeps its raw terms so it still matches.
	assert.Equal(t, []string{"the", "and"}, significantTerms("the and"))

	assert.Empty(t, significantTerms(""))
}

func TestLexicalOverlap(t *testing.T) {
	m := &types.Memory{
		Content: "use the connection pool for postgres",
		Tags:    []string{"database"},
	}
	assert.Equal(t, 1.0, lexicalOverlap(m, []string{"connection", "database"}))
	assert.Equal(t, 0.5, lexicalOverlap(m, []string{"pool", "redis"}))
	assert.Equal(t, 0.0, lexicalOverlap(m, []string{"kafka"}))
}
