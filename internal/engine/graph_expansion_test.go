package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webrenew/memories/pkg/types"
)

func TestGraphExpansionCanaryMergesNeighbors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := mustStore(t, store, &types.Memory{
		Content: "cache invalidation happens on deploy",
	})
	neighbor := mustStore(t, store, &types.Memory{
		Content: "redis eviction tuned to allkeys-lru",
	})
	linkThroughNode(t, store, seed.ID, neighbor.ID, "cache", "redis")

	r := NewRetriever(store, nil, RetrieverOptions{RolloutMode: types.RolloutCanary})
	result, err := r.GetContext(ctx, ContextRequest{
		Query:             "cache invalidation",
		SemanticStrategy:  types.SemanticLexical,
		RetrievalStrategy: types.RetrievalHybridGraph,
	})
	require.NoError(t, err)

	require.Len(t, result.Ranked, 2)
	assert.Equal(t, seed.ID, result.Ranked[0].Memory.ID)
	assert.Nil(t, result.Ranked[0].Graph)

	expanded := result.Ranked[1]
	assert.Equal(t, neighbor.ID, expanded.Memory.ID)
	require.NotNil(t, expanded.Graph)
	assert.Equal(t, seed.ID, expanded.Graph.SeedMemoryID)
	assert.Equal(t, types.EdgeRelatesTo, expanded.Graph.EdgeType)
	assert.Equal(t, 1, expanded.Graph.Hops)

	assert.Equal(t, string(types.RolloutCanary), result.Trace.GraphRolloutMode)
	assert.Equal(t, 1, result.Trace.GraphSeeds)
	assert.Equal(t, 1, result.Trace.GraphExpanded)
}

func TestGraphExpansionShadowDiscardsButTraces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := mustStore(t, store, &types.Memory{
		Content: "cache invalidation happens on deploy",
	})
	neighbor := mustStore(t, store, &types.Memory{
		Content: "redis eviction tuned to allkeys-lru",
	})
	linkThroughNode(t, store, seed.ID, neighbor.ID, "cache", "redis")

	r := NewRetriever(store, nil, RetrieverOptions{RolloutMode: types.RolloutShadow})
	result, err := r.GetContext(ctx, ContextRequest{
		Query:             "cache invalidation",
		SemanticStrategy:  types.SemanticLexical,
		RetrievalStrategy: types.RetrievalHybridGraph,
	})
	require.NoError(t, err)

	// Shadow mode runs the expansion and records it, but the user-facing
	// result is unchanged.
	require.Len(t, result.Ranked, 1)
	assert.Equal(t, seed.ID, result.Ranked[0].Memory.ID)
	assert.Equal(t, string(types.RolloutShadow), result.Trace.GraphRolloutMode)
	assert.Equal(t, 1, result.Trace.GraphExpanded)

	var rollouts int
	err = store.DB().QueryRow(`SELECT COUNT(*) FROM graph_rollout_metrics`).Scan(&rollouts)
	require.NoError(t, err)
	assert.Equal(t, 1, rollouts)
}

func TestGraphExpansionOffSkipsGraphEntirely(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := mustStore(t, store, &types.Memory{
		Content: "cache invalidation happens on deploy",
	})
	neighbor := mustStore(t, store, &types.Memory{
		Content: "redis eviction tuned to allkeys-lru",
	})
	linkThroughNode(t, store, seed.ID, neighbor.ID, "cache", "redis")

	r := NewRetriever(store, nil, RetrieverOptions{RolloutMode: types.RolloutOff})
	result, err := r.GetContext(ctx, ContextRequest{
		Query:             "cache invalidation",
		SemanticStrategy:  types.SemanticLexical,
		RetrievalStrategy: types.RetrievalHybridGraph,
	})
	require.NoError(t, err)

	require.Len(t, result.Ranked, 1)
	assert.Equal(t, string(types.RolloutOff), result.Trace.GraphRolloutMode)

	var rollouts int
	err = store.DB().QueryRow(`SELECT COUNT(*) FROM graph_rollout_metrics`).Scan(&rollouts)
	require.NoError(t, err)
	assert.Equal(t, 0, rollouts)
}

func TestGraphExpansionSecondHopCarriesSeed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := mustStore(t, store, &types.Memory{
		Content: "cache invalidation happens on deploy",
	})
	hop1 := mustStore(t, store, &types.Memory{
		Content: "redis eviction tuned to allkeys-lru",
	})
	hop2 := mustStore(t, store, &types.Memory{
		Content: "eviction alerts page the on-call rotation",
	})
	linkThroughNode(t, store, seed.ID, hop1.ID, "cache", "redis")
	linkThroughNode(t, store, hop1.ID, hop2.ID, "redis-alerts", "on-call")

	r := NewRetriever(store, nil, RetrieverOptions{RolloutMode: types.RolloutCanary})
	result, err := r.GetContext(ctx, ContextRequest{
		Query:             "cache invalidation",
		SemanticStrategy:  types.SemanticLexical,
		RetrievalStrategy: types.RetrievalHybridGraph,
		GraphDepth:        2,
	})
	require.NoError(t, err)

	require.Len(t, result.Ranked, 3)
	second := result.Ranked[2]
	assert.Equal(t, hop2.ID, second.Memory.ID)
	require.NotNil(t, second.Graph)
	assert.Equal(t, seed.ID, second.Graph.SeedMemoryID)
	assert.Equal(t, 2, second.Graph.Hops)
}

func TestGraphExpansionHonorsLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := mustStore(t, store, &types.Memory{
		Content: "cache invalidation happens on deploy",
	})
	for _, key := range []string{"redis", "memcached", "varnish"} {
		neighbor := mustStore(t, store, &types.Memory{
			Content: "notes about " + key + " behaviour",
		})
		linkThroughNode(t, store, seed.ID, neighbor.ID, "cache-"+key, key)
	}

	r := NewRetriever(store, nil, RetrieverOptions{RolloutMode: types.RolloutCanary})
	result, err := r.GetContext(ctx, ContextRequest{
		Query:             "cache invalidation",
		SemanticStrategy:  types.SemanticLexical,
		RetrievalStrategy: types.RetrievalHybridGraph,
		GraphLimit:        1,
	})
	require.NoError(t, err)

	require.Len(t, result.Ranked, 2)
	assert.Equal(t, 1, result.Trace.GraphExpanded)
}
