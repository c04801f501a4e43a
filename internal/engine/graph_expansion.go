package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/webrenew/memories/internal/storage"
	"github.com/webrenew/memories/pkg/types"
)

// applyGraphExpansion runs the graph path under the resolved rollout mode.
// In shadow mode results are recorded to rollout metrics and discarded; in
// canary mode they are merged after the ranked set. Graph failures never fail
// the request: the non-graph results are returned with a recorded fallback.
func (r *Retriever) applyGraphExpansion(ctx context.Context, req ContextRequest, ranked []RankedMemory, trace *ContextTrace) []RankedMemory {
	mode := r.opts.RolloutMode
	trace.GraphRolloutMode = string(mode)
	if mode == types.RolloutOff {
		return ranked
	}

	started := time.Now()
	expanded, err := r.expandGraph(ctx, req, ranked)

	rec := &storage.GraphRolloutRecord{
		ScopeKey:      req.Scope.Key(),
		Mode:          mode,
		SeedCount:     len(ranked),
		ExpandedCount: len(expanded),
		DurationMs:    time.Since(started).Milliseconds(),
		Failed:        err != nil,
	}
	if recErr := r.store.AppendGraphRollout(ctx, rec); recErr != nil {
		log.Printf("engine: failed to record graph rollout: %v", recErr)
	}

	if err != nil {
		trace.FallbackTriggered = true
		trace.FallbackReason = FallbackGraphFailed
		return ranked
	}

	trace.GraphSeeds = len(ranked)
	trace.GraphExpanded = len(expanded)
	if mode == types.RolloutShadow {
		return ranked
	}
	return append(ranked, expanded...)
}

// expandGraph walks outward from the ranked memories through shared graph
// nodes, breadth-first, up to GraphDepth hops and GraphLimit discoveries.
// Every discovered memory carries the seed, edge type and hop count that led
// to it. The scope predicate and edge expiry are enforced by the store.
func (r *Retriever) expandGraph(ctx context.Context, req ContextRequest, ranked []RankedMemory) ([]RankedMemory, error) {
	if len(ranked) == 0 || req.GraphDepth == 0 {
		return nil, nil
	}

	type frontierItem struct {
		id   string
		seed string
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(ranked))
	frontier := make([]frontierItem, 0, len(ranked))
	for _, rm := range ranked {
		seen[rm.Memory.ID] = true
		frontier = append(frontier, frontierItem{id: rm.Memory.ID, seed: rm.Memory.ID})
	}

	var expanded []RankedMemory
	for depth := 1; depth <= req.GraphDepth && len(frontier) > 0; depth++ {
		var next []frontierItem
		for _, item := range frontier {
			neighbors, err := r.store.AdjacentMemories(ctx, item.id, req.Scope, now)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				if seen[n.MemoryID] {
					continue
				}
				seen[n.MemoryID] = true

				mem, err := r.store.Get(ctx, n.MemoryID)
				if err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						continue
					}
					return nil, err
				}
				if !mem.Live(now) || mem.Layer == types.LayerRule {
					continue
				}

				expanded = append(expanded, RankedMemory{
					Memory: *mem,
					Graph: &GraphExpansion{
						SeedMemoryID: item.seed,
						EdgeType:     n.EdgeType,
						Hops:         depth,
					},
				})
				if len(expanded) >= req.GraphLimit {
					return expanded, nil
				}
				next = append(next, frontierItem{id: n.MemoryID, seed: item.seed})
			}
		}
		frontier = next
	}
	return expanded, nil
}
