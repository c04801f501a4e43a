package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/webrenew/memories/internal/storage"
	"github.com/webrenew/memories/pkg/types"
)

// Consolidator merges, supersedes, or flags memories that restate the same
// fact. A memory's upsert key is its consolidation identity: candidates
// sharing (scope, project, user, type, upsertKey) with a live row are
// reconciled against it instead of inserted blindly.
type Consolidator struct {
	store storage.Store
}

// NewConsolidator creates a consolidator over the given store.
func NewConsolidator(store storage.Store) *Consolidator {
	return &Consolidator{store: store}
}

// Consolidate reconciles a batch of candidate memories against the store and
// persists them. Candidates without an upsert key are stored as-is. For the
// rest, the outcome per candidate is one of:
//
//   - no live row shares the identity: insert as new
//   - a live row exists and the contents are compatible: merge into it
//   - the contents conflict and the candidate is strictly stronger: the old
//     row is superseded by the candidate
//   - the contents conflict without a clear winner: both stay live, the
//     conflict is counted, and a contradiction edge links the pair for review
//
// Equal confidence and equal timestamp never silently supersede; the pair is
// kept and counted as a conflict. One ConsolidationRun audit row is appended
// per call.
func (c *Consolidator) Consolidate(ctx context.Context, scope types.Scope, candidates []*types.Memory) (*types.ConsolidationRun, error) {
	run := &types.ConsolidationRun{
		ScopeKey:   scope.Key(),
		InputCount: len(candidates),
	}

	for _, candidate := range candidates {
		if candidate == nil {
			continue
		}
		if err := c.consolidateOne(ctx, candidate, run); err != nil {
			return nil, err
		}
	}

	if err := c.store.AppendConsolidationRun(ctx, run); err != nil {
		return nil, fmt.Errorf("consolidation: failed to append run: %w", err)
	}
	return run, nil
}

func (c *Consolidator) consolidateOne(ctx context.Context, candidate *types.Memory, run *types.ConsolidationRun) error {
	if candidate.UpsertKey == "" {
		return c.store.Store(ctx, candidate)
	}
	if candidate.ID == "" {
		candidate.ID = uuid.New().String()
	}

	scope := candidate.Scope
	if scope == "" {
		scope = types.ScopeGlobal
	}
	memoryType := candidate.Type
	if memoryType == "" {
		memoryType = types.MemoryTypeNote
	}

	existing, err := c.store.FindLiveByUpsertKey(ctx, scope, candidate.ProjectID, candidate.UserID, memoryType, candidate.UpsertKey)
	if errors.Is(err, storage.ErrNotFound) {
		return c.store.Store(ctx, candidate)
	}
	if err != nil {
		return fmt.Errorf("consolidation: failed to look up upsert identity: %w", err)
	}
	if existing.ID == candidate.ID {
		return c.store.Store(ctx, candidate)
	}

	if !contentConflicts(existing.Content, candidate.Content) {
		// Compatible restatement: fold the candidate into the live row.
		existing.Content = candidate.Content
		if candidate.Confidence > existing.Confidence {
			existing.Confidence = candidate.Confidence
		}
		existing.Tags = mergeTags(existing.Tags, candidate.Tags)
		if candidate.SourceSessionID != "" {
			existing.SourceSessionID = candidate.SourceSessionID
		}
		// A restatement is fresh evidence, so the merged row ranks as
		// recently updated.
		existing.UpdatedAt = time.Now().UTC()
		if err := c.store.Store(ctx, existing); err != nil {
			return fmt.Errorf("consolidation: failed to merge: %w", err)
		}
		// The candidate now lives on as the merged row; reflect that back so
		// callers (embedding enqueue) target the live row.
		*candidate = *existing
		run.MergedCount++
		return nil
	}

	if candidateWins(candidate, existing) {
		now := time.Now().UTC()
		if err := c.store.Supersede(ctx, existing.ID, candidate.ID, now); err != nil {
			return fmt.Errorf("consolidation: failed to supersede: %w", err)
		}
		if err := c.store.Store(ctx, candidate); err != nil {
			return fmt.Errorf("consolidation: failed to store superseding memory: %w", err)
		}
		run.SupersededCount++
		return nil
	}

	// No clear winner: both rows stay live for review. The candidate drops
	// its upsert key so the live-identity index holds; the contradiction
	// edge keeps the pair discoverable.
	candidate.UpsertKey = ""
	if err := c.store.Store(ctx, candidate); err != nil {
		return fmt.Errorf("consolidation: failed to store conflicting memory: %w", err)
	}
	run.ConflictedCount++
	c.linkContradiction(ctx, candidate, existing)
	return nil
}

// linkContradiction records a contradiction edge between the two memories'
// graph nodes. Failures are logged, not propagated: conflicts are already
// counted in the run and the edge is advisory.
func (c *Consolidator) linkContradiction(ctx context.Context, newer, older *types.Memory) {
	newerNode, err := c.store.UpsertNode(ctx, &types.GraphNode{
		Type: types.NodeTypeConcept, Key: "memory:" + newer.ID,
		ProjectID: newer.ProjectID, UserID: newer.UserID,
	})
	if err != nil {
		log.Printf("consolidation: failed to upsert contradiction node: %v", err)
		return
	}
	olderNode, err := c.store.UpsertNode(ctx, &types.GraphNode{
		Type: types.NodeTypeConcept, Key: "memory:" + older.ID,
		ProjectID: older.ProjectID, UserID: older.UserID,
	})
	if err != nil {
		log.Printf("consolidation: failed to upsert contradiction node: %v", err)
		return
	}
	if err := c.store.UpsertEdge(ctx, &types.GraphEdge{
		SourceID: newerNode, TargetID: olderNode, Type: types.EdgeContradicts,
	}); err != nil {
		log.Printf("consolidation: failed to upsert contradiction edge: %v", err)
		return
	}
	if err := c.store.LinkMemory(ctx, newer.ID, newerNode, types.LinkRoleDefines); err != nil {
		log.Printf("consolidation: failed to link memory: %v", err)
	}
	if err := c.store.LinkMemory(ctx, older.ID, olderNode, types.LinkRoleDefines); err != nil {
		log.Printf("consolidation: failed to link memory: %v", err)
	}
}

// candidateWins reports whether the candidate should supersede the existing
// row: strictly more confident, or equally confident and strictly more
// recent. An exact tie keeps both.
func candidateWins(candidate, existing *types.Memory) bool {
	candConfidence := candidate.Confidence
	if candConfidence == 0 {
		candConfidence = 1.0
	}
	if candConfidence > existing.Confidence {
		return true
	}
	if candConfidence < existing.Confidence {
		return false
	}

	candAt := candidate.CreatedAt
	if candAt.IsZero() {
		candAt = time.Now().UTC()
	}
	return candAt.After(existing.UpdatedAt)
}

// Polarity pairs for the divergent-directive heuristic. Two contents
// conflict when one side of a pair appears in one and the other side in the
// other.
var polarityPairs = [][2]string{
	{"always", "never"},
	{"use", "avoid"},
	{"enable", "disable"},
	{"do ", "don't "},
	{"prefer", "avoid"},
	{"allow", "forbid"},
	{"required", "forbidden"},
}

// contentConflicts applies the divergent-directive heuristic: opposing
// polarity tokens, or a differing value after an identical "key:" prefix.
func contentConflicts(a, b string) bool {
	al := strings.ToLower(a)
	bl := strings.ToLower(b)
	if al == bl {
		return false
	}

	for _, pair := range polarityPairs {
		if strings.Contains(al, pair[0]) && strings.Contains(bl, pair[1]) {
			return true
		}
		if strings.Contains(al, pair[1]) && strings.Contains(bl, pair[0]) {
			return true
		}
	}

	// "key: value" statements with the same key but different values.
	if ai := strings.IndexByte(al, ':'); ai > 0 {
		if bi := strings.IndexByte(bl, ':'); bi > 0 {
			aKey := strings.TrimSpace(al[:ai])
			bKey := strings.TrimSpace(bl[:bi])
			if aKey == bKey && strings.TrimSpace(al[ai+1:]) != strings.TrimSpace(bl[bi+1:]) {
				return true
			}
		}
	}
	return false
}

func mergeTags(existing, incoming []string) []string {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[string]bool, len(existing))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, t := range existing {
		seen[t] = true
		merged = append(merged, t)
	}
	for _, t := range incoming {
		if !seen[t] {
			seen[t] = true
			merged = append(merged, t)
		}
	}
	return merged
}
