package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/webrenew/memories/internal/storage/sqlite"
	"github.com/webrenew/memories/pkg/types"
)

const testModel = "test-model"

const testDimension = 4

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "engine.db"), sqlite.Options{
		ModelDimensions: map[string]int{testModel: testDimension},
	})
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustStore(t *testing.T, s *sqlite.Store, m *types.Memory) *types.Memory {
	t.Helper()
	if err := s.Store(context.Background(), m); err != nil {
		t.Fatalf("failed to store memory: %v", err)
	}
	return m
}

// linkThroughNode wires two memories one graph hop apart: each memory is
// linked to its own node and the nodes are joined by an edge.
func linkThroughNode(t *testing.T, s *sqlite.Store, fromMemoryID, toMemoryID, fromKey, toKey string) {
	t.Helper()
	ctx := context.Background()

	fromNode, err := s.UpsertNode(ctx, &types.GraphNode{Type: types.NodeTypeConcept, Key: fromKey})
	if err != nil {
		t.Fatalf("failed to upsert node %s: %v", fromKey, err)
	}
	toNode, err := s.UpsertNode(ctx, &types.GraphNode{Type: types.NodeTypeConcept, Key: toKey})
	if err != nil {
		t.Fatalf("failed to upsert node %s: %v", toKey, err)
	}
	if err := s.UpsertEdge(ctx, &types.GraphEdge{
		SourceID: fromNode, TargetID: toNode, Type: types.EdgeRelatesTo,
	}); err != nil {
		t.Fatalf("failed to upsert edge: %v", err)
	}
	if err := s.LinkMemory(ctx, fromMemoryID, fromNode, types.LinkRoleMentions); err != nil {
		t.Fatalf("failed to link memory: %v", err)
	}
	if err := s.LinkMemory(ctx, toMemoryID, toNode, types.LinkRoleMentions); err != nil {
		t.Fatalf("failed to link memory: %v", err)
	}
}

// stubSummarizer returns a fixed summary, or a fixed error.
type stubSummarizer struct {
	text  string
	err   error
	calls int
}

func (s *stubSummarizer) Summarize(ctx context.Context, events []types.SessionEvent) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.text, nil
}
