package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/webrenew/memories/pkg/types"
)

func TestUpsertNodeIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.UpsertNode(ctx, &types.GraphNode{Type: types.NodeTypeFile, Key: "internal/server.go"})
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	id2, err := s.UpsertNode(ctx, &types.GraphNode{Type: types.NodeTypeFile, Key: "internal/server.go", Label: "server"})
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected stable node ID for (type, key), got %s then %s", id1, id2)
	}

	// Same key under a different type is a different node.
	id3, err := s.UpsertNode(ctx, &types.GraphNode{Type: types.NodeTypeConcept, Key: "internal/server.go"})
	if err != nil {
		t.Fatal(err)
	}
	if id3 == id1 {
		t.Fatal("expected distinct node per type")
	}
}

func TestAdjacentMemories(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := mustStore(t, s, &types.Memory{Content: "auth uses jwt"})
	neighbor := mustStore(t, s, &types.Memory{Content: "jwt secret rotates weekly"})
	unlinked := mustStore(t, s, &types.Memory{Content: "unrelated"})

	authNode, err := s.UpsertNode(ctx, &types.GraphNode{Type: types.NodeTypeConcept, Key: "auth"})
	if err != nil {
		t.Fatal(err)
	}
	jwtNode, err := s.UpsertNode(ctx, &types.GraphNode{Type: types.NodeTypeConcept, Key: "jwt"})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.LinkMemory(ctx, seed.ID, authNode, types.LinkRoleMentions); err != nil {
		t.Fatal(err)
	}
	if err := s.LinkMemory(ctx, neighbor.ID, jwtNode, types.LinkRoleMentions); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertEdge(ctx, &types.GraphEdge{
		SourceID: authNode, TargetID: jwtNode, Type: types.EdgeDependsOn,
	}); err != nil {
		t.Fatal(err)
	}

	neighbors, err := s.AdjacentMemories(ctx, seed.ID, types.Scope{}, now)
	if err != nil {
		t.Fatalf("adjacency failed: %v", err)
	}
	if len(neighbors) != 1 {
		t.Fatalf("expected 1 neighbor, got %d", len(neighbors))
	}
	if neighbors[0].MemoryID != neighbor.ID || neighbors[0].EdgeType != types.EdgeDependsOn {
		t.Fatalf("unexpected neighbor: %+v", neighbors[0])
	}

	// The walk is direction-agnostic: the neighbor sees the seed back.
	back, err := s.AdjacentMemories(ctx, neighbor.ID, types.Scope{}, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(back) != 1 || back[0].MemoryID != seed.ID {
		t.Fatalf("expected reverse adjacency to the seed, got %+v", back)
	}

	for _, n := range neighbors {
		if n.MemoryID == unlinked.ID {
			t.Fatal("unlinked memory appeared in adjacency")
		}
	}
}

func TestAdjacentMemoriesSkipsExpiredEdges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	a := mustStore(t, s, &types.Memory{Content: "a"})
	b := mustStore(t, s, &types.Memory{Content: "b"})
	n1, err := s.UpsertNode(ctx, &types.GraphNode{Type: types.NodeTypeConcept, Key: "n1"})
	if err != nil {
		t.Fatal(err)
	}
	n2, err := s.UpsertNode(ctx, &types.GraphNode{Type: types.NodeTypeConcept, Key: "n2"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.LinkMemory(ctx, a.ID, n1, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.LinkMemory(ctx, b.ID, n2, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertEdge(ctx, &types.GraphEdge{
		SourceID: n1, TargetID: n2, Type: types.EdgeRelatesTo, ExpiresAt: &past,
	}); err != nil {
		t.Fatal(err)
	}

	neighbors, err := s.AdjacentMemories(ctx, a.ID, types.Scope{}, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(neighbors) != 0 {
		t.Fatalf("expired edge should be invisible, got %d neighbors", len(neighbors))
	}
}

func TestCountContradictions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	n1, err := s.UpsertNode(ctx, &types.GraphNode{Type: types.NodeTypeConcept, Key: "c1", ProjectID: "proj-a"})
	if err != nil {
		t.Fatal(err)
	}
	n2, err := s.UpsertNode(ctx, &types.GraphNode{Type: types.NodeTypeConcept, Key: "c2", ProjectID: "proj-a"})
	if err != nil {
		t.Fatal(err)
	}
	n3, err := s.UpsertNode(ctx, &types.GraphNode{Type: types.NodeTypeConcept, Key: "c3", ProjectID: "proj-b"})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.UpsertEdge(ctx, &types.GraphEdge{SourceID: n1, TargetID: n2, Type: types.EdgeContradicts}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertEdge(ctx, &types.GraphEdge{SourceID: n3, TargetID: n2, Type: types.EdgeContradicts}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertEdge(ctx, &types.GraphEdge{SourceID: n1, TargetID: n2, Type: types.EdgeRelatesTo}); err != nil {
		t.Fatal(err)
	}

	count, err := s.CountContradictions(ctx, types.Scope{ProjectID: "proj-a"},
		now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 contradiction in proj-a, got %d", count)
	}

	// Outside the window nothing counts.
	count, err = s.CountContradictions(ctx, types.Scope{ProjectID: "proj-a"},
		now.Add(-2*time.Hour), now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected 0 contradictions outside the window, got %d", count)
	}
}
