package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/webrenew/memories/internal/storage"
	"github.com/webrenew/memories/pkg/types"
)

// UpsertNode creates or finds the node keyed by (type, key) and returns its ID.
func (s *Store) UpsertNode(ctx context.Context, node *types.GraphNode) (string, error) {
	if node == nil || node.Type == "" || node.Key == "" {
		return "", fmt.Errorf("%w: node type and key are required", storage.ErrInvalidInput)
	}

	now := time.Now().UTC()
	id := node.ID
	if id == "" {
		id = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graph_nodes (id, node_type, node_key, label, project_id, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_type, node_key) DO UPDATE SET
			label = COALESCE(NULLIF(excluded.label, ''), graph_nodes.label),
			updated_at = excluded.updated_at`,
		id, node.Type, node.Key, nullableString(node.Label),
		nullableString(node.ProjectID), nullableString(node.UserID), now, now)
	if err != nil {
		return "", fmt.Errorf("sqlite: failed to upsert node: %w", err)
	}

	// The insert may have hit an existing row; read back the canonical ID.
	var canonical string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM graph_nodes WHERE node_type = ? AND node_key = ?`,
		node.Type, node.Key).Scan(&canonical)
	if err != nil {
		return "", fmt.Errorf("sqlite: failed to resolve node id: %w", err)
	}
	node.ID = canonical
	return canonical, nil
}

// UpsertEdge creates or updates a directed edge.
func (s *Store) UpsertEdge(ctx context.Context, edge *types.GraphEdge) error {
	if edge == nil || edge.SourceID == "" || edge.TargetID == "" || edge.Type == "" {
		return fmt.Errorf("%w: edge source, target and type are required", storage.ErrInvalidInput)
	}
	if edge.ID == "" {
		edge.ID = uuid.New().String()
	}
	if edge.Weight == 0 {
		edge.Weight = 1.0
	}
	if edge.Confidence == 0 {
		edge.Confidence = 1.0
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graph_edges (id, source_id, target_id, edge_type, weight, confidence, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			weight = excluded.weight,
			confidence = excluded.confidence,
			expires_at = excluded.expires_at`,
		edge.ID, edge.SourceID, edge.TargetID, edge.Type,
		edge.Weight, edge.Confidence, nullableTime(edge.ExpiresAt), edge.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert edge: %w", err)
	}
	return nil
}

// LinkMemory associates a memory with a node under a role.
func (s *Store) LinkMemory(ctx context.Context, memoryID, nodeID, role string) error {
	if memoryID == "" || nodeID == "" {
		return fmt.Errorf("%w: memory ID and node ID are required", storage.ErrInvalidInput)
	}
	if role == "" {
		role = types.LinkRoleMentions
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_node_links (memory_id, node_id, role, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(memory_id, node_id, role) DO NOTHING`,
		memoryID, nodeID, role, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sqlite: failed to link memory: %w", err)
	}
	return nil
}

// AdjacentMemories returns live, in-scope memories one edge-hop away from
// memoryID: the walk goes memory, its linked nodes, an unexpired edge in
// either direction, then memories linked to the node on the far side.
func (s *Store) AdjacentMemories(ctx context.Context, memoryID string, scope types.Scope, now time.Time) ([]types.GraphNeighbor, error) {
	if memoryID == "" {
		return nil, fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	where, scopeArgs := liveScopePredicate(scope, now.UTC())
	query := `
		SELECT DISTINCT m.id, e.edge_type
		FROM memory_node_links l1
		JOIN graph_edges e
			ON e.source_id = l1.node_id OR e.target_id = l1.node_id
		JOIN memory_node_links l2
			ON l2.node_id = CASE WHEN e.source_id = l1.node_id THEN e.target_id ELSE e.source_id END
		JOIN memories m ON m.id = l2.memory_id
		WHERE l1.memory_id = ?
			AND m.id != ?
			AND (e.expires_at IS NULL OR e.expires_at > ?)
			AND ` + where + `
		ORDER BY m.id ASC`

	args := append([]interface{}{memoryID, memoryID, now.UTC()}, scopeArgs...)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query adjacent memories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var neighbors []types.GraphNeighbor
	for rows.Next() {
		var n types.GraphNeighbor
		if err := rows.Scan(&n.MemoryID, &n.EdgeType); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan neighbor: %w", err)
		}
		neighbors = append(neighbors, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows error: %w", err)
	}
	return neighbors, nil
}

// CountContradictions counts unexpired contradiction edges whose source node
// belongs to scope, created within [since, until).
func (s *Store) CountContradictions(ctx context.Context, scope types.Scope, since, until time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM graph_edges e
		JOIN graph_nodes n ON n.id = e.source_id
		WHERE e.edge_type = ?
			AND (e.expires_at IS NULL OR e.expires_at > ?)
			AND e.created_at >= ? AND e.created_at < ?`
	args := []interface{}{types.EdgeContradicts, until.UTC(), since.UTC(), until.UTC()}

	if scope.ProjectID != "" {
		query += ` AND (n.project_id IS NULL OR n.project_id = '' OR n.project_id = ?)`
		args = append(args, scope.ProjectID)
	} else {
		query += ` AND (n.project_id IS NULL OR n.project_id = '')`
	}
	if scope.UserID != "" {
		query += ` AND (n.user_id IS NULL OR n.user_id = '' OR n.user_id = ?)`
		args = append(args, scope.UserID)
	} else {
		query += ` AND (n.user_id IS NULL OR n.user_id = '')`
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite: failed to count contradictions: %w", err)
	}
	return count, nil
}
