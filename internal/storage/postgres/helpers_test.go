// This file contains test helpers only available during testing.
package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from every table. It is defined in the
// postgres package (not the _test package) so it has access to the
// unexported db field, and exported so the postgres_test package can call it.
func (s *Store) TruncateForTest(ctx context.Context) error {
	tables := []string{
		"memory_node_links", "graph_edges", "graph_nodes",
		"session_events", "compaction_events", "sessions",
		"embedding_jobs", "memory_embeddings", "memories",
		"consolidation_runs", "backfill_state", "backfill_metrics",
		"graph_rollout_metrics",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "TRUNCATE TABLE "+table+" CASCADE"); err != nil {
			return fmt.Errorf("postgres: failed to truncate %s: %w", table, err)
		}
	}
	return nil
}
