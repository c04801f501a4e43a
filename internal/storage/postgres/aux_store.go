package postgres

import (
	"context"
	"database/sql"
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

	var canonical string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO graph_nodes (id, node_type, node_key, label, project_id, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT(node_type, node_key) DO UPDATE SET
			label = COALESCE(NULLIF(excluded.label, ''), graph_nodes.label),
			updated_at = excluded.updated_at
		RETURNING id`,
		id, node.Type, node.Key, nullableString(node.Label),
		nullableString(node.ProjectID), nullableString(node.UserID), now).Scan(&canonical)
	if err != nil {
		return "", fmt.Errorf("postgres: failed to upsert node: %w", err)
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT(id) DO UPDATE SET
			weight = excluded.weight,
			confidence = excluded.confidence,
			expires_at = excluded.expires_at`,
		edge.ID, edge.SourceID, edge.TargetID, edge.Type,
		edge.Weight, edge.Confidence, nullableTime(edge.ExpiresAt), edge.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert edge: %w", err)
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
		VALUES ($1, $2, $3, $4)
		ON CONFLICT(memory_id, node_id, role) DO NOTHING`,
		memoryID, nodeID, role, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: failed to link memory: %w", err)
	}
	return nil
}

// AdjacentMemories returns live, in-scope memories one edge-hop away from
// memoryID.
func (s *Store) AdjacentMemories(ctx context.Context, memoryID string, scope types.Scope, now time.Time) ([]types.GraphNeighbor, error) {
	if memoryID == "" {
		return nil, fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	b := newPredicateBuilder()
	memArg := b.add(memoryID)
	nowArg := b.add(now.UTC())
	where := liveScopePredicate(b, scope, now.UTC())

	query := `
		SELECT DISTINCT m.id, e.edge_type
		FROM memory_node_links l1
		JOIN graph_edges e
			ON e.source_id = l1.node_id OR e.target_id = l1.node_id
		JOIN memory_node_links l2
			ON l2.node_id = CASE WHEN e.source_id = l1.node_id THEN e.target_id ELSE e.source_id END
		JOIN memories m ON m.id = l2.memory_id
		WHERE l1.memory_id = ` + memArg + `
			AND m.id != ` + memArg + `
			AND (e.expires_at IS NULL OR e.expires_at > ` + nowArg + `)
			AND ` + where + `
		ORDER BY m.id ASC`

	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query adjacent memories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var neighbors []types.GraphNeighbor
	for rows.Next() {
		var n types.GraphNeighbor
		if err := rows.Scan(&n.MemoryID, &n.EdgeType); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan neighbor: %w", err)
		}
		neighbors = append(neighbors, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows error: %w", err)
	}
	return neighbors, nil
}

// CountContradictions counts unexpired contradiction edges in scope created
// within [since, until).
func (s *Store) CountContradictions(ctx context.Context, scope types.Scope, since, until time.Time) (int, error) {
	b := newPredicateBuilder()
	query := `
		SELECT COUNT(*)
		FROM graph_edges e
		JOIN graph_nodes n ON n.id = e.source_id
		WHERE e.edge_type = ` + b.add(types.EdgeContradicts) + `
			AND (e.expires_at IS NULL OR e.expires_at > ` + b.add(until.UTC()) + `)
			AND e.created_at >= ` + b.add(since.UTC()) + ` AND e.created_at < ` + b.add(until.UTC())

	if scope.ProjectID != "" {
		query += ` AND (n.project_id IS NULL OR n.project_id = '' OR n.project_id = ` + b.add(scope.ProjectID) + `)`
	} else {
		query += ` AND (n.project_id IS NULL OR n.project_id = '')`
	}
	if scope.UserID != "" {
		query += ` AND (n.user_id IS NULL OR n.user_id = '' OR n.user_id = ` + b.add(scope.UserID) + `)`
	} else {
		query += ` AND (n.user_id IS NULL OR n.user_id = '')`
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, b.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: failed to count contradictions: %w", err)
	}
	return count, nil
}

// UpsertSession creates or updates a session.
func (s *Store) UpsertSession(ctx context.Context, session *types.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("%w: session ID is required", storage.ErrInvalidInput)
	}
	now := time.Now().UTC()
	if session.Status == "" {
		session.Status = types.SessionActive
	}
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = now
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_id, user_id, status, last_activity_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			user_id = excluded.user_id,
			status = excluded.status,
			last_activity_at = excluded.last_activity_at,
			updated_at = excluded.updated_at`,
		session.ID, nullableString(session.ProjectID), nullableString(session.UserID),
		string(session.Status), session.LastActivityAt.UTC(), session.CreatedAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: session ID is required", storage.ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, user_id, status, last_activity_at, created_at, updated_at
		FROM sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get session: %w", err)
	}
	return session, nil
}

// AppendEvent appends an ordered event and bumps the session's last activity.
func (s *Store) AppendEvent(ctx context.Context, event *types.SessionEvent) error {
	if event == nil || event.SessionID == "" {
		return fmt.Errorf("%w: session ID is required", storage.ErrInvalidInput)
	}
	now := time.Now().UTC()
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if event.Seq == 0 {
		var maxSeq sql.NullInt64
		err = tx.QueryRowContext(ctx,
			`SELECT MAX(seq) FROM session_events WHERE session_id = $1`,
			event.SessionID).Scan(&maxSeq)
		if err != nil {
			return fmt.Errorf("postgres: failed to read max seq: %w", err)
		}
		event.Seq = int(maxSeq.Int64) + 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_events (id, session_id, seq, role, content, token_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.SessionID, event.Seq, event.Role, event.Content,
		event.TokenCount, event.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: failed to append event: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = $1, updated_at = $1 WHERE id = $2`,
		now, event.SessionID)
	if err != nil {
		return fmt.Errorf("postgres: failed to bump session activity: %w", err)
	}
	return tx.Commit()
}

// StaleSessions returns active sessions whose last activity is before the
// cutoff, oldest first.
func (s *Store) StaleSessions(ctx context.Context, before time.Time, limit int) ([]types.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, user_id, status, last_activity_at, created_at, updated_at
		FROM sessions
		WHERE status = 'active' AND last_activity_at < $1
		ORDER BY last_activity_at ASC
		LIMIT $2`, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query stale sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows error: %w", err)
	}
	return sessions, nil
}

// RecentEvents returns the most recent window events in chronological order.
func (s *Store) RecentEvents(ctx context.Context, sessionID string, window int) ([]types.SessionEvent, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session ID is required", storage.ErrInvalidInput)
	}
	if window <= 0 {
		window = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, role, content, token_count, created_at
		FROM (
			SELECT id, session_id, seq, role, content, token_count, created_at
			FROM session_events
			WHERE session_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent ORDER BY seq ASC`, sessionID, window)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []types.SessionEvent
	for rows.Next() {
		var e types.SessionEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.Role, &e.Content, &e.TokenCount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows error: %w", err)
	}
	return events, nil
}

// SetSessionStatus transitions a session's lifecycle status.
func (s *Store) SetSessionStatus(ctx context.Context, sessionID string, status types.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("postgres: failed to set session status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RecordCompaction appends a compaction event.
func (s *Store) RecordCompaction(ctx context.Context, event *types.CompactionEvent) error {
	if event == nil || event.SessionID == "" {
		return fmt.Errorf("%w: session ID is required", storage.ErrInvalidInput)
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	var checkpoint interface{}
	if event.CheckpointMemoryID != nil {
		checkpoint = *event.CheckpointMemoryID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compaction_events (id, session_id, trigger_type, events_before, tokens_before, checkpoint_memory_id, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.SessionID, string(event.TriggerType),
		event.EventsBefore, event.TokensBefore, checkpoint,
		nullableString(event.Error), event.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: failed to record compaction: %w", err)
	}
	return nil
}

// CompactionStats aggregates compaction events for sessions in scope.
func (s *Store) CompactionStats(ctx context.Context, scope types.Scope, since time.Time) (storage.CompactionStats, error) {
	b := newPredicateBuilder()
	query := `
		SELECT c.trigger_type, COUNT(*),
			COALESCE(SUM(CASE WHEN c.checkpoint_memory_id IS NULL THEN 1 ELSE 0 END), 0)
		FROM compaction_events c
		JOIN sessions sn ON sn.id = c.session_id
		WHERE c.created_at >= ` + b.add(since.UTC())

	if scope.ProjectID != "" {
		query += ` AND (sn.project_id IS NULL OR sn.project_id = '' OR sn.project_id = ` + b.add(scope.ProjectID) + `)`
	}
	if scope.UserID != "" {
		query += ` AND (sn.user_id IS NULL OR sn.user_id = '' OR sn.user_id = ` + b.add(scope.UserID) + `)`
	}
	query += ` GROUP BY c.trigger_type`

	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return storage.CompactionStats{}, fmt.Errorf("postgres: failed to aggregate compaction stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := storage.CompactionStats{ByTrigger: make(map[types.CompactionTrigger]int)}
	for rows.Next() {
		var trigger string
		var count, missing int
		if err := rows.Scan(&trigger, &count, &missing); err != nil {
			return storage.CompactionStats{}, fmt.Errorf("postgres: failed to scan compaction stats: %w", err)
		}
		stats.TotalEvents += count
		stats.MissingCheckpoints += missing
		stats.ByTrigger[types.CompactionTrigger(trigger)] = count
	}
	if err := rows.Err(); err != nil {
		return storage.CompactionStats{}, fmt.Errorf("postgres: rows error: %w", err)
	}
	return stats, nil
}

// AppendConsolidationRun appends one consolidation audit row.
func (s *Store) AppendConsolidationRun(ctx context.Context, run *types.ConsolidationRun) error {
	if run == nil || run.ScopeKey == "" {
		return fmt.Errorf("%w: scope key is required", storage.ErrInvalidInput)
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consolidation_runs (id, scope_key, input_count, merged_count, superseded_count, conflicted_count, model, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.ScopeKey, run.InputCount, run.MergedCount,
		run.SupersededCount, run.ConflictedCount, nullableString(run.Model),
		run.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: failed to append consolidation run: %w", err)
	}
	return nil
}

// ConsolidationStats aggregates runs for a scope key since the given time.
func (s *Store) ConsolidationStats(ctx context.Context, scopeKey string, since time.Time) (storage.ConsolidationStats, error) {
	var stats storage.ConsolidationStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(input_count), 0),
			COALESCE(SUM(merged_count), 0),
			COALESCE(SUM(superseded_count), 0),
			COALESCE(SUM(conflicted_count), 0)
		FROM consolidation_runs
		WHERE scope_key = $1 AND created_at >= $2`,
		scopeKey, since.UTC()).
		Scan(&stats.Runs, &stats.Inputs, &stats.Merged, &stats.Superseded, &stats.Conflicted)
	if err != nil {
		return storage.ConsolidationStats{}, fmt.Errorf("postgres: failed to aggregate consolidation stats: %w", err)
	}
	return stats, nil
}

// GetBackfillState loads the backfill cursor, defaulting to a fresh idle
// state when none exists.
func (s *Store) GetBackfillState(ctx context.Context, scopeKey, model string) (*types.BackfillState, error) {
	if scopeKey == "" || model == "" {
		return nil, fmt.Errorf("%w: scope key and model are required", storage.ErrInvalidInput)
	}

	var state types.BackfillState
	var status string
	var checkpointAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT scope_key, model, status, checkpoint_created_at, checkpoint_id,
			scanned, enqueued, estimated_total, estimated_remaining,
			batch_limit, throttle_ms, updated_at
		FROM backfill_state WHERE scope_key = $1 AND model = $2`,
		scopeKey, model).
		Scan(&state.ScopeKey, &state.Model, &status, &checkpointAt, &state.CheckpointID,
			&state.Scanned, &state.Enqueued, &state.EstimatedTotal, &state.EstimatedRemaining,
			&state.BatchLimit, &state.ThrottleMs, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return &types.BackfillState{
			ScopeKey:   scopeKey,
			Model:      model,
			Status:     types.BackfillIdle,
			BatchLimit: 100,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get backfill state: %w", err)
	}

	state.Status = types.BackfillStatus(status)
	if checkpointAt.Valid {
		state.CheckpointCreatedAt = checkpointAt.Time
	}
	return &state, nil
}

// SaveBackfillState persists the cursor; the checkpoint may only move forward.
func (s *Store) SaveBackfillState(ctx context.Context, state *types.BackfillState) error {
	if state == nil || state.ScopeKey == "" || state.Model == "" {
		return fmt.Errorf("%w: scope key and model are required", storage.ErrInvalidInput)
	}

	now := time.Now().UTC()
	state.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prevAt sql.NullTime
	var prevID string
	err = tx.QueryRowContext(ctx, `
		SELECT checkpoint_created_at, checkpoint_id FROM backfill_state
		WHERE scope_key = $1 AND model = $2 FOR UPDATE`,
		state.ScopeKey, state.Model).Scan(&prevAt, &prevID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("postgres: failed to read previous checkpoint: %w", err)
	}
	if err == nil && prevAt.Valid {
		if checkpointBefore(state.CheckpointCreatedAt, state.CheckpointID, prevAt.Time, prevID) {
			return storage.ErrCheckpointRegression
		}
	}

	var checkpointAt interface{}
	if !state.CheckpointCreatedAt.IsZero() {
		checkpointAt = state.CheckpointCreatedAt.UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO backfill_state (
			scope_key, model, status, checkpoint_created_at, checkpoint_id,
			scanned, enqueued, estimated_total, estimated_remaining,
			batch_limit, throttle_ms, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT(scope_key, model) DO UPDATE SET
			status = excluded.status,
			checkpoint_created_at = excluded.checkpoint_created_at,
			checkpoint_id = excluded.checkpoint_id,
			scanned = excluded.scanned,
			enqueued = excluded.enqueued,
			estimated_total = excluded.estimated_total,
			estimated_remaining = excluded.estimated_remaining,
			batch_limit = excluded.batch_limit,
			throttle_ms = excluded.throttle_ms,
			updated_at = excluded.updated_at`,
		state.ScopeKey, state.Model, string(state.Status), checkpointAt, state.CheckpointID,
		state.Scanned, state.Enqueued, state.EstimatedTotal, state.EstimatedRemaining,
		state.BatchLimit, state.ThrottleMs, now)
	if err != nil {
		return fmt.Errorf("postgres: failed to save backfill state: %w", err)
	}
	return tx.Commit()
}

// AppendBackfillMetrics appends one backfill batch record.
func (s *Store) AppendBackfillMetrics(ctx context.Context, m *types.BackfillMetrics) error {
	if m == nil || m.ScopeKey == "" || m.Model == "" {
		return fmt.Errorf("%w: scope key and model are required", storage.ErrInvalidInput)
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backfill_metrics (id, scope_key, model, scanned, enqueued, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ScopeKey, m.Model, m.Scanned, m.Enqueued, m.DurationMs, m.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: failed to append backfill metrics: %w", err)
	}
	return nil
}

// AppendGraphRollout appends one graph rollout observation.
func (s *Store) AppendGraphRollout(ctx context.Context, rec *storage.GraphRolloutRecord) error {
	if rec == nil || rec.ScopeKey == "" {
		return fmt.Errorf("%w: scope key is required", storage.ErrInvalidInput)
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	failed := 0
	if rec.Failed {
		failed = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graph_rollout_metrics (id, scope_key, mode, seed_count, expanded_count, duration_ms, failed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.ScopeKey, string(rec.Mode), rec.SeedCount, rec.ExpandedCount,
		rec.DurationMs, failed, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: failed to append graph rollout record: %w", err)
	}
	return nil
}

func checkpointBefore(at time.Time, id string, prevAt time.Time, prevID string) bool {
	if at.Before(prevAt) {
		return true
	}
	if at.Equal(prevAt) && id < prevID {
		return true
	}
	return false
}

func scanSession(row rowScanner) (*types.Session, error) {
	var session types.Session
	var projectID, userID sql.NullString
	var status string
	err := row.Scan(&session.ID, &projectID, &userID, &status,
		&session.LastActivityAt, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, err
	}
	session.ProjectID = projectID.String
	session.UserID = userID.String
	session.Status = types.SessionStatus(status)
	return &session, nil
}
