package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/webrenew/memories/internal/storage"
	"github.com/webrenew/memories/pkg/types"
)

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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ScopeKey, run.InputCount, run.MergedCount,
		run.SupersededCount, run.ConflictedCount, nullableString(run.Model),
		run.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlite: failed to append consolidation run: %w", err)
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
		WHERE scope_key = ? AND created_at >= ?`,
		scopeKey, since.UTC()).
		Scan(&stats.Runs, &stats.Inputs, &stats.Merged, &stats.Superseded, &stats.Conflicted)
	if err != nil {
		return storage.ConsolidationStats{}, fmt.Errorf("sqlite: failed to aggregate consolidation stats: %w", err)
	}
	return stats, nil
}

// GetBackfillState loads the backfill cursor for (scopeKey, model), returning
// a fresh idle state when none exists.
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
		FROM backfill_state WHERE scope_key = ? AND model = ?`,
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
		return nil, fmt.Errorf("sqlite: failed to get backfill state: %w", err)
	}

	state.Status = types.BackfillStatus(status)
	if checkpointAt.Valid {
		state.CheckpointCreatedAt = checkpointAt.Time
	}
	return &state, nil
}

// SaveBackfillState persists the cursor. The checkpoint may only move forward
// in (created_at, id) keyset order; attempts to move it backward return
// ErrCheckpointRegression so a crashed or duplicated runner can never ratchet
// progress back.
func (s *Store) SaveBackfillState(ctx context.Context, state *types.BackfillState) error {
	if state == nil || state.ScopeKey == "" || state.Model == "" {
		return fmt.Errorf("%w: scope key and model are required", storage.ErrInvalidInput)
	}

	now := time.Now().UTC()
	state.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prevAt sql.NullTime
	var prevID string
	err = tx.QueryRowContext(ctx,
		`SELECT checkpoint_created_at, checkpoint_id FROM backfill_state WHERE scope_key = ? AND model = ?`,
		state.ScopeKey, state.Model).Scan(&prevAt, &prevID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("sqlite: failed to read previous checkpoint: %w", err)
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
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		return fmt.Errorf("sqlite: failed to save backfill state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit backfill state: %w", err)
	}
	return nil
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
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ScopeKey, m.Model, m.Scanned, m.Enqueued, m.DurationMs, m.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlite: failed to append backfill metrics: %w", err)
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ScopeKey, string(rec.Mode), rec.SeedCount, rec.ExpandedCount,
		rec.DurationMs, failed, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlite: failed to append graph rollout record: %w", err)
	}
	return nil
}

// checkpointBefore reports whether checkpoint (at, id) sorts strictly before
// (prevAt, prevID) in keyset order.
func checkpointBefore(at time.Time, id string, prevAt time.Time, prevID string) bool {
	if at.Before(prevAt) {
		return true
	}
	if at.Equal(prevAt) && id < prevID {
		return true
	}
	return false
}
