package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/webrenew/memories/internal/storage"
	"github.com/webrenew/memories/pkg/types"
)

func TestConsolidationStatsAggregation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	since := time.Now().UTC().Add(-time.Hour)

	runs := []*types.ConsolidationRun{
		{ScopeKey: "p:proj-a|u:", InputCount: 10, MergedCount: 3, SupersededCount: 2, ConflictedCount: 1},
		{ScopeKey: "p:proj-a|u:", InputCount: 5, ConflictedCount: 2},
		{ScopeKey: "p:proj-b|u:", InputCount: 100, ConflictedCount: 90},
	}
	for _, run := range runs {
		if err := s.AppendConsolidationRun(ctx, run); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	stats, err := s.ConsolidationStats(ctx, "p:proj-a|u:", since)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Runs != 2 || stats.Inputs != 15 || stats.Merged != 3 || stats.Superseded != 2 || stats.Conflicted != 3 {
		t.Fatalf("unexpected aggregation: %+v", stats)
	}
	if got := stats.ConflictRate(); got != 0.2 {
		t.Errorf("expected conflict rate 0.2, got %f", got)
	}
}

func TestBackfillStateDefaultsWhenAbsent(t *testing.T) {
	s := newTestStore(t)
	state, err := s.GetBackfillState(context.Background(), "p:proj-a|u:", "test-model")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if state.Status != types.BackfillIdle {
		t.Errorf("expected idle, got %s", state.Status)
	}
	if state.BatchLimit != 100 {
		t.Errorf("expected default batch limit 100, got %d", state.BatchLimit)
	}
}

func TestBackfillCheckpointOnlyMovesForward(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	state := &types.BackfillState{
		ScopeKey:            "p:proj-a|u:",
		Model:               "test-model",
		Status:              types.BackfillRunning,
		CheckpointCreatedAt: base,
		CheckpointID:        "m-10",
		Scanned:             10,
		BatchLimit:          100,
	}
	if err := s.SaveBackfillState(ctx, state); err != nil {
		t.Fatalf("first save failed: %v", err)
	}

	// Advancing the checkpoint is fine.
	state.CheckpointCreatedAt = base.Add(time.Minute)
	state.CheckpointID = "m-20"
	state.Scanned = 20
	if err := s.SaveBackfillState(ctx, state); err != nil {
		t.Fatalf("forward save failed: %v", err)
	}

	// Same created_at, later id is still forward.
	state.CheckpointID = "m-21"
	if err := s.SaveBackfillState(ctx, state); err != nil {
		t.Fatalf("id-only advance failed: %v", err)
	}

	// Moving backward is rejected and the stored cursor is untouched.
	regressed := *state
	regressed.CheckpointCreatedAt = base
	regressed.CheckpointID = "m-10"
	if err := s.SaveBackfillState(ctx, &regressed); !errors.Is(err, storage.ErrCheckpointRegression) {
		t.Fatalf("expected ErrCheckpointRegression, got %v", err)
	}

	loaded, err := s.GetBackfillState(ctx, "p:proj-a|u:", "test-model")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.CheckpointID != "m-21" || !loaded.CheckpointCreatedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("checkpoint corrupted after rejected save: %+v", loaded)
	}
}

func TestAppendBackfillAndRolloutMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.AppendBackfillMetrics(ctx, &types.BackfillMetrics{
		ScopeKey: "p:proj-a|u:", Model: "test-model", Scanned: 50, Enqueued: 12, DurationMs: 340,
	})
	if err != nil {
		t.Fatalf("append backfill metrics failed: %v", err)
	}

	err = s.AppendGraphRollout(ctx, &storage.GraphRolloutRecord{
		ScopeKey: "p:proj-a|u:", Mode: types.RolloutShadow, SeedCount: 5, ExpandedCount: 3, DurationMs: 12,
	})
	if err != nil {
		t.Fatalf("append rollout record failed: %v", err)
	}

	// Appends with no scope key are rejected.
	if err := s.AppendBackfillMetrics(ctx, &types.BackfillMetrics{Model: "m"}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
