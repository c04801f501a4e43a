package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/webrenew/memories/internal/storage"
	"github.com/webrenew/memories/pkg/types"
)

// Backfiller enqueues embedding jobs for memories that predate the current
// embedding model. Progress is a durable (createdAt, id) checkpoint committed
// after every batch, so the process can stop and resume at any point without
// reprocessing or skipping rows.
type Backfiller struct {
	store storage.Store
}

// NewBackfiller creates a backfiller.
func NewBackfiller(store storage.Store) *Backfiller {
	return &Backfiller{store: store}
}

// RunBatch processes one backfill batch for (scopeKey, model) and returns the
// updated state. A completed backfill returns immediately. The checkpoint is
// committed before metrics are appended; the checkpoint is the only state
// needed for recovery.
func (b *Backfiller) RunBatch(ctx context.Context, scopeKey, model string) (*types.BackfillState, error) {
	started := time.Now()

	state, err := b.store.GetBackfillState(ctx, scopeKey, model)
	if err != nil {
		return nil, fmt.Errorf("backfill: failed to load state: %w", err)
	}
	if state.Status == types.BackfillCompleted {
		return state, nil
	}
	if state.BatchLimit <= 0 {
		state.BatchLimit = 100
	}

	if state.EstimatedTotal == 0 {
		total, err := b.store.CountAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("backfill: failed to estimate total: %w", err)
		}
		state.EstimatedTotal = total
	}

	rows, err := b.store.ScanAfter(ctx, state.CheckpointCreatedAt, state.CheckpointID, state.BatchLimit)
	if err != nil {
		return nil, fmt.Errorf("backfill: failed to scan: %w", err)
	}
	if len(rows) == 0 {
		state.Status = types.BackfillCompleted
		state.EstimatedRemaining = 0
		if err := b.store.SaveBackfillState(ctx, state); err != nil {
			return nil, fmt.Errorf("backfill: failed to save state: %w", err)
		}
		return state, nil
	}

	ids := make([]string, len(rows))
	for i, m := range rows {
		ids[i] = m.ID
	}
	missing, err := b.store.MissingEmbeddings(ctx, ids, model)
	if err != nil {
		return nil, fmt.Errorf("backfill: failed to find missing embeddings: %w", err)
	}
	missingSet := make(map[string]bool, len(missing))
	for _, id := range missing {
		missingSet[id] = true
	}

	var limiter *rate.Limiter
	if state.ThrottleMs > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Duration(state.ThrottleMs)*time.Millisecond), 1)
	}

	enqueued := 0
	for _, m := range rows {
		if !missingSet[m.ID] {
			continue
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		if _, err := b.store.Enqueue(ctx, m.ID, m.Content, model, types.JobOpCreate); err != nil {
			return nil, fmt.Errorf("backfill: failed to enqueue %s: %w", m.ID, err)
		}
		enqueued++
	}

	last := rows[len(rows)-1]
	state.Status = types.BackfillRunning
	state.CheckpointCreatedAt = last.CreatedAt
	state.CheckpointID = last.ID
	state.Scanned += len(rows)
	state.Enqueued += enqueued
	state.EstimatedRemaining = state.EstimatedTotal - state.Scanned
	if state.EstimatedRemaining < 0 {
		state.EstimatedRemaining = 0
	}
	if err := b.store.SaveBackfillState(ctx, state); err != nil {
		return nil, fmt.Errorf("backfill: failed to commit checkpoint: %w", err)
	}

	if err := b.store.AppendBackfillMetrics(ctx, &types.BackfillMetrics{
		ScopeKey:   scopeKey,
		Model:      model,
		Scanned:    len(rows),
		Enqueued:   enqueued,
		DurationMs: time.Since(started).Milliseconds(),
	}); err != nil {
		log.Printf("backfill: failed to append metrics: %v", err)
	}

	return state, nil
}
