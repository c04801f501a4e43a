package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/webrenew/memories/internal/storage"
	"github.com/webrenew/memories/pkg/types"
)

// Writer is the external write path: it persists a memory, reconciles it
// against its upsert identity, and queues embedding work. The CLI/API layer
// and the compaction worker both write through it.
type Writer struct {
	store        storage.Store
	consolidator *Consolidator
	model        string
}

// NewWriter creates a writer. model names the embedding model jobs are
// enqueued for; empty disables enqueueing.
func NewWriter(store storage.Store, model string) *Writer {
	return &Writer{
		store:        store,
		consolidator: NewConsolidator(store),
		model:        model,
	}
}

// OnMemoryWritten persists the memory and triggers its downstream machinery.
// Memories carrying an upsert key go through consolidation, which may merge
// them into an existing live row; the embedding job always targets whichever
// row ends up live. Enqueue failures are logged, not fatal: the backfill
// process repairs missing embeddings.
func (w *Writer) OnMemoryWritten(ctx context.Context, memory *types.Memory) error {
	if memory == nil {
		return fmt.Errorf("%w: memory is required", storage.ErrInvalidInput)
	}

	originalID := memory.ID
	if memory.UpsertKey != "" {
		scope := types.Scope{ProjectID: memory.ProjectID, UserID: memory.UserID}
		if _, err := w.consolidator.Consolidate(ctx, scope, []*types.Memory{memory}); err != nil {
			return err
		}
	} else if err := w.store.Store(ctx, memory); err != nil {
		return err
	}

	if w.model == "" {
		return nil
	}

	op := types.JobOpCreate
	if originalID != "" && memory.ID != originalID {
		// The candidate merged into an existing row; refresh its embedding.
		op = types.JobOpUpdate
	}
	if _, err := w.store.Enqueue(ctx, memory.ID, memory.Content, w.model, op); err != nil {
		log.Printf("write: failed to enqueue embedding job for %s: %v", memory.ID, err)
	}
	return nil
}
