package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/webrenew/memories/internal/storage"
	"github.com/webrenew/memories/pkg/types"
)

// SessionCheckpointTag marks memories synthesized from compacted sessions.
const SessionCheckpointTag = "session-checkpoint"

// Summarizer condenses a window of session events into checkpoint text. It
// is an external collaborator and treated as fallible.
type Summarizer interface {
	Summarize(ctx context.Context, events []types.SessionEvent) (string, error)
}

// memoryWriter is the slice of Writer compaction needs; checkpoint memories
// flow through the normal write path so they get embedded and consolidated
// like any other memory.
type memoryWriter interface {
	OnMemoryWritten(ctx context.Context, memory *types.Memory) error
}

// Compactor converts stale conversational sessions into durable checkpoint
// memories.
type Compactor struct {
	store      storage.Store
	summarizer Summarizer
	writer     memoryWriter
}

// NewCompactor creates a compactor.
func NewCompactor(store storage.Store, summarizer Summarizer, writer memoryWriter) *Compactor {
	return &Compactor{store: store, summarizer: summarizer, writer: writer}
}

// CompactionFailure records one session that could not be compacted.
type CompactionFailure struct {
	SessionID string
	Err       error
}

// CompactionResult reports one compaction pass.
type CompactionResult struct {
	Scanned   int
	Compacted int
	Failures  []CompactionFailure
}

// RunInactivityCompaction scans up to limit active sessions whose last
// activity is older than inactivityMinutes and compacts each: the most
// recent eventWindow meaningful events are summarized into a long-term
// checkpoint memory, a CompactionEvent is recorded, and the session
// transitions to compacted. A failing session is recorded, with a
// null-checkpoint CompactionEvent as the tracked anomaly, and the batch
// continues.
func (c *Compactor) RunInactivityCompaction(ctx context.Context, inactivityMinutes, limit, eventWindow int) (*CompactionResult, error) {
	if inactivityMinutes <= 0 {
		inactivityMinutes = 30
	}
	if eventWindow <= 0 {
		eventWindow = 50
	}

	cutoff := time.Now().UTC().Add(-time.Duration(inactivityMinutes) * time.Minute)
	sessions, err := c.store.StaleSessions(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("compaction: failed to scan stale sessions: %w", err)
	}

	result := &CompactionResult{Scanned: len(sessions)}
	for _, session := range sessions {
		if err := c.compactSession(ctx, &session, eventWindow); err != nil {
			result.Failures = append(result.Failures, CompactionFailure{SessionID: session.ID, Err: err})
			continue
		}
		result.Compacted++
	}
	return result, nil
}

func (c *Compactor) compactSession(ctx context.Context, session *types.Session, eventWindow int) error {
	events, err := c.store.RecentEvents(ctx, session.ID, eventWindow)
	if err != nil {
		return fmt.Errorf("failed to load events: %w", err)
	}

	meaningful := meaningfulEvents(events)
	if len(meaningful) == 0 {
		// Nothing worth a checkpoint; close the session out.
		return c.store.SetSessionStatus(ctx, session.ID, types.SessionCompacted)
	}

	tokensBefore := 0
	for _, e := range events {
		tokensBefore += e.TokenCount
	}

	summary, err := c.summarizer.Summarize(ctx, meaningful)
	if err != nil {
		c.recordAnomaly(ctx, session, len(events), tokensBefore, err)
		return fmt.Errorf("summarization failed: %w", err)
	}

	checkpoint := &types.Memory{
		Content:         summary,
		Type:            types.MemoryTypeNote,
		Layer:           types.LayerLongTerm,
		ProjectID:       session.ProjectID,
		UserID:          session.UserID,
		Tags:            []string{SessionCheckpointTag},
		SourceSessionID: session.ID,
	}
	if session.ProjectID != "" {
		checkpoint.Scope = types.ScopeProject
	}
	if err := c.writer.OnMemoryWritten(ctx, checkpoint); err != nil {
		c.recordAnomaly(ctx, session, len(events), tokensBefore, err)
		return fmt.Errorf("checkpoint write failed: %w", err)
	}

	if err := c.store.RecordCompaction(ctx, &types.CompactionEvent{
		SessionID:          session.ID,
		TriggerType:        types.TriggerTime,
		EventsBefore:       len(events),
		TokensBefore:       tokensBefore,
		CheckpointMemoryID: &checkpoint.ID,
	}); err != nil {
		return fmt.Errorf("failed to record compaction: %w", err)
	}
	if err := c.store.SetSessionStatus(ctx, session.ID, types.SessionCompacted); err != nil {
		return fmt.Errorf("failed to transition session: %w", err)
	}
	return nil
}

// recordAnomaly writes the null-checkpoint CompactionEvent that marks a
// failed compaction. The session stays active so a later pass can retry.
func (c *Compactor) recordAnomaly(ctx context.Context, session *types.Session, eventsBefore, tokensBefore int, cause error) {
	err := c.store.RecordCompaction(ctx, &types.CompactionEvent{
		SessionID:    session.ID,
		TriggerType:  types.TriggerTime,
		EventsBefore: eventsBefore,
		TokensBefore: tokensBefore,
		Error:        cause.Error(),
	})
	if err != nil {
		log.Printf("compaction: failed to record anomaly for session %s: %v", session.ID, err)
	}
}

// meaningfulEvents drops empty and system turns.
func meaningfulEvents(events []types.SessionEvent) []types.SessionEvent {
	var kept []types.SessionEvent
	for _, e := range events {
		if e.Meaningful() {
			kept = append(kept, e)
		}
	}
	return kept
}
