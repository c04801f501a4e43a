package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webrenew/memories/internal/storage/sqlite"
	"github.com/webrenew/memories/pkg/types"
)

func seedStaleSession(t *testing.T, store *sqlite.Store, id string, events []types.SessionEvent) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.UpsertSession(ctx, &types.Session{ID: id}))
	for i := range events {
		events[i].SessionID = id
		require.NoError(t, store.AppendEvent(ctx, &events[i]))
	}

	// Appending events bumps last activity to now; push it back past the
	// inactivity threshold.
	stale := &types.Session{ID: id, LastActivityAt: time.Now().UTC().Add(-2 * time.Hour)}
	require.NoError(t, store.UpsertSession(ctx, stale))
}

func findCheckpoint(t *testing.T, store *sqlite.Store, sessionID string) *types.Memory {
	t.Helper()
	all, err := store.ScanAfter(context.Background(), time.Time{}, "", 100)
	require.NoError(t, err)
	for i := range all {
		if all[i].SourceSessionID == sessionID {
			return &all[i]
		}
	}
	return nil
}

func TestCompactionSummarizesStaleSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedStaleSession(t, store, "sess-1", []types.SessionEvent{
		{Role: "user", Content: "how do we rotate the api keys?", TokenCount: 12},
		{Role: "assistant", Content: "keys rotate through the vault job", TokenCount: 20},
		{Role: "system", Content: "frame marker"},
	})

	summarizer := &stubSummarizer{text: "Discussed API key rotation via the vault job."}
	compactor := NewCompactor(store, summarizer, NewWriter(store, ""))

	result, err := compactor.RunInactivityCompaction(ctx, 30, 10, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Compacted)
	assert.Empty(t, result.Failures)
	assert.Equal(t, 1, summarizer.calls)

	session, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompacted, session.Status)

	checkpoint := findCheckpoint(t, store, "sess-1")
	require.NotNil(t, checkpoint, "expected a checkpoint memory for the session")
	assert.Equal(t, summarizer.text, checkpoint.Content)
	assert.Equal(t, types.LayerLongTerm, checkpoint.Layer)
	assert.Contains(t, checkpoint.Tags, SessionCheckpointTag)

	stats, err := store.CompactionStats(ctx, types.Scope{}, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalEvents)
	assert.Equal(t, 0, stats.MissingCheckpoints)
	assert.Equal(t, 1, stats.ByTrigger[types.TriggerTime])
	assert.Equal(t, 1.0, stats.CoverageRatio())
}

func TestCompactionIsIdempotentAcrossPasses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedStaleSession(t, store, "sess-1", []types.SessionEvent{
		{Role: "user", Content: "remember this decision"},
	})

	summarizer := &stubSummarizer{text: "A decision was recorded."}
	compactor := NewCompactor(store, summarizer, NewWriter(store, ""))

	first, err := compactor.RunInactivityCompaction(ctx, 30, 10, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Compacted)

	// The session left the active set; a second pass finds nothing.
	second, err := compactor.RunInactivityCompaction(ctx, 30, 10, 50)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Scanned)
	assert.Equal(t, 1, summarizer.calls)
}

func TestCompactionFailureLeavesSessionActiveAndRecordsAnomaly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedStaleSession(t, store, "sess-bad", []types.SessionEvent{
		{Role: "user", Content: "this will not summarize", TokenCount: 8},
	})
	seedStaleSession(t, store, "sess-good", []types.SessionEvent{
		{Role: "user", Content: "this one works fine", TokenCount: 8},
	})

	failing := &stubSummarizer{err: errors.New("summarizer quota exhausted")}
	compactor := NewCompactor(store, failing, NewWriter(store, ""))

	result, err := compactor.RunInactivityCompaction(ctx, 30, 10, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 0, result.Compacted)
	require.Len(t, result.Failures, 2)

	// Failed sessions stay active so a later pass can retry.
	session, err := store.GetSession(ctx, "sess-bad")
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, session.Status)

	// Each failure is a tracked null-checkpoint anomaly, never a silent drop.
	stats, err := store.CompactionStats(ctx, types.Scope{}, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEvents)
	assert.Equal(t, 2, stats.MissingCheckpoints)
	assert.Equal(t, 0.0, stats.CoverageRatio())
}

func TestCompactionClosesSessionWithNoMeaningfulEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedStaleSession(t, store, "sess-empty", []types.SessionEvent{
		{Role: "system", Content: "frame marker"},
		{Role: "user", Content: ""},
	})

	summarizer := &stubSummarizer{text: "unused"}
	compactor := NewCompactor(store, summarizer, NewWriter(store, ""))

	result, err := compactor.RunInactivityCompaction(ctx, 30, 10, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Compacted)
	assert.Equal(t, 0, summarizer.calls)

	session, err := store.GetSession(ctx, "sess-empty")
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompacted, session.Status)

	// No checkpoint and no compaction event: there was nothing to keep.
	assert.Nil(t, findCheckpoint(t, store, "sess-empty"))
	stats, err := store.CompactionStats(ctx, types.Scope{}, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalEvents)
}
