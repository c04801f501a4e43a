package backup

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newSourceDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memories.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("failed to open source db: %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := db.Exec(`CREATE TABLE memories (id TEXT PRIMARY KEY, content TEXT)`); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO memories VALUES ('m-1', 'the answer')`); err != nil {
		t.Fatalf("failed to insert row: %v", err)
	}
	return path
}

func TestTakeProducesVerifiedSnapshot(t *testing.T) {
	source := newSourceDB(t)
	dir := t.TempDir()

	s := NewSnapshotter(source, dir, KeepPolicy{}, true)
	snap, err := s.Take(context.Background())
	if err != nil {
		t.Fatalf("failed to take snapshot: %v", err)
	}
	if snap.SizeBytes == 0 {
		t.Fatal("expected a non-empty snapshot")
	}

	db, err := sql.Open("sqlite", "file:"+snap.Path+"?mode=ro")
	if err != nil {
		t.Fatalf("failed to open snapshot: %v", err)
	}
	defer func() { _ = db.Close() }()

	var content string
	if err := db.QueryRow(`SELECT content FROM memories WHERE id = 'm-1'`).Scan(&content); err != nil {
		t.Fatalf("failed to read snapshot row: %v", err)
	}
	if content != "the answer" {
		t.Errorf("expected snapshot to carry the row, got %q", content)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	source := newSourceDB(t)
	dir := t.TempDir()
	ctx := context.Background()

	s := NewSnapshotter(source, dir, KeepPolicy{}, true)
	snap, err := s.Take(ctx)
	if err != nil {
		t.Fatalf("failed to take snapshot: %v", err)
	}

	target := filepath.Join(t.TempDir(), "restored.db")
	if err := Restore(ctx, snap.Path, target); err != nil {
		t.Fatalf("failed to restore: %v", err)
	}

	db, err := sql.Open("sqlite", target)
	if err != nil {
		t.Fatalf("failed to open restored db: %v", err)
	}
	defer func() { _ = db.Close() }()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&count); err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 row after restore, got %d", count)
	}
}

func writeFakeSnapshot(t *testing.T, dir string, takenAt time.Time) {
	t.Helper()
	name := snapshotPrefix + takenAt.UTC().Format(snapshotTimeLayout) + ".db"
	if err := os.WriteFile(filepath.Join(dir, name), []byte("stub"), 0o644); err != nil {
		t.Fatalf("failed to write fake snapshot: %v", err)
	}
}

func TestPruneKeepsNewestPerTier(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// Four within the last day, policy keeps two.
	for i := 1; i <= 4; i++ {
		writeFakeSnapshot(t, dir, now.Add(-time.Duration(i)*time.Hour))
	}
	// Two in the daily tier, policy keeps one.
	writeFakeSnapshot(t, dir, now.Add(-2*24*time.Hour))
	writeFakeSnapshot(t, dir, now.Add(-3*24*time.Hour))
	// One far past a year, always removed.
	writeFakeSnapshot(t, dir, now.Add(-400*24*time.Hour))

	s := NewSnapshotter("unused.db", dir, KeepPolicy{Hourly: 2, Daily: 1, Weekly: 1, Monthly: 1}, false)
	if err := s.Prune(now); err != nil {
		t.Fatalf("failed to prune: %v", err)
	}

	remaining, err := s.List()
	if err != nil {
		t.Fatalf("failed to list snapshots: %v", err)
	}
	if len(remaining) != 3 {
		t.Fatalf("expected 3 snapshots after prune, got %d", len(remaining))
	}

	// Survivors are the newest of each tier.
	want := map[time.Time]bool{
		now.Add(-time.Hour):          true,
		now.Add(-2 * time.Hour):      true,
		now.Add(-2 * 24 * time.Hour): true,
	}
	for _, snap := range remaining {
		if !want[snap.TakenAt] {
			t.Errorf("unexpected survivor taken at %v", snap.TakenAt)
		}
	}
}

func TestListIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	writeFakeSnapshot(t, dir, time.Now())
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write foreign file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "memories-garbage.db"), []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write malformed file: %v", err)
	}

	s := NewSnapshotter("unused.db", dir, KeepPolicy{}, false)
	snapshots, err := s.List()
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(snapshots) != 1 {
		t.Errorf("expected 1 snapshot, got %d", len(snapshots))
	}
}
