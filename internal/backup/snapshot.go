// Package backup takes consistent point-in-time snapshots of the sqlite
// memory store and prunes old ones under a tiered keep policy. Postgres
// deployments are expected to use the database's own backup tooling.
package backup

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const snapshotTimeLayout = "20060102T150405"

// snapshotPrefix names the snapshot files: memories-<timestamp>.db.
const snapshotPrefix = "memories-"

// KeepPolicy bounds how many snapshots survive pruning in each age tier.
// Snapshots older than a year are always removed.
type KeepPolicy struct {
	Hourly  int // younger than a day (default: 24)
	Daily   int // one to seven days (default: 7)
	Weekly  int // seven to thirty days (default: 4)
	Monthly int // thirty days to a year (default: 12)
}

func (p *KeepPolicy) applyDefaults() {
	if p.Hourly <= 0 {
		p.Hourly = 24
	}
	if p.Daily <= 0 {
		p.Daily = 7
	}
	if p.Weekly <= 0 {
		p.Weekly = 4
	}
	if p.Monthly <= 0 {
		p.Monthly = 12
	}
}

// Snapshot is one backup file on disk.
type Snapshot struct {
	Path      string
	TakenAt   time.Time
	SizeBytes int64
}

// Snapshotter writes and prunes snapshots of one sqlite database file.
type Snapshotter struct {
	sourcePath string
	dir        string
	keep       KeepPolicy
	verify     bool
}

// NewSnapshotter creates a snapshotter for the database at sourcePath,
// writing snapshots into dir.
func NewSnapshotter(sourcePath, dir string, keep KeepPolicy, verify bool) *Snapshotter {
	keep.applyDefaults()
	return &Snapshotter{sourcePath: sourcePath, dir: dir, keep: keep, verify: verify}
}

// Take writes one snapshot and prunes the directory. VACUUM INTO produces a
// consistent copy even while the store is live in WAL mode.
func (s *Snapshotter) Take(ctx context.Context) (*Snapshot, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: failed to create directory: %w", err)
	}

	takenAt := time.Now().UTC()
	destPath := filepath.Join(s.dir, snapshotPrefix+takenAt.Format(snapshotTimeLayout)+".db")

	source, err := sql.Open("sqlite", "file:"+s.sourcePath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("backup: failed to open source: %w", err)
	}
	defer func() { _ = source.Close() }()

	if _, err := source.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", destPath)); err != nil {
		return nil, fmt.Errorf("backup: vacuum into failed: %w", err)
	}

	if s.verify {
		if err := verifySnapshot(ctx, destPath); err != nil {
			_ = os.Remove(destPath)
			return nil, err
		}
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to stat snapshot: %w", err)
	}

	if err := s.Prune(takenAt); err != nil {
		return nil, err
	}
	return &Snapshot{Path: destPath, TakenAt: takenAt, SizeBytes: info.Size()}, nil
}

// verifySnapshot runs sqlite's integrity check against the snapshot file.
func verifySnapshot(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("backup: failed to open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("backup: integrity check failed to run: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("backup: integrity check failed: %s", result)
	}
	return nil
}

// Restore copies a verified snapshot over targetPath. The store must not be
// open while restoring.
func Restore(ctx context.Context, snapshotPath, targetPath string) error {
	if err := verifySnapshot(ctx, snapshotPath); err != nil {
		return err
	}

	src, err := os.Open(snapshotPath)
	if err != nil {
		return fmt.Errorf("backup: failed to open snapshot: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(targetPath)
	if err != nil {
		return fmt.Errorf("backup: failed to create target: %w", err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("backup: failed to copy snapshot: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("backup: failed to sync target: %w", err)
	}
	return verifySnapshot(ctx, targetPath)
}
