package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// List returns the snapshots in the directory, newest first. Timestamps come
// from the filename, not file metadata, so copies keep their identity.
func (s *Snapshotter) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("backup: failed to read directory: %w", err)
	}

	var snapshots []Snapshot
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		takenAt, ok := parseSnapshotName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		snapshots = append(snapshots, Snapshot{
			Path:      filepath.Join(s.dir, entry.Name()),
			TakenAt:   takenAt,
			SizeBytes: info.Size(),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].TakenAt.After(snapshots[j].TakenAt)
	})
	return snapshots, nil
}

// Prune deletes snapshots beyond the keep policy. Each snapshot falls in one
// age tier; within a tier the newest survive.
func (s *Snapshotter) Prune(now time.Time) error {
	snapshots, err := s.List()
	if err != nil {
		return err
	}

	tiers := map[string][]Snapshot{}
	var doomed []string
	for _, snap := range snapshots {
		age := now.Sub(snap.TakenAt)
		switch {
		case age < 24*time.Hour:
			tiers["hourly"] = append(tiers["hourly"], snap)
		case age < 7*24*time.Hour:
			tiers["daily"] = append(tiers["daily"], snap)
		case age < 30*24*time.Hour:
			tiers["weekly"] = append(tiers["weekly"], snap)
		case age < 365*24*time.Hour:
			tiers["monthly"] = append(tiers["monthly"], snap)
		default:
			doomed = append(doomed, snap.Path)
		}
	}

	limits := map[string]int{
		"hourly":  s.keep.Hourly,
		"daily":   s.keep.Daily,
		"weekly":  s.keep.Weekly,
		"monthly": s.keep.Monthly,
	}
	for tier, kept := range tiers {
		if limit := limits[tier]; len(kept) > limit {
			for _, snap := range kept[limit:] {
				doomed = append(doomed, snap.Path)
			}
		}
	}

	var lastErr error
	for _, path := range doomed {
		if err := os.Remove(path); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("backup: failed to remove some snapshots: %w", lastErr)
	}
	return nil
}

// DiskUsage returns the total bytes held by snapshots.
func (s *Snapshotter) DiskUsage() (int64, error) {
	snapshots, err := s.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, snap := range snapshots {
		total += snap.SizeBytes
	}
	return total, nil
}

func parseSnapshotName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, ".db") {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), ".db")
	takenAt, err := time.Parse(snapshotTimeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return takenAt.UTC(), true
}
