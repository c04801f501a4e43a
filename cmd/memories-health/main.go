// Command memories-health prints the observability snapshot as JSON: memory
// lifecycle counts, checkpoint coverage, consolidation conflict rate,
// contradiction trend, job queue depths, and the SLO alarms they trigger.
//
// It only reads. The exit code reflects overall health so the command works
// as a probe: 0 healthy, 1 degraded, 2 critical.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/webrenew/memories/internal/config"
	"github.com/webrenew/memories/internal/engine"
	"github.com/webrenew/memories/internal/storage"
	"github.com/webrenew/memories/internal/storage/postgres"
	"github.com/webrenew/memories/internal/storage/sqlite"
	"github.com/webrenew/memories/pkg/types"
)

var (
	configPath  = flag.String("config", "", "Path to YAML config file (optional, env vars by default)")
	projectID   = flag.String("project", "", "Project scope for the snapshot")
	userID      = flag.String("user", "", "User scope for the snapshot")
	windowHours = flag.Int("window", 0, "Lookback window in hours (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer func() { _ = store.Close() }()

	window := cfg.Observability.WindowHours
	if *windowHours > 0 {
		window = *windowHours
	}

	observer := engine.NewObserver(store, nil)
	snap, err := observer.Snapshot(ctx, types.Scope{ProjectID: *projectID, UserID: *userID}, window)
	if err != nil {
		log.Fatalf("Failed to build snapshot: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		log.Fatalf("Failed to encode snapshot: %v", err)
	}

	switch snap.Health {
	case engine.HealthCritical:
		os.Exit(2)
	case engine.HealthDegraded:
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	dims := map[string]int{cfg.Embedding.Model: cfg.Embedding.Dimension}

	if cfg.Storage.Engine == "postgres" {
		return postgres.Open(ctx, cfg.Storage.PostgresDSN, postgres.Options{ModelDimensions: dims})
	}
	return sqlite.Open(ctx, filepath.Join(cfg.Storage.DataPath, "memories.db"), sqlite.Options{ModelDimensions: dims})
}
