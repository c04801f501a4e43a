// Command memories-worker runs the background maintenance passes that keep
// the memory store healthy: embedding job processing, backfill batches,
// working-layer expiry, and inactivity compaction of stale sessions. With
// -snapshot it also takes a verified backup of the sqlite data file.
//
// Each pass can run individually (one-shot, suitable for cron or a job
// runner) or all together on an interval with -loop. Snapshots only run
// when asked for, so a looping worker does not snapshot every tick. There
// is no built-in scheduler beyond that.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/webrenew/memories/internal/backup"
	"github.com/webrenew/memories/internal/config"
	"github.com/webrenew/memories/internal/embed"
	"github.com/webrenew/memories/internal/engine"
	"github.com/webrenew/memories/internal/storage"
	"github.com/webrenew/memories/internal/storage/postgres"
	"github.com/webrenew/memories/internal/storage/sqlite"
	"github.com/webrenew/memories/pkg/types"
)

var (
	configPath   = flag.String("config", "", "Path to YAML config file (optional, env vars by default)")
	embedPass    = flag.Bool("embed", false, "Run an embedding job pass")
	backfillPass = flag.Bool("backfill", false, "Run one backfill batch")
	compactPass  = flag.Bool("compact", false, "Run an inactivity compaction pass")
	expirePass   = flag.Bool("expire", false, "Expire overdue working-layer memories")
	snapshotPass = flag.Bool("snapshot", false, "Take a backup snapshot of the sqlite store")
	loop         = flag.Bool("loop", false, "Keep running the selected passes on an interval")
	interval     = flag.Duration("interval", time.Minute, "Pass interval in loop mode")
	projectID    = flag.String("project", "", "Project scope key for backfill")
	userID       = flag.String("user", "", "User scope key for backfill")
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

	embedder := newEmbedder(cfg)
	runner := &runner{cfg: cfg, store: store, embedder: embedder}

	// No pass flags means all passes.
	if !*embedPass && !*backfillPass && !*compactPass && !*expirePass {
		*embedPass, *backfillPass, *compactPass, *expirePass = true, true, true, true
	}

	if !*loop {
		runner.runPasses(ctx)
		return
	}

	log.Printf("worker: running passes every %s", *interval)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	runner.runPasses(ctx)
	for {
		select {
		case <-ticker.C:
			runner.runPasses(ctx)
		case s := <-sig:
			log.Printf("worker: received %v, shutting down", s)
			return
		}
	}
}

type runner struct {
	cfg      *config.Config
	store    storage.Store
	embedder embed.Embedder
}

func (r *runner) runPasses(ctx context.Context) {
	if *expirePass {
		r.runExpiry(ctx)
	}
	if *compactPass {
		r.runCompaction(ctx)
	}
	if *backfillPass {
		r.runBackfill(ctx)
	}
	if *embedPass {
		r.runEmbedding(ctx)
	}
	if *snapshotPass {
		r.runSnapshot(ctx)
	}
}

func (r *runner) runEmbedding(ctx context.Context) {
	if r.embedder == nil {
		log.Printf("worker: no embedding provider configured, skipping job pass")
		return
	}
	worker := engine.NewWorker(r.store, r.embedder, engine.WorkerOptions{
		BatchSize:     r.cfg.Worker.BatchSize,
		LeaseTimeout:  time.Duration(r.cfg.Worker.LeaseTimeoutMinutes) * time.Minute,
		RatePerSecond: r.cfg.Worker.RatePerSecond,
	})
	result, err := worker.RunOnce(ctx)
	if err != nil {
		log.Printf("worker: embedding pass failed: %v", err)
		return
	}
	log.Printf("worker: embedding pass reclaimed=%d leased=%d completed=%d failed=%d dead_letter=%d",
		result.Reclaimed, result.Leased, result.Completed, result.Failed, result.DeadLetter)
}

func (r *runner) runBackfill(ctx context.Context) {
	scope := types.Scope{ProjectID: *projectID, UserID: *userID}
	model := r.cfg.Embedding.Model

	if err := r.tuneBackfill(ctx, scope.Key(), model); err != nil {
		log.Printf("worker: failed to apply backfill tuning: %v", err)
	}

	state, err := engine.NewBackfiller(r.store).RunBatch(ctx, scope.Key(), model)
	if err != nil {
		log.Printf("worker: backfill batch failed: %v", err)
		return
	}
	log.Printf("worker: backfill %s scanned=%d enqueued=%d remaining=%d",
		state.Status, state.Scanned, state.Enqueued, state.EstimatedRemaining)
}

// tuneBackfill pushes the configured batch limit and throttle into the
// durable backfill state so RunBatch picks them up.
func (r *runner) tuneBackfill(ctx context.Context, scopeKey, model string) error {
	state, err := r.store.GetBackfillState(ctx, scopeKey, model)
	if err != nil {
		return err
	}
	if state.Status == types.BackfillCompleted {
		return nil
	}
	if state.BatchLimit == r.cfg.Worker.BackfillBatchLimit && state.ThrottleMs == r.cfg.Worker.BackfillThrottleMs {
		return nil
	}
	state.BatchLimit = r.cfg.Worker.BackfillBatchLimit
	state.ThrottleMs = r.cfg.Worker.BackfillThrottleMs
	return r.store.SaveBackfillState(ctx, state)
}

func (r *runner) runCompaction(ctx context.Context) {
	writer := engine.NewWriter(r.store, r.embeddingModel())
	compactor := engine.NewCompactor(r.store, engine.NewExtractiveSummarizer(), writer)

	result, err := compactor.RunInactivityCompaction(ctx,
		r.cfg.Worker.InactivityMinutes, r.cfg.Worker.CompactionLimit, r.cfg.Worker.EventWindow)
	if err != nil {
		log.Printf("worker: compaction pass failed: %v", err)
		return
	}
	log.Printf("worker: compaction pass scanned=%d compacted=%d failed=%d",
		result.Scanned, result.Compacted, len(result.Failures))
	for _, f := range result.Failures {
		log.Printf("worker: compaction of session %s failed: %v", f.SessionID, f.Err)
	}
}

func (r *runner) runSnapshot(ctx context.Context) {
	if r.cfg.Storage.Engine == "postgres" {
		log.Printf("worker: snapshots cover the sqlite engine only, use pg_dump for postgres")
		return
	}
	source := filepath.Join(r.cfg.Storage.DataPath, "memories.db")
	dir := filepath.Join(r.cfg.Storage.DataPath, "backups")
	snap, err := backup.NewSnapshotter(source, dir, backup.KeepPolicy{}, true).Take(ctx)
	if err != nil {
		log.Printf("worker: snapshot failed: %v", err)
		return
	}
	log.Printf("worker: snapshot written to %s (%d bytes)", snap.Path, snap.SizeBytes)
}

func (r *runner) runExpiry(ctx context.Context) {
	n, err := r.store.ExpireWorking(ctx, time.Now().UTC())
	if err != nil {
		log.Printf("worker: expiry pass failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("worker: expired %d working-layer memories", n)
	}
}

// embeddingModel names the model jobs are enqueued for, or empty when no
// provider is configured so writes skip the queue.
func (r *runner) embeddingModel() string {
	if r.cfg.Embedding.Provider == "none" || r.cfg.Embedding.Provider == "" {
		return ""
	}
	return r.cfg.Embedding.Model
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
	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		return nil, err
	}
	return sqlite.Open(ctx, filepath.Join(cfg.Storage.DataPath, "memories.db"), sqlite.Options{ModelDimensions: dims})
}

func newEmbedder(cfg *config.Config) embed.Embedder {
	if cfg.Embedding.Provider != "openai" {
		return nil
	}
	client := embed.NewOpenAIClient(embed.OpenAIConfig{
		APIKey:  cfg.Embedding.APIKey,
		Model:   cfg.Embedding.Model,
		BaseURL: cfg.Embedding.BaseURL,
		Timeout: time.Duration(cfg.Embedding.TimeoutSeconds) * time.Second,
	})
	return embed.NewBreakerWithConfig(client, embed.BreakerConfig{
		MaxFailures: uint32(cfg.Embedding.MaxFailures),
		Timeout:     time.Duration(cfg.Embedding.BreakerTimeout) * time.Second,
	})
}
