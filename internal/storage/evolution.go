package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
)

// Dialect identifies the SQL dialect a store speaks, so the evolution
// manager can classify benign "already exists" races and pick placeholder
// syntax correctly.
type Dialect string

// Supported dialects.
const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// EvolutionStep is one named, additive schema change: new tables, new
// nullable columns, new indexes, or a one-shot default-backfill UPDATE batch.
// Steps are applied in slice order and recorded in the schema_state table so
// they run at most once per store.
type EvolutionStep struct {
	// Name is the persisted marker key for the step. Never reuse a name.
	Name string

	// Statements are executed in order. A statement failing with the
	// dialect's "already exists" class is ignored: concurrent callers racing
	// through the same step are expected and harmless. Any other failure is
	// fatal and aborts the evolution.
	Statements []string
}

// EvolutionCache skips redundant persisted-marker checks for stores that have
// already been brought up to date in this process. It is populated on first
// success and never invalidated within a process lifetime; recomputing after
// a restart is cheap because applied steps no-op.
type EvolutionCache struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewEvolutionCache creates an empty cache. One cache is typically shared
// process-wide and passed into Ensure explicitly.
func NewEvolutionCache() *EvolutionCache {
	return &EvolutionCache{seen: make(map[string]bool)}
}

func (c *EvolutionCache) done(key string) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[key]
}

func (c *EvolutionCache) markDone(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[key] = true
}

// Ensure brings the store's structure up to the version this build expects.
// It is safe (and expected) to call on every request: after the first
// successful pass for a given cache key it returns without touching the
// database.
//
// cacheKey lets callers collapse equivalent stores (e.g. per-tenant handles
// onto the same physical database) into one cache entry; pass "" to key by
// connection identity alone.
//
// Any error other than a benign "already exists" race is returned and the
// store must be considered unusable.
func Ensure(ctx context.Context, db *sql.DB, dialect Dialect, steps []EvolutionStep, cache *EvolutionCache, cacheKey string) error {
	key := fmt.Sprintf("%p|%s|%s", db, dialect, cacheKey)
	if cache.done(key) {
		return nil
	}

	if err := ensureStateTable(ctx, db); err != nil {
		return fmt.Errorf("evolution: failed to create schema_state table: %w", err)
	}

	for _, step := range steps {
		applied, err := stepApplied(ctx, db, dialect, step.Name)
		if err != nil {
			return fmt.Errorf("evolution: failed to check step %q: %w", step.Name, err)
		}
		if applied {
			continue
		}

		for _, stmt := range step.Statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				if isAlreadyExists(dialect, err) {
					continue
				}
				return fmt.Errorf("evolution: step %q failed: %w", step.Name, err)
			}
		}

		if err := markStepApplied(ctx, db, dialect, step.Name); err != nil {
			return fmt.Errorf("evolution: failed to record step %q: %w", step.Name, err)
		}
	}

	cache.markDone(key)
	return nil
}

// ensureStateTable creates the generic key/value marker table. The CREATE
// TABLE IF NOT EXISTS form is valid in both dialects.
func ensureStateTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func stepApplied(ctx context.Context, db *sql.DB, dialect Dialect, name string) (bool, error) {
	query := `SELECT value FROM schema_state WHERE key = ?`
	if dialect == DialectPostgres {
		query = `SELECT value FROM schema_state WHERE key = $1`
	}

	var value string
	err := db.QueryRowContext(ctx, query, stepKey(name)).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value == "applied", nil
}

func markStepApplied(ctx context.Context, db *sql.DB, dialect Dialect, name string) error {
	query := `
		INSERT INTO schema_state (key, value, updated_at) VALUES (?, 'applied', CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`
	if dialect == DialectPostgres {
		query = `
			INSERT INTO schema_state (key, value, updated_at) VALUES ($1, 'applied', CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
		`
	}
	_, err := db.ExecContext(ctx, query, stepKey(name))
	return err
}

func stepKey(name string) string {
	return "evolution:" + name
}

// isAlreadyExists classifies the benign failure class produced when two
// callers race through the same additive step. Everything else is structural
// and fatal.
func isAlreadyExists(dialect Dialect, err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	switch dialect {
	case DialectSQLite:
		return strings.Contains(msg, "duplicate column name") ||
			strings.Contains(msg, "already exists")
	case DialectPostgres:
		// 42701 duplicate_column, 42P07 duplicate_table, 42710 duplicate_object
		return strings.Contains(msg, "already exists") ||
			strings.Contains(msg, "42701") ||
			strings.Contains(msg, "42p07") ||
			strings.Contains(msg, "42710")
	}
	return false
}
