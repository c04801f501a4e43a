// Package sqlite implements the storage interfaces on modernc.org/sqlite,
// a CGO-free SQLite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/webrenew/memories/internal/storage"
)

// Options tunes a Store beyond its DSN.
type Options struct {
	// ModelDimensions maps embedding model names to their expected vector
	// dimension. Vectors are validated against this registry on write.
	ModelDimensions map[string]int

	// EvolutionCache skips redundant schema checks for equivalent stores.
	// A nil cache disables in-process caching (every open re-checks markers).
	EvolutionCache *storage.EvolutionCache

	// CacheKey collapses equivalent stores onto one evolution cache entry.
	CacheKey string
}

// Store implements the full storage.Store surface on SQLite.
type Store struct {
	db   *sql.DB
	dims map[string]int
}

var _ storage.Store = (*Store)(nil)

// Open opens a SQLite database, configures WAL mode, and brings the schema
// up to date through the evolution manager.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent load.
	// WAL mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s failed: %w", p, err)
		}
	}

	if err := storage.Ensure(ctx, db, storage.DialectSQLite, EvolutionSteps(), opts.EvolutionCache, opts.CacheKey); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, dims: opts.ModelDimensions}, nil
}

// DB exposes the underlying handle for maintenance tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// expectedDimension returns the registered dimension for a model, or 0 when
// the model is unknown (in which case the vector's own length is trusted).
func (s *Store) expectedDimension(model string) int {
	if s.dims == nil {
		return 0
	}
	return s.dims[model]
}

// nullableTime converts a *time.Time to sql.NullTime.
func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullableString converts an empty string to NULL.
func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// nullableBytes converts empty JSON blobs to NULL so absent collections stay
// NULL in the row instead of becoming "".
func nullableBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
