// Package postgres provides the PostgreSQL storage backend.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/webrenew/memories/internal/storage"
)

// Options tunes a Store beyond its DSN.
type Options struct {
	// ModelDimensions maps embedding model names to their expected vector
	// dimension. Vectors are validated against this registry on write.
	ModelDimensions map[string]int

	// EvolutionCache skips redundant schema checks for equivalent stores.
	EvolutionCache *storage.EvolutionCache

	// CacheKey distinguishes logically different databases sharing a cache.
	CacheKey string

	// MaxOpenConns bounds the connection pool (default 10).
	MaxOpenConns int
}

// Store is the PostgreSQL implementation of the storage interfaces.
type Store struct {
	db   *sql.DB
	dims map[string]int

	// pgvectorAvailable is true when the vector extension is installed and
	// the embedding_vec column exists. Without it, semantic search falls back
	// to scanning BYTEA vectors and scoring in Go.
	pgvectorAvailable bool
}

var _ storage.Store = (*Store)(nil)

// Open connects to PostgreSQL, probes for the pgvector extension, and brings
// the schema up to date through the evolution manager.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	maxConns := opts.MaxOpenConns
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: failed to ping database: %w", err)
	}

	pgvector := probePgvector(ctx, db)
	if !pgvector {
		log.Printf("postgres: pgvector extension unavailable, semantic search will scan BYTEA vectors")
	}

	steps := EvolutionSteps(pgvector)
	if err := storage.Ensure(ctx, db, storage.DialectPostgres, steps, opts.EvolutionCache, opts.CacheKey); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: schema evolution failed: %w", err)
	}

	return &Store{db: db, dims: opts.ModelDimensions, pgvectorAvailable: pgvector}, nil
}

// probePgvector tries to enable the vector extension and reports whether it
// is usable. Lack of privileges or a missing extension are both treated as
// "unavailable", never as fatal.
func probePgvector(ctx context.Context, db *sql.DB) bool {
	if _, err := db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err == nil {
		return true
	}
	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM pg_extension WHERE extname = 'vector'`).Scan(&one)
	return err == nil
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

func (s *Store) expectedDimension(model string) int {
	if s.dims == nil {
		return 0
	}
	return s.dims[model]
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
