package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/webrenew/memories/internal/storage"
	"github.com/webrenew/memories/pkg/types"
)

// memoryColumns is the canonical SELECT column list for the memories table.
// It must match the scan order in scanMemory.
const memoryColumns = `
	m.id, m.content, m.memory_type, m.layer, m.scope, m.project_id, m.user_id,
	m.tags, m.paths, m.category, m.metadata, m.confidence, m.upsert_key,
	m.source_session_id, m.superseded_by, m.superseded_at, m.expires_at,
	m.content_hash, m.created_at, m.updated_at, m.deleted_at`

// Store creates or updates a memory (upsert by ID).
func (s *Store) Store(ctx context.Context, memory *types.Memory) error {
	if memory == nil {
		return storage.ErrInvalidInput
	}

	if memory.ID == "" {
		memory.ID = uuid.New().String()
	}
	if memory.Type == "" {
		memory.Type = types.MemoryTypeNote
	}
	if memory.Layer == "" {
		memory.Layer = types.DefaultLayerForType(memory.Type)
	}
	if memory.Scope == "" {
		memory.Scope = types.ScopeGlobal
	}
	if memory.Confidence == 0 {
		memory.Confidence = 1.0
	}

	if err := memory.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	now := time.Now().UTC()
	if memory.CreatedAt.IsZero() {
		memory.CreatedAt = now
	}
	if memory.UpdatedAt.IsZero() {
		memory.UpdatedAt = now
	}
	memory.ContentHash = fmt.Sprintf("%x", sha256.Sum256([]byte(memory.Content)))

	tagsJSON, pathsJSON, metadataJSON, err := marshalMemoryBlobs(memory)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO memories (
			id, content, memory_type, layer, scope, project_id, user_id,
			tags, paths, category, metadata, confidence, upsert_key,
			source_session_id, superseded_by, superseded_at, expires_at,
			content_hash, created_at, updated_at, deleted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			memory_type = excluded.memory_type,
			layer = excluded.layer,
			scope = excluded.scope,
			project_id = excluded.project_id,
			user_id = excluded.user_id,
			tags = excluded.tags,
			paths = excluded.paths,
			category = excluded.category,
			metadata = excluded.metadata,
			confidence = excluded.confidence,
			upsert_key = excluded.upsert_key,
			source_session_id = excluded.source_session_id,
			superseded_by = excluded.superseded_by,
			superseded_at = excluded.superseded_at,
			expires_at = excluded.expires_at,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`

	_, err = s.db.ExecContext(ctx, query,
		memory.ID, memory.Content, string(memory.Type), string(memory.Layer),
		string(memory.Scope), nullableString(memory.ProjectID), nullableString(memory.UserID),
		nullableBytes(tagsJSON), nullableBytes(pathsJSON), nullableString(memory.Category),
		nullableBytes(metadataJSON), memory.Confidence, nullableString(memory.UpsertKey),
		nullableString(memory.SourceSessionID), nullableString(memory.SupersededBy),
		nullableTime(memory.SupersededAt), nullableTime(memory.ExpiresAt),
		memory.ContentHash, memory.CreatedAt, memory.UpdatedAt, nullableTime(memory.DeletedAt))
	if err != nil {
		return fmt.Errorf("postgres: failed to store memory: %w", err)
	}
	return nil
}

// Get retrieves a memory by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.Memory, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memories m WHERE m.id = $1`, id)
	memory, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get memory: %w", err)
	}
	return memory, nil
}

// Delete soft-deletes a memory.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET deleted_at = $1, updated_at = $1 WHERE id = $2 AND deleted_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete memory: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Purge hard-deletes a memory along with its embedding and graph links.
func (s *Store) Purge(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to purge memory: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE memory_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: failed to purge embedding: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_node_links WHERE memory_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: failed to purge node links: %w", err)
	}
	return tx.Commit()
}

// LexicalSearch returns live, in-scope memories whose content or tags match
// any query term.
func (s *Store) LexicalSearch(ctx context.Context, q storage.LexicalQuery) ([]types.Memory, error) {
	q.Normalize()
	if len(q.Terms) == 0 {
		return []types.Memory{}, nil
	}

	b := newPredicateBuilder()
	where := liveScopePredicate(b, q.Scope, time.Now().UTC())

	var matches []string
	for _, term := range q.Terms {
		pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
		matches = append(matches, fmt.Sprintf(
			`(LOWER(m.content) LIKE %s ESCAPE '\' OR LOWER(COALESCE(m.tags::text, '')) LIKE %s ESCAPE '\')`,
			b.add(pattern), b.add(pattern)))
	}
	where += ` AND (` + strings.Join(matches, " OR ") + `)`

	if len(q.Layers) > 0 {
		placeholders := make([]string, len(q.Layers))
		for i, l := range q.Layers {
			placeholders[i] = b.add(string(l))
		}
		where += ` AND m.layer IN (` + strings.Join(placeholders, ", ") + `)`
	}

	query := `SELECT ` + memoryColumns + ` FROM memories m WHERE ` + where + `
		ORDER BY m.updated_at DESC, m.id ASC LIMIT ` + b.add(q.Limit)

	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: lexical search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMemories(rows)
}

// ListRules returns live rule-layer memories in scope, newest first.
func (s *Store) ListRules(ctx context.Context, scope types.Scope, limit int) ([]types.Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	b := newPredicateBuilder()
	where := liveScopePredicate(b, scope, time.Now().UTC())

	query := `SELECT ` + memoryColumns + ` FROM memories m
		WHERE ` + where + ` AND m.layer = 'rule'
		ORDER BY m.updated_at DESC, m.id ASC LIMIT ` + b.add(limit)

	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMemories(rows)
}

// FindLiveByUpsertKey returns the live memory for an upsert identity.
func (s *Store) FindLiveByUpsertKey(ctx context.Context, scope types.ScopeKind, projectID, userID string, memoryType types.MemoryType, upsertKey string) (*types.Memory, error) {
	if upsertKey == "" {
		return nil, fmt.Errorf("%w: upsert key is required", storage.ErrInvalidInput)
	}

	query := `SELECT ` + memoryColumns + ` FROM memories m
		WHERE m.scope = $1
			AND COALESCE(m.project_id, '') = $2
			AND COALESCE(m.user_id, '') = $3
			AND m.memory_type = $4
			AND m.upsert_key = $5
			AND m.superseded_at IS NULL
			AND m.deleted_at IS NULL
		LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, string(scope), projectID, userID, string(memoryType), upsertKey)
	memory, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to find by upsert key: %w", err)
	}
	return memory, nil
}

// Supersede marks a memory as replaced by another.
func (s *Store) Supersede(ctx context.Context, id, byID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET superseded_by = $1, superseded_at = $2, updated_at = $3
		WHERE id = $4 AND superseded_at IS NULL`,
		byID, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("postgres: failed to supersede memory: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ScanAfter returns memories strictly after the (createdAt, id) checkpoint in
// keyset order.
func (s *Store) ScanAfter(ctx context.Context, afterCreatedAt time.Time, afterID string, limit int) ([]types.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + memoryColumns + ` FROM memories m
		WHERE m.deleted_at IS NULL
			AND (m.created_at > $1 OR (m.created_at = $1 AND m.id > $2))
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, afterCreatedAt.UTC(), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan after checkpoint failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMemories(rows)
}

// CountAll returns the number of non-deleted memories.
func (s *Store) CountAll(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE deleted_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to count memories: %w", err)
	}
	return count, nil
}

// ExpireWorking soft-deletes working-layer memories past their expiry.
func (s *Store) ExpireWorking(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET deleted_at = $1, updated_at = $1
		WHERE layer = 'working' AND deleted_at IS NULL
			AND expires_at IS NOT NULL AND expires_at <= $1`,
		now.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to expire working memories: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}
	return int(affected), nil
}

// CountLifecycle aggregates lifecycle counters for a scope window.
func (s *Store) CountLifecycle(ctx context.Context, scope types.Scope, since time.Time) (storage.LifecycleCounts, error) {
	var counts storage.LifecycleCounts
	now := time.Now().UTC()

	count := func(dest *int, extra string, extraArgs ...interface{}) error {
		b := newPredicateBuilder()
		where := scopePredicate(b, scope)
		for _, a := range extraArgs {
			extra = strings.Replace(extra, "{}", b.add(a), 1)
		}
		if extra != "" {
			where += " AND " + extra
		}
		return s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM memories m WHERE `+where, b.args...).Scan(dest)
	}

	steps := []error{
		count(&counts.Created, `m.created_at >= {}`, since.UTC()),
		count(&counts.Updated, `m.updated_at >= {} AND m.created_at < {}`, since.UTC(), since.UTC()),
		count(&counts.Deleted, `m.deleted_at IS NOT NULL AND m.deleted_at >= {}`, since.UTC()),
		count(&counts.Active, `m.deleted_at IS NULL AND m.superseded_at IS NULL AND (m.expires_at IS NULL OR m.expires_at > {})`, now),
		count(&counts.Total, ``),
	}
	for _, err := range steps {
		if err != nil {
			return counts, fmt.Errorf("postgres: lifecycle count failed: %w", err)
		}
	}
	return counts, nil
}

// predicateBuilder numbers positional parameters for dynamically assembled
// postgres queries.
type predicateBuilder struct {
	args []interface{}
}

func newPredicateBuilder() *predicateBuilder {
	return &predicateBuilder{}
}

func (b *predicateBuilder) add(arg interface{}) string {
	b.args = append(b.args, arg)
	return fmt.Sprintf("$%d", len(b.args))
}

// scopePredicate limits rows to what the scope may see: global rows always,
// project rows only for the matching project, personal rows only for the
// matching user.
func scopePredicate(b *predicateBuilder, scope types.Scope) string {
	var clauses []string
	if scope.ProjectID != "" {
		clauses = append(clauses,
			`(m.scope = 'global' OR m.project_id = `+b.add(scope.ProjectID)+`)`)
	} else {
		clauses = append(clauses, `m.scope = 'global'`)
	}
	if scope.UserID != "" {
		clauses = append(clauses,
			`(m.user_id IS NULL OR m.user_id = '' OR m.user_id = `+b.add(scope.UserID)+`)`)
	} else {
		clauses = append(clauses, `(m.user_id IS NULL OR m.user_id = '')`)
	}
	return strings.Join(clauses, " AND ")
}

// liveScopePredicate adds liveness: not deleted, not superseded, not expired.
func liveScopePredicate(b *predicateBuilder, scope types.Scope, now time.Time) string {
	where := scopePredicate(b, scope)
	where += ` AND m.deleted_at IS NULL AND m.superseded_at IS NULL
		AND (m.expires_at IS NULL OR m.expires_at > ` + b.add(now) + `)`
	return where
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func marshalMemoryBlobs(memory *types.Memory) (tags, paths, metadata []byte, err error) {
	if len(memory.Tags) > 0 {
		if tags, err = json.Marshal(memory.Tags); err != nil {
			return nil, nil, nil, fmt.Errorf("postgres: failed to marshal tags: %w", err)
		}
	}
	if len(memory.Paths) > 0 {
		if paths, err = json.Marshal(memory.Paths); err != nil {
			return nil, nil, nil, fmt.Errorf("postgres: failed to marshal paths: %w", err)
		}
	}
	if len(memory.Metadata) > 0 {
		if metadata, err = json.Marshal(memory.Metadata); err != nil {
			return nil, nil, nil, fmt.Errorf("postgres: failed to marshal metadata: %w", err)
		}
	}
	return tags, paths, metadata, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	var memory types.Memory
	var layer, projectID, userID, tagsJSON, pathsJSON, category, metadataJSON sql.NullString
	var upsertKey, sourceSessionID, supersededBy, contentHash sql.NullString
	var supersededAt, expiresAt, deletedAt sql.NullTime
	var memoryType, scopeKind string

	err := row.Scan(
		&memory.ID, &memory.Content, &memoryType, &layer, &scopeKind,
		&projectID, &userID, &tagsJSON, &pathsJSON, &category, &metadataJSON,
		&memory.Confidence, &upsertKey, &sourceSessionID, &supersededBy,
		&supersededAt, &expiresAt, &contentHash,
		&memory.CreatedAt, &memory.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	memory.Type = types.MemoryType(memoryType)
	memory.Scope = types.ScopeKind(scopeKind)
	if layer.Valid {
		memory.Layer = types.Layer(layer.String)
	}
	memory.ProjectID = projectID.String
	memory.UserID = userID.String
	memory.Category = category.String
	memory.UpsertKey = upsertKey.String
	memory.SourceSessionID = sourceSessionID.String
	memory.SupersededBy = supersededBy.String
	memory.ContentHash = contentHash.String
	if supersededAt.Valid {
		t := supersededAt.Time
		memory.SupersededAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		memory.ExpiresAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		memory.DeletedAt = &t
	}

	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &memory.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if pathsJSON.Valid && pathsJSON.String != "" {
		if err := json.Unmarshal([]byte(pathsJSON.String), &memory.Paths); err != nil {
			return nil, fmt.Errorf("unmarshal paths: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &memory.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &memory, nil
}

func scanMemories(rows *sql.Rows) ([]types.Memory, error) {
	memories := []types.Memory{}
	for rows.Next() {
		memory, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan memory: %w", err)
		}
		memories = append(memories, *memory)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows error: %w", err)
	}
	return memories, nil
}
