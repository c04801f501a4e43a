package sqlite

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

// memoryColumns is the canonical SELECT column list. scanMemory must stay in
// sync with it.
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

	// Default classification before validation so sparse writes are accepted.
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

	// Content hash for dedup diagnostics.
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
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		memory.ID,
		memory.Content,
		string(memory.Type),
		string(memory.Layer),
		string(memory.Scope),
		nullableString(memory.ProjectID),
		nullableString(memory.UserID),
		nullableBytes(tagsJSON),
		nullableBytes(pathsJSON),
		nullableString(memory.Category),
		nullableBytes(metadataJSON),
		memory.Confidence,
		nullableString(memory.UpsertKey),
		nullableString(memory.SourceSessionID),
		nullableString(memory.SupersededBy),
		nullableTime(memory.SupersededAt),
		nullableTime(memory.ExpiresAt),
		memory.ContentHash,
		memory.CreatedAt,
		memory.UpdatedAt,
		nullableTime(memory.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to store memory: %w", err)
	}

	return nil
}

// Get retrieves a memory by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.Memory, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories m WHERE m.id = ?`, id)
	memory, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get memory: %w", err)
	}
	return memory, nil
}

// Delete soft-deletes a memory.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to delete memory: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
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
		return fmt.Errorf("sqlite: failed to begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to purge memory: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE memory_id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: failed to purge embedding: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_node_links WHERE memory_id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: failed to purge node links: %w", err)
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

	now := time.Now().UTC()
	where, args := liveScopePredicate(q.Scope, now)

	var matches []string
	for _, term := range q.Terms {
		pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
		matches = append(matches, `(LOWER(m.content) LIKE ? ESCAPE '\' OR LOWER(COALESCE(m.tags, '')) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}
	where += ` AND (` + strings.Join(matches, " OR ") + `)`

	if len(q.Layers) > 0 {
		placeholders := make([]string, len(q.Layers))
		for i, l := range q.Layers {
			placeholders[i] = "?"
			args = append(args, string(l))
		}
		where += ` AND m.layer IN (` + strings.Join(placeholders, ", ") + `)`
	}

	args = append(args, q.Limit)
	query := `SELECT ` + memoryColumns + ` FROM memories m WHERE ` + where + `
		ORDER BY m.updated_at DESC, m.id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: lexical search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMemories(rows)
}

// ListRules returns live rule-layer memories in scope, newest first.
func (s *Store) ListRules(ctx context.Context, scope types.Scope, limit int) ([]types.Memory, error) {
	if limit <= 0 {
		limit = 20
	}

	now := time.Now().UTC()
	where, args := liveScopePredicate(scope, now)
	args = append(args, limit)

	query := `SELECT ` + memoryColumns + ` FROM memories m
		WHERE ` + where + ` AND m.layer = 'rule'
		ORDER BY m.updated_at DESC, m.id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list rules: %w", err)
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
		WHERE m.scope = ?
			AND COALESCE(m.project_id, '') = ?
			AND COALESCE(m.user_id, '') = ?
			AND m.memory_type = ?
			AND m.upsert_key = ?
			AND m.superseded_at IS NULL
			AND m.deleted_at IS NULL
		LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, string(scope), projectID, userID, string(memoryType), upsertKey)
	memory, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to find by upsert key: %w", err)
	}
	return memory, nil
}

// Supersede marks a memory as replaced by another.
func (s *Store) Supersede(ctx context.Context, id, byID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET superseded_by = ?, superseded_at = ?, updated_at = ?
		WHERE id = ? AND superseded_at IS NULL`,
		byID, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to supersede memory: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ScanAfter returns memories strictly after the (createdAt, id) checkpoint in
// keyset order. created_at/id is immutable, so pagination never re-visits or
// skips a row even while new memories are written concurrently.
func (s *Store) ScanAfter(ctx context.Context, afterCreatedAt time.Time, afterID string, limit int) ([]types.Memory, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + memoryColumns + ` FROM memories m
		WHERE m.deleted_at IS NULL
			AND (m.created_at > ? OR (m.created_at = ? AND m.id > ?))
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, afterCreatedAt.UTC(), afterCreatedAt.UTC(), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan after checkpoint failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMemories(rows)
}

// CountAll returns the number of non-deleted memories.
func (s *Store) CountAll(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE deleted_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to count memories: %w", err)
	}
	return count, nil
}

// ExpireWorking soft-deletes working-layer memories past their expiry.
func (s *Store) ExpireWorking(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET deleted_at = ?, updated_at = ?
		WHERE layer = 'working' AND deleted_at IS NULL
			AND expires_at IS NOT NULL AND expires_at <= ?`,
		now.UTC(), now.UTC(), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to expire working memories: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}
	return int(affected), nil
}

// CountLifecycle aggregates lifecycle counters for a scope window.
func (s *Store) CountLifecycle(ctx context.Context, scope types.Scope, since time.Time) (storage.LifecycleCounts, error) {
	var counts storage.LifecycleCounts

	scopeWhere, scopeArgs := scopePredicate(scope)

	type agg struct {
		dest  *int
		where string
		args  []interface{}
	}
	now := time.Now().UTC()
	queries := []agg{
		{&counts.Created, scopeWhere + ` AND m.created_at >= ?`, append(append([]interface{}{}, scopeArgs...), since.UTC())},
		{&counts.Updated, scopeWhere + ` AND m.updated_at >= ? AND m.created_at < ?`, append(append([]interface{}{}, scopeArgs...), since.UTC(), since.UTC())},
		{&counts.Deleted, scopeWhere + ` AND m.deleted_at IS NOT NULL AND m.deleted_at >= ?`, append(append([]interface{}{}, scopeArgs...), since.UTC())},
		{&counts.Active, scopeWhere + ` AND m.deleted_at IS NULL AND m.superseded_at IS NULL AND (m.expires_at IS NULL OR m.expires_at > ?)`, append(append([]interface{}{}, scopeArgs...), now)},
		{&counts.Total, scopeWhere, scopeArgs},
	}

	for _, q := range queries {
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories m WHERE `+q.where, q.args...).Scan(q.dest)
		if err != nil {
			return counts, fmt.Errorf("sqlite: lifecycle count failed: %w", err)
		}
	}

	return counts, nil
}

// scopePredicate builds the scope isolation clause shared by every query
// path. Global memories are always visible; project memories only to their
// project; user-owned memories only to their user.
func scopePredicate(scope types.Scope) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if scope.ProjectID != "" {
		clauses = append(clauses, `(m.scope = 'global' OR m.project_id = ?)`)
		args = append(args, scope.ProjectID)
	} else {
		clauses = append(clauses, `m.scope = 'global'`)
	}

	if scope.UserID != "" {
		clauses = append(clauses, `(m.user_id IS NULL OR m.user_id = '' OR m.user_id = ?)`)
		args = append(args, scope.UserID)
	} else {
		clauses = append(clauses, `(m.user_id IS NULL OR m.user_id = '')`)
	}

	return strings.Join(clauses, " AND "), args
}

// liveScopePredicate adds the liveness clause (not deleted, not superseded,
// not expired) to the scope predicate.
func liveScopePredicate(scope types.Scope, now time.Time) (string, []interface{}) {
	where, args := scopePredicate(scope)
	where += ` AND m.deleted_at IS NULL AND m.superseded_at IS NULL AND (m.expires_at IS NULL OR m.expires_at > ?)`
	args = append(args, now.UTC())
	return where, args
}

// escapeLike escapes LIKE wildcards in user-supplied terms.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func marshalMemoryBlobs(memory *types.Memory) (tags, paths, metadata []byte, err error) {
	if len(memory.Tags) > 0 {
		tags, err = json.Marshal(memory.Tags)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sqlite: failed to marshal tags: %w", err)
		}
	}
	if len(memory.Paths) > 0 {
		paths, err = json.Marshal(memory.Paths)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sqlite: failed to marshal paths: %w", err)
		}
	}
	if memory.Metadata != nil {
		metadata, err = json.Marshal(memory.Metadata)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sqlite: failed to marshal metadata: %w", err)
		}
	}
	return tags, paths, metadata, nil
}

// rowScanner lets scanMemory work with both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanMemory decodes one row in memoryColumns order into a typed entity,
// defaulting unexpected NULLs instead of failing.
func scanMemory(row rowScanner) (*types.Memory, error) {
	var memory types.Memory
	var layer, projectID, userID, tagsJSON, pathsJSON, category, metadataJSON sql.NullString
	var upsertKey, sourceSessionID, supersededBy, contentHash sql.NullString
	var supersededAt, expiresAt, deletedAt sql.NullTime
	var memoryType, scopeKind string

	err := row.Scan(
		&memory.ID,
		&memory.Content,
		&memoryType,
		&layer,
		&scopeKind,
		&projectID,
		&userID,
		&tagsJSON,
		&pathsJSON,
		&category,
		&metadataJSON,
		&memory.Confidence,
		&upsertKey,
		&sourceSessionID,
		&supersededBy,
		&supersededAt,
		&expiresAt,
		&contentHash,
		&memory.CreatedAt,
		&memory.UpdatedAt,
		&deletedAt,
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

	return &memory, nil
}

// scanMemories reads all rows into a slice.
func scanMemories(rows *sql.Rows) ([]types.Memory, error) {
	var memories []types.Memory
	for rows.Next() {
		memory, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		memories = append(memories, *memory)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return memories, nil
}
