package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/webrenew/memories/internal/storage"
	"github.com/webrenew/memories/pkg/types"
)

// StoreEmbedding creates or replaces the active embedding for a memory.
func (s *Store) StoreEmbedding(ctx context.Context, emb *types.MemoryEmbedding) error {
	if emb == nil {
		return storage.ErrInvalidInput
	}
	if emb.Dimension == 0 {
		emb.Dimension = len(emb.Vector)
	}
	if err := emb.Validate(); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if want := s.expectedDimension(emb.Model); want > 0 && want != emb.Dimension {
		return fmt.Errorf("%w: model %s expects dimension %d, got %d",
			storage.ErrInvalidInput, emb.Model, want, emb.Dimension)
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO memory_embeddings (memory_id, vector, model, model_version, dimension, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET
			vector = excluded.vector,
			model = excluded.model,
			model_version = excluded.model_version,
			dimension = excluded.dimension,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		emb.MemoryID, serializeVector(emb.Vector), emb.Model,
		nullableString(emb.ModelVersion), emb.Dimension, now, now)
	if err != nil {
		return fmt.Errorf("sqlite: failed to store embedding: %w", err)
	}
	return nil
}

// GetEmbedding retrieves the embedding for a memory.
func (s *Store) GetEmbedding(ctx context.Context, memoryID string) (*types.MemoryEmbedding, error) {
	if memoryID == "" {
		return nil, fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	var emb types.MemoryEmbedding
	var blob []byte
	var modelVersion sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT memory_id, vector, model, model_version, dimension, created_at, updated_at
		FROM memory_embeddings WHERE memory_id = ?`, memoryID).
		Scan(&emb.MemoryID, &blob, &emb.Model, &modelVersion, &emb.Dimension, &emb.CreatedAt, &emb.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get embedding: %w", err)
	}

	emb.ModelVersion = modelVersion.String
	emb.Vector, err = deserializeVector(blob, emb.Dimension)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to deserialize embedding: %w", err)
	}
	return &emb, nil
}

// DeleteEmbedding removes the embedding for a memory.
func (s *Store) DeleteEmbedding(ctx context.Context, memoryID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE memory_id = ?`, memoryID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to delete embedding: %w", err)
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

// semanticSearchMaxCandidates caps the number of embeddings loaded into Go
// memory during one search. Candidates are taken newest first; datasets large
// enough to hit this limit should run on the PostgreSQL backend where
// pgvector performs indexed ANN search instead.
const semanticSearchMaxCandidates = 10_000

// SemanticSearch ranks live, in-scope memories by cosine similarity.
// Embeddings of a different model or dimension than the query are skipped.
func (s *Store) SemanticSearch(ctx context.Context, vector []float32, model string, scope types.Scope, limit int) ([]storage.ScoredMemory, error) {
	if len(vector) == 0 {
		return []storage.ScoredMemory{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	now := time.Now().UTC()
	where, args := liveScopePredicate(scope, now)
	args = append(args, model, len(vector), semanticSearchMaxCandidates)

	query := `SELECT ` + memoryColumns + `, e.vector, e.dimension
		FROM memory_embeddings e
		JOIN memories m ON m.id = e.memory_id
		WHERE ` + where + ` AND e.model = ? AND e.dimension = ?
		ORDER BY m.created_at DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: semantic search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scored []storage.ScoredMemory
	for rows.Next() {
		memory, blob, dim, err := scanMemoryWithVector(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: semantic search scan: %w", err)
		}
		stored, err := deserializeVector(blob, dim)
		if err != nil {
			continue // Corrupt blob: skip rather than fail the search.
		}
		scored = append(scored, storage.ScoredMemory{
			Memory: *memory,
			Score:  cosineSimilarity(vector, stored),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: semantic search rows: %w", err)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// MissingEmbeddings filters memoryIDs down to those without an embedding for
// the model.
func (s *Store) MissingEmbeddings(ctx context.Context, memoryIDs []string, model string) ([]string, error) {
	if len(memoryIDs) == 0 {
		return []string{}, nil
	}

	placeholders := make([]byte, 0, len(memoryIDs)*2)
	args := make([]interface{}, 0, len(memoryIDs)+1)
	for i, id := range memoryIDs {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id)
	}
	args = append(args, model)

	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id FROM memory_embeddings WHERE memory_id IN (`+string(placeholders)+`) AND model = ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to check embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	have := make(map[string]bool, len(memoryIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan embedding id: %w", err)
		}
		have[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows error: %w", err)
	}

	missing := make([]string, 0, len(memoryIDs))
	for _, id := range memoryIDs {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// scanMemoryWithVector scans memoryColumns plus the embedding blob columns.
func scanMemoryWithVector(rows *sql.Rows) (*types.Memory, []byte, int, error) {
	var memory types.Memory
	var layer, projectID, userID, tagsJSON, pathsJSON, category, metadataJSON sql.NullString
	var upsertKey, sourceSessionID, supersededBy, contentHash sql.NullString
	var supersededAt, expiresAt, deletedAt sql.NullTime
	var memoryType, scopeKind string
	var blob []byte
	var dim int

	err := rows.Scan(
		&memory.ID, &memory.Content, &memoryType, &layer, &scopeKind,
		&projectID, &userID, &tagsJSON, &pathsJSON, &category, &metadataJSON,
		&memory.Confidence, &upsertKey, &sourceSessionID, &supersededBy,
		&supersededAt, &expiresAt, &contentHash,
		&memory.CreatedAt, &memory.UpdatedAt, &deletedAt,
		&blob, &dim,
	)
	if err != nil {
		return nil, nil, 0, err
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
			return nil, nil, 0, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if pathsJSON.Valid && pathsJSON.String != "" {
		if err := json.Unmarshal([]byte(pathsJSON.String), &memory.Paths); err != nil {
			return nil, nil, 0, fmt.Errorf("unmarshal paths: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &memory.Metadata); err != nil {
			return nil, nil, 0, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	return &memory, blob, dim, nil
}

// serializeVector packs a float32 slice as little-endian bytes.
func serializeVector(vector []float32) []byte {
	buf := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeVector unpacks little-endian bytes, validating against the
// declared dimension.
func deserializeVector(buf []byte, dimension int) ([]float32, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dimension)
	}
	if len(buf) != dimension*4 {
		return nil, fmt.Errorf("buffer size mismatch: expected %d bytes, got %d", dimension*4, len(buf))
	}
	vector := make([]float32, dimension)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vector, nil
}

// cosineSimilarity computes cosine similarity between two equal-length
// vectors. Returns 0 for mismatched lengths or zero magnitude.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
