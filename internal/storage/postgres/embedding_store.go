package postgres

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/webrenew/memories/internal/storage"
	"github.com/webrenew/memories/pkg/types"
)

// StoreEmbedding creates or replaces the active embedding for a memory. The
// vector is always written to the BYTEA column; when pgvector is available it
// is also written to embedding_vec for indexed cosine-distance queries.
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
	if s.pgvectorAvailable {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memory_embeddings (memory_id, vector, model, model_version, dimension, embedding_vec, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			ON CONFLICT(memory_id) DO UPDATE SET
				vector = excluded.vector,
				model = excluded.model,
				model_version = excluded.model_version,
				dimension = excluded.dimension,
				embedding_vec = excluded.embedding_vec,
				updated_at = excluded.updated_at`,
			emb.MemoryID, serializeVector(emb.Vector), emb.Model,
			nullableString(emb.ModelVersion), emb.Dimension,
			pgvector.NewVector(emb.Vector), now)
		if err == nil {
			return nil
		}
		// Fall through to the BYTEA-only path on pgvector write failure.
		log.Printf("postgres: pgvector write failed for memory %s, falling back to BYTEA: %v", emb.MemoryID, err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_embeddings (memory_id, vector, model, model_version, dimension, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT(memory_id) DO UPDATE SET
			vector = excluded.vector,
			model = excluded.model,
			model_version = excluded.model_version,
			dimension = excluded.dimension,
			updated_at = excluded.updated_at`,
		emb.MemoryID, serializeVector(emb.Vector), emb.Model,
		nullableString(emb.ModelVersion), emb.Dimension, now)
	if err != nil {
		return fmt.Errorf("postgres: failed to store embedding: %w", err)
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
		FROM memory_embeddings WHERE memory_id = $1`, memoryID).
		Scan(&emb.MemoryID, &blob, &emb.Model, &modelVersion, &emb.Dimension, &emb.CreatedAt, &emb.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get embedding: %w", err)
	}

	emb.ModelVersion = modelVersion.String
	emb.Vector, err = deserializeVector(blob, emb.Dimension)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to deserialize embedding: %w", err)
	}
	return &emb, nil
}

// DeleteEmbedding removes the embedding for a memory.
func (s *Store) DeleteEmbedding(ctx context.Context, memoryID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE memory_id = $1`, memoryID)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete embedding: %w", err)
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

// SemanticSearch ranks live, in-scope memories by cosine similarity. With
// pgvector the ordering happens in the database via the <=> operator;
// otherwise BYTEA vectors are scored in Go.
func (s *Store) SemanticSearch(ctx context.Context, vector []float32, model string, scope types.Scope, limit int) ([]storage.ScoredMemory, error) {
	if len(vector) == 0 {
		return []storage.ScoredMemory{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	if s.pgvectorAvailable {
		return s.semanticSearchPgvector(ctx, vector, model, scope, limit)
	}
	return s.semanticSearchBytea(ctx, vector, model, scope, limit)
}

func (s *Store) semanticSearchPgvector(ctx context.Context, vector []float32, model string, scope types.Scope, limit int) ([]storage.ScoredMemory, error) {
	b := newPredicateBuilder()
	where := liveScopePredicate(b, scope, time.Now().UTC())
	vecArg := b.add(pgvector.NewVector(vector))

	query := `SELECT ` + memoryColumns + `, 1 - (e.embedding_vec <=> ` + vecArg + `::vector) AS score
		FROM memory_embeddings e
		JOIN memories m ON m.id = e.memory_id
		WHERE ` + where + `
			AND e.embedding_vec IS NOT NULL
			AND e.model = ` + b.add(model) + `
			AND e.dimension = ` + b.add(len(vector)) + `
		ORDER BY e.embedding_vec <=> ` + vecArg + `::vector
		LIMIT ` + b.add(limit)

	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: semantic search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scored []storage.ScoredMemory
	for rows.Next() {
		memory, score, err := scanMemoryWithScore(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: semantic search scan: %w", err)
		}
		scored = append(scored, storage.ScoredMemory{Memory: *memory, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: semantic search rows: %w", err)
	}
	return scored, nil
}

const semanticSearchMaxCandidates = 10_000

func (s *Store) semanticSearchBytea(ctx context.Context, vector []float32, model string, scope types.Scope, limit int) ([]storage.ScoredMemory, error) {
	b := newPredicateBuilder()
	where := liveScopePredicate(b, scope, time.Now().UTC())

	query := `SELECT ` + memoryColumns + `, e.vector, e.dimension
		FROM memory_embeddings e
		JOIN memories m ON m.id = e.memory_id
		WHERE ` + where + `
			AND e.model = ` + b.add(model) + `
			AND e.dimension = ` + b.add(len(vector)) + `
		ORDER BY m.created_at DESC
		LIMIT ` + b.add(semanticSearchMaxCandidates)

	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: semantic search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scored []storage.ScoredMemory
	for rows.Next() {
		memory, blob, dim, err := scanMemoryWithVector(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: semantic search scan: %w", err)
		}
		stored, err := deserializeVector(blob, dim)
		if err != nil {
			continue
		}
		scored = append(scored, storage.ScoredMemory{
			Memory: *memory,
			Score:  cosineSimilarity(vector, stored),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: semantic search rows: %w", err)
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

	b := newPredicateBuilder()
	placeholders := make([]string, len(memoryIDs))
	for i, id := range memoryIDs {
		placeholders[i] = b.add(id)
	}
	modelArg := b.add(model)

	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id FROM memory_embeddings WHERE memory_id IN (`+
			joinStrings(placeholders)+`) AND model = `+modelArg,
		b.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to check embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	have := make(map[string]bool, len(memoryIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan embedding id: %w", err)
		}
		have[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows error: %w", err)
	}

	missing := make([]string, 0, len(memoryIDs))
	for _, id := range memoryIDs {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func joinStrings(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func scanMemoryWithScore(rows *sql.Rows) (*types.Memory, float64, error) {
	memory, extra, err := scanMemoryWithExtra(rows, 1)
	if err != nil {
		return nil, 0, err
	}
	score, _ := extra[0].(*float64)
	return memory, *score, nil
}

func scanMemoryWithVector(rows *sql.Rows) (*types.Memory, []byte, int, error) {
	memory, extra, err := scanMemoryWithExtra(rows, 2)
	if err != nil {
		return nil, nil, 0, err
	}
	blob := *extra[0].(*[]byte)
	dim := *extra[1].(*int)
	return memory, blob, dim, nil
}

// scanMemoryWithExtra scans memoryColumns plus n trailing columns. The extra
// destinations are typed by position: pgvector score is *float64, BYTEA blob
// is *[]byte followed by *int dimension.
func scanMemoryWithExtra(rows *sql.Rows, n int) (*types.Memory, []interface{}, error) {
	var memory types.Memory
	var layer, projectID, userID, tagsJSON, pathsJSON, category, metadataJSON sql.NullString
	var upsertKey, sourceSessionID, supersededBy, contentHash sql.NullString
	var supersededAt, expiresAt, deletedAt sql.NullTime
	var memoryType, scopeKind string

	dests := []interface{}{
		&memory.ID, &memory.Content, &memoryType, &layer, &scopeKind,
		&projectID, &userID, &tagsJSON, &pathsJSON, &category, &metadataJSON,
		&memory.Confidence, &upsertKey, &sourceSessionID, &supersededBy,
		&supersededAt, &expiresAt, &contentHash,
		&memory.CreatedAt, &memory.UpdatedAt, &deletedAt,
	}

	var extra []interface{}
	switch n {
	case 1:
		extra = []interface{}{new(float64)}
	case 2:
		extra = []interface{}{new([]byte), new(int)}
	}
	dests = append(dests, extra...)

	if err := rows.Scan(dests...); err != nil {
		return nil, nil, err
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
			return nil, nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if pathsJSON.Valid && pathsJSON.String != "" {
		if err := json.Unmarshal([]byte(pathsJSON.String), &memory.Paths); err != nil {
			return nil, nil, fmt.Errorf("unmarshal paths: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &memory.Metadata); err != nil {
			return nil, nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &memory, extra, nil
}

func serializeVector(vector []float32) []byte {
	buf := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

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
