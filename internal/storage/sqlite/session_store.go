package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/webrenew/memories/internal/storage"
	"github.com/webrenew/memories/pkg/types"
)

// UpsertSession creates or updates a session.
func (s *Store) UpsertSession(ctx context.Context, session *types.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("%w: session ID is required", storage.ErrInvalidInput)
	}
	now := time.Now().UTC()
	if session.Status == "" {
		session.Status = types.SessionActive
	}
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = now
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_id, user_id, status, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			user_id = excluded.user_id,
			status = excluded.status,
			last_activity_at = excluded.last_activity_at,
			updated_at = excluded.updated_at`,
		session.ID, nullableString(session.ProjectID), nullableString(session.UserID),
		string(session.Status), session.LastActivityAt.UTC(), session.CreatedAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: session ID is required", storage.ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, user_id, status, last_activity_at, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get session: %w", err)
	}
	return session, nil
}

// AppendEvent appends an ordered event to a session and bumps the session's
// last-activity time. The event's seq is assigned here when zero.
func (s *Store) AppendEvent(ctx context.Context, event *types.SessionEvent) error {
	if event == nil || event.SessionID == "" {
		return fmt.Errorf("%w: session ID is required", storage.ErrInvalidInput)
	}
	now := time.Now().UTC()
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if event.Seq == 0 {
		var maxSeq sql.NullInt64
		err = tx.QueryRowContext(ctx,
			`SELECT MAX(seq) FROM session_events WHERE session_id = ?`,
			event.SessionID).Scan(&maxSeq)
		if err != nil {
			return fmt.Errorf("sqlite: failed to read max seq: %w", err)
		}
		event.Seq = int(maxSeq.Int64) + 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_events (id, session_id, seq, role, content, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.SessionID, event.Seq, event.Role, event.Content,
		event.TokenCount, event.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlite: failed to append event: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ?, updated_at = ? WHERE id = ?`,
		now, now, event.SessionID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to bump session activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit event: %w", err)
	}
	return nil
}

// StaleSessions returns active sessions whose last activity is before the
// cutoff, oldest first.
func (s *Store) StaleSessions(ctx context.Context, before time.Time, limit int) ([]types.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, user_id, status, last_activity_at, created_at, updated_at
		FROM sessions
		WHERE status = 'active' AND last_activity_at < ?
		ORDER BY last_activity_at ASC
		LIMIT ?`, before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query stale sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows error: %w", err)
	}
	return sessions, nil
}

// RecentEvents returns the most recent window events of a session in
// chronological order.
func (s *Store) RecentEvents(ctx context.Context, sessionID string, window int) ([]types.SessionEvent, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session ID is required", storage.ErrInvalidInput)
	}
	if window <= 0 {
		window = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, role, content, token_count, created_at
		FROM (
			SELECT id, session_id, seq, role, content, token_count, created_at
			FROM session_events
			WHERE session_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC`, sessionID, window)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []types.SessionEvent
	for rows.Next() {
		var e types.SessionEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.Role, &e.Content, &e.TokenCount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows error: %w", err)
	}
	return events, nil
}

// SetSessionStatus transitions a session's lifecycle status.
func (s *Store) SetSessionStatus(ctx context.Context, sessionID string, status types.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to set session status: %w", err)
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

// RecordCompaction appends a compaction event. CheckpointMemoryID stays NULL
// when the checkpoint memory failed to persist.
func (s *Store) RecordCompaction(ctx context.Context, event *types.CompactionEvent) error {
	if event == nil || event.SessionID == "" {
		return fmt.Errorf("%w: session ID is required", storage.ErrInvalidInput)
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	var checkpoint interface{}
	if event.CheckpointMemoryID != nil {
		checkpoint = *event.CheckpointMemoryID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compaction_events (id, session_id, trigger_type, events_before, tokens_before, checkpoint_memory_id, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.SessionID, string(event.TriggerType),
		event.EventsBefore, event.TokensBefore, checkpoint,
		nullableString(event.Error), event.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlite: failed to record compaction: %w", err)
	}
	return nil
}

// CompactionStats aggregates compaction events for sessions in scope since
// the given time. Scope is matched through the owning session.
func (s *Store) CompactionStats(ctx context.Context, scope types.Scope, since time.Time) (storage.CompactionStats, error) {
	query := `
		SELECT c.trigger_type, COUNT(*),
			COALESCE(SUM(CASE WHEN c.checkpoint_memory_id IS NULL THEN 1 ELSE 0 END), 0)
		FROM compaction_events c
		JOIN sessions sn ON sn.id = c.session_id
		WHERE c.created_at >= ?`
	args := []interface{}{since.UTC()}

	if scope.ProjectID != "" {
		query += ` AND (sn.project_id IS NULL OR sn.project_id = '' OR sn.project_id = ?)`
		args = append(args, scope.ProjectID)
	}
	if scope.UserID != "" {
		query += ` AND (sn.user_id IS NULL OR sn.user_id = '' OR sn.user_id = ?)`
		args = append(args, scope.UserID)
	}
	query += ` GROUP BY c.trigger_type`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return storage.CompactionStats{}, fmt.Errorf("sqlite: failed to aggregate compaction stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := storage.CompactionStats{ByTrigger: make(map[types.CompactionTrigger]int)}
	for rows.Next() {
		var trigger string
		var count, missing int
		if err := rows.Scan(&trigger, &count, &missing); err != nil {
			return storage.CompactionStats{}, fmt.Errorf("sqlite: failed to scan compaction stats: %w", err)
		}
		stats.TotalEvents += count
		stats.MissingCheckpoints += missing
		stats.ByTrigger[types.CompactionTrigger(trigger)] = count
	}
	if err := rows.Err(); err != nil {
		return storage.CompactionStats{}, fmt.Errorf("sqlite: rows error: %w", err)
	}
	return stats, nil
}

func scanSession(row rowScanner) (*types.Session, error) {
	var session types.Session
	var projectID, userID sql.NullString
	var status string
	err := row.Scan(&session.ID, &projectID, &userID, &status,
		&session.LastActivityAt, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, err
	}
	session.ProjectID = projectID.String
	session.UserID = userID.String
	session.Status = types.SessionStatus(status)
	return &session, nil
}
