// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent-record and web-session persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_records (
			identifier TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			os TEXT NOT NULL DEFAULT '',
			resolution TEXT NOT NULL DEFAULT '',
			online INTEGER NOT NULL DEFAULT 0,
			last_seen DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS web_sessions (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_web_sessions_expires
			ON web_sessions(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// UpsertAgentRecord inserts or replaces the durable record for an agent.
func (s *SQLiteStore) UpsertAgentRecord(ctx context.Context, rec *AgentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_records (identifier, name, os, resolution, online, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			name = excluded.name,
			os = excluded.os,
			resolution = excluded.resolution,
			online = excluded.online,
			last_seen = excluded.last_seen
	`, rec.Identifier, rec.Name, rec.OS, rec.Resolution, boolToInt(rec.Online), rec.LastSeen.UTC())
	if err != nil {
		return fmt.Errorf("upserting agent record: %w", err)
	}
	return nil
}

// MarkAgentOffline flips the online flag without touching metadata. Missing
// records are not an error: eviction may already have removed the row.
func (s *SQLiteStore) MarkAgentOffline(ctx context.Context, identifier string, lastSeen time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_records SET online = 0, last_seen = ? WHERE identifier = ?
	`, lastSeen.UTC(), identifier)
	if err != nil {
		return fmt.Errorf("marking agent offline: %w", err)
	}
	return nil
}

// DeleteAgentRecord removes the durable record, used under the evict policy.
func (s *SQLiteStore) DeleteAgentRecord(ctx context.Context, identifier string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_records WHERE identifier = ?`, identifier)
	if err != nil {
		return fmt.Errorf("deleting agent record: %w", err)
	}
	return nil
}

// ListAgentRecords returns all durable agent records ordered by last_seen.
func (s *SQLiteStore) ListAgentRecords(ctx context.Context) ([]*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identifier, name, os, resolution, online, last_seen
		FROM agent_records ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing agent records: %w", err)
	}
	defer rows.Close()

	var records []*AgentRecord
	for rows.Next() {
		var rec AgentRecord
		var online int
		if err := rows.Scan(&rec.Identifier, &rec.Name, &rec.OS, &rec.Resolution, &online, &rec.LastSeen); err != nil {
			return nil, fmt.Errorf("scanning agent record: %w", err)
		}
		rec.Online = online != 0
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// CreateSession stores a new web session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *WebSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO web_sessions (id, created_at, expires_at) VALUES (?, ?, ?)
	`, session.ID, session.CreatedAt.UTC(), session.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// GetSession returns a live session. Expired sessions are deleted on access
// and reported as ErrNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*WebSession, error) {
	var session WebSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, expires_at FROM web_sessions WHERE id = ?
	`, id).Scan(&session.ID, &session.CreatedAt, &session.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}

	if time.Now().After(session.ExpiresAt) {
		_ = s.DeleteSession(ctx, id)
		return nil, ErrNotFound
	}
	return &session, nil
}

// DeleteSession removes a session. Idempotent.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM web_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// PurgeExpiredSessions deletes all sessions past their expiry, returning the count.
func (s *SQLiteStore) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM web_sessions WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purging sessions: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
