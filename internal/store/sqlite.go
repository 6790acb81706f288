package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id           TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		first_seen   TEXT NOT NULL,
		last_seen    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id           TEXT PRIMARY KEY,
		presenter_id TEXT NOT NULL,
		started_at   TEXT NOT NULL,
		ended_at     TEXT,
		peak_viewers INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS transfers (
		id            TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		file_name     TEXT NOT NULL,
		file_size     INTEGER NOT NULL DEFAULT 0,
		state         TEXT NOT NULL,
		logged_at     TEXT NOT NULL
	)`,
}

// SQLiteStore implements Store using a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- Clients ---

func (s *SQLiteStore) UpsertClient(ctx context.Context, c *ClientRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (id, display_name, first_seen, last_seen)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, last_seen = excluded.last_seen`,
		c.ID, c.DisplayName,
		c.FirstSeen.UTC().Format(time.RFC3339), c.LastSeen.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) ListClients(ctx context.Context) ([]*ClientRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name, first_seen, last_seen FROM clients ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var clients []*ClientRecord
	for rows.Next() {
		var c ClientRecord
		var first, last string
		if err := rows.Scan(&c.ID, &c.DisplayName, &first, &last); err != nil {
			return nil, err
		}
		c.FirstSeen, _ = time.Parse(time.RFC3339, first)
		c.LastSeen, _ = time.Parse(time.RFC3339, last)
		clients = append(clients, &c)
	}
	return clients, rows.Err()
}

// --- Sessions ---

func (s *SQLiteStore) RecordSessionStart(ctx context.Context, sess *SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, presenter_id, started_at, peak_viewers) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.PresenterID, sess.StartedAt.UTC().Format(time.RFC3339), sess.PeakViewers)
	return err
}

func (s *SQLiteStore) RecordSessionEnd(ctx context.Context, id string, endedAt time.Time, peakViewers int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, peak_viewers = ? WHERE id = ?`,
		endedAt.UTC().Format(time.RFC3339), peakViewers, id)
	return err
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, presenter_id, started_at, ended_at, peak_viewers
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var sessions []*SessionRecord
	for rows.Next() {
		var sess SessionRecord
		var started string
		var ended sql.NullString
		if err := rows.Scan(&sess.ID, &sess.PresenterID, &started, &ended, &sess.PeakViewers); err != nil {
			return nil, err
		}
		sess.StartedAt, _ = time.Parse(time.RFC3339, started)
		if ended.Valid {
			parsed, _ := time.Parse(time.RFC3339, ended.String)
			sess.EndedAt = &parsed
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// --- Transfers ---

func (s *SQLiteStore) RecordTransfer(ctx context.Context, t *TransferRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transfers (id, connection_id, file_name, file_size, state, logged_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state`,
		t.ID, t.ConnectionID, t.FileName, t.FileSize, t.State,
		t.LoggedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) ListTransfers(ctx context.Context, limit int) ([]*TransferRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, connection_id, file_name, file_size, state, logged_at
		 FROM transfers ORDER BY logged_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var transfers []*TransferRecord
	for rows.Next() {
		var t TransferRecord
		var logged string
		if err := rows.Scan(&t.ID, &t.ConnectionID, &t.FileName, &t.FileSize, &t.State, &logged); err != nil {
			return nil, err
		}
		t.LoggedAt, _ = time.Parse(time.RFC3339, logged)
		transfers = append(transfers, &t)
	}
	return transfers, rows.Err()
}
