// Package index maintains a small SQLite catalog of finished sessions
// under the trace root. It backs `callisto sessions list` and retention
// pruning; the per-session JSONL logs remain the source of truth.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one catalog row.
type Record struct {
	SessionID          string
	Name               string
	Status             string
	Tags               []string
	StartedAt          int64
	EndedAt            int64
	Events             int64
	DuplicatesFiltered int64
	Errors             int64
	TraceFile          string
	ViewerFile         string
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id          TEXT PRIMARY KEY,
	name                TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT '',
	tags                TEXT NOT NULL DEFAULT '',
	started_at          INTEGER NOT NULL,
	ended_at            INTEGER NOT NULL DEFAULT 0,
	events              INTEGER NOT NULL DEFAULT 0,
	duplicates_filtered INTEGER NOT NULL DEFAULT 0,
	errors              INTEGER NOT NULL DEFAULT 0,
	trace_file          TEXT NOT NULL DEFAULT '',
	viewer_file         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);
`

// Store is the catalog handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the catalog at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session index: %w", err)
	}
	// A CLI session touches the index once; a tiny pool is plenty.
	db.SetMaxOpenConns(2)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize session index schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: slog.Default().With("component", "index"),
	}, nil
}

// Close closes the catalog.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts or replaces one session row.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	const query = `
INSERT INTO sessions (session_id, name, status, tags, started_at, ended_at,
	events, duplicates_filtered, errors, trace_file, viewer_file)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	name = excluded.name,
	status = excluded.status,
	tags = excluded.tags,
	ended_at = excluded.ended_at,
	events = excluded.events,
	duplicates_filtered = excluded.duplicates_filtered,
	errors = excluded.errors,
	trace_file = excluded.trace_file,
	viewer_file = excluded.viewer_file`

	_, err := s.db.ExecContext(ctx, query,
		rec.SessionID, rec.Name, rec.Status, strings.Join(rec.Tags, ","),
		rec.StartedAt, rec.EndedAt, rec.Events, rec.DuplicatesFiltered,
		rec.Errors, rec.TraceFile, rec.ViewerFile,
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.SessionID, err)
	}
	return nil
}

// List returns up to limit sessions, newest first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	query := `
SELECT session_id, name, status, tags, started_at, ended_at,
	events, duplicates_filtered, errors, trace_file, viewer_file
FROM sessions ORDER BY started_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var tags string
		if err := rows.Scan(&rec.SessionID, &rec.Name, &rec.Status, &tags,
			&rec.StartedAt, &rec.EndedAt, &rec.Events, &rec.DuplicatesFiltered,
			&rec.Errors, &rec.TraceFile, &rec.ViewerFile); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		if tags != "" {
			rec.Tags = strings.Split(tags, ",")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OlderThan returns sessions that started before the cutoff.
func (s *Store) OlderThan(ctx context.Context, cutoff time.Time) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, trace_file FROM sessions WHERE started_at < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query old sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.SessionID, &rec.TraceFile); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes one session row.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// LatestSessionID returns the most recently started session id, for the
// --continue flag. The boolean is false when the catalog is empty.
func (s *Store) LatestSessionID(ctx context.Context) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query latest session: %w", err)
	}
	return id, true, nil
}
