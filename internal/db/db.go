// Package db is the queryable audit-trail index: one row per session and
// one per audit event, kept in SQLite for the dashboard and CLI listings.
// The JSON session files remain the source of truth; writes here are
// best-effort.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to the SQLite audit-trail database.
type DB struct {
	conn *sql.DB
}

// SessionRow is the per-session index record.
type SessionRow struct {
	ID               string
	LoopID           string
	CreatedAt        string
	UpdatedAt        string
	CurrentLoop      int
	IsComplete       bool
	CompletionReason string
	LastScore        int
	LastVerdict      string
}

// EventRow records one audit: score, verdict, timing, and how it resolved.
type EventRow struct {
	ID            int64
	SessionID     string
	ThoughtNumber int
	Overall       int
	Verdict       string
	DurationMs    int64
	CacheHit      bool
	ErrorKind     string
	CreatedAt     string
}

// Open creates a connection and applies all pending migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	migrations, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrations)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// UpsertSession inserts or refreshes the index row for a session.
func (d *DB) UpsertSession(row *SessionRow) error {
	_, err := d.conn.Exec(`INSERT INTO audit_sessions
		(id, loop_id, created_at, updated_at, current_loop, is_complete, completion_reason, last_score, last_verdict)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			loop_id = excluded.loop_id,
			updated_at = excluded.updated_at,
			current_loop = excluded.current_loop,
			is_complete = excluded.is_complete,
			completion_reason = excluded.completion_reason,
			last_score = excluded.last_score,
			last_verdict = excluded.last_verdict`,
		row.ID, row.LoopID, row.CreatedAt, row.UpdatedAt, row.CurrentLoop,
		boolInt(row.IsComplete), row.CompletionReason, row.LastScore, row.LastVerdict)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", row.ID, err)
	}
	return nil
}

// InsertEvent records one audit event.
func (d *DB) InsertEvent(ev *EventRow) (int64, error) {
	if ev.CreatedAt == "" {
		ev.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	res, err := d.conn.Exec(`INSERT INTO audit_events
		(session_id, thought_number, overall, verdict, duration_ms, cache_hit, error_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.ThoughtNumber, ev.Overall, ev.Verdict, ev.DurationMs,
		boolInt(ev.CacheHit), ev.ErrorKind, ev.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

// ListSessions returns the most recently updated sessions, newest first.
func (d *DB) ListSessions(limit int) ([]*SessionRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.conn.Query(`SELECT id, loop_id, created_at, updated_at, current_loop,
		is_complete, completion_reason, last_score, last_verdict
		FROM audit_sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []*SessionRow
	for rows.Next() {
		var r SessionRow
		var complete int
		if err := rows.Scan(&r.ID, &r.LoopID, &r.CreatedAt, &r.UpdatedAt, &r.CurrentLoop,
			&complete, &r.CompletionReason, &r.LastScore, &r.LastVerdict); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		r.IsComplete = complete != 0
		out = append(out, &r)
	}
	return out, rows.Err()
}

// GetSession returns the index row for id, or nil when absent.
func (d *DB) GetSession(id string) (*SessionRow, error) {
	var r SessionRow
	var complete int
	err := d.conn.QueryRow(`SELECT id, loop_id, created_at, updated_at, current_loop,
		is_complete, completion_reason, last_score, last_verdict
		FROM audit_sessions WHERE id = ?`, id).Scan(
		&r.ID, &r.LoopID, &r.CreatedAt, &r.UpdatedAt, &r.CurrentLoop,
		&complete, &r.CompletionReason, &r.LastScore, &r.LastVerdict)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	r.IsComplete = complete != 0
	return &r, nil
}

// ListEvents returns a session's audit events, oldest first.
func (d *DB) ListEvents(sessionID string, limit int) ([]*EventRow, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := d.conn.Query(`SELECT id, session_id, thought_number, overall, verdict,
		duration_ms, cache_hit, error_kind, created_at
		FROM audit_events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []*EventRow
	for rows.Next() {
		var e EventRow
		var hit int
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ThoughtNumber, &e.Overall, &e.Verdict,
			&e.DurationMs, &hit, &e.ErrorKind, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CacheHit = hit != 0
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteSession removes a session's index row and its events.
func (d *DB) DeleteSession(id string) error {
	if _, err := d.conn.Exec(`DELETE FROM audit_events WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete events for %s: %w", id, err)
	}
	if _, err := d.conn.Exec(`DELETE FROM audit_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
