// Package eventlog persists dispatch-engine lifecycle events (dispatch,
// merge, conflict, orphan recovery, cleanup) to a SQLite database in WAL
// mode. The log is append-only and purely observational: losing a write
// must never affect task state, so callers ignore Append errors.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// schemaDDL defines the event table.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    project_id TEXT,
    task_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS events_task_idx ON events(task_id);
CREATE INDEX IF NOT EXISTS events_type_idx ON events(type);
`

// Event is one row of the dispatch event log.
type Event struct {
	ID        int64
	Type      string
	ProjectID string
	TaskID    string
	Payload   string
	CreatedAt time.Time
}

// Log is an append-and-query handle on the event database.
type Log struct {
	db *sql.DB
}

// Open opens (creating if needed) the event database at dbPath.
func Open(dbPath string) (*Log, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open event db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init event schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("close event db: %w", err)
	}
	return nil
}

// Append records one event.
func (l *Log) Append(ctx context.Context, evType, projectID, taskID, payload string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (type, project_id, task_id, payload) VALUES (?, ?, ?, ?)`,
		evType, projectID, taskID, payload)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// QueryOpts filters Recent results.
type QueryOpts struct {
	TaskID    string // restrict to one task
	ProjectID string // restrict to one project
	Type      string // restrict to one event type
	Limit     int    // 0 means a default of 50
}

// Recent returns matching events, newest first.
func (l *Log) Recent(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query := `SELECT id, type, COALESCE(project_id,''), COALESCE(task_id,''), COALESCE(payload,''), created_at FROM events WHERE 1=1`
	var args []any
	if opts.TaskID != "" {
		query += " AND task_id = ?"
		args = append(args, opts.TaskID)
	}
	if opts.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, opts.ProjectID)
	}
	if opts.Type != "" {
		query += " AND type = ?"
		args = append(args, opts.Type)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.Type, &e.ProjectID, &e.TaskID, &e.Payload, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ts, perr := time.Parse("2006-01-02 15:04:05", created); perr == nil {
			e.CreatedAt = ts
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
