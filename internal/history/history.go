// Package history persists progress events in an embedded SQLite database.
//
// Every event the sync engine reports (transfer progress, failures,
// cancellations, completions) is appended to a single events table so the
// CLI can show what happened after the fact.
//
// Architecture:
//   - Database file: ~/.local/share/gardensync/history.db (configurable)
//   - WAL mode: the node appends while `history` reads
//   - Schema: events(id, transfer_id, peer_id, type, message, created_at)
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/mschirtzinger/gardensync/internal/progress"
)

// DB wraps the history database connection.
type DB struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
}

// Open opens (creating if needed) the history database at path and
// ensures its schema exists.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{
		conn:   conn,
		path:   path,
		logger: log.New(os.Stderr, "[history] ", log.LstdFlags),
	}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// SetLogger replaces the logger used by Sink.
func (db *DB) SetLogger(logger *log.Logger) {
	db.logger = logger
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

func (db *DB) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		transfer_id TEXT NOT NULL DEFAULT '',
		peer_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL CHECK(type IN ('info', 'error', 'complete', 'cancelled')),
		message TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
	CREATE INDEX IF NOT EXISTS idx_events_transfer ON events(transfer_id);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Record appends one event.
func (db *DB) Record(ctx context.Context, e progress.Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO events (transfer_id, peer_id, type, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.TransferID, e.PeerID, string(e.Type), e.Message, e.Time.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Sink returns a progress sink that records every event, logging failures.
func (db *DB) Sink() progress.Sink {
	return func(e progress.Event) {
		if err := db.Record(context.Background(), e); err != nil {
			db.logger.Printf("%v", err)
		}
	}
}

// Filter narrows List.
type Filter struct {
	Since      time.Time
	TransferID string
	Types      []progress.Type
	Limit      int
}

// List returns matching events, oldest first.
func (db *DB) List(ctx context.Context, f Filter) ([]progress.Event, error) {
	var (
		where []string
		args  []any
	)
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if f.TransferID != "" {
		where = append(where, "transfer_id = ?")
		args = append(args, f.TransferID)
	}
	if len(f.Types) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(f.Types)), ", ")
		where = append(where, "type IN ("+marks+")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}

	query := `SELECT id, transfer_id, peer_id, type, message, created_at FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		// Keep the newest Limit rows while preserving ascending order
		query = fmt.Sprintf(`SELECT * FROM (%s) ORDER BY created_at DESC, id DESC LIMIT %d`, query, f.Limit)
		query = fmt.Sprintf(`SELECT * FROM (%s) ORDER BY created_at, id`, query)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []progress.Event
	for rows.Next() {
		var (
			e       progress.Event
			id      int64
			typ     string
			created int64
		)
		if err := rows.Scan(&id, &e.TransferID, &e.PeerID, &typ, &e.Message, &created); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = progress.Type(typ)
		e.Time = time.UnixMilli(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes events older than before and returns how many went.
func (db *DB) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// ParseSince interprets a --since value relative to now. It accepts
// RFC 3339 timestamps, Go durations ("90m" meaning 90 minutes ago) and
// natural language ("yesterday", "last monday", "3 days ago").
func ParseSince(expr string, now time.Time) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, expr); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(expr); err == nil {
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(expr, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", expr, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid time %q", expr)
	}
	return r.Time, nil
}
