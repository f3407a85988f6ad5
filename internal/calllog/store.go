// Package calllog keeps an append-only audit trail of tool and resource
// calls routed through the host. Each row records which server handled
// the call, how long it took and how it failed, if it did. The store is
// plugged into the host as its [mcp.CallRecorder].
package calllog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mcphost/internal/mcp"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one audited call.
type Record struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Server     string    `json:"server"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind"` // "tool" or "resource"
	DurationMS int64     `json:"duration_ms"`
	ErrorKind  string    `json:"error_kind,omitempty"` // empty on success
	Error      string    `json:"error,omitempty"`
}

// Summary aggregates calls for a single server/name pair.
type Summary struct {
	Server        string    `json:"server"`
	Name          string    `json:"name"`
	Calls         int       `json:"calls"`
	Errors        int       `json:"errors"`
	AvgDurationMS float64   `json:"avg_duration_ms"`
	LastCall      time.Time `json:"last_call"`
}

// Store is a SQLite-backed call log. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a call log on an open database, creating the schema
// on first use. The caller owns db.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate call log: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		server      TEXT NOT NULL,
		name        TEXT NOT NULL,
		kind        TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		error_kind  TEXT NOT NULL DEFAULT '',
		error       TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_timestamp ON tool_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_server_name ON tool_calls(server, name);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a call record. If rec.ID is empty, a UUIDv7 is
// generated; a zero Timestamp becomes now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate call record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, timestamp, server, name, kind, duration_ms, error_kind, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timeLayout),
		rec.Server,
		rec.Name,
		rec.Kind,
		rec.DurationMS,
		rec.ErrorKind,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// RecordCall implements [mcp.CallRecorder].
func (s *Store) RecordCall(ctx context.Context, rec mcp.CallRecord) error {
	r := Record{
		Timestamp:  rec.Started,
		Server:     rec.Server,
		Name:       rec.Name,
		Kind:       rec.Kind,
		DurationMS: rec.Duration.Milliseconds(),
	}
	if rec.Err != nil {
		r.ErrorKind = mcp.ErrorKind(rec.Err)
		r.Error = rec.Err.Error()
	}
	return s.Record(ctx, r)
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, server, name, kind, duration_ms, error_kind, error
		 FROM tool_calls
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts string
		if err := rows.Scan(&rec.ID, &ts, &rec.Server, &rec.Name, &rec.Kind, &rec.DurationMS, &rec.ErrorKind, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		rec.Timestamp, _ = time.Parse(timeLayout, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summaries aggregates calls made at or after since, grouped by server
// and name, busiest first.
func (s *Store) Summaries(ctx context.Context, since time.Time) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server, name, COUNT(*),
		        COALESCE(SUM(CASE WHEN error_kind != '' THEN 1 ELSE 0 END), 0),
		        COALESCE(AVG(duration_ms), 0),
		        MAX(timestamp)
		 FROM tool_calls
		 WHERE timestamp >= ?
		 GROUP BY server, name
		 ORDER BY COUNT(*) DESC, server, name`,
		since.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query call summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var last string
		if err := rows.Scan(&sum.Server, &sum.Name, &sum.Calls, &sum.Errors, &sum.AvgDurationMS, &last); err != nil {
			return nil, fmt.Errorf("scan call summary: %w", err)
		}
		sum.LastCall, _ = time.Parse(timeLayout, last)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Prune deletes records older than before and returns how many were
// removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_calls WHERE timestamp < ?`,
		before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune call log: %w", err)
	}
	return res.RowsAffected()
}
