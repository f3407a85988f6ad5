// Package approvals persists tools the user has approved for automatic
// execution. Approvals granted at a confirmation prompt land here and
// survive restarts without rewriting the config file.
package approvals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Approval is a single approved tool.
type Approval struct {
	Tool       string    `json:"tool"` // qualified "server/tool"
	ApprovedAt time.Time `json:"approved_at"`
}

// Store is a SQLite-backed approval set. It implements
// [mcp.ApprovalStore].
type Store struct {
	db *sql.DB
}

// NewStore creates an approval store on an open database, running
// migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate approvals: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tool_approvals (
			tool        TEXT PRIMARY KEY,
			approved_at TEXT NOT NULL
		)
	`)
	return err
}

// Approve records tool as approved. Approving twice keeps the original
// timestamp.
func (s *Store) Approve(ctx context.Context, tool string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tool_approvals (tool, approved_at) VALUES (?, ?)`,
		tool, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("approve %s: %w", tool, err)
	}
	return nil
}

// Revoke removes an approval. Revoking an unknown tool is a no-op.
func (s *Store) Revoke(ctx context.Context, tool string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tool_approvals WHERE tool = ?`, tool)
	if err != nil {
		return fmt.Errorf("revoke %s: %w", tool, err)
	}
	return nil
}

// IsApproved reports whether tool has been approved.
func (s *Store) IsApproved(ctx context.Context, tool string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM tool_approvals WHERE tool = ?`, tool,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", tool, err)
	}
	return true, nil
}

// List returns every approval ordered by tool name.
func (s *Store) List(ctx context.Context) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool, approved_at FROM tool_approvals ORDER BY tool`,
	)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		var a Approval
		var ts string
		if err := rows.Scan(&a.Tool, &ts); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		a.ApprovedAt, _ = time.Parse(time.RFC3339, ts)
		out = append(out, a)
	}
	return out, rows.Err()
}
