package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/axewatch/internal/dbopen"
	"github.com/hazyhaar/axewatch/violation"
)

// Violation statuses.
const (
	StatusOpen     = "open"
	StatusNew      = "new"
	StatusResolved = "resolved"
)

// Run is one stored scan.
type Run struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	PageID     string `json:"page_id"`
	PageURL    string `json:"page_url"`
	Target     string `json:"target"`
	Initial    bool   `json:"initial"`
	Violations int    `json:"violations"`
	Added      int    `json:"added"`
	Removed    int    `json:"removed"`
	Critical   int    `json:"critical"`
	Serious    int    `json:"serious"`
	Moderate   int    `json:"moderate"`
	Minor      int    `json:"minor"`
	CreatedAt  int64  `json:"created_at"`
}

// Violation is one stored violation of a run.
type Violation struct {
	RuleID      string              `json:"rule_id"`
	Impact      violation.Impact    `json:"impact"`
	Status      string              `json:"status"`
	Help        string              `json:"help"`
	HelpURL     string              `json:"help_url"`
	Description string              `json:"description"`
	Nodes       []violation.NodeRef `json:"nodes"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	PageID string
	// Limit caps the result. Default 50, maximum 500.
	Limit int
}

// SaveReport stores a report and its violations in one transaction.
func (s *Store) SaveReport(ctx context.Context, r violation.Report) error {
	counts := r.CountByImpact()
	created := r.Timestamp
	if created == 0 {
		created = time.Now().UnixMilli()
	}
	added := make(map[string]bool, len(r.Added))
	for _, a := range r.Added {
		added[a.Key()] = true
	}

	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_runs
				(id, session_id, page_id, page_url, target, initial, violations, added, removed,
				 critical, serious, moderate, minor, created_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			r.ID, r.SessionID, r.PageID, r.PageURL, r.Target, boolInt(r.Initial),
			len(r.Violations), len(r.Added), len(r.Removed),
			counts[violation.ImpactCritical], counts[violation.ImpactSerious],
			counts[violation.ImpactModerate], counts[violation.ImpactMinor], created,
		)
		if err != nil {
			return fmt.Errorf("store: insert run: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO audit_violations
				(run_id, rule_id, impact, status, help, help_url, description, nodes, node_count)
			VALUES (?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			return fmt.Errorf("store: prepare violation: %w", err)
		}
		defer stmt.Close()

		insert := func(v violation.Record, status string) error {
			nodes, err := json.Marshal(v.Nodes)
			if err != nil {
				return err
			}
			_, err = stmt.ExecContext(ctx, r.ID, v.RuleID, string(v.Impact), status,
				v.Help, v.HelpURL, v.Description, string(nodes), len(v.Nodes))
			if err != nil {
				return fmt.Errorf("store: insert violation %s: %w", v.RuleID, err)
			}
			return nil
		}
		for _, v := range r.Violations {
			status := StatusOpen
			if added[v.Key()] {
				status = StatusNew
			}
			if err := insert(v, status); err != nil {
				return err
			}
		}
		for _, v := range r.Removed {
			if err := insert(v, StatusResolved); err != nil {
				return err
			}
		}
		return nil
	})
}

const runColumns = `id, session_id, page_id, page_url, target, initial, violations, added, removed,
	critical, serious, moderate, minor, created_at`

// ListRuns returns runs, newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]*Run, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	limit = min(limit, 500)

	var where []string
	var args []any
	if f.PageID != "" {
		where = append(where, "page_id = ?")
		args = append(args, f.PageID)
	}
	q := "SELECT " + runColumns + " FROM audit_runs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// GetRun returns a run by id, or nil when it does not exist.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.DB.QueryRowContext(ctx, "SELECT "+runColumns+" FROM audit_runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// RunViolations returns the violations stored for a run: current ones
// first, resolved ones last.
func (s *Store) RunViolations(ctx context.Context, runID string) ([]*Violation, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT rule_id, impact, status, help, help_url, description, nodes
		FROM audit_violations
		WHERE run_id = ?
		ORDER BY status = 'resolved', id`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: run violations: %w", err)
	}
	defer rows.Close()

	var out []*Violation
	for rows.Next() {
		v := &Violation{}
		var impact, nodes string
		if err := rows.Scan(&v.RuleID, &impact, &v.Status, &v.Help, &v.HelpURL, &v.Description, &nodes); err != nil {
			return nil, fmt.Errorf("store: scan violation: %w", err)
		}
		v.Impact = violation.Impact(impact)
		if err := json.Unmarshal([]byte(nodes), &v.Nodes); err != nil {
			return nil, fmt.Errorf("store: decode nodes: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Prune deletes runs created before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, "DELETE FROM audit_runs WHERE created_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	r := &Run{}
	var initial int
	err := row.Scan(&r.ID, &r.SessionID, &r.PageID, &r.PageURL, &r.Target, &initial,
		&r.Violations, &r.Added, &r.Removed, &r.Critical, &r.Serious, &r.Moderate, &r.Minor, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan run: %w", err)
	}
	r.Initial = initial != 0
	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
