// Package migrations applies a versioned, append-only schema history to a
// SQLite database and records every applied step in a ledger table.
package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// ledgerTable records applied steps, one row per version
const ledgerTable = "schema_migrations"

// Step is one schema change. Up is applied going forward; Down undoes it.
type Step struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// checksum fingerprints Up so edits to an applied step are detected.
func (s Step) checksum() string {
	sum := sha256.Sum256([]byte(s.Up))
	return hex.EncodeToString(sum[:8])
}

// Plan is an ordered, gap-free schema history starting at version 1.
type Plan struct {
	steps []Step
}

// NewPlan sorts steps by version and checks that versions run 1..n with no
// duplicates or gaps.
func NewPlan(steps ...Step) (*Plan, error) {
	sorted := append([]Step(nil), steps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	for i, s := range sorted {
		if s.Version != i+1 {
			return nil, fmt.Errorf("schema step versions must run 1..%d without gaps or duplicates (found %d at position %d)",
				len(sorted), s.Version, i+1)
		}
		if s.Up == "" {
			return nil, fmt.Errorf("schema step %d (%s) has no Up SQL", s.Version, s.Name)
		}
	}
	return &Plan{steps: sorted}, nil
}

// MustPlan is NewPlan for package-level schema definitions.
func MustPlan(steps ...Step) *Plan {
	p, err := NewPlan(steps...)
	if err != nil {
		panic(err)
	}
	return p
}

// Target returns the version the plan brings a database to.
func (p *Plan) Target() int {
	return len(p.steps)
}

// Apply runs every step above the database's current version, each in its own
// transaction together with its ledger row, and returns the versions applied.
// A step already applied with a different checksum is reported as drift.
func (p *Plan) Apply(ctx context.Context, db *sql.DB) ([]int, error) {
	if err := ensureLedger(ctx, db); err != nil {
		return nil, err
	}
	applied, err := appliedChecksums(ctx, db)
	if err != nil {
		return nil, err
	}

	var ran []int
	for _, s := range p.steps {
		if sum, ok := applied[s.Version]; ok {
			if sum != s.checksum() {
				return ran, fmt.Errorf("schema step %d (%s) was changed after it was applied", s.Version, s.Name)
			}
			continue
		}
		if err := inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, s.Up); err != nil {
				return fmt.Errorf("failed to execute step SQL: %w", err)
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO "+ledgerTable+" (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)",
				s.Version, s.Name, s.checksum(), time.Now().UTC().Format(time.RFC3339Nano))
			return err
		}); err != nil {
			return ran, fmt.Errorf("failed to apply schema step %d (%s): %w", s.Version, s.Name, err)
		}
		ran = append(ran, s.Version)
	}
	return ran, nil
}

// Revert undoes applied steps, newest first, until the database is at version target.
func (p *Plan) Revert(ctx context.Context, db *sql.DB, target int) error {
	current, err := CurrentVersion(ctx, db)
	if err != nil {
		return err
	}
	if target < 0 || target > current {
		return fmt.Errorf("cannot revert from version %d to %d", current, target)
	}
	for v := current; v > target; v-- {
		if v > len(p.steps) {
			return fmt.Errorf("database is at version %d, newer than this plan (%d)", current, len(p.steps))
		}
		s := p.steps[v-1]
		if err := inTx(ctx, db, func(tx *sql.Tx) error {
			if s.Down != "" {
				if _, err := tx.ExecContext(ctx, s.Down); err != nil {
					return fmt.Errorf("failed to execute revert SQL: %w", err)
				}
			}
			_, err := tx.ExecContext(ctx, "DELETE FROM "+ledgerTable+" WHERE version = ?", s.Version)
			return err
		}); err != nil {
			return fmt.Errorf("failed to revert schema step %d (%s): %w", s.Version, s.Name, err)
		}
	}
	return nil
}

// CurrentVersion returns the highest applied version, or 0 for a fresh database.
func CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM "+ledgerTable).Scan(&version)
	if err != nil {
		// No ledger yet
		var n int
		if qerr := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", ledgerTable,
		).Scan(&n); qerr == nil && n == 0 {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func ensureLedger(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+ledgerTable+` (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		checksum TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", ledgerTable, err)
	}
	return nil
}

func appliedChecksums(ctx context.Context, db *sql.DB) (map[int]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT version, checksum FROM "+ledgerTable)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ledgerTable, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int]string)
	for rows.Next() {
		var v int
		var sum string
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", ledgerTable, err)
		}
		out[v] = sum
	}
	return out, rows.Err()
}

func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
