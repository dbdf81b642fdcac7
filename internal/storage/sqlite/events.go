package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/workgate/internal/types"
)

// RecordEvent appends an audit trail entry
func (t *sqliteTx) RecordEvent(ctx context.Context, e *types.Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	result, err := t.q.ExecContext(ctx, `
		INSERT INTO events (entity_kind, entity_id, event_type, actor, old_value, new_value, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.EntityKind, e.EntityID, e.EventType, e.Actor, e.OldValue, e.NewValue, e.Comment, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// GetEvents returns the audit trail for one entity, newest first.
// A limit of 0 returns everything.
func (r *reader) GetEvents(ctx context.Context, kind types.EntityKind, id string, limit int) ([]*types.Event, error) {
	query := `
		SELECT id, entity_kind, entity_id, event_type, actor, old_value, new_value, comment, created_at
		FROM events
		WHERE entity_kind = ? AND entity_id = ?
		ORDER BY id DESC
	`
	args := []interface{}{kind, id}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("get events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.Event
	for rows.Next() {
		var e types.Event
		var oldValue, newValue, comment sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, &e.EntityKind, &e.EntityID, &e.EventType, &e.Actor,
			&oldValue, &newValue, &comment, &createdAt); err != nil {
			return nil, wrapDBError("scan event", err)
		}
		if oldValue.Valid {
			e.OldValue = &oldValue.String
		}
		if newValue.Valid {
			e.NewValue = &newValue.String
		}
		if comment.Valid {
			e.Comment = &comment.String
		}
		e.CreatedAt = parseTimeString(createdAt)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// GetConfig gets a configuration value. Missing keys return "".
func (r *reader) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.q.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapDBErrorf(err, "get config %s", key)
	}
	return value, nil
}

// SetConfig sets a configuration value
func (t *sqliteTx) SetConfig(ctx context.Context, key, value string) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	return wrapDBErrorf(err, "set config %s", key)
}

// GetCoverage returns the latest recorded coverage per category
func (r *reader) GetCoverage(ctx context.Context) (types.CoverageReport, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT category, percent FROM coverage`)
	if err != nil {
		return nil, wrapDBError("get coverage", err)
	}
	defer func() { _ = rows.Close() }()

	report := types.CoverageReport{}
	for rows.Next() {
		var category types.CoverageCategory
		var percent float64
		if err := rows.Scan(&category, &percent); err != nil {
			return nil, wrapDBError("scan coverage", err)
		}
		report[category] = percent
	}
	return report, rows.Err()
}

// SetCoverage records the codebase-wide coverage for one category
func (t *sqliteTx) SetCoverage(ctx context.Context, category types.CoverageCategory, percent float64, actor string) error {
	if !category.IsValid() {
		return fmt.Errorf("invalid coverage category: %s", category)
	}
	if percent < 0 || percent > 100 {
		return fmt.Errorf("coverage percent must be between 0 and 100 (got %v)", percent)
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO coverage (category, percent, recorded_at, recorded_by) VALUES (?, ?, ?, ?)
		ON CONFLICT (category) DO UPDATE SET
			percent = excluded.percent,
			recorded_at = excluded.recorded_at,
			recorded_by = excluded.recorded_by
	`, category, percent, formatTime(time.Now()), actor)
	return wrapDBErrorf(err, "set coverage %s", category)
}
