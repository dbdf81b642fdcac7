package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/workgate/internal/types"
)

const dependencyColumns = `kind, source_id, target_id, type, created_at, created_by`

func (r *reader) queryDependencies(ctx context.Context, op, query string, args ...interface{}) ([]*types.Dependency, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError(op, err)
	}
	defer func() { _ = rows.Close() }()

	var deps []*types.Dependency
	for rows.Next() {
		var d types.Dependency
		var createdAt string
		if err := rows.Scan(&d.Kind, &d.SourceID, &d.TargetID, &d.Type, &createdAt, &d.CreatedBy); err != nil {
			return nil, wrapDBError(op, err)
		}
		d.CreatedAt = parseTimeString(createdAt)
		deps = append(deps, &d)
	}
	return deps, rows.Err()
}

// GetDependencies returns the edges where sourceID is the dependent
func (r *reader) GetDependencies(ctx context.Context, kind types.EntityKind, sourceID string) ([]*types.Dependency, error) {
	return r.queryDependencies(ctx, "get dependencies",
		`SELECT `+dependencyColumns+` FROM dependencies WHERE kind = ? AND source_id = ? ORDER BY created_at, target_id`,
		kind, sourceID)
}

// GetDependents returns the edges where targetID is the prerequisite
func (r *reader) GetDependents(ctx context.Context, kind types.EntityKind, targetID string) ([]*types.Dependency, error) {
	return r.queryDependencies(ctx, "get dependents",
		`SELECT `+dependencyColumns+` FROM dependencies WHERE kind = ? AND target_id = ? ORDER BY created_at, source_id`,
		kind, targetID)
}

// GetHardEdges returns every HARD edge of one kind
func (r *reader) GetHardEdges(ctx context.Context, kind types.EntityKind) ([]*types.Dependency, error) {
	return r.queryDependencies(ctx, "get hard edges",
		`SELECT `+dependencyColumns+` FROM dependencies WHERE kind = ? AND type = ? ORDER BY source_id, target_id`,
		kind, types.DepHard)
}

// AddDependency inserts an edge. Cycle checks are the caller's responsibility.
func (t *sqliteTx) AddDependency(ctx context.Context, dep *types.Dependency) error {
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = time.Now()
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO dependencies (kind, source_id, target_id, type, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?)
	`, dep.Kind, dep.SourceID, dep.TargetID, dep.Type, formatTime(dep.CreatedAt), dep.CreatedBy)
	if err != nil {
		return wrapDBErrorf(err, "add dependency %s -> %s", dep.SourceID, dep.TargetID)
	}

	comment := fmt.Sprintf("Added %s dependency on %s", dep.Type, dep.TargetID)
	return t.RecordEvent(ctx, &types.Event{
		EntityKind: dep.Kind,
		EntityID:   dep.SourceID,
		EventType:  types.EventDependencyAdded,
		Actor:      dep.CreatedBy,
		Comment:    &comment,
	})
}

const blockerColumns = `id, owner_kind, owner_id, source, ref_kind, ref_id, description, severity,
	status, resolution_reason, resolved_by, created_at, resolved_at`

func scanBlocker(row rowScanner) (*types.Blocker, error) {
	var b types.Blocker
	var refKind, refID, resolvedAt sql.NullString
	var createdAt string
	err := row.Scan(
		&b.ID, &b.OwnerKind, &b.OwnerID, &b.Source, &refKind, &refID, &b.Description, &b.Severity,
		&b.Status, &b.ResolutionReason, &b.ResolvedBy, &createdAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	b.RefKind = types.EntityKind(refKind.String)
	b.RefID = refID.String
	b.CreatedAt = parseTimeString(createdAt)
	b.ResolvedAt = parseNullableTimeString(resolvedAt)
	return &b, nil
}

func (r *reader) queryBlockers(ctx context.Context, op, query string, args ...interface{}) ([]*types.Blocker, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError(op, err)
	}
	defer func() { _ = rows.Close() }()

	var blockers []*types.Blocker
	for rows.Next() {
		b, err := scanBlocker(rows)
		if err != nil {
			return nil, wrapDBError(op, err)
		}
		blockers = append(blockers, b)
	}
	return blockers, rows.Err()
}

// GetBlocker retrieves a blocker by ID
func (r *reader) GetBlocker(ctx context.Context, id string) (*types.Blocker, error) {
	b, err := scanBlocker(r.q.QueryRowContext(ctx, `SELECT `+blockerColumns+` FROM blockers WHERE id = ?`, id))
	if err != nil {
		return nil, wrapDBErrorf(err, "get blocker %s", id)
	}
	return b, nil
}

// GetBlockers returns every blocker attached to an owner, open and resolved
func (r *reader) GetBlockers(ctx context.Context, ownerKind types.EntityKind, ownerID string) ([]*types.Blocker, error) {
	return r.queryBlockers(ctx, "get blockers",
		`SELECT `+blockerColumns+` FROM blockers WHERE owner_kind = ? AND owner_id = ? ORDER BY created_at, id`,
		ownerKind, ownerID)
}

// GetOpenBlockersReferencing returns open internal blockers whose referent is refID
func (r *reader) GetOpenBlockersReferencing(ctx context.Context, refKind types.EntityKind, refID string) ([]*types.Blocker, error) {
	return r.queryBlockers(ctx, "get referencing blockers",
		`SELECT `+blockerColumns+` FROM blockers
		 WHERE source = ? AND ref_kind = ? AND ref_id = ? AND status = ?
		 ORDER BY created_at, id`,
		types.BlockerInternal, refKind, refID, types.BlockerOpen)
}

// AddBlocker inserts a blocker, generating a UUID when ID is empty
func (t *sqliteTx) AddBlocker(ctx context.Context, b *types.Blocker, actor string) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	if b.Status == "" {
		b.Status = types.BlockerOpen
	}
	if err := b.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	_, err := t.q.ExecContext(ctx, `
		INSERT INTO blockers (
			id, owner_kind, owner_id, source, ref_kind, ref_id, description, severity,
			status, resolution_reason, resolved_by, created_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID, b.OwnerKind, b.OwnerID, b.Source, nullString(string(b.RefKind)), nullString(b.RefID), b.Description, b.Severity,
		b.Status, b.ResolutionReason, b.ResolvedBy, formatTime(b.CreatedAt), formatNullableTime(b.ResolvedAt),
	)
	if err != nil {
		return wrapDBErrorf(err, "add blocker to %s %s", b.OwnerKind, b.OwnerID)
	}

	newValue := b.ID
	comment := blockerSummary(b)
	return t.RecordEvent(ctx, &types.Event{
		EntityKind: b.OwnerKind,
		EntityID:   b.OwnerID,
		EventType:  types.EventBlockerAdded,
		Actor:      actor,
		NewValue:   &newValue,
		Comment:    &comment,
	})
}

// ResolveBlocker flips an open blocker to resolved. Already-resolved blockers
// are left untouched and reported with false.
func (t *sqliteTx) ResolveBlocker(ctx context.Context, id, reason, resolvedBy string, at time.Time) (bool, error) {
	b, err := t.GetBlocker(ctx, id)
	if err != nil {
		return false, err
	}
	if b.Status == types.BlockerResolved {
		return false, nil
	}

	result, err := t.q.ExecContext(ctx, `
		UPDATE blockers SET status = ?, resolution_reason = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, types.BlockerResolved, reason, resolvedBy, formatTime(at), id, types.BlockerOpen)
	if err != nil {
		return false, wrapDBErrorf(err, "resolve blocker %s", id)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	oldValue := string(types.BlockerOpen)
	newValue := string(types.BlockerResolved)
	comment := fmt.Sprintf("Resolved blocker %s: %s", id, reason)
	if err := t.RecordEvent(ctx, &types.Event{
		EntityKind: b.OwnerKind,
		EntityID:   b.OwnerID,
		EventType:  types.EventBlockerResolved,
		Actor:      resolvedBy,
		OldValue:   &oldValue,
		NewValue:   &newValue,
		Comment:    &comment,
	}); err != nil {
		return false, err
	}
	return true, nil
}

func blockerSummary(b *types.Blocker) string {
	if b.Source == types.BlockerInternal {
		return fmt.Sprintf("%s blocker on %s %s", b.Severity, b.RefKind, b.RefID)
	}
	return fmt.Sprintf("%s external blocker: %s", b.Severity, b.Description)
}
