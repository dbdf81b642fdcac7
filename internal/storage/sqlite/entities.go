package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/workgate/internal/storage"
	"github.com/steveyegge/workgate/internal/types"
)

// reader implements storage.Reader over any querier
type reader struct {
	q querier
}

const workItemColumns = `id, title, description, type, status, phase, business_context,
	assignee, needs_clarification, quality, version, created_at, updated_at, closed_at, close_reason`

const taskColumns = `id, work_item_id, title, description, type, status, effort_hours, effort_override,
	assignee, needs_clarification, quality, version, created_at, updated_at, closed_at, close_reason`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkItem(row rowScanner) (*types.WorkItem, error) {
	var w types.WorkItem
	var quality, createdAt, updatedAt string
	var closedAt sql.NullString

	err := row.Scan(
		&w.ID, &w.Title, &w.Description, &w.Type, &w.Status, &w.Phase, &w.BusinessContext,
		&w.Assignee, &w.NeedsClarification, &quality, &w.Version, &createdAt, &updatedAt, &closedAt, &w.CloseReason,
	)
	if err != nil {
		return nil, err
	}

	w.Kind = types.KindWorkItem
	w.CreatedAt = parseTimeString(createdAt)
	w.UpdatedAt = parseTimeString(updatedAt)
	w.ClosedAt = parseNullableTimeString(closedAt)
	if err := unmarshalJSON(quality, &w.Quality); err != nil {
		return nil, fmt.Errorf("work item %s: %w", w.ID, err)
	}
	return &w, nil
}

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	var quality, createdAt, updatedAt string
	var closedAt, override sql.NullString

	err := row.Scan(
		&t.ID, &t.WorkItemID, &t.Title, &t.Description, &t.Type, &t.Status, &t.EffortHours, &override,
		&t.Assignee, &t.NeedsClarification, &quality, &t.Version, &createdAt, &updatedAt, &closedAt, &t.CloseReason,
	)
	if err != nil {
		return nil, err
	}

	t.Kind = types.KindTask
	t.CreatedAt = parseTimeString(createdAt)
	t.UpdatedAt = parseTimeString(updatedAt)
	t.ClosedAt = parseNullableTimeString(closedAt)
	if err := unmarshalJSON(quality, &t.Quality); err != nil {
		return nil, fmt.Errorf("task %s: %w", t.ID, err)
	}
	if override.Valid && override.String != "" {
		t.EffortOverride = &types.EffortOverride{}
		if err := unmarshalJSON(override.String, t.EffortOverride); err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

// GetWorkItem retrieves a work item by ID. Missing IDs return storage.ErrNotFound.
func (r *reader) GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id)
	w, err := scanWorkItem(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get work item %s", id)
	}
	return w, nil
}

// GetTask retrieves a task by ID. Missing IDs return storage.ErrNotFound.
func (r *reader) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get task %s", id)
	}
	return t, nil
}

// ListWorkItems returns work items matching filter, oldest first
func (r *reader) ListWorkItems(ctx context.Context, filter storage.WorkItemFilter) ([]*types.WorkItem, error) {
	whereClauses := []string{}
	args := []interface{}{}

	if filter.Status != nil {
		whereClauses = append(whereClauses, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.Type != nil {
		whereClauses = append(whereClauses, "type = ?")
		args = append(args, *filter.Type)
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = "WHERE " + strings.Join(whereClauses, " AND ")
	}
	limitSQL := ""
	if filter.Limit > 0 {
		limitSQL = fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := r.q.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM work_items %s ORDER BY created_at ASC, id ASC %s
	`, workItemColumns, whereSQL, limitSQL), args...)
	if err != nil {
		return nil, wrapDBError("list work items", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*types.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, wrapDBError("scan work item", err)
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

// ListTasks returns tasks matching filter, oldest first
func (r *reader) ListTasks(ctx context.Context, filter storage.TaskFilter) ([]*types.Task, error) {
	whereClauses := []string{}
	args := []interface{}{}

	if filter.WorkItemID != "" {
		whereClauses = append(whereClauses, "work_item_id = ?")
		args = append(args, filter.WorkItemID)
	}
	if filter.Status != nil {
		whereClauses = append(whereClauses, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.Type != nil {
		whereClauses = append(whereClauses, "type = ?")
		args = append(args, *filter.Type)
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	rows, err := r.q.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM tasks %s ORDER BY created_at ASC, id ASC
	`, taskColumns, whereSQL), args...)
	if err != nil {
		return nil, wrapDBError("list tasks", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, wrapDBError("scan task", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// nextID atomically increments the counter for prefix and returns "prefix-N".
// Callers must hold the write lock (BEGIN IMMEDIATE).
func nextID(ctx context.Context, q querier, prefix string) (string, error) {
	var n int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO id_counters (prefix, last_id) VALUES (?, 1)
		ON CONFLICT(prefix) DO UPDATE SET last_id = last_id + 1
		RETURNING last_id
	`, prefix).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("failed to generate next ID for prefix %s: %w", prefix, err)
	}
	return fmt.Sprintf("%s-%d", prefix, n), nil
}

// CreateWorkItem creates a new work item within the transaction
func (t *sqliteTx) CreateWorkItem(ctx context.Context, item *types.WorkItem, actor string) error {
	now := time.Now()
	item.Kind = types.KindWorkItem
	item.CreatedAt = now
	item.UpdatedAt = now
	item.Version = 1
	if item.Status == "" {
		item.Status = types.StatusProposed
	}
	if item.Phase == "" {
		item.Phase = types.PhaseDiscovery
	}

	if err := item.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if item.ID == "" {
		id, err := nextID(ctx, t.q, workItemPrefix)
		if err != nil {
			return err
		}
		item.ID = id
	}

	quality, err := marshalJSON(item.Quality)
	if err != nil {
		return err
	}

	_, err = t.q.ExecContext(ctx, `
		INSERT INTO work_items (
			id, title, description, type, status, phase, business_context,
			assignee, needs_clarification, quality, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID, item.Title, item.Description, item.Type, item.Status, item.Phase, item.BusinessContext,
		item.Assignee, item.NeedsClarification, quality, item.Version, formatTime(now), formatTime(now),
	)
	if err != nil {
		return wrapDBError("insert work item", err)
	}

	return t.recordCreated(ctx, types.KindWorkItem, item.ID, actor, item)
}

// CreateTask creates a new task within the transaction.
// The owning work item must exist.
func (t *sqliteTx) CreateTask(ctx context.Context, task *types.Task, actor string) error {
	now := time.Now()
	task.Kind = types.KindTask
	task.CreatedAt = now
	task.UpdatedAt = now
	task.Version = 1
	if task.Status == "" {
		task.Status = types.StatusProposed
	}

	if err := task.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if _, err := t.GetWorkItem(ctx, task.WorkItemID); err != nil {
		return err
	}

	if task.ID == "" {
		id, err := nextID(ctx, t.q, taskPrefix)
		if err != nil {
			return err
		}
		task.ID = id
	}

	quality, err := marshalJSON(task.Quality)
	if err != nil {
		return err
	}
	var override interface{}
	if task.EffortOverride != nil {
		s, err := marshalJSON(task.EffortOverride)
		if err != nil {
			return err
		}
		override = s
	}

	_, err = t.q.ExecContext(ctx, `
		INSERT INTO tasks (
			id, work_item_id, title, description, type, status, effort_hours, effort_override,
			assignee, needs_clarification, quality, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID, task.WorkItemID, task.Title, task.Description, task.Type, task.Status, task.EffortHours, override,
		task.Assignee, task.NeedsClarification, quality, task.Version, formatTime(now), formatTime(now),
	)
	if err != nil {
		return wrapDBError("insert task", err)
	}

	return t.recordCreated(ctx, types.KindTask, task.ID, actor, task)
}

func (t *sqliteTx) recordCreated(ctx context.Context, kind types.EntityKind, id, actor string, entity interface{}) error {
	data, err := marshalJSON(entity)
	if err != nil {
		return err
	}
	return t.RecordEvent(ctx, &types.Event{
		EntityKind: kind,
		EntityID:   id,
		EventType:  types.EventCreated,
		Actor:      actor,
		NewValue:   &data,
	})
}

// Allowed columns per kind for UpdateEntity
var allowedUpdateFields = map[types.EntityKind]map[string]bool{
	types.KindWorkItem: {
		"title": true, "description": true, "status": true, "assignee": true,
		"needs_clarification": true, "quality": true, "closed_at": true, "close_reason": true,
		"phase": true, "business_context": true,
	},
	types.KindTask: {
		"title": true, "description": true, "status": true, "assignee": true,
		"needs_clarification": true, "quality": true, "closed_at": true, "close_reason": true,
		"effort_hours": true, "effort_override": true,
	},
}

func tableFor(kind types.EntityKind) (string, error) {
	switch kind {
	case types.KindWorkItem:
		return "work_items", nil
	case types.KindTask:
		return "tasks", nil
	}
	return "", fmt.Errorf("invalid entity kind: %s", kind)
}

// columns converts an EntityUpdate to column assignments in a stable order
func columns(update storage.EntityUpdate) ([]string, []interface{}, error) {
	var cols []string
	var args []interface{}
	add := func(col string, v interface{}) {
		cols = append(cols, col)
		args = append(args, v)
	}

	if update.Title != nil {
		if len(*update.Title) == 0 || len(*update.Title) > 500 {
			return nil, nil, fmt.Errorf("title must be 1-500 characters")
		}
		add("title", *update.Title)
	}
	if update.Description != nil {
		add("description", *update.Description)
	}
	if update.Status != nil {
		if !update.Status.IsValid() {
			return nil, nil, fmt.Errorf("invalid status: %s", *update.Status)
		}
		add("status", *update.Status)
	}
	if update.Assignee != nil {
		add("assignee", *update.Assignee)
	}
	if update.NeedsClarification != nil {
		add("needs_clarification", *update.NeedsClarification)
	}
	if update.Quality != nil {
		if err := update.Quality.Validate(); err != nil {
			return nil, nil, err
		}
		q, err := marshalJSON(update.Quality)
		if err != nil {
			return nil, nil, err
		}
		add("quality", q)
	}
	if update.ClosedAt != nil {
		add("closed_at", formatTime(*update.ClosedAt))
	}
	if update.CloseReason != nil {
		add("close_reason", *update.CloseReason)
	}
	if update.Phase != nil {
		if !update.Phase.IsValid() {
			return nil, nil, fmt.Errorf("invalid phase: %s", *update.Phase)
		}
		add("phase", *update.Phase)
	}
	if update.BusinessContext != nil {
		add("business_context", *update.BusinessContext)
	}
	if update.EffortHours != nil {
		if *update.EffortHours < 0 {
			return nil, nil, fmt.Errorf("effort_hours cannot be negative")
		}
		add("effort_hours", *update.EffortHours)
	}
	if update.EffortOverride != nil {
		o, err := marshalJSON(update.EffortOverride)
		if err != nil {
			return nil, nil, err
		}
		add("effort_override", o)
	}
	return cols, args, nil
}

// UpdateEntity applies a version-checked partial update
func (t *sqliteTx) UpdateEntity(ctx context.Context, kind types.EntityKind, id string, expectedVersion int64, update storage.EntityUpdate) (int64, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}

	cols, args, err := columns(update)
	if err != nil {
		return 0, fmt.Errorf("invalid update for %s %s: %w", kind, id, err)
	}
	if len(cols) == 0 {
		return 0, fmt.Errorf("empty update for %s %s", kind, id)
	}

	setClauses := []string{"updated_at = ?", "version = version + 1"}
	allArgs := []interface{}{formatTime(time.Now())}
	for i, col := range cols {
		// Prevent SQL injection by validating column names
		if !allowedUpdateFields[kind][col] {
			return 0, fmt.Errorf("invalid field for %s update: %s", kind, col)
		}
		setClauses = append(setClauses, col+" = ?")
		allArgs = append(allArgs, args[i])
	}
	allArgs = append(allArgs, id, expectedVersion)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND version = ? RETURNING version",
		table, strings.Join(setClauses, ", "))

	var newVersion int64
	err = t.q.QueryRowContext(ctx, query, allArgs...).Scan(&newVersion)
	if err == nil {
		return newVersion, nil
	}
	if err != sql.ErrNoRows {
		return 0, wrapDBErrorf(err, "update %s %s", kind, id)
	}

	// No row matched: either the entity is missing or the version moved
	var current int64
	err = t.q.QueryRowContext(ctx, fmt.Sprintf("SELECT version FROM %s WHERE id = ?", table), id).Scan(&current)
	if err != nil {
		return 0, wrapDBErrorf(err, "update %s %s", kind, id)
	}
	return 0, &storage.VersionConflictError{Kind: kind, ID: id, Expected: expectedVersion, Current: current}
}
