package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/workgate/internal/types"
)

// Sentinel errors shared by storage backends
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates an optimistic version check failed
	ErrVersionConflict = errors.New("version conflict")

	// ErrDuplicate indicates a unique constraint violation
	ErrDuplicate = errors.New("duplicate record")
)

// VersionConflictError reports the version actually stored when a conditional write lost.
type VersionConflictError struct {
	Kind     types.EntityKind
	ID       string
	Expected int64
	Current  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s %s: expected version %d, found %d", e.Kind, e.ID, e.Expected, e.Current)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	WorkItemID string
	Status     *types.Status
	Type       *types.TaskType
}

// WorkItemFilter narrows ListWorkItems. Zero values match everything.
type WorkItemFilter struct {
	Status *types.Status
	Type   *types.WorkItemType
	Limit  int
}

// EntityUpdate is a partial write to a work item or task.
// Nil fields are left unchanged. Fields that do not apply to the kind are rejected.
type EntityUpdate struct {
	Title              *string
	Description        *string
	Status             *types.Status
	Assignee           *string
	NeedsClarification *bool
	Quality            *types.QualityMetadata
	ClosedAt           *time.Time
	CloseReason        *string

	// Work items only
	Phase           *types.Phase
	BusinessContext *string

	// Tasks only
	EffortHours    *float64
	EffortOverride *types.EffortOverride
}

// Reader is the read side shared by Storage and Transaction.
type Reader interface {
	// Entities
	GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error)
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]*types.WorkItem, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error)

	// Dependencies
	GetDependencies(ctx context.Context, kind types.EntityKind, sourceID string) ([]*types.Dependency, error)
	GetDependents(ctx context.Context, kind types.EntityKind, targetID string) ([]*types.Dependency, error)
	GetHardEdges(ctx context.Context, kind types.EntityKind) ([]*types.Dependency, error)

	// Blockers
	GetBlocker(ctx context.Context, id string) (*types.Blocker, error)
	GetBlockers(ctx context.Context, ownerKind types.EntityKind, ownerID string) ([]*types.Blocker, error)
	GetOpenBlockersReferencing(ctx context.Context, refKind types.EntityKind, refID string) ([]*types.Blocker, error)

	// Coverage
	GetCoverage(ctx context.Context) (types.CoverageReport, error)

	// Events
	GetEvents(ctx context.Context, kind types.EntityKind, id string, limit int) ([]*types.Event, error)

	// Config
	GetConfig(ctx context.Context, key string) (string, error)
}

// Transaction provides atomic read-modify-write access inside RunInTransaction.
// Every method runs on the transaction's connection; nothing is visible to
// other readers until the callback returns nil and the commit succeeds.
type Transaction interface {
	Reader

	// CreateWorkItem assigns an ID when empty and records a created event.
	CreateWorkItem(ctx context.Context, item *types.WorkItem, actor string) error
	// CreateTask assigns an ID when empty and records a created event.
	CreateTask(ctx context.Context, task *types.Task, actor string) error

	// UpdateEntity applies update only if the stored version equals expectedVersion,
	// then increments the version and returns it. A mismatch returns a
	// *VersionConflictError. Callers record their own audit events.
	UpdateEntity(ctx context.Context, kind types.EntityKind, id string, expectedVersion int64, update EntityUpdate) (int64, error)

	// AddDependency inserts the edge and records a dependency_added event.
	// A duplicate edge returns ErrDuplicate.
	AddDependency(ctx context.Context, dep *types.Dependency) error

	// AddBlocker assigns an ID when empty and records a blocker_added event.
	AddBlocker(ctx context.Context, blocker *types.Blocker, actor string) error
	// ResolveBlocker flips an open blocker to resolved and records a blocker_resolved event.
	// It returns false without writing when the blocker is already resolved.
	ResolveBlocker(ctx context.Context, id, reason, resolvedBy string, at time.Time) (bool, error)

	SetCoverage(ctx context.Context, category types.CoverageCategory, percent float64, actor string) error
	RecordEvent(ctx context.Context, event *types.Event) error
	SetConfig(ctx context.Context, key, value string) error
}

// Storage is a transactional entity store.
type Storage interface {
	Reader

	// RunInTransaction executes fn atomically. If fn returns an error or panics,
	// every write made through tx is rolled back.
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Path returns the database location (":memory:" for in-memory stores).
	Path() string

	// Lifecycle
	Close() error
}

// GetEntity loads the common fields of a work item or task.
func GetEntity(ctx context.Context, r Reader, kind types.EntityKind, id string) (*types.Entity, error) {
	switch kind {
	case types.KindWorkItem:
		item, err := r.GetWorkItem(ctx, id)
		if err != nil {
			return nil, err
		}
		return &item.Entity, nil
	case types.KindTask:
		task, err := r.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		return &task.Entity, nil
	default:
		return nil, fmt.Errorf("unknown entity kind: %s", kind)
	}
}
