// Package engine is the quality-gated transition engine. Every state or phase
// change of a work item or task goes through it; each call validates and
// applies its mutation inside one storage transaction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/steveyegge/workgate/internal/blockers"
	"github.com/steveyegge/workgate/internal/deps"
	"github.com/steveyegge/workgate/internal/gates"
	"github.com/steveyegge/workgate/internal/policy"
	"github.com/steveyegge/workgate/internal/storage"
	"github.com/steveyegge/workgate/internal/types"
)

// API is the surface consumed by the CLI and any other caller.
type API interface {
	Transition(ctx context.Context, kind types.EntityKind, id string, action types.Action, params Params) (*types.EntityState, error)
	AddDependency(ctx context.Context, kind types.EntityKind, sourceID, targetID string, depType types.DependencyType, actor string) error
	AddBlocker(ctx context.Context, kind types.EntityKind, ownerID string, source BlockerSource, severity types.BlockerSeverity, actor string) (string, error)
	ResolveBlocker(ctx context.Context, blockerID, reason, actor string) error
	GetPolicy(kind types.EntityKind, typ string) (policy.Rule, error)

	CreateWorkItem(ctx context.Context, req CreateWorkItemRequest) (*types.WorkItem, error)
	CreateTask(ctx context.Context, req CreateTaskRequest) (*types.Task, error)
	UpdateTaskEffort(ctx context.Context, id string, hours float64, overrideReason, actor string) (*types.Task, error)
	UpdateQuality(ctx context.Context, kind types.EntityKind, id string, patch types.QualityPatch, actor string) (*types.QualityMetadata, error)
	RecordReview(ctx context.Context, kind types.EntityKind, id, reviewer string, outcome types.ReviewOutcome) error
	SetBusinessContext(ctx context.Context, id, text, actor string) error
	SetClarification(ctx context.Context, kind types.EntityKind, id string, needed bool, actor string) error
	RecordCoverage(ctx context.Context, report types.CoverageReport, actor string) error

	GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error)
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListWorkItems(ctx context.Context, filter storage.WorkItemFilter) ([]*types.WorkItem, error)
	ListTasks(ctx context.Context, filter storage.TaskFilter) ([]*types.Task, error)
	Blockers(ctx context.Context, kind types.EntityKind, id string) ([]*types.Blocker, error)
	Dependencies(ctx context.Context, kind types.EntityKind, id string) ([]*types.Dependency, error)
	Events(ctx context.Context, kind types.EntityKind, id string, limit int) ([]*types.Event, error)
	Coverage(ctx context.Context) (types.CoverageReport, error)
}

// Verify Engine implements API at compile time
var _ API = (*Engine)(nil)

// CompletionHook runs inside the transaction that moved an entity to
// completed. Hooks must be idempotent.
type CompletionHook interface {
	OnCompleted(ctx context.Context, tx storage.Transaction, kind types.EntityKind, id string) error
}

// Params are the optional inputs of a transition.
type Params struct {
	Actor  string // who is performing the action, recorded in the audit trail
	Agent  string // required by accept; becomes the assignee
	Reason string // required by request_changes and cancel
	// ExpectedVersion, when non-zero, must equal the stored version or the
	// transition fails with ConcurrentModification.
	ExpectedVersion int64
}

// Config holds engine configuration
type Config struct {
	Store storage.Storage
	Gates *gates.Evaluator // Optional: defaults to built-in thresholds

	// CancelledBlocks makes cancelled HARD dependencies keep blocking their
	// dependents. By default they are treated as satisfied with a warning.
	CancelledBlocks bool

	Hooks  []CompletionHook // Optional: run after the blocker cascade
	Logger *slog.Logger     // Optional: defaults to discarding output
}

// Engine applies transitions against a transactional store
type Engine struct {
	store    storage.Storage
	resolver *deps.Resolver
	tracker  *blockers.Tracker
	gates    *gates.Evaluator
	hooks    []CompletionHook
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates an engine. The blocker tracker is always the first completion hook.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	if cfg == nil || cfg.Store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	evaluator := cfg.Gates
	if evaluator == nil {
		var err error
		evaluator, err = gates.NewEvaluator(ctx, &gates.Config{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("failed to create quality gates: %w", err)
		}
	}

	tracker := blockers.NewTracker(logger)
	hooks := append([]CompletionHook{tracker}, cfg.Hooks...)

	return &Engine{
		store:    cfg.Store,
		resolver: deps.NewResolver(!cfg.CancelledBlocks),
		tracker:  tracker,
		gates:    evaluator,
		hooks:    hooks,
		logger:   logger,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}, nil
}

// claim marks an entity as having a write in flight. A second claim on the
// same entity fails until release is called.
func (e *Engine) claim(kind types.EntityKind, id string) (release func(), ok bool) {
	key := string(kind) + "/" + id
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[key]; busy {
		return nil, false
	}
	e.inflight[key] = struct{}{}
	return func() {
		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()
	}, true
}

// exclusive runs fn in a transaction while holding the entity's claim.
func (e *Engine) exclusive(ctx context.Context, kind types.EntityKind, id string, action types.Action, fn func(tx storage.Transaction) error) error {
	release, ok := e.claim(kind, id)
	if !ok {
		return types.NewTransitionError(types.KindConcurrentModification, kind, id, action,
			types.Unmetf(types.CodeEntityBusy, "another change to %s %s is in progress", kind, id))
	}
	defer release()
	return e.store.RunInTransaction(ctx, fn)
}

// subject is the entity a call operates on, loaded inside the transaction
type subject struct {
	kind   types.EntityKind
	entity *types.Entity
	item   *types.WorkItem // set for work items
	task   *types.Task     // set for tasks
}

func (e *Engine) load(ctx context.Context, r storage.Reader, kind types.EntityKind, id string, action types.Action) (*subject, error) {
	s := &subject{kind: kind}
	var err error
	switch kind {
	case types.KindWorkItem:
		s.item, err = r.GetWorkItem(ctx, id)
		if err == nil {
			s.entity = &s.item.Entity
		}
	case types.KindTask:
		s.task, err = r.GetTask(ctx, id)
		if err == nil {
			s.entity = &s.task.Entity
		}
	default:
		return nil, types.NewTransitionError(types.KindInvalidInput, kind, id, action,
			types.Unmetf(types.CodeInvalidValue, "unknown entity kind: %s", kind))
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, types.NewTransitionError(types.KindNotFound, kind, id, action,
			types.Unmetf(types.CodeNotFound, "%s %s not found", kind, id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", kind, id, err)
	}
	return s, nil
}

// write applies update conditioned on the version the subject was loaded at.
func (e *Engine) write(ctx context.Context, tx storage.Transaction, s *subject, action types.Action, update storage.EntityUpdate) error {
	version, err := tx.UpdateEntity(ctx, s.kind, s.entity.ID, s.entity.Version, update)
	if err != nil {
		var conflict *storage.VersionConflictError
		if errors.As(err, &conflict) {
			te := types.NewTransitionError(types.KindConcurrentModification, s.kind, s.entity.ID, action,
				types.Unmetf(types.CodeVersionMismatch, "expected version %d, found %d", conflict.Expected, conflict.Current))
			te.CurrentVersion = conflict.Current
			return te
		}
		return fmt.Errorf("failed to update %s %s: %w", s.kind, s.entity.ID, err)
	}
	s.entity.Version = version
	return nil
}

func (e *Engine) record(ctx context.Context, tx storage.Transaction, s *subject, eventType types.EventType, actor string, oldValue, newValue, comment string) error {
	ev := &types.Event{
		EntityKind: s.kind,
		EntityID:   s.entity.ID,
		EventType:  eventType,
		Actor:      actor,
		CreatedAt:  e.now(),
	}
	if oldValue != "" {
		ev.OldValue = &oldValue
	}
	if newValue != "" {
		ev.NewValue = &newValue
	}
	if comment != "" {
		ev.Comment = &comment
	}
	if err := tx.RecordEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to record %s event: %w", eventType, err)
	}
	return nil
}

func checkVersion(s *subject, action types.Action, expected int64) error {
	if expected == 0 || expected == s.entity.Version {
		return nil
	}
	te := types.NewTransitionError(types.KindConcurrentModification, s.kind, s.entity.ID, action,
		types.Unmetf(types.CodeVersionMismatch, "expected version %d, found %d", expected, s.entity.Version))
	te.CurrentVersion = s.entity.Version
	return te
}

func requireOpen(s *subject, action types.Action) error {
	if s.entity.Status.IsTerminal() {
		return types.NewTransitionError(types.KindInvalidTransition, s.kind, s.entity.ID, action,
			types.Unmetf(types.CodeWrongStatus, "%s %s is %s", s.kind, s.entity.ID, s.entity.Status))
	}
	return nil
}

func actorOr(actor, fallback string) string {
	if actor == "" {
		return fallback
	}
	return actor
}

// GetPolicy returns the structural requirement for a work item type or the
// time-box ceiling for a task type.
func (e *Engine) GetPolicy(kind types.EntityKind, typ string) (policy.Rule, error) {
	rule, err := policy.Lookup(kind, typ)
	if err != nil {
		return nil, types.NewTransitionError(types.KindInvalidInput, kind, "", "",
			types.Unmetf(types.CodeInvalidValue, "%v", err))
	}
	return rule, nil
}
