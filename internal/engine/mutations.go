package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/steveyegge/workgate/internal/policy"
	"github.com/steveyegge/workgate/internal/storage"
	"github.com/steveyegge/workgate/internal/types"
)

// CreateWorkItemRequest describes a new work item
type CreateWorkItemRequest struct {
	Title           string             `validate:"required,nonblank,max=500"`
	Description     string             `validate:"max=10000"`
	Type            types.WorkItemType `validate:"required"`
	BusinessContext string
	Actor           string
}

// CreateTaskRequest describes a new task under an existing work item
type CreateTaskRequest struct {
	WorkItemID  string         `validate:"required"`
	Title       string         `validate:"required,nonblank,max=500"`
	Description string         `validate:"max=10000"`
	Type        types.TaskType `validate:"required"`
	EffortHours float64        `validate:"finite,gte=0"`
	// OverrideReason justifies an estimate above a non-strict ceiling
	OverrideReason string
	Actor          string
}

func invalidInput(kind types.EntityKind, id string, err error) error {
	return types.NewTransitionError(types.KindInvalidInput, kind, id, "",
		types.Unmetf(types.CodeInvalidValue, "%v", err))
}

// CreateWorkItem creates a work item in status proposed and phase discovery.
func (e *Engine) CreateWorkItem(ctx context.Context, req CreateWorkItemRequest) (*types.WorkItem, error) {
	if err := types.ValidateStruct(req); err != nil {
		return nil, invalidInput(types.KindWorkItem, "", err)
	}
	if !req.Type.IsValid() {
		return nil, invalidInput(types.KindWorkItem, "", fmt.Errorf("invalid work item type: %s", req.Type))
	}

	item := &types.WorkItem{
		Entity: types.Entity{
			Title:       strings.TrimSpace(req.Title),
			Description: req.Description,
			Status:      types.StatusProposed,
		},
		Type:            req.Type,
		Phase:           types.PhaseDiscovery,
		BusinessContext: req.BusinessContext,
	}
	err := e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CreateWorkItem(ctx, item, actorOr(req.Actor, "system"))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create work item: %w", err)
	}
	e.logger.Info("work item created", "id", item.ID, "type", item.Type)
	return item, nil
}

// CreateTask creates a task in status proposed. The estimate must respect the
// time-box ceiling of the task type; an override reason admits an estimate
// above a non-strict ceiling and is recorded in the audit trail.
func (e *Engine) CreateTask(ctx context.Context, req CreateTaskRequest) (*types.Task, error) {
	if err := types.ValidateStruct(req); err != nil {
		return nil, invalidInput(types.KindTask, "", err)
	}
	if !req.Type.IsValid() {
		return nil, invalidInput(types.KindTask, "", fmt.Errorf("invalid task type: %s", req.Type))
	}

	actor := actorOr(req.Actor, "system")
	override := e.effortOverride(req.OverrideReason, actor)
	if err := policy.CheckTimeBox(req.Type, req.EffortHours, override); err != nil {
		return nil, err
	}
	overrideUsed := override != nil && exceedsCeiling(req.Type, req.EffortHours)

	task := &types.Task{
		Entity: types.Entity{
			Title:       strings.TrimSpace(req.Title),
			Description: req.Description,
			Status:      types.StatusProposed,
		},
		WorkItemID:  req.WorkItemID,
		Type:        req.Type,
		EffortHours: req.EffortHours,
	}
	if overrideUsed {
		task.EffortOverride = override
	}

	err := e.exclusive(ctx, types.KindWorkItem, req.WorkItemID, "", func(tx storage.Transaction) error {
		parent, err := e.load(ctx, tx, types.KindWorkItem, req.WorkItemID, "")
		if err != nil {
			return err
		}
		if err := requireOpen(parent, ""); err != nil {
			return err
		}
		if err := tx.CreateTask(ctx, task, actor); err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}
		if overrideUsed {
			s := &subject{kind: types.KindTask, entity: &task.Entity, task: task}
			return e.record(ctx, tx, s, types.EventEffortOverride, actor, "", fmt.Sprintf("%g", task.EffortHours), override.Reason)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("task created", "id", task.ID, "work_item", task.WorkItemID, "type", task.Type, "effort_hours", task.EffortHours)
	return task, nil
}

// UpdateTaskEffort re-estimates an open task under the same time-box rules as creation.
func (e *Engine) UpdateTaskEffort(ctx context.Context, id string, hours float64, overrideReason, actor string) (*types.Task, error) {
	if err := types.CheckEffortHours(hours); err != nil {
		return nil, invalidInput(types.KindTask, id, err)
	}
	actor = actorOr(actor, "system")

	var task *types.Task
	err := e.exclusive(ctx, types.KindTask, id, "", func(tx storage.Transaction) error {
		s, err := e.load(ctx, tx, types.KindTask, id, "")
		if err != nil {
			return err
		}
		if err := requireOpen(s, ""); err != nil {
			return err
		}
		override := e.effortOverride(overrideReason, actor)
		if err := policy.CheckTimeBox(s.task.Type, hours, override); err != nil {
			return identify(err, s, "")
		}

		update := storage.EntityUpdate{EffortHours: &hours}
		overrideUsed := override != nil && exceedsCeiling(s.task.Type, hours)
		if overrideUsed {
			update.EffortOverride = override
		}
		old := s.task.EffortHours
		if err := e.write(ctx, tx, s, "", update); err != nil {
			return err
		}
		s.task.EffortHours = hours
		if overrideUsed {
			s.task.EffortOverride = override
		}

		if err := e.record(ctx, tx, s, types.EventEffortChanged, actor, fmt.Sprintf("%g", old), fmt.Sprintf("%g", hours), ""); err != nil {
			return err
		}
		if overrideUsed {
			if err := e.record(ctx, tx, s, types.EventEffortOverride, actor, "", fmt.Sprintf("%g", hours), override.Reason); err != nil {
				return err
			}
		}
		task = s.task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (e *Engine) effortOverride(reason, actor string) *types.EffortOverride {
	if blank(reason) {
		return nil
	}
	return &types.EffortOverride{Reason: strings.TrimSpace(reason), Actor: actor, At: e.now()}
}

func exceedsCeiling(t types.TaskType, hours float64) bool {
	ceiling, err := policy.CeilingFor(t)
	return err == nil && hours > ceiling.MaxHours
}

// UpdateQuality applies a partial update to an open entity's quality metadata
// and returns the new metadata. Review fields change only through RecordReview
// and request_changes.
func (e *Engine) UpdateQuality(ctx context.Context, kind types.EntityKind, id string, patch types.QualityPatch, actor string) (*types.QualityMetadata, error) {
	if err := types.ValidateStruct(patch); err != nil {
		return nil, invalidInput(kind, id, err)
	}
	if patch.IsEmpty() {
		return nil, invalidInput(kind, id, fmt.Errorf("quality update changes nothing"))
	}

	var out *types.QualityMetadata
	err := e.exclusive(ctx, kind, id, "", func(tx storage.Transaction) error {
		s, err := e.load(ctx, tx, kind, id, "")
		if err != nil {
			return err
		}
		if err := requireOpen(s, ""); err != nil {
			return err
		}
		q, err := patch.Apply(s.entity.Quality)
		if err != nil {
			return invalidInput(kind, id, err)
		}
		if err := q.Validate(); err != nil {
			return invalidInput(kind, id, err)
		}
		if err := e.write(ctx, tx, s, "", storage.EntityUpdate{Quality: &q}); err != nil {
			return err
		}
		data, err := json.Marshal(patch)
		if err != nil {
			return fmt.Errorf("failed to marshal quality patch: %w", err)
		}
		if err := e.record(ctx, tx, s, types.EventQualityUpdated, actorOr(actor, "system"), "", string(data), ""); err != nil {
			return err
		}
		out = &q
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordReview stores a reviewer's verdict on an entity that is in review.
func (e *Engine) RecordReview(ctx context.Context, kind types.EntityKind, id, reviewer string, outcome types.ReviewOutcome) error {
	if blank(reviewer) {
		return types.NewTransitionError(types.KindMissingParameter, kind, id, "",
			types.Unmetf(types.CodeParameterRequired, "a reviewer is required"))
	}
	if outcome != types.ReviewApproved && outcome != types.ReviewChangesRequested {
		return invalidInput(kind, id, fmt.Errorf("review outcome must be approved or changes_requested (got %q)", outcome))
	}

	return e.exclusive(ctx, kind, id, "", func(tx storage.Transaction) error {
		s, err := e.load(ctx, tx, kind, id, "")
		if err != nil {
			return err
		}
		if s.entity.Status != types.StatusReview {
			return types.NewTransitionError(types.KindInvalidTransition, kind, id, "",
				types.Unmetf(types.CodeWrongStatus, "reviews are recorded in review, %s %s is %s", kind, id, s.entity.Status))
		}
		if s.entity.Assignee != "" && s.entity.Assignee == reviewer {
			e.logger.Warn("reviewer is also the assignee", "kind", kind, "id", id, "reviewer", reviewer)
		}

		now := e.now()
		q := s.entity.Quality
		old := string(q.ReviewOutcome)
		q.ReviewOutcome = outcome
		q.Reviewer = reviewer
		q.ReviewedAt = &now
		q.Version++
		if err := e.write(ctx, tx, s, "", storage.EntityUpdate{Quality: &q}); err != nil {
			return err
		}
		return e.record(ctx, tx, s, types.EventReviewRecorded, reviewer, old, string(outcome), "")
	})
}

// SetBusinessContext records the business context a work item needs to leave discovery.
func (e *Engine) SetBusinessContext(ctx context.Context, id, text, actor string) error {
	if blank(text) {
		return types.NewTransitionError(types.KindMissingParameter, types.KindWorkItem, id, "",
			types.Unmetf(types.CodeParameterRequired, "business context cannot be blank"))
	}
	return e.exclusive(ctx, types.KindWorkItem, id, "", func(tx storage.Transaction) error {
		s, err := e.load(ctx, tx, types.KindWorkItem, id, "")
		if err != nil {
			return err
		}
		if err := requireOpen(s, ""); err != nil {
			return err
		}
		text := strings.TrimSpace(text)
		if err := e.write(ctx, tx, s, "", storage.EntityUpdate{BusinessContext: &text}); err != nil {
			return err
		}
		return e.record(ctx, tx, s, types.EventUpdated, actorOr(actor, "system"), "", "business_context", "")
	})
}

// SetClarification raises or clears the needs-clarification flag, which blocks accept while set.
func (e *Engine) SetClarification(ctx context.Context, kind types.EntityKind, id string, needed bool, actor string) error {
	return e.exclusive(ctx, kind, id, "", func(tx storage.Transaction) error {
		s, err := e.load(ctx, tx, kind, id, "")
		if err != nil {
			return err
		}
		if err := requireOpen(s, ""); err != nil {
			return err
		}
		if s.entity.NeedsClarification == needed {
			return nil
		}
		if err := e.write(ctx, tx, s, "", storage.EntityUpdate{NeedsClarification: &needed}); err != nil {
			return err
		}
		return e.record(ctx, tx, s, types.EventUpdated, actorOr(actor, "system"),
			fmt.Sprintf("needs_clarification=%t", !needed), fmt.Sprintf("needs_clarification=%t", needed), "")
	})
}

// RecordCoverage replaces the stored codebase-wide coverage for each category in report.
func (e *Engine) RecordCoverage(ctx context.Context, report types.CoverageReport, actor string) error {
	if len(report) == 0 {
		return invalidInput("", "", fmt.Errorf("coverage report is empty"))
	}
	for category, pct := range report {
		if !category.IsValid() {
			return invalidInput("", "", fmt.Errorf("unknown coverage category: %s", category))
		}
		if pct < 0 || pct > 100 {
			return invalidInput("", "", fmt.Errorf("coverage for %s must be between 0 and 100 (got %v)", category, pct))
		}
	}
	return e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		for _, category := range types.CoverageCategories {
			pct, ok := report[category]
			if !ok {
				continue
			}
			if err := tx.SetCoverage(ctx, category, pct, actorOr(actor, "system")); err != nil {
				return fmt.Errorf("failed to record coverage: %w", err)
			}
		}
		return nil
	})
}

// GetWorkItem returns a work item by ID.
func (e *Engine) GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error) {
	s, err := e.load(ctx, e.store, types.KindWorkItem, id, "")
	if err != nil {
		return nil, err
	}
	return s.item, nil
}

// GetTask returns a task by ID.
func (e *Engine) GetTask(ctx context.Context, id string) (*types.Task, error) {
	s, err := e.load(ctx, e.store, types.KindTask, id, "")
	if err != nil {
		return nil, err
	}
	return s.task, nil
}

func (e *Engine) ListWorkItems(ctx context.Context, filter storage.WorkItemFilter) ([]*types.WorkItem, error) {
	return e.store.ListWorkItems(ctx, filter)
}

func (e *Engine) ListTasks(ctx context.Context, filter storage.TaskFilter) ([]*types.Task, error) {
	return e.store.ListTasks(ctx, filter)
}

func (e *Engine) Blockers(ctx context.Context, kind types.EntityKind, id string) ([]*types.Blocker, error) {
	return e.store.GetBlockers(ctx, kind, id)
}

func (e *Engine) Dependencies(ctx context.Context, kind types.EntityKind, id string) ([]*types.Dependency, error) {
	return e.store.GetDependencies(ctx, kind, id)
}

// Events returns the audit trail of an entity, newest first.
func (e *Engine) Events(ctx context.Context, kind types.EntityKind, id string, limit int) ([]*types.Event, error) {
	return e.store.GetEvents(ctx, kind, id, limit)
}

func (e *Engine) Coverage(ctx context.Context) (types.CoverageReport, error) {
	return e.store.GetCoverage(ctx)
}
