package engine

import (
	"context"
	"fmt"

	"github.com/steveyegge/workgate/internal/policy"
	"github.com/steveyegge/workgate/internal/storage"
	"github.com/steveyegge/workgate/internal/types"
)

// advance moves a work item to its next phase. The target phase must be
// permitted by the current status and its entry criterion must hold.
func (e *Engine) advance(ctx context.Context, tx storage.Transaction, s *subject, p Params) (*types.EntityState, error) {
	if s.kind != types.KindWorkItem {
		return nil, types.NewTransitionError(types.KindInvalidInput, s.kind, s.entity.ID, types.ActionAdvance,
			types.Unmetf(types.CodeInvalidValue, "only work items have phases"))
	}
	item := s.item

	if _, frozen := types.MaxPhaseFor(item.Status); frozen {
		return nil, types.NewTransitionError(types.KindInvalidTransition, s.kind, item.ID, types.ActionAdvance,
			types.Unmetf(types.CodeWrongStatus, "phase of a %s work item is frozen", item.Status))
	}
	step, ok := NextPhase(item.Phase)
	if !ok {
		return nil, types.NewTransitionError(types.KindInvalidTransition, s.kind, item.ID, types.ActionAdvance,
			types.Unmetf(types.CodePhaseNotPermitted, "%s is the final phase", item.Phase))
	}
	if !types.PhasePermitted(item.Status, step.To) {
		return nil, types.NewTransitionError(types.KindInvalidTransition, s.kind, item.ID, types.ActionAdvance,
			types.Unmetf(types.CodePhaseNotPermitted, "phase %s is not permitted while status is %s", step.To, item.Status))
	}

	unmet, err := e.phaseCriterion(ctx, tx, item, step.Criterion)
	if err != nil {
		return nil, err
	}
	if len(unmet) > 0 {
		return nil, types.NewTransitionError(types.KindStructuralViolation, s.kind, item.ID, types.ActionAdvance, unmet...)
	}

	from := item.Phase
	if err := e.write(ctx, tx, s, types.ActionAdvance, storage.EntityUpdate{Phase: &step.To}); err != nil {
		return nil, err
	}
	item.Phase = step.To
	if err := e.record(ctx, tx, s, types.EventPhaseChanged, actorOr(p.Actor, "system"), string(from), string(step.To), p.Reason); err != nil {
		return nil, err
	}
	return s.state(types.ActionAdvance, nil), nil
}

func (e *Engine) phaseCriterion(ctx context.Context, tx storage.Transaction, item *types.WorkItem, c Criterion) ([]types.UnmetCriterion, error) {
	switch c {
	case CriterionBusinessContext:
		if blank(item.BusinessContext) {
			return []types.UnmetCriterion{types.Unmetf(types.CodeBusinessContextMissing,
				"business context is required to leave %s", types.PhaseDiscovery)}, nil
		}
		return nil, nil

	case CriterionRequiredTaskTypes:
		children, err := tx.ListTasks(ctx, storage.TaskFilter{WorkItemID: item.ID})
		if err != nil {
			return nil, fmt.Errorf("failed to list tasks: %w", err)
		}
		missing, err := policy.MissingTaskTypes(item.Type, children)
		if err != nil {
			return nil, fmt.Errorf("failed to check structure: %w", err)
		}
		var unmet []types.UnmetCriterion
		for _, t := range missing {
			unmet = append(unmet, types.Unmetf(types.CodeMissingTaskType,
				"%s work item requires at least one %s task", item.Type, t))
		}
		return unmet, nil

	case CriterionChildrenComplete:
		children, err := tx.ListTasks(ctx, storage.TaskFilter{WorkItemID: item.ID})
		if err != nil {
			return nil, fmt.Errorf("failed to list tasks: %w", err)
		}
		var unmet []types.UnmetCriterion
		active := 0
		for _, child := range children {
			if child.Status == types.StatusCancelled {
				continue
			}
			active++
			if child.Status != types.StatusCompleted {
				unmet = append(unmet, types.Unmetf(types.CodeChildrenIncomplete,
					"task %s is %s", child.ID, child.Status))
			}
		}
		if active == 0 {
			unmet = append(unmet, types.Unmetf(types.CodeChildrenIncomplete, "work item has no active tasks"))
		}
		return unmet, nil

	case CriterionStatusCompleted:
		// Enforced by the phase/status bound checked before the criterion
		return nil, nil
	}
	return nil, fmt.Errorf("unknown phase criterion: %s", c)
}
