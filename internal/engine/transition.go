package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/steveyegge/workgate/internal/blockers"
	"github.com/steveyegge/workgate/internal/gates"
	"github.com/steveyegge/workgate/internal/policy"
	"github.com/steveyegge/workgate/internal/storage"
	"github.com/steveyegge/workgate/internal/types"
)

// change is the validated effect of a status action
type change struct {
	update   storage.EntityUpdate
	warnings []string
}

// targetStatus maps each status action to the status it produces.
var targetStatus = map[types.Action]types.Status{
	types.ActionValidate:       types.StatusValidated,
	types.ActionAccept:         types.StatusAccepted,
	types.ActionStart:          types.StatusInProgress,
	types.ActionSubmitReview:   types.StatusReview,
	types.ActionRequestChanges: types.StatusInProgress,
	types.ActionApprove:        types.StatusCompleted,
	types.ActionCancel:         types.StatusCancelled,
}

// Transition validates and applies action to an entity. On success the
// returned state reflects the committed post-state; on failure nothing is
// written and the error is a *types.TransitionError listing every unmet
// precondition that could be determined.
//
// next resolves to the single forward action for the current status.
// advance moves a work item to its next phase.
func (e *Engine) Transition(ctx context.Context, kind types.EntityKind, id string, action types.Action, params Params) (*types.EntityState, error) {
	if !kind.IsValid() {
		return nil, types.NewTransitionError(types.KindInvalidInput, kind, id, action,
			types.Unmetf(types.CodeInvalidValue, "unknown entity kind: %s", kind))
	}
	if !action.IsValid() {
		return nil, types.NewTransitionError(types.KindInvalidInput, kind, id, action,
			types.Unmetf(types.CodeInvalidValue, "unknown action: %s", action))
	}

	var state *types.EntityState
	err := e.exclusive(ctx, kind, id, action, func(tx storage.Transaction) error {
		s, err := e.load(ctx, tx, kind, id, action)
		if err != nil {
			return err
		}
		if err := checkVersion(s, action, params.ExpectedVersion); err != nil {
			return err
		}

		resolved := action
		if action == types.ActionNext {
			step, ok := NextStep(kind, s.entity.Status)
			if !ok {
				return types.NewTransitionError(types.KindInvalidTransition, kind, id, action,
					types.Unmetf(types.CodeWrongStatus, "no next action from %s", s.entity.Status))
			}
			if missing := missingParams(step.RequiredParams, params); len(missing) > 0 {
				te := types.NewTransitionError(types.KindAmbiguousTransition, kind, id, action)
				for _, m := range missing {
					te.Unmet = append(te.Unmet, types.Unmetf(types.CodeParameterRequired,
						"next resolves to %s, which requires %s", step.Action, m))
				}
				return te
			}
			resolved = step.Action
		}

		if resolved == types.ActionAdvance {
			state, err = e.advance(ctx, tx, s, params)
		} else {
			state, err = e.applyStatus(ctx, tx, s, resolved, params)
		}
		return err
	})
	if err != nil {
		e.logger.Debug("transition rejected",
			"kind", kind, "id", id, "action", action, "error_kind", types.KindOf(err), "error", err)
		return nil, err
	}

	e.logger.Info("transition applied",
		"kind", kind, "id", id, "action", state.Action, "status", state.Status, "version", state.Version)
	for _, w := range state.Warnings {
		e.logger.Warn("transition warning", "kind", kind, "id", id, "warning", w)
	}
	return state, nil
}

func (e *Engine) applyStatus(ctx context.Context, tx storage.Transaction, s *subject, action types.Action, p Params) (*types.EntityState, error) {
	from := s.entity.Status
	to := targetStatus[action]
	if !from.CanTransitionTo(to) {
		return nil, types.NewTransitionError(types.KindInvalidTransition, s.kind, s.entity.ID, action,
			types.Unmetf(types.CodeWrongStatus, "%s is not allowed from %s", action, from))
	}

	var (
		ch  *change
		err error
	)
	switch action {
	case types.ActionValidate:
		ch, err = e.validate(ctx, tx, s)
	case types.ActionAccept:
		ch, err = e.accept(s, p)
	case types.ActionStart:
		ch, err = e.start(ctx, tx, s)
	case types.ActionSubmitReview:
		ch, err = e.submitReview(s)
	case types.ActionRequestChanges:
		ch, err = e.requestChanges(s, p)
	case types.ActionApprove:
		ch, err = e.approve(ctx, tx, s)
	case types.ActionCancel:
		ch, err = e.cancel(ctx, tx, s, p)
	default:
		return nil, fmt.Errorf("unhandled action: %s", action)
	}
	if err != nil {
		return nil, err
	}

	ch.update.Status = &to
	if err := e.write(ctx, tx, s, action, ch.update); err != nil {
		return nil, err
	}
	s.entity.Status = to

	actor := actorOr(actorOr(p.Actor, p.Agent), "system")
	if err := e.record(ctx, tx, s, types.EventStatusChanged, actor, string(from), string(to), p.Reason); err != nil {
		return nil, err
	}

	if to == types.StatusCompleted {
		for _, hook := range e.hooks {
			if err := hook.OnCompleted(ctx, tx, s.kind, s.entity.ID); err != nil {
				return nil, fmt.Errorf("completion hook failed: %w", err)
			}
		}
	}

	return s.state(action, ch.warnings), nil
}

func (e *Engine) validate(ctx context.Context, tx storage.Transaction, s *subject) (*change, error) {
	switch s.kind {
	case types.KindWorkItem:
		children, err := tx.ListTasks(ctx, storage.TaskFilter{WorkItemID: s.entity.ID})
		if err != nil {
			return nil, fmt.Errorf("failed to list tasks: %w", err)
		}
		missing, err := policy.MissingTaskTypes(s.item.Type, children)
		if err != nil {
			return nil, fmt.Errorf("failed to check structure: %w", err)
		}
		if len(missing) > 0 {
			te := types.NewTransitionError(types.KindStructuralViolation, s.kind, s.entity.ID, types.ActionValidate)
			for _, t := range missing {
				te.Unmet = append(te.Unmet, types.Unmetf(types.CodeMissingTaskType,
					"%s work item requires at least one %s task", s.item.Type, t))
			}
			return nil, te
		}
	case types.KindTask:
		// The ceiling is enforced when the estimate is written, not here
		if s.task.EffortHours <= 0 {
			return nil, types.NewTransitionError(types.KindStructuralViolation, s.kind, s.entity.ID, types.ActionValidate,
				types.Unmetf(types.CodeEffortMissing, "task has no effort estimate"))
		}
	}
	return &change{}, nil
}

func (e *Engine) accept(s *subject, p Params) (*change, error) {
	if blank(p.Agent) {
		return nil, types.NewTransitionError(types.KindMissingParameter, s.kind, s.entity.ID, types.ActionAccept,
			types.Unmetf(types.CodeParameterRequired, "accept requires an agent"))
	}
	if s.entity.NeedsClarification {
		return nil, types.NewTransitionError(types.KindUnresolvedAmbiguity, s.kind, s.entity.ID, types.ActionAccept,
			types.Unmetf(types.CodeNeedsClarification, "%s %s is flagged as needing clarification", s.kind, s.entity.ID))
	}
	agent := strings.TrimSpace(p.Agent)
	return &change{update: storage.EntityUpdate{Assignee: &agent}}, nil
}

func (e *Engine) start(ctx context.Context, tx storage.Transaction, s *subject) (*change, error) {
	rd, err := e.resolver.StartReadiness(ctx, tx, s.kind, s.entity.ID)
	if err != nil {
		return nil, err
	}
	if !rd.Unblocked() {
		return nil, types.NewTransitionError(types.KindUnmetDependency, s.kind, s.entity.ID, types.ActionStart, rd.Unmet...)
	}
	return &change{warnings: rd.Warnings}, nil
}

func (e *Engine) submitReview(s *subject) (*change, error) {
	if unmet := gates.CheckSubmitReview(&s.entity.Quality); len(unmet) > 0 {
		return nil, types.NewTransitionError(types.KindQualityGateFailure, s.kind, s.entity.ID, types.ActionSubmitReview, unmet...)
	}
	return &change{}, nil
}

func (e *Engine) requestChanges(s *subject, p Params) (*change, error) {
	if blank(p.Reason) {
		return nil, types.NewTransitionError(types.KindMissingParameter, s.kind, s.entity.ID, types.ActionRequestChanges,
			types.Unmetf(types.CodeParameterRequired, "request_changes requires a reason"))
	}
	// The next review starts from scratch
	q := s.entity.Quality
	q.ReviewOutcome = types.ReviewUnset
	q.Reviewer = ""
	q.ReviewedAt = nil
	q.Version++
	return &change{update: storage.EntityUpdate{Quality: &q}}, nil
}

func (e *Engine) approve(ctx context.Context, tx storage.Transaction, s *subject) (*change, error) {
	blocking, err := blockers.CompletionReadiness(ctx, tx, s.kind, s.entity.ID)
	if err != nil {
		return nil, err
	}
	coverage, err := tx.GetCoverage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get coverage: %w", err)
	}
	_, failed, err := e.gates.Evaluate(ctx, &s.entity.Quality, coverage)
	if err != nil {
		return nil, err
	}

	if len(blocking) > 0 || len(failed) > 0 {
		kind := types.KindQualityGateFailure
		if len(blocking) > 0 {
			kind = types.KindUnresolvedBlocker
		}
		unmet := append(blocking, failed...)
		return nil, types.NewTransitionError(kind, s.kind, s.entity.ID, types.ActionApprove, unmet...)
	}

	now := e.now()
	return &change{update: storage.EntityUpdate{ClosedAt: &now}}, nil
}

func (e *Engine) cancel(ctx context.Context, tx storage.Transaction, s *subject, p Params) (*change, error) {
	if blank(p.Reason) {
		return nil, types.NewTransitionError(types.KindMissingParameter, s.kind, s.entity.ID, types.ActionCancel,
			types.Unmetf(types.CodeParameterRequired, "cancel requires a reason"))
	}

	dependents, err := tx.GetDependents(ctx, s.kind, s.entity.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get dependents: %w", err)
	}
	ch := &change{}
	for _, d := range dependents {
		if d.Type != types.DepHard {
			continue
		}
		dependent := &subject{kind: s.kind, entity: &types.Entity{ID: d.SourceID}}
		comment := fmt.Sprintf("hard dependency %s was cancelled", s.entity.ID)
		if err := e.record(ctx, tx, dependent, types.EventDependencyReleased, actorOr(p.Actor, "system"), "", s.entity.ID, comment); err != nil {
			return nil, err
		}
		ch.warnings = append(ch.warnings, fmt.Sprintf("released hard dependent %s", d.SourceID))
	}

	now := e.now()
	reason := strings.TrimSpace(p.Reason)
	ch.update.ClosedAt = &now
	ch.update.CloseReason = &reason
	return ch, nil
}

// state renders the post-state of a subject
func (s *subject) state(action types.Action, warnings []string) *types.EntityState {
	st := &types.EntityState{
		Kind:     s.kind,
		ID:       s.entity.ID,
		Action:   action,
		Status:   s.entity.Status,
		Version:  s.entity.Version,
		Warnings: warnings,
	}
	if s.item != nil {
		st.Phase = s.item.Phase
	}
	return st
}

// identify fills in the entity identity on a policy error.
func identify(err error, s *subject, action types.Action) error {
	if te, ok := err.(*types.TransitionError); ok {
		te.EntityKind = s.kind
		te.EntityID = s.entity.ID
		te.Action = action
	}
	return err
}

func blank(v string) bool {
	return strings.TrimSpace(v) == ""
}
