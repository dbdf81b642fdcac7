package engine

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/workgate/internal/storage"
	"github.com/steveyegge/workgate/internal/storage/sqlite"
	"github.com/steveyegge/workgate/internal/types"
)

func newTestEngine(t *testing.T, cfg *Config) *Engine {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Store = store
	e, err := New(ctx, cfg)
	require.NoError(t, err)
	return e
}

func mustWorkItem(t *testing.T, e *Engine, typ types.WorkItemType) *types.WorkItem {
	t.Helper()
	item, err := e.CreateWorkItem(context.Background(), CreateWorkItemRequest{Title: "Ship " + string(typ), Type: typ, Actor: "planner"})
	require.NoError(t, err)
	return item
}

func mustTask(t *testing.T, e *Engine, workItemID string, typ types.TaskType, hours float64) *types.Task {
	t.Helper()
	task, err := e.CreateTask(context.Background(), CreateTaskRequest{
		WorkItemID: workItemID, Title: string(typ) + " task", Type: typ, EffortHours: hours, Actor: "planner",
	})
	require.NoError(t, err)
	return task
}

func apply(t *testing.T, e *Engine, kind types.EntityKind, id string, action types.Action, p Params) *types.EntityState {
	t.Helper()
	state, err := e.Transition(context.Background(), kind, id, action, p)
	require.NoError(t, err, "%s %s %s", action, kind, id)
	return state
}

func requireTransitionError(t *testing.T, err error, kind types.ErrorKind) *types.TransitionError {
	t.Helper()
	require.Error(t, err)
	var te *types.TransitionError
	require.True(t, errors.As(err, &te), "expected a TransitionError, got %T: %v", err, err)
	require.Equal(t, kind, te.Kind, "error: %v", err)
	return te
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func recordFullCoverage(t *testing.T, e *Engine) {
	t.Helper()
	report := types.CoverageReport{}
	for _, c := range types.CoverageCategories {
		report[c] = 100
	}
	require.NoError(t, e.RecordCoverage(context.Background(), report, "ci"))
}

// prepareQuality records a test plan, passing tests, and met acceptance criteria.
func prepareQuality(t *testing.T, e *Engine, kind types.EntityKind, id string) {
	t.Helper()
	_, err := e.UpdateQuality(context.Background(), kind, id, types.QualityPatch{
		TestPlan:           strPtr("unit tests for every branch"),
		TestsPassing:       boolPtr(true),
		AcceptanceCriteria: []types.AcceptanceCriterion{{Text: "works", Met: true}},
	}, "worker")
	require.NoError(t, err)
}

// complete drives an entity from proposed to completed. Coverage must already be recorded.
func complete(t *testing.T, e *Engine, kind types.EntityKind, id string) {
	t.Helper()
	ctx := context.Background()
	apply(t, e, kind, id, types.ActionValidate, Params{})
	apply(t, e, kind, id, types.ActionAccept, Params{Agent: "worker"})
	apply(t, e, kind, id, types.ActionStart, Params{})
	prepareQuality(t, e, kind, id)
	apply(t, e, kind, id, types.ActionSubmitReview, Params{})
	require.NoError(t, e.RecordReview(ctx, kind, id, "reviewer", types.ReviewApproved))
	apply(t, e, kind, id, types.ActionApprove, Params{Actor: "reviewer"})
}

func TestNewRequiresStorage(t *testing.T) {
	_, err := New(context.Background(), &Config{})
	assert.Error(t, err)
	_, err = New(context.Background(), nil)
	assert.Error(t, err)
}

func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemResearch)
	task := mustTask(t, e, item.ID, types.TaskAnalysis, 3)
	recordFullCoverage(t, e)

	complete(t, e, types.KindTask, task.ID)

	got, err := e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, "worker", got.Assignee)
	assert.NotNil(t, got.ClosedAt)

	events, err := e.Events(ctx, types.KindTask, task.ID, 0)
	require.NoError(t, err)
	var statuses []string
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].EventType == types.EventStatusChanged {
			statuses = append(statuses, *events[i].NewValue)
		}
	}
	assert.Equal(t, []string{"validated", "accepted", "in_progress", "review", "completed"}, statuses)
}

func TestInvalidTransitionFromWrongStatus(t *testing.T) {
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemResearch)
	task := mustTask(t, e, item.ID, types.TaskAnalysis, 2)

	for _, action := range []types.Action{types.ActionStart, types.ActionSubmitReview, types.ActionApprove, types.ActionRequestChanges} {
		_, err := e.Transition(context.Background(), types.KindTask, task.ID, action, Params{Reason: "x"})
		te := requireTransitionError(t, err, types.KindInvalidTransition)
		assert.Equal(t, []string{types.CodeWrongStatus}, te.Codes())
	}
}

func TestTransitionInputErrors(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)

	_, err := e.Transition(ctx, "epic", "wi-1", types.ActionValidate, Params{})
	requireTransitionError(t, err, types.KindInvalidInput)

	_, err = e.Transition(ctx, types.KindTask, "tk-1", "teleport", Params{})
	requireTransitionError(t, err, types.KindInvalidInput)

	_, err = e.Transition(ctx, types.KindTask, "tk-404", types.ActionValidate, Params{})
	te := requireTransitionError(t, err, types.KindNotFound)
	assert.Equal(t, "tk-404", te.EntityID)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestValidateRequiresTaskTypes(t *testing.T) {
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemFeature)
	mustTask(t, e, item.ID, types.TaskDesign, 4)
	cancelled := mustTask(t, e, item.ID, types.TaskTesting, 4)
	apply(t, e, types.KindTask, cancelled.ID, types.ActionCancel, Params{Reason: "duplicate"})

	_, err := e.Transition(context.Background(), types.KindWorkItem, item.ID, types.ActionValidate, Params{})
	te := requireTransitionError(t, err, types.KindStructuralViolation)
	assert.Equal(t, []string{types.CodeMissingTaskType, types.CodeMissingTaskType, types.CodeMissingTaskType}, te.Codes())
	assert.Contains(t, te.Unmet[0].Message, "implementation")
	assert.Contains(t, te.Unmet[1].Message, "testing", "cancelled children do not count")
	assert.Contains(t, te.Unmet[2].Message, "documentation")

	mustTask(t, e, item.ID, types.TaskImplementation, 4)
	mustTask(t, e, item.ID, types.TaskTesting, 4)
	mustTask(t, e, item.ID, types.TaskDocumentation, 2)
	state := apply(t, e, types.KindWorkItem, item.ID, types.ActionValidate, Params{})
	assert.Equal(t, types.StatusValidated, state.Status)
}

func TestValidateTaskRequiresEffort(t *testing.T) {
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemResearch)
	task := mustTask(t, e, item.ID, types.TaskAnalysis, 0)

	_, err := e.Transition(context.Background(), types.KindTask, task.ID, types.ActionValidate, Params{})
	te := requireTransitionError(t, err, types.KindStructuralViolation)
	assert.Equal(t, []string{types.CodeEffortMissing}, te.Codes())
}

// An estimate stored before a ceiling was tightened does not block validate.
func TestValidateDoesNotRecheckTimeBox(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemFeature)

	legacy := &types.Task{
		Entity:      types.Entity{Title: "legacy estimate", Status: types.StatusProposed},
		WorkItemID:  item.ID,
		Type:        types.TaskImplementation,
		EffortHours: 9,
	}
	require.NoError(t, e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CreateTask(ctx, legacy, "import")
	}))

	state := apply(t, e, types.KindTask, legacy.ID, types.ActionValidate, Params{})
	assert.Equal(t, types.StatusValidated, state.Status)

	// Writing the estimate again is still checked
	_, err := e.UpdateTaskEffort(ctx, legacy.ID, 9, "", "worker")
	requireTransitionError(t, err, types.KindTimeBoxViolation)
}

func TestTimeBoxCeilings(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemFeature)

	tests := []struct {
		name     string
		typ      types.TaskType
		hours    float64
		override string
		wantKind types.ErrorKind
		wantCode string
	}{
		{"at ceiling", types.TaskImplementation, 4, "", "", ""},
		{"over strict ceiling", types.TaskImplementation, 5, "", types.KindTimeBoxViolation, types.CodeEffortExceedsCeiling},
		{"strict ceiling ignores override", types.TaskImplementation, 5, "legacy code", types.KindTimeBoxViolation, types.CodeOverrideNotPermitted},
		{"over non-strict ceiling", types.TaskTesting, 7, "", types.KindTimeBoxViolation, types.CodeEffortExceedsCeiling},
		{"non-strict ceiling with override", types.TaskTesting, 7, "flaky integration suite", "", ""},
		{"blank override", types.TaskTesting, 7, "   ", types.KindTimeBoxViolation, types.CodeEffortExceedsCeiling},
		{"unknown type", "juggling", 1, "", types.KindInvalidInput, types.CodeInvalidValue},
		{"infinite with override", types.TaskTesting, math.Inf(1), "open ended", types.KindInvalidInput, types.CodeInvalidValue},
		{"not a number", types.TaskTesting, math.NaN(), "", types.KindInvalidInput, types.CodeInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := e.CreateTask(ctx, CreateTaskRequest{
				WorkItemID: item.ID, Title: tt.name, Type: tt.typ, EffortHours: tt.hours, OverrideReason: tt.override,
			})
			if tt.wantKind == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.hours, task.EffortHours)
				return
			}
			te := requireTransitionError(t, err, tt.wantKind)
			assert.Equal(t, []string{tt.wantCode}, te.Codes())
		})
	}
}

func TestEffortOverrideIsAudited(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemFeature)

	task, err := e.CreateTask(ctx, CreateTaskRequest{
		WorkItemID: item.ID, Title: "soak test", Type: types.TaskTesting, EffortHours: 7,
		OverrideReason: "requires an overnight soak", Actor: "lead",
	})
	require.NoError(t, err)
	require.NotNil(t, task.EffortOverride)
	assert.Equal(t, "lead", task.EffortOverride.Actor)

	events, err := e.Events(ctx, types.KindTask, task.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, types.EventEffortOverride, events[0].EventType)
	assert.Equal(t, "requires an overnight soak", *events[0].Comment)

	// Within the ceiling the reason is not needed and nothing is recorded
	plain, err := e.CreateTask(ctx, CreateTaskRequest{
		WorkItemID: item.ID, Title: "unit tests", Type: types.TaskTesting, EffortHours: 2, OverrideReason: "just in case",
	})
	require.NoError(t, err)
	assert.Nil(t, plain.EffortOverride)
}

func TestUpdateTaskEffort(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemFeature)
	task := mustTask(t, e, item.ID, types.TaskImplementation, 2)

	updated, err := e.UpdateTaskEffort(ctx, task.ID, 3.5, "", "worker")
	require.NoError(t, err)
	assert.Equal(t, 3.5, updated.EffortHours)
	assert.Equal(t, task.Version+1, updated.Version)

	_, err = e.UpdateTaskEffort(ctx, task.ID, 6, "scope grew", "worker")
	requireTransitionError(t, err, types.KindTimeBoxViolation)

	_, err = e.UpdateTaskEffort(ctx, task.ID, -1, "", "worker")
	requireTransitionError(t, err, types.KindInvalidInput)

	_, err = e.UpdateTaskEffort(ctx, task.ID, math.Inf(1), "no end in sight", "worker")
	requireTransitionError(t, err, types.KindInvalidInput)

	got, err := e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 3.5, got.EffortHours, "rejected updates leave the estimate alone")
}

func TestCreateTaskUnderClosedWorkItem(t *testing.T) {
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemResearch)
	apply(t, e, types.KindWorkItem, item.ID, types.ActionCancel, Params{Reason: "deprioritized"})

	_, err := e.CreateTask(context.Background(), CreateTaskRequest{
		WorkItemID: item.ID, Title: "late", Type: types.TaskAnalysis, EffortHours: 1,
	})
	requireTransitionError(t, err, types.KindInvalidTransition)

	_, err = e.CreateTask(context.Background(), CreateTaskRequest{
		WorkItemID: "wi-404", Title: "orphan", Type: types.TaskAnalysis, EffortHours: 1,
	})
	requireTransitionError(t, err, types.KindNotFound)
}

func TestAccept(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemResearch)
	task := mustTask(t, e, item.ID, types.TaskAnalysis, 2)
	apply(t, e, types.KindTask, task.ID, types.ActionValidate, Params{})

	_, err := e.Transition(ctx, types.KindTask, task.ID, types.ActionAccept, Params{Agent: "  "})
	requireTransitionError(t, err, types.KindMissingParameter)

	require.NoError(t, e.SetClarification(ctx, types.KindTask, task.ID, true, "worker"))
	_, err = e.Transition(ctx, types.KindTask, task.ID, types.ActionAccept, Params{Agent: "worker"})
	te := requireTransitionError(t, err, types.KindUnresolvedAmbiguity)
	assert.Equal(t, []string{types.CodeNeedsClarification}, te.Codes())

	require.NoError(t, e.SetClarification(ctx, types.KindTask, task.ID, false, "planner"))
	state := apply(t, e, types.KindTask, task.ID, types.ActionAccept, Params{Agent: "worker"})
	assert.Equal(t, types.StatusAccepted, state.Status)
}

func TestNextResolvesForwardAction(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemResearch)
	task := mustTask(t, e, item.ID, types.TaskAnalysis, 2)

	state := apply(t, e, types.KindTask, task.ID, types.ActionNext, Params{})
	assert.Equal(t, types.ActionValidate, state.Action)
	assert.Equal(t, types.StatusValidated, state.Status)

	_, err := e.Transition(ctx, types.KindTask, task.ID, types.ActionNext, Params{})
	te := requireTransitionError(t, err, types.KindAmbiguousTransition)
	assert.Equal(t, []string{types.CodeParameterRequired}, te.Codes())
	assert.Contains(t, te.Unmet[0].Message, "agent")

	state = apply(t, e, types.KindTask, task.ID, types.ActionNext, Params{Agent: "worker"})
	assert.Equal(t, types.ActionAccept, state.Action)
	assert.Equal(t, types.StatusAccepted, state.Status)

	apply(t, e, types.KindTask, task.ID, types.ActionCancel, Params{Reason: "superseded"})
	_, err = e.Transition(ctx, types.KindTask, task.ID, types.ActionNext, Params{})
	requireTransitionError(t, err, types.KindInvalidTransition)
}

func TestStartWaitsForHardDependencies(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemResearch)
	first := mustTask(t, e, item.ID, types.TaskAnalysis, 2)
	second := mustTask(t, e, item.ID, types.TaskAnalysis, 2)
	recordFullCoverage(t, e)

	require.NoError(t, e.AddDependency(ctx, types.KindTask, second.ID, first.ID, types.DepHard, "planner"))
	apply(t, e, types.KindTask, second.ID, types.ActionValidate, Params{})
	apply(t, e, types.KindTask, second.ID, types.ActionAccept, Params{Agent: "worker"})

	_, err := e.Transition(ctx, types.KindTask, second.ID, types.ActionStart, Params{})
	te := requireTransitionError(t, err, types.KindUnmetDependency)
	assert.Equal(t, []string{types.CodeDependencyIncomplete}, te.Codes())

	complete(t, e, types.KindTask, first.ID)
	state := apply(t, e, types.KindTask, second.ID, types.ActionStart, Params{})
	assert.Equal(t, types.StatusInProgress, state.Status)
	assert.Empty(t, state.Warnings)
}

func TestStartWaitsForHardDependencyChain(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemResearch)
	a := mustTask(t, e, item.ID, types.TaskAnalysis, 2)
	b := mustTask(t, e, item.ID, types.TaskAnalysis, 2)
	c := mustTask(t, e, item.ID, types.TaskAnalysis, 2)
	recordFullCoverage(t, e)

	require.NoError(t, e.AddDependency(ctx, types.KindTask, a.ID, b.ID, types.DepHard, "planner"))
	apply(t, e, types.KindTask, a.ID, types.ActionValidate, Params{})
	apply(t, e, types.KindTask, a.ID, types.ActionAccept, Params{Agent: "worker"})

	complete(t, e, types.KindTask, b.ID)

	// B is already completed when it gains a hard dependency on C
	require.NoError(t, e.AddDependency(ctx, types.KindTask, b.ID, c.ID, types.DepHard, "planner"))
	_, err := e.Transition(ctx, types.KindTask, a.ID, types.ActionStart, Params{})
	te := requireTransitionError(t, err, types.KindUnmetDependency)
	require.Len(t, te.Unmet, 1)
	assert.Contains(t, te.Unmet[0].Message, c.ID)

	got, err := e.GetTask(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAccepted, got.Status)

	complete(t, e, types.KindTask, c.ID)
	state := apply(t, e, types.KindTask, a.ID, types.ActionStart, Params{})
	assert.Equal(t, types.StatusInProgress, state.Status)
}

func TestCancelledDependencyPolicy(t *testing.T) {
	for _, blocks := range []bool{false, true} {
		ctx := context.Background()
		e := newTestEngine(t, &Config{CancelledBlocks: blocks})
		item := mustWorkItem(t, e, types.WorkItemResearch)
		target := mustTask(t, e, item.ID, types.TaskAnalysis, 2)
		dependent := mustTask(t, e, item.ID, types.TaskAnalysis, 2)
		soft := mustTask(t, e, item.ID, types.TaskAnalysis, 2)

		require.NoError(t, e.AddDependency(ctx, types.KindTask, dependent.ID, target.ID, types.DepHard, "planner"))
		require.NoError(t, e.AddDependency(ctx, types.KindTask, dependent.ID, soft.ID, types.DepSoft, "planner"))
		apply(t, e, types.KindTask, dependent.ID, types.ActionValidate, Params{})
		apply(t, e, types.KindTask, dependent.ID, types.ActionAccept, Params{Agent: "worker"})

		cancelState := apply(t, e, types.KindTask, target.ID, types.ActionCancel, Params{Reason: "no longer needed"})
		assert.Len(t, cancelState.Warnings, 1, "the hard dependent is released")

		released, err := e.Events(ctx, types.KindTask, dependent.ID, 1)
		require.NoError(t, err)
		require.Len(t, released, 1)
		assert.Equal(t, types.EventDependencyReleased, released[0].EventType)

		state, err := e.Transition(ctx, types.KindTask, dependent.ID, types.ActionStart, Params{})
		if blocks {
			te := requireTransitionError(t, err, types.KindUnmetDependency)
			assert.Equal(t, []string{types.CodeDependencyCancelled}, te.Codes())
			continue
		}
		require.NoError(t, err)
		assert.Len(t, state.Warnings, 2, "cancelled hard target and incomplete soft target both warn")
	}
}

func TestAddDependencyRejectsCycles(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemResearch)
	a := mustTask(t, e, item.ID, types.TaskAnalysis, 1)
	b := mustTask(t, e, item.ID, types.TaskAnalysis, 1)
	c := mustTask(t, e, item.ID, types.TaskAnalysis, 1)

	require.NoError(t, e.AddDependency(ctx, types.KindTask, a.ID, b.ID, types.DepHard, "planner"))
	require.NoError(t, e.AddDependency(ctx, types.KindTask, b.ID, c.ID, types.DepHard, "planner"))

	err := e.AddDependency(ctx, types.KindTask, c.ID, a.ID, types.DepHard, "planner")
	te := requireTransitionError(t, err, types.KindCyclicDependency)
	assert.Equal(t, []string{c.ID, a.ID, b.ID, c.ID}, te.Cycle)

	deps, err := e.Dependencies(ctx, types.KindTask, c.ID)
	require.NoError(t, err)
	assert.Empty(t, deps, "a rejected edge is never written")

	// SOFT edges are not part of the acyclic graph
	require.NoError(t, e.AddDependency(ctx, types.KindTask, c.ID, a.ID, types.DepSoft, "planner"))

	err = e.AddDependency(ctx, types.KindTask, a.ID, b.ID, types.DepSoft, "planner")
	te = requireTransitionError(t, err, types.KindInvalidInput)
	assert.Equal(t, []string{types.CodeDuplicateDependency}, te.Codes())
}

func TestApproveReportsBlockersAndGates(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemResearch)
	task := mustTask(t, e, item.ID, types.TaskAnalysis, 2)
	prereq := mustTask(t, e, item.ID, types.TaskAnalysis, 2)

	apply(t, e, types.KindTask, task.ID, types.ActionValidate, Params{})
	apply(t, e, types.KindTask, task.ID, types.ActionAccept, Params{Agent: "worker"})
	apply(t, e, types.KindTask, task.ID, types.ActionStart, Params{})
	prepareQuality(t, e, types.KindTask, task.ID)
	apply(t, e, types.KindTask, task.ID, types.ActionSubmitReview, Params{})

	blockerID, err := e.AddBlocker(ctx, types.KindTask, task.ID, InternalSource(types.KindTask, prereq.ID), types.SeverityBlocking, "worker")
	require.NoError(t, err)
	_, err = e.AddBlocker(ctx, types.KindTask, task.ID, ExternalSource("security sign-off"), types.SeverityAdvisory, "worker")
	require.NoError(t, err)

	// No review yet and no coverage recorded: every failure is reported at once
	_, err = e.Transition(ctx, types.KindTask, task.ID, types.ActionApprove, Params{})
	te := requireTransitionError(t, err, types.KindUnresolvedBlocker)
	codes := te.Codes()
	assert.Equal(t, types.CodeOpenBlocker, codes[0])
	assert.Contains(t, codes, types.CodeReviewNotApproved)
	assert.Contains(t, codes, types.CodeCoverageBelowThreshold)
	assert.Contains(t, te.Unmet[0].Message, blockerID)

	// Completing the referent cascades the blocker away
	recordFullCoverage(t, e)
	complete(t, e, types.KindTask, prereq.ID)
	require.NoError(t, e.RecordReview(ctx, types.KindTask, task.ID, "reviewer", types.ReviewApproved))
	state := apply(t, e, types.KindTask, task.ID, types.ActionApprove, Params{})
	assert.Equal(t, types.StatusCompleted, state.Status)

	list, err := e.Blockers(ctx, types.KindTask, task.ID)
	require.NoError(t, err)
	for _, b := range list {
		if b.ID == blockerID {
			assert.Equal(t, types.BlockerResolved, b.Status)
			assert.Equal(t, types.ResolvedByCascade, b.ResolvedBy)
		}
	}
}

func TestApproveGateFailureWithoutBlockers(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemResearch)
	task := mustTask(t, e, item.ID, types.TaskAnalysis, 2)
	recordFullCoverage(t, e)

	apply(t, e, types.KindTask, task.ID, types.ActionValidate, Params{})
	apply(t, e, types.KindTask, task.ID, types.ActionAccept, Params{Agent: "worker"})
	apply(t, e, types.KindTask, task.ID, types.ActionStart, Params{})
	prepareQuality(t, e, types.KindTask, task.ID)
	apply(t, e, types.KindTask, task.ID, types.ActionSubmitReview, Params{})
	require.NoError(t, e.RecordReview(ctx, types.KindTask, task.ID, "reviewer", types.ReviewChangesRequested))

	_, err := e.Transition(ctx, types.KindTask, task.ID, types.ActionApprove, Params{})
	te := requireTransitionError(t, err, types.KindQualityGateFailure)
	assert.Equal(t, []string{types.CodeReviewNotApproved}, te.Codes())
}

// toReview drives an entity to review with a test plan, passing tests and met
// criteria, then applies extra to its quality metadata.
func toReview(t *testing.T, e *Engine, kind types.EntityKind, id string, extra types.QualityPatch) {
	t.Helper()
	apply(t, e, kind, id, types.ActionValidate, Params{})
	apply(t, e, kind, id, types.ActionAccept, Params{Agent: "worker"})
	apply(t, e, kind, id, types.ActionStart, Params{})
	prepareQuality(t, e, kind, id)
	if !extra.IsEmpty() {
		_, err := e.UpdateQuality(context.Background(), kind, id, extra, "worker")
		require.NoError(t, err)
	}
	apply(t, e, kind, id, types.ActionSubmitReview, Params{})
	require.NoError(t, e.RecordReview(context.Background(), kind, id, "reviewer", types.ReviewApproved))
}

func TestApproveWithCoverageOverride(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemResearch)
	overridden := mustTask(t, e, item.ID, types.TaskAnalysis, 2)
	plain := mustTask(t, e, item.ID, types.TaskAnalysis, 2)

	// No coverage report has ever been recorded
	toReview(t, e, types.KindTask, overridden.ID, types.QualityPatch{
		CoverageOverride: boolPtr(true),
		CoverageScope:    strPtr("internal/cli/flags.go"),
		OverrideReason:   strPtr("flag parsing is covered by end-to-end runs"),
	})
	state := apply(t, e, types.KindTask, overridden.ID, types.ActionApprove, Params{Actor: "reviewer"})
	assert.Equal(t, types.StatusCompleted, state.Status)

	toReview(t, e, types.KindTask, plain.ID, types.QualityPatch{})
	_, err := e.Transition(ctx, types.KindTask, plain.ID, types.ActionApprove, Params{Actor: "reviewer"})
	te := requireTransitionError(t, err, types.KindQualityGateFailure)
	assert.Len(t, te.Unmet, len(types.CoverageCategories))
	for _, code := range te.Codes() {
		assert.Equal(t, types.CodeCoverageBelowThreshold, code)
	}

	got, err := e.GetTask(ctx, plain.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReview, got.Status)
}

func TestSubmitReviewPreconditions(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemResearch)
	task := mustTask(t, e, item.ID, types.TaskAnalysis, 2)
	apply(t, e, types.KindTask, task.ID, types.ActionValidate, Params{})
	apply(t, e, types.KindTask, task.ID, types.ActionAccept, Params{Agent: "worker"})
	apply(t, e, types.KindTask, task.ID, types.ActionStart, Params{})

	_, err := e.Transition(ctx, types.KindTask, task.ID, types.ActionSubmitReview, Params{})
	te := requireTransitionError(t, err, types.KindQualityGateFailure)
	assert.Equal(t, []string{types.CodeTestPlanMissing, types.CodeTestsNotPassing}, te.Codes())
}

func TestRequestChangesClearsReview(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemResearch)
	task := mustTask(t, e, item.ID, types.TaskAnalysis, 2)
	apply(t, e, types.KindTask, task.ID, types.ActionValidate, Params{})
	apply(t, e, types.KindTask, task.ID, types.ActionAccept, Params{Agent: "worker"})
	apply(t, e, types.KindTask, task.ID, types.ActionStart, Params{})
	prepareQuality(t, e, types.KindTask, task.ID)
	apply(t, e, types.KindTask, task.ID, types.ActionSubmitReview, Params{})
	require.NoError(t, e.RecordReview(ctx, types.KindTask, task.ID, "reviewer", types.ReviewApproved))

	_, err := e.Transition(ctx, types.KindTask, task.ID, types.ActionRequestChanges, Params{})
	requireTransitionError(t, err, types.KindMissingParameter)

	state := apply(t, e, types.KindTask, task.ID, types.ActionRequestChanges, Params{Reason: "missing edge cases", Actor: "reviewer"})
	assert.Equal(t, types.StatusInProgress, state.Status)

	got, err := e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReviewUnset, got.Quality.ReviewOutcome)
	assert.Empty(t, got.Quality.Reviewer)
	assert.True(t, got.Quality.TestsPassing, "other quality fields survive")

	events, err := e.Events(ctx, types.KindTask, task.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "missing edge cases", *events[0].Comment)
}

func TestRecordReviewRequiresReviewStatus(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemResearch)
	task := mustTask(t, e, item.ID, types.TaskAnalysis, 2)

	err := e.RecordReview(ctx, types.KindTask, task.ID, "reviewer", types.ReviewApproved)
	requireTransitionError(t, err, types.KindInvalidTransition)

	err = e.RecordReview(ctx, types.KindTask, task.ID, "", types.ReviewApproved)
	requireTransitionError(t, err, types.KindMissingParameter)

	err = e.RecordReview(ctx, types.KindTask, task.ID, "reviewer", types.ReviewUnset)
	requireTransitionError(t, err, types.KindInvalidInput)
}

func TestCancelRequiresReason(t *testing.T) {
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemResearch)

	_, err := e.Transition(context.Background(), types.KindWorkItem, item.ID, types.ActionCancel, Params{Reason: " "})
	requireTransitionError(t, err, types.KindMissingParameter)

	state := apply(t, e, types.KindWorkItem, item.ID, types.ActionCancel, Params{Reason: "out of scope"})
	assert.Equal(t, types.StatusCancelled, state.Status)
	assert.Equal(t, types.PhaseDiscovery, state.Phase, "cancellation freezes the phase")

	got, err := e.GetWorkItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, "out of scope", got.CloseReason)

	_, err = e.Transition(context.Background(), types.KindWorkItem, item.ID, types.ActionCancel, Params{Reason: "again"})
	requireTransitionError(t, err, types.KindInvalidTransition)
}

func TestExpectedVersionMismatch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemResearch)
	task := mustTask(t, e, item.ID, types.TaskAnalysis, 2)

	_, err := e.Transition(ctx, types.KindTask, task.ID, types.ActionValidate, Params{ExpectedVersion: task.Version + 3})
	te := requireTransitionError(t, err, types.KindConcurrentModification)
	assert.Equal(t, task.Version, te.CurrentVersion)
	assert.True(t, errors.Is(err, types.ErrConcurrentModification))

	state := apply(t, e, types.KindTask, task.ID, types.ActionValidate, Params{ExpectedVersion: te.CurrentVersion})
	assert.Equal(t, task.Version+1, state.Version)
}

func TestRejectedTransitionWritesNothing(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemFeature)

	before, err := e.Events(ctx, types.KindWorkItem, item.ID, 0)
	require.NoError(t, err)

	_, err = e.Transition(ctx, types.KindWorkItem, item.ID, types.ActionValidate, Params{})
	requireTransitionError(t, err, types.KindStructuralViolation)

	after, err := e.Events(ctx, types.KindWorkItem, item.ID, 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	got, err := e.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.Version, got.Version)
	assert.Equal(t, types.StatusProposed, got.Status)
}

func TestUpdateQuality(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemResearch)

	q, err := e.UpdateQuality(ctx, types.KindWorkItem, item.ID, types.QualityPatch{
		AcceptanceCriteria: []types.AcceptanceCriterion{{Text: "a"}, {Text: "b"}},
	}, "planner")
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.Version)

	q, err = e.UpdateQuality(ctx, types.KindWorkItem, item.ID, types.QualityPatch{MarkMet: []int{1}}, "worker")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, q.UnmetAcceptanceCriteria())
	assert.Equal(t, int64(2), q.Version)

	_, err = e.UpdateQuality(ctx, types.KindWorkItem, item.ID, types.QualityPatch{MarkMet: []int{5}}, "worker")
	requireTransitionError(t, err, types.KindInvalidInput)

	_, err = e.UpdateQuality(ctx, types.KindWorkItem, item.ID, types.QualityPatch{}, "worker")
	requireTransitionError(t, err, types.KindInvalidInput)

	pct := 140.0
	_, err = e.UpdateQuality(ctx, types.KindWorkItem, item.ID, types.QualityPatch{CoveragePercent: &pct}, "worker")
	requireTransitionError(t, err, types.KindInvalidInput)
}

func TestRecordCoverageValidation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)

	err := e.RecordCoverage(ctx, types.CoverageReport{}, "ci")
	requireTransitionError(t, err, types.KindInvalidInput)

	err = e.RecordCoverage(ctx, types.CoverageReport{"vibes": 50}, "ci")
	requireTransitionError(t, err, types.KindInvalidInput)

	require.NoError(t, e.RecordCoverage(ctx, types.CoverageReport{types.CoverageSecurity: 92.5}, "ci"))
	report, err := e.Coverage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 92.5, report[types.CoverageSecurity])
}

func TestGetPolicy(t *testing.T) {
	e := newTestEngine(t, nil)

	rule, err := e.GetPolicy(types.KindTask, "implementation")
	require.NoError(t, err)
	assert.Contains(t, rule.Describe(), "4")

	_, err = e.GetPolicy(types.KindWorkItem, "epic")
	requireTransitionError(t, err, types.KindInvalidInput)
}

func TestResolveBlockerExplicitly(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	item := mustWorkItem(t, e, types.WorkItemResearch)

	id, err := e.AddBlocker(ctx, types.KindWorkItem, item.ID, ExternalSource("vendor contract"), types.SeverityBlocking, "planner")
	require.NoError(t, err)

	err = e.ResolveBlocker(ctx, id, "", "planner")
	requireTransitionError(t, err, types.KindMissingParameter)

	require.NoError(t, e.ResolveBlocker(ctx, id, "contract signed", "planner"))
	require.NoError(t, e.ResolveBlocker(ctx, id, "contract signed", "planner"), "resolving twice is a no-op")

	list, err := e.Blockers(ctx, types.KindWorkItem, item.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, types.BlockerResolved, list[0].Status)
}

func TestClaimIsExclusive(t *testing.T) {
	e := newTestEngine(t, nil)

	release, ok := e.claim(types.KindTask, "tk-1")
	require.True(t, ok)
	_, ok = e.claim(types.KindTask, "tk-1")
	assert.False(t, ok)
	_, ok = e.claim(types.KindWorkItem, "tk-1")
	assert.True(t, ok, "claims are per kind and id")

	release()
	_, ok = e.claim(types.KindTask, "tk-1")
	assert.True(t, ok)
}
