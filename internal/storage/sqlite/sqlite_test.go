package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/workgate/internal/storage"
	"github.com/steveyegge/workgate/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createWorkItem(t *testing.T, store *SQLiteStorage, title string) *types.WorkItem {
	t.Helper()
	item := &types.WorkItem{Entity: types.Entity{Title: title}, Type: types.WorkItemFeature}
	err := store.RunInTransaction(context.Background(), func(tx storage.Transaction) error {
		return tx.CreateWorkItem(context.Background(), item, "tester")
	})
	require.NoError(t, err)
	return item
}

func createTask(t *testing.T, store *SQLiteStorage, workItemID string, typ types.TaskType) *types.Task {
	t.Helper()
	task := &types.Task{Entity: types.Entity{Title: "task " + string(typ)}, WorkItemID: workItemID, Type: typ, EffortHours: 1}
	err := store.RunInTransaction(context.Background(), func(tx storage.Transaction) error {
		return tx.CreateTask(context.Background(), task, "tester")
	})
	require.NoError(t, err)
	return task
}

func TestSchemaVersion(t *testing.T) {
	store := newTestStore(t)
	v, err := store.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schema.Target(), v)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	store, err := New(ctx, path)
	require.NoError(t, err)
	item := &types.WorkItem{Entity: types.Entity{Title: "persist me"}, Type: types.WorkItemResearch}
	require.NoError(t, store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CreateWorkItem(ctx, item, "tester")
	}))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "second close is a no-op")

	store, err = New(ctx, path)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	got, err := store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "persist me", got.Title)
}

func TestCreateAndGetWorkItem(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	item := createWorkItem(t, store, "Checkout flow")
	assert.Equal(t, "wi-1", item.ID)

	second := createWorkItem(t, store, "Search")
	assert.Equal(t, "wi-2", second.ID)

	got, err := store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, types.KindWorkItem, got.Kind)
	assert.Equal(t, types.StatusProposed, got.Status)
	assert.Equal(t, types.PhaseDiscovery, got.Phase)
	assert.Equal(t, types.WorkItemFeature, got.Type)
	assert.Equal(t, int64(1), got.Version)
	assert.False(t, got.CreatedAt.IsZero())

	events, err := store.GetEvents(ctx, types.KindWorkItem, item.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventCreated, events[0].EventType)
	assert.Equal(t, "tester", events[0].Actor)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetWorkItem(ctx, "wi-404")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.GetTask(ctx, "tk-404")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.GetBlocker(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateTaskRequiresWorkItem(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task := &types.Task{Entity: types.Entity{Title: "orphan"}, WorkItemID: "wi-9", Type: types.TaskTesting}
	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CreateTask(ctx, task, "tester")
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListTasks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	item := createWorkItem(t, store, "Feature")
	other := createWorkItem(t, store, "Other")
	createTask(t, store, item.ID, types.TaskDesign)
	createTask(t, store, item.ID, types.TaskTesting)
	createTask(t, store, other.ID, types.TaskTesting)

	tasks, err := store.ListTasks(ctx, storage.TaskFilter{WorkItemID: item.ID})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, types.TaskDesign, tasks[0].Type)

	testType := types.TaskTesting
	tasks, err = store.ListTasks(ctx, storage.TaskFilter{Type: &testType})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	items, err := store.ListWorkItems(ctx, storage.WorkItemFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestUpdateEntityVersionCheck(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	item := createWorkItem(t, store, "Versioned")

	status := types.StatusValidated
	var newVersion int64
	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		var err error
		newVersion, err = tx.UpdateEntity(ctx, types.KindWorkItem, item.ID, 1, storage.EntityUpdate{Status: &status})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), newVersion)

	// Stale version loses
	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		_, err := tx.UpdateEntity(ctx, types.KindWorkItem, item.ID, 1, storage.EntityUpdate{Status: &status})
		return err
	})
	require.ErrorIs(t, err, storage.ErrVersionConflict)
	var conflict *storage.VersionConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(2), conflict.Current)

	// Missing entity
	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		_, err := tx.UpdateEntity(ctx, types.KindWorkItem, "wi-77", 1, storage.EntityUpdate{Status: &status})
		return err
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateEntityRejectsFieldsForOtherKind(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	item := createWorkItem(t, store, "Feature")
	task := createTask(t, store, item.ID, types.TaskDesign)

	phase := types.PhasePlan
	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		_, err := tx.UpdateEntity(ctx, types.KindTask, task.ID, task.Version, storage.EntityUpdate{Phase: &phase})
		return err
	})
	assert.ErrorContains(t, err, "invalid field for task update: phase")

	hours := 3.5
	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		_, err := tx.UpdateEntity(ctx, types.KindTask, task.ID, task.Version, storage.EntityUpdate{
			EffortHours:    &hours,
			EffortOverride: &types.EffortOverride{Reason: "spike", Actor: "lead", At: time.Now()},
		})
		return err
	})
	require.NoError(t, err)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 3.5, got.EffortHours)
	require.NotNil(t, got.EffortOverride)
	assert.Equal(t, "spike", got.EffortOverride.Reason)
}

func TestQualityRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	item := createWorkItem(t, store, "Quality")

	pct := 72.5
	quality := types.QualityMetadata{
		Version:            1,
		TestPlan:           "table tests",
		TestsPassing:       true,
		CoveragePercent:    &pct,
		AcceptanceCriteria: []types.AcceptanceCriterion{{Text: "works", Met: true}},
	}
	require.NoError(t, store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		_, err := tx.UpdateEntity(ctx, types.KindWorkItem, item.ID, 1, storage.EntityUpdate{Quality: &quality})
		return err
	}))

	got, err := store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, quality, got.Quality)
}

func TestRollbackOnError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	boom := errors.New("boom")
	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		item := &types.WorkItem{Entity: types.Entity{Title: "never"}, Type: types.WorkItemBugfix}
		if err := tx.CreateWorkItem(ctx, item, "tester"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	items, err := store.ListWorkItems(ctx, storage.WorkItemFilter{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRollbackOnPanic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			item := &types.WorkItem{Entity: types.Entity{Title: "never"}, Type: types.WorkItemBugfix}
			if err := tx.CreateWorkItem(ctx, item, "tester"); err != nil {
				return err
			}
			panic("boom")
		})
	}()

	items, err := store.ListWorkItems(ctx, storage.WorkItemFilter{})
	require.NoError(t, err)
	assert.Empty(t, items)

	// The store is still usable after the panic
	createWorkItem(t, store, "after panic")
}

func TestDependencies(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	item := createWorkItem(t, store, "Feature")
	a := createTask(t, store, item.ID, types.TaskImplementation)
	b := createTask(t, store, item.ID, types.TaskDesign)
	c := createTask(t, store, item.ID, types.TaskTesting)

	add := func(src, dst string, typ types.DependencyType) error {
		return store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			return tx.AddDependency(ctx, &types.Dependency{Kind: types.KindTask, SourceID: src, TargetID: dst, Type: typ, CreatedBy: "tester"})
		})
	}
	require.NoError(t, add(a.ID, b.ID, types.DepHard))
	require.NoError(t, add(a.ID, c.ID, types.DepSoft))
	assert.ErrorIs(t, add(a.ID, b.ID, types.DepSoft), storage.ErrDuplicate)

	deps, err := store.GetDependencies(ctx, types.KindTask, a.ID)
	require.NoError(t, err)
	assert.Len(t, deps, 2)

	dependents, err := store.GetDependents(ctx, types.KindTask, b.ID)
	require.NoError(t, err)
	require.Len(t, dependents, 1)
	assert.Equal(t, a.ID, dependents[0].SourceID)

	hard, err := store.GetHardEdges(ctx, types.KindTask)
	require.NoError(t, err)
	require.Len(t, hard, 1)
	assert.Equal(t, b.ID, hard[0].TargetID)

	// Work item edges are a separate graph
	hard, err = store.GetHardEdges(ctx, types.KindWorkItem)
	require.NoError(t, err)
	assert.Empty(t, hard)
}

func TestBlockers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	item := createWorkItem(t, store, "Feature")
	owner := createTask(t, store, item.ID, types.TaskImplementation)
	ref := createTask(t, store, item.ID, types.TaskDesign)

	internal := &types.Blocker{
		OwnerKind: types.KindTask, OwnerID: owner.ID,
		Source: types.BlockerInternal, RefKind: types.KindTask, RefID: ref.ID,
		Severity: types.SeverityBlocking,
	}
	external := &types.Blocker{
		OwnerKind: types.KindTask, OwnerID: owner.ID,
		Source: types.BlockerExternal, Description: "waiting on vendor",
		Severity: types.SeverityAdvisory,
	}
	require.NoError(t, store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.AddBlocker(ctx, internal, "tester"); err != nil {
			return err
		}
		return tx.AddBlocker(ctx, external, "tester")
	}))
	assert.Len(t, internal.ID, 36)

	referencing, err := store.GetOpenBlockersReferencing(ctx, types.KindTask, ref.ID)
	require.NoError(t, err)
	require.Len(t, referencing, 1)
	assert.Equal(t, internal.ID, referencing[0].ID)

	var first, second bool
	require.NoError(t, store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		var err error
		first, err = tx.ResolveBlocker(ctx, internal.ID, "done", types.ResolvedByCascade, time.Now())
		if err != nil {
			return err
		}
		second, err = tx.ResolveBlocker(ctx, internal.ID, "again", "someone", time.Now())
		return err
	}))
	assert.True(t, first)
	assert.False(t, second, "resolving twice is a no-op")

	got, err := store.GetBlocker(ctx, internal.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BlockerResolved, got.Status)
	assert.Equal(t, "done", got.ResolutionReason)
	assert.Equal(t, types.ResolvedByCascade, got.ResolvedBy)
	assert.NotNil(t, got.ResolvedAt)

	referencing, err = store.GetOpenBlockersReferencing(ctx, types.KindTask, ref.ID)
	require.NoError(t, err)
	assert.Empty(t, referencing)

	all, err := store.GetBlockers(ctx, types.KindTask, owner.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	events, err := store.GetEvents(ctx, types.KindTask, owner.ID, 0)
	require.NoError(t, err)
	var resolvedEvents int
	for _, e := range events {
		if e.EventType == types.EventBlockerResolved {
			resolvedEvents++
		}
	}
	assert.Equal(t, 1, resolvedEvents)
}

func TestConfigAndCoverage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	value, err := store.GetConfig(ctx, "nonexistent")
	require.NoError(t, err)
	assert.Equal(t, "", value)

	require.NoError(t, store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.SetConfig(ctx, "policy_version", "1"); err != nil {
			return err
		}
		if err := tx.SetConfig(ctx, "policy_version", "2"); err != nil {
			return err
		}
		if err := tx.SetCoverage(ctx, types.CoverageSecurity, 91, "ci"); err != nil {
			return err
		}
		return tx.SetCoverage(ctx, types.CoverageSecurity, 93.5, "ci")
	}))

	value, err = store.GetConfig(ctx, "policy_version")
	require.NoError(t, err)
	assert.Equal(t, "2", value)

	report, err := store.GetCoverage(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.CoverageReport{types.CoverageSecurity: 93.5}, report)

	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.SetCoverage(ctx, types.CoverageSecurity, 101, "ci")
	})
	assert.Error(t, err)
}

func TestInMemoryStoresAreIsolated(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, ":memory:")
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	b, err := New(ctx, ":memory:")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	item := &types.WorkItem{Entity: types.Entity{Title: "only in a"}, Type: types.WorkItemPlanning}
	require.NoError(t, a.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CreateWorkItem(ctx, item, "tester")
	}))

	items, err := b.ListWorkItems(ctx, storage.WorkItemFilter{})
	require.NoError(t, err)
	assert.Empty(t, items)
}
