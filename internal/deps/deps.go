// Package deps maintains the dependency graph between entities of the same
// kind. HARD edges gate start and must stay acyclic; SOFT edges are
// informational.
package deps

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/workgate/internal/storage"
	"github.com/steveyegge/workgate/internal/types"
)

// Resolver answers start-readiness questions and guards edge insertion.
type Resolver struct {
	// CancelledSatisfies decides whether a cancelled HARD target releases its
	// dependents (with a warning) or keeps blocking them.
	CancelledSatisfies bool
}

// NewResolver creates a resolver with the given cancelled-target policy.
func NewResolver(cancelledSatisfies bool) *Resolver {
	return &Resolver{CancelledSatisfies: cancelledSatisfies}
}

// FindCycle reports the cycle that adding sourceID → targetID would close over
// the given HARD edges, as a path starting and ending at sourceID. It returns
// nil when the edge is safe. A self-edge is a cycle of length one.
func FindCycle(edges []*types.Dependency, sourceID, targetID string) []string {
	if sourceID == targetID {
		return []string{sourceID, sourceID}
	}

	graph := make(map[string][]string)
	for _, e := range edges {
		graph[e.SourceID] = append(graph[e.SourceID], e.TargetID)
	}

	// Depth-first search from target looking for source
	visited := make(map[string]bool)
	var path []string

	var dfs func(string) bool
	dfs = func(node string) bool {
		visited[node] = true
		path = append(path, node)
		if node == sourceID {
			return true
		}
		for _, neighbor := range graph[node] {
			if !visited[neighbor] && dfs(neighbor) {
				return true
			}
		}
		path = path[:len(path)-1] // Backtrack
		return false
	}

	if !dfs(targetID) {
		return nil
	}
	// path is target → ... → source; the new edge closes it
	return append([]string{sourceID}, path...)
}

// CheckInsert validates a new edge against the current graph inside the
// caller's transaction. Both endpoints must exist; duplicate edges and HARD
// edges that would close a cycle are rejected before anything is written.
func (r *Resolver) CheckInsert(ctx context.Context, reader storage.Reader, dep *types.Dependency) error {
	fail := func(kind types.ErrorKind, unmet ...types.UnmetCriterion) *types.TransitionError {
		return types.NewTransitionError(kind, dep.Kind, dep.SourceID, "", unmet...)
	}

	if !dep.Kind.IsValid() {
		return fail(types.KindInvalidInput, types.Unmetf(types.CodeInvalidValue, "invalid entity kind: %s", dep.Kind))
	}
	if !dep.Type.IsValid() {
		return fail(types.KindInvalidInput, types.Unmetf(types.CodeInvalidValue, "invalid dependency type: %s", dep.Type))
	}

	if dep.SourceID == dep.TargetID {
		te := fail(types.KindCyclicDependency, types.Unmetf(types.CodeCycle, "%s cannot depend on itself", dep.SourceID))
		te.Cycle = []string{dep.SourceID, dep.SourceID}
		return te
	}

	for _, id := range []string{dep.SourceID, dep.TargetID} {
		if _, err := storage.GetEntity(ctx, reader, dep.Kind, id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fail(types.KindNotFound, types.Unmetf(types.CodeNotFound, "%s %s not found", dep.Kind, id))
			}
			return fmt.Errorf("failed to load %s %s: %w", dep.Kind, id, err)
		}
	}

	existing, err := reader.GetDependencies(ctx, dep.Kind, dep.SourceID)
	if err != nil {
		return fmt.Errorf("failed to get dependencies: %w", err)
	}
	for _, e := range existing {
		if e.TargetID == dep.TargetID {
			return fail(types.KindInvalidInput,
				types.Unmetf(types.CodeDuplicateDependency, "%s already depends on %s (%s)", dep.SourceID, dep.TargetID, e.Type))
		}
	}

	if dep.Type != types.DepHard {
		return nil
	}

	edges, err := reader.GetHardEdges(ctx, dep.Kind)
	if err != nil {
		return fmt.Errorf("failed to get hard edges: %w", err)
	}
	if cycle := FindCycle(edges, dep.SourceID, dep.TargetID); cycle != nil {
		te := fail(types.KindCyclicDependency,
			types.Unmetf(types.CodeCycle, "adding %s → %s would create a cycle", dep.SourceID, dep.TargetID))
		te.Cycle = cycle
		return te
	}
	return nil
}

// Readiness is the outcome of a start-readiness check.
type Readiness struct {
	// Unmet lists HARD dependencies that still block start.
	Unmet []types.UnmetCriterion
	// Warnings surface cancelled HARD targets and incomplete SOFT targets.
	Warnings []string
}

// Unblocked reports whether nothing blocks start.
func (r Readiness) Unblocked() bool {
	return len(r.Unmet) == 0
}

// StartReadiness evaluates the dependencies of an entity against the current
// state of their targets. HARD edges are followed transitively: a target that
// is itself completed still blocks while anything it hard-depends on is not.
// SOFT edges are only read one level deep. Results are never cached.
func (r *Resolver) StartReadiness(ctx context.Context, reader storage.Reader, kind types.EntityKind, id string) (Readiness, error) {
	var rd Readiness

	visited := map[string]bool{id: true}
	type hop struct {
		id  string
		via string
	}
	queue := []hop{{id: id}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		edges, err := reader.GetDependencies(ctx, kind, cur.id)
		if err != nil {
			return rd, fmt.Errorf("failed to get dependencies: %w", err)
		}
		for _, e := range edges {
			direct := cur.id == id
			if e.Type == types.DepSoft && !direct {
				continue
			}
			if visited[e.TargetID] && e.Type != types.DepSoft {
				continue
			}

			target, err := storage.GetEntity(ctx, reader, kind, e.TargetID)
			if err != nil {
				return rd, fmt.Errorf("failed to load dependency %s: %w", e.TargetID, err)
			}

			if e.Type == types.DepSoft {
				if target.Status != types.StatusCompleted {
					rd.Warnings = append(rd.Warnings,
						fmt.Sprintf("soft dependency %s is %s", e.TargetID, target.Status))
				}
				continue
			}
			visited[e.TargetID] = true

			name := e.TargetID
			if !direct {
				name = fmt.Sprintf("%s (via %s)", e.TargetID, cur.via)
			}
			switch target.Status {
			case types.StatusCompleted:
			case types.StatusCancelled:
				if r.CancelledSatisfies {
					rd.Warnings = append(rd.Warnings,
						fmt.Sprintf("hard dependency %s was cancelled and no longer blocks", name))
					// A released dependency releases what it depended on
					continue
				}
				rd.Unmet = append(rd.Unmet, types.Unmetf(types.CodeDependencyCancelled,
					"hard dependency %s was cancelled", name))
			default:
				rd.Unmet = append(rd.Unmet, types.Unmetf(types.CodeDependencyIncomplete,
					"hard dependency %s is %s", name, target.Status))
			}

			via := cur.via
			if direct {
				via = e.TargetID
			}
			queue = append(queue, hop{id: e.TargetID, via: via})
		}
	}
	return rd, nil
}
