package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/workgate/internal/storage"
	"github.com/steveyegge/workgate/internal/types"
)

// BlockerSource says what a new blocker waits on: another entity, or an
// external condition described in free text.
type BlockerSource struct {
	RefKind     types.EntityKind
	RefID       string
	Description string
}

// InternalSource is a blocker that clears when the referenced entity completes.
func InternalSource(kind types.EntityKind, id string) BlockerSource {
	return BlockerSource{RefKind: kind, RefID: id}
}

// ExternalSource is a blocker that must be resolved explicitly.
func ExternalSource(description string) BlockerSource {
	return BlockerSource{Description: description}
}

// AddDependency records that sourceID depends on targetID. Both entities must
// be of the same kind. HARD edges that would close a cycle are rejected and
// the error carries the cycle path.
func (e *Engine) AddDependency(ctx context.Context, kind types.EntityKind, sourceID, targetID string, depType types.DependencyType, actor string) error {
	dep := &types.Dependency{
		Kind:      kind,
		SourceID:  sourceID,
		TargetID:  targetID,
		Type:      depType,
		CreatedAt: time.Now(),
		CreatedBy: actorOr(actor, "system"),
	}
	err := e.exclusive(ctx, kind, sourceID, "", func(tx storage.Transaction) error {
		if err := e.resolver.CheckInsert(ctx, tx, dep); err != nil {
			return err
		}
		if err := tx.AddDependency(ctx, dep); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return types.NewTransitionError(types.KindInvalidInput, kind, sourceID, "",
					types.Unmetf(types.CodeDuplicateDependency, "%s already depends on %s", sourceID, targetID))
			}
			return fmt.Errorf("failed to add dependency: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("dependency added", "kind", kind, "source", sourceID, "target", targetID, "type", depType)
	return nil
}

// AddBlocker attaches a blocker to an open entity and returns its ID.
func (e *Engine) AddBlocker(ctx context.Context, kind types.EntityKind, ownerID string, source BlockerSource, severity types.BlockerSeverity, actor string) (string, error) {
	b := &types.Blocker{
		OwnerKind:   kind,
		OwnerID:     ownerID,
		Source:      types.BlockerExternal,
		Description: source.Description,
		Severity:    severity,
		Status:      types.BlockerOpen,
	}
	if source.RefID != "" {
		b.Source = types.BlockerInternal
		b.RefKind = source.RefKind
		b.RefID = source.RefID
	}

	err := e.exclusive(ctx, kind, ownerID, "", func(tx storage.Transaction) error {
		return e.tracker.Add(ctx, tx, b, actorOr(actor, "system"))
	})
	if err != nil {
		return "", err
	}
	e.logger.Info("blocker added", "id", b.ID, "owner", ownerID, "source", b.Source, "severity", b.Severity, "status", b.Status)
	return b.ID, nil
}

// ResolveBlocker resolves a blocker with a reason. Resolving an
// already-resolved blocker succeeds without writing anything.
func (e *Engine) ResolveBlocker(ctx context.Context, blockerID, reason, actor string) error {
	var resolved bool
	err := e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		var err error
		resolved, err = e.tracker.Resolve(ctx, tx, blockerID, reason, actorOr(actor, "system"))
		return err
	})
	if err != nil {
		return err
	}
	if resolved {
		e.logger.Info("blocker resolved", "id", blockerID)
	} else {
		e.logger.Debug("blocker already resolved", "id", blockerID)
	}
	return nil
}
