// Package blockers tracks impediments attached to work items and tasks and
// resolves internally-sourced blockers when their referent completes.
package blockers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/steveyegge/workgate/internal/storage"
	"github.com/steveyegge/workgate/internal/types"
)

// Tracker adds, resolves, and cascades blockers. It holds no state of its own;
// every call works against the transaction it is given.
type Tracker struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a tracker. A nil logger discards output.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tracker{logger: logger, now: time.Now}
}

// Add attaches a blocker to its owner. The owner and, for internal blockers,
// the referent must exist. An internal blocker whose referent is already
// completed is recorded as resolved so that it never blocks.
func (t *Tracker) Add(ctx context.Context, tx storage.Transaction, b *types.Blocker, actor string) error {
	if err := b.Validate(); err != nil {
		return types.NewTransitionError(types.KindInvalidInput, b.OwnerKind, b.OwnerID, "",
			types.Unmetf(types.CodeInvalidValue, "%v", err))
	}

	owner, err := storage.GetEntity(ctx, tx, b.OwnerKind, b.OwnerID)
	if err != nil {
		return notFound(err, b.OwnerKind, b.OwnerID)
	}
	if owner.Status.IsTerminal() {
		return types.NewTransitionError(types.KindInvalidTransition, b.OwnerKind, b.OwnerID, "",
			types.Unmetf(types.CodeWrongStatus, "cannot add a blocker to a %s %s", owner.Status, b.OwnerKind))
	}

	if b.Source == types.BlockerInternal {
		ref, err := storage.GetEntity(ctx, tx, b.RefKind, b.RefID)
		if err != nil {
			return notFound(err, b.RefKind, b.RefID)
		}
		if ref.Status == types.StatusCompleted {
			now := t.now()
			b.Status = types.BlockerResolved
			b.ResolutionReason = fmt.Sprintf("%s %s was already completed", b.RefKind, b.RefID)
			b.ResolvedBy = types.ResolvedByCascade
			b.ResolvedAt = &now
		}
	}

	if err := tx.AddBlocker(ctx, b, actor); err != nil {
		return fmt.Errorf("failed to add blocker: %w", err)
	}
	return nil
}

// Resolve explicitly resolves a blocker. A reason is required. Resolving an
// already-resolved blocker is a no-op that reports false.
func (t *Tracker) Resolve(ctx context.Context, tx storage.Transaction, id, reason, actor string) (bool, error) {
	if strings.TrimSpace(reason) == "" {
		return false, types.NewTransitionError(types.KindMissingParameter, "", "", "",
			types.Unmetf(types.CodeParameterRequired, "resolving blocker %s requires a reason", id))
	}
	if _, err := tx.GetBlocker(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, types.NewTransitionError(types.KindNotFound, "", "", "",
				types.Unmetf(types.CodeNotFound, "blocker %s not found", id))
		}
		return false, fmt.Errorf("failed to get blocker %s: %w", id, err)
	}
	resolved, err := tx.ResolveBlocker(ctx, id, reason, actor, t.now())
	if err != nil {
		return false, fmt.Errorf("failed to resolve blocker %s: %w", id, err)
	}
	return resolved, nil
}

// CompletionReadiness lists the open blocking blockers that prevent an entity
// from completing. Advisory blockers never block.
func CompletionReadiness(ctx context.Context, reader storage.Reader, kind types.EntityKind, id string) ([]types.UnmetCriterion, error) {
	list, err := reader.GetBlockers(ctx, kind, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get blockers: %w", err)
	}
	var unmet []types.UnmetCriterion
	for _, b := range list {
		if !b.IsBlocking() {
			continue
		}
		if b.Source == types.BlockerInternal {
			unmet = append(unmet, types.Unmetf(types.CodeOpenBlocker,
				"blocker %s is open until %s %s completes", b.ID, b.RefKind, b.RefID))
		} else {
			unmet = append(unmet, types.Unmetf(types.CodeOpenBlocker,
				"blocker %s is open: %s", b.ID, b.Description))
		}
	}
	return unmet, nil
}

// OnCompleted resolves every open internal blocker that references the
// completed entity. It runs inside the transaction that recorded the
// completion and is idempotent: already-resolved blockers are left alone.
func (t *Tracker) OnCompleted(ctx context.Context, tx storage.Transaction, kind types.EntityKind, id string) error {
	referencing, err := tx.GetOpenBlockersReferencing(ctx, kind, id)
	if err != nil {
		return fmt.Errorf("failed to find blockers referencing %s: %w", id, err)
	}

	reason := fmt.Sprintf("%s %s completed", kind, id)
	now := t.now()
	for _, b := range referencing {
		resolved, err := tx.ResolveBlocker(ctx, b.ID, reason, types.ResolvedByCascade, now)
		if err != nil {
			return fmt.Errorf("failed to auto-resolve blocker %s: %w", b.ID, err)
		}
		if resolved {
			t.logger.Info("blocker auto-resolved",
				"blocker", b.ID, "owner_kind", b.OwnerKind, "owner", b.OwnerID, "referent", id)
		}
	}
	return nil
}

func notFound(err error, kind types.EntityKind, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return types.NewTransitionError(types.KindNotFound, kind, id, "",
			types.Unmetf(types.CodeNotFound, "%s %s not found", kind, id))
	}
	return fmt.Errorf("failed to load %s %s: %w", kind, id, err)
}
