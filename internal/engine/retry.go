package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/steveyegge/workgate/internal/types"
)

// DefaultRetryAttempts bounds Retry when callers pass zero.
const DefaultRetryAttempts = 5

func newRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	return bo
}

// Retry runs fn until it succeeds, fails with something other than an
// in-flight conflict, or attempts are exhausted. Only entity_busy conflicts
// are retried: a version mismatch means the caller's view is stale and must
// be refreshed, so it is returned immediately.
func Retry(ctx context.Context, attempts uint64, fn func() error) error {
	if attempts == 0 {
		attempts = DefaultRetryAttempts
	}
	bo := backoff.WithMaxRetries(newRetryBackoff(), attempts)
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err
		}
		return backoff.Permanent(err) // Non-retryable - stop immediately
	}, backoff.WithContext(bo, ctx))
}

func isBusy(err error) bool {
	var te *types.TransitionError
	if !errors.As(err, &te) || te.Kind != types.KindConcurrentModification {
		return false
	}
	for _, code := range te.Codes() {
		if code == types.CodeEntityBusy {
			return true
		}
	}
	return false
}
