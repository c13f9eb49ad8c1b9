// Package retry provides Do, the bounded exponential backoff described
// in §7 for idempotent Claim Store operations (heartbeat, enqueue,
// release, mark-*, claim): three attempts, waiting about 1s and then 2s
// between them, with the interval capped at 4s. It must never wrap a
// non-idempotent create, since a retried create could double-insert.
// No package in this module calls Do; Claim Store errors reach their
// callers without a retry.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stokedconsulting/fleetcoord/internal/apperrors"
)

// Policy names which Kinds are worth a retry. Validation, NotFound,
// Conflict, and IllegalTransition are permanent outcomes the client
// caused; retrying them would just reproduce the same error three
// times slower. Only DependencyUnavailable (the store being briefly
// unreachable) is transient.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		return ae.Kind == apperrors.KindDependencyUnavailable
	}
	// Unclassified errors (e.g. a raw Mongo network error that hasn't
	// been wrapped yet) are assumed transient, matching dependency
	// failures.
	return true
}

// Do runs op up to three times, waiting 1s then 2s between attempts,
// and gives up immediately on a non-retryable apperrors.Error.
func Do[T any](ctx context.Context, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 4 * time.Second
	b.Multiplier = 2

	return backoff.Retry(ctx, func() (T, error) {
		result, err := op()
		if err != nil && !retryable(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(3))
}
