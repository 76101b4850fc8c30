package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RetryPolicy bounds how write conflicts are retried.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// BaseDelay is the wait before the second try. Each later wait doubles.
	BaseDelay time.Duration
}

// DefaultRetryPolicy retries a conflicting write three times in total,
// waiting 50ms then 100ms.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 50 * time.Millisecond}

// Retry runs fn until it succeeds, fails with a non-conflict error, or the
// policy is exhausted. Non-conflict errors are returned unchanged. An
// exhausted conflict is returned wrapping both ErrStoreFailure and ErrConflict.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := policy.BaseDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !IsConflict(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrStoreFailure, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}

	return fmt.Errorf("%w: %w: after %d attempts: %w", ErrStoreFailure, ErrConflict, attempts, err)
}

// RetryTx runs fn inside a transaction, retrying the whole transaction on
// conflict under DefaultRetryPolicy.
func (db *DB) RetryTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return Retry(ctx, DefaultRetryPolicy, func() error {
		return db.WithTx(ctx, fn)
	})
}
