package database

import (
	"context"
	"database/sql"
	"math/rand/v2"
	"time"
)

type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	}
}

// WithRetry runs fn, retrying transient failures with exponential backoff.
// The last error is returned as is once attempts run out.
func WithRetry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	if policy.MaxAttempts <= 1 {
		return fn(ctx)
	}

	var lastErr error
	delay := policy.InitialDelay

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		// 10% jitter
		wait := delay + time.Duration(rand.Float64()*float64(delay)*0.1)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = time.Duration(float64(delay) * policy.Multiplier)
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}

	return lastErr
}

// Transactional runs fn inside a transaction. A transient failure anywhere in the
// transaction rolls it back and retries it from the start.
func Transactional(ctx context.Context, db *sql.DB, policy RetryPolicy, fn func(*sql.Tx) error) error {
	return WithRetry(ctx, policy, func(ctx context.Context) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}

		return tx.Commit()
	})
}
