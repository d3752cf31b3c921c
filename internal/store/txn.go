// ABOUTME: Transaction coordinator: scoped begin/commit/rollback around a work closure
// ABOUTME: Context-aware and retrying variants share the same commit/rollback semantics

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Transaction begins a write transaction, invokes fn with the transactional
// connection, and commits when fn returns nil. When fn returns an error the
// transaction is rolled back and fn's error is returned; the rollback error
// is suppressed unless rollback itself fails for a reason other than an
// already-broken transaction manager.
func (c *DBConn) Transaction(ctx context.Context, fn func(*DBConn) error) error {
	if err := c.begin(ctx); err != nil {
		return err
	}
	c.log.Debug("transaction beginning")

	if err := fn(c); err != nil {
		c.log.Debug("transaction being rolled back")
		return c.rollbackPreserving(ctx, err)
	}

	if err := c.commit(ctx); err != nil {
		return err
	}
	c.log.Debug("transaction committed")
	return nil
}

// TransactionContext has the same commit/rollback semantics as Transaction
// for work that suspends: fn may interleave network I/O with local writes.
// Aliased handles handed out with Retain must be Released before fn returns;
// the coordinator re-checks exclusive ownership of the connection before any
// commit or rollback is issued, and a leaked alias aborts the transaction
// with ErrConnShared.
func (c *DBConn) TransactionContext(ctx context.Context, fn func(context.Context, *DBConn) error) error {
	if err := c.begin(ctx); err != nil {
		return err
	}
	c.log.Debug("transaction beginning")

	workErr := fn(ctx, c)

	if err := c.assertExclusive(); err != nil {
		// Commit or rollback through a still-shared connection would break
		// single-writer discipline. Unwind and report the protocol breach.
		_, rbErr := c.execContext(ctx, "ROLLBACK")
		_ = rbErr
		if workErr != nil {
			return fmt.Errorf("%w (work error: %v)", err, workErr)
		}
		return err
	}

	if workErr != nil {
		c.log.Debug("transaction being rolled back")
		return c.rollbackPreserving(ctx, workErr)
	}

	if err := c.commit(ctx); err != nil {
		return err
	}
	c.log.Debug("transaction committed")
	return nil
}

// RetryPolicy bounds the retrying transaction variant. Only errors classified
// retryable by IsRetryable are retried; everything else propagates after a
// single attempt.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy waits out short-lived write contention.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

// TransactionWithRetry wraps TransactionContext in the supplied retry policy.
func (c *DBConn) TransactionWithRetry(ctx context.Context, policy RetryPolicy, fn func(context.Context, *DBConn) error) error {
	if policy.MaxAttempts < 1 {
		policy = DefaultRetryPolicy()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialInterval
	bo.MaxInterval = policy.MaxInterval

	attempt := 0
	op := func() error {
		attempt++
		err := c.TransactionContext(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		c.log.Debug("retrying transaction", "attempt", attempt, "error", err)
		return err
	}

	capped := backoff.WithMaxRetries(bo, uint64(policy.MaxAttempts-1))
	return backoff.Retry(op, backoff.WithContext(capped, ctx))
}

// begin opens a write transaction immediately so lock contention surfaces
// here, not at commit time.
func (c *DBConn) begin(ctx context.Context) error {
	if _, err := c.execContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	return nil
}

func (c *DBConn) commit(ctx context.Context) error {
	if _, err := c.execContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// rollbackPreserving rolls back and returns workErr. A broken transaction
// manager during rollback is a consequence of the original failure and never
// masks it; any other rollback failure supersedes workErr.
func (c *DBConn) rollbackPreserving(ctx context.Context, workErr error) error {
	if _, err := c.execContext(ctx, "ROLLBACK"); err != nil && !isBrokenTxn(err) {
		return fmt.Errorf("rolling back transaction: %w", err)
	}
	return workErr
}
