package database

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"
)

type TxOptions struct {
	IsolationLevel sql.IsolationLevel
	ReadOnly       bool
	MaxRetries     int
}

func DefaultTxOptions() TxOptions {
	return TxOptions{
		IsolationLevel: sql.LevelReadCommitted,
		ReadOnly:       false,
		MaxRetries:     3,
	}
}

// Beginner is satisfied by *sql.DB and *sql.Conn.
type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Querier is the subset of *sql.DB and *sql.Tx used by read paths that may run
// either standalone or inside a unit of work.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const initialBackoff = 50 * time.Millisecond

// WithTransaction runs fn in a single transaction. The transaction is rolled
// back on every path where fn fails, so no partial write survives.
func WithTransaction(ctx context.Context, db Beginner, opts TxOptions, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{
		Isolation: opts.IsolationLevel,
		ReadOnly:  opts.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// WithRetry is WithTransaction re-run on deadlocks, serialization failures and
// lock timeouts. Every attempt starts a fresh transaction.
func WithRetry(ctx context.Context, db Beginner, opts TxOptions, fn func(*sql.Tx) error) error {
	return Retry(ctx, opts.MaxRetries, func() error {
		return WithTransaction(ctx, db, opts, fn)
	})
}

// Retry calls attempt until it succeeds, returns a permanent error, or
// maxRetries extra attempts have been spent. attempt always runs at least
// once. Waits between attempts back off exponentially with jitter and are cut
// short by ctx.
func Retry(ctx context.Context, maxRetries int, attempt func() error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	backoff := initialBackoff

	for i := 0; i <= maxRetries; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := attempt()
		if err == nil {
			return nil
		}

		if !IsRetryable(err) {
			return err
		}

		if i == maxRetries {
			return fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, err)
		}

		lastErr = err

		timer := time.NewTimer(withJitter(backoff))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}

		backoff *= 2
	}

	return lastErr
}

func withJitter(backoff time.Duration) time.Duration {
	return backoff + time.Duration(rand.Int63n(int64(backoff/4)+1))
}
