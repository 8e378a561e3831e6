package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/safar/storefront/internal/database"
)

// The stock ledger owns product_variants.quantity_in_stock. Every write goes
// through a conditional UPDATE so the counter cannot go negative even when
// a caller skipped the lock.

func GetAvailable(ctx context.Context, q database.Querier, variantID int64) (int, error) {
	var available int
	err := q.QueryRowContext(ctx,
		`SELECT quantity_in_stock FROM product_variants WHERE id = $1`,
		variantID).Scan(&available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, database.ErrVariantNotFound
		}
		return 0, fmt.Errorf("get available stock: %w", err)
	}
	return available, nil
}

// LockVariant takes the row lock on a variant for the rest of tx and returns
// the quantity available under that lock.
func LockVariant(ctx context.Context, tx *sql.Tx, variantID int64) (int, error) {
	var available int
	err := tx.QueryRowContext(ctx,
		`SELECT quantity_in_stock
		 FROM product_variants
		 WHERE id = $1
		 FOR UPDATE`,
		variantID).Scan(&available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, database.ErrVariantNotFound
		}
		return 0, fmt.Errorf("lock variant %d: %w", variantID, err)
	}
	return available, nil
}

// LockVariantNoWait is LockVariant that fails with ErrLockTimeout instead of
// queueing behind another transaction. The driver error stays wrapped so
// WithRetry still treats the failure as transient.
func LockVariantNoWait(ctx context.Context, tx *sql.Tx, variantID int64) (int, error) {
	var available int
	err := tx.QueryRowContext(ctx,
		`SELECT quantity_in_stock
		 FROM product_variants
		 WHERE id = $1
		 FOR UPDATE NOWAIT`,
		variantID).Scan(&available)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "55P03" {
			return 0, fmt.Errorf("%w: variant %d: %w", database.ErrLockTimeout, variantID, err)
		}
		if errors.Is(err, sql.ErrNoRows) {
			return 0, database.ErrVariantNotFound
		}
		return 0, fmt.Errorf("lock variant %d (nowait): %w", variantID, err)
	}
	return available, nil
}

// Reserve decrements available stock by quantity. It fails with a
// *StockError wrapping ErrInsufficientStock when less than quantity is left.
func Reserve(ctx context.Context, tx *sql.Tx, variantID int64, quantity int) error {
	if quantity <= 0 {
		return database.ErrInvalidQuantity
	}

	var remaining int
	err := tx.QueryRowContext(ctx,
		`UPDATE product_variants
		 SET quantity_in_stock = quantity_in_stock - $1,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $2
		   AND quantity_in_stock >= $1
		 RETURNING quantity_in_stock`,
		quantity, variantID).Scan(&remaining)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reserve stock: %w", err)
	}

	available, getErr := GetAvailable(ctx, tx, variantID)
	if getErr != nil {
		return getErr
	}
	return database.NewStockError(database.ErrInsufficientStock, variantID, quantity, available)
}

// Release returns quantity units to a variant's available stock.
func Release(ctx context.Context, tx *sql.Tx, variantID int64, quantity int) error {
	if quantity <= 0 {
		return database.ErrInvalidQuantity
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE product_variants
		 SET quantity_in_stock = quantity_in_stock + $1,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $2`,
		quantity, variantID)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrVariantNotFound
	}

	return nil
}

// Restock adds freshly received units and returns the new available quantity.
// It does not queue behind a checkout holding the variant row; a busy row is
// retried with backoff and reported as ErrLockTimeout once retries run out.
func Restock(ctx context.Context, db *sql.DB, variantID int64, quantity int) (int, error) {
	if quantity <= 0 {
		return 0, database.ErrInvalidQuantity
	}

	var available int

	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		if _, err := LockVariantNoWait(ctx, tx, variantID); err != nil {
			return err
		}
		if err := Release(ctx, tx, variantID, quantity); err != nil {
			return err
		}

		var err error
		available, err = GetAvailable(ctx, tx, variantID)
		return err
	})
	if err != nil {
		return 0, err
	}

	return available, nil
}
