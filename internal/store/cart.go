package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/models"
)

// Cart operations read live stock but never reserve it. Each runs in its own
// short transaction, independent of checkout.

const cartLineColumns = `id, user_id, variant_id, quantity, created_at, updated_at`

func scanCartLine(row interface{ Scan(...any) error }, line *models.CartLine) error {
	return row.Scan(
		&line.ID,
		&line.UserID,
		&line.VariantID,
		&line.Quantity,
		&line.CreatedAt,
		&line.UpdatedAt,
	)
}

// AddToCart merges quantity into the user's line for variantID, creating the
// line on first add. The stock check covers the merged total.
func AddToCart(ctx context.Context, db *sql.DB, userID, variantID int64, quantity int) (*models.CartLine, error) {
	if quantity <= 0 {
		return nil, database.ErrInvalidQuantity
	}

	line := &models.CartLine{}

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		if err := ensureUserExists(ctx, tx, userID); err != nil {
			return err
		}

		variant, err := GetVariant(ctx, tx, variantID)
		if err != nil {
			return err
		}

		var existing int
		err = tx.QueryRowContext(ctx,
			`SELECT quantity FROM cart_items WHERE user_id = $1 AND variant_id = $2 FOR UPDATE`,
			userID, variantID).Scan(&existing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("get cart line: %w", err)
		}

		requested := existing + quantity
		if variant.AvailableQuantity < requested {
			return database.NewStockError(database.ErrInsufficientStock, variantID, requested, variant.AvailableQuantity)
		}

		// The WHERE guard covers a concurrent first add that inserted the
		// line after the SELECT above.
		row := tx.QueryRowContext(ctx,
			`INSERT INTO cart_items (user_id, variant_id, quantity, created_at, updated_at)
			 VALUES ($1, $2, $3, NOW(), NOW())
			 ON CONFLICT (user_id, variant_id) DO UPDATE
			 SET quantity = cart_items.quantity + EXCLUDED.quantity,
			     updated_at = NOW()
			 WHERE cart_items.quantity + EXCLUDED.quantity <= $4
			 RETURNING `+cartLineColumns,
			userID, variantID, quantity, variant.AvailableQuantity)
		if err := scanCartLine(row, line); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return database.NewStockError(database.ErrInsufficientStock, variantID, requested, variant.AvailableQuantity)
			}
			return fmt.Errorf("upsert cart line: %w", err)
		}

		line.Variant = variant
		return nil
	})
	if err != nil {
		return nil, err
	}

	return line, nil
}

// lockOwnedCartLine loads a cart line under a row lock and checks ownership.
func lockOwnedCartLine(ctx context.Context, tx *sql.Tx, userID, lineID int64) (*models.CartLine, error) {
	line := &models.CartLine{}

	row := tx.QueryRowContext(ctx,
		`SELECT `+cartLineColumns+` FROM cart_items WHERE id = $1 FOR UPDATE`,
		lineID)
	if err := scanCartLine(row, line); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrCartItemNotFound
		}
		return nil, fmt.Errorf("lock cart line: %w", err)
	}

	if line.UserID != userID {
		return nil, database.ErrForbidden
	}

	return line, nil
}

// UpdateCartLine replaces the line quantity. Unlike AddToCart the stock check
// is against the new absolute quantity.
func UpdateCartLine(ctx context.Context, db *sql.DB, userID, lineID int64, quantity int) (*models.CartLine, error) {
	if quantity <= 0 {
		return nil, database.ErrInvalidQuantity
	}

	var line *models.CartLine

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var err error
		line, err = lockOwnedCartLine(ctx, tx, userID, lineID)
		if err != nil {
			return err
		}

		variant, err := GetVariant(ctx, tx, line.VariantID)
		if err != nil {
			if errors.Is(err, database.ErrVariantNotFound) {
				return fmt.Errorf("%w: cart line %d references missing variant %d", database.ErrInconsistentState, line.ID, line.VariantID)
			}
			return err
		}

		if variant.AvailableQuantity < quantity {
			return database.NewStockError(database.ErrInsufficientStock, line.VariantID, quantity, variant.AvailableQuantity)
		}

		err = tx.QueryRowContext(ctx,
			`UPDATE cart_items SET quantity = $1, updated_at = NOW() WHERE id = $2 RETURNING updated_at`,
			quantity, line.ID).Scan(&line.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update cart line: %w", err)
		}

		line.Quantity = quantity
		line.Variant = variant
		return nil
	})
	if err != nil {
		return nil, err
	}

	return line, nil
}

// RemoveCartLine deletes a line. Stock is untouched: carts never hold it.
func RemoveCartLine(ctx context.Context, db *sql.DB, userID, lineID int64) error {
	return database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		line, err := lockOwnedCartLine(ctx, tx, userID, lineID)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE id = $1`, line.ID); err != nil {
			return fmt.Errorf("remove cart line: %w", err)
		}
		return nil
	})
}

// ListCart returns the user's lines with current variant details for display.
func ListCart(ctx context.Context, q database.Querier, userID int64) ([]models.CartLine, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT c.id, c.user_id, c.variant_id, c.quantity, c.created_at, c.updated_at,
		        `+variantColumns+`
		 FROM cart_items c
		 JOIN product_variants v ON v.id = c.variant_id
		 JOIN products p ON p.id = v.product_id
		 WHERE c.user_id = $1
		 ORDER BY c.id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list cart: %w", err)
	}
	defer rows.Close()

	lines := []models.CartLine{}
	for rows.Next() {
		var line models.CartLine
		variant := &models.Variant{}
		err := rows.Scan(
			&line.ID,
			&line.UserID,
			&line.VariantID,
			&line.Quantity,
			&line.CreatedAt,
			&line.UpdatedAt,
			&variant.ID,
			&variant.ProductID,
			&variant.ProductName,
			&variant.Size,
			&variant.Color,
			&variant.UnitPrice,
			&variant.AvailableQuantity,
			&variant.UpdatedAt,
			&variant.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		line.Variant = variant
		lines = append(lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return lines, nil
}

// lockCart locks every line of the user's cart in variant order, the same
// order the commit pass locks variants in.
func lockCart(ctx context.Context, tx *sql.Tx, userID int64) ([]models.CartLine, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+cartLineColumns+`
		 FROM cart_items
		 WHERE user_id = $1
		 ORDER BY variant_id
		 FOR UPDATE`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("lock cart: %w", err)
	}
	defer rows.Close()

	var lines []models.CartLine
	for rows.Next() {
		var line models.CartLine
		if err := scanCartLine(rows, &line); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		lines = append(lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return lines, nil
}

// clearCartLines deletes exactly the given lines. Lines added concurrently
// after lockCart are left in place.
func clearCartLines(ctx context.Context, tx *sql.Tx, userID int64, lines []models.CartLine) error {
	ids := make([]int64, len(lines))
	for i, line := range lines {
		ids[i] = line.ID
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM cart_items WHERE user_id = $1 AND id = ANY($2)`,
		userID, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected != int64(len(ids)) {
		return fmt.Errorf("%w: cleared %d of %d locked cart lines", database.ErrInconsistentState, rowsAffected, len(ids))
	}

	return nil
}
