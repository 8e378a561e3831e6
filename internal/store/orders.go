package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/models"
	"github.com/shopspring/decimal"
)

func generateOrderNumber() string {
	return "ORD-" + uuid.NewString()
}

const orderColumns = `id, user_id, order_number, status, total_amount, shipping_address_id, created_at, updated_at, version`

func scanOrder(row interface{ Scan(...any) error }, order *models.Order) error {
	return row.Scan(
		&order.ID,
		&order.UserID,
		&order.OrderNumber,
		&order.Status,
		&order.TotalAmount,
		&order.ShippingAddressID,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
}

func insertOrder(ctx context.Context, tx *sql.Tx, userID, addressID int64, total decimal.Decimal) (*models.Order, error) {
	order := &models.Order{}

	row := tx.QueryRowContext(ctx,
		`INSERT INTO orders (user_id, order_number, status, total_amount, shipping_address_id, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW(), 1)
		 RETURNING `+orderColumns,
		userID, generateOrderNumber(), models.OrderStatusPending, total, addressID)
	if err := scanOrder(row, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	return order, nil
}

func insertOrderItem(ctx context.Context, tx *sql.Tx, orderID int64, variantID int64, quantity int, price, subtotal decimal.Decimal) (*models.OrderItem, error) {
	item := &models.OrderItem{}

	err := tx.QueryRowContext(ctx,
		`INSERT INTO order_items (order_id, variant_id, quantity, price_at_purchase, subtotal, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 RETURNING id, order_id, variant_id, quantity, price_at_purchase, subtotal, created_at`,
		orderID, variantID, quantity, price, subtotal).Scan(
		&item.ID,
		&item.OrderID,
		&item.VariantID,
		&item.Quantity,
		&item.PriceAtPurchase,
		&item.Subtotal,
		&item.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create order item: %w", err)
	}

	return item, nil
}

func GetOrder(ctx context.Context, q database.Querier, id int64) (*models.Order, error) {
	order := &models.Order{}

	row := q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if err := scanOrder(row, order); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := listOrderItems(ctx, q, id)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

// GetOrderForUser is GetOrder restricted to the order's owner.
func GetOrderForUser(ctx context.Context, q database.Querier, userID, orderID int64) (*models.Order, error) {
	order, err := GetOrder(ctx, q, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, database.ErrForbidden
	}
	return order, nil
}

func listOrderItems(ctx context.Context, q database.Querier, orderID int64) ([]models.OrderItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, order_id, variant_id, quantity, price_at_purchase, subtotal, created_at
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY variant_id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.VariantID,
			&item.Quantity,
			&item.PriceAtPurchase,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

func ListOrdersCursor(ctx context.Context, db database.Querier, userID int64, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	rows, err := db.QueryContext(ctx, query, userID, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		var order models.Order
		if err := scanOrder(rows, &order); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		lastOrder := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{
			CreatedAt: lastOrder.CreatedAt,
			ID:        lastOrder.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

func lockOrder(ctx context.Context, tx *sql.Tx, orderID int64) (*models.Order, error) {
	order := &models.Order{}

	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
	if err := scanOrder(row, order); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}

	return order, nil
}

// releaseOrderStock hands the order's reserved units back to the ledger,
// locking variants in ascending id order like checkout does.
func releaseOrderStock(ctx context.Context, tx *sql.Tx, orderID int64) error {
	items, err := listOrderItems(ctx, tx, orderID)
	if err != nil {
		return err
	}

	for _, item := range items {
		if _, err := LockVariant(ctx, tx, item.VariantID); err != nil {
			if errors.Is(err, database.ErrVariantNotFound) {
				return fmt.Errorf("%w: order %d references missing variant %d", database.ErrInconsistentState, orderID, item.VariantID)
			}
			return err
		}
		if err := Release(ctx, tx, item.VariantID, item.Quantity); err != nil {
			return err
		}
	}

	return nil
}

func transitionOrder(ctx context.Context, tx *sql.Tx, order *models.Order, status string) error {
	if !models.CanTransition(order.Status, status) {
		return fmt.Errorf("%w: %s -> %s", database.ErrInvalidStatusTransition, order.Status, status)
	}

	if status == models.OrderStatusCancelled {
		if err := releaseOrderStock(ctx, tx, order.ID); err != nil {
			return err
		}
	}

	err := tx.QueryRowContext(ctx,
		`UPDATE orders
		 SET status = $1, version = version + 1, updated_at = NOW()
		 WHERE id = $2 AND version = $3
		 RETURNING status, updated_at, version`,
		status, order.ID, order.Version).Scan(&order.Status, &order.UpdatedAt, &order.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.ErrOptimisticLockFailed
		}
		return fmt.Errorf("update order status: %w", err)
	}

	return nil
}

// UpdateOrderStatus moves an order along pending -> shipped -> delivered, or
// pending -> cancelled. A non-zero expectedVersion must match the stored one.
func UpdateOrderStatus(ctx context.Context, db *sql.DB, orderID int64, status string, expectedVersion int) (*models.Order, error) {
	if !models.IsValidOrderStatus(status) {
		return nil, fmt.Errorf("%w: unknown order status %q", database.ErrValidation, status)
	}

	var order *models.Order

	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var err error
		order, err = lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}

		if expectedVersion != 0 && order.Version != expectedVersion {
			return database.ErrOptimisticLockFailed
		}

		return transitionOrder(ctx, tx, order, status)
	})
	if err != nil {
		return nil, err
	}

	return GetOrder(ctx, db, orderID)
}

// CancelOrder cancels a pending order on behalf of its owner and returns the
// reserved stock.
func CancelOrder(ctx context.Context, db *sql.DB, userID, orderID int64) (*models.Order, error) {
	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		order, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return database.ErrForbidden
		}

		return transitionOrder(ctx, tx, order, models.OrderStatusCancelled)
	})
	if err != nil {
		return nil, err
	}

	return GetOrder(ctx, db, orderID)
}
