package store

import (
	"context"
	"strings"
	"testing"

	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func placedOrder(t *testing.T, f fixture, variant *models.Variant, qty int) *models.Order {
	t.Helper()
	ctx := context.Background()

	_, err := AddToCart(ctx, pgDB, f.user.ID, variant.ID, qty)
	require.NoError(t, err)

	order, err := placeOrder(ctx, t, f)
	require.NoError(t, err)
	return order
}

func TestOrderNumberFormat(t *testing.T) {
	number := generateOrderNumber()
	assert.True(t, strings.HasPrefix(number, "ORD-"))
	assert.NotEqual(t, number, generateOrderNumber())
}

func TestGetOrderForUser(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	owner := newFixture(t, db, "owner@example.com")
	other := newFixture(t, db, "other@example.com")
	variant := newVariant(t, db, "25.00", 10)

	order := placedOrder(t, owner, variant, 1)

	_, err := GetOrderForUser(ctx, db, other.user.ID, order.ID)
	assert.ErrorIs(t, err, database.ErrForbidden)

	_, err = GetOrderForUser(ctx, db, owner.user.ID, order.ID+100)
	assert.ErrorIs(t, err, database.ErrOrderNotFound)
}

func TestCancelOrderReleasesStock(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	f := newFixture(t, db, "cancel@example.com")
	variant := newVariant(t, db, "25.00", 10)

	order := placedOrder(t, f, variant, 4)
	assert.Equal(t, 6, available(t, db, variant.ID))

	cancelled, err := CancelOrder(ctx, db, f.user.ID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, order.Version+1, cancelled.Version)
	assert.Equal(t, 10, available(t, db, variant.ID))

	_, err = CancelOrder(ctx, db, f.user.ID, order.ID)
	assert.ErrorIs(t, err, database.ErrInvalidStatusTransition)
	assert.Equal(t, 10, available(t, db, variant.ID), "second cancel must not release twice")
}

func TestCancelOrderOwnership(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	owner := newFixture(t, db, "owner@example.com")
	other := newFixture(t, db, "other@example.com")
	variant := newVariant(t, db, "25.00", 10)

	order := placedOrder(t, owner, variant, 2)

	_, err := CancelOrder(ctx, db, other.user.ID, order.ID)
	assert.ErrorIs(t, err, database.ErrForbidden)
	assert.Equal(t, 8, available(t, db, variant.ID))
}

func TestUpdateOrderStatusTransitions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	f := newFixture(t, db, "status@example.com")
	variant := newVariant(t, db, "25.00", 10)

	order := placedOrder(t, f, variant, 1)

	shipped, err := UpdateOrderStatus(ctx, db, order.ID, models.OrderStatusShipped, order.Version)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusShipped, shipped.Status)

	_, err = UpdateOrderStatus(ctx, db, order.ID, models.OrderStatusCancelled, 0)
	assert.ErrorIs(t, err, database.ErrInvalidStatusTransition)

	_, err = UpdateOrderStatus(ctx, db, order.ID, models.OrderStatusDelivered, order.Version)
	assert.ErrorIs(t, err, database.ErrOptimisticLockFailed)

	delivered, err := UpdateOrderStatus(ctx, db, order.ID, models.OrderStatusDelivered, shipped.Version)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDelivered, delivered.Status)

	_, err = UpdateOrderStatus(ctx, db, order.ID, "lost", 0)
	assert.ErrorIs(t, err, database.ErrValidation)

	assert.Equal(t, 9, available(t, db, variant.ID))
}

func TestListOrdersCursor(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	f := newFixture(t, db, "cursor@example.com")
	variant := newVariant(t, db, "1.00", 100)

	for i := 0; i < 15; i++ {
		placedOrder(t, f, variant, 1)
	}

	page1, err := ListOrdersCursor(ctx, db, f.user.ID, "", 10)
	require.NoError(t, err)
	assert.True(t, page1.HasMore)
	assert.NotEmpty(t, page1.NextCursor)
	assert.Len(t, page1.Items, 10)

	page2, err := ListOrdersCursor(ctx, db, f.user.ID, page1.NextCursor, 10)
	require.NoError(t, err)
	assert.False(t, page2.HasMore)
	assert.Len(t, page2.Items, 5)

	seen := map[int64]bool{}
	for _, page := range []*CursorPage{page1, page2} {
		for _, order := range page.Items.([]models.Order) {
			assert.False(t, seen[order.ID], "order %d listed twice", order.ID)
			seen[order.ID] = true
		}
	}
	assert.Len(t, seen, 15)
}
