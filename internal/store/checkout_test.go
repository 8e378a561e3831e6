package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func placeOrder(ctx context.Context, t *testing.T, f fixture) (*models.Order, error) {
	t.Helper()
	return PlaceOrder(ctx, pgDB, PlaceOrderRequest{
		UserID:            f.user.ID,
		ShippingAddressID: f.address.ID,
	}, database.DefaultTxOptions())
}

func TestPlaceOrder(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	f := newFixture(t, db, "buyer@example.com")
	variant := newVariant(t, db, "25.00", 10)

	_, err := AddToCart(ctx, db, f.user.ID, variant.ID, 2)
	require.NoError(t, err)

	order, err := placeOrder(ctx, t, f)
	require.NoError(t, err)

	assert.True(t, order.TotalAmount.Equal(decimal.RequireFromString("50.00")), "total %s", order.TotalAmount)
	assert.Equal(t, "Pending", order.Status)
	assert.Equal(t, f.address.ID, order.ShippingAddressID)
	require.Len(t, order.Items, 1)
	assert.Equal(t, variant.ID, order.Items[0].VariantID)
	assert.Equal(t, 2, order.Items[0].Quantity)
	assert.True(t, order.Items[0].PriceAtPurchase.Equal(decimal.RequireFromString("25.00")))

	assert.Equal(t, 8, available(t, db, variant.ID))

	cart, err := ListCart(ctx, db, f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, cart)

	stored, err := GetOrderForUser(ctx, db, f.user.ID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderNumber, stored.OrderNumber)
	require.Len(t, stored.Items, 1)
}

func TestPlaceOrderMultipleLines(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	f := newFixture(t, db, "multi@example.com")
	shirt := newVariant(t, db, "19.99", 5)
	socks := newVariant(t, db, "4.50", 20)

	_, err := AddToCart(ctx, db, f.user.ID, socks.ID, 3)
	require.NoError(t, err)
	_, err = AddToCart(ctx, db, f.user.ID, shirt.ID, 2)
	require.NoError(t, err)

	order, err := placeOrder(ctx, t, f)
	require.NoError(t, err)

	assert.True(t, order.TotalAmount.Equal(decimal.RequireFromString("53.48")), "total %s", order.TotalAmount)
	require.Len(t, order.Items, 2)
	assert.Equal(t, 3, available(t, db, shirt.ID))
	assert.Equal(t, 17, available(t, db, socks.ID))
}

func TestPlaceOrderInsufficientStock(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	f := newFixture(t, db, "short@example.com")
	variant := newVariant(t, db, "25.00", 10)

	line, err := AddToCart(ctx, db, f.user.ID, variant.ID, 2)
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE product_variants SET quantity_in_stock = 1 WHERE id = $1`, variant.ID)
	require.NoError(t, err)

	_, err = placeOrder(ctx, t, f)
	require.Error(t, err)
	assert.True(t, errors.Is(err, database.ErrInsufficientStock))

	var stockErr *database.StockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, variant.ID, stockErr.VariantID)
	assert.Equal(t, 2, stockErr.Requested)
	assert.Equal(t, 1, stockErr.Available)

	assert.Equal(t, 1, available(t, db, variant.ID))
	assert.Equal(t, 0, countRows(t, db, "orders"))

	cart, err := ListCart(ctx, db, f.user.ID)
	require.NoError(t, err)
	require.Len(t, cart, 1)
	assert.Equal(t, line.ID, cart[0].ID)
	assert.Equal(t, 2, cart[0].Quantity)
}

func TestPlaceOrderIsAllOrNothing(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	f := newFixture(t, db, "atomic@example.com")
	plenty := newVariant(t, db, "10.00", 50)
	scarce := newVariant(t, db, "15.00", 3)

	_, err := AddToCart(ctx, db, f.user.ID, plenty.ID, 5)
	require.NoError(t, err)
	_, err = AddToCart(ctx, db, f.user.ID, scarce.ID, 3)
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE product_variants SET quantity_in_stock = 2 WHERE id = $1`, scarce.ID)
	require.NoError(t, err)

	_, err = placeOrder(ctx, t, f)
	require.ErrorIs(t, err, database.ErrInsufficientStock)

	assert.Equal(t, 50, available(t, db, plenty.ID))
	assert.Equal(t, 2, available(t, db, scarce.ID))
	assert.Equal(t, 0, countRows(t, db, "orders"))
	assert.Equal(t, 0, countRows(t, db, "order_items"))
	assert.Equal(t, 2, countRows(t, db, "cart_items"))
}

func TestPlaceOrderStockChangedDuringCommit(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	f := newFixture(t, db, "racer@example.com")
	variant := newVariant(t, db, "25.00", 3)

	line, err := AddToCart(ctx, db, f.user.ID, variant.ID, 2)
	require.NoError(t, err)

	rival, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer rival.Rollback()

	_, err = LockVariant(ctx, rival, variant.ID)
	require.NoError(t, err)
	require.NoError(t, Reserve(ctx, rival, variant.ID, 2))

	done := make(chan error, 1)
	go func() {
		_, err := placeOrder(ctx, t, f)
		done <- err
	}()

	// Validation reads the committed 3 units, then the commit pass queues
	// behind rival's row lock.
	waitForLockWaiter(t, db)
	require.NoError(t, rival.Commit())

	select {
	case err = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("PlaceOrder did not return after the rival committed")
	}

	require.ErrorIs(t, err, database.ErrStockChanged)
	assert.NotErrorIs(t, err, database.ErrInsufficientStock)
	assert.Equal(t, CodeStockChanged, DescribeFailure(err).Code)

	var stockErr *database.StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, variant.ID, stockErr.VariantID)
	assert.Equal(t, 2, stockErr.Requested)
	assert.Equal(t, 1, stockErr.Available)

	assert.Equal(t, 0, countRows(t, db, "orders"))
	assert.Equal(t, 0, countRows(t, db, "order_items"))
	assert.Equal(t, 1, available(t, db, variant.ID))

	cart, err := ListCart(ctx, db, f.user.ID)
	require.NoError(t, err)
	require.Len(t, cart, 1)
	assert.Equal(t, line.ID, cart[0].ID)
	assert.Equal(t, 2, cart[0].Quantity)
}

func TestPlaceOrderTimesOutWaitingForStock(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	f := newFixture(t, db, "slow@example.com")
	variant := newVariant(t, db, "25.00", 5)

	_, err := AddToCart(ctx, db, f.user.ID, variant.ID, 1)
	require.NoError(t, err)

	holder, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer holder.Rollback()

	_, err = LockVariant(ctx, holder, variant.ID)
	require.NoError(t, err)

	timeoutCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()

	_, err = placeOrder(timeoutCtx, t, f)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, CodeTimeout, DescribeFailure(err).Code)

	require.NoError(t, holder.Rollback())
	assert.Equal(t, 5, available(t, db, variant.ID))
	assert.Equal(t, 0, countRows(t, db, "orders"))
	assert.Equal(t, 1, countRows(t, db, "cart_items"))
}

func TestPlaceOrderEmptyCart(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	f := newFixture(t, db, "empty@example.com")

	_, err := placeOrder(ctx, t, f)
	require.ErrorIs(t, err, database.ErrEmptyCart)
	assert.Equal(t, 0, countRows(t, db, "orders"))
	assert.Equal(t, CodeEmptyCart, DescribeFailure(err).Code)
}

func TestPlaceOrderRejectsForeignAddress(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	buyer := newFixture(t, db, "buyer@example.com")
	other := newFixture(t, db, "other@example.com")
	variant := newVariant(t, db, "25.00", 10)

	_, err := AddToCart(ctx, db, buyer.user.ID, variant.ID, 1)
	require.NoError(t, err)

	_, err = PlaceOrder(ctx, db, PlaceOrderRequest{
		UserID:            buyer.user.ID,
		ShippingAddressID: other.address.ID,
	}, database.DefaultTxOptions())
	require.ErrorIs(t, err, database.ErrAddressNotFound)

	assert.Equal(t, 10, available(t, db, variant.ID))
	assert.Equal(t, 1, countRows(t, db, "cart_items"))
}

func TestPlaceOrderFreezesPrice(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	f := newFixture(t, db, "freeze@example.com")
	variant := newVariant(t, db, "25.00", 10)

	_, err := AddToCart(ctx, db, f.user.ID, variant.ID, 2)
	require.NoError(t, err)

	order, err := placeOrder(ctx, t, f)
	require.NoError(t, err)

	_, err = SetVariantPrice(ctx, db, variant.ID, decimal.RequireFromString("99.00"))
	require.NoError(t, err)

	stored, err := GetOrder(ctx, db, order.ID)
	require.NoError(t, err)

	assert.True(t, stored.TotalAmount.Equal(decimal.RequireFromString("50.00")))
	require.Len(t, stored.Items, 1)
	assert.True(t, stored.Items[0].PriceAtPurchase.Equal(decimal.RequireFromString("25.00")))
}

func TestPlaceOrderConcurrentLastUnit(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	variant := newVariant(t, db, "25.00", 1)
	alice := newFixture(t, db, "alice@example.com")
	bob := newFixture(t, db, "bob@example.com")

	for _, f := range []fixture{alice, bob} {
		_, err := AddToCart(ctx, db, f.user.ID, variant.ID, 1)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)

	for _, f := range []fixture{alice, bob} {
		wg.Add(1)
		go func(f fixture) {
			defer wg.Done()
			_, err := placeOrder(ctx, t, f)
			results <- err
		}(f)
	}

	wg.Wait()
	close(results)

	successCount := 0
	for err := range results {
		if err == nil {
			successCount++
			continue
		}
		assert.True(t,
			errors.Is(err, database.ErrInsufficientStock) || errors.Is(err, database.ErrStockChanged),
			"unexpected error: %v", err)
	}

	assert.Equal(t, 1, successCount)
	assert.Equal(t, 0, available(t, db, variant.ID))
	assert.Equal(t, 1, countRows(t, db, "orders"))
}

func TestPlaceOrderConcurrentNeverOversells(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	variant := newVariant(t, db, "5.00", 7)

	const buyers = 6
	fixtures := make([]fixture, buyers)
	for i := range fixtures {
		fixtures[i] = newFixture(t, db, "buyer"+string(rune('a'+i))+"@example.com")
		_, err := AddToCart(ctx, db, fixtures[i].user.ID, variant.ID, 2)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	results := make(chan error, buyers)
	for _, f := range fixtures {
		wg.Add(1)
		go func(f fixture) {
			defer wg.Done()
			_, err := placeOrder(ctx, t, f)
			results <- err
		}(f)
	}

	wg.Wait()
	close(results)

	successCount := 0
	for err := range results {
		if err == nil {
			successCount++
		}
	}

	assert.Equal(t, 3, successCount)
	assert.Equal(t, 1, available(t, db, variant.ID))
	assert.GreaterOrEqual(t, available(t, db, variant.ID), 0)
}

func TestClearCartLinesDetectsMissingLines(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	f := newFixture(t, db, "late@example.com")
	variant := newVariant(t, db, "25.00", 10)

	line, err := AddToCart(ctx, db, f.user.ID, variant.ID, 1)
	require.NoError(t, err)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	lines, err := lockCart(ctx, tx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, line.ID, lines[0].ID)

	err = clearCartLines(ctx, tx, f.user.ID, []models.CartLine{{ID: line.ID + 1000}})
	require.ErrorIs(t, err, database.ErrInconsistentState)
}

func TestDescribeFailureForCheckoutErrors(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	f := newFixture(t, db, "describe@example.com")
	variant := newVariant(t, db, "25.00", 1)

	_, err := AddToCart(ctx, db, f.user.ID, variant.ID, 5)
	require.Error(t, err)

	failure := DescribeFailure(err)
	assert.Equal(t, CodeInsufficientStock, failure.Code)
	assert.Equal(t, variant.ID, failure.VariantID)
}
