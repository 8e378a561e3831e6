package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/models"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/safar/storefront/internal/store"

var (
	tracer           trace.Tracer = otel.Tracer(instrumentationName)
	checkoutOutcomes              = newCheckoutCounter()
)

func newCheckoutCounter() metric.Int64Counter {
	counter, err := otel.Meter(instrumentationName).Int64Counter(
		"storefront.checkout.outcomes",
		metric.WithDescription("Checkout attempts by outcome code"),
	)
	if err != nil {
		counter, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter("storefront.checkout.outcomes")
	}
	return counter
}

type PlaceOrderRequest struct {
	UserID            int64
	ShippingAddressID int64
}

type checkoutPhase string

const (
	phaseValidating checkoutPhase = "validating"
	phasePricing    checkoutPhase = "pricing"
	phaseCommitting checkoutPhase = "committing"
	phaseDone       checkoutPhase = "done"
)

type pricedLine struct {
	cartLine models.CartLine
	price    decimal.Decimal
	subtotal decimal.Decimal
}

// assembly is one checkout attempt. It only ever moves forward through the
// phases; a failure in any phase aborts the enclosing transaction.
type assembly struct {
	tx    *sql.Tx
	req   PlaceOrderRequest
	phase checkoutPhase
	cart  []models.CartLine
	lines []pricedLine
	total decimal.Decimal
}

// PlaceOrder turns the user's cart into a pending order in one transaction:
// stock is decremented, prices are frozen and the cart is emptied, or nothing
// changes at all.
func PlaceOrder(ctx context.Context, db *sql.DB, req PlaceOrderRequest, opts database.TxOptions) (*models.Order, error) {
	ctx, span := tracer.Start(ctx, "store.PlaceOrder")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order.user_id", req.UserID),
		attribute.Int64("order.shipping_address_id", req.ShippingAddressID),
	)

	var (
		order   *models.Order
		current *assembly
	)

	err := database.WithRetry(ctx, db, opts, func(tx *sql.Tx) error {
		current = &assembly{tx: tx, req: req}

		var err error
		order, err = current.run(ctx)
		return err
	})

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}

		failure := DescribeFailure(err)
		phase := phaseValidating
		if current != nil {
			phase = current.phase
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, failure.Code)
		checkoutOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", failure.Code)))

		attrs := []any{
			"user_id", req.UserID,
			"address_id", req.ShippingAddressID,
			"phase", string(phase),
			"code", failure.Code,
			"error", err,
		}
		switch failure.Code {
		case CodeInconsistentState:
			slog.ErrorContext(ctx, "checkout aborted on inconsistent state", append(attrs, "kind", "inconsistent_state")...)
		case CodeInternal, CodeTimeout:
			slog.ErrorContext(ctx, "checkout failed", attrs...)
		default:
			slog.InfoContext(ctx, "checkout rejected", attrs...)
		}
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("order.id", order.ID),
		attribute.String("order.number", order.OrderNumber),
	)
	checkoutOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "placed")))
	slog.InfoContext(ctx, "order placed",
		"user_id", req.UserID,
		"order_id", order.ID,
		"order_number", order.OrderNumber,
		"lines", len(order.Items),
		"total", order.TotalAmount.StringFixed(2),
	)

	return order, nil
}

func (a *assembly) run(ctx context.Context) (*models.Order, error) {
	a.phase = phaseValidating
	if err := a.validate(ctx); err != nil {
		return nil, err
	}

	a.phase = phasePricing
	a.price()

	a.phase = phaseCommitting
	order, err := a.commit(ctx)
	if err != nil {
		return nil, err
	}

	a.phase = phaseDone
	return order, nil
}

// validate is the read-only pass. Every line must pass before anything is
// written.
func (a *assembly) validate(ctx context.Context) error {
	if _, err := GetAddress(ctx, a.tx, a.req.UserID, a.req.ShippingAddressID); err != nil {
		return err
	}

	cart, err := lockCart(ctx, a.tx, a.req.UserID)
	if err != nil {
		return err
	}
	if len(cart) == 0 {
		return database.ErrEmptyCart
	}

	lines := make([]pricedLine, 0, len(cart))
	for _, line := range cart {
		variant, err := GetVariant(ctx, a.tx, line.VariantID)
		if err != nil {
			if errors.Is(err, database.ErrVariantNotFound) {
				return fmt.Errorf("%w: cart line %d references missing variant %d", database.ErrInconsistentState, line.ID, line.VariantID)
			}
			return err
		}

		if variant.AvailableQuantity < line.Quantity {
			return database.NewStockError(database.ErrInsufficientStock, line.VariantID, line.Quantity, variant.AvailableQuantity)
		}

		lines = append(lines, pricedLine{cartLine: line, price: variant.UnitPrice})
	}

	a.cart = cart
	a.lines = lines
	return nil
}

// price fixes each line subtotal and the order total from the prices read
// during validation. They are not read again.
func (a *assembly) price() {
	a.total = decimal.Zero
	for i := range a.lines {
		line := &a.lines[i]
		line.subtotal = line.price.Mul(decimal.NewFromInt(int64(line.cartLine.Quantity)))
		a.total = a.total.Add(line.subtotal)
	}
}

// commit is the only pass that writes. Variants are locked in ascending id
// order and stock is re-checked under the lock.
func (a *assembly) commit(ctx context.Context) (*models.Order, error) {
	order, err := insertOrder(ctx, a.tx, a.req.UserID, a.req.ShippingAddressID, a.total)
	if err != nil {
		return nil, err
	}

	items := make([]models.OrderItem, 0, len(a.lines))
	for _, line := range a.lines {
		variantID := line.cartLine.VariantID
		quantity := line.cartLine.Quantity

		available, err := LockVariant(ctx, a.tx, variantID)
		if err != nil {
			if errors.Is(err, database.ErrVariantNotFound) {
				return nil, fmt.Errorf("%w: variant %d vanished during checkout", database.ErrInconsistentState, variantID)
			}
			return nil, err
		}
		if available < quantity {
			return nil, database.NewStockError(database.ErrStockChanged, variantID, quantity, available)
		}

		item, err := insertOrderItem(ctx, a.tx, order.ID, variantID, quantity, line.price, line.subtotal)
		if err != nil {
			return nil, err
		}

		if err := Reserve(ctx, a.tx, variantID, quantity); err != nil {
			var stockErr *database.StockError
			if errors.As(err, &stockErr) {
				return nil, database.NewStockError(database.ErrStockChanged, variantID, quantity, stockErr.Available)
			}
			return nil, err
		}

		items = append(items, *item)
	}

	if err := clearCartLines(ctx, a.tx, a.req.UserID, a.cart); err != nil {
		return nil, err
	}

	order.Items = items
	return order, nil
}
