package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

type ErrorClass int

const (
	ErrorClassPermanent ErrorClass = iota
	ErrorClassTransient
	ErrorClassDeadlock
	ErrorClassSerialization
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorClassTransient:
		return "transient"
	case ErrorClassDeadlock:
		return "deadlock"
	case ErrorClassSerialization:
		return "serialization"
	default:
		return "permanent"
	}
}

func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassPermanent
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001":
			return ErrorClassSerialization
		case "40P01":
			return ErrorClassDeadlock
		case "55P03":
			return ErrorClassTransient
		case "23505", "23503", "23502", "23514":
			return ErrorClassPermanent
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrorClassPermanent
	}

	return ErrorClassPermanent
}

func IsRetryable(err error) bool {
	class := ClassifyError(err)
	return class == ErrorClassTransient ||
		class == ErrorClassDeadlock ||
		class == ErrorClassSerialization
}

// IsQueryCanceled reports whether the server cancelled a statement, which is
// how lib/pq surfaces an expired context mid-query.
func IsQueryCanceled(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "57014"
}

// IsUniqueViolation reports whether err is a unique_violation on the named constraint.
// An empty constraint matches any unique violation.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

var (
	ErrValidation              = errors.New("validation error")
	ErrInvalidQuantity         = fmt.Errorf("%w: quantity must be a positive integer", ErrValidation)
	ErrInvalidPrice            = fmt.Errorf("%w: price must be positive", ErrValidation)
	ErrUserNotFound            = errors.New("user not found")
	ErrEmailTaken              = errors.New("email already exists")
	ErrProductNotFound         = errors.New("product not found")
	ErrVariantNotFound         = errors.New("product variant not found")
	ErrDuplicateVariant        = errors.New("variant with this size and color already exists")
	ErrAddressNotFound         = errors.New("shipping address not found or does not belong to user")
	ErrCartItemNotFound        = errors.New("cart item not found")
	ErrOrderNotFound           = errors.New("order not found")
	ErrForbidden               = errors.New("resource belongs to another user")
	ErrEmptyCart               = errors.New("cannot create order with an empty cart")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrStockChanged            = errors.New("stock changed during checkout")
	ErrInconsistentState       = errors.New("inconsistent state")
	ErrInvalidStatusTransition = errors.New("invalid order status transition")
	ErrOptimisticLockFailed    = errors.New("optimistic lock failed")
	ErrLockTimeout             = errors.New("lock timeout")
)

// StockError attaches the offending variant to a stock-related sentinel.
type StockError struct {
	Err       error
	VariantID int64
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("%v: variant %d (requested %d, available %d)", e.Err, e.VariantID, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error {
	return e.Err
}

func NewStockError(err error, variantID int64, requested, available int) error {
	return &StockError{Err: err, VariantID: variantID, Requested: requested, Available: available}
}
