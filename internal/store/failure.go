package store

import (
	"context"
	"errors"

	"github.com/safar/storefront/internal/database"
)

const (
	CodeValidation         = "validation_error"
	CodeNotFound           = "not_found"
	CodeForbidden          = "forbidden"
	CodeConflict           = "conflict"
	CodeInsufficientStock  = "insufficient_stock"
	CodeStockChanged       = "stock_changed_during_checkout"
	CodeEmptyCart          = "empty_cart"
	CodeAddressNotFound    = "address_not_found"
	CodeInconsistentState  = "inconsistent_state"
	CodeInvalidTransition  = "invalid_status_transition"
	CodeTimeout            = "timeout"
	CodeInternal           = "internal_error"
	internalFailureMessage = "internal error"
)

// Failure is the structured result every store error is translated into at
// the API boundary.
type Failure struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	VariantID int64  `json:"variant_id,omitempty"`
}

func (f Failure) Error() string {
	return f.Code + ": " + f.Message
}

var failureCodes = []struct {
	err  error
	code string
}{
	{database.ErrAddressNotFound, CodeAddressNotFound},
	{database.ErrEmptyCart, CodeEmptyCart},
	{database.ErrStockChanged, CodeStockChanged},
	{database.ErrInsufficientStock, CodeInsufficientStock},
	{database.ErrInconsistentState, CodeInconsistentState},
	{database.ErrInvalidStatusTransition, CodeInvalidTransition},
	{database.ErrForbidden, CodeForbidden},
	{database.ErrValidation, CodeValidation},
	{database.ErrUserNotFound, CodeNotFound},
	{database.ErrProductNotFound, CodeNotFound},
	{database.ErrVariantNotFound, CodeNotFound},
	{database.ErrCartItemNotFound, CodeNotFound},
	{database.ErrOrderNotFound, CodeNotFound},
	{database.ErrEmailTaken, CodeConflict},
	{database.ErrDuplicateVariant, CodeConflict},
	{database.ErrOptimisticLockFailed, CodeConflict},
	{database.ErrLockTimeout, CodeConflict},
	{context.DeadlineExceeded, CodeTimeout},
}

// DescribeFailure maps err onto a stable code. Inconsistent state and
// unrecognised errors keep their details out of the message.
func DescribeFailure(err error) Failure {
	if err == nil {
		return Failure{}
	}

	code := CodeInternal
	for _, fc := range failureCodes {
		if errors.Is(err, fc.err) {
			code = fc.code
			break
		}
	}
	if code == CodeInternal && database.IsQueryCanceled(err) {
		code = CodeTimeout
	}

	failure := Failure{Code: code, Message: err.Error()}
	if code == CodeInternal || code == CodeInconsistentState {
		failure.Message = internalFailureMessage
	}

	var stockErr *database.StockError
	if errors.As(err, &stockErr) {
		failure.VariantID = stockErr.VariantID
	}

	return failure
}
