package database

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorClassPermanent},
		{"serialization failure", &pq.Error{Code: "40001"}, ErrorClassSerialization},
		{"deadlock", &pq.Error{Code: "40P01"}, ErrorClassDeadlock},
		{"lock not available", &pq.Error{Code: "55P03"}, ErrorClassTransient},
		{"check violation", &pq.Error{Code: "23514"}, ErrorClassPermanent},
		{"wrapped deadlock", fmt.Errorf("decrement stock: %w", &pq.Error{Code: "40P01"}), ErrorClassDeadlock},
		{"no rows", sql.ErrNoRows, ErrorClassPermanent},
		{"domain sentinel", ErrStockChanged, ErrorClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&pq.Error{Code: "40001"}))
	assert.False(t, IsRetryable(ErrInsufficientStock))
}

func TestWrappedLockTimeoutStaysRetryable(t *testing.T) {
	err := fmt.Errorf("%w: variant 3: %w", ErrLockTimeout, &pq.Error{Code: "55P03"})

	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(ErrLockTimeout))
}

func TestIsQueryCanceled(t *testing.T) {
	assert.True(t, IsQueryCanceled(fmt.Errorf("lock variant 4: %w", &pq.Error{Code: "57014"})))
	assert.False(t, IsQueryCanceled(&pq.Error{Code: "55P03"}))
	assert.False(t, IsQueryCanceled(errors.New("canceling statement")))
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("create variant: %w", &pq.Error{Code: "23505", Constraint: "product_variants_product_size_color_key"})

	assert.True(t, IsUniqueViolation(err, ""))
	assert.True(t, IsUniqueViolation(err, "product_variants_product_size_color_key"))
	assert.False(t, IsUniqueViolation(err, "users_email_key"))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}, ""))
}

func TestStockErrorUnwrapsToSentinel(t *testing.T) {
	err := fmt.Errorf("validate cart: %w", NewStockError(ErrInsufficientStock, 42, 3, 1))

	assert.True(t, errors.Is(err, ErrInsufficientStock))
	assert.False(t, errors.Is(err, ErrStockChanged))

	var stockErr *StockError
	if assert.True(t, errors.As(err, &stockErr)) {
		assert.Equal(t, int64(42), stockErr.VariantID)
	}
	assert.Contains(t, err.Error(), "variant 42")
}
