package x402err

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_WrappingPreservesKind(t *testing.T) {
	err := fmt.Errorf("reserve failed: %w", InsufficientEscrow("c1", "50", "30"))

	e, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, KindInsufficientEscrow, e.Kind)
	assert.True(t, e.Resubmittable)
	assert.Equal(t, "30", e.Details["remaining"])
	assert.True(t, IsKind(err, KindInsufficientEscrow))
	assert.False(t, IsKind(err, KindPayment))
}

func TestError_IsMatchesTemplate(t *testing.T) {
	err := ErrFraudBlocked.WithDetail("wallet", "0xabc")

	assert.True(t, errors.Is(err, ErrFraudBlocked))
	assert.False(t, errors.Is(err, ErrDuplicatePayment))
	assert.Nil(t, ErrFraudBlocked.Details, "template must not be mutated")
}

func TestError_UnwrapCause(t *testing.T) {
	cause := errors.New("gateway said no")
	err := Payment(CodeTransferRejected, "transfer rejected", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "gateway said no")
	assert.True(t, HasCode(err, CodeTransferRejected))
}

func TestValidation(t *testing.T) {
	err := Validation("trigger", "unknown trigger")

	assert.Equal(t, KindX402, err.Kind)
	assert.Equal(t, CodeValidation, err.Code)
	assert.Equal(t, "trigger", err.Details["field"])
}
