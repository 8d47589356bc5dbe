package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithHelpersKeepIdentity(t *testing.T) {
	cause := errors.New("deadlock detected")

	err := ErrDatabase.WithInternal(cause).WithMessage("ledger insert failed")

	assert.True(t, errors.Is(err, ErrDatabase))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrInternal))
	assert.Equal(t, "database_error: ledger insert failed (deadlock detected)", err.Error())
}

func TestWithInternalKeepsDetails(t *testing.T) {
	err := ErrInsufficientCredits.WithDetails(map[string]any{"balance": 1}).WithInternal(errors.New("x"))
	assert.Equal(t, 1, err.Details["balance"])
}

func TestAs(t *testing.T) {
	wrapped := fmt.Errorf("consume: %w", ErrInsufficientCredits)

	appErr, ok := As(wrapped)
	assert.True(t, ok)
	assert.Equal(t, 402, appErr.HTTPStatus)

	_, ok = As(errors.New("plain"))
	assert.False(t, ok)
}

func TestNewNotFound(t *testing.T) {
	err := NewNotFound("reservation", "abc")
	assert.Equal(t, "reservation 'abc' not found", err.Message)
	assert.True(t, errors.Is(err, ErrNotFound))
}
