package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := InsufficientBalance("balance 2, requested 3")
	assert.Equal(t, KindInsufficientBalance, KindOf(err))
	assert.True(t, IsKind(err, KindInsufficientBalance))
	assert.False(t, IsKind(err, KindConflict))
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := Conflict("username %q taken", "alice")
	wrapped := fmt.Errorf("provision owner: %w", err)

	require.True(t, IsKind(wrapped, KindConflict))
	assert.Equal(t, KindConflict, KindOf(wrapped))
}

func TestTransientUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := Transient(cause, "commit debit")

	require.ErrorIs(t, err, cause)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
}
