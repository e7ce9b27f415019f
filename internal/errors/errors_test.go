package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	t.Run("typed errors carry their code", func(t *testing.T) {
		assert.Equal(t, ErrCodeConflict, CodeOf(Conflict("stale base version")))
		assert.Equal(t, ErrCodeValidation, CodeOf(Validation("title", "required")))
		assert.Equal(t, ErrCodeInvalidState, CodeOf(InvalidState("cannot send")))
		assert.Equal(t, ErrCodeNotFound, CodeOf(NotFound("proposal", "p1")))
	})

	t.Run("untyped errors default to internal", func(t *testing.T) {
		assert.Equal(t, ErrCodeInternal, CodeOf(stderrors.New("boom")))
		assert.Equal(t, ErrCodeInternal, CodeOf(nil))
	})

	t.Run("code survives fmt wrapping", func(t *testing.T) {
		err := fmt.Errorf("commit version: %w", Conflict("stale base version"))
		assert.Equal(t, ErrCodeConflict, CodeOf(err))
		assert.True(t, IsCode(err, ErrCodeConflict))
	})
}

func TestWrap(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(cause, ErrCodeCollaborator, "notifier: smtp send failed")

	assert.Equal(t, ErrCodeCollaborator, CodeOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "COLLABORATOR_ERROR")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsMatchesByCode(t *testing.T) {
	err := Conflict("duplicate decision")

	assert.True(t, stderrors.Is(err, &Error{Code: ErrCodeConflict}))
	assert.False(t, stderrors.Is(err, &Error{Code: ErrCodeNotFound}))
}

func TestNotFoundMessage(t *testing.T) {
	err := NotFound("workflow_rule", "r42")
	assert.Contains(t, err.Error(), "workflow_rule not found: r42")
}
