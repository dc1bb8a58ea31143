package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesByCode(t *testing.T) {
	err := New("session.get", CodeSessionNotFound, "session %q not found", "abc")
	wrapped := fmt.Errorf("api: %w", err)

	assert.True(t, errors.Is(wrapped, ErrSessionNotFound))
	assert.False(t, errors.Is(wrapped, ErrPageNotFound))
	assert.Equal(t, CodeSessionNotFound, CodeOf(wrapped))
	assert.Equal(t, `session.get: session "abc" not found`, err.Error())
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap("op", CodeInternal, nil))

	base := errors.New("boom")
	err := Wrap("command.navigate", CodeCommandTimeout, base)
	assert.ErrorIs(t, err, base)
	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.Equal(t, "command.navigate: boom", err.Error())
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeValidation, CodeOf(&Error{Code: CodeValidation}))
	assert.Equal(t, "ValidationError", (&Error{Code: CodeValidation}).Error())
}
