package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrapped(t *testing.T) {
	base := Validation(CodeMissingField, "customer.name is required")
	wrapped := fmt.Errorf("create order: %w", base)

	assert.Equal(t, KindValidation, KindOf(wrapped))
	assert.Equal(t, CodeMissingField, CodeOf(wrapped))
	assert.True(t, Is(wrapped, CodeMissingField))
	assert.False(t, Is(wrapped, CodeOrderNotFound))
}

func TestUnknownErrorIsInternal(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, CodeInternal, CodeOf(err))
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Upstream("stripe create intent", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, KindUpstream, err.Kind)
	assert.Contains(t, err.Error(), "dial tcp")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "conflict", KindConflict.String())
	assert.Equal(t, "internal", Kind(99).String())
}
