package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, CategoryStorage, CodeStorageFailed, "", true))
}

func TestInspectorsThroughWrapping(t *testing.T) {
	base := errors.New("boom")
	classified := Wrap(base, CategoryQuotaExceeded, CodeZeroBalance, "Recharge to continue.", false)
	wrapped := fmt.Errorf("chat: %w", classified)

	assert.Equal(t, CategoryQuotaExceeded, CategoryOf(wrapped))
	assert.Equal(t, CodeZeroBalance, CodeOf(wrapped))
	assert.Equal(t, "Recharge to continue.", HintOf(wrapped))
	assert.False(t, RetryableOf(wrapped))
	assert.True(t, Is(wrapped, CategoryQuotaExceeded))
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, "chat: boom", wrapped.Error())
}

func TestUnclassified(t *testing.T) {
	err := errors.New("plain")
	assert.Equal(t, Category(""), CategoryOf(err))
	assert.Empty(t, CodeOf(err))
	assert.Empty(t, HintOf(err))
	assert.False(t, RetryableOf(err))
}

func TestHelpers(t *testing.T) {
	v := Validation("bad %s", "input")
	assert.Equal(t, CategoryValidation, CategoryOf(v))
	assert.Equal(t, "bad input", v.Error())

	s := Storage(errors.New("down"))
	assert.Equal(t, CategoryStorage, CategoryOf(s))
	assert.True(t, RetryableOf(s))

	n := New(CategoryNotFound, CodeNotFound, "source not found", "")
	assert.Equal(t, CodeNotFound, CodeOf(n))
}
