package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{KindUnknown, "unknown"},
		{KindNotFound, "not_found"},
		{KindInvalid, "invalid"},
		{KindIO, "io"},
		{KindTimeout, "timeout"},
		{KindUnsupported, "unsupported"},
		{Kind(99), "unknown"},
	}
	for _, tt := range cases {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestErrorMessageWithAndWithoutCause(t *testing.T) {
	withCause := New("pipeio.Open", KindIO, errors.New("no such file"))
	assert.Equal(t, "pipeio.Open: io: no such file", withCause.Error())

	withoutCause := New("device.Resolve", KindInvalid, nil)
	assert.Equal(t, "device.Resolve: invalid", withoutCause.Error())
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("EAGAIN")
	err := New("audioreader.Read", KindIO, cause)
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestKindOfWalksWrapChain(t *testing.T) {
	base := New("lock.Acquire", KindTimeout, errors.New("deadline exceeded"))
	wrapped := fmt.Errorf("acquiring lock: %w", base)

	assert.Equal(t, KindTimeout, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindTimeout))
	assert.False(t, Is(wrapped, KindIO))
}

func TestKindOfReturnsUnknownForPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}
