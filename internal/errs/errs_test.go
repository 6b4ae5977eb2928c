package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, NotFound, KindOf(New(NotFound, "team %s not found", "team-1")))
	assert.Equal(t, Internal, KindOf(errors.New("plain")))
	assert.Equal(t, Internal, KindOf(fmt.Errorf("wrapped: %w", errors.New("plain"))))
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := New(Timeout, "call took too long")
	outer := fmt.Errorf("send to dev-1: %w", inner)

	assert.Equal(t, Timeout, KindOf(outer))
	assert.True(t, Is(outer, Timeout))
	assert.False(t, Is(outer, Canceled))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(Transport, cause, "read response")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "transport: read response: connection reset", err.Error())
}

func TestMessageStripsKindPrefix(t *testing.T) {
	assert.Equal(t, "agent dev-1 is busy", Message(New(Busy, "agent dev-1 is busy")))
	assert.Equal(t, "read response: connection reset",
		Message(Wrap(Transport, errors.New("connection reset"), "read response")))
	assert.Equal(t, "plain", Message(errors.New("plain")))
	assert.Empty(t, Message(nil))
}
