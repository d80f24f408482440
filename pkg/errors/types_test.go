package errors

import (
	stderrors "errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCapturesStack(t *testing.T) {
	err := New(ErrCodePoolExhausted, "no capacity")

	assert.Equal(t, ErrCodePoolExhausted, err.Code)
	assert.NotEmpty(t, err.Stack)
	assert.False(t, err.Retryable)
}

func TestErrorFormatting(t *testing.T) {
	base := stderrors.New("chromium exited")
	err := Wrap(base, ErrCodeLaunchFailure, "launch failed").
		WithContext("instance_id", "inst-1").
		WithRetryable(true)

	msg := err.Error()
	assert.Contains(t, msg, "[LAUNCH_FAILURE]")
	assert.Contains(t, msg, "launch failed")
	assert.Contains(t, msg, "instance_id: inst-1")
	assert.Contains(t, msg, "chromium exited")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "nothing"))
}

func TestUnwrap(t *testing.T) {
	base := stderrors.New("disk full")
	err := Wrap(base, ErrCodeStorageWrite, "write failed")

	require.ErrorIs(t, err, base)
}

func TestIsCodeAndRetryable(t *testing.T) {
	err := New(ErrCodePoolExhausted, "at capacity").WithRetryable(true)

	assert.True(t, IsCode(err, ErrCodePoolExhausted))
	assert.False(t, IsCode(err, ErrCodeLaunchFailure))
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(stderrors.New("plain")))
	assert.Equal(t, ErrCodePoolExhausted, GetCode(err))
	assert.Equal(t, ErrCodeInternal, GetCode(stderrors.New("plain")))
}

func TestStackTraceMentionsTest(t *testing.T) {
	err := New(ErrCodeInternal, "boom")
	trace := err.StackTrace()
	if !strings.Contains(trace, "Stack trace:") {
		t.Fatalf("unexpected trace: %s", trace)
	}
}
