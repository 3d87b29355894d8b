package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Format(t *testing.T) {
	err := NewError(ErrTaskFailed, "task x failed")
	assert.Equal(t, "[TASK_FAILED] task x failed", err.Error())

	wrapped := NewError(ErrTaskFailed, "task x failed").WithCause(errors.New("boom"))
	assert.Equal(t, "[TASK_FAILED] task x failed: boom", wrapped.Error())
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewError(ErrOutboxPersist, "persist failed").WithCause(cause)

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestError_IsMatchesByCode(t *testing.T) {
	a := NewError(ErrTaskTimeout, "one message")
	b := NewError(ErrTaskTimeout, "another message")
	c := NewError(ErrTaskFailed, "different code")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestError_CodeExtraction(t *testing.T) {
	err := NewErrorf(ErrExecutorNotFound, "no executor for %s", "security")
	assert.Equal(t, ErrExecutorNotFound, GetErrorCode(err))
	assert.True(t, IsCode(err, ErrExecutorNotFound))
	assert.False(t, IsCode(err, ErrTaskFailed))

	// 包裹后仍可提取
	wrapped := fmt.Errorf("dispatch: %w", err)
	assert.Equal(t, ErrExecutorNotFound, GetErrorCode(wrapped))

	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(nil))
}

func TestError_Retryable(t *testing.T) {
	err := NewError(ErrTaskTimeout, "deadline").WithRetryable(true)
	assert.True(t, IsRetryable(err))

	assert.False(t, IsRetryable(NewError(ErrTaskFailed, "hard failure")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestNewEnvelope(t *testing.T) {
	evt := NewEnvelope(EventAgentStarted, "taskmesh/test", map[string]any{"taskId": "T"})

	assert.Equal(t, EnvelopeSpecVersion, evt.SpecVersion)
	assert.Equal(t, EventAgentStarted, evt.Type)
	assert.Equal(t, "taskmesh/test", evt.Source)
	assert.NotEmpty(t, evt.ID)
	assert.False(t, evt.Time.IsZero())
	assert.NotNil(t, evt.Headers)
	assert.Equal(t, "T", evt.Data["taskId"])

	// nil data 规范化为空 map
	empty := NewEnvelope(EventAgentStarted, "src", nil)
	require.NotNil(t, empty.Data)

	// 每个信封 ID 唯一
	assert.NotEqual(t, evt.ID, empty.ID)
}
