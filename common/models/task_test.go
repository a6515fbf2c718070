package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeDefaults(t *testing.T) {
	task := TaskInput{HTTPRequest: HTTPRequest{URL: "https://example.com", Method: MethodPost}}.Normalize()
	assert.Equal(t, TaskConfig{
		ExecutionDelay:    DefaultExecutionDelay,
		RetryInterval:     DefaultRetryInterval,
		RetryExponential:  true,
		RepeatInterval:    DefaultRepeatInterval,
		RepeatExponential: true,
		Timeout:           DefaultTimeout,
	}, task.Config)
}

func TestNormalizeAbsoluteSchedule(t *testing.T) {
	at, retryAt, repeatAt, five := int64(1700000000000), int64(1700000001000), int64(1700000002000), int64(5)
	off := false
	task := TaskInput{
		HTTPRequest: HTTPRequest{URL: "https://example.com", Method: MethodDelete, Data: `{"drop":true}`},
		Config: TaskConfigInput{
			ExecutionAt:       &at,
			ExecutionDelay:    &five,
			Retry:             &five,
			RetryAt:           &retryAt,
			Repeat:            &five,
			RepeatAt:          &repeatAt,
			RepeatExponential: &off,
		},
	}.Normalize()

	assert.Equal(t, int64(1), task.Config.ExecutionDelay)
	assert.Equal(t, int64(1), task.Config.Retry)
	assert.Equal(t, int64(1), task.Config.Repeat)
	assert.False(t, task.Config.RepeatExponential)
	assert.Empty(t, task.HTTPRequest.Data, "DELETE carries no body")
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateCanceled, StateCompleted, StateError, StateExceeded} {
		assert.True(t, s.Terminal(), s)
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, StateRunning.Terminal())
	assert.False(t, StatePaused.Terminal())
	assert.False(t, State("SLEEPING").Valid())
}
