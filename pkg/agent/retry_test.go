package agent

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = &net.OpError{Op: "dial", Err: errors.New("connection refused")}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"network", errTransient, true},
		{"plain", errors.New("bad request"), false},
		{"anthropic rate limit", &anthropic.Error{StatusCode: 429}, true},
		{"anthropic overloaded", &anthropic.Error{StatusCode: 529}, true},
		{"anthropic bad request", &anthropic.Error{StatusCode: 400}, false},
		{"openai server error", &openai.Error{StatusCode: 502}, true},
		{"openai unauthorized", &openai.Error{StatusCode: 401}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestCallWithRetry_RecoversFromTransientErrors(t *testing.T) {
	p := NewScriptedProvider("test", Fail(errTransient), Fail(errTransient), Reply("hello"))

	resp, err := CallWithRetry(context.Background(), p, Request{}, fastPolicy(3))
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Len(t, p.Requests(), 3)
}

func TestCallWithRetry_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("invalid api key")
	p := NewScriptedProvider("test", Fail(permanent), Reply("never"))

	_, err := CallWithRetry(context.Background(), p, Request{}, fastPolicy(3))
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, p.Remaining())
}

func TestCallWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	p := NewScriptedProvider("test", Fail(errTransient), Fail(errTransient), Reply("late"))

	_, err := CallWithRetry(context.Background(), p, Request{}, fastPolicy(2))
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, p.Remaining())
}

func TestCallWithRetry_HonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewScriptedProvider("test", Step{
		Hook: func(context.Context, Request) error {
			cancel()
			return errTransient
		},
	})

	_, err := CallWithRetry(ctx, p, Request{}, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	assert.Equal(t, time.Second, p.delay(0))
	assert.Equal(t, 2*time.Second, p.delay(1))
	assert.Equal(t, 3*time.Second, p.delay(2))
	assert.Equal(t, 3*time.Second, p.delay(40))
}
