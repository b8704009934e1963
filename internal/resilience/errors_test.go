package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"explicit", NewTransientError(errors.New("overloaded"), 503), true},
		{"wrapped", fmt.Errorf("call: %w", NewTransientError(errors.New("rate limited"), 429)), true},
		{"regular", errors.New("invalid input: missing field"), false},
		{"conn_reset", fmt.Errorf("write tcp: %w", syscall.ECONNRESET), true},
		{"conn_refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), false},
		{"canceled", fmt.Errorf("get: %w", context.Canceled), false},
		{"marked_deadline", NewTransientError(fmt.Errorf("client timeout: %w", context.DeadlineExceeded), 0), true},
		{"dns", &net.DNSError{Err: "no such host", Name: "nowhere.invalid"}, true},
		{"string_pattern", errors.New("read: i/o timeout"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsNetworkError_CountsDeadline(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("get: %w", context.DeadlineExceeded)
	assert.True(t, IsNetworkError(err))
	assert.False(t, IsTransient(err))
}

func TestDoVal_StopsOnExpiredContextError(t *testing.T) {
	t.Parallel()

	calls := 0
	cfg := DefaultRetryConfig()
	cfg.MaxAttempts = 3
	cfg.InitialBackoff = 0
	_, err := DoVal(context.Background(), cfg, func(context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("upstream: %w", context.DeadlineExceeded)
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}

func TestIsNetworkError_NotForTransientWrapper(t *testing.T) {
	t.Parallel()

	assert.False(t, IsNetworkError(NewTransientError(errors.New("status 503"), 503)))
	assert.False(t, IsNetworkError(nil))
}

func TestIsTransientHTTPStatus(t *testing.T) {
	t.Parallel()

	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("boom")
	te := NewTransientError(inner, 502)
	assert.ErrorIs(t, te, inner)
	assert.Equal(t, "boom", te.Error())
	assert.Equal(t, 502, te.StatusCode)
}
