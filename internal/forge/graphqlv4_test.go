package forge

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/go-github/v68/github"
)

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialWait)
	assert.Equal(t, 4*time.Second, cfg.MaxWait)
}

func TestWithRetrySucceedsWithoutRetrying(t *testing.T) {
	calls := 0
	cfg := DefaultRetryConfig()
	got, err := withRetry(context.Background(), cfg, func() (string, *github.Response, error) {
		calls++
		return "ok", nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 1, calls)
}

func TestWithRetryStopsOnNonRetryableError(t *testing.T) {
	calls := 0
	cfg := DefaultRetryConfig()
	_, err := withRetry(context.Background(), cfg, func() (string, *github.Response, error) {
		calls++
		return "", nil, errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryRetriesOn5xxThenGivesUp(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond}
	resp := &github.Response{Response: &http.Response{StatusCode: http.StatusBadGateway}}
	_, err := withRetry(context.Background(), cfg, func() (string, *github.Response, error) {
		calls++
		return "", resp, errors.New("server error")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, isRetryable(nil, nil))
	assert.False(t, isRetryable(errors.New("x"), nil))
	assert.True(t, isRetryable(errors.New("x"), &github.Response{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}))
	assert.True(t, isRetryable(errors.New("x"), &github.Response{Response: &http.Response{StatusCode: http.StatusInternalServerError}}))
	assert.False(t, isRetryable(errors.New("x"), &github.Response{Response: &http.Response{StatusCode: http.StatusNotFound}}))
}
