package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodeAndCategory(t *testing.T) {
	err := ProviderUnavailable("endpoint down", nil)
	assert.Equal(t, ErrCodeProviderUnavailable, err.Code)
	assert.Equal(t, CategoryProvider, err.Category)
	assert.True(t, err.Retryable)

	cfgErr := ConfigError("bad option", nil)
	assert.Equal(t, CategoryConfig, cfgErr.Category)
	assert.Equal(t, SeverityFatal, cfgErr.Severity)
	assert.False(t, cfgErr.Retryable)
}

func TestErrorWrappingChain(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := ProviderUnavailable("embed call failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), ErrCodeProviderUnavailable)
	assert.Contains(t, err.Error(), "embed call failed")
}

func TestIsCodeThroughWrapping(t *testing.T) {
	inner := ContextLengthExceeded("too long")
	outer := fmt.Errorf("batch 3: %w", inner)

	assert.True(t, IsCode(outer, ErrCodeContextLengthExceeded))
	assert.False(t, IsCode(outer, ErrCodeRequestTimeout))
	assert.Equal(t, ErrCodeContextLengthExceeded, GetCode(outer))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(RequestTimeout("slow", nil)))
	assert.False(t, IsRetryable(ContextLengthExceeded("data issue")))
	assert.False(t, IsRetryable(errors.New("plain error")))
	assert.False(t, IsRetryable(nil))
}

func TestDimensionMismatch(t *testing.T) {
	err := DimensionMismatch(384, 768)
	assert.Equal(t, ErrCodeDimensionMismatch, err.Code)
	assert.Contains(t, err.Message, "384")
	assert.Contains(t, err.Message, "768")
	assert.NotEmpty(t, err.Suggestion)
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	attempts := 0
	result, err := RetryWithResult(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", ProviderUnavailable("flaky", nil)
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
}

func TestRetryDoesNotRetryDataErrors(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	attempts := 0
	_, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		attempts++
		return 0, ContextLengthExceeded("oversized input")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts, "context-length errors surface immediately")
	assert.True(t, IsCode(err, ErrCodeContextLengthExceeded))
}

func TestRetryRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := DefaultRetryConfig()
	_, err := RetryWithResult(ctx, cfg, func() (int, error) {
		return 0, ProviderUnavailable("never", nil)
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryExhausted(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return RequestTimeout("always slow", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts, "initial attempt plus two retries")
}
