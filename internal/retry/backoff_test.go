package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedRetryConfig(t *testing.T) {
	config := FixedRetryConfig(3, 2*time.Second)

	assert.Equal(t, 2, config.MaxRetries)
	assert.Equal(t, 2*time.Second, config.BaseDelay)
	assert.False(t, config.Jitter)

	for attempt := 0; attempt < 3; attempt++ {
		assert.Equal(t, 2*time.Second, calculateDelay(config, attempt))
	}

	assert.Equal(t, 0, FixedRetryConfig(0, time.Second).MaxRetries)
}

func TestRetryWithBackoff_Success(t *testing.T) {
	config := FixedRetryConfig(3, 10*time.Millisecond)

	result := RetryWithBackoff(context.Background(), config, func(context.Context) error {
		return nil
	}, nil)

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.NoError(t, result.LastError)
	assert.Empty(t, result.RetryReasons)
}

func TestRetryWithBackoff_EventualSuccess(t *testing.T) {
	config := FixedRetryConfig(3, 5*time.Millisecond)
	logger := zerolog.Nop()

	attempts := 0
	result := RetryWithBackoff(context.Background(), config, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary failure")
		}
		return nil
	}, &logger)

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Len(t, result.RetryReasons, 2)
	assert.NotZero(t, result.TotalDuration)
}

func TestRetryWithBackoff_AllAttemptsFailure(t *testing.T) {
	config := FixedRetryConfig(3, time.Millisecond)
	expectedError := errors.New("persistent failure")

	result := RetryWithBackoff(context.Background(), config, func(context.Context) error {
		return expectedError
	}, nil)

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, expectedError, result.LastError)
	assert.Len(t, result.RetryReasons, 3)
}

func TestRetryWithBackoff_ShouldRetryStopsEarly(t *testing.T) {
	permanent := errors.New("permanent")
	config := FixedRetryConfig(5, time.Millisecond)
	config.ShouldRetry = func(err error) bool { return !errors.Is(err, permanent) }

	result := RetryWithBackoff(context.Background(), config, func(context.Context) error {
		return permanent
	}, nil)

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.ErrorIs(t, result.LastError, permanent)
}

func TestRetryWithBackoff_ContextCancellation(t *testing.T) {
	config := FixedRetryConfig(6, 100*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result := RetryWithBackoff(ctx, config, func(context.Context) error {
		return errors.New("always fails")
	}, nil)

	require.False(t, result.Success)
	assert.Equal(t, context.DeadlineExceeded, result.LastError)
	assert.LessOrEqual(t, result.Attempts, 2)
}

func TestCalculateDelay(t *testing.T) {
	config := RetryConfig{
		BaseDelay:  1 * time.Second,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
	}

	assert.Equal(t, 1*time.Second, calculateDelay(config, 0))
	assert.Equal(t, 2*time.Second, calculateDelay(config, 1))
	assert.Equal(t, 4*time.Second, calculateDelay(config, 2))
	assert.Equal(t, 10*time.Second, calculateDelay(config, 10))
}

func TestCalculateDelay_WithJitter(t *testing.T) {
	config := RetryConfig{
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}

	delay := calculateDelay(config, 1)
	assert.InDelta(t, float64(2*time.Second), float64(delay), float64(200*time.Millisecond))
}

func TestIsRetryableError(t *testing.T) {
	for _, err := range []error{
		errors.New("connection refused"),
		errors.New("HTTP 503 Service Unavailable"),
		errors.New("context deadline exceeded"),
		errors.New(`Post "http://127.0.0.1:1/x": EOF`),
	} {
		assert.True(t, IsRetryableError(err), err.Error())
	}
	for _, err := range []error{
		errors.New("invalid input"),
		errors.New("HTTP 400 Bad Request"),
	} {
		assert.False(t, IsRetryableError(err), err.Error())
	}
	assert.False(t, IsRetryableError(nil))
}
