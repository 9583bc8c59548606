package retry

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig configures retry behavior with exponential or fixed backoff
type RetryConfig struct {
	MaxRetries int           `json:"max_retries"` // Retries after the first attempt
	BaseDelay  time.Duration `json:"base_delay"`  // Delay before the first retry
	MaxDelay   time.Duration `json:"max_delay"`   // Upper bound for any delay
	Multiplier float64       `json:"multiplier"`  // 1.0 gives a fixed interval
	Jitter     bool          `json:"jitter"`      // Add up to 10% random jitter
	LogRetries bool          `json:"log_retries"`

	// ShouldRetry decides whether a failed attempt is retried. Nil retries every error.
	ShouldRetry func(error) bool `json:"-"`
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	TotalDuration time.Duration `json:"total_duration"`
	LastError     error         `json:"-"`
	Success       bool          `json:"success"`
	RetryReasons  []string      `json:"retry_reasons"`
}

// FixedRetryConfig returns a configuration making attempts tries in total,
// interval apart, without jitter.
func FixedRetryConfig(attempts int, interval time.Duration) RetryConfig {
	if attempts < 1 {
		attempts = 1
	}
	return RetryConfig{
		MaxRetries: attempts - 1,
		BaseDelay:  interval,
		MaxDelay:   interval,
		Multiplier: 1.0,
		Jitter:     false,
		LogRetries: true,
	}
}

// RetryWithBackoff executes an operation until it succeeds, the attempts run
// out, ShouldRetry rejects the error, or ctx is done.
func RetryWithBackoff(ctx context.Context, config RetryConfig, operation func(ctx context.Context) error, logger *zerolog.Logger) RetryResult {
	startTime := time.Now()
	result := RetryResult{RetryReasons: make([]string, 0)}
	logging := config.LogRetries && logger != nil

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		err := operation(ctx)
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(startTime)
			if logging && attempt > 0 {
				logger.Debug().Int("attempt", result.Attempts).Dur("total", result.TotalDuration).Msg("operation succeeded after retry")
			}
			return result
		}

		result.LastError = err
		result.RetryReasons = append(result.RetryReasons, err.Error())

		if attempt >= config.MaxRetries || (config.ShouldRetry != nil && !config.ShouldRetry(err)) {
			result.TotalDuration = time.Since(startTime)
			if logging {
				logger.Warn().Err(err).Int("attempts", result.Attempts).Dur("total", result.TotalDuration).Msg("operation failed")
			}
			return result
		}

		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		}

		delay := calculateDelay(config, attempt)
		if logging {
			logger.Debug().Err(err).Int("attempt", result.Attempts).Int("max_attempts", config.MaxRetries+1).
				Dur("delay", delay).Msg("operation failed, retrying")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		case <-timer.C:
		}
	}

	result.TotalDuration = time.Since(startTime)
	return result
}

// calculateDelay returns baseDelay * multiplier^attempt, capped at MaxDelay
func calculateDelay(config RetryConfig, attempt int) time.Duration {
	multiplier := config.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(config.BaseDelay) * math.Pow(multiplier, float64(attempt))

	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(config.BaseDelay)
		}
	}

	return time.Duration(delay)
}

// IsRetryableError reports whether a transport error message looks transient
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"dns lookup failed",
		"no such host",
		"network unreachable",
		"broken pipe",
		"context deadline exceeded",
		"eof",
		"i/o timeout",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}
	return false
}
