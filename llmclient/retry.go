package llmclient

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures the transient-failure retry policy.
type RetryConfig struct {
	MaxRetries int           // retries after the initial attempt
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // backoff cap
	Enabled    bool
	OnRetry    func(err error, attempt int, delay time.Duration)
}

// DefaultRetryConfig returns the default policy: 3 retries, 1s base delay,
// 30s cap, enabled.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Enabled:    true,
	}
}

// Delay computes the jittered backoff for retry attempt n (0-indexed):
// min(MaxDelay, BaseDelay * 2^n), then a uniform +/- 25% jitter.
func (c RetryConfig) Delay(attempt int) time.Duration {
	base := math.Min(float64(c.MaxDelay), float64(c.BaseDelay)*math.Pow(2, float64(attempt)))
	jittered := base * (0.75 + rand.Float64()*0.5)
	return time.Duration(jittered)
}

// RetryOutcome reports the result of one retry-wrapped operation.
// WasRetryable classifies the last error even when retries were disabled.
type RetryOutcome[T any] struct {
	Success      bool
	Value        T
	Err          error
	Attempts     int
	WasRetryable bool
}

// WithRetry executes op, retrying transient failures per cfg. The initial
// call always runs regardless of Enabled. Panics inside op are normalized to
// non-retryable errors rather than unwinding the session loop.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) RetryOutcome[T] {
	outcome := RetryOutcome[T]{}

	value, err := callSafely(ctx, op)
	outcome.Attempts = 1
	if err == nil {
		outcome.Success = true
		outcome.Value = value
		return outcome
	}

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if !IsRetryableError(err) {
			break
		}
		if !cfg.Enabled {
			break
		}

		delay := cfg.Delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(err, attempt+1, delay)
		}

		select {
		case <-ctx.Done():
			outcome.Err = fmt.Errorf("cancelled during retry backoff: %w", ctx.Err())
			outcome.WasRetryable = IsRetryableError(err)
			return outcome
		case <-time.After(delay):
		}

		value, err = callSafely(ctx, op)
		outcome.Attempts++
		if err == nil {
			outcome.Success = true
			outcome.Value = value
			return outcome
		}
	}

	outcome.Err = err
	outcome.WasRetryable = IsRetryableError(err)
	return outcome
}

// WithRetryFunc wraps fn so every invocation runs under the retry policy,
// preserving fn's signature.
func WithRetryFunc[T any](cfg RetryConfig, fn func(ctx context.Context) (T, error)) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		outcome := WithRetry(ctx, cfg, fn)
		if !outcome.Success {
			return outcome.Value, outcome.Err
		}
		return outcome.Value, nil
	}
}

func callSafely[T any](ctx context.Context, op func(ctx context.Context) (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx)
}
