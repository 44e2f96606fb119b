package errors

import (
	"context"
	"math"
	"math/rand"
	"time"

	"maestro/internal/logging"
)

// RetryConfig configures retry behavior for transient failures.
type RetryConfig struct {
	MaxAttempts  int           // Total attempts including the first (default 3)
	BaseDelay    time.Duration // Base delay for exponential backoff (default 100ms)
	Factor       float64       // Backoff multiplier per attempt (default 2.0)
	MaxDelay     time.Duration // Upper bound on a single delay (default 30s)
	JitterFactor float64       // Randomization factor, 0.25 = ±25%
	RetryOn      []Kind        // Kinds worth retrying; nil means default classification
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    100 * time.Millisecond,
		Factor:       2.0,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.Factor <= 0 {
		c.Factor = 2.0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	return c
}

// ShouldRetry reports whether err qualifies for another attempt under c.
func (c RetryConfig) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if len(c.RetryOn) == 0 {
		return IsTransient(err)
	}
	kind := KindOf(err)
	for _, k := range c.RetryOn {
		if k == kind {
			return true
		}
	}
	return false
}

// Backoff computes the delay before the given attempt (1-based: the delay
// after attempt N). The result is capped at MaxDelay and jittered.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	c = c.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.BaseDelay) * math.Pow(c.Factor, float64(attempt-1))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		jitter := delay * c.JitterFactor * (2*rand.Float64() - 1)
		delay += jitter
		if delay < 0 {
			delay = 0
		}
	}
	return time.Duration(delay)
}

// Retry executes fn with exponential backoff until success, a non-retriable
// error, attempt exhaustion, or context cancellation.
func Retry(ctx context.Context, config RetryConfig, logger logging.Logger, fn func(ctx context.Context) error) error {
	_, err := RetryWithResult(ctx, config, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult is Retry for functions returning a value.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, logger logging.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	logger = logging.OrNop(logger)
	config = config.normalized()

	var zero T
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, Wrap(KindCancelled, err, "retry aborted before attempt %d", attempt)
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("retry succeeded on attempt %d/%d", attempt, config.MaxAttempts)
			}
			return result, nil
		}
		lastErr = err
		logger.Debug("attempt %d/%d failed: %v", attempt, config.MaxAttempts, err)

		if !config.ShouldRetry(err) {
			return zero, err
		}
		if attempt == config.MaxAttempts {
			break
		}

		delay := config.Backoff(attempt)
		logger.Debug("waiting %v before attempt %d", delay, attempt+1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, Wrap(KindCancelled, ctx.Err(), "retry cancelled during backoff")
		}
	}

	return zero, lastErr
}
