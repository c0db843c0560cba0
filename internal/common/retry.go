package common

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/the-ledger-must-balance/internal/service"
)

var (
	// ErrRateLimit means the remote service asked us to slow down.
	ErrRateLimit = errors.New("rate limit exceeded")
	// ErrMaxRetries means every attempt failed with a retryable error.
	ErrMaxRetries = errors.New("max retries exceeded")
)

// RetryableError marks whether a failed attempt may be repeated. A positive
// RetryAfter replaces the backoff delay before the next attempt.
type RetryableError struct {
	Err        error
	RetryAfter time.Duration
	Retryable  bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func retryDefaults(opts service.RetryOptions) service.RetryOptions {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Second
	}
	if opts.Multiplier <= 0 {
		opts.Multiplier = 2.0
	}
	return opts
}

// retryDelay picks the wait before the next attempt, never above maxDelay.
func retryDelay(err error, backoff, maxDelay time.Duration) time.Duration {
	var retryable *RetryableError
	switch {
	case errors.As(err, &retryable) && retryable.RetryAfter > 0:
		return min(retryable.RetryAfter, maxDelay)
	case errors.Is(err, ErrRateLimit):
		return maxDelay
	default:
		return min(backoff, maxDelay)
	}
}

// WithRetry runs operation until it succeeds, fails with an error IsRetryable
// rejects, or uses up opts.MaxAttempts. Every retry is logged with fields.
func WithRetry(ctx context.Context, operation func() error, opts service.RetryOptions, fields Fields) error {
	opts = retryDefaults(opts)
	backoff := opts.InitialDelay

	for attempt := 1; ; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt >= opts.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrMaxRetries, attempt, err)
		}

		wait := retryDelay(err, backoff, opts.MaxDelay)
		attemptFields := Fields{
			"attempt":      attempt,
			"max_attempts": opts.MaxAttempts,
			"delay":        wait,
			"error":        err.Error(),
		}
		for k, v := range fields {
			attemptFields[k] = v
		}
		LogWarn(ctx, "Attempt failed, retrying", attemptFields)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(time.Duration(float64(backoff)*opts.Multiplier), opts.MaxDelay)
	}
}
